// Copyright 2024 The lnxdrive Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hydration

import (
	"bytes"
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Enigmora/lnxdrive/internal/cloud"
	"github.com/Enigmora/lnxdrive/internal/contentcache"
	"github.com/Enigmora/lnxdrive/internal/domain"
	"github.com/Enigmora/lnxdrive/internal/inode"
	"github.com/Enigmora/lnxdrive/internal/statestore"
)

type sinkTransition struct {
	id     domain.ItemID
	to     domain.ItemState
	reason string
}

// fakeSink records writer traffic without a database.
type fakeSink struct {
	mu          sync.Mutex
	transitions []sinkTransition
	progress    map[domain.ItemID][]uint8
}

func newFakeSink() *fakeSink {
	return &fakeSink{progress: make(map[domain.ItemID][]uint8)}
}

func (s *fakeSink) Transition(ctx context.Context, id domain.ItemID, to domain.ItemState, reason string, side *statestore.SideData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, sinkTransition{id, to, reason})
	return nil
}

func (s *fakeSink) UpdateProgress(ctx context.Context, id domain.ItemID, pct uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[id] = append(s.progress[id], pct)
	return nil
}

func (s *fakeSink) states(id domain.ItemID) []domain.ItemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ItemState
	for _, tr := range s.transitions {
		if tr.id == id {
			out = append(out, tr.to)
		}
	}
	return out
}

func (s *fakeSink) lastState(id domain.ItemID) domain.ItemState {
	states := s.states(id)
	if len(states) == 0 {
		return ""
	}
	return states[len(states)-1]
}

type fixture struct {
	client *cloud.FakeClient
	cache  *contentcache.Cache
	sink   *fakeSink
	table  *inode.Table
	mgr    *Manager
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	cache, err := contentcache.New(t.TempDir(), timeutil.RealClock())
	require.NoError(t, err)

	f := &fixture{
		client: cloud.NewFakeClient(),
		cache:  cache,
		sink:   newFakeSink(),
		table:  inode.NewTable(),
	}
	f.mgr = NewManager(f.client, f.cache, f.sink, f.table, timeutil.RealClock(), config)
	t.Cleanup(f.mgr.Destroy)
	return f
}

func smallConfig() Config {
	return Config{
		Concurrency:        4,
		LargeFileThreshold: 1 << 20,
		ChunkSize:          16,
		RetryAttempts:      3,
	}
}

// chunkedConfig forces the ranged strategy for tiny objects.
func chunkedConfig() Config {
	return Config{
		Concurrency:        4,
		LargeFileThreshold: 8,
		ChunkSize:          16,
		RetryAttempts:      3,
	}
}

func (f *fixture) addEntry(t *testing.T, ino fuseops.InodeID, id domain.ItemID, size uint64) *inode.Entry {
	t.Helper()
	e := inode.NewEntry(inode.EntryParams{
		Ino: ino, ItemID: id, RemoteID: domain.RemoteID("r-" + id),
		Parent: fuseops.RootInodeID, Name: string(id), Kind: domain.KindFile,
		Size: size, State: domain.StateOnline, Mode: 0644, Mtime: time.Now(),
	})
	require.NoError(t, f.table.Insert(e))
	return e
}

func TestWholeFileHydration(t *testing.T) {
	f := newFixture(t, smallConfig())
	content := bytes.Repeat([]byte("abc"), 1000)
	f.client.SetObject("r-item", content)
	e := f.addEntry(t, 2, "item", uint64(len(content)))

	j, err := f.mgr.Hydrate(context.Background(), 2, "item", "r-item", uint64(len(content)), PriorityUserOpen)
	require.NoError(t, err)
	require.NoError(t, f.mgr.WaitForCompletion(context.Background(), 2))

	got := make([]byte, len(content))
	_, err = f.cache.ReadAt("item", got, 0)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.Equal(t, []domain.ItemState{domain.StateHydrating, domain.StateHydrated}, f.sink.states("item"))
	assert.Equal(t, domain.StateHydrated, e.State())
	assert.Equal(t, uint8(100), j.Progress().Current())
	assert.False(t, f.mgr.IsHydrating(2))
}

func TestChunkedHydrationFinalizes(t *testing.T) {
	f := newFixture(t, chunkedConfig())
	content := []byte("0123456789abcdefghijklmnopqrstuv") // 32 bytes, 2 chunks
	f.client.SetObject("r-big", content)
	f.addEntry(t, 2, "big", uint64(len(content)))

	_, err := f.mgr.Hydrate(context.Background(), 2, "big", "r-big", uint64(len(content)), PriorityUserOpen)
	require.NoError(t, err)
	require.NoError(t, f.mgr.WaitForCompletion(context.Background(), 2))

	// The partial was renamed into place.
	_, partial := f.cache.PartialSize("big")
	assert.False(t, partial)
	got := make([]byte, len(content))
	_, err = f.cache.ReadAt("big", got, 0)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, domain.StateHydrated, f.sink.lastState("big"))
}

func TestWaitForRangeReturnsBeforeCompletion(t *testing.T) {
	f := newFixture(t, chunkedConfig())
	content := bytes.Repeat([]byte("x"), 64) // 4 chunks
	f.client.SetObject("r-range", content)
	f.addEntry(t, 2, "range", 64)

	// Gate the download after the first chunk.
	gate := make(chan struct{})
	f.client.BeforeDownload = func(id domain.RemoteID, br *cloud.ByteRange) {
		if br != nil && br.Start >= 16 {
			<-gate
		}
	}

	_, err := f.mgr.Hydrate(context.Background(), 2, "range", "r-range", 64, PriorityUserOpen)
	require.NoError(t, err)

	// The first chunk satisfies a low range while later ones are gated.
	require.NoError(t, f.mgr.WaitForRange(context.Background(), 2, 0, 16))
	st := f.mgr.Lookup(2).Status()
	assert.GreaterOrEqual(t, st.Offset, int64(16))
	assert.NotEqual(t, Done, st.State)

	close(gate)
	require.NoError(t, f.mgr.WaitForCompletion(context.Background(), 2))
}

func TestDeduplicationSharesOneJob(t *testing.T) {
	f := newFixture(t, chunkedConfig())
	content := bytes.Repeat([]byte("y"), 32)
	f.client.SetObject("r-dup", content)
	f.addEntry(t, 2, "dup", 32)

	gate := make(chan struct{})
	f.client.BeforeDownload = func(id domain.RemoteID, br *cloud.ByteRange) { <-gate }

	j1, err := f.mgr.Hydrate(context.Background(), 2, "dup", "r-dup", 32, PriorityPrefetch)
	require.NoError(t, err)
	j2, err := f.mgr.Hydrate(context.Background(), 2, "dup", "r-dup", 32, PriorityUserOpen)
	require.NoError(t, err)

	assert.Same(t, j1, j2)
	// The second caller raised the priority; it is never lowered.
	assert.Equal(t, PriorityUserOpen, j1.currentPriority())
	j3, err := f.mgr.Hydrate(context.Background(), 2, "dup", "r-dup", 32, PriorityPrefetch)
	require.NoError(t, err)
	assert.Same(t, j1, j3)
	assert.Equal(t, PriorityUserOpen, j1.currentPriority())

	// Exactly one Hydrating transition was persisted.
	assert.Equal(t, []domain.ItemState{domain.StateHydrating}, f.sink.states("dup"))

	close(gate)
	require.NoError(t, f.mgr.WaitForCompletion(context.Background(), 2))
	assert.Equal(t, 2, f.client.DownloadCalls()) // two chunks, no duplicate downloads
}

func TestTransientErrorsAreRetried(t *testing.T) {
	f := newFixture(t, smallConfig())
	content := []byte("retry me")
	f.client.SetObject("r-retry", content)
	f.addEntry(t, 2, "retry", uint64(len(content)))
	f.client.FailNext("r-retry",
		&cloud.StatusError{StatusCode: 503},
		&cloud.StatusError{StatusCode: 429},
	)

	_, err := f.mgr.Hydrate(context.Background(), 2, "retry", "r-retry", uint64(len(content)), PriorityUserOpen)
	require.NoError(t, err)
	require.NoError(t, f.mgr.WaitForCompletion(context.Background(), 2))

	assert.Equal(t, 3, f.client.DownloadCalls())
	assert.Equal(t, domain.StateHydrated, f.sink.lastState("retry"))
}

func TestRetriesExhaustedFails(t *testing.T) {
	f := newFixture(t, smallConfig())
	content := []byte("never")
	f.client.SetObject("r-dead", content)
	e := f.addEntry(t, 2, "dead", uint64(len(content)))
	f.client.FailNext("r-dead",
		&cloud.StatusError{StatusCode: 500},
		&cloud.StatusError{StatusCode: 500},
		&cloud.StatusError{StatusCode: 500},
	)

	j, err := f.mgr.Hydrate(context.Background(), 2, "dead", "r-dead", uint64(len(content)), PriorityUserOpen)
	require.NoError(t, err)

	st, err := j.Wait(context.Background(), int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, Failed, st.State)
	require.Error(t, st.Err)
	assert.Equal(t, syscall.EIO, domain.Errno(st.Err))
	assert.Equal(t, domain.StateError, f.sink.lastState("dead"))
	assert.Equal(t, domain.StateError, e.State())
}

func TestNotFoundIsTerminal(t *testing.T) {
	f := newFixture(t, smallConfig())
	e := f.addEntry(t, 2, "gone", 10)
	// No object registered: the URL resolution 404s.

	j, err := f.mgr.Hydrate(context.Background(), 2, "gone", "r-gone", 10, PriorityUserOpen)
	require.NoError(t, err)

	st, err := j.Wait(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Failed, st.State)
	assert.Equal(t, syscall.ENOENT, domain.Errno(st.Err))
	assert.Equal(t, domain.StateDeleted, f.sink.lastState("gone"))
	assert.Equal(t, domain.StateDeleted, e.State())
	// No body download is attempted: the 404 from URL resolution is
	// terminal and is not retried.
	assert.Equal(t, 0, f.client.DownloadCalls())
}

func TestCancelDiscardsPartialAndRestoresOnline(t *testing.T) {
	f := newFixture(t, chunkedConfig())
	content := bytes.Repeat([]byte("z"), 64)
	f.client.SetObject("r-cxl", content)
	e := f.addEntry(t, 2, "cxl", 64)

	gate := make(chan struct{})
	f.client.BeforeDownload = func(id domain.RemoteID, br *cloud.ByteRange) {
		if br != nil && br.Start >= 16 {
			<-gate
		}
	}

	j, err := f.mgr.Hydrate(context.Background(), 2, "cxl", "r-cxl", 64, PriorityUserOpen)
	require.NoError(t, err)
	require.NoError(t, f.mgr.WaitForRange(context.Background(), 2, 0, 16))

	f.mgr.Cancel(2)
	close(gate)
	<-j.doneCh

	assert.Equal(t, Cancelled, j.Status().State)
	assert.Equal(t, domain.StateOnline, f.sink.lastState("cxl"))
	assert.Equal(t, domain.StateOnline, e.State())
	_, hasPartial := f.cache.PartialSize("cxl")
	assert.False(t, hasPartial)
	assert.False(t, f.mgr.IsHydrating(2))
}

func TestResumeStartsAtExistingPartial(t *testing.T) {
	f := newFixture(t, chunkedConfig())
	content := bytes.Repeat([]byte("r"), 48)
	f.client.SetObject("r-res", content)
	f.addEntry(t, 2, "res", 48)

	// A previous run left the first chunk on disk.
	_, err := f.cache.StorePartial("res", content[:16], 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var starts []uint64
	f.client.BeforeDownload = func(id domain.RemoteID, br *cloud.ByteRange) {
		if br != nil {
			mu.Lock()
			starts = append(starts, br.Start)
			mu.Unlock()
		}
	}

	_, err = f.mgr.Hydrate(context.Background(), 2, "res", "r-res", 48, PriorityUserOpen)
	require.NoError(t, err)
	require.NoError(t, f.mgr.WaitForCompletion(context.Background(), 2))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, starts)
	assert.Equal(t, uint64(16), starts[0])
}

func TestPinPriorityCompletesToPinned(t *testing.T) {
	f := newFixture(t, smallConfig())
	content := []byte("pin me")
	f.client.SetObject("r-pin", content)
	e := f.addEntry(t, 2, "pin", uint64(len(content)))

	_, err := f.mgr.Hydrate(context.Background(), 2, "pin", "r-pin", uint64(len(content)), PriorityPin)
	require.NoError(t, err)
	require.NoError(t, f.mgr.WaitForCompletion(context.Background(), 2))

	assert.Equal(t, domain.StatePinned, f.sink.lastState("pin"))
	assert.Equal(t, domain.StatePinned, e.State())
}

func TestProgressLateSubscriberSeesCurrentValue(t *testing.T) {
	p := NewProgress()
	p.Publish(0)
	p.Publish(42)

	cur, ch := p.Subscribe()
	assert.Equal(t, uint8(42), cur)

	p.Publish(44) // below the publish delta, dropped
	p.Publish(50)
	assert.Equal(t, uint8(50), <-ch)

	p.Close()
	_, open := <-ch
	assert.False(t, open)
}

func TestProgressThrottle(t *testing.T) {
	p := NewProgress()
	_, ch := p.Subscribe()

	var got []uint8
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := range ch {
			got = append(got, v)
		}
	}()

	for pct := 0; pct <= 100; pct++ {
		p.Publish(uint8(pct))
		// Give the subscriber a chance to drain so the drop-oldest buffer
		// does not coalesce values in this deterministic test.
		time.Sleep(time.Millisecond)
	}
	p.Close()
	<-done

	require.NotEmpty(t, got)
	assert.Equal(t, uint8(100), got[len(got)-1])
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, int(got[i])-int(got[i-1]), publishDelta,
			"published values %d and %d too close", got[i-1], got[i])
	}
}

func TestDestroyLeavesHydratingStateForResume(t *testing.T) {
	f := newFixture(t, chunkedConfig())
	content := bytes.Repeat([]byte("s"), 64)
	f.client.SetObject("r-shut", content)
	f.addEntry(t, 2, "shut", 64)

	gate := make(chan struct{})
	f.client.BeforeDownload = func(id domain.RemoteID, br *cloud.ByteRange) {
		if br != nil && br.Start >= 16 {
			<-gate
		}
	}

	j, err := f.mgr.Hydrate(context.Background(), 2, "shut", "r-shut", 64, PriorityUserOpen)
	require.NoError(t, err)
	require.NoError(t, f.mgr.WaitForRange(context.Background(), 2, 0, 16))

	// Begin shutdown while the second chunk is gated, release the gate
	// once the job has been told to quiesce, then let Destroy finish.
	destroyed := make(chan struct{})
	go func() {
		f.mgr.Destroy()
		close(destroyed)
	}()
	require.Eventually(t, func() bool {
		return j.Status().State == Cancelled
	}, 2*time.Second, time.Millisecond)
	close(gate)
	<-destroyed

	// No Online/Error transition was persisted: the item is still
	// Hydrating and its partial (if any) survives for the next mount.
	assert.Equal(t, []domain.ItemState{domain.StateHydrating}, f.sink.states("shut"))

	_, err = f.mgr.Hydrate(context.Background(), 3, "other", "r-other", 8, PriorityUserOpen)
	require.Error(t, err)
}
