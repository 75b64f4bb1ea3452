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

// Package hydration queues, deduplicates and executes content downloads.
//
// Requests are keyed by inode: a second hydrate call for an inode with a
// live request joins it, raising its priority if higher. A weighted
// semaphore bounds concurrent downloads; waiting requests start in
// priority order, and a running low-priority chunked download yields its
// permit between range requests when something more urgent is waiting.
package hydration

import (
	"container/heap"
	"context"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sync/semaphore"

	"github.com/Enigmora/lnxdrive/internal/cloud"
	"github.com/Enigmora/lnxdrive/internal/contentcache"
	"github.com/Enigmora/lnxdrive/internal/domain"
	"github.com/Enigmora/lnxdrive/internal/inode"
	"github.com/Enigmora/lnxdrive/internal/locker"
	"github.com/Enigmora/lnxdrive/internal/logger"
	"github.com/Enigmora/lnxdrive/internal/statestore"
)

// StateSink is the slice of the write serializer the manager needs.
// *statestore.Writer implements it; tests substitute a recorder.
type StateSink interface {
	Transition(ctx context.Context, id domain.ItemID, to domain.ItemState, reason string, side *statestore.SideData) error
	UpdateProgress(ctx context.Context, id domain.ItemID, pct uint8) error
}

// Config carries the manager tunables, already validated by cfg.
type Config struct {
	Concurrency        int
	LargeFileThreshold uint64
	ChunkSize          uint64
	RetryAttempts      int
}

// Manager owns all hydration requests. Created once at mount time.
type Manager struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	client cloud.Client
	cache  *contentcache.Cache
	states StateSink
	table  *inode.Table
	clock  timeutil.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	largeFileThreshold uint64
	chunkSize          uint64
	retryAttempts      int
	sem                *semaphore.Weighted

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu locker.Locker

	// Active requests by inode. Jobs remove themselves on terminal
	// states.
	//
	// INVARIANT: at most one entry per inode
	//
	// GUARDED_BY(mu)
	jobs map[fuseops.InodeID]*Job

	// Requests holding no permit yet, highest priority first.
	//
	// GUARDED_BY(mu)
	waiting jobHeap

	// Requests currently holding a permit.
	//
	// GUARDED_BY(mu)
	running map[fuseops.InodeID]*Job

	// GUARDED_BY(mu)
	shuttingDown bool
}

func NewManager(client cloud.Client, cache *contentcache.Cache, states StateSink,
	table *inode.Table, clock timeutil.Clock, config Config) *Manager {
	m := &Manager{
		client:             client,
		cache:              cache,
		states:             states,
		table:              table,
		clock:              clock,
		largeFileThreshold: config.LargeFileThreshold,
		chunkSize:          config.ChunkSize,
		retryAttempts:      config.RetryAttempts,
		sem:                semaphore.NewWeighted(int64(config.Concurrency)),
		jobs:               make(map[fuseops.InodeID]*Job),
		running:            make(map[fuseops.InodeID]*Job),
	}
	m.mu = locker.New("hydration.Manager", m.checkInvariants)
	return m
}

func (m *Manager) checkInvariants() {
	for ino, j := range m.running {
		if j.ino != ino {
			panic("running job keyed under wrong inode")
		}
		if m.jobs[ino] != j {
			panic("running job missing from active map")
		}
	}
}

// Hydrate requests download of the item's content, transitioning it to
// Hydrating. A live request for the inode is joined instead, with its
// priority raised when the new caller is more urgent. The caller observes
// progress through the returned job.
func (m *Manager) Hydrate(ctx context.Context, ino fuseops.InodeID, itemID domain.ItemID,
	remoteID domain.RemoteID, size uint64, priority Priority) (*Job, error) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, domain.Errorf(domain.ErrHydrationFailed, "hydration.Hydrate", "shutting down")
	}
	if existing, ok := m.jobs[ino]; ok {
		m.mu.Unlock()
		existing.raisePriority(priority)
		m.boostWaiting(existing)
		return existing, nil
	}

	j := newJob(m, ino, itemID, remoteID, size, priority)
	// A .partial left by a crash or an earlier failure seeds the
	// frontier; the download resumes past it.
	if j.chunked {
		if n, ok := m.cache.PartialSize(itemID); ok {
			j.downloaded = n
		}
	}
	m.jobs[ino] = j
	m.mu.Unlock()

	if err := m.states.Transition(ctx, itemID, domain.StateHydrating, "hydration requested", nil); err != nil {
		m.mu.Lock()
		delete(m.jobs, ino)
		m.mu.Unlock()
		return nil, err
	}
	m.setEntryState(ino, domain.StateHydrating)

	m.mu.Lock()
	heap.Push(&m.waiting, j)
	m.mu.Unlock()
	m.dispatch()
	logger.Debugf("hydration: queued %q (%d bytes, %s)", itemID, size, priority)
	return j, nil
}

// dispatch starts waiting jobs while permits are available, and arranges
// preemption when the head of the queue outranks a running download.
func (m *Manager) dispatch() {
	for {
		m.mu.Lock()
		if len(m.waiting) == 0 {
			m.mu.Unlock()
			return
		}
		if !m.sem.TryAcquire(1) {
			// No permit free: ask the weakest running job to yield at its
			// next chunk boundary if the queue head outranks it.
			head := m.waiting[0]
			if victim := m.weakestRunningLocked(); victim != nil &&
				victim.currentPriority() < head.currentPriority() {
				victim.mu.Lock()
				victim.preempt = true
				victim.mu.Unlock()
			}
			m.mu.Unlock()
			return
		}
		j := heap.Pop(&m.waiting).(*Job)
		m.running[j.ino] = j
		m.mu.Unlock()

		go j.run(m.releaseJob)
	}
}

// weakestRunningLocked returns the running chunked job with the lowest
// priority; whole-file downloads are single requests and never yield.
//
// LOCKS_REQUIRED(m.mu)
func (m *Manager) weakestRunningLocked() *Job {
	var weakest *Job
	for _, j := range m.running {
		if !j.chunked {
			continue
		}
		if weakest == nil || j.currentPriority() < weakest.currentPriority() {
			weakest = j
		}
	}
	return weakest
}

// releaseJob returns a permit when a job's goroutine ends, requeueing the
// job first when it was preempted rather than finished.
func (m *Manager) releaseJob(j *Job, requeue bool) {
	m.mu.Lock()
	delete(m.running, j.ino)
	if requeue {
		heap.Push(&m.waiting, j)
	}
	m.mu.Unlock()
	m.sem.Release(1)
	m.dispatch()
}

// unqueue drops a job that was cancelled before acquiring a permit.
func (m *Manager) unqueue(j *Job) {
	m.mu.Lock()
	for i, w := range m.waiting {
		if w == j {
			heap.Remove(&m.waiting, i)
			break
		}
	}
	m.mu.Unlock()
}

// boostWaiting restores heap order after a queued job's priority rose.
func (m *Manager) boostWaiting(j *Job) {
	m.mu.Lock()
	for i, w := range m.waiting {
		if w == j {
			heap.Fix(&m.waiting, i)
			break
		}
	}
	m.mu.Unlock()
	m.dispatch()
}

// removeJob drops a terminal job from the active map.
func (m *Manager) removeJob(ino fuseops.InodeID) {
	m.mu.Lock()
	delete(m.jobs, ino)
	m.mu.Unlock()
}

// setEntryState mirrors a persisted state change into the inode table.
func (m *Manager) setEntryState(ino fuseops.InodeID, state domain.ItemState) {
	if e := m.table.Get(ino); e != nil {
		e.SetState(state)
	}
}

// Lookup returns the live job for the inode, if any.
func (m *Manager) Lookup(ino fuseops.InodeID) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[ino]
}

// IsHydrating reports whether a request is live for the inode.
func (m *Manager) IsHydrating(ino fuseops.InodeID) bool {
	return m.Lookup(ino) != nil
}

// ProgressPct returns the request's progress, or false when none is live.
func (m *Manager) ProgressPct(ino fuseops.InodeID) (uint8, bool) {
	j := m.Lookup(ino)
	if j == nil {
		return 0, false
	}
	return j.progress.Current(), true
}

// Cancel aborts the inode's request: the item returns to Online and the
// partial download is discarded. Racing with completion, completion wins.
func (m *Manager) Cancel(ino fuseops.InodeID) {
	if j := m.Lookup(ino); j != nil {
		j.Cancel()
	}
}

// WaitForRange blocks until bytes [offset, offset+length) are readable or
// the request ends. A nil error means the range may be served; a request
// that ended without covering the range yields its failure.
func (m *Manager) WaitForRange(ctx context.Context, ino fuseops.InodeID, offset, length int64) error {
	j := m.Lookup(ino)
	if j == nil {
		return domain.Errorf(domain.ErrHydrationFailed, "hydration.WaitForRange",
			"no live request for inode %d", ino)
	}
	st, err := j.Wait(ctx, offset+length)
	if err != nil {
		return err
	}
	if st.Offset >= offset+length || st.State == Done {
		return nil
	}
	if st.Err != nil {
		return st.Err
	}
	return domain.Errorf(domain.ErrHydrationFailed, "hydration.WaitForRange",
		"request ended at offset %d before %d", st.Offset, offset+length)
}

// WaitForCompletion blocks until the inode's request reaches a terminal
// state, returning its failure if it did not complete. No live request is
// success: the content is already present or the caller rechecks state.
func (m *Manager) WaitForCompletion(ctx context.Context, ino fuseops.InodeID) error {
	j := m.Lookup(ino)
	if j == nil {
		return nil
	}
	select {
	case <-j.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	st := j.Status()
	if st.State == Done {
		return nil
	}
	return st.Err
}

// Destroy stops accepting hydrations and aborts in-flight ones without
// touching their persistent state: items stay Hydrating with their
// .partial files, so the next mount resumes them.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.shuttingDown = true
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	for _, j := range jobs {
		j.shutdown()
	}

	m.mu.Lock()
	m.jobs = make(map[fuseops.InodeID]*Job)
	m.waiting = nil
	m.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////
// Priority queue
////////////////////////////////////////////////////////////////////////

// jobHeap orders by priority descending, then arrival time ascending.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, k int) bool {
	pi, pk := h[i].currentPriority(), h[k].currentPriority()
	if pi != pk {
		return pi > pk
	}
	return h[i].createdAt.Before(h[k].createdAt)
}

func (h jobHeap) Swap(i, k int) { h[i], h[k] = h[k], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

var _ heap.Interface = (*jobHeap)(nil)

// ChunkSize echoes the configured range request size.
func (m *Manager) ChunkSize() uint64 { return m.chunkSize }
