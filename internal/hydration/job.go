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
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jacobsa/fuse/fuseops"

	"github.com/Enigmora/lnxdrive/internal/cloud"
	"github.com/Enigmora/lnxdrive/internal/domain"
	"github.com/Enigmora/lnxdrive/internal/locker"
	"github.com/Enigmora/lnxdrive/internal/logger"
	"github.com/Enigmora/lnxdrive/internal/monitor"
)

// JobState is the lifecycle of one hydration request.
type JobState string

const (
	Queued     JobState = "queued"
	Running    JobState = "running"
	Finalizing JobState = "finalizing"
	Done       JobState = "done"
	Failed     JobState = "failed"
	Cancelled  JobState = "cancelled"
)

func (s JobState) terminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

// JobStatus is a snapshot handed to waiters. Offset is the download
// frontier: bytes [0, Offset) are readable.
type JobStatus struct {
	State  JobState
	Err    error
	Offset int64
}

// copyChunkSize bounds single io.ReadFull calls so the downloaded counter
// advances steadily within one body stream.
const copyChunkSize = 1 << 20

// Job downloads one item's content into the cache. Created only by the
// Manager, which guarantees at most one live job per inode.
type Job struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	ino       fuseops.InodeID
	itemID    domain.ItemID
	remoteID  domain.RemoteID
	size      uint64
	createdAt time.Time

	mgr *Manager

	// chunked selects the ranged .partial strategy over the single-stream
	// one; fixed at creation from size and the large-file threshold.
	chunked bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu locker.Locker

	// GUARDED_BY(mu)
	state JobState
	// GUARDED_BY(mu)
	priority Priority
	// Download frontier; monotonic.
	//
	// GUARDED_BY(mu)
	downloaded int64
	// GUARDED_BY(mu)
	err error
	// Waiters keyed by subscribed frontier offset.
	//
	// INVARIANT: Each element is of type jobSubscriber
	//
	// GUARDED_BY(mu)
	subscribers list.List

	// Set by the scheduler when a higher-priority request needs the
	// permit; observed between range requests.
	//
	// GUARDED_BY(mu)
	preempt bool

	// Non-nil while the download goroutine runs.
	//
	// GUARDED_BY(mu)
	cancelFunc context.CancelFunc

	// Set by shutdown: finish without touching persistent state so the
	// next mount can resume from the .partial.
	//
	// GUARDED_BY(mu)
	quiesce bool

	// Closed when the download goroutine exits for good (terminal state).
	doneCh chan struct{}

	progress *Progress
}

type jobSubscriber struct {
	notifyC          chan<- JobStatus
	subscribedOffset int64
}

func newJob(mgr *Manager, ino fuseops.InodeID, itemID domain.ItemID, remoteID domain.RemoteID,
	size uint64, priority Priority) *Job {
	j := &Job{
		ino:       ino,
		itemID:    itemID,
		remoteID:  remoteID,
		size:      size,
		createdAt: mgr.clock.Now(),
		mgr:       mgr,
		chunked:   size >= mgr.largeFileThreshold,
		state:     Queued,
		priority:  priority,
		doneCh:    make(chan struct{}),
		progress:  NewProgress(),
	}
	j.mu = locker.New(fmt.Sprintf("hydration.Job-%d", ino), j.checkInvariants)
	return j
}

func (j *Job) checkInvariants() {
	for e := j.subscribers.Front(); e != nil; e = e.Next() {
		if _, ok := e.Value.(jobSubscriber); !ok {
			panic(fmt.Sprintf("unexpected subscriber type: %T", e.Value))
		}
	}
}

// Progress returns the job's publisher for late subscribers.
func (j *Job) Progress() *Progress {
	return j.progress
}

// Status snapshots the current state.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{State: j.state, Err: j.err, Offset: j.downloaded}
}

// raisePriority bumps the job's priority; never lowers it.
func (j *Job) raisePriority(p Priority) {
	j.mu.Lock()
	if p > j.priority {
		j.priority = p
	}
	j.mu.Unlock()
}

func (j *Job) currentPriority() Priority {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.priority
}

// Wait blocks until the download frontier reaches offset, the request
// ends, or ctx is done, and returns the final observation.
func (j *Job) Wait(ctx context.Context, offset int64) (JobStatus, error) {
	if offset > int64(j.size) {
		offset = int64(j.size)
	}

	j.mu.Lock()
	if j.state.terminal() || j.downloaded >= offset {
		st := JobStatus{State: j.state, Err: j.err, Offset: j.downloaded}
		j.mu.Unlock()
		return st, nil
	}
	notifyC := make(chan JobStatus, 1)
	elem := j.subscribers.PushBack(jobSubscriber{notifyC, offset})
	j.mu.Unlock()

	select {
	case st := <-notifyC:
		return st, nil
	case <-ctx.Done():
		j.mu.Lock()
		j.subscribers.Remove(elem)
		j.mu.Unlock()
		return JobStatus{}, ctx.Err()
	}
}

// notifySubscribers releases every waiter satisfied by the current
// frontier, and all of them on a terminal state.
//
// LOCKS_REQUIRED(j.mu)
func (j *Job) notifySubscribers() {
	st := JobStatus{State: j.state, Err: j.err, Offset: j.downloaded}
	var next *list.Element
	for e := j.subscribers.Front(); e != nil; e = next {
		next = e.Next()
		sub := e.Value.(jobSubscriber)
		if j.state.terminal() || j.downloaded >= sub.subscribedOffset {
			sub.notifyC <- st
			j.subscribers.Remove(e)
		}
	}
}

// advanceFrontier publishes a new downloaded offset to waiters, the
// progress publisher and the state store.
func (j *Job) advanceFrontier(ctx context.Context, offset int64) {
	j.mu.Lock()
	if offset <= j.downloaded {
		j.mu.Unlock()
		return
	}
	j.downloaded = offset
	j.notifySubscribers()
	j.mu.Unlock()

	pct := uint8(0)
	if j.size > 0 {
		pct = uint8(uint64(offset) * 100 / j.size)
	}
	before := j.progress.Current()
	j.progress.Publish(pct)
	if after := j.progress.Current(); after != before {
		// Persist only values that cleared the publisher's throttle.
		if err := j.mgr.states.UpdateProgress(ctx, j.itemID, after); err != nil {
			logger.Warnf("hydration: persist progress for %q: %v", j.itemID, err)
		}
	}
}

// run executes the download. Called on its own goroutine while holding a
// scheduler permit; releases it via the release callback. If the job
// is preempted it re-queues itself and returns without a terminal state.
func (j *Job) run(release func(j *Job, requeue bool)) {
	j.mu.Lock()
	if j.state != Queued {
		// Cancelled while waiting for a permit.
		j.mu.Unlock()
		release(j, false)
		return
	}
	j.state = Running
	ctx, cancel := context.WithCancel(context.Background())
	j.cancelFunc = cancel
	j.mu.Unlock()

	var err error
	preempted := false
	if j.chunked {
		preempted, err = j.downloadChunked(ctx)
	} else {
		err = j.downloadWhole(ctx)
	}

	j.mu.Lock()
	j.cancelFunc = nil
	cancelled := j.state == Cancelled
	j.mu.Unlock()

	switch {
	case cancelled || errors.Is(err, context.Canceled):
		j.finishCancelled()
	case preempted:
		j.mu.Lock()
		j.state = Queued
		j.preempt = false
		j.mu.Unlock()
		release(j, true)
		return
	case err != nil:
		j.finishFailed(err)
	default:
		j.finishDone()
	}
	release(j, false)
}

// downloadWhole streams the entire object into the finalized cache path.
// Used below the large-file threshold; a single request, never preempted.
func (j *Job) downloadWhole(ctx context.Context) error {
	return j.withRetry(ctx, func(ctx context.Context) error {
		url, err := j.mgr.client.DownloadURL(ctx, j.remoteID)
		if err != nil {
			return err
		}
		body, err := j.mgr.client.Download(ctx, url, nil)
		if err != nil {
			return err
		}
		defer body.Close()

		var offset int64
		buf := make([]byte, copyChunkSize)
		for {
			n, err := io.ReadFull(body, buf)
			if n > 0 {
				if _, werr := j.mgr.cache.WriteAt(j.itemID, buf[:n], offset); werr != nil {
					return fmt.Errorf("write cache object: %w", werr)
				}
				offset += int64(n)
				monitor.HydrationBytes.Add(float64(n))
				j.advanceFrontier(ctx, offset)
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			if err != nil {
				return err
			}
		}
		if uint64(offset) != j.size {
			return fmt.Errorf("short download: got %d of %d bytes", offset, j.size)
		}
		return nil
	})
}

// downloadChunked issues successive range requests into the .partial
// object, resuming from the existing frontier. Preemption is honored
// between requests only.
func (j *Job) downloadChunked(ctx context.Context) (preempted bool, err error) {
	offset := j.Status().Offset
	for uint64(offset) < j.size {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		j.mu.Lock()
		shouldYield := j.preempt
		j.mu.Unlock()
		if shouldYield {
			return true, nil
		}

		limit := uint64(offset) + j.mgr.chunkSize
		if limit > j.size {
			limit = j.size
		}

		err := j.withRetry(ctx, func(ctx context.Context) error {
			return j.downloadRange(ctx, uint64(offset), limit)
		})
		if err != nil {
			return false, err
		}
		offset = int64(limit)
		j.advanceFrontier(ctx, offset)
	}
	return false, nil
}

func (j *Job) downloadRange(ctx context.Context, start, limit uint64) error {
	url, err := j.mgr.client.DownloadURL(ctx, j.remoteID)
	if err != nil {
		return err
	}
	body, err := j.mgr.client.Download(ctx, url, &cloud.ByteRange{Start: start, Limit: limit})
	if err != nil {
		return err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if uint64(len(data)) != limit-start {
		return fmt.Errorf("short range response: got %d of %d bytes", len(data), limit-start)
	}
	if _, err := j.mgr.cache.StorePartial(j.itemID, data, int64(start)); err != nil {
		return fmt.Errorf("write partial object: %w", err)
	}
	monitor.HydrationBytes.Add(float64(len(data)))
	return nil
}

// withRetry absorbs transient cloud errors with bounded exponential
// backoff. Terminal errors (404, authorization) fail immediately.
func (j *Job) withRetry(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(
		func() error { return fn(ctx) },
		retry.Attempts(uint(j.mgr.retryAttempts)),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(cloud.IsTransient),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warnf("hydration: %q attempt %d failed: %v", j.itemID, n+1, err)
		}),
	)
}

func (j *Job) finishDone() {
	j.mu.Lock()
	j.state = Finalizing
	j.mu.Unlock()

	if j.chunked {
		if err := j.mgr.cache.Finalize(j.itemID); err != nil {
			j.finishFailed(err)
			return
		}
	}

	// A pin-driven hydration lands directly in Pinned.
	target := domain.StateHydrated
	if j.currentPriority() == PriorityPin {
		target = domain.StatePinned
	}
	ctx := context.Background()
	if err := j.mgr.states.Transition(ctx, j.itemID, target, "hydration complete", nil); err != nil {
		logger.Errorf("hydration: persist completion for %q: %v", j.itemID, err)
	}
	j.mgr.setEntryState(j.ino, target)

	j.progress.Publish(100)
	j.mu.Lock()
	j.state = Done
	j.err = nil
	j.notifySubscribers()
	j.mu.Unlock()

	j.progress.Close()
	j.mgr.removeJob(j.ino)
	close(j.doneCh)
	monitor.HydrationsTotal.WithLabelValues("done").Inc()
	logger.Debugf("hydration: %q complete (%d bytes)", j.itemID, j.size)
}

func (j *Job) finishFailed(cause error) {
	ctx := context.Background()

	var jobErr error
	if cloud.IsNotFound(cause) {
		// The remote item disappeared; readers observe ENOENT.
		jobErr = domain.NewError(domain.ErrNotFound, "hydration", cause)
		if err := j.mgr.states.Transition(ctx, j.itemID, domain.StateDeleted, "remote item gone", nil); err != nil {
			logger.Errorf("hydration: persist deletion for %q: %v", j.itemID, err)
		}
		j.mgr.setEntryState(j.ino, domain.StateDeleted)
	} else {
		jobErr = domain.NewError(domain.ErrHydrationFailed, "hydration", cause)
		if err := j.mgr.states.Transition(ctx, j.itemID, domain.StateError, cause.Error(), nil); err != nil {
			logger.Errorf("hydration: persist failure for %q: %v", j.itemID, err)
		}
		j.mgr.setEntryState(j.ino, domain.StateError)
	}

	// The .partial stays for resume.
	j.mu.Lock()
	j.state = Failed
	j.err = jobErr
	j.notifySubscribers()
	j.mu.Unlock()

	j.progress.Close()
	j.mgr.removeJob(j.ino)
	close(j.doneCh)
	monitor.HydrationsTotal.WithLabelValues("failed").Inc()
	logger.Errorf("hydration: %q failed: %v", j.itemID, cause)
}

func (j *Job) finishCancelled() {
	j.mu.Lock()
	quiesce := j.quiesce
	j.mu.Unlock()

	if !quiesce {
		ctx := context.Background()
		if err := j.mgr.states.Transition(ctx, j.itemID, domain.StateOnline, "hydration cancelled", nil); err != nil {
			logger.Warnf("hydration: persist cancellation for %q: %v", j.itemID, err)
		}
		j.mgr.setEntryState(j.ino, domain.StateOnline)
		if err := j.mgr.cache.RemovePartial(j.itemID); err != nil {
			logger.Warnf("hydration: remove partial for %q: %v", j.itemID, err)
		}
		if !j.chunked {
			// The single-stream strategy writes the finalized path directly.
			if err := j.mgr.cache.Remove(j.itemID); err != nil {
				logger.Warnf("hydration: remove cache object for %q: %v", j.itemID, err)
			}
		}
	}

	j.mu.Lock()
	j.state = Cancelled
	j.err = domain.Errorf(domain.ErrHydrationFailed, "hydration", "cancelled")
	j.notifySubscribers()
	j.mu.Unlock()

	j.progress.Close()
	j.mgr.removeJob(j.ino)
	close(j.doneCh)
	monitor.HydrationsTotal.WithLabelValues("cancelled").Inc()
}

// Cancel requests cancellation. A race with completion resolves in favor
// of completion: cancelling a terminal job is a no-op.
func (j *Job) Cancel() {
	j.mu.Lock()
	if j.state.terminal() || j.state == Finalizing {
		j.mu.Unlock()
		return
	}
	wasQueued := j.state == Queued
	j.state = Cancelled
	cancel := j.cancelFunc
	j.mu.Unlock()

	if cancel != nil {
		cancel()
		// The download goroutine observes the cancelled state and runs
		// finishCancelled.
		return
	}
	if wasQueued {
		// Never started; finish synchronously.
		j.mgr.unqueue(j)
		j.finishCancelled()
	}
}

// shutdown aborts the download for unmount without touching persistent
// state: the item stays Hydrating and the .partial stays on disk, so the
// next mount resumes it.
func (j *Job) shutdown() {
	j.mu.Lock()
	if j.state.terminal() {
		j.mu.Unlock()
		return
	}
	st := j.state
	j.state = Cancelled
	j.quiesce = true
	j.err = domain.Errorf(domain.ErrHydrationFailed, "hydration", "shutting down")
	cancel := j.cancelFunc
	j.notifySubscribers()
	j.mu.Unlock()

	if cancel != nil {
		cancel()
		<-j.doneCh
		return
	}
	if st == Queued {
		j.mgr.unqueue(j)
	}
	j.progress.Close()
	close(j.doneCh)
}
