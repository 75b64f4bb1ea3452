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

package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/uptrace/bun"

	"github.com/Enigmora/lnxdrive/internal/domain"
	"github.com/Enigmora/lnxdrive/internal/logger"
)

// How many queued requests the writer drains before yielding, so a batch
// submitter cannot starve single-operation updates.
const drainLimit = 16

// Writer owns the only mutable handle to the state store. Mutations are
// enqueued and applied by a single background goroutine in submission
// order; each caller blocks on a one-shot reply channel.
type Writer struct {
	store *Store
	clock timeutil.Clock

	queue   chan submission
	timeout time.Duration

	// closeMu serializes Close against in-flight submits so the queue is
	// never sent to after it is closed.
	closeMu sync.RWMutex
	closed  bool

	wg sync.WaitGroup
}

type submission struct {
	op   op
	done chan error
}

type op interface {
	apply(ctx context.Context, db *bun.DB, clock timeutil.Clock) error
}

// NewWriter creates a writer over the store with the given queue bound and
// submit timeout. Start must be called before any mutation.
func NewWriter(store *Store, capacity int, timeout time.Duration, clock timeutil.Clock) *Writer {
	return &Writer{
		store:   store,
		clock:   clock,
		queue:   make(chan submission, capacity),
		timeout: timeout,
	}
}

// Start launches the writer task.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Writer) run() {
	defer w.wg.Done()

	drained := 0
	for sub := range w.queue {
		err := sub.op.apply(context.Background(), w.store.db, w.clock)
		if err != nil {
			// The writer never dies on a failed request; the error is the
			// caller's to surface.
			logger.Warnf("statestore: write failed: %v", err)
		}
		sub.done <- err

		drained++
		if drained%drainLimit == 0 {
			runtime.Gosched()
		}
	}
}

// Close drains the queue and stops the writer task. Submissions after
// Close fail immediately.
func (w *Writer) Close() {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.closeMu.Unlock()

	w.wg.Wait()
}

func (w *Writer) submit(ctx context.Context, o op) error {
	w.closeMu.RLock()
	if w.closed {
		w.closeMu.RUnlock()
		return domain.Errorf(domain.ErrStateStore, "statestore.Writer", "writer is closed")
	}

	sub := submission{op: o, done: make(chan error, 1)}
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case w.queue <- sub:
		w.closeMu.RUnlock()
	case <-timer.C:
		w.closeMu.RUnlock()
		return domain.Errorf(domain.ErrStateStore, "statestore.Writer",
			"write queue full after %v", w.timeout)
	case <-ctx.Done():
		w.closeMu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-sub.done:
		return err
	case <-ctx.Done():
		// The request still executes; the caller just stops waiting.
		return ctx.Err()
	}
}

////////////////////////////////////////////////////////////////////////
// Request kinds
////////////////////////////////////////////////////////////////////////

// SideData carries attribute updates applied atomically with a state
// transition.
type SideData struct {
	Size       *uint64
	LocalMtime *time.Time
	Path       *string
	RemoteID   *domain.RemoteID
}

type opUpsert struct{ item *domain.SyncItem }

func (o opUpsert) apply(ctx context.Context, db *bun.DB, clock timeutil.Clock) error {
	m := modelFromDomain(o.item)
	_, err := db.NewInsert().Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("remote_id = EXCLUDED.remote_id").
		Set("path = EXCLUDED.path").
		Set("kind = EXCLUDED.kind").
		Set("size = EXCLUDED.size").
		Set("local_mtime = EXCLUDED.local_mtime").
		Set("remote_mtime = EXCLUDED.remote_mtime").
		Set("content_hash = EXCLUDED.content_hash").
		Set("state = EXCLUDED.state").
		Set("error_reason = EXCLUDED.error_reason").
		Set("inode = EXCLUDED.inode").
		Set("last_accessed = EXCLUDED.last_accessed").
		Set("hydration_progress = EXCLUDED.hydration_progress").
		Exec(ctx)
	if err != nil {
		return domain.NewError(domain.ErrStateStore, "statestore.UpsertItem", err)
	}
	return nil
}

type opCreate struct{ item *domain.SyncItem }

func (o opCreate) apply(ctx context.Context, db *bun.DB, clock timeutil.Clock) error {
	_, err := db.NewInsert().Model(modelFromDomain(o.item)).Exec(ctx)
	if err != nil {
		return domain.NewError(domain.ErrStateStore, "statestore.CreateItem", err)
	}
	return nil
}

type opTransition struct {
	id     domain.ItemID
	to     domain.ItemState
	reason string
	side   *SideData
}

func (o opTransition) apply(ctx context.Context, db *bun.DB, clock timeutil.Clock) error {
	return db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var m syncItemModel
		err := tx.NewSelect().Model(&m).Where("id = ?", string(o.id)).Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Errorf(domain.ErrNotFound, "statestore.Transition", "no item %q", o.id)
		}
		if err != nil {
			return domain.NewError(domain.ErrStateStore, "statestore.Transition", err)
		}

		from := domain.ItemState(m.State)
		if from == o.to {
			// Idempotent; nothing to record.
			return nil
		}
		if !from.CanTransitionTo(o.to) {
			return domain.Errorf(domain.ErrInvalidArgument, "statestore.Transition",
				"illegal transition %s -> %s for item %q", from, o.to, o.id)
		}

		upd := tx.NewUpdate().Model((*syncItemModel)(nil)).
			Set("state = ?", string(o.to)).
			Where("id = ?", string(o.id))

		if o.to == domain.StateError {
			upd = upd.Set("error_reason = ?", o.reason)
		} else {
			upd = upd.Set("error_reason = ''")
		}
		// Progress is meaningful only while hydrating.
		if o.to != domain.StateHydrating {
			upd = upd.Set("hydration_progress = 0")
		}
		if o.side != nil {
			if o.side.Size != nil {
				upd = upd.Set("size = ?", int64(*o.side.Size))
			}
			if o.side.LocalMtime != nil {
				upd = upd.Set("local_mtime = ?", o.side.LocalMtime.Unix())
			}
			if o.side.Path != nil {
				upd = upd.Set("path = ?", *o.side.Path)
			}
			if o.side.RemoteID != nil {
				upd = upd.Set("remote_id = ?", string(*o.side.RemoteID))
			}
		}
		if _, err := upd.Exec(ctx); err != nil {
			return domain.NewError(domain.ErrStateStore, "statestore.Transition", err)
		}

		audit := &auditModel{
			ItemID:    string(o.id),
			FromState: string(from),
			ToState:   string(o.to),
			Reason:    o.reason,
			At:        clock.Now().Unix(),
		}
		if _, err := tx.NewInsert().Model(audit).Exec(ctx); err != nil {
			return domain.NewError(domain.ErrStateStore, "statestore.Transition", err)
		}
		return nil
	})
}

type opAllocInode struct{ result *uint64 }

func (o opAllocInode) apply(ctx context.Context, db *bun.DB, clock timeutil.Clock) error {
	var next int64
	err := db.NewRaw(
		`UPDATE inode_counter SET next_inode = next_inode + 1 WHERE id = 1 RETURNING next_inode`,
	).Scan(ctx, &next)
	if err != nil {
		return domain.NewError(domain.ErrStateStore, "statestore.AllocateInode", err)
	}
	*o.result = uint64(next - 1)
	return nil
}

type opUpdateInode struct {
	id  domain.ItemID
	ino uint64
}

func (o opUpdateInode) apply(ctx context.Context, db *bun.DB, clock timeutil.Clock) error {
	_, err := db.NewUpdate().Model((*syncItemModel)(nil)).
		Set("inode = ?", int64(o.ino)).
		Where("id = ?", string(o.id)).
		Exec(ctx)
	if err != nil {
		return domain.NewError(domain.ErrStateStore, "statestore.UpdateInode", err)
	}
	return nil
}

type opUpdateLastAccessed struct {
	id domain.ItemID
	at time.Time
}

func (o opUpdateLastAccessed) apply(ctx context.Context, db *bun.DB, clock timeutil.Clock) error {
	_, err := db.NewUpdate().Model((*syncItemModel)(nil)).
		Set("last_accessed = ?", o.at.Unix()).
		Where("id = ?", string(o.id)).
		Exec(ctx)
	if err != nil {
		return domain.NewError(domain.ErrStateStore, "statestore.UpdateLastAccessed", err)
	}
	return nil
}

type opUpdateProgress struct {
	id  domain.ItemID
	pct uint8
}

func (o opUpdateProgress) apply(ctx context.Context, db *bun.DB, clock timeutil.Clock) error {
	_, err := db.NewUpdate().Model((*syncItemModel)(nil)).
		Set("hydration_progress = ?", int64(o.pct)).
		Where("id = ?", string(o.id)).
		Where("state = ?", string(domain.StateHydrating)).
		Exec(ctx)
	if err != nil {
		return domain.NewError(domain.ErrStateStore, "statestore.UpdateProgress", err)
	}
	return nil
}

type opRename struct {
	id      domain.ItemID
	newPath string
	mtime   time.Time
}

func (o opRename) apply(ctx context.Context, db *bun.DB, clock timeutil.Clock) error {
	_, err := db.NewUpdate().Model((*syncItemModel)(nil)).
		Set("path = ?", o.newPath).
		Set("local_mtime = ?", o.mtime.Unix()).
		Where("id = ?", string(o.id)).
		Exec(ctx)
	if err != nil {
		return domain.NewError(domain.ErrStateStore, "statestore.RenameItem", err)
	}
	return nil
}

type opUpdateSize struct {
	id    domain.ItemID
	size  uint64
	mtime time.Time
}

func (o opUpdateSize) apply(ctx context.Context, db *bun.DB, clock timeutil.Clock) error {
	_, err := db.NewUpdate().Model((*syncItemModel)(nil)).
		Set("size = ?", int64(o.size)).
		Set("local_mtime = ?", o.mtime.Unix()).
		Where("id = ?", string(o.id)).
		Exec(ctx)
	if err != nil {
		return domain.NewError(domain.ErrStateStore, "statestore.UpdateSize", err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Public surface
////////////////////////////////////////////////////////////////////////

// UpsertItem inserts or fully replaces the item row.
func (w *Writer) UpsertItem(ctx context.Context, item *domain.SyncItem) error {
	return w.submit(ctx, opUpsert{item: item})
}

// CreateItem inserts a new row, failing if the id exists.
func (w *Writer) CreateItem(ctx context.Context, item *domain.SyncItem) error {
	return w.submit(ctx, opCreate{item: item})
}

// Transition moves the item to a new state, validating the edge, clearing
// or setting the error reason, zeroing stale hydration progress, applying
// side data, and appending an audit row, all in one transaction. A
// transition to the current state is a no-op.
func (w *Writer) Transition(ctx context.Context, id domain.ItemID, to domain.ItemState, reason string, side *SideData) error {
	return w.submit(ctx, opTransition{id: id, to: to, reason: reason, side: side})
}

// AllocateInode atomically increments the counter and returns the
// allocated inode number. Numbers are never reused.
func (w *Writer) AllocateInode(ctx context.Context) (uint64, error) {
	var ino uint64
	if err := w.submit(ctx, opAllocInode{result: &ino}); err != nil {
		return 0, err
	}
	if ino == 0 {
		return 0, domain.Errorf(domain.ErrStateStore, "statestore.AllocateInode",
			"counter returned zero")
	}
	return ino, nil
}

// UpdateInode records the inode assigned to an item.
func (w *Writer) UpdateInode(ctx context.Context, id domain.ItemID, ino uint64) error {
	return w.submit(ctx, opUpdateInode{id: id, ino: ino})
}

// UpdateLastAccessed stamps the LRU clock for an item.
func (w *Writer) UpdateLastAccessed(ctx context.Context, id domain.ItemID, at time.Time) error {
	return w.submit(ctx, opUpdateLastAccessed{id: id, at: at})
}

// UpdateProgress records hydration progress; ignored unless the item is
// still hydrating.
func (w *Writer) UpdateProgress(ctx context.Context, id domain.ItemID, pct uint8) error {
	if pct > 100 {
		return domain.Errorf(domain.ErrInvalidArgument, "statestore.UpdateProgress",
			"progress %d out of range", pct)
	}
	return w.submit(ctx, opUpdateProgress{id: id, pct: pct})
}

// RenameItem updates the logical path.
func (w *Writer) RenameItem(ctx context.Context, id domain.ItemID, newPath string, mtime time.Time) error {
	return w.submit(ctx, opRename{id: id, newPath: newPath, mtime: mtime})
}

// UpdateSize persists a size change from a local write or truncate.
func (w *Writer) UpdateSize(ctx context.Context, id domain.ItemID, size uint64, mtime time.Time) error {
	return w.submit(ctx, opUpdateSize{id: id, size: size, mtime: mtime})
}

// String implements fmt.Stringer for log lines.
func (w *Writer) String() string {
	return fmt.Sprintf("statestore.Writer(cap=%d)", cap(w.queue))
}
