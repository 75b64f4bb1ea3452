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

// Package fs implements the kernel filesystem protocol over the inode
// table, the content cache, the hydration and dehydration managers and
// the write serializer.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/Enigmora/lnxdrive/internal/cfg"
	"github.com/Enigmora/lnxdrive/internal/cloud"
	"github.com/Enigmora/lnxdrive/internal/contentcache"
	"github.com/Enigmora/lnxdrive/internal/dehydration"
	"github.com/Enigmora/lnxdrive/internal/domain"
	"github.com/Enigmora/lnxdrive/internal/hydration"
	"github.com/Enigmora/lnxdrive/internal/inode"
	"github.com/Enigmora/lnxdrive/internal/logger"
	"github.com/Enigmora/lnxdrive/internal/statestore"
)

const (
	maxNameLen = 255

	// How long the kernel may cache a positive lookup and attributes.
	// Negative lookups are not cached at all.
	lookupEntryTTL = time.Second
	attributeTTL   = time.Second

	// Reads persist last-accessed at most this often per inode.
	accessStampInterval = time.Minute

	blockSize = 4096

	fileMode = os.FileMode(0644)
	dirMode  = os.FileMode(0755)
)

// LOCK ORDERING
//
// The file system lock guards the handle table and the access stamps.
// Entry locks live inside inode.Entry; the inode table has its own lock. Never acquire the
// file system lock while holding an entry lock, and never call into the
// hydration manager or the writer while holding it: protocol methods may
// block there for a long time.

// FileSystem serves the fuse operation surface. One instance per mount,
// built by NewFileSystem.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	mtimeClock timeutil.Clock
	client     cloud.Client
	store      *statestore.Store
	writer     *statestore.Writer
	cache      *contentcache.Cache
	table      *inode.Table
	hydrations *hydration.Manager
	sweeper    *dehydration.Sweeper

	/////////////////////////
	// Constant data
	/////////////////////////

	config *cfg.Config
	uid    uint32
	gid    uint32

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards the handle table and the access-stamp map. See the lock
	// ordering note above.
	mu syncutil.InvariantMutex

	// The collection of live handles, keyed by handle ID.
	//
	// INVARIANT: All values are of type *dirHandle or *fileHandle
	//
	// GUARDED_BY(mu)
	handles map[fuseops.HandleID]interface{}

	// INVARIANT: For all keys k in handles, k < nextHandleID
	//
	// GUARDED_BY(mu)
	nextHandleID fuseops.HandleID

	// Last persisted access stamp per inode, for throttling.
	//
	// GUARDED_BY(mu)
	accessStamps map[fuseops.InodeID]time.Time

	// Stops the sweeper task; owned by the lifecycle.
	sweepCancel context.CancelFunc
	sweeperDone chan struct{}

	releaseLock func() error
}

func (fs *FileSystem) checkInvariants() {
	for id, h := range fs.handles {
		if id >= fs.nextHandleID {
			panic(fmt.Sprintf("illegal handle ID: %v", id))
		}
		switch h.(type) {
		case *dirHandle:
		case *fileHandle:
		default:
			panic(fmt.Sprintf("unexpected handle type: %T", h))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// errno converts core failures to the errno surfaced to the kernel.
// Unclassified errors pass through wrapped so the mount library logs them
// (and replies EIO).
func errno(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Kind.Errno()
	}
	var e syscall.Errno
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syscall.EINTR
	}
	return fmt.Errorf("%s: %w", op, err)
}

// entryOrENOENT returns the live entry for the inode. A stale or unknown
// inode is a protocol anomaly; it maps to ENOENT rather than a panic.
func (fs *FileSystem) entryOrENOENT(ino fuseops.InodeID) (*inode.Entry, error) {
	e := fs.table.Get(ino)
	if e == nil {
		return nil, syscall.ENOENT
	}
	if e.State() == domain.StateDeleted {
		return nil, syscall.ENOENT
	}
	return e, nil
}

// entryPath rebuilds the logical path of an entry by walking the parent
// chain.
func (fs *FileSystem) entryPath(e *inode.Entry) string {
	if e.Ino == fuseops.RootInodeID {
		return "/"
	}
	parts := []string{e.Name()}
	cur := e
	for i := 0; i < 4096; i++ { // bounded against index corruption
		parent := fs.table.Get(cur.Parent())
		if parent == nil || parent.Ino == fuseops.RootInodeID {
			break
		}
		parts = append([]string{parent.Name()}, parts...)
		cur = parent
	}
	return "/" + path.Join(parts...)
}

// childInodeEntry fills the kernel's lookup reply for an entry whose
// lookup count was already incremented.
func (fs *FileSystem) childInodeEntry(e *inode.Entry) fuseops.ChildInodeEntry {
	now := fs.mtimeClock.Now()
	return fuseops.ChildInodeEntry{
		Child:                e.Ino,
		Attributes:           e.Attributes(fs.uid, fs.gid),
		AttributesExpiration: now.Add(attributeTTL),
		EntryExpiration:      now.Add(lookupEntryTTL),
	}
}

// stampAccess records a read for LRU purposes, persisting through the
// writer at most once per accessStampInterval per inode.
func (fs *FileSystem) stampAccess(ctx context.Context, e *inode.Entry) {
	now := fs.mtimeClock.Now()
	e.Touch(now)

	fs.mu.Lock()
	last, ok := fs.accessStamps[e.Ino]
	if ok && now.Sub(last) < accessStampInterval {
		fs.mu.Unlock()
		return
	}
	fs.accessStamps[e.Ino] = now
	fs.mu.Unlock()

	if err := fs.writer.UpdateLastAccessed(ctx, e.ItemID, now); err != nil {
		logger.Warnf("fs: persist access stamp for %q: %v", e.ItemID, err)
	}
}

// allocateHandle stores h and returns its ID.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) allocateHandle(h interface{}) fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id := fs.nextHandleID
	fs.nextHandleID++
	fs.handles[id] = h
	return id
}

////////////////////////////////////////////////////////////////////////
// Metadata operations
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) (err error) {
	usage, err := fs.cache.DiskUsage()
	if err != nil {
		return errno("StatFS", err)
	}

	total := uint64(fs.config.Cache.MaxBytes) / blockSize
	used := uint64(usage) / blockSize
	if used > total {
		used = total
	}

	op.BlockSize = blockSize
	op.Blocks = total
	op.BlocksFree = total - used
	op.BlocksAvailable = total - used
	op.IoSize = 1 << 20
	op.Inodes = 1 << 50
	op.InodesFree = op.Inodes
	return nil
}

func (fs *FileSystem) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) (err error) {
	if len(op.Name) > maxNameLen {
		return syscall.ENAMETOOLONG
	}

	parent, err := fs.entryOrENOENT(op.Parent)
	if err != nil {
		return err
	}
	if !parent.IsDir() {
		return syscall.ENOTDIR
	}

	child := fs.table.LookupChild(op.Parent, op.Name)
	if child == nil || child.State() == domain.StateDeleted {
		return syscall.ENOENT
	}

	child.IncrementLookupCount()
	op.Entry = fs.childInodeEntry(child)
	return nil
}

func (fs *FileSystem) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) (err error) {
	e, err := fs.entryOrENOENT(op.Inode)
	if err != nil {
		return err
	}

	op.Attributes = e.Attributes(fs.uid, fs.gid)
	op.AttributesExpiration = fs.mtimeClock.Now().Add(attributeTTL)
	return nil
}

func (fs *FileSystem) SetInodeAttributes(
	ctx context.Context,
	op *fuseops.SetInodeAttributesOp) (err error) {
	e, err := fs.entryOrENOENT(op.Inode)
	if err != nil {
		return err
	}

	if op.Mode != nil {
		if *op.Mode&^os.ModePerm != 0 {
			return syscall.EINVAL
		}
		e.SetMode(*op.Mode)
	}
	if op.Mtime != nil {
		e.SetMtime(*op.Mtime)
		if err := fs.writer.UpdateSize(ctx, e.ItemID, e.Size(), *op.Mtime); err != nil {
			return errno("SetInodeAttributes", err)
		}
	}
	if op.Size != nil {
		if e.IsDir() {
			return syscall.EISDIR
		}
		if err := fs.truncate(ctx, e, *op.Size); err != nil {
			return errno("SetInodeAttributes", err)
		}
	}

	op.Attributes = e.Attributes(fs.uid, fs.gid)
	op.AttributesExpiration = fs.mtimeClock.Now().Add(attributeTTL)
	return nil
}

// truncate resizes the file content. A placeholder is hydrated first so
// the sync engine uploads a well-defined result.
func (fs *FileSystem) truncate(ctx context.Context, e *inode.Entry, size uint64) error {
	if err := fs.ensureContent(ctx, e); err != nil {
		return err
	}

	if err := fs.cache.Truncate(e.ItemID, int64(size)); err != nil {
		return err
	}
	e.SetSize(size)
	now := fs.mtimeClock.Now()
	e.SetMtime(now)
	return fs.markModified(ctx, e, size, now)
}

// markModified transitions the entry to Modified, or just persists the
// size when it already is.
func (fs *FileSystem) markModified(ctx context.Context, e *inode.Entry, size uint64, mtime time.Time) error {
	if e.State() == domain.StateModified {
		return fs.writer.UpdateSize(ctx, e.ItemID, size, mtime)
	}
	err := fs.writer.Transition(ctx, e.ItemID, domain.StateModified, "local modification",
		&statestore.SideData{Size: &size, LocalMtime: &mtime})
	if err != nil {
		return err
	}
	e.SetState(domain.StateModified)
	return nil
}

// ensureContent makes the entry's full content locally available,
// dispatching or joining a hydration as needed and blocking until done.
func (fs *FileSystem) ensureContent(ctx context.Context, e *inode.Entry) error {
	// A cancel racing with the wait may leave the entry back at Online; one
	// more attempt covers that, anything further is a real failure.
	for attempt := 0; attempt < 2; attempt++ {
		switch e.State() {
		case domain.StateHydrated, domain.StatePinned, domain.StateModified:
			return nil
		case domain.StateDeleted:
			return syscall.ENOENT
		case domain.StateOnline, domain.StateError, domain.StateHydrating:
			if _, err := fs.hydrations.Hydrate(ctx, e.Ino, e.ItemID, e.RemoteID(),
				e.Size(), hydration.PriorityUserOpen); err != nil {
				return err
			}
			if err := fs.hydrations.WaitForCompletion(ctx, e.Ino); err != nil {
				return err
			}
			// Re-observe the resulting state.
		}
	}
	if e.State().ContentPresent() {
		return nil
	}
	return domain.Errorf(domain.ErrHydrationFailed, "fs.ensureContent",
		"content still absent for inode %d", e.Ino)
}

func (fs *FileSystem) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) (err error) {
	e := fs.table.Get(op.Inode)
	if e == nil {
		return nil
	}
	e.DecrementLookupCount(op.N)
	// Entries are kept in the table even when forgettable: the table is
	// the only name index, so a later lookup must still find them. Only
	// unlink and rmdir remove entries.
	return nil
}

func (fs *FileSystem) Destroy() {
	fs.shutdown()
}
