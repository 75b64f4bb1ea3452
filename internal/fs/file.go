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

package fs

import (
	"context"
	"io"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/Enigmora/lnxdrive/internal/domain"
	"github.com/Enigmora/lnxdrive/internal/hydration"
	"github.com/Enigmora/lnxdrive/internal/inode"
)

// fileHandle is one process file descriptor. When the open dispatched a
// hydration, the job rides along so reads can subscribe to its progress.
type fileHandle struct {
	in *inode.Entry

	// May be nil; set when open found a placeholder.
	job *hydration.Job
}

////////////////////////////////////////////////////////////////////////
// File operations
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) (err error) {
	e, err := fs.entryOrENOENT(op.Inode)
	if err != nil {
		return err
	}
	if e.IsDir() {
		return syscall.EISDIR
	}

	fh := &fileHandle{in: e}

	// A placeholder starts downloading as soon as a process opens it.
	if e.State() == domain.StateOnline {
		job, err := fs.hydrations.Hydrate(ctx, e.Ino, e.ItemID, e.RemoteID(),
			e.Size(), hydration.PriorityUserOpen)
		if err != nil {
			return errno("OpenFile", err)
		}
		fh.job = job
	}

	e.IncrementOpenCount()
	op.Handle = fs.allocateHandle(fh)
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) (err error) {
	fs.mu.Lock()
	fh, ok := fs.handles[op.Handle].(*fileHandle)
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	e := fh.in

	switch e.State() {
	case domain.StateHydrated, domain.StatePinned, domain.StateModified:
		op.BytesRead, err = fs.cache.ReadAt(e.ItemID, op.Dst, op.Offset)
	case domain.StateDeleted:
		return syscall.ENOENT
	default:
		// Block until the requested range is covered, then serve it from
		// whichever object holds it.
		op.BytesRead, err = fs.readPending(ctx, e, op.Dst, op.Offset)
	}

	// As required by fuse, EOF is not an error.
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return errno("ReadFile", err)
	}

	fs.stampAccess(ctx, e)
	return nil
}

// readPending serves a read against an inode whose content is not yet
// fully local: wait for the byte range, then read the finalized object or
// the .partial, whichever the downloader is filling.
func (fs *FileSystem) readPending(ctx context.Context, e *inode.Entry, dst []byte, offset int64) (int, error) {
	length := int64(len(dst))
	if max := int64(e.Size()); offset+length > max {
		length = max - offset
		if length <= 0 {
			return 0, nil
		}
	}

	if fs.hydrations.IsHydrating(e.Ino) {
		if err := fs.hydrations.WaitForRange(ctx, e.Ino, offset, length); err != nil {
			return 0, err
		}
	} else if !e.State().ContentPresent() {
		// No live request: the open-time dispatch was cancelled or failed
		// behind our back. Start over at read priority.
		if err := fs.ensureContent(ctx, e); err != nil {
			return 0, err
		}
	}

	if fs.cache.Exists(e.ItemID) {
		return fs.cache.ReadAt(e.ItemID, dst[:length], offset)
	}
	return fs.cache.ReadPartialAt(e.ItemID, dst[:length], offset)
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) WriteFile(
	ctx context.Context,
	op *fuseops.WriteFileOp) (err error) {
	fs.mu.Lock()
	fh, ok := fs.handles[op.Handle].(*fileHandle)
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	e := fh.in

	// Writes land on complete content only: a placeholder hydrates fully
	// first so the eventual upload is well-defined.
	if !e.State().ContentPresent() {
		if err := fs.ensureContent(ctx, e); err != nil {
			return errno("WriteFile", err)
		}
	}

	if _, err := fs.cache.WriteAt(e.ItemID, op.Data, op.Offset); err != nil {
		return errno("WriteFile", err)
	}

	e.GrowTo(uint64(op.Offset) + uint64(len(op.Data)))
	now := fs.mtimeClock.Now()
	e.SetMtime(now)
	if err := fs.markModified(ctx, e, e.Size(), now); err != nil {
		return errno("WriteFile", err)
	}
	return nil
}

func (fs *FileSystem) CreateFile(
	ctx context.Context,
	op *fuseops.CreateFileOp) (err error) {
	child, err := fs.createEntry(ctx, op.Parent, op.Name, domain.KindFile)
	if err != nil {
		return errno("CreateFile", err)
	}

	child.IncrementLookupCount()
	child.IncrementOpenCount()
	op.Handle = fs.allocateHandle(&fileHandle{in: child})
	op.Entry = fs.childInodeEntry(child)
	return nil
}

// FlushFile is a no-op: writes commit to the cache immediately.
func (fs *FileSystem) FlushFile(
	ctx context.Context,
	op *fuseops.FlushFileOp) (err error) {
	return nil
}

// SyncFile is likewise a no-op; durability is the cache file's own.
func (fs *FileSystem) SyncFile(
	ctx context.Context,
	op *fuseops.SyncFileOp) (err error) {
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) (err error) {
	fs.mu.Lock()
	fh, ok := fs.handles[op.Handle].(*fileHandle)
	if ok {
		delete(fs.handles, op.Handle)
	}
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	if fh.in.DecrementOpenCount() == 0 {
		// On-close fast path: give the dehydrator a chance to reclaim
		// space without waiting for the next sweep. Runs off the protocol
		// thread; release must not block on disk scans.
		go fs.sweeper.OnRelease(context.Background(), fh.in.Ino)
	}
	return nil
}
