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
	"path"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/Enigmora/lnxdrive/internal/domain"
	"github.com/Enigmora/lnxdrive/internal/inode"
	"github.com/Enigmora/lnxdrive/internal/locker"
)

// dirHandle serves readdir from a snapshot of the directory taken at the
// first read from offset zero. Enumeration order is the table's insertion
// order, after the synthesized dot entries.
type dirHandle struct {
	in *inode.Entry

	Mu locker.Locker

	// GUARDED_BY(Mu)
	entries []fuseutil.Dirent
	// GUARDED_BY(Mu)
	entriesValid bool
}

func newDirHandle(in *inode.Entry) *dirHandle {
	dh := &dirHandle{in: in}
	dh.Mu = locker.New("dirHandle", func() {})
	return dh
}

// snapshot rebuilds the dirent list.
//
// LOCKS_REQUIRED(dh.Mu)
func (dh *dirHandle) snapshot(fs *FileSystem) {
	kids := fs.table.Children(dh.in.Ino)
	entries := make([]fuseutil.Dirent, 0, len(kids)+2)

	entries = append(entries,
		fuseutil.Dirent{Offset: 1, Inode: dh.in.Ino, Name: ".", Type: fuseutil.DT_Directory},
		fuseutil.Dirent{Offset: 2, Inode: dh.in.Parent(), Name: "..", Type: fuseutil.DT_Directory},
	)
	for _, child := range kids {
		if child.State() == domain.StateDeleted {
			continue
		}
		t := fuseutil.DT_File
		if child.IsDir() {
			t = fuseutil.DT_Directory
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  child.Ino,
			Name:   child.Name(),
			Type:   t,
		})
	}

	dh.entries = entries
	dh.entriesValid = true
}

// readDir fills op.Dst honoring the reply buffer capacity and the offset
// cursor.
//
// LOCKS_REQUIRED(dh.Mu)
func (dh *dirHandle) readDir(fs *FileSystem, op *fuseops.ReadDirOp) error {
	if op.Offset == 0 || !dh.entriesValid {
		dh.snapshot(fs)
	}
	if op.Offset > fuseops.DirOffset(len(dh.entries)) {
		return syscall.EINVAL
	}

	for _, e := range dh.entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Directory operations
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) (err error) {
	e, err := fs.entryOrENOENT(op.Inode)
	if err != nil {
		return err
	}
	if !e.IsDir() {
		return syscall.ENOTDIR
	}

	op.Handle = fs.allocateHandle(newDirHandle(e))
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) (err error) {
	fs.mu.Lock()
	dh, ok := fs.handles[op.Handle].(*dirHandle)
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	dh.Mu.Lock()
	defer dh.Mu.Unlock()
	return dh.readDir(fs, op)
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) (err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.handles[op.Handle].(*dirHandle); !ok {
		return syscall.EBADF
	}
	delete(fs.handles, op.Handle)
	return nil
}

func (fs *FileSystem) MkDir(
	ctx context.Context,
	op *fuseops.MkDirOp) (err error) {
	child, err := fs.createEntry(ctx, op.Parent, op.Name, domain.KindDirectory)
	if err != nil {
		return errno("MkDir", err)
	}

	child.IncrementLookupCount()
	op.Entry = fs.childInodeEntry(child)
	return nil
}

// createEntry is the shared create/mkdir path: allocate an inode, persist
// a SyncItem in Modified state with no cloud identifier, and insert the
// entry into the table.
func (fs *FileSystem) createEntry(ctx context.Context, parentID fuseops.InodeID,
	name string, kind domain.Kind) (*inode.Entry, error) {
	if len(name) > maxNameLen {
		return nil, syscall.ENAMETOOLONG
	}

	parent, err := fs.entryOrENOENT(parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, syscall.ENOTDIR
	}
	if existing := fs.table.LookupChild(parentID, name); existing != nil {
		return nil, syscall.EEXIST
	}

	ino, err := fs.writer.AllocateInode(ctx)
	if err != nil {
		return nil, err
	}

	now := fs.mtimeClock.Now()
	item := &domain.SyncItem{
		ID:           domain.NewItemID(),
		Path:         path.Join(fs.entryPath(parent), name),
		Kind:         kind,
		State:        domain.StateModified,
		LocalMtime:   now,
		LastAccessed: now,
		Inode:        ino,
	}
	if err := fs.writer.CreateItem(ctx, item); err != nil {
		return nil, err
	}

	mode := fileMode
	if kind == domain.KindDirectory {
		mode = dirMode
	}
	e := inode.NewEntry(inode.EntryParams{
		Ino:    fuseops.InodeID(ino),
		ItemID: item.ID,
		Parent: parentID,
		Name:   name,
		Kind:   kind,
		Size:   0,
		State:  domain.StateModified,
		Mode:   mode,
		Mtime:  now,
	})
	if err := fs.table.Insert(e); err != nil {
		return nil, err
	}

	if kind == domain.KindFile {
		// An empty cache object backs reads until the first write.
		if err := fs.cache.Truncate(item.ID, 0); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (fs *FileSystem) RmDir(
	ctx context.Context,
	op *fuseops.RmDirOp) (err error) {
	child := fs.table.LookupChild(op.Parent, op.Name)
	if child == nil {
		return syscall.ENOENT
	}
	if !child.IsDir() {
		return syscall.ENOTDIR
	}
	if fs.table.ChildCount(child.Ino) > 0 {
		return syscall.ENOTEMPTY
	}

	return errno("RmDir", fs.removeEntry(ctx, child))
}

func (fs *FileSystem) Unlink(
	ctx context.Context,
	op *fuseops.UnlinkOp) (err error) {
	child := fs.table.LookupChild(op.Parent, op.Name)
	if child == nil {
		return syscall.ENOENT
	}
	if child.IsDir() {
		return syscall.EISDIR
	}

	return errno("Unlink", fs.removeEntry(ctx, child))
}

// removeEntry transitions the item to Deleted through the serializer,
// drops the cache objects and removes the entry from the table. The
// persisted transition lands before the method returns, so a subsequent
// readdir from any process observes the removal.
func (fs *FileSystem) removeEntry(ctx context.Context, e *inode.Entry) error {
	fs.hydrations.Cancel(e.Ino)

	if err := fs.writer.Transition(ctx, e.ItemID, domain.StateDeleted, "unlinked", nil); err != nil {
		return err
	}
	e.SetState(domain.StateDeleted)

	if err := fs.cache.Remove(e.ItemID); err != nil {
		return err
	}
	if err := fs.cache.RemovePartial(e.ItemID); err != nil {
		return err
	}
	fs.table.Remove(e.Ino)
	return nil
}

func (fs *FileSystem) Rename(
	ctx context.Context,
	op *fuseops.RenameOp) (err error) {
	if len(op.NewName) > maxNameLen {
		return syscall.ENAMETOOLONG
	}

	oldParent, err := fs.entryOrENOENT(op.OldParent)
	if err != nil {
		return err
	}
	newParent, err := fs.entryOrENOENT(op.NewParent)
	if err != nil {
		return err
	}
	if !oldParent.IsDir() || !newParent.IsDir() {
		return syscall.ENOTDIR
	}

	moved := fs.table.LookupChild(op.OldParent, op.OldName)
	if moved == nil {
		return syscall.ENOENT
	}

	// A compatible existing destination is replaced.
	if existing := fs.table.LookupChild(op.NewParent, op.NewName); existing != nil {
		switch {
		case existing.IsDir() && !moved.IsDir():
			return syscall.EISDIR
		case !existing.IsDir() && moved.IsDir():
			return syscall.ENOTDIR
		case existing.IsDir() && fs.table.ChildCount(existing.Ino) > 0:
			return syscall.ENOTEMPTY
		}
		if err := fs.removeEntry(ctx, existing); err != nil {
			return errno("Rename", err)
		}
	}

	if err := fs.table.Reparent(moved.Ino, op.NewParent, op.NewName); err != nil {
		return errno("Rename", err)
	}

	now := fs.mtimeClock.Now()
	newPath := path.Join(fs.entryPath(newParent), op.NewName)
	if err := fs.writer.RenameItem(ctx, moved.ItemID, newPath, now); err != nil {
		return errno("Rename", err)
	}

	// Children keep their entries; only their stored paths move.
	if moved.IsDir() {
		if err := fs.repathChildren(ctx, moved); err != nil {
			return errno("Rename", err)
		}
	}

	// The relocation must reach the cloud; content-bearing states become
	// Modified so the sync engine uploads it.
	switch moved.State() {
	case domain.StateHydrated, domain.StatePinned:
		if err := fs.writer.Transition(ctx, moved.ItemID, domain.StateModified, "renamed", nil); err != nil {
			return errno("Rename", err)
		}
		moved.SetState(domain.StateModified)
	}
	return nil
}

// repathChildren rewrites the persisted paths of everything below a moved
// directory.
func (fs *FileSystem) repathChildren(ctx context.Context, dir *inode.Entry) error {
	base := fs.entryPath(dir)
	for _, child := range fs.table.Children(dir.Ino) {
		childPath := path.Join(base, child.Name())
		if err := fs.writer.RenameItem(ctx, child.ItemID, childPath, fs.mtimeClock.Now()); err != nil {
			return err
		}
		if child.IsDir() {
			if err := fs.repathChildren(ctx, child); err != nil {
				return err
			}
		}
	}
	return nil
}
