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

package inode

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/Enigmora/lnxdrive/internal/domain"
	"github.com/Enigmora/lnxdrive/internal/locker"
)

// Entry is the in-memory face of a SyncItem exposed through the mount.
//
// Identity fields are immutable. The mutable attribute block is guarded by
// an internal lock so concurrent protocol threads observe either the pre-
// or post-state of an update, never a torn mix. The two reference counters
// are lock-free.
type Entry struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	Ino    fuseops.InodeID
	ItemID domain.ItemID
	Kind   domain.Kind

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu locker.RWLocker

	// GUARDED_BY(mu)
	parent fuseops.InodeID
	// GUARDED_BY(mu)
	name string
	// GUARDED_BY(mu)
	remoteID domain.RemoteID
	// GUARDED_BY(mu)
	size uint64
	// GUARDED_BY(mu)
	state domain.ItemState
	// GUARDED_BY(mu)
	mode os.FileMode
	// GUARDED_BY(mu)
	mtime, ctime, atime time.Time

	// Number of kernel references, decremented by forget.
	lookupCount atomic.Uint64

	// Number of open file descriptors.
	openCount atomic.Int64
}

// EntryParams carries the initial attribute block for NewEntry.
type EntryParams struct {
	Ino      fuseops.InodeID
	ItemID   domain.ItemID
	RemoteID domain.RemoteID
	Parent   fuseops.InodeID
	Name     string
	Kind     domain.Kind
	Size     uint64
	State    domain.ItemState
	Mode     os.FileMode
	Mtime    time.Time
}

func NewEntry(p EntryParams) *Entry {
	e := &Entry{
		Ino:      p.Ino,
		ItemID:   p.ItemID,
		Kind:     p.Kind,
		parent:   p.Parent,
		name:     p.Name,
		remoteID: p.RemoteID,
		size:     p.Size,
		state:    p.State,
		mode:     p.Mode,
		mtime:    p.Mtime,
		ctime:    p.Mtime,
		atime:    p.Mtime,
	}
	e.mu = locker.NewRW("Entry", func() {})
	return e
}

func (e *Entry) Parent() fuseops.InodeID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.parent
}

func (e *Entry) Name() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.name
}

func (e *Entry) RemoteID() domain.RemoteID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.remoteID
}

func (e *Entry) SetRemoteID(id domain.RemoteID) {
	e.mu.Lock()
	e.remoteID = id
	e.mu.Unlock()
}

func (e *Entry) Size() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.size
}

func (e *Entry) SetSize(n uint64) {
	e.mu.Lock()
	e.size = n
	e.mu.Unlock()
}

// GrowTo raises the size to at least n; writes extend but never shrink.
func (e *Entry) GrowTo(n uint64) {
	e.mu.Lock()
	if n > e.size {
		e.size = n
	}
	e.mu.Unlock()
}

func (e *Entry) State() domain.ItemState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Entry) SetState(s domain.ItemState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Entry) Mode() os.FileMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

func (e *Entry) SetMode(m os.FileMode) {
	e.mu.Lock()
	e.mode = m
	e.ctime = time.Now()
	e.mu.Unlock()
}

func (e *Entry) SetMtime(t time.Time) {
	e.mu.Lock()
	e.mtime = t
	e.mu.Unlock()
}

func (e *Entry) Touch(now time.Time) {
	e.mu.Lock()
	e.atime = now
	e.mu.Unlock()
}

// Attributes snapshots the fuse attribute block. Size is the remote size,
// present or not.
func (e *Entry) Attributes(uid, gid uint32) fuseops.InodeAttributes {
	e.mu.RLock()
	defer e.mu.RUnlock()

	attrs := fuseops.InodeAttributes{
		Size:  e.size,
		Nlink: 1,
		Mode:  e.mode,
		Atime: e.atime,
		Mtime: e.mtime,
		Ctime: e.ctime,
		Uid:   uid,
		Gid:   gid,
	}
	if e.Kind == domain.KindDirectory {
		attrs.Size = 4096
		attrs.Nlink = 2
		attrs.Mode = e.mode | os.ModeDir
	}
	return attrs
}

func (e *Entry) IsDir() bool {
	return e.Kind == domain.KindDirectory
}

func (e *Entry) IncrementLookupCount() {
	e.lookupCount.Add(1)
}

// DecrementLookupCount subtracts n and returns the new count.
func (e *Entry) DecrementLookupCount(n uint64) uint64 {
	for {
		cur := e.lookupCount.Load()
		dec := n
		if dec > cur {
			dec = cur
		}
		if e.lookupCount.CompareAndSwap(cur, cur-dec) {
			return cur - dec
		}
	}
}

func (e *Entry) LookupCount() uint64 {
	return e.lookupCount.Load()
}

func (e *Entry) IncrementOpenCount() {
	e.openCount.Add(1)
}

// DecrementOpenCount returns the new count.
func (e *Entry) DecrementOpenCount() int64 {
	return e.openCount.Add(-1)
}

func (e *Entry) OpenCount() int64 {
	return e.openCount.Load()
}

// Forgettable reports whether the kernel and all processes have let go of
// this entry. The root is never forgettable.
func (e *Entry) Forgettable() bool {
	return e.Ino != fuseops.RootInodeID &&
		e.lookupCount.Load() == 0 &&
		e.openCount.Load() == 0
}
