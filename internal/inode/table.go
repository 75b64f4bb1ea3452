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

// Package inode maintains the in-memory table of live inodes: the
// bidirectional inode/item mapping and the parent/name index that lookup
// and readdir are served from.
package inode

import (
	"fmt"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/Enigmora/lnxdrive/internal/domain"
	"github.com/Enigmora/lnxdrive/internal/locker"
)

// Table is the live inode map. Safe for concurrent use from all protocol
// threads; individual entries carry their own locks, the table lock only
// guards the maps.
type Table struct {
	mu locker.RWLocker

	// INVARIANT: For all k/v, v.Ino == k
	//
	// GUARDED_BY(mu)
	entries map[fuseops.InodeID]*Entry

	// Reverse index by item identifier.
	//
	// INVARIANT: For each k/v, entries[v].ItemID == k
	//
	// GUARDED_BY(mu)
	byItem map[domain.ItemID]fuseops.InodeID

	// Children of each directory, in insertion order. readdir is served
	// from this slice, so enumeration order is insertion order.
	//
	// GUARDED_BY(mu)
	children map[fuseops.InodeID][]fuseops.InodeID

	// Name index within each directory.
	//
	// INVARIANT: childByName[p][n] == i iff i ∈ children[p] with name n
	//
	// GUARDED_BY(mu)
	childByName map[fuseops.InodeID]map[string]fuseops.InodeID
}

func NewTable() *Table {
	t := &Table{
		entries:     make(map[fuseops.InodeID]*Entry),
		byItem:      make(map[domain.ItemID]fuseops.InodeID),
		children:    make(map[fuseops.InodeID][]fuseops.InodeID),
		childByName: make(map[fuseops.InodeID]map[string]fuseops.InodeID),
	}
	t.mu = locker.NewRW("inode.Table", t.checkInvariants)
	return t
}

// checkInvariants panics if the maps have drifted apart.
func (t *Table) checkInvariants() {
	for ino, e := range t.entries {
		if e.Ino != ino {
			panic(fmt.Sprintf("inode ID mismatch: %v vs. %v", e.Ino, ino))
		}
	}
	for id, ino := range t.byItem {
		e, ok := t.entries[ino]
		if !ok || e.ItemID != id {
			panic(fmt.Sprintf("byItem mismatch for %q", id))
		}
	}
	for parent, names := range t.childByName {
		for name, ino := range names {
			found := false
			for _, c := range t.children[parent] {
				if c == ino {
					found = true
					break
				}
			}
			if !found {
				panic(fmt.Sprintf("childByName[%v][%q] not in children", parent, name))
			}
		}
	}
}

// Insert adds the entry and links it under its parent. The root entry has
// no parent link.
func (t *Table) Insert(e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[e.Ino]; ok {
		return domain.Errorf(domain.ErrAlreadyExists, "inode.Insert", "inode %d already present", e.Ino)
	}
	t.entries[e.Ino] = e
	t.byItem[e.ItemID] = e.Ino

	if e.Ino == fuseops.RootInodeID {
		return nil
	}

	parent := e.Parent()
	name := e.Name()
	if existing, ok := t.childByName[parent][name]; ok {
		// Roll back before failing.
		delete(t.entries, e.Ino)
		delete(t.byItem, e.ItemID)
		return domain.Errorf(domain.ErrAlreadyExists, "inode.Insert",
			"%q already present under inode %d as inode %d", name, parent, existing)
	}
	t.children[parent] = append(t.children[parent], e.Ino)
	if t.childByName[parent] == nil {
		t.childByName[parent] = make(map[string]fuseops.InodeID)
	}
	t.childByName[parent][name] = e.Ino
	return nil
}

// Get returns the entry, or nil.
func (t *Table) Get(ino fuseops.InodeID) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[ino]
}

// ByItem is the reverse lookup from item identifier to entry.
func (t *Table) ByItem(id domain.ItemID) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ino, ok := t.byItem[id]
	if !ok {
		return nil
	}
	return t.entries[ino]
}

// Remove deletes the entry and its parent link, returning it (or nil).
// Children of the removed entry, if any, keep their records; the caller is
// responsible for removing leaves first.
func (t *Table) Remove(ino fuseops.InodeID) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[ino]
	if !ok {
		return nil
	}
	delete(t.entries, ino)
	delete(t.byItem, e.ItemID)
	t.unlinkLocked(e.Parent(), e.Name(), ino)
	delete(t.children, ino)
	delete(t.childByName, ino)
	return e
}

func (t *Table) unlinkLocked(parent fuseops.InodeID, name string, ino fuseops.InodeID) {
	kids := t.children[parent]
	for i, c := range kids {
		if c == ino {
			t.children[parent] = append(kids[:i], kids[i+1:]...)
			break
		}
	}
	if names := t.childByName[parent]; names != nil && names[name] == ino {
		delete(names, name)
	}
}

// Children returns the directory's entries in insertion order.
func (t *Table) Children(parent fuseops.InodeID) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	kids := t.children[parent]
	out := make([]*Entry, 0, len(kids))
	for _, ino := range kids {
		if e, ok := t.entries[ino]; ok {
			out = append(out, e)
		}
	}
	return out
}

// ChildCount is len(Children) without the copy.
func (t *Table) ChildCount(parent fuseops.InodeID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.children[parent])
}

// LookupChild finds a child by name, or nil.
func (t *Table) LookupChild(parent fuseops.InodeID, name string) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ino, ok := t.childByName[parent][name]
	if !ok {
		return nil
	}
	return t.entries[ino]
}

// Reparent moves the entry under a new parent/name, updating both the
// entry and the index in one critical section. The inode number does not
// change.
func (t *Table) Reparent(ino fuseops.InodeID, newParent fuseops.InodeID, newName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[ino]
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "inode.Reparent", "inode %d not present", ino)
	}
	if existing, ok := t.childByName[newParent][newName]; ok && existing != ino {
		return domain.Errorf(domain.ErrAlreadyExists, "inode.Reparent",
			"%q already present under inode %d", newName, newParent)
	}

	t.unlinkLocked(e.Parent(), e.Name(), ino)

	e.mu.Lock()
	e.parent = newParent
	e.name = newName
	e.mu.Unlock()

	t.children[newParent] = append(t.children[newParent], ino)
	if t.childByName[newParent] == nil {
		t.childByName[newParent] = make(map[string]fuseops.InodeID)
	}
	t.childByName[newParent][newName] = ino
	return nil
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// ForEach visits every entry. The table lock is held; the visitor must not
// call back into the table.
func (t *Table) ForEach(fn func(*Entry)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		fn(e)
	}
}
