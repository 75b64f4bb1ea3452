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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Enigmora/lnxdrive/internal/domain"
)

func fileEntry(ino fuseops.InodeID, parent fuseops.InodeID, name string) *Entry {
	return NewEntry(EntryParams{
		Ino:    ino,
		ItemID: domain.ItemID(fmt.Sprintf("item-%d", ino)),
		Parent: parent,
		Name:   name,
		Kind:   domain.KindFile,
		Size:   1024,
		State:  domain.StateOnline,
		Mode:   0644,
		Mtime:  time.Now(),
	})
}

func rootEntry() *Entry {
	return NewEntry(EntryParams{
		Ino:    fuseops.RootInodeID,
		ItemID: "item-root",
		Name:   "",
		Kind:   domain.KindDirectory,
		State:  domain.StateHydrated,
		Mode:   0755,
		Mtime:  time.Now(),
	})
}

func TestInsertGetRemove(t *testing.T) {
	tab := NewTable()
	require.NoError(t, tab.Insert(rootEntry()))

	e := fileEntry(2, fuseops.RootInodeID, "a.txt")
	require.NoError(t, tab.Insert(e))

	assert.Same(t, e, tab.Get(2))
	assert.Same(t, e, tab.ByItem("item-2"))
	assert.Same(t, e, tab.LookupChild(fuseops.RootInodeID, "a.txt"))

	removed := tab.Remove(2)
	assert.Same(t, e, removed)
	assert.Nil(t, tab.Get(2))
	assert.Nil(t, tab.ByItem("item-2"))
	assert.Nil(t, tab.LookupChild(fuseops.RootInodeID, "a.txt"))
	assert.Nil(t, tab.Remove(2))
}

func TestInsertDuplicateNameFails(t *testing.T) {
	tab := NewTable()
	require.NoError(t, tab.Insert(rootEntry()))
	require.NoError(t, tab.Insert(fileEntry(2, fuseops.RootInodeID, "dup")))

	err := tab.Insert(fileEntry(3, fuseops.RootInodeID, "dup"))
	require.Error(t, err)
	assert.Equal(t, domain.ErrAlreadyExists, err.(*domain.Error).Kind)

	// The failed insert must not leave the entry reachable by inode or item.
	assert.Nil(t, tab.Get(3))
	assert.Nil(t, tab.ByItem("item-3"))
}

func TestChildrenInsertionOrder(t *testing.T) {
	tab := NewTable()
	require.NoError(t, tab.Insert(rootEntry()))

	names := []string{"zeta", "alpha", "mid"}
	for i, n := range names {
		require.NoError(t, tab.Insert(fileEntry(fuseops.InodeID(2+i), fuseops.RootInodeID, n)))
	}

	kids := tab.Children(fuseops.RootInodeID)
	require.Len(t, kids, 3)
	for i, n := range names {
		assert.Equal(t, n, kids[i].Name())
	}
	assert.Equal(t, 3, tab.ChildCount(fuseops.RootInodeID))
}

func TestReparentKeepsInode(t *testing.T) {
	tab := NewTable()
	require.NoError(t, tab.Insert(rootEntry()))

	dirA := NewEntry(EntryParams{Ino: 2, ItemID: "item-a", Parent: fuseops.RootInodeID,
		Name: "a", Kind: domain.KindDirectory, State: domain.StateHydrated, Mode: 0755})
	dirB := NewEntry(EntryParams{Ino: 3, ItemID: "item-b", Parent: fuseops.RootInodeID,
		Name: "b", Kind: domain.KindDirectory, State: domain.StateHydrated, Mode: 0755})
	require.NoError(t, tab.Insert(dirA))
	require.NoError(t, tab.Insert(dirB))

	f := fileEntry(4, 2, "x")
	require.NoError(t, tab.Insert(f))

	require.NoError(t, tab.Reparent(4, 3, "y"))

	assert.Nil(t, tab.LookupChild(2, "x"))
	got := tab.LookupChild(3, "y")
	require.NotNil(t, got)
	assert.Equal(t, fuseops.InodeID(4), got.Ino)
	assert.Equal(t, fuseops.InodeID(3), got.Parent())
	assert.Equal(t, "y", got.Name())
	assert.Empty(t, tab.Children(2))
}

func TestReparentOntoExistingNameFails(t *testing.T) {
	tab := NewTable()
	require.NoError(t, tab.Insert(rootEntry()))
	require.NoError(t, tab.Insert(fileEntry(2, fuseops.RootInodeID, "x")))
	require.NoError(t, tab.Insert(fileEntry(3, fuseops.RootInodeID, "y")))

	err := tab.Reparent(2, fuseops.RootInodeID, "y")
	require.Error(t, err)
	assert.Equal(t, domain.ErrAlreadyExists, err.(*domain.Error).Kind)
}

func TestCounters(t *testing.T) {
	e := fileEntry(2, fuseops.RootInodeID, "c")

	e.IncrementLookupCount()
	e.IncrementLookupCount()
	e.IncrementOpenCount()

	assert.False(t, e.Forgettable())
	assert.Equal(t, uint64(1), e.DecrementLookupCount(1))
	assert.Equal(t, uint64(0), e.DecrementLookupCount(5)) // clamps at zero
	assert.False(t, e.Forgettable())                      // still open
	assert.Equal(t, int64(0), e.DecrementOpenCount())
	assert.True(t, e.Forgettable())
}

func TestRootIsNeverForgettable(t *testing.T) {
	r := rootEntry()
	assert.False(t, r.Forgettable())
}

func TestConcurrentCountersAndLookups(t *testing.T) {
	tab := NewTable()
	require.NoError(t, tab.Insert(rootEntry()))
	e := fileEntry(2, fuseops.RootInodeID, "hot")
	require.NoError(t, tab.Insert(e))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				e.IncrementLookupCount()
				tab.LookupChild(fuseops.RootInodeID, "hot")
				e.GrowTo(uint64(j))
				e.DecrementLookupCount(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(0), e.LookupCount())
	assert.Equal(t, uint64(1024), e.Size()) // initial size was larger than any GrowTo
}

func TestDirectoryAttributes(t *testing.T) {
	d := NewEntry(EntryParams{Ino: 5, ItemID: "item-d", Parent: fuseops.RootInodeID,
		Name: "d", Kind: domain.KindDirectory, Size: 0, State: domain.StateHydrated, Mode: 0755})

	attrs := d.Attributes(1000, 1000)
	assert.Equal(t, uint64(4096), attrs.Size)
	assert.Equal(t, uint32(2), attrs.Nlink)
	assert.True(t, attrs.Mode.IsDir())

	f := fileEntry(6, fuseops.RootInodeID, "f")
	fattrs := f.Attributes(1000, 1000)
	assert.Equal(t, uint64(1024), fattrs.Size)
	assert.Equal(t, uint32(1), fattrs.Nlink)
	assert.False(t, fattrs.Mode.IsDir())
}
