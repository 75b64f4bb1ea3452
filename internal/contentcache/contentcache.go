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

// Package contentcache stores hydrated object contents on local disk.
//
// One file per cloud item, at <root>/content/<h0h1>/<h2...> where h is the
// hex SHA-256 of the item identifier. A download in progress lives at the
// same path with a ".partial" suffix and is renamed into place on
// completion, so a final object is always complete.
package contentcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/Enigmora/lnxdrive/internal/domain"
)

const (
	partialSuffix = ".partial"

	filePerm = os.FileMode(0600)
	dirPerm  = os.FileMode(0700)

	// How long a DiskUsage result may be served without rescanning.
	usageTTL = 5 * time.Second
)

// Cache is the on-disk content store. Methods are safe for concurrent use;
// the hydration manager guarantees at most one writer per object, and
// readers of a partial object must not read past the published download
// frontier.
type Cache struct {
	root  string
	clock timeutil.Clock

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Cached result of the last shard-tree walk.
	//
	// GUARDED_BY(mu)
	mu           sync.Mutex
	usage        int64
	usageValid   bool
	usageExpires time.Time
}

// New opens (creating if needed) a content cache rooted at dir.
func New(dir string, clock timeutil.Clock) (*Cache, error) {
	root := filepath.Join(dir, "content")
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("create cache root %q: %w", root, err)
	}
	return &Cache{root: root, clock: clock}, nil
}

// ObjectPath returns the final path for the item's cache object. Pure.
func (c *Cache) ObjectPath(id domain.ItemID) string {
	h := sha256.Sum256([]byte(id))
	hx := hex.EncodeToString(h[:])
	return filepath.Join(c.root, hx[:2], hx[2:])
}

func (c *Cache) partialPath(id domain.ItemID) string {
	return c.ObjectPath(id) + partialSuffix
}

// Exists reports whether a finalized object is present.
func (c *Cache) Exists(id domain.ItemID) bool {
	_, err := os.Stat(c.ObjectPath(id))
	return err == nil
}

// ObjectSize returns the byte length of the finalized object, if present.
func (c *Cache) ObjectSize(id domain.ItemID) (int64, bool) {
	fi, err := os.Stat(c.ObjectPath(id))
	if err != nil {
		return 0, false
	}
	return fi.Size(), true
}

// PartialSize returns the byte length of the .partial object, if present.
func (c *Cache) PartialSize(id domain.ItemID) (int64, bool) {
	fi, err := os.Stat(c.partialPath(id))
	if err != nil {
		return 0, false
	}
	return fi.Size(), true
}

// ReadAt reads from the finalized object at the given offset. Short reads
// at EOF return io.EOF with the bytes read, as os.File does.
func (c *Cache) ReadAt(id domain.ItemID, p []byte, off int64) (int, error) {
	f, err := os.Open(c.ObjectPath(id))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(p, off)
}

// ReadPartialAt is ReadAt against the .partial object. The caller must
// only request ranges below the download frontier.
func (c *Cache) ReadPartialAt(id domain.ItemID, p []byte, off int64) (int, error) {
	f, err := os.Open(c.partialPath(id))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(p, off)
}

// WriteAt writes to the finalized object at the given offset, creating the
// file (and its shard directory) if absent. Used both for new local files
// and for whole-file hydration.
func (c *Cache) WriteAt(id domain.ItemID, p []byte, off int64) (int, error) {
	n, err := c.writeAt(c.ObjectPath(id), p, off)
	if err != nil {
		return n, err
	}
	c.invalidateUsage()
	return n, nil
}

// StorePartial writes to the .partial sibling at the given offset.
func (c *Cache) StorePartial(id domain.ItemID, p []byte, off int64) (int, error) {
	n, err := c.writeAt(c.partialPath(id), p, off)
	if err != nil {
		return n, err
	}
	c.invalidateUsage()
	return n, nil
}

func (c *Cache) writeAt(path string, p []byte, off int64) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return 0, fmt.Errorf("create shard dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, filePerm)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.WriteAt(p, off)
}

// Truncate sets the finalized object's length, creating it if absent.
func (c *Cache) Truncate(id domain.ItemID, size int64) error {
	path := c.ObjectPath(id)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, filePerm)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return err
	}
	c.invalidateUsage()
	return nil
}

// Finalize atomically renames the .partial object into its final place.
// The rename stays within one shard directory, so it is atomic on any
// POSIX filesystem.
func (c *Cache) Finalize(id domain.ItemID) error {
	if err := os.Rename(c.partialPath(id), c.ObjectPath(id)); err != nil {
		return fmt.Errorf("finalize cache object: %w", err)
	}
	return nil
}

// Remove deletes the finalized object. The .partial sibling, if any, is
// left in place so an interrupted download can resume.
func (c *Cache) Remove(id domain.ItemID) error {
	if err := os.Remove(c.ObjectPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	c.invalidateUsage()
	return nil
}

// RemovePartial deletes the .partial object, if present.
func (c *Cache) RemovePartial(id domain.ItemID) error {
	if err := os.Remove(c.partialPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	c.invalidateUsage()
	return nil
}

// CopyPartialToObject copies whatever bytes the .partial object holds into
// the finalized object. Used when a write lands on a file whose hydration
// just completed into the partial.
func (c *Cache) CopyPartialToObject(id domain.ItemID) error {
	src, err := os.Open(c.partialPath(id))
	if err != nil {
		return err
	}
	defer src.Close()

	path := c.ObjectPath(id)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return err
	}
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	c.invalidateUsage()
	return nil
}

// DiskUsage returns the total bytes under the shard tree, counting both
// finalized and partial objects. The walk result is cached briefly; the
// dehydration sweep tolerates that staleness.
func (c *Cache) DiskUsage() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.usageValid && now.Before(c.usageExpires) {
		return c.usage, nil
	}

	var total int64
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A concurrently evicted object is not an error.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk cache tree: %w", err)
	}

	c.usage = total
	c.usageValid = true
	c.usageExpires = now.Add(usageTTL)
	return total, nil
}

func (c *Cache) invalidateUsage() {
	c.mu.Lock()
	c.usageValid = false
	c.mu.Unlock()
}
