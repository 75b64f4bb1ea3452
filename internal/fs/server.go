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
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/jacobsa/fuse"
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

// NewFileSystem opens the state store and cache, rebuilds the inode table,
// runs crash recovery, and starts the writer and sweeper tasks. The
// returned FileSystem is ready to be registered with the kernel.
func NewFileSystem(config *cfg.Config, client cloud.Client, clock timeutil.Clock) (*FileSystem, error) {
	if err := os.MkdirAll(config.CacheDir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	// One daemon per cache directory.
	lock := flock.New(filepath.Join(config.CacheDir, ".lnxdrive.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock cache dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("cache dir %q is in use by another instance", config.CacheDir)
	}

	store, err := statestore.Open(config.StateDB)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	writer := statestore.NewWriter(store, config.WriteQueue.Capacity,
		config.WriteQueue.SubmitTimeout, clock)
	writer.Start()

	cache, err := contentcache.New(config.CacheDir, clock)
	if err != nil {
		writer.Close()
		store.Close()
		lock.Unlock()
		return nil, err
	}

	fs := &FileSystem{
		mtimeClock:   clock,
		client:       client,
		store:        store,
		writer:       writer,
		cache:        cache,
		table:        inode.NewTable(),
		config:       config,
		uid:          uint32(os.Getuid()),
		gid:          uint32(os.Getgid()),
		handles:      make(map[fuseops.HandleID]interface{}),
		nextHandleID: 1,
		accessStamps: make(map[fuseops.InodeID]time.Time),
		releaseLock:  lock.Unlock,
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	fs.hydrations = hydration.NewManager(client, cache, writer, fs.table, clock, hydration.Config{
		Concurrency:        config.Hydration.Concurrency,
		LargeFileThreshold: uint64(config.Hydration.LargeFileThreshold),
		ChunkSize:          uint64(config.Hydration.ChunkSize),
		RetryAttempts:      config.Hydration.RetryAttempts,
	})

	fs.sweeper = dehydration.NewSweeper(dehydration.Policy{
		CacheMaxBytes:    uint64(config.Cache.MaxBytes),
		ThresholdPercent: config.Cache.ThresholdPercent,
		MaxAge:           time.Duration(config.Cache.MaxAgeDays) * 24 * time.Hour,
		Interval:         config.Cache.SweepInterval,
	}, cache, store, writer, fs.table, fs.hydrations, clock)

	if err := fs.loadItems(context.Background()); err != nil {
		fs.shutdown()
		return nil, err
	}
	if err := fs.recover(context.Background()); err != nil {
		fs.shutdown()
		return nil, err
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	fs.sweepCancel = cancel
	fs.sweeperDone = make(chan struct{})
	go func() {
		defer close(fs.sweeperDone)
		fs.sweeper.Run(sweepCtx)
	}()

	logger.Infof("fs: initialized with %d entries", fs.table.Len())
	return fs, nil
}

// loadItems builds the inode table from the state store. Two passes so
// out-of-order rows are handled: the first allocates missing inodes and
// indexes rows by path, the second builds and links entries in path order.
func (fs *FileSystem) loadItems(ctx context.Context) error {
	now := fs.mtimeClock.Now()
	root := inode.NewEntry(inode.EntryParams{
		Ino:    fuseops.RootInodeID,
		Parent: fuseops.RootInodeID,
		Kind:   domain.KindDirectory,
		State:  domain.StateHydrated,
		Mode:   dirMode,
		Mtime:  now,
	})
	root.IncrementLookupCount()
	if err := fs.table.Insert(root); err != nil {
		return err
	}

	items, err := fs.store.ListItems(ctx)
	if err != nil {
		return err
	}

	// Pass one: allocate missing inodes and index by path.
	byPath := make(map[string]*domain.SyncItem, len(items))
	for _, item := range items {
		if path.Clean(item.Path) == "/" {
			// The root is synthesized above; a persisted root row carries
			// no extra information.
			continue
		}
		if item.Inode == 0 {
			ino, err := fs.writer.AllocateInode(ctx)
			if err != nil {
				return err
			}
			if err := fs.writer.UpdateInode(ctx, item.ID, ino); err != nil {
				return err
			}
			item.Inode = ino
		}
		byPath[path.Clean(item.Path)] = item
	}

	// Pass two: insert in path order, so parents precede children.
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		item := byPath[p]
		parentIno := fuseops.InodeID(fuseops.RootInodeID)
		if dir := path.Dir(p); dir != "/" && dir != "." {
			parent, ok := byPath[dir]
			if !ok {
				logger.Warnf("fs: item %q has no parent row, attaching to root", item.Path)
			} else {
				parentIno = fuseops.InodeID(parent.Inode)
			}
		}

		mode := fileMode
		if item.IsDir() {
			mode = dirMode
		}
		e := inode.NewEntry(inode.EntryParams{
			Ino:      fuseops.InodeID(item.Inode),
			ItemID:   item.ID,
			RemoteID: item.RemoteID,
			Parent:   parentIno,
			Name:     path.Base(p),
			Kind:     item.Kind,
			Size:     item.Size,
			State:    item.State,
			Mode:     mode,
			Mtime:    item.LocalMtime,
		})
		if err := fs.table.Insert(e); err != nil {
			logger.Warnf("fs: skipping item %q: %v", item.Path, err)
		}
	}
	return nil
}

// recover resolves items the last run left mid-hydration: a surviving
// .partial allows resume on the next open, anything else reverts to a
// placeholder.
func (fs *FileSystem) recover(ctx context.Context) error {
	hydrating, err := fs.store.ListItemsInState(ctx, domain.StateHydrating)
	if err != nil {
		return err
	}
	for _, item := range hydrating {
		if _, ok := fs.cache.PartialSize(item.ID); ok {
			logger.Infof("fs: keeping partial download of %q for resume", item.Path)
			continue
		}
		if err := fs.writer.Transition(ctx, item.ID, domain.StateOnline, "crash recovery", nil); err != nil {
			return err
		}
		if e := fs.table.ByItem(item.ID); e != nil {
			e.SetState(domain.StateOnline)
		}
		logger.Infof("fs: reset interrupted hydration of %q", item.Path)
	}
	return nil
}

// shutdown tears the core down in dependency order: no new hydrations,
// abort in-flight ones (their .partial files persist for resume), stop
// the sweeper, drain the writer, release the store and the lock.
func (fs *FileSystem) shutdown() {
	fs.hydrations.Destroy()
	if fs.sweepCancel != nil {
		fs.sweepCancel()
		<-fs.sweeperDone
	}
	fs.writer.Close()
	if err := fs.store.Close(); err != nil {
		logger.Warnf("fs: close state store: %v", err)
	}
	if fs.releaseLock != nil {
		if err := fs.releaseLock(); err != nil {
			logger.Warnf("fs: release cache lock: %v", err)
		}
	}
	logger.Infof("fs: shut down")
}

// Mount registers the file system with the kernel. The mount point must
// exist and be empty; overmounting is refused.
func Mount(fs *FileSystem) (*fuse.MountedFileSystem, error) {
	if err := checkMountPoint(fs.config.MountPoint); err != nil {
		return nil, err
	}

	mountCfg := &fuse.MountConfig{
		FSName:  "lnxdrive",
		Subtype: "lnxdrive",
		Options: map[string]string{
			"auto_unmount":        "",
			"default_permissions": "",
			"noatime":             "",
		},
		ErrorLogger: logger.NewErrorLogger("fuse: "),
		DebugLogger: logger.NewDebugLogger("fuse: "),
	}

	mfs, err := fuse.Mount(fs.config.MountPoint, fuseutil.NewFileSystemServer(fs), mountCfg)
	if err != nil {
		return nil, fmt.Errorf("mount %q: %w", fs.config.MountPoint, err)
	}
	return mfs, nil
}

func checkMountPoint(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("mount point %q: %w", dir, err)
	}
	defer f.Close()

	names, err := f.Readdirnames(1)
	if err != nil && err != io.EOF {
		return fmt.Errorf("mount point %q: %w", dir, err)
	}
	if len(names) > 0 {
		return fmt.Errorf("mount point %q is not empty, refusing to mount", dir)
	}
	return nil
}
