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
	"syscall"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/Enigmora/lnxdrive/internal/domain"
	"github.com/Enigmora/lnxdrive/internal/hydration"
	"github.com/Enigmora/lnxdrive/internal/logger"
)

// Pin asserts that the file's content must stay local. A placeholder
// hydrates in the background at pin priority and lands in Pinned; pinning
// an already pinned file is a no-op.
func (fs *FileSystem) Pin(ctx context.Context, ino fuseops.InodeID) error {
	e, err := fs.entryOrENOENT(ino)
	if err != nil {
		return err
	}
	if e.IsDir() {
		return syscall.EISDIR
	}

	switch e.State() {
	case domain.StatePinned:
		return nil
	case domain.StateHydrated:
		if err := fs.writer.Transition(ctx, e.ItemID, domain.StatePinned, "pinned", nil); err != nil {
			return errno("Pin", err)
		}
		e.SetState(domain.StatePinned)
		return nil
	case domain.StateModified:
		// Already local and protected from eviction; the sync engine pins
		// it after upload.
		logger.Debugf("fs: pin of modified item %q deferred to sync", e.ItemID)
		return nil
	default:
		_, err := fs.hydrations.Hydrate(ctx, e.Ino, e.ItemID, e.RemoteID(),
			e.Size(), hydration.PriorityPin)
		return errno("Pin", err)
	}
}

// Unpin releases a pin; unpinning a file that is not pinned is a no-op.
func (fs *FileSystem) Unpin(ctx context.Context, ino fuseops.InodeID) error {
	e, err := fs.entryOrENOENT(ino)
	if err != nil {
		return err
	}
	if e.State() != domain.StatePinned {
		return nil
	}

	if err := fs.writer.Transition(ctx, e.ItemID, domain.StateHydrated, "unpinned", nil); err != nil {
		return errno("Unpin", err)
	}
	e.SetState(domain.StateHydrated)
	return nil
}

// Prefetch starts a background hydration at the lowest priority. Content
// already local makes it a no-op.
func (fs *FileSystem) Prefetch(ctx context.Context, ino fuseops.InodeID) error {
	e, err := fs.entryOrENOENT(ino)
	if err != nil {
		return err
	}
	if e.IsDir() {
		return syscall.EISDIR
	}
	if e.State() != domain.StateOnline {
		return nil
	}

	_, err = fs.hydrations.Hydrate(ctx, e.Ino, e.ItemID, e.RemoteID(),
		e.Size(), hydration.PriorityPrefetch)
	return errno("Prefetch", err)
}
