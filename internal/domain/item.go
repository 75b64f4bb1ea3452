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

// Package domain holds the persistent data model of the filesystem core:
// SyncItems, their lifecycle state machine, and the error taxonomy.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ItemID is the stable unique identifier of a SyncItem. It never changes,
// even when the item is renamed or re-uploaded.
type ItemID string

// NewItemID mints an identifier for a locally created entry.
func NewItemID() ItemID {
	return ItemID(uuid.New().String())
}

// RemoteID is the cloud item identifier. Empty for locally created entries
// that have not completed their first upload.
type RemoteID string

// Kind distinguishes files from directories.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// SyncItem is the authoritative record of a filesystem entry. Rows are
// created by the sync engine (or by create/mkdir), mutated only through the
// write serializer, and destroyed by transitioning to StateDeleted.
type SyncItem struct {
	ID       ItemID
	RemoteID RemoteID
	Path     string
	Kind     Kind

	// Size is the real remote size in bytes. getattr reports it even when
	// no content is cached locally.
	Size uint64

	LocalMtime  time.Time
	RemoteMtime time.Time

	// ContentHash is computed by the cloud; informational for the core.
	ContentHash string

	State ItemState

	// ErrorReason is set iff State == StateError.
	ErrorReason string

	// Inode is assigned on first exposure through the mount and is stable
	// for the lifetime of the item. Zero means not yet assigned.
	Inode uint64

	LastAccessed time.Time

	// HydrationProgress is a 0..100 percentage, meaningful only while
	// State == StateHydrating.
	HydrationProgress uint8
}

// IsDir is shorthand for Kind == KindDirectory.
func (i *SyncItem) IsDir() bool {
	return i.Kind == KindDirectory
}
