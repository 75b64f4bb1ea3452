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

package statestore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/Enigmora/lnxdrive/internal/domain"
)

// syncItemModel mirrors the sync_items table. Times are stored as Unix
// seconds.
type syncItemModel struct {
	bun.BaseModel `bun:"table:sync_items"`

	ID                string `bun:"id,pk"`
	RemoteID          string `bun:"remote_id,notnull"`
	Path              string `bun:"path,notnull"`
	Kind              string `bun:"kind,notnull"`
	Size              int64  `bun:"size,notnull"`
	LocalMtime        int64  `bun:"local_mtime,notnull"`
	RemoteMtime       int64  `bun:"remote_mtime,notnull"`
	ContentHash       string `bun:"content_hash,notnull"`
	State             string `bun:"state,notnull"`
	ErrorReason       string `bun:"error_reason,notnull"`
	Inode             int64  `bun:"inode,notnull"`
	LastAccessed      int64  `bun:"last_accessed,notnull"`
	HydrationProgress int64  `bun:"hydration_progress,notnull"`
}

type counterModel struct {
	bun.BaseModel `bun:"table:inode_counter"`

	ID        int64 `bun:"id,pk"`
	NextInode int64 `bun:"next_inode,notnull"`
}

type auditModel struct {
	bun.BaseModel `bun:"table:audit_log"`

	Seq       int64  `bun:"seq,pk,autoincrement"`
	ItemID    string `bun:"item_id,notnull"`
	FromState string `bun:"from_state,notnull"`
	ToState   string `bun:"to_state,notnull"`
	Reason    string `bun:"reason,notnull"`
	At        int64  `bun:"at,notnull"`
}

func (m *syncItemModel) toDomain() *domain.SyncItem {
	return &domain.SyncItem{
		ID:                domain.ItemID(m.ID),
		RemoteID:          domain.RemoteID(m.RemoteID),
		Path:              m.Path,
		Kind:              domain.Kind(m.Kind),
		Size:              uint64(m.Size),
		LocalMtime:        time.Unix(m.LocalMtime, 0),
		RemoteMtime:       time.Unix(m.RemoteMtime, 0),
		ContentHash:       m.ContentHash,
		State:             domain.ItemState(m.State),
		ErrorReason:       m.ErrorReason,
		Inode:             uint64(m.Inode),
		LastAccessed:      time.Unix(m.LastAccessed, 0),
		HydrationProgress: uint8(m.HydrationProgress),
	}
}

func modelFromDomain(i *domain.SyncItem) *syncItemModel {
	return &syncItemModel{
		ID:                string(i.ID),
		RemoteID:          string(i.RemoteID),
		Path:              i.Path,
		Kind:              string(i.Kind),
		Size:              int64(i.Size),
		LocalMtime:        i.LocalMtime.Unix(),
		RemoteMtime:       i.RemoteMtime.Unix(),
		ContentHash:       i.ContentHash,
		State:             string(i.State),
		ErrorReason:       i.ErrorReason,
		Inode:             int64(i.Inode),
		LastAccessed:      i.LastAccessed.Unix(),
		HydrationProgress: int64(i.HydrationProgress),
	}
}

// AuditRecord is a decoded audit_log row.
type AuditRecord struct {
	Seq       int64
	ItemID    domain.ItemID
	FromState domain.ItemState
	ToState   domain.ItemState
	Reason    string
	At        time.Time
}
