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

// Package statestore persists SyncItems and the inode counter in an
// embedded sqlite database. Reads may run concurrently from any goroutine;
// every mutation goes through the Writer, which owns the only write path.
package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/Enigmora/lnxdrive/internal/domain"
)

// Store is an open state database.
type Store struct {
	db    *bun.DB
	sqlDB *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema is present.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	sqlDB, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open state store %q: %w", path, err)
	}

	// PRAGMAs must be issued explicitly; the driver ignores DSN-encoded
	// ones. Some pragmas (e.g. journal_mode) return a result row, which
	// the libsql driver rejects via Exec, so these go through Query.
	for _, stmt := range pragmaStatements {
		rows, err := sqlDB.Query(stmt)
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
		for rows.Next() {
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	for _, stmt := range schemaStatements {
		if _, err := sqlDB.Exec(stmt); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &Store{
		db:    bun.NewDB(sqlDB, sqlitedialect.New()),
		sqlDB: sqlDB,
	}, nil
}

func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// GetItem returns the item, or a NotFound domain error.
func (s *Store) GetItem(ctx context.Context, id domain.ItemID) (*domain.SyncItem, error) {
	var m syncItemModel
	err := s.db.NewSelect().Model(&m).Where("id = ?", string(id)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrNotFound, "statestore.GetItem", "no item %q", id)
	}
	if err != nil {
		return nil, domain.NewError(domain.ErrStateStore, "statestore.GetItem", err)
	}
	return m.toDomain(), nil
}

// ListItems returns every non-deleted item, ordered by path so parents
// sort before their children.
func (s *Store) ListItems(ctx context.Context) ([]*domain.SyncItem, error) {
	var ms []syncItemModel
	err := s.db.NewSelect().Model(&ms).
		Where("state != ?", string(domain.StateDeleted)).
		Order("path ASC").
		Scan(ctx)
	if err != nil {
		return nil, domain.NewError(domain.ErrStateStore, "statestore.ListItems", err)
	}
	out := make([]*domain.SyncItem, len(ms))
	for i := range ms {
		out[i] = ms[i].toDomain()
	}
	return out, nil
}

// ListItemsInState returns all items in the given state.
func (s *Store) ListItemsInState(ctx context.Context, state domain.ItemState) ([]*domain.SyncItem, error) {
	var ms []syncItemModel
	err := s.db.NewSelect().Model(&ms).
		Where("state = ?", string(state)).
		Scan(ctx)
	if err != nil {
		return nil, domain.NewError(domain.ErrStateStore, "statestore.ListItemsInState", err)
	}
	out := make([]*domain.SyncItem, len(ms))
	for i := range ms {
		out[i] = ms[i].toDomain()
	}
	return out, nil
}

// EvictionCandidates returns hydrated items ordered least-recently
// accessed first, optionally restricted to those idle for at least
// minAge. Open-handle and in-flight checks are the sweeper's job.
func (s *Store) EvictionCandidates(ctx context.Context, now time.Time, minAge time.Duration, limit int) ([]*domain.SyncItem, error) {
	var ms []syncItemModel
	q := s.db.NewSelect().Model(&ms).
		Where("state = ?", string(domain.StateHydrated)).
		Where("kind = ?", string(domain.KindFile)).
		Order("last_accessed ASC").
		Limit(limit)
	if minAge > 0 {
		q = q.Where("last_accessed <= ?", now.Add(-minAge).Unix())
	}

	if err := q.Scan(ctx); err != nil {
		return nil, domain.NewError(domain.ErrStateStore, "statestore.EvictionCandidates", err)
	}
	out := make([]*domain.SyncItem, len(ms))
	for i := range ms {
		out[i] = ms[i].toDomain()
	}
	return out, nil
}

// AuditTrail returns the audit rows for one item, oldest first.
func (s *Store) AuditTrail(ctx context.Context, id domain.ItemID) ([]AuditRecord, error) {
	var ms []auditModel
	err := s.db.NewSelect().Model(&ms).
		Where("item_id = ?", string(id)).
		Order("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, domain.NewError(domain.ErrStateStore, "statestore.AuditTrail", err)
	}
	out := make([]AuditRecord, len(ms))
	for i, m := range ms {
		out[i] = AuditRecord{
			Seq:       m.Seq,
			ItemID:    domain.ItemID(m.ItemID),
			FromState: domain.ItemState(m.FromState),
			ToState:   domain.ItemState(m.ToState),
			Reason:    m.Reason,
			At:        time.Unix(m.At, 0),
		}
	}
	return out, nil
}
