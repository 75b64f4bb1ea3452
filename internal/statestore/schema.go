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

// Statements are executed one at a time; the libsql driver does not accept
// multi-statement strings.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sync_items (
		id TEXT PRIMARY KEY,
		remote_id TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		kind TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		local_mtime INTEGER NOT NULL DEFAULT 0,
		remote_mtime INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		error_reason TEXT NOT NULL DEFAULT '',
		inode INTEGER NOT NULL DEFAULT 0,
		last_accessed INTEGER NOT NULL DEFAULT 0,
		hydration_progress INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_items_inode
		ON sync_items (inode) WHERE inode != 0`,
	`CREATE INDEX IF NOT EXISTS idx_sync_items_state ON sync_items (state)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_items_path ON sync_items (path)`,
	`CREATE TABLE IF NOT EXISTS inode_counter (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		next_inode INTEGER NOT NULL
	)`,
	`INSERT OR IGNORE INTO inode_counter (id, next_inode) VALUES (1, 2)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		at INTEGER NOT NULL
	)`,
}

var pragmaStatements = []string{
	`PRAGMA journal_mode = WAL`,
	`PRAGMA synchronous = NORMAL`,
	`PRAGMA busy_timeout = 30000`,
	`PRAGMA foreign_keys = ON`,
}
