// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/praxislabs/praxis/pkg/errors"
)

const (
	checkpointTable = "praxis_checkpoints"
	auditTable      = "praxis_audit"
)

// Open opens (creating when absent) the SQLite database backing the
// durable stores. The caller owns the handle and closes it on shutdown.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc's driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent threads.
	db.SetMaxOpenConns(1)
	return db, nil
}

// SQLiteStore persists checkpoints in a SQLite database. The full record
// travels as one JSON blob; status and expiry land in columns so sweeps
// and listings stay queries.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed checkpoint store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.NewInvalidInputError("db is nil")
	}
	if err := ensureCheckpointSchema(db); err != nil {
		return nil, errors.WrapStoreError(err, "sqlite", "ensure_schema")
	}
	return &SQLiteStore{db: db}, nil
}

func ensureCheckpointSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL,
			status TEXT NOT NULL,
			pending_expires_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			record_json BLOB NOT NULL
		);`, checkpointTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status);`, checkpointTable, checkpointTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s(updated_at);`, checkpointTable, checkpointTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			capability TEXT NOT NULL,
			event TEXT NOT NULL,
			severity TEXT NOT NULL,
			detail TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`, auditTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_thread ON %s(thread_id);`, auditTable, auditTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save replaces the record for the checkpoint's thread.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ThreadID == "" {
		return errors.NewInvalidInputError("checkpoint requires a thread id")
	}
	stored := cp.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return errors.WrapStoreError(err, "sqlite", "encode")
	}
	expiresAt := int64(0)
	if stored.Pending != nil && !stored.Pending.ExpiresAt.IsZero() {
		expiresAt = stored.Pending.ExpiresAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (thread_id, turn_id, status, pending_expires_at, updated_at, record_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			turn_id = excluded.turn_id,
			status = excluded.status,
			pending_expires_at = excluded.pending_expires_at,
			updated_at = excluded.updated_at,
			record_json = excluded.record_json
	`, checkpointTable),
		stored.ThreadID, stored.TurnID, string(stored.Status), expiresAt,
		stored.UpdatedAt.UnixMilli(), payload)
	if err != nil {
		return errors.WrapStoreError(err, "sqlite", "save")
	}
	return nil
}

// Load returns the thread's checkpoint.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT record_json FROM %s WHERE thread_id = ?", checkpointTable),
		threadID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("checkpoint", threadID)
		}
		return nil, errors.WrapStoreError(err, "sqlite", "load")
	}
	return decodeCheckpoint(payload)
}

// Delete removes the thread's checkpoint. Deleting a missing thread is a
// no-op.
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", checkpointTable),
		threadID)
	if err != nil {
		return errors.WrapStoreError(err, "sqlite", "delete")
	}
	return nil
}

// List returns all checkpoints, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT record_json FROM %s ORDER BY updated_at DESC, thread_id ASC", checkpointTable))
	if err != nil {
		return nil, errors.WrapStoreError(err, "sqlite", "list")
	}
	defer rows.Close()
	var out []*Checkpoint
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.WrapStoreError(err, "sqlite", "list")
		}
		cp, err := decodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStoreError(err, "sqlite", "list")
	}
	return out, nil
}

// ExpirePending implements the Store expiry sweep inside one transaction.
func (s *SQLiteStore) ExpirePending(ctx context.Context, before time.Time) ([]*Checkpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WrapStoreError(err, "sqlite", "expire")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT record_json FROM %s
		WHERE status = ? AND pending_expires_at > 0 AND pending_expires_at <= ?
		ORDER BY thread_id ASC
	`, checkpointTable), string(StatusSuspended), before.UnixMilli())
	if err != nil {
		return nil, errors.WrapStoreError(err, "sqlite", "expire")
	}
	var expired []*Checkpoint
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, errors.WrapStoreError(err, "sqlite", "expire")
		}
		cp, err := decodeCheckpoint(payload)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, cp)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.WrapStoreError(err, "sqlite", "expire")
	}
	rows.Close()

	now := time.Now().UTC()
	for _, cp := range expired {
		expire(cp, now)
		payload, err := json.Marshal(cp)
		if err != nil {
			return nil, errors.WrapStoreError(err, "sqlite", "encode")
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET status = ?, pending_expires_at = 0, updated_at = ?, record_json = ?
			WHERE thread_id = ?
		`, checkpointTable), string(cp.Status), cp.UpdatedAt.UnixMilli(), payload, cp.ThreadID)
		if err != nil {
			return nil, errors.WrapStoreError(err, "sqlite", "expire")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.WrapStoreError(err, "sqlite", "expire")
	}
	return expired, nil
}

// Check reports store health by pinging the database.
func (s *SQLiteStore) Check(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func decodeCheckpoint(payload []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, errors.WrapStoreError(err, "sqlite", "decode")
	}
	return &cp, nil
}

// SQLiteAuditStore persists the audit trail in a SQLite database.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore creates a SQLite-backed audit store and ensures schema.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	if db == nil {
		return nil, errors.NewInvalidInputError("db is nil")
	}
	if err := ensureCheckpointSchema(db); err != nil {
		return nil, errors.WrapStoreError(err, "sqlite", "ensure_schema")
	}
	return &SQLiteAuditStore{db: db}, nil
}

// Append adds a record to its thread's history.
func (s *SQLiteAuditStore) Append(ctx context.Context, record AuditRecord) error {
	if record.ThreadID == "" {
		return errors.NewInvalidInputError("audit record requires a thread id")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, thread_id, turn_id, step_key, capability, event, severity, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, auditTable),
		record.ID, record.ThreadID, record.TurnID, record.StepKey,
		record.Capability, record.Event, record.Severity, record.Detail,
		record.CreatedAt.UnixMilli())
	if err != nil {
		return errors.WrapStoreError(err, "sqlite", "audit_append")
	}
	return nil
}

// ListByThread returns a thread's records in chronological order. A
// positive limit keeps the most recent ones.
func (s *SQLiteAuditStore) ListByThread(ctx context.Context, threadID string, limit int) ([]*AuditRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, thread_id, turn_id, step_key, capability, event, severity, detail, created_at
		FROM %s WHERE thread_id = ? ORDER BY seq DESC
	`, auditTable)
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapStoreError(err, "sqlite", "audit_list")
	}
	defer rows.Close()
	var out []*AuditRecord
	for rows.Next() {
		var (
			rec         AuditRecord
			createdAtMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.TurnID, &rec.StepKey,
			&rec.Capability, &rec.Event, &rec.Severity, &rec.Detail, &createdAtMs); err != nil {
			return nil, errors.WrapStoreError(err, "sqlite", "audit_list")
		}
		rec.CreatedAt = time.UnixMilli(createdAtMs).UTC()
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapStoreError(err, "sqlite", "audit_list")
	}
	// Rows arrive newest first so the limit binds; flip to story order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
