//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package sqlite provides SQLite-based checkpoint storage implementation
// for graph execution state persistence and recovery.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"trpc.group/trpc-go/threadgraph/graph"
)

const (
	sqliteCreateCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"thread_id TEXT NOT NULL, " +
		"step INTEGER NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"version INTEGER NOT NULL, " +
		"ts INTEGER NOT NULL, " +
		"source TEXT NOT NULL, " +
		"node TEXT NOT NULL, " +
		"next TEXT NOT NULL, " +
		"tool_hops INTEGER NOT NULL, " +
		"state_json BLOB NOT NULL, " +
		"PRIMARY KEY (thread_id, step)" +
		")"

	sqliteInsertCheckpoint = "INSERT INTO checkpoints (" +
		"thread_id, step, checkpoint_id, version, ts, source, node, next, tool_hops, state_json) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	sqliteColumns = "thread_id, step, checkpoint_id, version, ts, source, node, next, tool_hops, state_json"

	sqliteSelectLatest = "SELECT " + sqliteColumns + " FROM checkpoints " +
		"WHERE thread_id = ? ORDER BY step DESC LIMIT 1"

	sqliteSelectList = "SELECT " + sqliteColumns + " FROM checkpoints " +
		"WHERE thread_id = ? ORDER BY step DESC LIMIT ?"

	sqliteTrim = "DELETE FROM checkpoints WHERE thread_id = ? AND step NOT IN (" +
		"SELECT step FROM checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT ?)"

	sqliteSelectThreads = "SELECT DISTINCT thread_id FROM checkpoints ORDER BY thread_id"

	sqliteDeleteThread = "DELETE FROM checkpoints WHERE thread_id = ?"
)

// Saver is a SQLite-backed implementation of CheckpointSaver.
// It expects an initialized *sql.DB and will create the required schema.
// State is stored as a JSON blob next to the checkpoint metadata columns.
type Saver struct {
	db                      *sql.DB
	ownsDB                  bool
	maxCheckpointsPerThread int
}

// NewSaver creates a new saver using the provided DB.
// The DB must use a SQLite driver. The constructor creates tables if needed.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(sqliteCreateCheckpoints); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	return &Saver{db: db, maxCheckpointsPerThread: graph.DefaultMaxCheckpointsPerThread}, nil
}

// Open opens the database file at path with the sqlite3 driver and
// returns a saver owning the connection.
func Open(path string) (*Saver, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	s, err := NewSaver(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// WithMaxCheckpointsPerThread sets the maximum number of checkpoints per thread.
func (s *Saver) WithMaxCheckpointsPerThread(max int) *Saver {
	s.maxCheckpointsPerThread = max
	return s
}

// Put inserts the checkpoint and trims the thread history in one
// transaction.
func (s *Saver) Put(ctx context.Context, cp *graph.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, sqliteInsertCheckpoint,
		cp.ThreadID, cp.Step, cp.ID, cp.Version, cp.Timestamp.UnixNano(),
		cp.Source, cp.Node, cp.Next, cp.ToolHops, []byte(cp.State))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("thread %s step %d: %w", cp.ThreadID, cp.Step, graph.ErrStepConflict)
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if s.maxCheckpointsPerThread > 0 {
		if _, err := tx.ExecContext(ctx, sqliteTrim, cp.ThreadID, cp.ThreadID, s.maxCheckpointsPerThread); err != nil {
			return fmt.Errorf("trim checkpoints: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Latest returns the checkpoint with the highest step of the thread.
func (s *Saver) Latest(ctx context.Context, threadID string) (*graph.Checkpoint, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, sqliteSelectLatest, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest checkpoint: %w", err)
	}
	return cp, nil
}

// List returns checkpoints newest first.
func (s *Saver) List(ctx context.Context, threadID string, limit int) ([]*graph.Checkpoint, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	if limit <= 0 {
		// SQLite treats a negative LIMIT as unbounded.
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, sqliteSelectList, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*graph.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Threads returns the sorted ids of threads holding checkpoints.
func (s *Saver) Threads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectThreads)
	if err != nil {
		return nil, fmt.Errorf("select threads: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteThread removes all checkpoints of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, sqliteDeleteThread, threadID); err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

// Close closes the database when the saver opened it.
func (s *Saver) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*graph.Checkpoint, error) {
	var (
		cp    graph.Checkpoint
		ts    int64
		state []byte
	)
	if err := row.Scan(&cp.ThreadID, &cp.Step, &cp.ID, &cp.Version, &ts,
		&cp.Source, &cp.Node, &cp.Next, &cp.ToolHops, &state); err != nil {
		return nil, err
	}
	cp.Timestamp = time.Unix(0, ts).UTC()
	cp.State = state
	return &cp, nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
