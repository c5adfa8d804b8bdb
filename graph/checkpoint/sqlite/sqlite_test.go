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

package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3" // Import SQLite driver.
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/graph/checkpoint/checkpointtest"
)

var _ graph.CheckpointSaver = (*Saver)(nil)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaverConformance(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T, max int) graph.CheckpointSaver {
		s, err := NewSaver(setupTestDB(t))
		require.NoError(t, err)
		if max > 0 {
			s.WithMaxCheckpointsPerThread(max)
		}
		return s
	})
}

func TestNewSaverNilDB(t *testing.T) {
	_, err := NewSaver(nil)
	assert.Error(t, err)
}

func TestOpenSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "threads.db")

	s, err := Open(path)
	require.NoError(t, err)
	want := checkpointtest.Checkpoint(t, "t1", 7)
	require.NoError(t, s.Put(ctx, want))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Latest(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, 7, got.Step)
	assert.True(t, want.Timestamp.Equal(got.Timestamp))
}
