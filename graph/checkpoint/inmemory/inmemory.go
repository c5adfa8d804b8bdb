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

// Package inmemory provides in-memory checkpoint storage implementation
// for graph execution state persistence and recovery.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"trpc.group/trpc-go/threadgraph/graph"
)

// Saver provides an in-memory implementation of CheckpointSaver.
// This is suitable for testing and debugging but not for production use.
type Saver struct {
	mu sync.RWMutex
	// threads maps a thread id to its checkpoints ordered by step.
	threads map[string][]*graph.Checkpoint
	// maxCheckpointsPerThread limits the number of checkpoints per thread.
	maxCheckpointsPerThread int
}

// NewSaver creates a new in-memory checkpoint saver.
func NewSaver() *Saver {
	return &Saver{
		threads:                 make(map[string][]*graph.Checkpoint),
		maxCheckpointsPerThread: graph.DefaultMaxCheckpointsPerThread,
	}
}

// WithMaxCheckpointsPerThread sets the maximum number of checkpoints per thread.
func (s *Saver) WithMaxCheckpointsPerThread(max int) *Saver {
	s.maxCheckpointsPerThread = max
	return s
}

// Put stores a copy of cp.
func (s *Saver) Put(ctx context.Context, cp *graph.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.threads[cp.ThreadID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Step >= cp.Step })
	if i < len(list) && list[i].Step == cp.Step {
		return fmt.Errorf("thread %s step %d: %w", cp.ThreadID, cp.Step, graph.ErrStepConflict)
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = cp.Copy()

	if s.maxCheckpointsPerThread > 0 && len(list) > s.maxCheckpointsPerThread {
		list = append([]*graph.Checkpoint(nil), list[len(list)-s.maxCheckpointsPerThread:]...)
	}
	s.threads[cp.ThreadID] = list
	return nil
}

// Latest returns the checkpoint with the highest step of the thread.
func (s *Saver) Latest(ctx context.Context, threadID string) (*graph.Checkpoint, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.threads[threadID]
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1].Copy(), nil
}

// List returns checkpoints newest first.
func (s *Saver) List(ctx context.Context, threadID string, limit int) ([]*graph.Checkpoint, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.threads[threadID]
	n := len(list)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*graph.Checkpoint, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, list[i].Copy())
	}
	return out, nil
}

// Threads returns the sorted ids of threads holding checkpoints.
func (s *Saver) Threads(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteThread removes all checkpoints of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// Close releases resources held by the saver.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string][]*graph.Checkpoint)
	return nil
}
