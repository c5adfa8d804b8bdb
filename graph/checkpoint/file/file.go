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

// Package file provides a checkpoint saver on the local filesystem. Each
// thread is a directory holding one JSON file per step.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"trpc.group/trpc-go/threadgraph/graph"
)

const checkpointExt = ".json"

// Saver implements graph.CheckpointSaver on a directory tree.
type Saver struct {
	mu                      sync.Mutex
	basePath                string
	maxCheckpointsPerThread int
}

// NewSaver creates a saver rooted at basePath, creating it if needed.
func NewSaver(basePath string) (*Saver, error) {
	if basePath == "" {
		basePath = filepath.Join(".threadgraph", "checkpoints")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &Saver{basePath: basePath, maxCheckpointsPerThread: graph.DefaultMaxCheckpointsPerThread}, nil
}

// WithMaxCheckpointsPerThread sets the maximum number of checkpoints per thread.
func (s *Saver) WithMaxCheckpointsPerThread(max int) *Saver {
	s.maxCheckpointsPerThread = max
	return s
}

// threadDir maps a thread id to its directory. Ids are path escaped and
// the dot names are escaped further, so every thread lives in its own
// direct child of basePath.
func (s *Saver) threadDir(threadID string) (string, error) {
	if threadID == "" {
		return "", graph.ErrThreadIDRequired
	}
	name := url.PathEscape(threadID)
	if name == "." || name == ".." {
		name = strings.ReplaceAll(name, ".", "%2E")
	}
	dir := filepath.Join(s.basePath, name)
	if filepath.Dir(dir) != filepath.Clean(s.basePath) {
		return "", fmt.Errorf("thread id %q escapes the checkpoint directory", threadID)
	}
	return dir, nil
}

func checkpointName(step int) string {
	return fmt.Sprintf("%012d%s", step, checkpointExt)
}

// Put writes the checkpoint to a temp file, fsyncs it and links it into
// place. Linking fails when the step file exists, so a step is never
// overwritten.
func (s *Saver) Put(ctx context.Context, cp *graph.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.threadDir(cp.ThreadID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create thread directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "tmp-*"+checkpointExt)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	dest := filepath.Join(dir, checkpointName(cp.Step))
	if err := os.Link(tmpPath, dest); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("thread %s step %d: %w", cp.ThreadID, cp.Step, graph.ErrStepConflict)
		}
		return fmt.Errorf("link checkpoint file: %w", err)
	}
	return s.trim(dir)
}

func (s *Saver) trim(dir string) error {
	if s.maxCheckpointsPerThread <= 0 {
		return nil
	}
	steps, err := listSteps(dir)
	if err != nil {
		return err
	}
	for len(steps) > s.maxCheckpointsPerThread {
		if err := os.Remove(filepath.Join(dir, checkpointName(steps[0]))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("trim checkpoint: %w", err)
		}
		steps = steps[1:]
	}
	return nil
}

// listSteps returns the steps stored in dir in ascending order.
func listSteps(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read thread directory: %w", err)
	}
	var steps []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, checkpointExt) || strings.HasPrefix(name, "tmp-") {
			continue
		}
		step, err := strconv.Atoi(strings.TrimSuffix(name, checkpointExt))
		if err != nil {
			continue
		}
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps, nil
}

func readCheckpoint(path string) (*graph.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}
	var cp graph.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", filepath.Base(path), err)
	}
	return &cp, nil
}

// Latest returns the checkpoint with the highest step of the thread.
func (s *Saver) Latest(ctx context.Context, threadID string) (*graph.Checkpoint, error) {
	list, err := s.List(ctx, threadID, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// List returns checkpoints newest first.
func (s *Saver) List(ctx context.Context, threadID string, limit int) ([]*graph.Checkpoint, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.threadDir(threadID)
	if err != nil {
		return nil, err
	}
	steps, err := listSteps(dir)
	if err != nil {
		return nil, err
	}
	var out []*graph.Checkpoint
	for i := len(steps) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		cp, err := readCheckpoint(filepath.Join(dir, checkpointName(steps[i])))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Threads returns the sorted ids of threads holding checkpoints.
func (s *Saver) Threads(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list threads: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		steps, err := listSteps(filepath.Join(s.basePath, e.Name()))
		if err != nil || len(steps) == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteThread removes the thread directory.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.threadDir(threadID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete thread directory: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *Saver) Close() error {
	return nil
}
