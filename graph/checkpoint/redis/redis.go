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

// Package redis provides a Redis-backed checkpoint saver. Each thread is
// a sorted set of JSON encoded checkpoints scored by step.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	backend "github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/threadgraph/graph"
)

const defaultPrefix = "threadgraph:"

// putScript adds a checkpoint unless its step is taken, trims the history
// and refreshes the thread index atomically.
//
// KEYS[1] thread zset, KEYS[2] thread index set.
// ARGV[1] step, ARGV[2] checkpoint json, ARGV[3] max kept, ARGV[4] thread
// id, ARGV[5] ttl in milliseconds.
var putScript = backend.NewScript(`
if redis.call('ZCOUNT', KEYS[1], ARGV[1], ARGV[1]) > 0 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local max = tonumber(ARGV[3])
if max > 0 then
	redis.call('ZREMRANGEBYRANK', KEYS[1], 0, -max - 1)
end
redis.call('SADD', KEYS[2], ARGV[4])
local ttl = tonumber(ARGV[5])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// Saver implements graph.CheckpointSaver on Redis.
type Saver struct {
	client                  backend.UniversalClient
	ownsClient              bool
	prefix                  string
	ttl                     time.Duration
	maxCheckpointsPerThread int
}

// Option configures a Saver.
type Option func(*Saver)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Saver) {
		s.prefix = prefix
	}
}

// WithTTL expires idle threads. Every Put refreshes the expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *Saver) {
		s.ttl = ttl
	}
}

// WithMaxCheckpointsPerThread bounds the retained history of a thread.
func WithMaxCheckpointsPerThread(max int) Option {
	return func(s *Saver) {
		s.maxCheckpointsPerThread = max
	}
}

// NewSaver creates a saver on an existing client. Close leaves the client
// open.
func NewSaver(client backend.UniversalClient, opts ...Option) (*Saver, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	s := &Saver{
		client:                  client,
		prefix:                  defaultPrefix,
		maxCheckpointsPerThread: graph.DefaultMaxCheckpointsPerThread,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewSaverFromURL parses a redis:// URL and creates a saver owning the
// client.
func NewSaverFromURL(url string, opts ...Option) (*Saver, error) {
	options, err := backend.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s, err := NewSaver(backend.NewClient(options), opts...)
	if err != nil {
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

func (s *Saver) threadKey(threadID string) string {
	return s.prefix + "thread:" + threadID
}

func (s *Saver) indexKey() string {
	return s.prefix + "threads"
}

// Put stores the checkpoint.
func (s *Saver) Put(ctx context.Context, cp *graph.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	added, err := putScript.Run(ctx, s.client,
		[]string{s.threadKey(cp.ThreadID), s.indexKey()},
		cp.Step, data, s.maxCheckpointsPerThread, cp.ThreadID, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis put checkpoint: %w", err)
	}
	if added == 0 {
		return fmt.Errorf("thread %s step %d: %w", cp.ThreadID, cp.Step, graph.ErrStepConflict)
	}
	return nil
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
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list checkpoints: %w", err)
	}
	out := make([]*graph.Checkpoint, 0, len(members))
	for _, m := range members {
		var cp graph.Checkpoint
		if err := json.Unmarshal([]byte(m), &cp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, nil
}

// Threads returns the sorted ids of threads holding checkpoints. Index
// entries of expired threads are dropped lazily.
func (s *Saver) Threads(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list threads: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.threadKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis check thread %s: %w", id, err)
		}
		if n == 0 {
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		live = append(live, id)
	}
	sort.Strings(live)
	return live, nil
}

// DeleteThread removes all checkpoints of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.threadKey(threadID))
	pipe.SRem(ctx, s.indexKey(), threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete thread: %w", err)
	}
	return nil
}

// Close closes the client when the saver created it.
func (s *Saver) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
