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

// Package runner is the session entry point. It turns a user message into
// a run of the conversation graph on one thread, holding the thread lock
// for the whole run.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/log"
	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/snapshot"
	"trpc.group/trpc-go/threadgraph/thread"
)

// DefaultMaxConcurrentRuns bounds runs across distinct threads.
const DefaultMaxConcurrentRuns = 64

// streamBufferSize is the buffer of the channel returned by RunStream.
const streamBufferSize = 16

// Option configures a Runner.
type Option func(*options)

type options struct {
	locks             *thread.Manager
	maxConcurrentRuns int
	snapshots         snapshot.Writer
	logger            log.Logger
}

// WithThreadManager sets the lock manager. Share one manager between
// runners serving the same threads.
func WithThreadManager(m *thread.Manager) Option {
	return func(o *options) {
		o.locks = m
	}
}

// WithMaxConcurrentRuns bounds the number of runs executing at once.
func WithMaxConcurrentRuns(n int) Option {
	return func(o *options) {
		o.maxConcurrentRuns = n
	}
}

// WithSnapshotWriter exports the state of a thread after every run.
func WithSnapshotWriter(w snapshot.Writer) Option {
	return func(o *options) {
		o.snapshots = w
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Runner runs a compiled graph on behalf of conversation threads.
type Runner struct {
	executor  *graph.Executor
	locks     *thread.Manager
	pool      *ants.Pool
	snapshots snapshot.Writer
	logger    log.Logger
}

// New creates a Runner on executor.
func New(executor *graph.Executor, opts ...Option) (*Runner, error) {
	if executor == nil {
		return nil, errors.New("runner: executor is required")
	}
	o := &options{maxConcurrentRuns: DefaultMaxConcurrentRuns, logger: log.Default}
	for _, opt := range opts {
		opt(o)
	}
	if o.locks == nil {
		o.locks = thread.NewManager(thread.WithLogger(o.logger))
	}
	if o.maxConcurrentRuns <= 0 {
		o.maxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	logger := o.logger
	pool, err := ants.NewPool(o.maxConcurrentRuns, ants.WithPanicHandler(func(p any) {
		logger.Errorf("runner: run panicked: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("runner: create pool: %w", err)
	}
	return &Runner{
		executor:  executor,
		locks:     o.locks,
		pool:      pool,
		snapshots: o.snapshots,
		logger:    o.logger,
	}, nil
}

// Executor returns the underlying executor.
func (r *Runner) Executor() *graph.Executor {
	return r.executor
}

// Close releases the worker pool. Runs in flight are not interrupted.
func (r *Runner) Close() {
	r.pool.Release()
}

// UserInput is the state update carrying a new user message.
func UserInput(text string) graph.State {
	return graph.State{graph.StateKeyMessages: []model.Message{model.NewUserMessage(text)}}
}

// Run appends the user message to the thread and runs the graph to
// completion. On failure the result, when not nil, holds the last merged
// state.
func (r *Runner) Run(ctx context.Context, threadID, userText string) (*graph.Result, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	var result *graph.Result
	err := r.locks.WithLock(ctx, threadID, func(ctx context.Context) error {
		var runErr error
		done := make(chan struct{})
		if err := r.pool.Submit(func() {
			defer close(done)
			result, runErr = r.executor.Invoke(ctx, threadID, UserInput(userText))
		}); err != nil {
			return fmt.Errorf("runner: submit run: %w", err)
		}
		<-done
		if result != nil {
			r.writeSnapshot(ctx, threadID, result.State)
		}
		return runErr
	})
	return result, err
}

// RunStream is Run in streaming mode. The channel carries one update per
// step and is closed after the final update, which has Done set. The
// thread stays locked until then, so the caller must drain the channel or
// cancel ctx.
func (r *Runner) RunStream(ctx context.Context, threadID, userText string) (<-chan *graph.StepUpdate, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	unlock, err := r.locks.Lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := make(chan *graph.StepUpdate, streamBufferSize)
	task := func() {
		defer close(out)
		defer unlock()
		updates, err := r.executor.Stream(ctx, threadID, UserInput(userText))
		if err != nil {
			out <- &graph.StepUpdate{ThreadID: threadID, Done: true, Err: err, Error: err.Error()}
			return
		}
		r.forward(ctx, threadID, updates, out)
	}
	if err := r.pool.Submit(task); err != nil {
		unlock()
		return nil, fmt.Errorf("runner: submit run: %w", err)
	}
	return out, nil
}

func (r *Runner) forward(
	ctx context.Context,
	threadID string,
	updates <-chan *graph.StepUpdate,
	out chan<- *graph.StepUpdate,
) {
	for u := range updates {
		if u.Done && u.State != nil {
			r.writeSnapshot(ctx, threadID, u.State)
		}
		select {
		case out <- u:
		case <-ctx.Done():
			// The executor stops at the next step boundary.
			for range updates {
			}
			return
		}
	}
}

func (r *Runner) writeSnapshot(ctx context.Context, threadID string, state graph.State) {
	if r.snapshots == nil {
		return
	}
	if err := r.snapshots.Write(context.WithoutCancel(ctx), threadID, snapshot.Build(state)); err != nil {
		r.logger.Warnf("thread %s: write snapshot: %v", threadID, err)
	}
}

// Snapshot returns the latest persisted state of the thread.
func (r *Runner) Snapshot(ctx context.Context, threadID string) (graph.State, error) {
	cm := r.executor.Checkpoints()
	if cm == nil {
		return nil, graph.ErrNoCheckpointSaver
	}
	state, cp, err := cm.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, graph.ErrCheckpointNotFound)
	}
	return state, nil
}

// History returns up to limit checkpoints of the thread, newest first.
func (r *Runner) History(ctx context.Context, threadID string, limit int) ([]*graph.Checkpoint, error) {
	cm := r.executor.Checkpoints()
	if cm == nil {
		return nil, graph.ErrNoCheckpointSaver
	}
	return cm.History(ctx, threadID, limit)
}

// Threads lists the threads with checkpoints.
func (r *Runner) Threads(ctx context.Context) ([]string, error) {
	cm := r.executor.Checkpoints()
	if cm == nil {
		return nil, graph.ErrNoCheckpointSaver
	}
	return cm.Saver().Threads(ctx)
}

// DeleteThread removes the checkpoints of the thread once no run holds it.
func (r *Runner) DeleteThread(ctx context.Context, threadID string) error {
	cm := r.executor.Checkpoints()
	if cm == nil {
		return graph.ErrNoCheckpointSaver
	}
	return r.locks.WithLock(ctx, threadID, func(ctx context.Context) error {
		return cm.Delete(ctx, threadID)
	})
}
