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

package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	itelemetry "trpc.group/trpc-go/threadgraph/internal/telemetry"
	"trpc.group/trpc-go/threadgraph/log"
	"trpc.group/trpc-go/threadgraph/telemetry/metric"
	"trpc.group/trpc-go/threadgraph/telemetry/trace"
)

// Executor defaults.
const (
	DefaultChannelBufferSize = 256
	DefaultMaxSteps          = 100
	DefaultMaxToolHops       = 8
	DefaultNodeTimeout       = 60 * time.Second
)

// Run outcomes reported to metrics.
const (
	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomeCancelled    = "cancelled"
	OutcomeToolLoop     = "tool_loop"
	OutcomeInconsistent = "inconsistent"
)

// Executor runs a compiled graph against conversation threads. It keeps
// no per-thread state between runs: every run starts from the latest
// checkpoint. Callers must not advance one thread from two runs at once;
// see the thread package.
type Executor struct {
	graph                      *Graph
	checkpoints                *CheckpointManager
	channelBufferSize          int
	maxSteps                   int
	maxToolHops                int
	nodeTimeout                time.Duration
	retryPolicy                RetryPolicy
	callbacks                  *Callbacks
	logger                     log.Logger
	continueOnPersistenceError bool
	instruments                *metric.GraphInstruments
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// ExecutorOptions contains configuration options for creating an Executor.
type ExecutorOptions struct {
	// ChannelBufferSize is the buffer size of Stream channels (default: 256).
	ChannelBufferSize int
	// MaxSteps bounds the node steps of a single run (default: 100).
	MaxSteps int
	// MaxToolHops bounds the tool dispatches of a single run (default: 8).
	MaxToolHops int
	// NodeTimeout bounds a single node attempt (default: 60s).
	NodeTimeout time.Duration
	// RetryPolicy applies to nodes without their own policy.
	RetryPolicy *RetryPolicy
	// CheckpointSaver persists checkpoints. Without one runs do not resume.
	CheckpointSaver CheckpointSaver
	// Callbacks observe node and tool execution.
	Callbacks *Callbacks
	// Logger receives step logs (default: log.Default).
	Logger log.Logger
	// ContinueOnPersistenceError keeps running in memory after a failed
	// checkpoint write and flags the result inconsistent.
	ContinueOnPersistenceError bool
	// Meter records executor metrics (default: metric.Meter).
	Meter otelmetric.Meter
}

// WithChannelBufferSize sets the buffer size of Stream channels.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.ChannelBufferSize = size
	}
}

// WithMaxSteps sets the maximum number of node steps of a run.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxSteps = maxSteps
	}
}

// WithMaxToolHops sets the tool-hop cap of a run.
func WithMaxToolHops(hops int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxToolHops = hops
	}
}

// WithNodeTimeout sets the default timeout of a node attempt.
func WithNodeTimeout(d time.Duration) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.NodeTimeout = d
	}
}

// WithRetryPolicy sets the default retry policy of nodes.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.RetryPolicy = &p
	}
}

// WithCheckpointSaver sets the checkpoint saver.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.CheckpointSaver = saver
	}
}

// WithCallbacks sets the executor callbacks.
func WithCallbacks(cb *Callbacks) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.Callbacks = cb
	}
}

// WithLogger sets the executor logger.
func WithLogger(l log.Logger) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.Logger = l
	}
}

// WithContinueOnPersistenceError lets runs continue after a failed
// checkpoint write.
func WithContinueOnPersistenceError(enable bool) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.ContinueOnPersistenceError = enable
	}
}

// WithMeter sets the meter of the executor metrics.
func WithMeter(m otelmetric.Meter) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.Meter = m
	}
}

// defaultRetryPolicy retries transient failures and model errors.
func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     2 * time.Second,
		Jitter:          true,
		RetryOn:         []RetryCondition{DefaultTransientCondition(), ModelInvocationCondition()},
	}
}

// NewExecutor creates a new graph executor.
func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, errors.New("graph is nil")
	}
	options := ExecutorOptions{
		ChannelBufferSize: DefaultChannelBufferSize,
		MaxSteps:          DefaultMaxSteps,
		MaxToolHops:       DefaultMaxToolHops,
		NodeTimeout:       DefaultNodeTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.MaxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be positive, got %d", options.MaxSteps)
	}
	if options.MaxToolHops < 0 {
		return nil, fmt.Errorf("max tool hops must not be negative, got %d", options.MaxToolHops)
	}
	e := &Executor{
		graph:                      graph,
		channelBufferSize:          options.ChannelBufferSize,
		maxSteps:                   options.MaxSteps,
		maxToolHops:                options.MaxToolHops,
		nodeTimeout:                options.NodeTimeout,
		retryPolicy:                defaultRetryPolicy(),
		callbacks:                  options.Callbacks,
		logger:                     options.Logger,
		continueOnPersistenceError: options.ContinueOnPersistenceError,
		instruments:                metric.NewGraphInstruments(options.Meter),
	}
	if options.RetryPolicy != nil {
		e.retryPolicy = *options.RetryPolicy
	}
	if e.logger == nil {
		e.logger = log.Default
	}
	if e.callbacks == nil {
		e.callbacks = NewCallbacks()
	}
	if options.CheckpointSaver != nil {
		e.checkpoints = NewCheckpointManager(options.CheckpointSaver, graph.Schema())
	}
	return e, nil
}

// Graph returns the graph run by the executor.
func (e *Executor) Graph() *Graph {
	return e.graph
}

// Checkpoints returns the checkpoint manager, nil without a saver.
func (e *Executor) Checkpoints() *CheckpointManager {
	return e.checkpoints
}

// Invoke runs the thread to completion and returns the final state.
// input is merged into the latest checkpointed state of the thread with
// the schema reducers before the entry node runs. On failure the
// returned result, when not nil, holds the last merged state.
func (e *Executor) Invoke(ctx context.Context, threadID string, input State) (*Result, error) {
	return e.run(ctx, threadID, input, nil)
}

// Stream runs the thread and surfaces an update after every step. The
// channel is closed after the final update, which has Done set.
func (e *Executor) Stream(ctx context.Context, threadID string, input State) (<-chan *StepUpdate, error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	updates := make(chan *StepUpdate, e.channelBufferSize)
	go func() {
		defer close(updates)
		emit := func(u *StepUpdate) error {
			select {
			case updates <- u:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		result, err := e.run(ctx, threadID, input, emit)
		final := &StepUpdate{ThreadID: threadID, Done: true, Timestamp: time.Now().UTC(), Err: err}
		if result != nil {
			final.Step = result.Step
			final.State = result.State
		}
		if err != nil {
			final.Error = err.Error()
		}
		select {
		case updates <- final:
		case <-ctx.Done():
			// Best effort once the caller has gone away.
			select {
			case updates <- final:
			default:
			}
		}
	}()
	return updates, nil
}

// runState is the bookkeeping of a single run.
type runState struct {
	threadID string
	state    State
	step     int
	steps    int
	hops     int
	result   *Result
	// pending is the node an interrupted run was about to execute, with
	// the hop count it had reached.
	pending     string
	pendingHops int
	emit     func(*StepUpdate) error
	logger   log.Logger
}

func (e *Executor) run(
	ctx context.Context,
	threadID string,
	input State,
	emit func(*StepUpdate) error,
) (result *Result, err error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameExecuteGraph)
	defer span.End()
	span.SetAttributes(attribute.String(itelemetry.KeyThreadID, threadID))

	rs := &runState{
		threadID: threadID,
		emit:     emit,
		logger:   log.With(e.logger, log.KeyThreadID, threadID),
	}
	defer func() {
		itelemetry.TraceError(span, err)
		e.finish(ctx, rs, result, err)
	}()

	if err := e.load(ctx, rs); err != nil {
		return nil, err
	}
	rs.result = &Result{ThreadID: threadID, State: rs.state, Step: rs.step}

	current := e.graph.EntryPoint()
	switch {
	case len(input) > 0:
		// New input supersedes an interrupted run. Tool calls still
		// waiting for results are answered first so every assistant
		// tool call keeps its results.
		if rs.pending != "" && e.graph.IsToolNode(rs.pending) {
			rs.logger.Infof("dispatching pending tool calls at %s before new input", rs.pending)
			if _, err := e.step(ctx, rs, rs.pending); err != nil {
				return rs.result, err
			}
		}
		if err := e.mergeInput(ctx, rs, input); err != nil {
			return rs.result, err
		}
	case rs.pending != "":
		rs.logger.Infof("continuing interrupted run at %s after step %d", rs.pending, rs.step)
		current = rs.pending
		rs.hops = rs.pendingHops
	}

	for current != End {
		if err := ctx.Err(); err != nil {
			rs.logger.Infof("run cancelled before step %d: %v", rs.step+1, err)
			return rs.result, fmt.Errorf("thread %s: run cancelled before step %d: %w", threadID, rs.step+1, err)
		}
		if rs.steps >= e.maxSteps {
			return rs.result, &StepError{ThreadID: threadID, Step: rs.step + 1, Node: current, Err: ErrMaxStepsExceeded}
		}
		if e.graph.IsToolNode(current) {
			rs.hops++
			if rs.hops > e.maxToolHops {
				return rs.result, &ToolLoopExceededError{
					ThreadID: threadID,
					Step:     rs.step + 1,
					Hops:     rs.hops,
					Max:      e.maxToolHops,
				}
			}
		}
		next, err := e.step(ctx, rs, current)
		if err != nil {
			return rs.result, err
		}
		current = next
	}
	return rs.result, nil
}

// load restores the latest checkpoint of the thread, or the schema
// defaults for a new thread.
func (e *Executor) load(ctx context.Context, rs *runState) error {
	rs.state = e.graph.Schema().Defaults()
	if e.checkpoints == nil {
		return nil
	}
	state, cp, err := e.checkpoints.Load(ctx, rs.threadID)
	if err != nil {
		rs.logger.Errorf("failed to load checkpoint: %v", err)
		return &PersistenceError{ThreadID: rs.threadID, Op: "load", Err: err}
	}
	if cp == nil {
		return nil
	}
	for k, v := range state {
		rs.state[k] = v
	}
	rs.step = cp.Step
	if cp.Next != "" && cp.Next != End {
		if _, ok := e.graph.Node(cp.Next); ok {
			rs.pending = cp.Next
			rs.pendingHops = cp.ToolHops
		} else {
			rs.logger.Warnf("checkpoint %s routes to unknown node %q, restarting at the entry point", cp.ID, cp.Next)
		}
	}
	rs.logger.Debugf("resumed from checkpoint %s at step %d", cp.ID, cp.Step)
	return nil
}

// mergeInput merges the caller input with the reducers and persists it
// as its own checkpoint.
func (e *Executor) mergeInput(ctx context.Context, rs *runState, input State) error {
	step := rs.step + 1
	merged, err := e.graph.Schema().ApplyUpdate(rs.state, input)
	if err != nil {
		return &StepError{ThreadID: rs.threadID, Step: step, Node: Start, Err: err}
	}
	return e.commit(ctx, rs, merged, input, CheckpointMeta{
		Source: CheckpointSourceInput,
		Next:   e.graph.EntryPoint(),
	})
}

// step executes one node: invoke, merge, route, checkpoint.
func (e *Executor) step(ctx context.Context, rs *runState, nodeID string) (string, error) {
	node, ok := e.graph.Node(nodeID)
	if !ok {
		return "", &StepError{ThreadID: rs.threadID, Step: rs.step + 1, Node: nodeID,
			Err: fmt.Errorf("node %q not found", nodeID)}
	}
	step := rs.step + 1
	logger := log.With(rs.logger, log.KeyStep, step, log.KeyNode, nodeID)
	logger.Debugf("step started")

	update, err := e.executeNode(ctx, rs.threadID, step, node, rs.state, logger)
	if err != nil {
		logger.Errorf("step failed: %v", err)
		return "", &StepError{ThreadID: rs.threadID, Step: step, Node: nodeID, Err: err}
	}
	merged, err := e.graph.Schema().ApplyUpdate(rs.state, update)
	if err != nil {
		logger.Errorf("merge failed: %v", err)
		return "", &StepError{ThreadID: rs.threadID, Step: step, Node: nodeID, Err: err}
	}
	next, err := e.graph.Next(nodeID, merged)
	if err != nil {
		logger.Errorf("routing failed: %v", err)
		return "", &StepError{ThreadID: rs.threadID, Step: step, Node: nodeID, Err: err}
	}
	if err := e.commit(ctx, rs, merged, update, CheckpointMeta{
		Source:   CheckpointSourceLoop,
		Node:     nodeID,
		Next:     next,
		ToolHops: rs.hops,
	}); err != nil {
		return "", err
	}
	logger.Debugf("step finished, next %s", next)
	return next, nil
}

// commit makes a merged state the current one: it assigns the next step
// number, writes the checkpoint and surfaces the update.
func (e *Executor) commit(ctx context.Context, rs *runState, merged, update State, meta CheckpointMeta) error {
	step := rs.step + 1
	var (
		cpID    string
		persErr error
	)
	if e.checkpoints != nil {
		// The write completes even if the caller cancels meanwhile, so a
		// finished step is never left half persisted.
		cp, err := e.checkpoints.Save(context.WithoutCancel(ctx), rs.threadID, merged, step, meta)
		if err != nil {
			persErr = &PersistenceError{ThreadID: rs.threadID, Step: step, Op: "save", Err: err}
			rs.logger.Warnf("step %d: %v", step, persErr)
			if !e.continueOnPersistenceError {
				return persErr
			}
			rs.result.Inconsistent = true
			rs.result.PersistenceErrors = append(rs.result.PersistenceErrors, persErr)
		} else {
			cpID = cp.ID
		}
	}

	rs.state = merged
	rs.step = step
	rs.steps++
	rs.result.State = merged
	rs.result.Step = step
	rs.result.Steps = rs.steps
	rs.result.ToolHops = rs.hops
	e.instruments.Steps.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String(itelemetry.KeyNodeID, nodeLabel(meta)),
	))

	if rs.emit == nil {
		return nil
	}
	u := &StepUpdate{
		ThreadID:     rs.threadID,
		Step:         step,
		Node:         meta.Node,
		Source:       meta.Source,
		Update:       update,
		State:        merged,
		Next:         meta.Next,
		CheckpointID: cpID,
		Timestamp:    time.Now().UTC(),
		Err:          persErr,
	}
	if persErr != nil {
		u.Error = persErr.Error()
	}
	return rs.emit(u)
}

func nodeLabel(meta CheckpointMeta) string {
	if meta.Node == "" {
		return Start
	}
	return meta.Node
}

// executeNode invokes the node function under the retry policy. Every
// attempt runs detached from the caller's cancellation and bounded by the
// node timeout, so cancellation is only observed between steps.
func (e *Executor) executeNode(
	ctx context.Context,
	threadID string,
	step int,
	node Node,
	state State,
	logger log.Logger,
) (State, error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.NewExecuteNodeSpanName(node.ID))
	defer span.End()
	span.SetAttributes(
		attribute.String(itelemetry.KeyThreadID, threadID),
		attribute.Int(itelemetry.KeyStep, step),
		attribute.String(itelemetry.KeyNodeID, node.ID),
		attribute.String(itelemetry.KeyNodeType, string(node.Type)),
	)

	cbCtx := &NodeCallbackContext{
		ThreadID:  threadID,
		NodeID:    node.ID,
		NodeName:  node.Name,
		NodeType:  node.Type,
		Step:      step,
		StartTime: time.Now(),
	}
	replaced, err := e.callbacks.RunBeforeNode(ctx, cbCtx, state)
	if err != nil {
		itelemetry.TraceError(span, err)
		return nil, fmt.Errorf("before node callback: %w", err)
	}
	if replaced != nil {
		return replaced, nil
	}

	policy := e.retryPolicy
	if p, ok := node.RetryPolicy(); ok {
		policy = p
	} else if node.Type == NodeTypeTool {
		policy = NoRetry()
	}
	timeout := e.nodeTimeout
	if node.Timeout() > 0 {
		timeout = node.Timeout()
	}
	if policy.PerAttemptTimeout > 0 {
		timeout = policy.PerAttemptTimeout
	}
	info := &ExecutionInfo{ThreadID: threadID, Step: step, NodeID: node.ID, Callbacks: e.callbacks}

	var update State
	nodeErr := policy.Do(ctx, func(ctx context.Context) error {
		callCtx := withExecutionInfo(context.WithoutCancel(ctx), info)
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, timeout)
			defer cancel()
		}
		u, err := callNode(callCtx, node, state.Clone())
		if err != nil {
			return err
		}
		update = u
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		logger.Warnf("attempt %d failed, retrying in %s: %v", attempt, delay, err)
	})

	elapsed := time.Since(cbCtx.StartTime)
	e.instruments.NodeDuration.Record(ctx, elapsed.Seconds(), otelmetric.WithAttributes(
		attribute.String(itelemetry.KeyNodeID, node.ID),
		attribute.String(itelemetry.KeyNodeType, string(node.Type)),
	))
	if node.Type == NodeTypeTool && nodeErr == nil {
		if last, ok := LastMessage(state); ok && last.HasToolCalls() {
			e.instruments.ToolCalls.Add(ctx, int64(len(last.ToolCalls)))
		}
	}

	update, err = e.callbacks.RunAfterNode(ctx, cbCtx, update, nodeErr)
	if err != nil {
		itelemetry.TraceError(span, err)
		return nil, fmt.Errorf("after node callback: %w", err)
	}
	if nodeErr != nil {
		itelemetry.TraceError(span, nodeErr)
		e.callbacks.RunOnNodeError(ctx, cbCtx, nodeErr)
		return nil, nodeErr
	}
	return update, nil
}

// callNode invokes the node function, turning a panic into an error.
func callNode(ctx context.Context, node Node, state State) (update State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %s panicked: %v", node.ID, r)
		}
	}()
	return node.Function(ctx, state)
}

// finish records the outcome of a run.
func (e *Executor) finish(ctx context.Context, rs *runState, result *Result, err error) {
	outcome := OutcomeCompleted
	var loopErr *ToolLoopExceededError
	switch {
	case err == nil && result != nil && result.Inconsistent:
		outcome = OutcomeInconsistent
	case err == nil:
	case errors.As(err, &loopErr):
		outcome = OutcomeToolLoop
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeFailed
	}
	e.instruments.Runs.Add(context.WithoutCancel(ctx), 1, otelmetric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	switch outcome {
	case OutcomeCompleted, OutcomeInconsistent:
		rs.logger.Debugf("run %s after %d steps", outcome, rs.steps)
	case OutcomeCancelled:
		rs.logger.Infof("run cancelled after %d steps", rs.steps)
	default:
		rs.logger.Errorf("run aborted after %d steps: %v", rs.steps, err)
	}
	e.callbacks.RunOnRunEnd(context.WithoutCancel(ctx), result, err)
}
