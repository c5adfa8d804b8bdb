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

package assistant

import (
	"context"
	"errors"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/threadgraph/config"
	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/graph/checkpoint/dynamodb"
	"trpc.group/trpc-go/threadgraph/graph/checkpoint/file"
	"trpc.group/trpc-go/threadgraph/graph/checkpoint/inmemory"
	"trpc.group/trpc-go/threadgraph/graph/checkpoint/redis"
	"trpc.group/trpc-go/threadgraph/graph/checkpoint/sqlite"
	"trpc.group/trpc-go/threadgraph/log"
	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/model/breaker"
	"trpc.group/trpc-go/threadgraph/model/gemini"
	"trpc.group/trpc-go/threadgraph/model/openai"
	"trpc.group/trpc-go/threadgraph/runner"
	"trpc.group/trpc-go/threadgraph/snapshot"
	"trpc.group/trpc-go/threadgraph/snapshot/cos"
	"trpc.group/trpc-go/threadgraph/telemetry/metric"
	"trpc.group/trpc-go/threadgraph/telemetry/prom"
	"trpc.group/trpc-go/threadgraph/telemetry/trace"
	"trpc.group/trpc-go/threadgraph/thread"
	threadredis "trpc.group/trpc-go/threadgraph/thread/redis"
	"trpc.group/trpc-go/threadgraph/tool"
	"trpc.group/trpc-go/threadgraph/tool/mcp"
	"trpc.group/trpc-go/threadgraph/tool/weather"
)

// App holds the assembled components.
type App struct {
	Config   *config.Config
	Model    model.Model
	Tools    *tool.Set
	Saver    graph.CheckpointSaver
	Graph    *graph.Graph
	Executor *graph.Executor
	Runner   *runner.Runner
	// Metrics is nil when Prometheus exposition is disabled.
	Metrics *prom.Collector
	Logger  log.Logger

	closers []func() error
}

type buildOptions struct {
	offline bool
	model   model.Model
	saver   graph.CheckpointSaver
	logger  log.Logger
}

// Option configures Build.
type Option func(*buildOptions)

// WithOffline replaces the configured model with the offline model.
func WithOffline(enable bool) Option {
	return func(o *buildOptions) {
		o.offline = enable
	}
}

// WithModel overrides the configured model.
func WithModel(m model.Model) Option {
	return func(o *buildOptions) {
		o.model = m
	}
}

// WithSaver overrides the configured checkpoint store.
func WithSaver(s graph.CheckpointSaver) Option {
	return func(o *buildOptions) {
		o.saver = s
	}
}

// WithLogger sets the logger of every component.
func WithLogger(l log.Logger) Option {
	return func(o *buildOptions) {
		o.logger = l
	}
}

// Build assembles the application described by cfg. The returned App
// must be closed.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := &buildOptions{logger: log.Default}
	for _, opt := range opts {
		opt(o)
	}
	app := &App{Config: cfg, Logger: o.logger}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if cfg.Telemetry.Enabled {
		if err := app.startTelemetry(ctx); err != nil {
			return nil, err
		}
	}

	switch {
	case o.model != nil:
		app.Model = o.model
	case o.offline:
		app.Model = NewOfflineModel()
	default:
		if app.Model, err = NewModel(ctx, cfg.Model); err != nil {
			return nil, err
		}
	}

	if app.Tools, err = app.loadTools(ctx); err != nil {
		return nil, err
	}

	if o.saver != nil {
		app.Saver = o.saver
	} else {
		if app.Saver, err = NewSaver(ctx, cfg.Checkpoint); err != nil {
			return nil, err
		}
		app.closers = append(app.closers, app.Saver.Close)
	}

	app.Graph, err = NewGraph(GraphConfig{
		LLM:          app.Model,
		Tools:        app.Tools,
		SystemPrompt: cfg.Engine.SystemPrompt,
		Sentiment:    cfg.Engine.Sentiment,
		Generation:   generationConfig(cfg.Model),
		ToolTimeout:  cfg.Engine.ToolTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}

	execOpts := []graph.ExecutorOption{
		graph.WithCheckpointSaver(app.Saver),
		graph.WithMaxSteps(cfg.Engine.MaxSteps),
		graph.WithMaxToolHops(cfg.Engine.MaxToolHops),
		graph.WithNodeTimeout(cfg.Engine.NodeTimeout),
		graph.WithRetryPolicy(retryPolicy(cfg.Model.Retries)),
		graph.WithLogger(o.logger),
	}
	if cfg.Telemetry.Prometheus {
		app.Metrics = prom.New(prom.WithProcessMetrics(true))
		execOpts = append(execOpts, graph.WithCallbacks(app.Metrics.Callbacks()))
	}
	if app.Executor, err = graph.NewExecutor(app.Graph, execOpts...); err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	locks, err := app.threadManager(cfg.Lock)
	if err != nil {
		return nil, err
	}
	runOpts := []runner.Option{
		runner.WithThreadManager(locks),
		runner.WithMaxConcurrentRuns(cfg.Server.MaxConcurrentRuns),
		runner.WithLogger(o.logger),
	}
	if cfg.Snapshot.Path != "" {
		runOpts = append(runOpts, runner.WithSnapshotWriter(snapshot.NewFileWriter(cfg.Snapshot.Path)))
	}
	if app.Runner, err = runner.New(app.Executor, runOpts...); err != nil {
		return nil, err
	}
	return app, nil
}

// Close releases the components in reverse creation order.
func (a *App) Close() error {
	if a.Runner != nil {
		a.Runner.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// COSWriter returns a snapshot writer uploading to the configured bucket.
func (a *App) COSWriter() (*cos.Writer, error) {
	if a.Config.Snapshot.COSBucketURL == "" {
		return nil, errors.New("snapshot.cos_bucket_url is not configured")
	}
	return cos.NewWriter(a.Config.Snapshot.COSBucketURL, cos.WithPrefix(a.Config.Snapshot.COSPrefix))
}

func (a *App) startTelemetry(ctx context.Context) error {
	t := a.Config.Telemetry
	cleanTrace, err := trace.Start(ctx, trace.WithEndpoint(t.Endpoint), trace.WithProtocol(t.Protocol))
	if err != nil {
		return fmt.Errorf("start tracing: %w", err)
	}
	a.closers = append(a.closers, cleanTrace)
	cleanMetric, err := metric.Start(ctx, metric.WithEndpoint(t.Endpoint), metric.WithProtocol(t.Protocol))
	if err != nil {
		return fmt.Errorf("start metrics: %w", err)
	}
	a.closers = append(a.closers, cleanMetric)
	return nil
}

func (a *App) loadTools(ctx context.Context) (*tool.Set, error) {
	tools := []tool.CallableTool{weather.New()}
	for _, c := range a.Config.MCP {
		ts, err := mcp.NewToolSet(c)
		if err != nil {
			return nil, fmt.Errorf("mcp server %s: %w", c.Name, err)
		}
		a.closers = append(a.closers, ts.Close)
		listed, err := ts.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("mcp server %s: list tools: %w", c.Name, err)
		}
		a.Logger.Infof("mcp server %s offers %d tools", c.Name, len(listed))
		tools = append(tools, listed...)
	}
	set, err := tool.NewSet(tools...)
	if err != nil {
		return nil, fmt.Errorf("build tool set: %w", err)
	}
	return set, nil
}

func (a *App) threadManager(cfg config.LockConfig) (*thread.Manager, error) {
	opts := []thread.Option{
		thread.WithFailFast(cfg.FailFast),
		thread.WithLogger(a.Logger),
	}
	if cfg.TTL > 0 {
		opts = append(opts, thread.WithLockTTL(cfg.TTL))
	}
	if cfg.Backend == config.LockRedis {
		options, err := backend.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse lock redis url: %w", err)
		}
		client := backend.NewClient(options)
		a.closers = append(a.closers, client.Close)
		opts = append(opts, thread.WithLocker(threadredis.NewLocker(client)))
	}
	return thread.NewManager(opts...), nil
}

// NewModel creates the configured model, wrapped in a circuit breaker
// when enabled.
func NewModel(ctx context.Context, cfg config.ModelConfig) (model.Model, error) {
	var m model.Model
	switch cfg.Provider {
	case config.ProviderOpenAI:
		opts := []openai.Option{openai.WithTimeout(cfg.Timeout)}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		m = openai.New(cfg.Name, opts...)
	case config.ProviderGemini:
		opts := []gemini.Option{gemini.WithTimeout(cfg.Timeout)}
		if cfg.APIKey != "" {
			opts = append(opts, gemini.WithAPIKey(cfg.APIKey))
		}
		if cfg.Project != "" {
			opts = append(opts, gemini.WithVertexAI(cfg.Project, cfg.Location))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		gm, err := gemini.New(ctx, cfg.Name, opts...)
		if err != nil {
			return nil, fmt.Errorf("create gemini model: %w", err)
		}
		m = gm
	case config.ProviderScripted:
		m = NewOfflineModel()
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
	if !cfg.Breaker.Enabled {
		return m, nil
	}
	bc := breaker.DefaultConfig()
	if cfg.Breaker.FailureThreshold > 0 {
		bc.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	if cfg.Breaker.MinRequests > 0 {
		bc.MinRequests = cfg.Breaker.MinRequests
	}
	if cfg.Breaker.Timeout > 0 {
		bc.Timeout = cfg.Breaker.Timeout
	}
	return breaker.New(m, bc), nil
}

// NewSaver opens the configured checkpoint store.
func NewSaver(ctx context.Context, cfg config.CheckpointConfig) (graph.CheckpointSaver, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		s := inmemory.NewSaver()
		if cfg.MaxPerThread > 0 {
			s.WithMaxCheckpointsPerThread(cfg.MaxPerThread)
		}
		return s, nil
	case config.BackendSQLite:
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite checkpoints: %w", err)
		}
		if cfg.MaxPerThread > 0 {
			s.WithMaxCheckpointsPerThread(cfg.MaxPerThread)
		}
		return s, nil
	case config.BackendFile:
		s, err := file.NewSaver(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open file checkpoints: %w", err)
		}
		if cfg.MaxPerThread > 0 {
			s.WithMaxCheckpointsPerThread(cfg.MaxPerThread)
		}
		return s, nil
	case config.BackendRedis:
		opts := []redis.Option{redis.WithPrefix(cfg.Prefix)}
		if cfg.TTL > 0 {
			opts = append(opts, redis.WithTTL(cfg.TTL))
		}
		if cfg.MaxPerThread > 0 {
			opts = append(opts, redis.WithMaxCheckpointsPerThread(cfg.MaxPerThread))
		}
		s, err := redis.NewSaverFromURL(cfg.RedisURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("open redis checkpoints: %w", err)
		}
		return s, nil
	case config.BackendDynamoDB:
		var opts []dynamodb.Option
		if cfg.TTL > 0 {
			opts = append(opts, dynamodb.WithTTL(cfg.TTL))
		}
		if cfg.MaxPerThread > 0 {
			opts = append(opts, dynamodb.WithMaxCheckpointsPerThread(cfg.MaxPerThread))
		}
		s, err := dynamodb.NewSaverFromEnv(ctx, cfg.Table, cfg.Region, cfg.Endpoint, opts...)
		if err != nil {
			return nil, fmt.Errorf("open dynamodb checkpoints: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

func generationConfig(cfg config.ModelConfig) model.GenerationConfig {
	var gc model.GenerationConfig
	if cfg.Temperature > 0 {
		t := cfg.Temperature
		gc.Temperature = &t
	}
	if cfg.MaxTokens > 0 {
		n := cfg.MaxTokens
		gc.MaxTokens = &n
	}
	return gc
}

func retryPolicy(retries int) graph.RetryPolicy {
	if retries <= 0 {
		return graph.NoRetry()
	}
	return graph.WithSimpleRetry(retries + 1)
}
