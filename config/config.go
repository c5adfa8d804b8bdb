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

// Package config loads the threadgraph configuration.
//
// A configuration is read from a YAML file, overlaid with THREADGRAPH_*
// environment variables and validated. The environment variable of a key
// is its dotted path upper-cased with dots replaced by underscores, so
// model.api_key is set by THREADGRAPH_MODEL_API_KEY.
package config

import (
	"time"

	"trpc.group/trpc-go/threadgraph/tool/mcp"
)

// Model providers.
const (
	ProviderOpenAI   = "openai"
	ProviderGemini   = "gemini"
	ProviderScripted = "scripted"
)

// Checkpoint backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendFile     = "file"
	BackendDynamoDB = "dynamodb"
)

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config is the complete configuration.
type Config struct {
	LogLevel   string                 `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Model      ModelConfig            `mapstructure:"model"`
	Engine     EngineConfig           `mapstructure:"engine"`
	Checkpoint CheckpointConfig       `mapstructure:"checkpoint"`
	Lock       LockConfig             `mapstructure:"lock"`
	Server     ServerConfig           `mapstructure:"server"`
	Telemetry  TelemetryConfig        `mapstructure:"telemetry"`
	Snapshot   SnapshotConfig         `mapstructure:"snapshot"`
	MCP        []mcp.ConnectionConfig `mapstructure:"mcp" validate:"-"`
}

// ModelConfig selects and configures the language model.
type ModelConfig struct {
	Provider    string        `mapstructure:"provider" validate:"oneof=openai gemini scripted"`
	Name        string        `mapstructure:"name" validate:"required"`
	BaseURL     string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"min=0"`
	Retries     int           `mapstructure:"retries" validate:"min=0,max=10"`
	Temperature float64       `mapstructure:"temperature" validate:"min=0,max=2"`
	MaxTokens   int           `mapstructure:"max_tokens" validate:"min=0"`
	// Project and Location select Vertex AI for the gemini provider.
	Project  string        `mapstructure:"project"`
	Location string        `mapstructure:"location"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the circuit breaker around the model.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold float64       `mapstructure:"failure_threshold" validate:"min=0,max=1"`
	MinRequests      uint32        `mapstructure:"min_requests"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"min=0"`
}

// EngineConfig bounds graph execution.
type EngineConfig struct {
	MaxToolHops  int           `mapstructure:"max_tool_hops" validate:"min=0"`
	MaxSteps     int           `mapstructure:"max_steps" validate:"min=1"`
	NodeTimeout  time.Duration `mapstructure:"node_timeout" validate:"min=0"`
	ToolTimeout  time.Duration `mapstructure:"tool_timeout" validate:"min=0"`
	Sentiment    bool          `mapstructure:"sentiment"`
	SystemPrompt string        `mapstructure:"system_prompt"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory sqlite redis file dynamodb"`
	// Path is the database file of sqlite and the directory of file.
	Path     string        `mapstructure:"path"`
	RedisURL string        `mapstructure:"redis_url"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" validate:"min=0"`
	Table    string        `mapstructure:"table"`
	Region   string        `mapstructure:"region"`
	Endpoint string        `mapstructure:"endpoint" validate:"omitempty,url"`
	// MaxPerThread caps retained checkpoints per thread, 0 keeps the
	// store default.
	MaxPerThread int `mapstructure:"max_per_thread" validate:"min=0"`
}

// LockConfig selects the thread lock.
type LockConfig struct {
	Backend  string        `mapstructure:"backend" validate:"oneof=local redis"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl" validate:"min=0"`
	FailFast bool          `mapstructure:"fail_fast"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs" validate:"min=1"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

// TelemetryConfig configures OTLP export and Prometheus exposition.
type TelemetryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Endpoint   string `mapstructure:"endpoint"`
	Protocol   string `mapstructure:"protocol" validate:"oneof=grpc http"`
	Prometheus bool   `mapstructure:"prometheus"`
}

// SnapshotConfig configures the diagnostic state export.
type SnapshotConfig struct {
	Path         string `mapstructure:"path"`
	COSBucketURL string `mapstructure:"cos_bucket_url" validate:"omitempty,url"`
	COSPrefix    string `mapstructure:"cos_prefix"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Model: ModelConfig{
			Provider: ProviderOpenAI,
			Name:     "gpt-4o-mini",
			Timeout:  60 * time.Second,
			Retries:  2,
			Breaker: BreakerConfig{
				FailureThreshold: 0.5,
				MinRequests:      5,
				Timeout:          30 * time.Second,
			},
		},
		Engine: EngineConfig{
			MaxToolHops: 8,
			MaxSteps:    100,
			ToolTimeout: 30 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Backend: BackendMemory,
			Prefix:  "threadgraph:",
		},
		Lock: LockConfig{
			Backend: LockLocal,
			TTL:     30 * time.Second,
		},
		Server: ServerConfig{
			Addr:              ":8080",
			MaxConcurrentRuns: 64,
			ShutdownTimeout:   10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Protocol:   "grpc",
			Prometheus: true,
		},
		Snapshot: SnapshotConfig{
			Path:      "state.json",
			COSPrefix: "threadgraph",
		},
	}
}
