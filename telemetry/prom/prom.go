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

// Package prom exposes executor activity as Prometheus metrics. The
// collectors are fed by graph callbacks.
package prom

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/model"
)

// Run outcomes.
const (
	OutcomeOK               = "ok"
	OutcomeInconsistent     = "inconsistent"
	OutcomeToolLoopExceeded = "tool_loop_exceeded"
	OutcomeModelError       = "model_error"
	OutcomePersistenceError = "persistence_error"
	OutcomeCanceled         = "canceled"
	OutcomeError            = "error"
)

const defaultNamespace = "threadgraph"

// Collector holds the executor metrics.
type Collector struct {
	registry     *prometheus.Registry
	nodeVisits   *prometheus.CounterVec
	nodeErrors   *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	runs         *prometheus.CounterVec
}

type options struct {
	namespace      string
	processMetrics bool
}

// Option configures a Collector.
type Option func(*options)

// WithNamespace sets the metric namespace.
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithProcessMetrics adds the Go runtime and process collectors.
func WithProcessMetrics(enable bool) Option {
	return func(o *options) {
		o.processMetrics = enable
	}
}

// New creates a Collector on its own registry.
func New(opts ...Option) *Collector {
	o := &options{namespace: defaultNamespace}
	for _, opt := range opts {
		opt(o)
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		nodeVisits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "node_visits_total",
			Help:      "Number of node executions.",
		}, []string{"node", "type"}),
		nodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "node_errors_total",
			Help:      "Number of node executions that failed after retries.",
		}, []string{"node"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of node executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "tool_calls_total",
			Help:      "Number of tool calls.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "tool_duration_seconds",
			Help:      "Duration of tool calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "runs_total",
			Help:      "Number of finished runs by outcome.",
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(c.nodeVisits, c.nodeErrors, c.nodeDuration, c.toolCalls, c.toolDuration, c.runs)
	if o.processMetrics {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the registry holding the collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Callbacks returns the graph callbacks feeding the collectors.
func (c *Collector) Callbacks() *graph.Callbacks {
	return graph.NewCallbacks().
		RegisterAfterNode(func(
			_ context.Context,
			cb *graph.NodeCallbackContext,
			_ graph.State,
			_ error,
		) (graph.State, error) {
			c.nodeVisits.WithLabelValues(cb.NodeID, string(cb.NodeType)).Inc()
			if !cb.StartTime.IsZero() {
				c.nodeDuration.WithLabelValues(cb.NodeID).Observe(sinceSeconds(cb))
			}
			return nil, nil
		}).
		RegisterOnNodeError(func(_ context.Context, cb *graph.NodeCallbackContext, _ error) {
			c.nodeErrors.WithLabelValues(cb.NodeID).Inc()
		}).
		RegisterAfterTool(func(_ context.Context, cb *graph.ToolCallbackContext, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			c.toolCalls.WithLabelValues(cb.Tool, status).Inc()
			c.toolDuration.WithLabelValues(cb.Tool).Observe(cb.Duration.Seconds())
		}).
		RegisterOnRunEnd(func(_ context.Context, result *graph.Result, err error) {
			c.runs.WithLabelValues(Outcome(result, err)).Inc()
		})
}

func sinceSeconds(cb *graph.NodeCallbackContext) float64 {
	return time.Since(cb.StartTime).Seconds()
}

// Outcome classifies the end of a run.
func Outcome(result *graph.Result, err error) string {
	var (
		loopErr *graph.ToolLoopExceededError
		persErr *graph.PersistenceError
	)
	switch {
	case err == nil && result != nil && result.Inconsistent:
		return OutcomeInconsistent
	case err == nil:
		return OutcomeOK
	case errors.As(err, &loopErr):
		return OutcomeToolLoopExceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case model.IsInvocationError(err):
		return OutcomeModelError
	case errors.As(err, &persErr):
		return OutcomePersistenceError
	default:
		return OutcomeError
	}
}
