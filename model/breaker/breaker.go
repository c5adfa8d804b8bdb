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

// Package breaker guards a model with a circuit breaker. After repeated
// failures calls fail fast with model.ErrCircuitOpen until the service
// has had time to recover.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"trpc.group/trpc-go/threadgraph/log"
	"trpc.group/trpc-go/threadgraph/model"
)

// Config tunes the breaker.
type Config struct {
	// MaxRequests is the number of trial calls allowed while half open.
	MaxRequests uint32
	// Interval is the period after which closed state counts are reset.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// MinRequests is the number of calls before the failure ratio counts.
	MinRequests uint32
	// FailureThreshold is the failure ratio that opens the breaker.
	FailureThreshold float64
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		MinRequests:      5,
		FailureThreshold: 0.6,
	}
}

// Model wraps a model.Model.
type Model struct {
	next model.Model
	cb   *gobreaker.TwoStepCircuitBreaker
}

// New wraps next.
func New(next model.Model, cfg Config) *Model {
	name := next.Info().Name
	return &Model{
		next: next,
		cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.MinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnf("model %s circuit breaker: %v -> %v", name, from, to)
			},
		}),
	}
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return m.next.Info()
}

// State returns the breaker state.
func (m *Model) State() gobreaker.State {
	return m.cb.State()
}

// GenerateContent implements model.Model. A call counts as failed when
// it errors or delivers an error response. Cancellation by the caller is
// not counted against the model.
func (m *Model) GenerateContent(ctx context.Context, request *model.Request) (<-chan *model.Response, error) {
	done, err := m.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", model.ErrCircuitOpen, err)
		}
		return nil, err
	}
	upstream, err := m.next.GenerateContent(ctx, request)
	if err != nil {
		done(isCancellation(ctx, err))
		return nil, err
	}
	out := make(chan *model.Response, cap(upstream))
	go func() {
		defer close(out)
		success := true
		for rsp := range upstream {
			if rsp != nil && rsp.Error != nil {
				success = false
			}
			select {
			case out <- rsp:
			case <-ctx.Done():
				// Drain so the upstream goroutine can finish.
				for range upstream {
				}
				done(true)
				return
			}
		}
		done(success)
	}()
	return out, nil
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
