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
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"

	"trpc.group/trpc-go/threadgraph/model"
)

// RetryCondition determines whether an error is retryable.
type RetryCondition interface {
	Match(err error) bool
}

// RetryConditionFunc is an adapter to allow the use of
// ordinary functions as RetryCondition.
type RetryConditionFunc func(error) bool

// Match calls f(err).
func (f RetryConditionFunc) Match(err error) bool { return f(err) }

// RetryPolicy defines per-node or default retry configuration.
// Attempts are counted inclusive of the first try. For example,
// MaxAttempts=3 means 1 initial try + up to 2 retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	Jitter          bool
	RetryOn         []RetryCondition

	// Optional total time budget across retries; 0 to disable.
	MaxElapsedTime time.Duration
	// Optional per-attempt timeout override; 0 to use the executor's node timeout.
	PerAttemptTimeout time.Duration
}

// NextDelay returns the backoff delay after the given failed attempt.
// attempt starts at 1 for the first try.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	delay := float64(p.InitialInterval) * math.Pow(factor, float64(attempt-1))
	maxInt := p.MaxInterval
	if maxInt <= 0 {
		maxInt = p.InitialInterval
	}
	if maxInt > 0 {
		delay = math.Min(delay, float64(maxInt))
	}
	d := time.Duration(delay)
	if p.Jitter && d > 0 {
		// Additive jitter in [0, d), crypto/rand keeps gosec quiet.
		if n, err := rand.Int(rand.Reader, big.NewInt(int64(d))); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// ShouldRetry reports whether the given error matches any of the policy's conditions.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	for _, cond := range p.RetryOn {
		if cond != nil && cond.Match(err) {
			return true
		}
	}
	return false
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt or time budget is spent. ctx bounds the waits between attempts;
// a cancelled ctx stops further attempts and the last error is returned.
// onRetry, when not nil, is told about every retry before the wait.
func (p RetryPolicy) Do(
	ctx context.Context,
	fn func(ctx context.Context) error,
	onRetry func(attempt int, delay time.Duration, err error),
) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	start := time.Now()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || !p.ShouldRetry(err) {
			return err
		}
		delay := p.NextDelay(attempt)
		if p.MaxElapsedTime > 0 && time.Since(start)+delay > p.MaxElapsedTime {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// RetryOnErrors creates a condition that matches when errors.Is(err, any target).
func RetryOnErrors(targets ...error) RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		for _, t := range targets {
			if t != nil && errors.Is(err, t) {
				return true
			}
		}
		return false
	})
}

// RetryOnPredicate creates a condition that defers matching to the provided function.
func RetryOnPredicate(match func(error) bool) RetryCondition {
	return RetryConditionFunc(match)
}

// DefaultTransientCondition matches common transient errors worthy of retry:
// context.DeadlineExceeded and net.Error timeouts.
func DefaultTransientCondition() RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		if err == nil {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		return errors.As(err, &ne) && ne.Timeout()
	})
}

// ModelInvocationCondition matches failed model calls, except those
// refused by an open circuit breaker.
func ModelInvocationCondition() RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		return model.IsInvocationError(err) && !errors.Is(err, model.ErrCircuitOpen)
	})
}

// WithSimpleRetry is a convenience constructor for a basic retry policy:
// initial=500ms, factor=2.0, max=8s, jitter, retrying on transient errors
// and model invocation errors.
func WithSimpleRetry(attempts int) RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: 500 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     8 * time.Second,
		Jitter:          true,
		RetryOn:         []RetryCondition{DefaultTransientCondition(), ModelInvocationCondition()},
	}
}

// NoRetry is the policy of a node that must run at most once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}
