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

// Package thread serializes executions that target the same conversation
// thread. Distinct threads never wait on each other.
package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trpc.group/trpc-go/threadgraph/log"
)

// ErrThreadBusy is returned in fail fast mode when another execution
// holds the thread.
var ErrThreadBusy = errors.New("thread is busy")

// DefaultLockTTL bounds how long a distributed lock outlives a crashed
// holder. Lockers keep a held lock alive past it until release.
const DefaultLockTTL = 30 * time.Second

// UnlockFunc releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker coordinates thread ownership across processes.
type DistributedLocker interface {
	// Lock blocks until the key is held or ctx is done. The lock stays
	// held until the UnlockFunc runs, however long that takes.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
	// TryLock returns ErrThreadBusy when the key is held elsewhere.
	TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// lockEntry is a context aware mutex shared by every waiter of a thread.
// refs counts holders and waiters so idle entries can be dropped.
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// Manager hands out per-thread locks.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockEntry

	locker   DistributedLocker
	ttl      time.Duration
	failFast bool
	logger   log.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker adds a distributed lock taken after the local one.
func WithLocker(locker DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL sets the expiry of distributed locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithFailFast makes WithLock return ErrThreadBusy instead of waiting.
func WithFailFast(enable bool) Option {
	return func(m *Manager) {
		m.failFast = enable
	}
}

// WithLogger sets the logger used for release failures.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:  make(map[string]*lockEntry),
		ttl:    DefaultLockTTL,
		logger: log.Default,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) acquire(id string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[id]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		m.locks[id] = entry
	}
	entry.refs++
	return entry
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[id]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, id)
	}
}

// Active returns the number of threads currently held or waited on.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// WithLock runs fn while holding the lock of thread id.
func (m *Manager) WithLock(ctx context.Context, id string, fn func(context.Context) error) error {
	unlock, err := m.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Lock takes the lock of thread id and returns its release function.
// The release function must be called exactly once.
func (m *Manager) Lock(ctx context.Context, id string) (func(), error) {
	if id == "" {
		return nil, errors.New("thread id is required")
	}
	entry := m.acquire(id)
	if m.failFast {
		select {
		case entry.sem <- struct{}{}:
		default:
			m.release(id)
			return nil, fmt.Errorf("thread %s: %w", id, ErrThreadBusy)
		}
	} else {
		select {
		case entry.sem <- struct{}{}:
		case <-ctx.Done():
			m.release(id)
			return nil, ctx.Err()
		}
	}
	local := func() {
		<-entry.sem
		m.release(id)
	}
	if m.locker == nil {
		return local, nil
	}

	var (
		unlock UnlockFunc
		err    error
	)
	if m.failFast {
		unlock, err = m.locker.TryLock(ctx, id, m.ttl)
	} else {
		unlock, err = m.locker.Lock(ctx, id, m.ttl)
	}
	if err != nil {
		local()
		if errors.Is(err, ErrThreadBusy) || errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("acquire distributed lock for thread %s: %w", id, err)
	}
	return func() {
		// The run may have been cancelled; release regardless.
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warnf("thread %s: release distributed lock: %v (expires via ttl)", id, err)
		}
		local()
	}, nil
}
