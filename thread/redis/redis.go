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

// Package redis provides a Redis backed thread.DistributedLocker using
// SET NX PX with a token checked on release. A held lock is renewed in
// the background until it is released, so runs may outlast the TTL.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/threadgraph/thread"
)

const (
	defaultPrefix        = "threadgraph:"
	defaultRetryInterval = 50 * time.Millisecond
)

// ErrLockNotHeld is returned on release when the lock expired or was
// taken over by another holder.
var ErrLockNotHeld = errors.New("distributed lock not held")

var unlockScript = backend.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = backend.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker implements thread.DistributedLocker.
type Locker struct {
	client        backend.UniversalClient
	prefix        string
	retryInterval time.Duration
	renewInterval time.Duration
}

// Option configures a Locker.
type Option func(*Locker)

// WithPrefix sets the key prefix. Lock keys are <prefix>lock:<thread>.
func WithPrefix(prefix string) Option {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

// WithRetryInterval sets the polling interval of a blocking Lock.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// WithRenewInterval sets how often a held lock is extended. The default
// is a third of the lock TTL.
func WithRenewInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.renewInterval = d
		}
	}
}

// NewLocker creates a Locker on client.
func NewLocker(client backend.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client:        client,
		prefix:        defaultPrefix,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the redis key guarding thread id.
func (l *Locker) Key(id string) string {
	return l.prefix + "lock:" + id
}

// TryLock makes a single acquisition attempt.
func (l *Locker) TryLock(ctx context.Context, id string, ttl time.Duration) (thread.UnlockFunc, error) {
	key := l.Key(id)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, thread.ErrThreadBusy)
	}
	return l.hold(key, token, ttl), nil
}

// Lock polls until the lock is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, id string, ttl time.Duration) (thread.UnlockFunc, error) {
	unlock, err := l.TryLock(ctx, id, ttl)
	if err == nil || !errors.Is(err, thread.ErrThreadBusy) {
		return unlock, err
	}
	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			unlock, err := l.TryLock(ctx, id, ttl)
			if errors.Is(err, thread.ErrThreadBusy) {
				continue
			}
			return unlock, err
		}
	}
}

// hold keeps the lock alive until the returned func releases it.
func (l *Locker) hold(key, token string, ttl time.Duration) thread.UnlockFunc {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go l.renew(key, token, ttl, stop, stopped)

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-stopped
		})
		n, err := unlockScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("redis unlock %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", key, ErrLockNotHeld)
		}
		return nil
	}
}

// renew extends the lock every interval while it is still ours. It gives
// up once the key expired or changed hands.
func (l *Locker) renew(key, token string, ttl time.Duration, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	if ttl <= 0 {
		return
	}
	interval := l.renewInterval
	if interval <= 0 {
		interval = ttl / 3
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int()
		cancel()
		switch {
		case errors.Is(err, backend.ErrClosed):
			return
		case err != nil:
			// Transient failure, the next tick retries before the TTL runs out.
		case n == 0:
			return
		}
	}
}
