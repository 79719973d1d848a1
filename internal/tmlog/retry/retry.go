// Package retry wraps an object store so transient failures are retried with
// exponential backoff.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xatm/internal/clock"
	"pkt.systems/xatm/internal/tmlog"
	"pkt.systems/xatm/internal/tmlog/objectlog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries errors marked with
// tmlog.NewTransientError according to cfg.
func Wrap(inner objectlog.Store, logger pslog.Logger, clk clock.Clock, cfg Config) objectlog.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &store{inner: inner, logger: logger, clock: clk, cfg: cfg}
}

type store struct {
	inner  objectlog.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) Put(ctx context.Context, key string, data []byte) error {
	return s.withRetry(ctx, "put", key, func(ctx context.Context) error {
		return s.inner.Put(ctx, key, data)
	})
}

func (s *store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.withRetry(ctx, "get", key, func(ctx context.Context) error {
		var err error
		data, err = s.inner.Get(ctx, key)
		return err
	})
	return data, err
}

func (s *store) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete", key, func(ctx context.Context) error {
		return s.inner.Delete(ctx, key)
	})
}

func (s *store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.withRetry(ctx, "list", prefix, func(ctx context.Context) error {
		var err error
		keys, err = s.inner.List(ctx, prefix)
		return err
	})
	return keys, err
}

func (s *store) Close() error {
	if closer, ok := s.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *store) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !tmlog.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("tmlog.store.transient_error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.clock.Sleep(delay)
			next := time.Duration(float64(delay) * s.cfg.Multiplier)
			if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
				next = s.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
