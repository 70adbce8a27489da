package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	defaultRetryAttempts = 5
	defaultRetryBase     = 20 * time.Millisecond
	maxRetryDelay        = time.Second
)

// isTransient reports whether err is a lock condition worth retrying.
func isTransient(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	return false
}

// withRetry runs fn, retrying with exponential backoff while it fails with a transient error.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.retryBase
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) || attempt >= s.retryAttempts {
			return err
		}
		s.logger.Warn("sqlite busy, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}
