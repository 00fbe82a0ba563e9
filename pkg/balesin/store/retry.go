package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"gorm.io/gorm"
)

// RetryOptions bounds the retry loop for transient storage errors.
type RetryOptions struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// Delay is the wait before the first retry; it doubles per attempt.
	Delay time.Duration
}

// DefaultRetry matches the behavior message handling depends on: a couple
// of quick retries, then give up and let the caller degrade.
var DefaultRetry = RetryOptions{MaxAttempts: 2, Delay: 500 * time.Millisecond}

// WithRetry runs op, retrying only transient storage errors (connection
// drops, timeouts). A record-not-found or any other definitive result is
// returned immediately without retry.
func WithRetry(ctx context.Context, logger *slog.Logger, opts RetryOptions, op func() error) error {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	delay := opts.Delay

	var err error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		err = op()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == opts.MaxAttempts {
			break
		}
		if logger != nil {
			logger.Warn("transient storage error, retrying",
				"attempt", attempt,
				"delay", delay,
				"error", err)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

// IsTransient reports whether err looks like a connection-level failure
// worth retrying. Definitive outcomes (not found, constraint violations)
// are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"server closed the connection",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
