// Package retry runs operations with exponential backoff.
//
// Two callers shape it: the SQLite-backed stores retry transient lock
// errors (SQLITE_BUSY and friends) with short jittered delays, and the
// competition reader retries metadata lookups against the event network on
// a fixed 1s/2s/4s schedule before reporting "not found".
package retry

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// Config controls an exponential schedule.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter adds a random value in [0, BaseDelay) to every delay.
	Jitter bool
}

// SQLiteConfig is used for all store write operations.
var SQLiteConfig = Config{
	MaxRetries: 3,
	BaseDelay:  50 * time.Millisecond,
	MaxDelay:   500 * time.Millisecond,
	Jitter:     true,
}

// MetadataDelays is the schedule for event-network metadata lookups.
var MetadataDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Delay computes the delay for a given retry attempt:
// BaseDelay * 2^attempt capped at MaxDelay, plus jitter when enabled.
func (c Config) Delay(attempt int) time.Duration {
	delay := c.BaseDelay << uint(attempt)
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter && c.BaseDelay > 0 {
		delay += time.Duration(rand.Int63n(int64(c.BaseDelay)))
	}
	return delay
}

// Delays expands the config into an explicit schedule of MaxRetries delays.
func (c Config) Delays() []time.Duration {
	out := make([]time.Duration, c.MaxRetries)
	for i := range out {
		out[i] = c.Delay(i)
	}
	return out
}

// WithBackoff runs op, and after each failure waits the next delay and
// tries again. len(delays)+1 attempts are made in total. The last error is
// returned when every attempt fails; ctx cancellation during a wait returns
// ctx.Err().
func WithBackoff(ctx context.Context, delays []time.Duration, op func(ctx context.Context) error) error {
	return Do(ctx, delays, nil, op)
}

// Do is WithBackoff with a retryable classifier. A nil classifier retries
// every error; otherwise a non-retryable error is returned immediately.
func Do(ctx context.Context, delays []time.Duration, retryable func(error) bool, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == len(delays) {
			break
		}
		timer := time.NewTimer(delays[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// IsTransientSQLite reports whether err is a transient SQLite error that can
// be resolved by retrying:
//   - SQLITE_BUSY (5): another connection holds a lock
//   - SQLITE_LOCKED (6): table-level lock conflict
//   - SQLITE_IOERR_SHORT_READ (522): WAL contention read failure
//   - "database is locked": text emitted after busy_timeout falls through
func IsTransientSQLite(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
