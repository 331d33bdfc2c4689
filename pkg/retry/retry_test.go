package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsTransientSQLite(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"non-transient", errors.New("syntax error"), false},
		{"SQLITE_BUSY text", errors.New("SQLITE_BUSY"), true},
		{"SQLITE_LOCKED text", errors.New("SQLITE_LOCKED"), true},
		{"IOERR_SHORT_READ text", errors.New("IOERR_SHORT_READ"), true},
		{"database is locked", errors.New("database is locked"), true},
		{"database table is locked", errors.New("database table is locked"), true},
		{"code 5", errors.New("sqlite: (5) database is busy"), true},
		{"code 522", errors.New("sqlite: (522) short read"), true},
		{"wrapped busy", errors.New("exec: SQLITE_BUSY: db locked"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransientSQLite(tt.err); got != tt.want {
				t.Errorf("IsTransientSQLite(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithBackoffSucceedsImmediately(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), []time.Duration{time.Hour}, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestWithBackoffRetriesUntilSuccess(t *testing.T) {
	calls := 0
	delays := []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	err := WithBackoff(context.Background(), delays, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected nil after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithBackoffExhaustsSchedule(t *testing.T) {
	calls := 0
	last := errors.New("still missing")
	delays := []time.Duration{time.Millisecond, time.Millisecond}
	err := WithBackoff(context.Background(), delays, func(context.Context) error {
		calls++
		return last
	})
	if err != last {
		t.Errorf("expected last error, got %v", err)
	}
	// Two delays means initial attempt + 2 retries.
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithBackoffEmptyScheduleIsOneAttempt(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), nil, func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d, want error and 1 call", err, calls)
	}
}

func TestWithBackoffHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- WithBackoff(ctx, []time.Duration{time.Hour}, func(context.Context) error {
			calls++
			return errors.New("fail")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WithBackoff did not return after cancel")
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancel, got %d", calls)
	}
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	permanent := errors.New("syntax error near SELECT")
	err := Do(context.Background(), SQLiteConfig.Delays(), IsTransientSQLite, func(context.Context) error {
		calls++
		return permanent
	})
	if err != permanent {
		t.Errorf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestConfigDelay(t *testing.T) {
	cfg := Config{BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Jitter: true}

	d0 := cfg.Delay(0)
	if d0 < 50*time.Millisecond || d0 >= 100*time.Millisecond {
		t.Errorf("attempt 0 delay %v not in [50ms, 100ms)", d0)
	}
	d2 := cfg.Delay(2)
	if d2 < 200*time.Millisecond || d2 >= 250*time.Millisecond {
		t.Errorf("attempt 2 delay %v not in [200ms, 250ms)", d2)
	}
}

func TestConfigDelayCapsAtMax(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
	if d := cfg.Delay(5); d != 200*time.Millisecond {
		t.Errorf("attempt 5 delay = %v, want capped 200ms", d)
	}
}

func TestConfigDelaysMatchesMetadataSchedule(t *testing.T) {
	cfg := Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	got := cfg.Delays()
	if len(got) != len(MetadataDelays) {
		t.Fatalf("len = %d, want %d", len(got), len(MetadataDelays))
	}
	for i := range got {
		if got[i] != MetadataDelays[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], MetadataDelays[i])
		}
	}
}
