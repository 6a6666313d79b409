package resilience

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/kbukum/flowkit/errors"
)

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	callCount := 0
	result, err := Retry(context.Background(), DefaultRetryConfig(), func() (string, error) {
		callCount++
		return "success", nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result != "success" {
		t.Errorf("expected 'success', got %s", result)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestRetry_SucceedsAfterRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	callCount := 0
	result, err := Retry(context.Background(), cfg, func() (int, error) {
		callCount++
		if callCount < 3 {
			return 0, stderrors.New("temporary error")
		}
		return 42, nil
	})
	if err != nil || result != 42 {
		t.Fatalf("expected 42, got %d (%v)", result, err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetry_ExceedsMaxAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	callCount := 0
	testErr := stderrors.New("persistent error")
	_, err := Retry(context.Background(), cfg, func() (string, error) {
		callCount++
		return "", testErr
	})
	if !stderrors.Is(err, testErr) {
		t.Errorf("expected testErr, got %v", err)
	}
	if errors.CodeOf(err) != errors.ErrCodeRetryExhausted {
		t.Errorf("expected RETRY_EXHAUSTED, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetry_RetryIfStopsEarly(t *testing.T) {
	fatal := stderrors.New("fatal")
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		RetryIf:        func(err error) bool { return !stderrors.Is(err, fatal) },
	}
	calls := 0
	err := RetryFunc(context.Background(), cfg, func() error {
		calls++
		return fatal
	})
	if !stderrors.Is(err, fatal) || calls != 1 {
		t.Errorf("expected single call returning fatal, got %d calls, err=%v", calls, err)
	}
}

func TestRetry_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	calls := 0
	err := RetryFunc(ctx, cfg, func() error {
		calls++
		cancel()
		return stderrors.New("fail")
	})
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_FakeClockDrivesBackoff(t *testing.T) {
	clock := clockz.NewFakeClock()
	cfg := RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Second,
		Clock:          clock,
	}
	var calls atomic.Int32
	var retried atomic.Bool
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		if attempt != 1 || backoff != time.Second {
			t.Errorf("unexpected retry callback attempt=%d backoff=%v", attempt, backoff)
		}
		retried.Store(true)
	}

	done := make(chan error, 1)
	go func() {
		done <- RetryFunc(context.Background(), cfg, func() error {
			if calls.Add(1) == 1 {
				return stderrors.New("first")
			}
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("retry never resumed after advancing the clock")
		}
		if retried.Load() {
			clock.Advance(time.Second)
			clock.BlockUntilReady()
		}
		time.Sleep(time.Millisecond)
	}
	if err := <-done; err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffFactor: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	cfg.Jitter = 0.5
	for i := 0; i < 50; i++ {
		got := Backoff(2, cfg)
		if got < 100*time.Millisecond || got > 300*time.Millisecond {
			t.Fatalf("jittered backoff out of range: %v", got)
		}
	}
}

func TestRetryConfigApplyDefaults(t *testing.T) {
	var cfg RetryConfig
	cfg.ApplyDefaults()
	if cfg.MaxAttempts != 3 || cfg.InitialBackoff != 100*time.Millisecond || cfg.BackoffFactor != 2 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Clock == nil || cfg.RetryIf == nil {
		t.Error("expected clock and RetryIf defaults")
	}
	if cfg.RetryIf(context.Canceled) {
		t.Error("context cancellation must not be retried")
	}
}
