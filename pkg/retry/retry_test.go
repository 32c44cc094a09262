package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", p.MaxAttempts)
	}
	if p.Interval != time.Second {
		t.Errorf("expected Interval=1s, got %v", p.Interval)
	}
	if p.BackoffRate != 2.0 {
		t.Errorf("expected BackoffRate=2.0, got %f", p.BackoffRate)
	}
}

func TestDo_Success(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected no error after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AttemptsExhausted(t *testing.T) {
	expected := errors.New("persistent")
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func() error {
		calls++
		return expected
	})
	if !errors.Is(err, expected) {
		t.Errorf("expected %v, got %v", expected, err)
	}
	// MaxAttempts counts the initial execution.
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_SingleAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(1), func() error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Error("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call with MaxAttempts=1, got %d", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastPolicy(3), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Policy{MaxAttempts: 5, Interval: time.Second, BackoffRate: 2.0}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, p, func() error {
		return errors.New("always fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func fastPolicy(attempts int) *Policy {
	return &Policy{
		MaxAttempts: attempts,
		Interval:    time.Millisecond,
		BackoffRate: 2.0,
		MaxInterval: 10 * time.Millisecond,
	}
}
