package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BackoffMin:  time.Millisecond,
		BackoffMax:  4 * time.Millisecond,
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), "always-fails", func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if calls != 4 {
		t.Fatalf("attempts: got %d want 4", calls)
	}
	if !strings.Contains(err.Error(), "transient") {
		t.Fatalf("missing cause: %v", err)
	}
}

func TestDo_TerminalStopsImmediately(t *testing.T) {
	calls := 0
	cause := errors.New("bad request")
	err := Do(context.Background(), fastPolicy(5), "terminal", func(ctx context.Context) error {
		calls++
		return Terminal(cause)
	})
	if calls != 1 {
		t.Fatalf("attempts: got %d want 1", calls)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), "flaky", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient %d", calls)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("attempts: got %d want 3", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, fastPolicy(3), "cancelled", func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("fn should not run on a cancelled context, ran %d times", calls)
	}
}

func TestNextBackoff_DoublesAndCaps(t *testing.T) {
	if got := nextBackoff(250*time.Millisecond, 3*time.Second); got != 500*time.Millisecond {
		t.Fatalf("got=%s want=%s", got, 500*time.Millisecond)
	}
	if got := nextBackoff(2*time.Second, 3*time.Second); got != 3*time.Second {
		t.Fatalf("got=%s want=%s", got, 3*time.Second)
	}
}

func TestClassifyStatus(t *testing.T) {
	if err := ClassifyStatus(http.StatusOK); err != nil {
		t.Fatalf("200 should be success, got %v", err)
	}
	if err := ClassifyStatus(http.StatusBadGateway); err == nil || IsTerminal(err) {
		t.Fatalf("502 should be retryable, got %v", err)
	}
	if err := ClassifyStatus(http.StatusTooManyRequests); err == nil || IsTerminal(err) {
		t.Fatalf("429 should be retryable, got %v", err)
	}
	if err := ClassifyStatus(http.StatusNotFound); err == nil || !IsTerminal(err) {
		t.Fatalf("404 should be terminal, got %v", err)
	}
	if err := ClassifyStatus(http.StatusForbidden); err == nil || !IsTerminal(err) {
		t.Fatalf("403 should be terminal, got %v", err)
	}
}

func TestIsTerminal_Wrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", Terminal(errors.New("inner")))
	if !IsTerminal(err) {
		t.Fatalf("terminal marker lost through wrapping")
	}
	if IsTerminal(errors.New("plain")) {
		t.Fatalf("plain error reported terminal")
	}
	if Terminal(nil) != nil {
		t.Fatalf("Terminal(nil) should be nil")
	}
}
