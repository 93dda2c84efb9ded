package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"kasirinaja/terminal/internal/domain"
)

type scriptedCommitter struct {
	calls int
	err   error
}

func (s *scriptedCommitter) Commit(_ context.Context, _ domain.SalePayload) (domain.Receipt, error) {
	s.calls++
	if s.err != nil {
		return domain.Receipt{}, s.err
	}
	return domain.Receipt{SaleID: "sale-1"}, nil
}

func (s *scriptedCommitter) Ping(context.Context) error { return nil }

func TestBreakerOpensAfterTransientFailures(t *testing.T) {
	next := &scriptedCommitter{err: fmt.Errorf("%w: connection refused", ErrTransient)}
	b := NewBreaker(next, BreakerSettings{FailureThreshold: 2, OpenTimeout: time.Minute}, zap.NewNop())

	for i := 0; i < 2; i++ {
		if _, err := b.Commit(context.Background(), testPayload()); !errors.Is(err, ErrTransient) {
			t.Fatalf("attempt %d: expected transient failure, got %v", i, err)
		}
	}
	_, err := b.Commit(context.Background(), testPayload())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected open breaker to report transient failure, got %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("expected open breaker to short-circuit, ledger saw %d calls", next.calls)
	}
	if b.State() != "open" {
		t.Fatalf("expected open state, got %s", b.State())
	}
}

func TestBreakerIgnoresRejections(t *testing.T) {
	next := &scriptedCommitter{err: fmt.Errorf("%w: lot exhausted", ErrRejected)}
	b := NewBreaker(next, BreakerSettings{FailureThreshold: 1, OpenTimeout: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		if _, err := b.Commit(context.Background(), testPayload()); !errors.Is(err, ErrRejected) {
			t.Fatalf("expected rejection to pass through, got %v", err)
		}
	}
	if next.calls != 3 || b.State() != "closed" {
		t.Fatalf("expected closed breaker after rejections, calls %d state %s", next.calls, b.State())
	}
}
