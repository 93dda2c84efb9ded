package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/domain"
)

type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Breaker stops hammering an unreachable ledger. Only transient failures
// count toward tripping; a rejected sale proves the ledger is up.
type Breaker struct {
	next Committer
	cb   *gobreaker.CircuitBreaker[domain.Receipt]
}

func NewBreaker(next Committer, settings BreakerSettings, logger *zap.Logger) *Breaker {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 3
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker[domain.Receipt](gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("ledger breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Commit(ctx context.Context, payload domain.SalePayload) (domain.Receipt, error) {
	receipt, err := b.cb.Execute(func() (domain.Receipt, error) {
		return b.next.Commit(ctx, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Receipt{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return receipt, err
}

func (b *Breaker) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}

func (b *Breaker) State() string {
	return b.cb.State().String()
}
