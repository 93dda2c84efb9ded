// Package ledger talks to the authoritative sales ledger. The ledger
// commits a sale and its lot decrements atomically and absorbs repeated
// deliveries that carry the same idempotency key.
package ledger

import (
	"context"
	"errors"

	"kasirinaja/terminal/internal/domain"
)

var (
	// ErrTransient means the outcome is unknown; the sale may be retried
	// with the same idempotency key.
	ErrTransient = errors.New("ledger unavailable")
	// ErrRejected means the ledger validated the sale and refused it.
	ErrRejected = errors.New("ledger rejected sale")
)

type Committer interface {
	Commit(ctx context.Context, payload domain.SalePayload) (domain.Receipt, error)
	Ping(ctx context.Context) error
}

func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
