// Package outbox is the durable queue of sales that reached the terminal
// but not yet the ledger. Items leave the queue only when the ledger
// confirms them or an operator removes them.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/xid"
)

var ErrNotRejected = errors.New("outbox item is not rejected")

type Queue struct {
	repo store.OutboxRepository
	now  func() time.Time
}

func New(repo store.OutboxRepository) *Queue {
	return &Queue{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue stores payload after a transient submission failure. A payload
// whose idempotency key is already queued returns the existing item.
func (q *Queue) Enqueue(ctx context.Context, payload domain.SalePayload, cause error) (*domain.OutboxItem, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	payload, err := payload.WithIdempotencyKey()
	if err != nil {
		return nil, err
	}

	existing, err := q.repo.FindOutboxItemByIdempotency(ctx, payload.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	item := domain.OutboxItem{
		ID:        xid.New("obx"),
		Payload:   payload,
		CreatedAt: q.now(),
		Status:    domain.OutboxPending,
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	saved, err := q.repo.CreateOutboxItem(ctx, item)
	if errors.Is(err, store.ErrConflict) {
		return q.repo.FindOutboxItemByIdempotency(ctx, payload.IdempotencyKey)
	}
	return saved, err
}

// Pending lists items eligible for automatic sync, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]domain.OutboxItem, error) {
	return q.repo.ListOutboxItems(ctx, domain.OutboxPending)
}

// List returns every queued item, including rejected ones, oldest first.
func (q *Queue) List(ctx context.Context) ([]domain.OutboxItem, error) {
	return q.repo.ListOutboxItems(ctx, "")
}

func (q *Queue) Get(ctx context.Context, id string) (*domain.OutboxItem, error) {
	return q.repo.GetOutboxItem(ctx, id)
}

// Remove deletes an item at the operator's request.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.repo.DeleteOutboxItem(ctx, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// MarkCommitted drops an item the ledger has confirmed.
func (q *Queue) MarkCommitted(ctx context.Context, id string) error {
	err := q.repo.DeleteOutboxItem(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (q *Queue) RecordFailure(ctx context.Context, id string, cause error) (*domain.OutboxItem, error) {
	return q.repo.RecordOutboxAttempt(ctx, id, domain.OutboxPending, errorText(cause))
}

// Reject parks an item the ledger refused. Automatic passes skip it.
func (q *Queue) Reject(ctx context.Context, id string, cause error) (*domain.OutboxItem, error) {
	return q.repo.RecordOutboxAttempt(ctx, id, domain.OutboxRejected, errorText(cause))
}

// Requeue returns a rejected item to the pending queue. Attempts and the
// last error are kept.
func (q *Queue) Requeue(ctx context.Context, id string) (*domain.OutboxItem, error) {
	item, err := q.repo.GetOutboxItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != domain.OutboxRejected {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRejected, id, item.Status)
	}
	return q.repo.SetOutboxStatus(ctx, id, domain.OutboxPending)
}

type Stats struct {
	Pending  int
	Rejected int
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	items, err := q.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, item := range items {
		switch item.Status {
		case domain.OutboxRejected:
			stats.Rejected++
		default:
			stats.Pending++
		}
	}
	return stats, nil
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
