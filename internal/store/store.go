package store

import (
	"context"
	"errors"

	"kasirinaja/terminal/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type HeldCartRepository interface {
	CreateHeldCart(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error)
	// ListHeldCarts returns newest first.
	ListHeldCarts(ctx context.Context, terminalID string, limit int) ([]domain.HeldCart, error)
	// PopHeldCart loads and deletes in one step.
	PopHeldCart(ctx context.Context, holdID string) (*domain.HeldCart, error)
	DeleteHeldCart(ctx context.Context, holdID string) error
}

type OutboxRepository interface {
	// CreateOutboxItem returns ErrConflict when the payload's idempotency
	// key is already queued.
	CreateOutboxItem(ctx context.Context, item domain.OutboxItem) (*domain.OutboxItem, error)
	GetOutboxItem(ctx context.Context, id string) (*domain.OutboxItem, error)
	FindOutboxItemByIdempotency(ctx context.Context, key string) (*domain.OutboxItem, error)
	// ListOutboxItems returns oldest first. An empty status lists everything.
	ListOutboxItems(ctx context.Context, status domain.OutboxStatus) ([]domain.OutboxItem, error)
	// RecordOutboxAttempt increments attempts and stores the outcome.
	RecordOutboxAttempt(ctx context.Context, id string, status domain.OutboxStatus, lastError string) (*domain.OutboxItem, error)
	SetOutboxStatus(ctx context.Context, id string, status domain.OutboxStatus) (*domain.OutboxItem, error)
	DeleteOutboxItem(ctx context.Context, id string) error
}

type Repository interface {
	HeldCartRepository
	OutboxRepository
	Close() error
}
