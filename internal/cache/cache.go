package cache

import (
	"context"
	"time"

	"kasirinaja/terminal/internal/domain"
)

// LotSnapshotCache shares the latest lot snapshot per product so a resumed
// cart can keep adjusting quantities without a fresh catalog read.
type LotSnapshotCache interface {
	GetLots(ctx context.Context, productID string) ([]domain.Lot, bool, error)
	SetLots(ctx context.Context, productID string, lots []domain.Lot, ttl time.Duration) error
	// DeleteLots drops snapshots made stale by a completed sale.
	DeleteLots(ctx context.Context, productIDs ...string) error
}

type NoopLotSnapshotCache struct{}

func (NoopLotSnapshotCache) GetLots(_ context.Context, _ string) ([]domain.Lot, bool, error) {
	return nil, false, nil
}

func (NoopLotSnapshotCache) SetLots(_ context.Context, _ string, _ []domain.Lot, _ time.Duration) error {
	return nil
}

func (NoopLotSnapshotCache) DeleteLots(_ context.Context, _ ...string) error {
	return nil
}
