package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/xid"
)

// Store keeps terminal state in process memory. It is used in tests and
// when no database path is configured.
type Store struct {
	mu             sync.RWMutex
	heldCartsByID  map[string]domain.HeldCart
	outboxByID     map[string]outboxRow
	outboxByIdem   map[string]string
	outboxSequence int64
}

type outboxRow struct {
	item domain.OutboxItem
	seq  int64
}

func New() *Store {
	return &Store{
		heldCartsByID: make(map[string]domain.HeldCart),
		outboxByID:    make(map[string]outboxRow),
		outboxByIdem:  make(map[string]string),
	}
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) CreateHeldCart(_ context.Context, held domain.HeldCart) (*domain.HeldCart, error) {
	if held.ID == "" {
		held.ID = xid.New("hold")
	}
	if held.CreatedAt.IsZero() {
		held.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.heldCartsByID[held.ID]; exists {
		return nil, store.ErrConflict
	}
	s.heldCartsByID[held.ID] = cloneHeldCart(held)
	saved := cloneHeldCart(held)
	return &saved, nil
}

func (s *Store) ListHeldCarts(_ context.Context, terminalID string, limit int) ([]domain.HeldCart, error) {
	if limit < 1 {
		limit = 200
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.HeldCart, 0, len(s.heldCartsByID))
	for _, held := range s.heldCartsByID {
		if terminalID != "" && held.TerminalID != terminalID {
			continue
		}
		result = append(result, cloneHeldCart(held))
	}
	slices.SortFunc(result, func(a, b domain.HeldCart) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) PopHeldCart(_ context.Context, holdID string) (*domain.HeldCart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.heldCartsByID[holdID]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.heldCartsByID, holdID)
	result := cloneHeldCart(held)
	return &result, nil
}

func (s *Store) DeleteHeldCart(_ context.Context, holdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.heldCartsByID[holdID]; !ok {
		return store.ErrNotFound
	}
	delete(s.heldCartsByID, holdID)
	return nil
}

func (s *Store) CreateOutboxItem(_ context.Context, item domain.OutboxItem) (*domain.OutboxItem, error) {
	if item.ID == "" {
		item.ID = xid.New("obx")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.Status == "" {
		item.Status = domain.OutboxPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outboxByID[item.ID]; exists {
		return nil, store.ErrConflict
	}
	if _, exists := s.outboxByIdem[item.Payload.IdempotencyKey]; exists {
		return nil, store.ErrConflict
	}
	s.outboxSequence++
	s.outboxByID[item.ID] = outboxRow{item: cloneOutboxItem(item), seq: s.outboxSequence}
	s.outboxByIdem[item.Payload.IdempotencyKey] = item.ID
	saved := cloneOutboxItem(item)
	return &saved, nil
}

func (s *Store) GetOutboxItem(_ context.Context, id string) (*domain.OutboxItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.outboxByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	item := cloneOutboxItem(row.item)
	return &item, nil
}

func (s *Store) FindOutboxItemByIdempotency(ctx context.Context, key string) (*domain.OutboxItem, error) {
	s.mu.RLock()
	id, ok := s.outboxByIdem[key]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetOutboxItem(ctx, id)
}

func (s *Store) ListOutboxItems(_ context.Context, status domain.OutboxStatus) ([]domain.OutboxItem, error) {
	s.mu.RLock()
	rows := make([]outboxRow, 0, len(s.outboxByID))
	for _, row := range s.outboxByID {
		if status != "" && row.item.Status != status {
			continue
		}
		rows = append(rows, row)
	}
	s.mu.RUnlock()

	slices.SortFunc(rows, func(a, b outboxRow) int {
		if c := a.item.CreatedAt.Compare(b.item.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	items := make([]domain.OutboxItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, cloneOutboxItem(row.item))
	}
	return items, nil
}

func (s *Store) RecordOutboxAttempt(_ context.Context, id string, status domain.OutboxStatus, lastError string) (*domain.OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outboxByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	row.item.Attempts++
	row.item.Status = status
	row.item.LastError = lastError
	s.outboxByID[id] = row
	item := cloneOutboxItem(row.item)
	return &item, nil
}

func (s *Store) SetOutboxStatus(_ context.Context, id string, status domain.OutboxStatus) (*domain.OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outboxByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	row.item.Status = status
	s.outboxByID[id] = row
	item := cloneOutboxItem(row.item)
	return &item, nil
}

func (s *Store) DeleteOutboxItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outboxByID[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.outboxByID, id)
	delete(s.outboxByIdem, row.item.Payload.IdempotencyKey)
	return nil
}

func cloneHeldCart(src domain.HeldCart) domain.HeldCart {
	dst := src
	dst.Lines = domain.CloneLines(src.Lines)
	return dst
}

func cloneOutboxItem(src domain.OutboxItem) domain.OutboxItem {
	dst := src
	dst.Payload.Lines = make([]domain.SaleLine, 0, len(src.Payload.Lines))
	for _, line := range src.Payload.Lines {
		line.Allocations = append([]domain.SaleAllocation(nil), line.Allocations...)
		dst.Payload.Lines = append(dst.Payload.Lines, line)
	}
	return dst
}
