// Package heldsale parks carts that are not ready for payment so the
// terminal can serve the next customer.
package heldsale

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/xid"
)

const maxNoteLength = 280

type Store struct {
	repo       store.HeldCartRepository
	terminalID string
	now        func() time.Time
}

func New(repo store.HeldCartRepository, terminalID string) *Store {
	return &Store{repo: repo, terminalID: terminalID, now: func() time.Time { return time.Now().UTC() }}
}

// Hold persists lines under a fresh id. The caller clears its active cart
// once Hold returns without error.
func (s *Store) Hold(ctx context.Context, lines []domain.CartLine, note string) (*domain.HeldCart, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: cannot hold an empty cart", domain.ErrValidation)
	}
	note = strings.TrimSpace(note)
	if len(note) > maxNoteLength {
		return nil, fmt.Errorf("%w: note exceeds %d characters", domain.ErrValidation, maxNoteLength)
	}
	return s.repo.CreateHeldCart(ctx, domain.HeldCart{
		ID:         xid.New("hold"),
		TerminalID: s.terminalID,
		Lines:      domain.CloneLines(lines),
		Note:       note,
		CreatedAt:  s.now(),
	})
}

// Resume removes the held cart and returns it.
func (s *Store) Resume(ctx context.Context, holdID string) (*domain.HeldCart, error) {
	held, err := s.repo.PopHeldCart(ctx, strings.TrimSpace(holdID))
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", holdID, err)
	}
	return held, nil
}

// Restore parks a previously resumed cart again under its original id and
// creation time.
func (s *Store) Restore(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error) {
	if held.ID == "" {
		return nil, fmt.Errorf("%w: held cart id is required", domain.ErrValidation)
	}
	held.TerminalID = s.terminalID
	held.Lines = domain.CloneLines(held.Lines)
	return s.repo.CreateHeldCart(ctx, held)
}

func (s *Store) List(ctx context.Context) ([]domain.HeldCart, error) {
	return s.repo.ListHeldCarts(ctx, s.terminalID, 0)
}

func (s *Store) Delete(ctx context.Context, holdID string) error {
	if err := s.repo.DeleteHeldCart(ctx, strings.TrimSpace(holdID)); err != nil {
		return fmt.Errorf("delete %s: %w", holdID, err)
	}
	return nil
}
