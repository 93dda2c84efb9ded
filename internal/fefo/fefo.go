// Package fefo assigns requested quantities across a lot snapshot,
// earliest expiry first.
package fefo

import (
	"slices"
	"strings"
	"time"

	"kasirinaja/terminal/internal/domain"
)

// Result is the outcome of one allocation request.
type Result struct {
	Allocations []domain.Allocation
	Unallocated int
}

// Allocate greedily takes stock from sellable lots in FEFO order. It never
// mutates lots. A non-positive request yields no allocations and zero
// unallocated quantity.
func Allocate(lots []domain.Lot, requested int, now time.Time) Result {
	if requested <= 0 {
		return Result{Allocations: []domain.Allocation{}}
	}

	usable := make([]domain.Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.QtyAvailable > 0 && !Expired(lot.ExpiryDate, now) {
			usable = append(usable, lot)
		}
	}
	slices.SortFunc(usable, CompareLots)

	allocations := make([]domain.Allocation, 0, len(usable))
	remaining := requested
	for _, lot := range usable {
		if remaining == 0 {
			break
		}
		take := min(remaining, lot.QtyAvailable)
		allocations = append(allocations, domain.Allocation{
			LotID:      lot.ID,
			ExpiryDate: lot.ExpiryDate,
			Qty:        take,
		})
		remaining -= take
	}

	return Result{Allocations: allocations, Unallocated: remaining}
}

// Expired reports whether the end of the expiry's calendar day, taken in
// now's location, has passed. A lot expiring today is still sellable.
func Expired(expiry time.Time, now time.Time) bool {
	y, m, d := expiry.Date()
	endOfDay := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return !now.Before(endOfDay)
}

// CompareLots orders lots by expiry day, then by lot ID.
func CompareLots(a domain.Lot, b domain.Lot) int {
	if c := compareDates(a.ExpiryDate, b.ExpiryDate); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// CompareAllocations orders allocations the same way as CompareLots.
func CompareAllocations(a domain.Allocation, b domain.Allocation) int {
	if c := compareDates(a.ExpiryDate, b.ExpiryDate); c != 0 {
		return c
	}
	return strings.Compare(a.LotID, b.LotID)
}

func compareDates(a time.Time, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	switch {
	case ay != by:
		return cmpInt(ay, by)
	case am != bm:
		return cmpInt(int(am), int(bm))
	default:
		return cmpInt(ad, bd)
	}
}

func cmpInt(a int, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
