package cart

import (
	"fmt"
	"slices"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/fefo"
)

// ShortfallError reports that stock covered only part of a request. The
// line it accompanies reflects what was allocated.
type ShortfallError struct {
	ProductID   string
	Requested   int
	Unallocated int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: %d of %d unallocated", e.ProductID, e.Unallocated, e.Requested)
}

// BuildLine creates a line for product with qty allocated FEFO from lots.
// The returned line's Qty is what was actually allocated.
func BuildLine(product domain.Product, qty int, lots []domain.Lot, now time.Time) (domain.CartLine, int, error) {
	if qty <= 0 {
		return domain.CartLine{}, 0, fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}
	res := fefo.Allocate(lots, qty, now)
	line := domain.CartLine{
		ProductID:   product.ID,
		SKU:         product.SKU,
		ProductName: product.Name,
		UnitPrice:   product.UnitPrice,
		Qty:         qty - res.Unallocated,
		Allocations: res.Allocations,
	}
	if err := checkInvariant(line); err != nil {
		return domain.CartLine{}, 0, err
	}
	return line, res.Unallocated, nil
}

// AdjustLineQty applies a signed delta. Increases draw from lots; decreases
// release existing claims and ignore lots. The input line is not modified.
func AdjustLineQty(line domain.CartLine, delta int, lots []domain.Lot, now time.Time) (domain.CartLine, int, error) {
	var (
		next        domain.CartLine
		unallocated int
	)
	switch {
	case delta == 0:
		return line, 0, fmt.Errorf("%w: quantity change must not be zero", domain.ErrValidation)
	case delta > 0:
		next, unallocated = Increase(line, delta, lots, now)
	default:
		next = Decrease(line, -delta)
	}
	if err := checkInvariant(next); err != nil {
		return line, 0, err
	}
	return next, unallocated, nil
}

// Increase allocates delta against the snapshot after subtracting what the
// line already holds in each lot, so repeated small increases land on the
// same lots as one large increase.
func Increase(line domain.CartLine, delta int, lots []domain.Lot, now time.Time) (domain.CartLine, int) {
	held := make(map[string]int, len(line.Allocations))
	for _, a := range line.Allocations {
		held[a.LotID] += a.Qty
	}
	remaining := make([]domain.Lot, 0, len(lots))
	for _, lot := range lots {
		lot.QtyAvailable -= held[lot.ID]
		remaining = append(remaining, lot)
	}

	res := fefo.Allocate(remaining, delta, now)
	next := line.Clone()
	next.Allocations = mergeAllocations(line.Allocations, res.Allocations)
	next.Qty = line.Qty + (delta - res.Unallocated)
	return next, res.Unallocated
}

// Decrease releases up to delta units, latest expiry first and highest lot
// id first on ties, so near-expiry claims survive longest.
func Decrease(line domain.CartLine, delta int) domain.CartLine {
	reduce := min(line.Qty, delta)
	next := line.Clone()
	if reduce <= 0 {
		return next
	}

	slices.SortFunc(next.Allocations, func(a, b domain.Allocation) int {
		return fefo.CompareAllocations(b, a)
	})
	remaining := reduce
	for i := range next.Allocations {
		if remaining == 0 {
			break
		}
		take := min(next.Allocations[i].Qty, remaining)
		next.Allocations[i].Qty -= take
		remaining -= take
	}
	next.Allocations = slices.DeleteFunc(next.Allocations, func(a domain.Allocation) bool {
		return a.Qty <= 0
	})
	slices.SortFunc(next.Allocations, fefo.CompareAllocations)
	next.Qty = line.Qty - reduce
	return next
}

func mergeAllocations(existing []domain.Allocation, add []domain.Allocation) []domain.Allocation {
	merged := make([]domain.Allocation, 0, len(existing)+len(add))
	index := make(map[string]int, len(existing)+len(add))
	for _, a := range slices.Concat(existing, add) {
		if i, ok := index[a.LotID]; ok {
			merged[i].Qty += a.Qty
			continue
		}
		index[a.LotID] = len(merged)
		merged = append(merged, a)
	}
	slices.SortFunc(merged, fefo.CompareAllocations)
	return merged
}

func checkInvariant(line domain.CartLine) error {
	if line.Qty < 0 {
		return fmt.Errorf("line %s: negative qty %d", line.ProductID, line.Qty)
	}
	seen := make(map[string]struct{}, len(line.Allocations))
	for _, a := range line.Allocations {
		if a.Qty <= 0 {
			return fmt.Errorf("line %s: empty allocation for lot %s", line.ProductID, a.LotID)
		}
		if _, dup := seen[a.LotID]; dup {
			return fmt.Errorf("line %s: duplicate allocation for lot %s", line.ProductID, a.LotID)
		}
		seen[a.LotID] = struct{}{}
	}
	if sum := line.AllocatedQty(); sum != line.Qty {
		return fmt.Errorf("line %s: qty %d does not match allocated %d", line.ProductID, line.Qty, sum)
	}
	if !slices.IsSortedFunc(line.Allocations, fefo.CompareAllocations) {
		return fmt.Errorf("line %s: allocations out of expiry order", line.ProductID)
	}
	return nil
}
