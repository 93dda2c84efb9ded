// Package cart owns the active sale's lines and keeps every line's
// quantity equal to the sum of its lot allocations.
package cart

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
)

var ErrLineNotFound = errors.New("cart line not found")

// Cart is not safe for concurrent use; callers serialize access.
type Cart struct {
	lines []domain.CartLine
}

func New() *Cart {
	return &Cart{lines: []domain.CartLine{}}
}

// Add puts qty units of product in the cart, merging into an existing line
// for the same product. A returned *ShortfallError means the line holds
// less than requested; a brand-new line with nothing allocated is not
// added at all.
func (c *Cart) Add(product domain.Product, qty int, lots []domain.Lot, now time.Time) (domain.CartLine, error) {
	if qty <= 0 {
		return domain.CartLine{}, fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}
	if i := c.indexOf(product.ID); i >= 0 {
		return c.Adjust(product.ID, qty, lots, now)
	}

	line, unallocated, err := BuildLine(product, qty, lots, now)
	if err != nil {
		return domain.CartLine{}, err
	}
	if line.Qty > 0 {
		c.lines = append(c.lines, line)
	}
	return line.Clone(), shortfall(product.ID, qty, unallocated)
}

// Adjust applies a signed delta to an existing line. A line that reaches
// zero is removed.
func (c *Cart) Adjust(productID string, delta int, lots []domain.Lot, now time.Time) (domain.CartLine, error) {
	i := c.indexOf(productID)
	if i < 0 {
		return domain.CartLine{}, fmt.Errorf("%w: %s", ErrLineNotFound, productID)
	}

	next, unallocated, err := AdjustLineQty(c.lines[i], delta, lots, now)
	if err != nil {
		return c.lines[i].Clone(), err
	}
	if next.Qty == 0 {
		c.lines = slices.Delete(c.lines, i, i+1)
	} else {
		c.lines[i] = next
	}
	return next.Clone(), shortfall(productID, delta, unallocated)
}

func (c *Cart) SetDiscount(productID string, discount decimal.Decimal) (domain.CartLine, error) {
	if discount.IsNegative() {
		return domain.CartLine{}, fmt.Errorf("%w: discount must not be negative", domain.ErrValidation)
	}
	i := c.indexOf(productID)
	if i < 0 {
		return domain.CartLine{}, fmt.Errorf("%w: %s", ErrLineNotFound, productID)
	}
	c.lines[i].Discount = discount
	return c.lines[i].Clone(), nil
}

func (c *Cart) Remove(productID string) error {
	i := c.indexOf(productID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrLineNotFound, productID)
	}
	c.lines = slices.Delete(c.lines, i, i+1)
	return nil
}

func (c *Cart) Line(productID string) (domain.CartLine, bool) {
	i := c.indexOf(productID)
	if i < 0 {
		return domain.CartLine{}, false
	}
	return c.lines[i].Clone(), true
}

func (c *Cart) Lines() []domain.CartLine {
	return domain.CloneLines(c.lines)
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) Clear() {
	c.lines = []domain.CartLine{}
}

// Replace installs lines from a held cart, validating each one.
func (c *Cart) Replace(lines []domain.CartLine) error {
	for _, line := range lines {
		if err := checkInvariant(line); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
	}
	c.lines = domain.CloneLines(lines)
	return nil
}

func (c *Cart) indexOf(productID string) int {
	return slices.IndexFunc(c.lines, func(l domain.CartLine) bool {
		return l.ProductID == productID
	})
}

func shortfall(productID string, requested int, unallocated int) error {
	if unallocated <= 0 {
		return nil
	}
	return &ShortfallError{ProductID: productID, Requested: requested, Unallocated: unallocated}
}
