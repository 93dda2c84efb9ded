// Package totals derives money totals from cart lines. Every value is
// rounded half away from zero to cents at the line level and again at each
// cart-level step.
package totals

import (
	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
)

var DefaultTaxRate = decimal.RequireFromString("0.16")

type Line struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
}

func LineTotals(line domain.CartLine) Line {
	qty := max(0, line.AllocatedQty())
	subtotal := round2(line.UnitPrice.Mul(decimal.NewFromInt(int64(qty))))
	discount := round2(line.Discount)
	return Line{
		Subtotal: subtotal,
		Discount: discount,
		Total:    floorZero(subtotal.Sub(discount)),
	}
}

func CartTotals(lines []domain.CartLine, taxRate decimal.Decimal) domain.CartTotals {
	subtotal := decimal.Zero
	discountTotal := decimal.Zero
	for _, line := range lines {
		lt := LineTotals(line)
		subtotal = subtotal.Add(lt.Subtotal)
		discountTotal = discountTotal.Add(lt.Discount)
	}
	subtotal = round2(subtotal)
	discountTotal = round2(discountTotal)
	taxable := floorZero(subtotal.Sub(discountTotal))
	tax := round2(taxable.Mul(taxRate))
	return domain.CartTotals{
		Subtotal:      subtotal,
		DiscountTotal: discountTotal,
		Tax:           tax,
		Total:         round2(taxable.Add(tax)),
	}
}

// Change is what the cashier hands back; never negative.
func Change(total decimal.Decimal, tendered decimal.Decimal) decimal.Decimal {
	return floorZero(round2(tendered.Sub(total)))
}

// decimal.Round rounds half away from zero.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
