package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

type SaleAllocation struct {
	LotID string `json:"lot_id"`
	Qty   int    `json:"qty"`
}

type SaleLine struct {
	ProductID   string           `json:"product_id"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	Discount    decimal.Decimal  `json:"discount"`
	Qty         int              `json:"qty"`
	Allocations []SaleAllocation `json:"allocations"`
}

// SalePayload is the body submitted to the ledger. ClientSaleID is pinned
// to one composed cart so a retried charge of the same cart yields the same
// idempotency key.
type SalePayload struct {
	ClientSaleID   string          `json:"client_sale_id"`
	TerminalID     string          `json:"terminal_id"`
	PaymentType    PaymentType     `json:"payment_type"`
	Tendered       decimal.Decimal `json:"tendered"`
	Lines          []SaleLine      `json:"lines"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func NewSaleLines(lines []CartLine) []SaleLine {
	out := make([]SaleLine, 0, len(lines))
	for _, line := range lines {
		allocs := make([]SaleAllocation, 0, len(line.Allocations))
		for _, a := range line.Allocations {
			allocs = append(allocs, SaleAllocation{LotID: a.LotID, Qty: a.Qty})
		}
		out = append(out, SaleLine{
			ProductID:   line.ProductID,
			UnitPrice:   line.UnitPrice,
			Discount:    line.Discount,
			Qty:         line.Qty,
			Allocations: allocs,
		})
	}
	return out
}

// DeriveIdempotencyKey hashes the canonical JSON encoding of the payload
// with the key field cleared. Decimals encode without trailing zeros, so
// 100 and 100.00 hash the same.
func (p SalePayload) DeriveIdempotencyKey() (string, error) {
	p.IdempotencyKey = ""
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode sale payload: %w", err)
	}
	sum := blake2b.Sum256(raw)
	return "sale-" + hex.EncodeToString(sum[:]), nil
}

// WithIdempotencyKey returns a copy carrying a derived key when none is set.
func (p SalePayload) WithIdempotencyKey() (SalePayload, error) {
	if p.IdempotencyKey != "" {
		return p, nil
	}
	key, err := p.DeriveIdempotencyKey()
	if err != nil {
		return p, err
	}
	p.IdempotencyKey = key
	return p, nil
}

func (p SalePayload) Validate() error {
	if !p.PaymentType.Valid() {
		return fmt.Errorf("%w: unsupported payment type %q", ErrValidation, p.PaymentType)
	}
	if len(p.Lines) == 0 {
		return fmt.Errorf("%w: sale has no lines", ErrValidation)
	}
	if p.Tendered.IsNegative() {
		return fmt.Errorf("%w: tendered must not be negative", ErrValidation)
	}
	for _, line := range p.Lines {
		if line.Qty <= 0 {
			return fmt.Errorf("%w: line %s has non-positive qty", ErrValidation, line.ProductID)
		}
		sum := 0
		for _, a := range line.Allocations {
			sum += a.Qty
		}
		if sum != line.Qty {
			return fmt.Errorf("%w: line %s allocations sum to %d, qty is %d", ErrValidation, line.ProductID, sum, line.Qty)
		}
	}
	return nil
}
