package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrValidation = errors.New("validation failed")

type Product struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Lot is a read snapshot of one receipt of stock. ExpiryDate carries a
// calendar date; only its year, month and day are significant, and JSON
// carries it as YYYY-MM-DD.
type Lot struct {
	ID           string    `json:"id"`
	ProductID    string    `json:"product_id,omitempty"`
	ExpiryDate   time.Time `json:"expiry_date"`
	QtyAvailable int       `json:"qty_available"`
}

type Allocation struct {
	LotID      string    `json:"lot_id"`
	ExpiryDate time.Time `json:"expiry_date"`
	Qty        int       `json:"qty"`
}

type CartLine struct {
	ProductID   string          `json:"product_id"`
	SKU         string          `json:"sku"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	Qty         int             `json:"qty"`
	Allocations []Allocation    `json:"allocations"`
}

func (l CartLine) AllocatedQty() int {
	total := 0
	for _, a := range l.Allocations {
		total += a.Qty
	}
	return total
}

func (l CartLine) Clone() CartLine {
	out := l
	out.Allocations = append([]Allocation(nil), l.Allocations...)
	return out
}

func CloneLines(lines []CartLine) []CartLine {
	out := make([]CartLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, line.Clone())
	}
	return out
}

type CartTotals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
}

type HeldCart struct {
	ID         string     `json:"id"`
	TerminalID string     `json:"terminal_id"`
	Lines      []CartLine `json:"lines"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type PaymentType string

const (
	PaymentCash   PaymentType = "cash"
	PaymentCard   PaymentType = "card"
	PaymentMobile PaymentType = "mobile"
)

func (p PaymentType) Valid() bool {
	switch p {
	case PaymentCash, PaymentCard, PaymentMobile:
		return true
	}
	return false
}

type OutboxStatus string

const (
	OutboxPending  OutboxStatus = "pending"
	OutboxRejected OutboxStatus = "rejected"
)

type OutboxItem struct {
	ID        string       `json:"id"`
	Payload   SalePayload  `json:"payload"`
	CreatedAt time.Time    `json:"created_at"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	Status    OutboxStatus `json:"status"`
}

type Receipt struct {
	SaleID         string `json:"sale_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
