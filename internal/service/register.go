package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/cart"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/heldsale"
	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/outbox"
	"kasirinaja/terminal/internal/syncer"
	"kasirinaja/terminal/internal/totals"
)

var (
	ErrManagerPINRequired = errors.New("manager PIN required")
	ErrNoLotSnapshot      = errors.New("no lot snapshot for product")
)

type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeQueued    Outcome = "queued"
	OutcomeRejected  Outcome = "rejected"
)

type Payment struct {
	Type     domain.PaymentType
	Tendered decimal.Decimal
}

// CheckoutResult tells the terminal what happened to the sale; rendering
// the outcome is left to the caller.
type CheckoutResult struct {
	Outcome        Outcome           `json:"outcome"`
	SaleID         string            `json:"sale_id,omitempty"`
	OutboxItemID   string            `json:"outbox_item_id,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Totals         domain.CartTotals `json:"totals"`
	Change         decimal.Decimal   `json:"change"`
}

type Syncer interface {
	Kick()
	TrySync(ctx context.Context) (syncer.Report, error)
}

type Deps struct {
	Held    *heldsale.Store
	Queue   *outbox.Queue
	Ledger  ledger.Committer
	Sync    Syncer
	Lots    cache.LotSnapshotCache
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Options struct {
	TerminalID     string
	TaxRate        decimal.Decimal
	CommitTimeout  time.Duration
	LotSnapshotTTL time.Duration
	ManagerPIN     string
}

// Register owns one terminal session: the active cart, its lot snapshots
// and the checkout flow. All methods are safe for concurrent use.
type Register struct {
	mu            sync.Mutex
	cart          *cart.Cart
	snapshots     map[string][]domain.Lot
	pendingSaleID string

	held    *heldsale.Store
	queue   *outbox.Queue
	ledger  ledger.Committer
	sync    Syncer
	lots    cache.LotSnapshotCache
	logger  *zap.Logger
	metrics *metrics.Metrics
	gate    *managerGate
	opts    Options
	now     func() time.Time
}

func New(deps Deps, opts Options) *Register {
	if deps.Lots == nil {
		deps.Lots = cache.NoopLotSnapshotCache{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.TaxRate.IsZero() {
		opts.TaxRate = totals.DefaultTaxRate
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 8 * time.Second
	}
	if opts.LotSnapshotTTL <= 0 {
		opts.LotSnapshotTTL = 15 * time.Minute
	}

	return &Register{
		cart:      cart.New(),
		snapshots: make(map[string][]domain.Lot),
		held:      deps.Held,
		queue:     deps.Queue,
		ledger:    deps.Ledger,
		sync:      deps.Sync,
		lots:      deps.Lots,
		logger:    deps.Logger.Named("register"),
		metrics:   deps.Metrics,
		gate:      newManagerGate(opts.ManagerPIN),
		opts:      opts,
		now:       time.Now,
	}
}

// AddProduct adds qty units allocated from lots and remembers the snapshot
// for later increases. A *cart.ShortfallError comes back with the line as
// far as stock allowed.
func (r *Register) AddProduct(ctx context.Context, product domain.Product, qty int, lots []domain.Lot) (domain.CartLine, error) {
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return domain.CartLine{}, fmt.Errorf("%w: product id is required", domain.ErrValidation)
	}
	if product.UnitPrice.IsNegative() {
		return domain.CartLine{}, fmt.Errorf("%w: unit price must not be negative", domain.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rememberLots(ctx, product.ID, lots)
	line, err := r.cart.Add(product, qty, lots, r.now())
	if err == nil || isShortfall(err) {
		r.pendingSaleID = ""
	}
	return line, err
}

// UpdateLots replaces the snapshot used for increases of productID.
func (r *Register) UpdateLots(ctx context.Context, productID string, lots []domain.Lot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rememberLots(ctx, productID, lots)
}

func (r *Register) AdjustLine(ctx context.Context, productID string, delta int) (domain.CartLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lots []domain.Lot
	if delta > 0 {
		var err error
		if lots, err = r.lotsFor(ctx, productID); err != nil {
			return domain.CartLine{}, err
		}
	}
	line, err := r.cart.Adjust(productID, delta, lots, r.now())
	if err == nil || isShortfall(err) {
		r.pendingSaleID = ""
	}
	return line, err
}

func (r *Register) SetDiscount(productID string, discount decimal.Decimal) (domain.CartLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line, err := r.cart.SetDiscount(productID, discount)
	if err == nil {
		r.pendingSaleID = ""
	}
	return line, err
}

func (r *Register) RemoveLine(productID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.cart.Remove(productID); err != nil {
		return err
	}
	r.pendingSaleID = ""
	return nil
}

func (r *Register) ClearCart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetCart()
}

func (r *Register) Lines() []domain.CartLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cart.Lines()
}

func (r *Register) Totals() domain.CartTotals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return totals.CartTotals(r.cart.Lines(), r.opts.TaxRate)
}

// Checkout submits the active cart directly to the ledger. Validation
// problems come back as errors; every other result is an Outcome.
// Committed and Queued clear the cart, Rejected keeps it for editing.
func (r *Register) Checkout(ctx context.Context, payment Payment) (CheckoutResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := r.cart.Lines()
	if len(lines) == 0 {
		return CheckoutResult{}, fmt.Errorf("%w: cart is empty", domain.ErrValidation)
	}
	if !payment.Type.Valid() {
		return CheckoutResult{}, fmt.Errorf("%w: unsupported payment type %q", domain.ErrValidation, payment.Type)
	}
	cartTotals := totals.CartTotals(lines, r.opts.TaxRate)
	if payment.Tendered.LessThan(cartTotals.Total) {
		return CheckoutResult{}, fmt.Errorf("%w: tendered %s is below total %s",
			domain.ErrValidation, payment.Tendered.StringFixed(2), cartTotals.Total.StringFixed(2))
	}

	if r.pendingSaleID == "" {
		r.pendingSaleID = uuid.NewString()
	}
	payload, err := domain.SalePayload{
		ClientSaleID: r.pendingSaleID,
		TerminalID:   r.opts.TerminalID,
		PaymentType:  payment.Type,
		Tendered:     payment.Tendered,
		Lines:        domain.NewSaleLines(lines),
	}.WithIdempotencyKey()
	if err != nil {
		return CheckoutResult{}, err
	}

	result := CheckoutResult{
		IdempotencyKey: payload.IdempotencyKey,
		Totals:         cartTotals,
		Change:         totals.Change(cartTotals.Total, payment.Tendered),
	}
	fields := []zap.Field{
		zap.String("client_sale_id", payload.ClientSaleID),
		zap.String("idempotency_key", payload.IdempotencyKey),
		zap.String("total", cartTotals.Total.StringFixed(2)),
	}

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.CommitTimeout)
	receipt, commitErr := r.ledger.Commit(attemptCtx, payload)
	cancel()

	switch {
	case commitErr == nil:
		result.Outcome = OutcomeCommitted
		result.SaleID = receipt.SaleID
		r.forgetLots(ctx, lines)
		r.resetCart()
		r.logger.Info("sale committed", append(fields, zap.String("sale_id", receipt.SaleID))...)
	case ledger.IsRejected(commitErr):
		result.Outcome = OutcomeRejected
		result.Reason = commitErr.Error()
		r.logger.Warn("sale rejected by ledger", append(fields, zap.Error(commitErr))...)
	default:
		item, err := r.queue.Enqueue(context.WithoutCancel(ctx), payload, commitErr)
		if err != nil {
			r.logger.Error("queue sale after failed commit", append(fields, zap.NamedError("commit_error", commitErr), zap.Error(err))...)
			return CheckoutResult{}, fmt.Errorf("queue sale: %w", err)
		}
		result.Outcome = OutcomeQueued
		result.OutboxItemID = item.ID
		result.Reason = commitErr.Error()
		r.forgetLots(ctx, lines)
		r.resetCart()
		r.logger.Warn("sale queued for sync", append(fields, zap.String("item_id", item.ID), zap.Error(commitErr))...)
		if r.sync != nil {
			r.sync.Kick()
		}
	}
	r.metrics.ObserveCheckout(string(result.Outcome))
	return result, nil
}

// Hold parks the active cart and clears it.
func (r *Register) Hold(ctx context.Context, note string) (*domain.HeldCart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	held, err := r.held.Hold(ctx, r.cart.Lines(), note)
	if err != nil {
		return nil, err
	}
	r.resetCart()
	r.logger.Info("cart held", zap.String("hold_id", held.ID), zap.Int("lines", len(held.Lines)))
	return held, nil
}

// Resume makes a held cart active. The active cart must be empty so that
// nothing is silently discarded.
func (r *Register) Resume(ctx context.Context, holdID string) ([]domain.CartLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cart.Len() > 0 {
		return nil, fmt.Errorf("%w: hold or clear the active cart before resuming", domain.ErrValidation)
	}

	held, err := r.held.Resume(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if err := r.cart.Replace(held.Lines); err != nil {
		if _, restoreErr := r.held.Restore(context.WithoutCancel(ctx), *held); restoreErr != nil {
			r.logger.Error("restore unusable held cart", zap.String("hold_id", held.ID), zap.Error(restoreErr))
		}
		return nil, err
	}
	r.pendingSaleID = ""
	r.logger.Info("cart resumed", zap.String("hold_id", held.ID), zap.Int("lines", len(held.Lines)))
	return r.cart.Lines(), nil
}

func (r *Register) ListHeld(ctx context.Context) ([]domain.HeldCart, error) {
	return r.held.List(ctx)
}

func (r *Register) DeleteHeld(ctx context.Context, holdID string) error {
	if err := r.held.Delete(ctx, holdID); err != nil {
		return err
	}
	r.logger.Info("held cart deleted", zap.String("hold_id", holdID))
	return nil
}

// QueuedSales lists every unconfirmed sale, rejected ones included.
func (r *Register) QueuedSales(ctx context.Context) ([]domain.OutboxItem, error) {
	return r.queue.List(ctx)
}

// RetryQueued runs a sync pass now.
func (r *Register) RetryQueued(ctx context.Context) (syncer.Report, error) {
	if r.sync == nil {
		return syncer.Report{Skipped: true}, nil
	}
	return r.sync.TrySync(ctx)
}

// RequeueRejected puts a rejected sale back in line, typically after the
// ledger side was corrected.
func (r *Register) RequeueRejected(ctx context.Context, itemID string) (*domain.OutboxItem, error) {
	item, err := r.queue.Requeue(ctx, itemID)
	if err != nil {
		return nil, err
	}
	r.logger.Info("queued sale requeued", zap.String("item_id", itemID), zap.Int("attempts", item.Attempts))
	if r.sync != nil {
		r.sync.Kick()
	}
	return item, nil
}

// DiscardQueued drops an unconfirmed sale. Money may have changed hands,
// so it takes the manager PIN.
func (r *Register) DiscardQueued(ctx context.Context, itemID string, managerPIN string) error {
	if !r.gate.Verify(managerPIN) {
		return ErrManagerPINRequired
	}
	item, err := r.queue.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if err := r.queue.Remove(ctx, itemID); err != nil {
		return err
	}
	r.logger.Warn("queued sale discarded",
		zap.String("item_id", itemID),
		zap.String("idempotency_key", item.Payload.IdempotencyKey),
		zap.Int("attempts", item.Attempts),
		zap.String("last_error", item.LastError),
	)
	return nil
}

func (r *Register) resetCart() {
	r.cart.Clear()
	r.pendingSaleID = ""
}

func (r *Register) rememberLots(ctx context.Context, productID string, lots []domain.Lot) {
	snapshot := append([]domain.Lot(nil), lots...)
	r.snapshots[productID] = snapshot
	if err := r.lots.SetLots(ctx, productID, snapshot, r.opts.LotSnapshotTTL); err != nil {
		r.logger.Warn("cache lot snapshot", zap.String("product_id", productID), zap.Error(err))
	}
}

// forgetLots drops the snapshots of products just sold; their quantities
// no longer reflect the stock left for the next cart.
func (r *Register) forgetLots(ctx context.Context, lines []domain.CartLine) {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		delete(r.snapshots, line.ProductID)
		ids = append(ids, line.ProductID)
	}
	if err := r.lots.DeleteLots(context.WithoutCancel(ctx), ids...); err != nil {
		r.logger.Warn("drop sold lot snapshots", zap.Strings("product_ids", ids), zap.Error(err))
	}
}

func (r *Register) lotsFor(ctx context.Context, productID string) ([]domain.Lot, error) {
	if lots, ok := r.snapshots[productID]; ok {
		return lots, nil
	}
	lots, ok, err := r.lots.GetLots(ctx, productID)
	if err != nil {
		r.logger.Warn("read cached lot snapshot", zap.String("product_id", productID), zap.Error(err))
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoLotSnapshot, productID)
	}
	r.snapshots[productID] = lots
	return lots, nil
}

func isShortfall(err error) bool {
	var short *cart.ShortfallError
	return errors.As(err, &short)
}
