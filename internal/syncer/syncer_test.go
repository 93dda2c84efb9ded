package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/outbox"
	"kasirinaja/terminal/internal/store/memory"
)

type fakeLedger struct {
	mu      sync.Mutex
	calls   []string
	commit  func(ctx context.Context, p domain.SalePayload) (domain.Receipt, error)
	pingErr error
}

func (f *fakeLedger) Commit(ctx context.Context, p domain.SalePayload) (domain.Receipt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p.ClientSaleID)
	f.mu.Unlock()
	if f.commit == nil {
		return domain.Receipt{SaleID: "sale-" + p.ClientSaleID}, nil
	}
	return f.commit(ctx, p)
}

func (f *fakeLedger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeLedger) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func (f *fakeLedger) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func payload(id string) domain.SalePayload {
	return domain.SalePayload{
		ClientSaleID: id,
		TerminalID:   "T1",
		PaymentType:  domain.PaymentCash,
		Tendered:     decimal.RequireFromString("10"),
		Lines: []domain.SaleLine{{
			ProductID:   "p-1",
			UnitPrice:   decimal.RequireFromString("5"),
			Discount:    decimal.Zero,
			Qty:         1,
			Allocations: []domain.SaleAllocation{{LotID: "lot-a", Qty: 1}},
		}},
	}
}

func newTestEngine(t *testing.T, l ledger.Committer, opts Options) (*Engine, *outbox.Queue) {
	t.Helper()
	q := outbox.New(memory.New())
	return New(q, l, zap.NewNop(), nil, opts), q
}

func enqueue(t *testing.T, q *outbox.Queue, ids ...string) []*domain.OutboxItem {
	t.Helper()
	items := make([]*domain.OutboxItem, 0, len(ids))
	for _, id := range ids {
		item, err := q.Enqueue(context.Background(), payload(id), errors.New("offline"))
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		items = append(items, item)
	}
	return items
}

func TestTrySyncAgainstFailingLedgerKeepsItems(t *testing.T) {
	l := &fakeLedger{commit: func(context.Context, domain.SalePayload) (domain.Receipt, error) {
		return domain.Receipt{}, fmt.Errorf("%w: connection refused", ledger.ErrTransient)
	}}
	e, q := newTestEngine(t, l, Options{})
	item := enqueue(t, q, "s1")[0]

	for pass := 1; pass <= 3; pass++ {
		report, err := e.TrySync(context.Background())
		if err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		if report.Failed != 1 || report.Remaining != 1 {
			t.Fatalf("pass %d: unexpected report %+v", pass, report)
		}
		got, err := q.Get(context.Background(), item.ID)
		if err != nil {
			t.Fatalf("pass %d: item vanished: %v", pass, err)
		}
		if got.Attempts != pass {
			t.Fatalf("pass %d: expected %d attempts, got %d", pass, pass, got.Attempts)
		}
		if got.LastError == "" {
			t.Fatalf("pass %d: expected last error", pass)
		}
	}
}

func TestTrySyncAgainstSucceedingLedgerEmptiesQueue(t *testing.T) {
	l := &fakeLedger{}
	e, q := newTestEngine(t, l, Options{})
	enqueue(t, q, "s1", "s2", "s3")

	report, err := e.TrySync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(report.Committed) != 3 || report.Remaining != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Committed[0].SaleID != "sale-s1" {
		t.Fatalf("unexpected receipt %+v", report.Committed[0])
	}
	items, _ := q.List(context.Background())
	if len(items) != 0 {
		t.Fatalf("expected empty queue, got %d items", len(items))
	}
	calls := l.callLog()
	if len(calls) != 3 || calls[0] != "s1" || calls[2] != "s3" {
		t.Fatalf("expected oldest-first submission, got %v", calls)
	}
}

func TestTrySyncContinuesPastFailuresAndParksRejections(t *testing.T) {
	l := &fakeLedger{commit: func(_ context.Context, p domain.SalePayload) (domain.Receipt, error) {
		switch p.ClientSaleID {
		case "s1":
			return domain.Receipt{}, fmt.Errorf("%w: timeout", ledger.ErrTransient)
		case "s2":
			return domain.Receipt{}, fmt.Errorf("%w: lot exhausted", ledger.ErrRejected)
		default:
			return domain.Receipt{SaleID: "sale-" + p.ClientSaleID}, nil
		}
	}}
	e, q := newTestEngine(t, l, Options{})
	items := enqueue(t, q, "s1", "s2", "s3")

	report, err := e.TrySync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Failed != 1 || report.Rejected != 1 || len(report.Committed) != 1 || report.Remaining != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	rejected, err := q.Get(context.Background(), items[1].ID)
	if err != nil || rejected.Status != domain.OutboxRejected || rejected.Attempts != 1 {
		t.Fatalf("expected rejected item kept visible: %v %+v", err, rejected)
	}

	if _, err := e.TrySync(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	calls := l.callLog()
	for _, id := range calls[3:] {
		if id == "s2" {
			t.Fatalf("rejected item must not be retried automatically")
		}
	}
}

func TestConcurrentTrySyncIsSingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	l := &fakeLedger{commit: func(_ context.Context, p domain.SalePayload) (domain.Receipt, error) {
		close(entered)
		<-release
		return domain.Receipt{SaleID: "sale-" + p.ClientSaleID}, nil
	}}
	e, q := newTestEngine(t, l, Options{})
	enqueue(t, q, "s1")

	done := make(chan Report, 1)
	go func() {
		report, _ := e.TrySync(context.Background())
		done <- report
	}()
	<-entered

	second, err := e.TrySync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("expected second pass to be skipped, got %+v", second)
	}
	close(release)

	first := <-done
	if first.Skipped || len(first.Committed) != 1 {
		t.Fatalf("unexpected first report %+v", first)
	}
	if calls := l.callLog(); len(calls) != 1 {
		t.Fatalf("expected exactly one ledger call, got %v", calls)
	}
}

func TestCancelledPassFinishesInFlightAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := &fakeLedger{commit: func(attemptCtx context.Context, p domain.SalePayload) (domain.Receipt, error) {
		cancel()
		if err := attemptCtx.Err(); err != nil {
			return domain.Receipt{}, err
		}
		return domain.Receipt{SaleID: "sale-" + p.ClientSaleID}, nil
	}}
	e, q := newTestEngine(t, l, Options{})
	enqueue(t, q, "s1", "s2")

	report, err := e.TrySync(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(report.Committed) != 1 || report.Remaining != 1 {
		t.Fatalf("expected in-flight commit to finish and stop after it, got %+v", report)
	}
	if calls := l.callLog(); len(calls) != 1 {
		t.Fatalf("expected one attempt, got %v", calls)
	}
}

func TestItemRemovedMidPassIsSkipped(t *testing.T) {
	var q *outbox.Queue
	var second *domain.OutboxItem
	l := &fakeLedger{}
	l.commit = func(ctx context.Context, p domain.SalePayload) (domain.Receipt, error) {
		if p.ClientSaleID == "s1" {
			if err := q.Remove(ctx, second.ID); err != nil {
				return domain.Receipt{}, err
			}
		}
		return domain.Receipt{SaleID: "sale-" + p.ClientSaleID}, nil
	}
	e, queue := newTestEngine(t, l, Options{})
	q = queue
	second = enqueue(t, q, "s1", "s2")[1]

	report, err := e.TrySync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(report.Committed) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if calls := l.callLog(); len(calls) != 1 || calls[0] != "s1" {
		t.Fatalf("expected removed item to be skipped, got %v", calls)
	}
}

func TestRunDrainsOnKickAndReconnect(t *testing.T) {
	l := &fakeLedger{pingErr: errors.New("offline")}
	e, q := newTestEngine(t, l, Options{
		Interval:          time.Hour,
		ProbeInterval:     5 * time.Millisecond,
		ReconnectCooldown: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- e.Run(ctx) }()

	enqueue(t, q, "s1")
	e.Kick()
	waitFor(t, func() bool { return len(l.callLog()) == 1 })

	enqueue(t, q, "s2")
	time.Sleep(20 * time.Millisecond)
	if e.Online() {
		t.Fatalf("expected engine to see the ledger as offline")
	}
	l.setPingErr(nil)
	waitFor(t, func() bool {
		items, _ := q.List(context.Background())
		return len(items) == 0
	})

	cancel()
	if err := <-stopped; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestKickDoesNotBlock(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLedger{}, Options{})
	for i := 0; i < 5; i++ {
		e.Kick()
	}
	if len(e.kick) != 1 {
		t.Fatalf("expected kicks to collapse, got %d pending", len(e.kick))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
