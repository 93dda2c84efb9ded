// Package syncer drains the outbox against the ledger. One pass runs at a
// time, and items within a pass are submitted strictly in sequence.
package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/outbox"
	"kasirinaja/terminal/internal/store"
)

type Options struct {
	// Interval between timer-driven passes.
	Interval time.Duration
	// ProbeInterval between connectivity checks. Zero disables the watcher.
	ProbeInterval time.Duration
	// AttemptTimeout bounds one ledger commit.
	AttemptTimeout time.Duration
	// ReconnectCooldown is the minimum gap between reconnect-triggered passes.
	ReconnectCooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 15 * time.Second
	}
	if o.ReconnectCooldown <= 0 {
		o.ReconnectCooldown = 10 * time.Second
	}
	return o
}

type Commit struct {
	ItemID string
	SaleID string
}

type Report struct {
	// Skipped is set when another pass was already running.
	Skipped   bool
	Committed []Commit
	Failed    int
	Rejected  int
	// Remaining counts pending items left after the pass.
	Remaining int
}

type Engine struct {
	queue     *outbox.Queue
	ledger    ledger.Committer
	logger    *zap.Logger
	metrics   *metrics.Metrics
	opts      Options
	running   atomic.Bool
	online    atomic.Bool
	kick      chan struct{}
	reconnect *rate.Limiter
}

func New(queue *outbox.Queue, committer ledger.Committer, logger *zap.Logger, m *metrics.Metrics, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Engine{
		queue:     queue,
		ledger:    committer,
		logger:    logger.Named("syncer"),
		metrics:   m,
		opts:      opts,
		kick:      make(chan struct{}, 1),
		reconnect: rate.NewLimiter(rate.Every(opts.ReconnectCooldown), 1),
	}
}

// TrySync runs one pass over pending items, oldest first. If a pass is
// already in flight it returns immediately with Report.Skipped set.
//
// An attempt that has started is not interrupted by ctx; it ends when the
// ledger answers or AttemptTimeout elapses. Cancelling ctx stops the pass
// before the next item.
func (e *Engine) TrySync(ctx context.Context) (Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.ObservePass("skipped")
		return Report{Skipped: true}, nil
	}
	defer e.running.Store(false)

	report := Report{Committed: []Commit{}}
	items, err := e.queue.Pending(ctx)
	if err != nil {
		return report, err
	}

	detached := context.WithoutCancel(ctx)
	var stopErr error
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		current, err := e.queue.Get(detached, item.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			e.logger.Error("reload outbox item", zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		if current.Status != domain.OutboxPending {
			continue
		}
		e.attempt(detached, *current, &report)
	}

	stats, err := e.queue.Stats(detached)
	if err != nil {
		e.logger.Error("count outbox items", zap.Error(err))
	} else {
		report.Remaining = stats.Pending
		e.metrics.SetOutboxDepth(stats.Pending, stats.Rejected)
	}
	e.metrics.ObservePass("completed")
	return report, stopErr
}

func (e *Engine) attempt(ctx context.Context, item domain.OutboxItem, report *Report) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	started := time.Now()
	receipt, err := e.ledger.Commit(attemptCtx, item.Payload)
	cancel()
	elapsed := time.Since(started)

	fields := []zap.Field{
		zap.String("item_id", item.ID),
		zap.String("idempotency_key", item.Payload.IdempotencyKey),
		zap.Int("attempts", item.Attempts+1),
	}

	switch {
	case err == nil:
		e.metrics.ObserveAttempt("committed", elapsed)
		report.Committed = append(report.Committed, Commit{ItemID: item.ID, SaleID: receipt.SaleID})
		// A failed delete leaves the item queued; the retry carries the
		// same key and the ledger absorbs it.
		if markErr := e.queue.MarkCommitted(ctx, item.ID); markErr != nil {
			e.logger.Error("drop committed outbox item", append(fields, zap.Error(markErr))...)
			return
		}
		e.logger.Info("queued sale committed", append(fields, zap.String("sale_id", receipt.SaleID))...)
	case ledger.IsRejected(err):
		e.metrics.ObserveAttempt("rejected", elapsed)
		report.Rejected++
		if _, recErr := e.queue.Reject(ctx, item.ID, err); recErr != nil {
			e.logger.Error("record rejection", append(fields, zap.Error(recErr))...)
		}
		e.logger.Warn("queued sale rejected by ledger", append(fields, zap.Error(err))...)
	default:
		e.metrics.ObserveAttempt("failed", elapsed)
		report.Failed++
		if _, recErr := e.queue.RecordFailure(ctx, item.ID, err); recErr != nil {
			e.logger.Error("record failure", append(fields, zap.Error(recErr))...)
		}
		e.logger.Warn("queued sale still pending", append(fields, zap.Error(err))...)
	}
}

// Kick asks Run for a pass without blocking. Kicks that arrive while one is
// pending collapse into it.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drives passes from the interval timer, connectivity restoration and
// Kick until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	var probe <-chan time.Time
	if e.opts.ProbeInterval > 0 {
		probeTicker := time.NewTicker(e.opts.ProbeInterval)
		defer probeTicker.Stop()
		probe = probeTicker.C
	}

	e.logger.Info("sync engine started",
		zap.Duration("interval", e.opts.Interval),
		zap.Duration("probe_interval", e.opts.ProbeInterval),
	)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopped")
			return nil
		case <-ticker.C:
			e.runPass(ctx, "interval")
		case <-e.kick:
			e.runPass(ctx, "manual")
		case <-probe:
			if e.checkConnectivity(ctx) {
				e.runPass(ctx, "reconnect")
			}
		}
	}
}

// Online reports the last observed connectivity state.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// checkConnectivity pings the ledger and reports whether the terminal just
// came back online and a reconnect pass is allowed.
func (e *Engine) checkConnectivity(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	err := e.ledger.Ping(pingCtx)
	cancel()

	if err != nil {
		if e.online.Swap(false) {
			e.logger.Warn("ledger unreachable", zap.Error(err))
		}
		return false
	}
	if e.online.Swap(true) {
		return false
	}
	e.logger.Info("ledger reachable again")
	return e.reconnect.Allow()
}

func (e *Engine) runPass(ctx context.Context, trigger string) {
	report, err := e.TrySync(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("sync pass failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	if report.Skipped || len(report.Committed)+report.Failed+report.Rejected == 0 {
		return
	}
	e.logger.Info("sync pass finished",
		zap.String("trigger", trigger),
		zap.Int("committed", len(report.Committed)),
		zap.Int("failed", report.Failed),
		zap.Int("rejected", report.Rejected),
		zap.Int("remaining", report.Remaining),
	)
}
