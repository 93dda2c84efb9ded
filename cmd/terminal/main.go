package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/config"
	"kasirinaja/terminal/internal/heldsale"
	"kasirinaja/terminal/internal/httpapi"
	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/outbox"
	"kasirinaja/terminal/internal/service"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/store/memory"
	"kasirinaja/terminal/internal/store/sqlite"
	"kasirinaja/terminal/internal/syncer"
)

const ledgerTokenTTL = 5 * time.Minute

// terminal is everything one register needs, assembled once at boot.
type terminal struct {
	register *service.Register
	engine   *syncer.Engine
	queue    *outbox.Queue
	registry *prometheus.Registry
	closers  []func() error
}

func (t *terminal) close(logger *zap.Logger) {
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}
}

func main() {
	cfg := config.Load()
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid LOG_LEVEL: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	term, err := buildTerminal(bootCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("terminal startup failed", zap.Error(err))
	}
	defer term.close(logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return term.engine.Run(gctx)
	})

	api := httpapi.New(term.register, logger, cfg.AllowedOrigin)
	serve(gctx, g, logger, "register api", cfg.RegisterAddr, api.Handler())
	if cfg.MetricsAddr != "" {
		serve(gctx, g, logger, "metrics", cfg.MetricsAddr, metrics.Handler(term.registry))
	}

	logger.Info("terminal ready", zap.String("terminal_id", cfg.TerminalID))
	if err := g.Wait(); err != nil {
		logger.Error("terminal stopped with error", zap.Error(err))
		return
	}
	logger.Info("terminal stopped")
}

// serve runs an HTTP server in g until ctx is done.
func serve(ctx context.Context, g *errgroup.Group, logger *zap.Logger, name string, addr string, handler http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	g.Go(func() error {
		logger.Info(name+" listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}

func buildTerminal(ctx context.Context, cfg config.Config, logger *zap.Logger) (*terminal, error) {
	t := &terminal{registry: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			t.close(logger)
		}
	}()

	var repo store.Repository
	if cfg.DBPath != "" {
		db, err := sqlite.Open(ctx, cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open local store %s: %w", cfg.DBPath, err)
		}
		repo = db
		logger.Info("repository: sqlite", zap.String("path", cfg.DBPath))
	} else {
		repo = memory.New()
		logger.Warn("repository: in-memory; queued sales will not survive a restart")
	}
	t.closers = append(t.closers, repo.Close)

	committer, err := newLedger(cfg, logger)
	if err != nil {
		return nil, err
	}
	if c, isCloser := committer.(interface{ Close() error }); isCloser {
		t.closers = append(t.closers, c.Close)
	}
	if err := committer.Ping(ctx); err != nil {
		logger.Warn("ledger unreachable at startup; sales will queue", zap.Error(err))
	}
	committer = ledger.NewBreaker(committer, ledger.BreakerSettings{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		OpenTimeout:      cfg.BreakerOpenTimeout(),
	}, logger)

	lotCache := cache.LotSnapshotCache(cache.NoopLotSnapshotCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisLotSnapshotCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop lot cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			lotCache = redisCache
			t.closers = append(t.closers, redisCache.Close)
			logger.Info("cache: redis")
		}
	} else {
		logger.Info("cache: noop")
	}

	m := metrics.New(t.registry)
	t.queue = outbox.New(repo)
	t.engine = syncer.New(t.queue, committer, logger, m, syncer.Options{
		Interval:       cfg.SyncInterval(),
		ProbeInterval:  cfg.ProbeInterval(),
		AttemptTimeout: cfg.LedgerTimeout(),
	})
	t.register = service.New(service.Deps{
		Held:    heldsale.New(repo, cfg.TerminalID),
		Queue:   t.queue,
		Ledger:  committer,
		Sync:    t.engine,
		Lots:    lotCache,
		Logger:  logger,
		Metrics: m,
	}, service.Options{
		TerminalID:     cfg.TerminalID,
		TaxRate:        cfg.TaxRate,
		CommitTimeout:  cfg.LedgerTimeout(),
		LotSnapshotTTL: cfg.LotSnapshotTTL(),
		ManagerPIN:     cfg.ManagerPIN,
	})

	stats, err := t.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	m.SetOutboxDepth(stats.Pending, stats.Rejected)
	if stats.Pending > 0 || stats.Rejected > 0 {
		logger.Info("unsynced sales from previous session",
			zap.Int("pending", stats.Pending),
			zap.Int("rejected", stats.Rejected),
		)
	}

	ok = true
	return t, nil
}

func newLedger(cfg config.Config, logger *zap.Logger) (ledger.Committer, error) {
	switch {
	case cfg.LedgerURL != "":
		signer := ledger.NewTokenSigner(cfg.LedgerTokenSecret, cfg.TerminalID, ledgerTokenTTL)
		logger.Info("ledger: http", zap.String("url", cfg.LedgerURL))
		return ledger.NewHTTPClient(cfg.LedgerURL, signer, cfg.LedgerTimeout()), nil
	case cfg.LedgerDatabaseURL != "":
		client, err := ledger.NewPostgresClient(cfg.LedgerDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("ledger database: %w", err)
		}
		logger.Info("ledger: postgres")
		return client, nil
	}
	return nil, errors.New("LEDGER_URL or LEDGER_DATABASE_URL must be set")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func validateSecurityConfig(cfg config.Config) error {
	if cfg.LedgerURL != "" && len(cfg.LedgerTokenSecret) < 32 {
		return fmt.Errorf("LEDGER_TOKEN_SECRET must be set and at least 32 characters")
	}
	if err := validateLoopback(cfg.RegisterAddr); err != nil {
		return fmt.Errorf("REGISTER_ADDR: %w", err)
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validateLoopback keeps the register API reachable from this machine only.
func validateLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%q is not a loopback address", addr)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential, or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "147258": true,
		"159753": true, "246810": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return fmt.Errorf("PIN must contain digits only")
		}
	}

	allSame := true
	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
		}
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
