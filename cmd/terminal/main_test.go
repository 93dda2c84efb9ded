package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/config"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/ledger"
	"kasirinaja/terminal/internal/service"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := []config.Config{
		{RegisterAddr: "127.0.0.1:8081", LedgerURL: "http://ledger", LedgerTokenSecret: "short", ManagerPIN: "739154"},
		{RegisterAddr: "0.0.0.0:8081", ManagerPIN: "739154"},
		{RegisterAddr: ":8081", ManagerPIN: "739154"},
		{RegisterAddr: "127.0.0.1:8081", ManagerPIN: "123456"},
		{RegisterAddr: "127.0.0.1:8081", ManagerPIN: "987654"},
		{RegisterAddr: "127.0.0.1:8081", ManagerPIN: "777777"},
		{RegisterAddr: "127.0.0.1:8081", ManagerPIN: "73915a"},
		{RegisterAddr: "127.0.0.1:8081", ManagerPIN: "7391"},
	}
	for _, cfg := range cases {
		if err := validateSecurityConfig(cfg); err == nil {
			t.Fatalf("expected weak security config to be rejected: %+v", cfg)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{RegisterAddr: "127.0.0.1:8081", LedgerURL: "http://ledger", LedgerTokenSecret: testSecret, ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
	if err := validateSecurityConfig(config.Config{RegisterAddr: "[::1]:8081", LedgerDatabaseURL: "postgres://ledger", ManagerPIN: "739154"}); err != nil {
		t.Fatalf("database ledger needs no token secret, got %v", err)
	}
}

func TestBuildTerminalRequiresLedger(t *testing.T) {
	_, err := buildTerminal(context.Background(), config.Config{TerminalID: "T1"}, zap.NewNop())
	if err == nil {
		t.Fatalf("expected missing ledger to be rejected")
	}
}

func TestBuildTerminalWiresCheckoutToLedger(t *testing.T) {
	var commits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		case "/v1/sales":
			token := r.Header.Get("Authorization")
			if len(token) < 8 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if terminalID, err := ledger.ParseTerminalToken(token[len("Bearer "):], testSecret); err != nil || terminalID != "T1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			commits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true,"sale_id":"S-100"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := config.Config{
		TerminalID:              "T1",
		DBPath:                  filepath.Join(t.TempDir(), "terminal.db"),
		LedgerURL:               srv.URL,
		LedgerTokenSecret:       testSecret,
		LedgerTimeoutMS:         2000,
		SyncIntervalSeconds:     30,
		TaxRate:                 decimal.RequireFromString("0.16"),
		LotSnapshotTTLSeconds:   60,
		ManagerPIN:              "739154",
		BreakerFailureThreshold: 3,
		BreakerOpenSeconds:      30,
	}
	ctx := context.Background()
	term, err := buildTerminal(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("build terminal: %v", err)
	}
	defer term.close(zap.NewNop())

	product := domain.Product{ID: "p-1", Name: "Tea", UnitPrice: decimal.RequireFromString("12.50")}
	lots := []domain.Lot{{ID: "lot-1", ProductID: "p-1", ExpiryDate: time.Now().AddDate(0, 1, 0), QtyAvailable: 5}}
	if _, err := term.register.AddProduct(ctx, product, 2, lots); err != nil {
		t.Fatalf("add product: %v", err)
	}

	result, err := term.register.Checkout(ctx, service.Payment{Type: domain.PaymentCard, Tendered: decimal.RequireFromString("29.00")})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Outcome != service.OutcomeCommitted || result.SaleID != "S-100" {
		t.Fatalf("unexpected checkout result %+v", result)
	}
	if commits.Load() != 1 {
		t.Fatalf("expected one ledger commit, got %d", commits.Load())
	}
}
