package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testPayload() domain.SalePayload {
	return domain.SalePayload{
		ClientSaleID: "c-1",
		TerminalID:   "T1",
		PaymentType:  domain.PaymentCash,
		Tendered:     decimal.RequireFromString("250"),
		Lines: []domain.SaleLine{{
			ProductID:   "p-1",
			UnitPrice:   decimal.RequireFromString("100"),
			Discount:    decimal.Zero,
			Qty:         2,
			Allocations: []domain.SaleAllocation{{LotID: "lot-a", Qty: 2}},
		}},
	}
}

func TestHTTPClientCommitSendsKeyAndToken(t *testing.T) {
	var gotKey, gotTerminal string
	var body domain.SalePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sales" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		terminal, err := ParseTerminalToken(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "), testSecret)
		if err != nil {
			t.Errorf("parse token: %v", err)
		}
		gotTerminal = terminal
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "sale_id": "sale-42"})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL+"/", NewTokenSigner(testSecret, "T1", time.Minute), time.Second)
	receipt, err := client.Commit(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if receipt.SaleID != "sale-42" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	want, _ := testPayload().DeriveIdempotencyKey()
	if gotKey != want || body.IdempotencyKey != want || receipt.IdempotencyKey != want {
		t.Fatalf("idempotency key mismatch: header %s body %s want %s", gotKey, body.IdempotencyKey, want)
	}
	if gotTerminal != "T1" {
		t.Fatalf("expected terminal T1 in token, got %q", gotTerminal)
	}
}

func TestHTTPClientClassifiesFailures(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		rejected bool
	}{
		{name: "business rule", status: http.StatusUnprocessableEntity, body: `{"success":false,"error":"lot exhausted"}`, rejected: true},
		{name: "not confirmed", status: http.StatusOK, body: `{"success":false,"error":"stale allocation"}`, rejected: true},
		{name: "server error", status: http.StatusBadGateway, body: `oops`},
		{name: "throttled", status: http.StatusTooManyRequests, body: `{}`},
		{name: "unreadable success", status: http.StatusOK, body: `<html>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, nil, time.Second).Commit(context.Background(), testPayload())
			if tc.rejected {
				if !errors.Is(err, ErrRejected) {
					t.Fatalf("expected rejection, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrTransient) {
				t.Fatalf("expected transient failure, got %v", err)
			}
		})
	}
}

func TestHTTPClientUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewHTTPClient(url, nil, 200*time.Millisecond)
	if _, err := client.Commit(context.Background(), testPayload()); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if err := client.Ping(context.Background()); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ping failure, got %v", err)
	}
}

func TestHTTPClientPing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewHTTPClient(srv.URL, nil, time.Second).Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one health check, got %d", hits.Load())
	}
}

func TestParseTerminalTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewTokenSigner(testSecret, "T1", time.Minute).Sign()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseTerminalToken(token, "another-secret-another-secret-00"); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}
	if _, err := NewTokenSigner("", "T1", time.Minute).Sign(); err == nil {
		t.Fatalf("expected empty secret to fail")
	}
}
