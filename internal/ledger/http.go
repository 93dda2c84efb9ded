package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kasirinaja/terminal/internal/domain"
)

const maxResponseBytes = 1 << 20

// HTTPClient commits sales to the ledger's REST endpoint.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	signer  *TokenSigner
}

type commitResponse struct {
	Success bool   `json:"success"`
	SaleID  string `json:"sale_id"`
	Error   string `json:"error,omitempty"`
}

func NewHTTPClient(baseURL string, signer *TokenSigner, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		signer:  signer,
	}
}

func (c *HTTPClient) Commit(ctx context.Context, payload domain.SalePayload) (domain.Receipt, error) {
	payload, err := payload.WithIdempotencyKey()
	if err != nil {
		return domain.Receipt{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sales", bytes.NewReader(body))
	if err != nil {
		return domain.Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.IdempotencyKey)
	if err := c.authorize(req); err != nil {
		return domain.Receipt{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	var decoded commitResponse
	decodeErr := json.Unmarshal(raw, &decoded)

	if err := classifyStatus(resp.StatusCode, decoded.Error); err != nil {
		return domain.Receipt{}, err
	}
	// A 2xx we cannot read may still have committed; retrying with the
	// same key is safe.
	if decodeErr != nil {
		return domain.Receipt{}, fmt.Errorf("%w: decode response: %v", ErrTransient, decodeErr)
	}
	if !decoded.Success || decoded.SaleID == "" {
		return domain.Receipt{}, fmt.Errorf("%w: %s", ErrRejected, nonEmpty(decoded.Error, "ledger did not confirm the sale"))
	}
	return domain.Receipt{SaleID: decoded.SaleID, IdempotencyKey: payload.IdempotencyKey}, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: health check returned %d", ErrTransient, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) error {
	if c.signer == nil {
		return nil
	}
	token, err := c.signer.Sign()
	if err != nil {
		return fmt.Errorf("sign ledger token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// classifyStatus maps a response code to the ledger error taxonomy. Auth
// failures, timeouts and throttling are retried since the sale itself was
// never judged.
func classifyStatus(code int, message string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d %s", ErrTransient, code, message)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: %s", ErrRejected, nonEmpty(message, http.StatusText(code)))
	default:
		return fmt.Errorf("%w: status %d %s", ErrTransient, code, message)
	}
}

func nonEmpty(val string, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
