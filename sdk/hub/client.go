// Package hub is the HTTP client of the hub's request/response protocol.
// Every message goes through the strict codec in core/protocol; only reads
// are retried.
package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"hubchan/core/channel"
	"hubchan/core/protocol"
)

const (
	maxBody = 1 << 20

	headerRequestID   = "X-Request-ID"
	headerIdempotency = "Idempotency-Key"
)

// Config defines the HTTP client settings for a hub.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// FetchAttempts bounds how often an idempotent read is tried.
	FetchAttempts int
	// RetryRate limits read retries per second across the client.
	RetryRate  float64
	RetryBurst int
}

// Client talks to a hub over HTTP. It implements protocol.Hub.
type Client struct {
	baseURL    string
	apiKey     string
	attempts   int
	limiter    *rate.Limiter
	httpClient *http.Client
}

var _ protocol.Hub = (*Client)(nil)

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("hub: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.FetchAttempts
	if attempts <= 0 {
		attempts = 3
	}
	limit := rate.Limit(cfg.RetryRate)
	if cfg.RetryRate <= 0 {
		limit = rate.Limit(2)
	}
	burst := cfg.RetryBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:  strings.TrimRight(base, "/"),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		attempts: attempts,
		limiter:  rate.NewLimiter(limit, burst),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// CounterSignLedger posts a ledger update. It is never retried: a second
// attempt could be answered for a state the first attempt already moved.
func (c *Client) CounterSignLedger(ctx context.Context, update protocol.LedgerUpdate) (channel.SignedLedgerState, error) {
	body, err := protocol.EncodeLedgerUpdate(update)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	raw, err := c.post(ctx, "/v1/ledger/countersign", body)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	return protocol.DecodeSignedLedgerState(raw)
}

// SubmitPayments posts a batch of payments.
func (c *Client) SubmitPayments(ctx context.Context, batch protocol.PaymentBatch) (protocol.PaymentReceipts, error) {
	body, err := protocol.EncodePaymentBatch(batch)
	if err != nil {
		return protocol.PaymentReceipts{}, err
	}
	raw, err := c.post(ctx, "/v1/payments", body)
	if err != nil {
		return protocol.PaymentReceipts{}, err
	}
	return protocol.DecodePaymentReceipts(raw)
}

// LatestLedger fetches the hub's latest state of a channel.
func (c *Client) LatestLedger(ctx context.Context, channelID common.Hash) (channel.SignedLedgerState, error) {
	raw, err := c.fetch(ctx, "/v1/ledger/"+channelID.Hex())
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	return protocol.DecodeSignedLedgerState(raw)
}

// LatestThread fetches the latest payer-signed state of a thread.
func (c *Client) LatestThread(ctx context.Context, threadID common.Hash) (channel.SignedThreadState, error) {
	raw, err := c.fetch(ctx, "/v1/threads/"+threadID.Hex())
	if err != nil {
		return channel.SignedThreadState{}, err
	}
	return protocol.DecodeSignedThreadState(raw)
}

// OpenThreads fetches the initial states of a channel's open threads.
func (c *Client) OpenThreads(ctx context.Context, channelID common.Hash) ([]channel.ThreadState, error) {
	raw, err := c.fetch(ctx, "/v1/ledger/"+channelID.Hex()+"/threads")
	if err != nil {
		return nil, err
	}
	return protocol.DecodeThreadStates(raw)
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("hub: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerIdempotency, uuid.NewString())
	return c.do(req)
}

// fetch runs an idempotent read, retrying transport failures and 5xx
// answers at the limiter's pace.
func (c *Client) fetch(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, errors.Join(lastErr, err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("hub: request: %w", err)
		}
		raw, err := c.do(req)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		var status *statusError
		if ctx.Err() != nil || (errors.As(err, &status) && status.code < 500) || errors.Is(err, protocol.ErrHubRefused) {
			return nil, err
		}
	}
	return nil, lastErr
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("hub: unexpected status %d", e.code) }

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set(headerRequestID, uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub: call: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("hub: read: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && len(raw) > 0:
		return nil, protocol.DecodeRejection(raw)
	}
	return nil, &statusError{code: resp.StatusCode}
}
