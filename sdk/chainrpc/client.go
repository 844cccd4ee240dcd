package chainrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"hubchan/core/chain"
	"hubchan/native/adjudicator"
)

const (
	maxBody         = 1 << 20
	headerRequestID = "X-Request-ID"
)

// Config defines the HTTP client settings for adjudicatord.
type Config struct {
	BaseURL string
	// AdminToken is the bearer token presented to /admin routes.
	AdminToken    string
	Timeout       time.Duration
	FetchAttempts int
	RetryRate     float64
	RetryBurst    int
}

// Client calls adjudicatord. It satisfies client.Adjudicator.
type Client struct {
	baseURL    string
	adminToken string
	attempts   int
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("chainrpc: base url required")
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
		baseURL:    strings.TrimRight(base, "/"),
		adminToken: strings.TrimSpace(cfg.AdminToken),
		attempts:   attempts,
		limiter:    rate.NewLimiter(limit, burst),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (c *Client) Height(ctx context.Context) (uint64, error) {
	var out HeightResponse
	if err := c.get(ctx, "/v1/height", &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

func (c *Client) GetAppChallenge(ctx context.Context, id common.Hash) (*adjudicator.AppChallenge, error) {
	var out Challenge
	if err := c.get(ctx, "/v1/challenges/"+id.Hex(), &out); err != nil {
		return nil, err
	}
	return out.AppChallenge()
}

func (c *Client) GetOutcome(ctx context.Context, id common.Hash) ([]byte, error) {
	var out OutcomeResponse
	if err := c.get(ctx, "/v1/challenges/"+id.Hex()+"/outcome", &out); err != nil {
		return nil, err
	}
	return out.Outcome, nil
}

// Check evaluates one of the chain.Predicate* predicates.
func (c *Client) Check(ctx context.Context, predicate string, id common.Hash) (bool, error) {
	var out PredicateResponse
	if err := c.get(ctx, "/v1/challenges/"+id.Hex()+"/predicates/"+predicate, &out); err != nil {
		return false, err
	}
	return out.Value, nil
}

func (c *Client) HasPassed(ctx context.Context, height uint64) (bool, error) {
	var out PredicateResponse
	if err := c.get(ctx, "/v1/heights/"+strconv.FormatUint(height, 10)+"/passed", &out); err != nil {
		return false, err
	}
	return out.Value, nil
}

func (c *Client) Balance(ctx context.Context, owner, asset common.Address) (*big.Int, error) {
	return c.amount(ctx, "/v1/balances/"+owner.Hex()+"/"+asset.Hex())
}

func (c *Client) Funding(ctx context.Context, id common.Hash, asset common.Address) (*big.Int, error) {
	return c.amount(ctx, "/v1/fundings/"+id.Hex()+"/"+asset.Hex())
}

func (c *Client) TotalAmountWithdrawn(ctx context.Context, id common.Hash, asset common.Address) (*big.Int, error) {
	return c.amount(ctx, "/v1/withdrawn/"+id.Hex()+"/"+asset.Hex())
}

func (c *Client) FundNonce(ctx context.Context, depositor common.Address) (uint64, error) {
	var out NonceResponse
	if err := c.get(ctx, "/v1/fund-nonces/"+depositor.Hex(), &out); err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

func (c *Client) amount(ctx context.Context, path string) (*big.Int, error) {
	var out AmountResponse
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return Amount(out.Amount), nil
}

func (c *Client) SetState(ctx context.Context, identity adjudicator.AppIdentity, req adjudicator.SignedAppChallengeUpdate) error {
	return c.post(ctx, "/v1/tx/set-state", "", SetStateRequest{Identity: IdentityFrom(identity), Update: UpdateFrom(req)}, nil)
}

func (c *Client) ProgressState(ctx context.Context, identity adjudicator.AppIdentity, req adjudicator.SignedAppChallengeUpdate, oldState, action []byte) error {
	return c.post(ctx, "/v1/tx/progress-state", "", ProgressStateRequest{
		Identity: IdentityFrom(identity),
		Update:   UpdateFrom(req),
		OldState: oldState,
		Action:   action,
	}, nil)
}

func (c *Client) SetAndProgressState(ctx context.Context, identity adjudicator.AppIdentity, req1, req2 adjudicator.SignedAppChallengeUpdate, appState, action []byte) error {
	return c.post(ctx, "/v1/tx/set-and-progress-state", "", SetAndProgressStateRequest{
		Identity: IdentityFrom(identity),
		Set:      UpdateFrom(req1),
		Progress: UpdateFrom(req2),
		AppState: appState,
		Action:   action,
	}, nil)
}

func (c *Client) CancelDispute(ctx context.Context, identity adjudicator.AppIdentity, req adjudicator.SignedCancelChallengeRequest) error {
	return c.post(ctx, "/v1/tx/cancel-dispute", "", CancelDisputeRequest{
		Identity:      IdentityFrom(identity),
		VersionNumber: req.VersionNumber,
		Signatures:    toHex(req.Signatures),
	}, nil)
}

func (c *Client) SetOutcome(ctx context.Context, identity adjudicator.AppIdentity, finalState []byte) error {
	return c.post(ctx, "/v1/tx/set-outcome", "", SetOutcomeRequest{Identity: IdentityFrom(identity), FinalState: finalState}, nil)
}

func (c *Client) Fund(ctx context.Context, req chain.FundRequest) error {
	return c.post(ctx, "/v1/tx/fund", "", FundRequestFrom(req), nil)
}

// Mine advances the ledger by blocks. It needs an admin token.
func (c *Client) Mine(ctx context.Context, blocks uint64) (uint64, error) {
	var out HeightResponse
	if err := c.post(ctx, "/admin/mine", c.adminToken, MineRequest{Blocks: blocks}, &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

// Credit mints value to owner. It needs an admin token.
func (c *Client) Credit(ctx context.Context, owner, asset common.Address, amount *big.Int) error {
	return c.post(ctx, "/admin/credit", c.adminToken, CreditRequest{Owner: owner, Asset: asset, Amount: (*hexutil.Big)(amount)}, nil)
}

// get runs an idempotent read, retrying transport failures and 5xx answers
// at the limiter's pace.
func (c *Client) get(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if err := c.limiter.Wait(ctx); err != nil {
				return errors.Join(lastErr, err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("chainrpc: request: %w", err)
		}
		err = c.do(req, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			return err
		}
	}
	return lastErr
}

// post submits a transaction once. Transactions are not idempotent.
func (c *Client) post(ctx context.Context, path, token string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("chainrpc: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("chainrpc: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("chainrpc: unexpected status %d", e.code) }

type transportError struct {
	err error
}

func (e *transportError) Error() string { return "chainrpc: call: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var t *transportError
	if errors.As(err, &t) {
		return true
	}
	var status *statusError
	return errors.As(err, &status) && status.code >= 500
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set(headerRequestID, uuid.NewString())
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("chainrpc: read: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("chainrpc: decode: %w", err)
		}
		return nil
	}
	if resp.StatusCode < 500 && len(raw) > 0 {
		var failure ErrorResponse
		if err := json.Unmarshal(raw, &failure); err == nil && failure.Reason != "" {
			return failure.DecodeError()
		}
	}
	return &statusError{code: resp.StatusCode}
}
