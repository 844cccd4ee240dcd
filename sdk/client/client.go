package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"hubchan/core/chain"
	coreerrors "hubchan/core/errors"
	"hubchan/core/events"
	"hubchan/core/protocol"
	"hubchan/crypto"
	"hubchan/native/adjudicator"
	"hubchan/observability/metrics"
)

// Adjudicator is the on-chain surface the client escalates to. Both
// *chain.Chain and the chainrpc client satisfy it.
type Adjudicator interface {
	SetState(ctx context.Context, identity adjudicator.AppIdentity, req adjudicator.SignedAppChallengeUpdate) error
	ProgressState(ctx context.Context, identity adjudicator.AppIdentity, req adjudicator.SignedAppChallengeUpdate, oldState, action []byte) error
	SetOutcome(ctx context.Context, identity adjudicator.AppIdentity, finalState []byte) error
	GetAppChallenge(ctx context.Context, id common.Hash) (*adjudicator.AppChallenge, error)
	Check(ctx context.Context, predicate string, id common.Hash) (bool, error)
	Funding(ctx context.Context, id common.Hash, asset common.Address) (*big.Int, error)
	FundNonce(ctx context.Context, depositor common.Address) (uint64, error)
	Fund(ctx context.Context, req chain.FundRequest) error
}

// Policy decides when the client stops cooperating with the hub.
type Policy struct {
	// HubTimeout bounds every hub round trip. Zero leaves it to ctx.
	HubTimeout time.Duration
	// AutoDispute submits the latest co-signed state on-chain when the hub
	// times out or answers with something other than the proposed state.
	AutoDispute bool
	// PollInterval is how often WaitFinalized polls the adjudicator.
	PollInterval time.Duration
}

const defaultPollInterval = time.Second

// Escalation causes.
const (
	CauseHubTimeout      = "hub_timeout"
	CauseHubDisagreement = "hub_disagreement"
	CauseManual          = "manual"
)

var (
	// ErrNoCommitment is returned when a channel has no co-signed state that
	// can be taken on-chain.
	ErrNoCommitment = errors.New("client: channel has no co-signed commitment")
	// ErrChannelExists is returned when opening a channel the store already has.
	ErrChannelExists = errors.New("client: channel already exists")
)

// Client drives the user side of ledger channels and threads against a hub
// and falls back to the adjudicator when cooperation breaks down.
type Client struct {
	key     *crypto.PrivateKey
	hub     protocol.Hub
	hubAddr common.Address
	chain   Adjudicator
	store   *Store
	policy  Policy
	locks   *locker

	emitter   events.Emitter
	logger    *slog.Logger
	telemetry *metrics.ClientMetrics
}

// Option customises a Client.
type Option func(*Client)

func WithPolicy(policy Policy) Option {
	return func(c *Client) { c.policy = policy }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithEmitter(emitter events.Emitter) Option {
	return func(c *Client) {
		if emitter != nil {
			c.emitter = emitter
		}
	}
}

// New builds a client for key talking to the hub at hubAddr.
func New(key *crypto.PrivateKey, hub protocol.Hub, hubAddr common.Address, adj Adjudicator, store *Store, opts ...Option) (*Client, error) {
	if key == nil {
		return nil, fmt.Errorf("client: nil key")
	}
	if hub == nil || adj == nil || store == nil {
		return nil, fmt.Errorf("client: hub, adjudicator and store are required")
	}
	c := &Client{
		key:       key,
		hub:       hub,
		hubAddr:   hubAddr,
		chain:     adj,
		store:     store,
		locks:     newLocker(),
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		telemetry: metrics.Client(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.PollInterval <= 0 {
		c.policy.PollInterval = defaultPollInterval
	}
	return c, nil
}

// Address returns the client's account.
func (c *Client) Address() common.Address { return c.key.Address() }

// Channel returns the locally accepted state of a channel.
func (c *Client) Channel(id common.Hash) (Channel, error) { return c.store.Channel(id) }

// Channels lists the channels the client knows.
func (c *Client) Channels() ([]common.Hash, error) { return c.store.Channels() }

// Thread returns the latest known state of a thread.
func (c *Client) Thread(id common.Hash) (Thread, error) { return c.store.Thread(id) }

// locker serialises proposals per channel or thread id. Acquisition honours
// ctx so a caller waiting behind a stuck round trip can give up.
type locker struct {
	mu    sync.Mutex
	slots map[common.Hash]chan struct{}
}

func newLocker() *locker {
	return &locker{slots: make(map[common.Hash]chan struct{})}
}

func (l *locker) lock(ctx context.Context, id common.Hash) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[id]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[id] = slot
	}
	l.mu.Unlock()
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// counterSign runs one hub round trip for update and persists the result.
// Nothing local changes unless the hub answered with exactly the proposed
// state, so a cancelled or failed round trip leaves the nonce where it was.
func (c *Client) counterSign(ctx context.Context, ch Channel, update protocol.LedgerUpdate) (Channel, error) {
	op := string(update.Kind)
	rctx, cancel := c.hubContext(ctx)
	start := time.Now()
	signed, err := protocol.RequestCounterSignature(rctx, c.hub, ch.Params, update)
	cancel()
	c.telemetry.ObserveHubRequest(op, resultLabel(err), time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("hub round trip failed",
			slog.String("channel", ch.ID().Hex()),
			slog.String("op", op),
			slog.Uint64("nonce", update.Proposed.State.Nonce),
			slog.Any("error", err))
		return Channel{}, c.escalate(ctx, ch, err)
	}
	next := ch
	next.Latest = signed
	next.Threads = update.Threads
	if err := c.accept(next); err != nil {
		return Channel{}, err
	}
	return next, nil
}

func (c *Client) hubContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.policy.HubTimeout > 0 {
		return context.WithTimeout(ctx, c.policy.HubTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) accept(ch Channel) error {
	if err := c.store.PutChannel(ch); err != nil {
		return err
	}
	state := ch.Latest.State
	balance, _ := state.BalanceOf(c.Address())
	c.telemetry.SetNonce(state.ChannelID.Hex(), state.Nonce)
	c.emitter.Emit(events.LedgerUpdateAccepted{
		ChannelID: state.ChannelID,
		Nonce:     state.Nonce,
		Party:     state.PartyA,
		Hub:       state.PartyI,
		Balance:   balance,
		Threads:   state.OpenThreadCount,
		Closing:   state.IsClose,
	})
	c.logger.Info("ledger update accepted",
		slog.String("channel", state.ChannelID.Hex()),
		slog.Uint64("nonce", state.Nonce),
		slog.Uint64("threads", state.OpenThreadCount))
	return nil
}

// escalate applies the policy to a failed round trip and returns the
// original error, joined with the dispute failure if there was one.
func (c *Client) escalate(ctx context.Context, ch Channel, cause error) error {
	reason, ok := escalationCause(ctx, cause)
	if !ok || !c.policy.AutoDispute {
		return cause
	}
	if _, err := c.forceClose(ctx, ch, reason); err != nil {
		return errors.Join(cause, fmt.Errorf("client: escalate: %w", err))
	}
	return cause
}

func escalationCause(ctx context.Context, err error) (string, bool) {
	switch {
	case errors.Is(err, protocol.ErrHubRefused):
		return "", false
	case errors.Is(err, coreerrors.ErrHubDisagreement), errors.Is(err, coreerrors.ErrSignature):
		return CauseHubDisagreement, true
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return CauseHubTimeout, true
	}
	return "", false
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, protocol.ErrHubRefused):
		return "refused"
	case errors.Is(err, coreerrors.ErrHubDisagreement):
		return "disagreement"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
