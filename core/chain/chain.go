package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "hubchan/core/errors"
	"hubchan/core/events"
	"hubchan/core/state"
	"hubchan/native/adjudicator"
	"hubchan/native/interpreter"
	"hubchan/observability/metrics"
	"hubchan/storage"
)

var (
	// ErrPastSubmission rejects a transaction stamped with a height the
	// ledger already moved beyond.
	ErrPastSubmission = coreerrors.Revert("PastSubmission")
	// ErrPastHeight rejects moving the ledger height backwards.
	ErrPastHeight = errors.New("chain: height cannot move backwards")
)

// Chain is a single-ledger host for the adjudicator. It keeps one global,
// strictly increasing height and executes transactions one at a time; every
// transaction commits atomically or not at all.
type Chain struct {
	mu        sync.Mutex
	db        storage.Database
	height    uint64
	engine    *adjudicator.Engine
	single    *interpreter.SingleAssetTwoParty
	multi     *interpreter.MultiAsset
	emitter   events.Emitter
	logger    *slog.Logger
	telemetry *metrics.AdjudicatorMetrics
}

// Option customises a Chain.
type Option func(*Chain)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEmitter forwards events of committed transactions to emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(c *Chain) {
		if emitter != nil {
			c.emitter = emitter
		}
	}
}

// New opens a chain over db, resuming at the persisted height.
func New(db storage.Database, opts ...Option) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("chain: nil database")
	}
	c := &Chain{
		db:        db,
		engine:    adjudicator.NewEngine(),
		single:    interpreter.NewSingleAssetTwoParty(),
		multi:     interpreter.NewMultiAsset(),
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		telemetry: metrics.Adjudicator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	height, err := state.NewManager(db).Height()
	if err != nil {
		return nil, fmt.Errorf("chain: load height: %w", err)
	}
	c.height = height
	c.engine.SetHeightFunc(func() uint64 { return c.height })
	c.single.SetCustody(adjudicator.CustodyAddress)
	c.multi.SetCustody(adjudicator.CustodyAddress)
	c.telemetry.SetHeight(height)
	return c, nil
}

// RegisterApp makes app available to the adjudicator with the interpreter
// matching its kind.
func (c *Chain) RegisterApp(app adjudicator.App) error {
	if app == nil {
		return fmt.Errorf("chain: nil app")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var interp interpreter.Interpreter
	switch app.InterpreterKind() {
	case interpreter.KindSingleAssetTwoParty:
		interp = c.single
	case interpreter.KindMultiAsset:
		interp = c.multi
	default:
		return fmt.Errorf("chain: unsupported interpreter kind %q", app.InterpreterKind())
	}
	return c.engine.RegisterApp(app, interp)
}

// Height returns the current block height.
func (c *Chain) Height(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

// Mine advances the height by blocks and returns the new height.
func (c *Chain) Mine(ctx context.Context, blocks uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.advanceLocked(c.height + blocks); err != nil {
		return 0, err
	}
	return c.height, nil
}

// AdvanceTo moves the height to target. Moving backwards is refused.
func (c *Chain) AdvanceTo(ctx context.Context, target uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advanceLocked(target)
}

func (c *Chain) advanceLocked(target uint64) error {
	if target < c.height {
		return fmt.Errorf("%w: at %d, asked for %d", ErrPastHeight, c.height, target)
	}
	if target == c.height {
		return nil
	}
	if err := state.NewManager(c.db).SetHeight(target); err != nil {
		return fmt.Errorf("chain: persist height: %w", err)
	}
	c.height = target
	c.telemetry.SetHeight(target)
	c.logger.Debug("ledger height advanced", slog.Uint64("height", target))
	return nil
}

// At returns a submitter whose transactions are stamped with height. A
// height of zero means the current block.
func (c *Chain) At(height uint64) *Submitter {
	return &Submitter{chain: c, height: height}
}

// execute runs fn as one transaction. Writes go to an overlay that is
// committed only when fn succeeds; events are buffered and released after
// the commit.
func (c *Chain) execute(ctx context.Context, op string, at uint64, fn func(*state.Manager) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if at != 0 {
		if at < c.height {
			err := ErrPastSubmission.With("submitted at height %d, ledger at %d", at, c.height)
			c.telemetry.ObserveRevert(op, err.Reason)
			return err
		}
		if err := c.advanceLocked(at); err != nil {
			return err
		}
	}

	start := time.Now()
	overlay := storage.NewOverlay(c.db)
	manager := state.NewManager(overlay)
	buffer := &bufferedEmitter{}
	c.bind(manager, buffer)
	defer c.bind(nil, nil)

	err := fn(manager)
	c.telemetry.ObserveTxDuration(op, time.Since(start).Seconds())
	if err != nil {
		overlay.Discard()
		reason := coreerrors.ReasonOf(err)
		if reason == "" {
			reason = "internal"
		}
		c.telemetry.ObserveRevert(op, reason)
		c.logger.Info("adjudicator transaction reverted",
			slog.String("op", op),
			slog.Uint64("height", c.height),
			slog.String("reason", reason),
			slog.Any("error", err))
		return err
	}
	if err := overlay.Commit(); err != nil {
		return fmt.Errorf("chain: commit %s: %w", op, err)
	}
	c.telemetry.ObserveOperation(op)
	c.logger.Debug("adjudicator transaction applied", slog.String("op", op), slog.Uint64("height", c.height))
	buffer.flush(c.emitter)
	return nil
}

// bind points the engine and interpreters at the transaction's state.
// Passing nil restores read access to committed state.
func (c *Chain) bind(manager *state.Manager, emitter events.Emitter) {
	if manager == nil {
		manager = state.NewManager(c.db)
	}
	c.engine.SetStateBackend(manager)
	c.engine.SetEmitter(emitter)
	c.single.SetState(manager)
	c.single.SetEmitter(emitter)
	c.multi.SetState(manager)
	c.multi.SetEmitter(emitter)
}

// view runs fn against committed state.
func (c *Chain) view(ctx context.Context, fn func(*state.Manager) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	manager := state.NewManager(c.db)
	c.bind(manager, nil)
	return fn(manager)
}

type bufferedEmitter struct {
	pending []events.Event
}

func (b *bufferedEmitter) Emit(evt events.Event) {
	b.pending = append(b.pending, evt)
}

func (b *bufferedEmitter) flush(dst events.Emitter) {
	for _, evt := range b.pending {
		dst.Emit(evt)
	}
	b.pending = nil
}

// GetAppChallenge returns the challenge for id, NO_CHALLENGE when absent.
func (c *Chain) GetAppChallenge(ctx context.Context, id common.Hash) (*adjudicator.AppChallenge, error) {
	var out *adjudicator.AppChallenge
	err := c.view(ctx, func(*state.Manager) error {
		challenge, err := c.engine.GetAppChallenge(id)
		out = challenge
		return err
	})
	return out, err
}

// GetOutcome returns the outcome recorded for id.
func (c *Chain) GetOutcome(ctx context.Context, id common.Hash) ([]byte, error) {
	var out []byte
	err := c.view(ctx, func(*state.Manager) error {
		outcome, err := c.engine.GetOutcome(id)
		out = outcome
		return err
	})
	return out, err
}

// Predicate names accepted by Check.
const (
	PredicateDisputable   = "disputable"
	PredicateProgressable = "progressable"
	PredicateCancellable  = "cancellable"
	PredicateFinalized    = "finalized"
)

// Check evaluates a challenge predicate for id at the current height.
func (c *Chain) Check(ctx context.Context, predicate string, id common.Hash) (bool, error) {
	var out bool
	err := c.view(ctx, func(*state.Manager) error {
		challenge, err := c.engine.GetAppChallenge(id)
		if err != nil {
			return err
		}
		switch predicate {
		case PredicateDisputable:
			out = c.engine.IsDisputable(challenge)
		case PredicateProgressable:
			out = c.engine.IsProgressable(challenge)
		case PredicateCancellable:
			out = c.engine.IsCancellable(challenge)
		case PredicateFinalized:
			out = c.engine.IsFinalized(challenge)
		default:
			return fmt.Errorf("chain: unknown predicate %q", predicate)
		}
		return nil
	})
	return out, err
}

// HasPassed reports whether height is at or below the current height.
func (c *Chain) HasPassed(ctx context.Context, height uint64) (bool, error) {
	var out bool
	err := c.view(ctx, func(*state.Manager) error {
		out = c.engine.HasPassed(height)
		return nil
	})
	return out, err
}

// Balance returns owner's on-ledger holding of asset.
func (c *Chain) Balance(ctx context.Context, owner, asset common.Address) (*big.Int, error) {
	var out *big.Int
	err := c.view(ctx, func(m *state.Manager) error {
		amount, err := m.AssetBalance(owner, asset)
		out = amount
		return err
	})
	return out, err
}

// Funding returns the cumulative deposit of asset into the app instance.
func (c *Chain) Funding(ctx context.Context, id common.Hash, asset common.Address) (*big.Int, error) {
	var out *big.Int
	err := c.view(ctx, func(*state.Manager) error {
		amount, err := c.engine.Funding(id, asset)
		out = amount
		return err
	})
	return out, err
}

// TotalAmountWithdrawn returns the interpreter's cumulative payout of asset
// for the app instance.
func (c *Chain) TotalAmountWithdrawn(ctx context.Context, id common.Hash, asset common.Address) (*big.Int, error) {
	var out *big.Int
	err := c.view(ctx, func(*state.Manager) error {
		amount, err := c.multi.TotalAmountWithdrawn(id, asset)
		out = amount
		return err
	})
	return out, err
}

// FundNonce returns the next nonce depositor must sign a funding request
// with.
func (c *Chain) FundNonce(ctx context.Context, depositor common.Address) (uint64, error) {
	var out uint64
	err := c.view(ctx, func(m *state.Manager) error {
		nonce, err := fundNonce(m, depositor)
		out = nonce
		return err
	})
	return out, err
}

// ChallengeIDs lists every identity hash that ever held a challenge.
func (c *Chain) ChallengeIDs(ctx context.Context) ([]common.Hash, error) {
	var out []common.Hash
	err := c.view(ctx, func(m *state.Manager) error {
		ids, err := m.ChallengeIDs()
		out = ids
		return err
	})
	return out, err
}

// The Chain's transaction methods submit at the current height.

func (c *Chain) SetState(ctx context.Context, identity adjudicator.AppIdentity, req adjudicator.SignedAppChallengeUpdate) error {
	return c.At(0).SetState(ctx, identity, req)
}

func (c *Chain) ProgressState(ctx context.Context, identity adjudicator.AppIdentity, req adjudicator.SignedAppChallengeUpdate, oldState, action []byte) error {
	return c.At(0).ProgressState(ctx, identity, req, oldState, action)
}

func (c *Chain) SetAndProgressState(ctx context.Context, identity adjudicator.AppIdentity, req1, req2 adjudicator.SignedAppChallengeUpdate, appState, action []byte) error {
	return c.At(0).SetAndProgressState(ctx, identity, req1, req2, appState, action)
}

func (c *Chain) CancelDispute(ctx context.Context, identity adjudicator.AppIdentity, req adjudicator.SignedCancelChallengeRequest) error {
	return c.At(0).CancelDispute(ctx, identity, req)
}

func (c *Chain) SetOutcome(ctx context.Context, identity adjudicator.AppIdentity, finalState []byte) error {
	return c.At(0).SetOutcome(ctx, identity, finalState)
}

func (c *Chain) Fund(ctx context.Context, req FundRequest) error {
	return c.At(0).Fund(ctx, req)
}

// Credit mints amount of asset to owner. It stands in for value bridged onto
// the ledger and is only reachable through administrative surfaces.
func (c *Chain) Credit(ctx context.Context, owner, asset common.Address, amount *big.Int) error {
	return c.At(0).Credit(ctx, owner, asset, amount)
}

// Submitter submits transactions stamped with a fixed height.
type Submitter struct {
	chain  *Chain
	height uint64
}

func (s *Submitter) SetState(ctx context.Context, identity adjudicator.AppIdentity, req adjudicator.SignedAppChallengeUpdate) error {
	return s.chain.execute(ctx, "set_state", s.height, func(*state.Manager) error {
		return s.chain.engine.SetState(identity, req)
	})
}

func (s *Submitter) ProgressState(ctx context.Context, identity adjudicator.AppIdentity, req adjudicator.SignedAppChallengeUpdate, oldState, action []byte) error {
	return s.chain.execute(ctx, "progress_state", s.height, func(*state.Manager) error {
		return s.chain.engine.ProgressState(identity, req, oldState, action)
	})
}

func (s *Submitter) SetAndProgressState(ctx context.Context, identity adjudicator.AppIdentity, req1, req2 adjudicator.SignedAppChallengeUpdate, appState, action []byte) error {
	return s.chain.execute(ctx, "set_and_progress_state", s.height, func(*state.Manager) error {
		return s.chain.engine.SetAndProgressState(identity, req1, req2, appState, action)
	})
}

func (s *Submitter) CancelDispute(ctx context.Context, identity adjudicator.AppIdentity, req adjudicator.SignedCancelChallengeRequest) error {
	return s.chain.execute(ctx, "cancel_dispute", s.height, func(*state.Manager) error {
		return s.chain.engine.CancelDispute(identity, req)
	})
}

func (s *Submitter) SetOutcome(ctx context.Context, identity adjudicator.AppIdentity, finalState []byte) error {
	return s.chain.execute(ctx, "set_outcome", s.height, func(*state.Manager) error {
		return s.chain.engine.SetOutcome(identity, finalState)
	})
}

// Fund deposits into an app instance on behalf of a depositor that signed
// req.
func (s *Submitter) Fund(ctx context.Context, req FundRequest) error {
	return s.chain.execute(ctx, "fund", s.height, func(m *state.Manager) error {
		if err := checkFundRequest(m, req); err != nil {
			return err
		}
		if err := s.chain.engine.Fund(req.Identity, req.Depositor, req.Asset, req.Amount); err != nil {
			return err
		}
		return setFundNonce(m, req.Depositor, req.Nonce+1)
	})
}

func (s *Submitter) Credit(ctx context.Context, owner, asset common.Address, amount *big.Int) error {
	return s.chain.execute(ctx, "credit", s.height, func(m *state.Manager) error {
		if amount == nil || amount.Sign() <= 0 {
			return adjudicator.ErrInvalidAmount
		}
		return m.Credit(owner, asset, amount)
	})
}
