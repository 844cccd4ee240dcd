package adjudicator

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	coreerrors "hubchan/core/errors"
	"hubchan/core/events"
	"hubchan/core/types"
	"hubchan/crypto"
	"hubchan/native/interpreter"
	"hubchan/observability/metrics"
)

// Revert reasons. Their wording is part of the adjudicator's surface.
var (
	ErrOutdatedState     = coreerrors.Revert("OutdatedState")
	ErrNotDisputable     = coreerrors.Revert("NotDisputable")
	ErrNotProgressable   = coreerrors.Revert("NotProgressable")
	ErrWrongVersion      = coreerrors.Revert("WrongVersion")
	ErrStateMismatch     = coreerrors.Revert("StateMismatch")
	ErrNotCancellable    = coreerrors.Revert("NotCancellable")
	ErrNotFinalized      = coreerrors.Revert("NotFinalized")
	ErrInvalidSignature  = coreerrors.Revert("InvalidSignature")
	ErrOutcomeAlreadySet = coreerrors.Revert("OutcomeAlreadySet")
	ErrOutcomeNotSet     = coreerrors.Revert("OutcomeNotSet")
	ErrUnknownApp        = coreerrors.Revert("UnknownApp")
	ErrInvalidAmount     = coreerrors.Revert("InvalidAmount")
	ErrInsufficientFunds = coreerrors.Revert("InsufficientFunds")
)

var errNilState = errors.New("adjudicator engine: state not configured")

// CustodyAddress is the account holding funds deposited into app instances.
var CustodyAddress = common.BytesToAddress(ethcrypto.Keccak256([]byte("hubchan/adjudicator/custody"))[12:])

type engineState interface {
	AppChallenge(id common.Hash) (*AppChallenge, bool, error)
	PutAppChallenge(id common.Hash, challenge *AppChallenge) error
	DeleteAppChallenge(id common.Hash) error
	AppOutcome(id common.Hash) ([]byte, bool, error)
	PutAppOutcome(id common.Hash, outcome []byte) error
	InstanceFunding(id common.Hash, asset common.Address) (*big.Int, error)
	SetInstanceFunding(id common.Hash, asset common.Address, amount *big.Int) error
	AssetBalance(owner, asset common.Address) (*big.Int, error)
	SetAssetBalance(owner, asset common.Address, amount *big.Int) error
}

type adjudicatorEvent struct {
	evt *types.Event
}

func (e adjudicatorEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e adjudicatorEvent) Event() *types.Event { return e.evt }

// Engine is the challenge registry. It owns no locking: the hosting ledger
// executes one transaction at a time.
type Engine struct {
	state     engineState
	emitter   events.Emitter
	heightFn  func() uint64
	apps      map[common.Address]registeredApp
	telemetry *metrics.AdjudicatorMetrics
}

// NewEngine creates an engine with a no-op emitter and a height source fixed
// at zero until SetHeightFunc is called.
func NewEngine() *Engine {
	return &Engine{
		emitter:   events.NoopEmitter{},
		heightFn:  func() uint64 { return 0 },
		apps:      make(map[common.Address]registeredApp),
		telemetry: metrics.Adjudicator(),
	}
}

// SetStateBackend configures the state backend used by the engine.
func (e *Engine) SetStateBackend(state engineState) { e.state = state }

// SetHeightFunc configures the block height source.
func (e *Engine) SetHeightFunc(height func() uint64) {
	if height == nil {
		e.heightFn = func() uint64 { return 0 }
		return
	}
	e.heightFn = height
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// RegisterApp makes app available to identities referencing its definition.
// Outcomes are executed through interp.
func (e *Engine) RegisterApp(app App, interp interpreter.Interpreter) error {
	if app == nil || interp == nil {
		return fmt.Errorf("adjudicator: nil app or interpreter")
	}
	if app.InterpreterKind() != interp.Kind() {
		return fmt.Errorf("adjudicator: app %s expects interpreter %s, got %s", app.Definition().Hex(), app.InterpreterKind(), interp.Kind())
	}
	if _, exists := e.apps[app.Definition()]; exists {
		return fmt.Errorf("adjudicator: app %s already registered", app.Definition().Hex())
	}
	e.apps[app.Definition()] = registeredApp{app: app, interp: interp}
	return nil
}

// Interpreter returns the interpreter registered for the app definition.
func (e *Engine) Interpreter(definition common.Address) (interpreter.Interpreter, bool) {
	reg, ok := e.apps[definition]
	return reg.interp, ok
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(adjudicatorEvent{evt: event})
}

func (e *Engine) height() uint64 {
	if e == nil || e.heightFn == nil {
		return 0
	}
	return e.heightFn()
}

// HasPassed reports whether height is at or below the current block height.
func (e *Engine) HasPassed(height uint64) bool {
	return height <= e.height()
}

// IsDisputable reports whether setState may overwrite the challenge.
func (e *Engine) IsDisputable(c *AppChallenge) bool {
	c = c.Clone()
	return c.Status == StatusNoChallenge ||
		(c.Status == StatusInDispute && !e.HasPassed(c.FinalizesAt))
}

// IsProgressable reports whether progressState may advance the challenge.
func (e *Engine) IsProgressable(c *AppChallenge) bool {
	c = c.Clone()
	switch c.Status {
	case StatusInDispute:
		return e.HasPassed(c.FinalizesAt)
	case StatusInOnchainProgression:
		return !e.HasPassed(c.FinalizesAt)
	default:
		return false
	}
}

// IsCancellable reports whether cancelDispute may clear the challenge.
func (e *Engine) IsCancellable(c *AppChallenge) bool {
	c = c.Clone()
	switch c.Status {
	case StatusInDispute, StatusInOnchainProgression:
		return !e.HasPassed(c.FinalizesAt)
	default:
		return false
	}
}

// IsFinalized reports whether the challenge's state can no longer change
// and an outcome may be set.
func (e *Engine) IsFinalized(c *AppChallenge) bool {
	c = c.Clone()
	switch c.Status {
	case StatusExplicitlyFinalized:
		return true
	case StatusInDispute, StatusInOnchainProgression:
		return e.HasPassed(c.FinalizesAt)
	default:
		return false
	}
}

// GetAppChallenge returns the stored challenge, NO_CHALLENGE when absent.
func (e *Engine) GetAppChallenge(id common.Hash) (*AppChallenge, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	challenge, ok, err := e.state.AppChallenge(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &AppChallenge{}, nil
	}
	return challenge.Clone(), nil
}

// GetOutcome returns the outcome recorded by setOutcome.
func (e *Engine) GetOutcome(id common.Hash) ([]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	outcome, ok, err := e.state.AppOutcome(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOutcomeNotSet
	}
	return append([]byte(nil), outcome...), nil
}

// SetState records a commitment signed by every participant and opens (or
// extends) the dispute window.
func (e *Engine) SetState(identity AppIdentity, req SignedAppChallengeUpdate) error {
	id, challenge, err := e.load(identity)
	if err != nil {
		return err
	}
	if err := e.checkSetState(identity, id, challenge, req); err != nil {
		return err
	}
	next := &AppChallenge{
		Status:        StatusInDispute,
		AppStateHash:  req.AppStateHash,
		VersionNumber: req.VersionNumber,
		FinalizesAt:   e.height() + req.Timeout,
	}
	return e.store(id, next)
}

func (e *Engine) checkSetState(identity AppIdentity, id common.Hash, challenge *AppChallenge, req SignedAppChallengeUpdate) error {
	if req.VersionNumber <= challenge.VersionNumber {
		return coreerrors.Mismatch(coreerrors.ErrChainState, ErrOutdatedState.Reason, "versionNumber", fmt.Sprintf("> %d", challenge.VersionNumber), req.VersionNumber)
	}
	if !e.IsDisputable(challenge) {
		return ErrNotDisputable.With("challenge is %s, finalizes at %d, height %d", challenge.Status, challenge.FinalizesAt, e.height())
	}
	digest := CommitmentDigest(id, req.AppStateHash, req.VersionNumber, req.Timeout)
	if err := crypto.CheckAll(digest, req.Signatures, identity.Participants); err != nil {
		return ErrInvalidSignature.Wrap(err)
	}
	return nil
}

// ProgressState applies one action to the disputed state once the dispute
// window has elapsed, or while an on-chain progression is still open.
func (e *Engine) ProgressState(identity AppIdentity, req SignedAppChallengeUpdate, oldState, action []byte) error {
	id, challenge, err := e.load(identity)
	if err != nil {
		return err
	}
	reg, err := e.app(identity)
	if err != nil {
		return err
	}
	if !e.IsProgressable(challenge) {
		return ErrNotProgressable.With("challenge is %s, finalizes at %d, height %d", challenge.Status, challenge.FinalizesAt, e.height())
	}
	if got := AppStateHash(oldState); got != challenge.AppStateHash {
		return coreerrors.Mismatch(coreerrors.ErrChainState, ErrStateMismatch.Reason, "appStateHash", challenge.AppStateHash.Hex(), got.Hex())
	}
	next, err := e.progress(identity, id, reg, challenge, req, oldState, action)
	if err != nil {
		return err
	}
	return e.store(id, next)
}

// progress validates and computes the challenge after one action without
// writing it.
func (e *Engine) progress(identity AppIdentity, id common.Hash, reg registeredApp, challenge *AppChallenge, req SignedAppChallengeUpdate, oldState, action []byte) (*AppChallenge, error) {
	newState, err := reg.app.ApplyAction(oldState, action)
	if err != nil {
		return nil, ErrStateMismatch.With("apply action").Wrap(err)
	}
	if req.VersionNumber != challenge.VersionNumber+1 {
		return nil, coreerrors.Mismatch(coreerrors.ErrChainState, ErrWrongVersion.Reason, "versionNumber", challenge.VersionNumber+1, req.VersionNumber)
	}
	newHash := AppStateHash(newState)
	if req.AppStateHash != (common.Hash{}) && req.AppStateHash != newHash {
		return nil, coreerrors.Mismatch(coreerrors.ErrChainState, ErrStateMismatch.Reason, "new appStateHash", newHash.Hex(), req.AppStateHash.Hex())
	}
	turnTaker, err := reg.app.TurnTaker(oldState, action, identity.Participants)
	if err != nil {
		return nil, ErrStateMismatch.With("turn taker").Wrap(err)
	}
	if len(req.Signatures) != 1 {
		return nil, ErrInvalidSignature.With("progression needs exactly the turn taker's signature, got %d", len(req.Signatures))
	}
	digest := CommitmentDigest(id, newHash, req.VersionNumber, req.Timeout)
	if err := crypto.CheckAll(digest, req.Signatures, []common.Address{turnTaker}); err != nil {
		return nil, ErrInvalidSignature.Wrap(err)
	}
	terminal, err := reg.app.IsStateTerminal(newState)
	if err != nil {
		return nil, ErrStateMismatch.With("terminal check").Wrap(err)
	}
	next := &AppChallenge{
		Status:        StatusInOnchainProgression,
		AppStateHash:  newHash,
		VersionNumber: req.VersionNumber,
		FinalizesAt:   e.height() + identity.DefaultTimeout,
	}
	if terminal {
		next.Status = StatusExplicitlyFinalized
		next.FinalizesAt = e.height()
	}
	return next, nil
}

// SetAndProgressState records req1 and immediately applies action to state
// under req2. Nothing is written unless both steps validate.
func (e *Engine) SetAndProgressState(identity AppIdentity, req1, req2 SignedAppChallengeUpdate, state, action []byte) error {
	if req2.Timeout != 0 {
		return ErrNotProgressable.With("immediate progression requires timeout 0, got %d", req2.Timeout)
	}
	id, challenge, err := e.load(identity)
	if err != nil {
		return err
	}
	reg, err := e.app(identity)
	if err != nil {
		return err
	}
	if err := e.checkSetState(identity, id, challenge, req1); err != nil {
		return err
	}
	if got := AppStateHash(state); got != req1.AppStateHash {
		return coreerrors.Mismatch(coreerrors.ErrChainState, ErrStateMismatch.Reason, "appStateHash", req1.AppStateHash.Hex(), got.Hex())
	}
	intermediate := &AppChallenge{
		Status:        StatusInDispute,
		AppStateHash:  req1.AppStateHash,
		VersionNumber: req1.VersionNumber,
		FinalizesAt:   e.height() + req1.Timeout,
	}
	next, err := e.progress(identity, id, reg, intermediate, req2, state, action)
	if err != nil {
		return err
	}
	return e.store(id, next)
}

// CancelDispute clears a challenge that every participant agrees to drop at
// exactly its stored version.
func (e *Engine) CancelDispute(identity AppIdentity, req SignedCancelChallengeRequest) error {
	id, challenge, err := e.load(identity)
	if err != nil {
		return err
	}
	if !e.IsCancellable(challenge) {
		return ErrNotCancellable.With("challenge is %s, finalizes at %d, height %d", challenge.Status, challenge.FinalizesAt, e.height())
	}
	if req.VersionNumber != challenge.VersionNumber {
		return coreerrors.Mismatch(coreerrors.ErrChainState, ErrNotCancellable.Reason, "versionNumber", challenge.VersionNumber, req.VersionNumber)
	}
	if err := crypto.CheckAll(CancelDigest(id, req.VersionNumber), req.Signatures, identity.Participants); err != nil {
		return ErrInvalidSignature.Wrap(err)
	}
	if err := e.state.DeleteAppChallenge(id); err != nil {
		return err
	}
	e.telemetry.ObserveChallengeStatus(StatusNoChallenge.String())
	e.emit(events.ChallengeCancelled{Identity: id, Version: req.VersionNumber}.Event())
	return nil
}

// SetOutcome settles a finalized challenge: the app computes the outcome of
// finalState and the registered interpreter pays it out of custody.
func (e *Engine) SetOutcome(identity AppIdentity, finalState []byte) error {
	id, challenge, err := e.load(identity)
	if err != nil {
		return err
	}
	reg, err := e.app(identity)
	if err != nil {
		return err
	}
	if challenge.Status == StatusOutcomeSet {
		return ErrOutcomeAlreadySet
	}
	if !e.IsFinalized(challenge) {
		return ErrNotFinalized.With("challenge is %s, finalizes at %d, height %d", challenge.Status, challenge.FinalizesAt, e.height())
	}
	if got := AppStateHash(finalState); got != challenge.AppStateHash {
		return coreerrors.Mismatch(coreerrors.ErrChainState, ErrStateMismatch.Reason, "appStateHash", challenge.AppStateHash.Hex(), got.Hex())
	}
	outcome, err := reg.app.ComputeOutcome(finalState)
	if err != nil {
		return ErrStateMismatch.With("compute outcome").Wrap(err)
	}
	params, err := reg.app.InterpreterParams(finalState, func(asset common.Address) (*big.Int, error) {
		return e.state.InstanceFunding(id, asset)
	})
	if err != nil {
		return ErrStateMismatch.With("interpreter params").Wrap(err)
	}
	if err := reg.interp.InterpretOutcomeAndExecuteEffect(id, outcome, params); err != nil {
		return err
	}
	if err := e.state.PutAppOutcome(id, outcome); err != nil {
		return err
	}
	settled := challenge.Clone()
	settled.Status = StatusOutcomeSet
	if err := e.state.PutAppChallenge(id, settled); err != nil {
		return err
	}
	e.telemetry.ObservePayout(string(reg.interp.Kind()))
	e.telemetry.ObserveChallengeStatus(StatusOutcomeSet.String())
	e.emit(events.OutcomeSet{Identity: id, OutcomeHash: ethcrypto.Keccak256Hash(outcome), Height: e.height()}.Event())
	return nil
}

// Fund moves amount of asset from depositor into custody on behalf of the
// app instance. The instance's funding bounds what its outcome can pay.
func (e *Engine) Fund(identity common.Hash, depositor, asset common.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := e.state.AssetBalance(depositor, asset)
	if err != nil {
		return err
	}
	if balance == nil || balance.Cmp(amount) < 0 {
		return coreerrors.Mismatch(coreerrors.ErrChainState, ErrInsufficientFunds.Reason, "balance", amount, balance)
	}
	held, err := e.state.AssetBalance(CustodyAddress, asset)
	if err != nil {
		return err
	}
	if held == nil {
		held = big.NewInt(0)
	}
	funded, err := e.state.InstanceFunding(identity, asset)
	if err != nil {
		return err
	}
	if funded == nil {
		funded = big.NewInt(0)
	}
	total := new(big.Int).Add(funded, amount)
	if err := e.state.SetAssetBalance(depositor, asset, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	if err := e.state.SetAssetBalance(CustodyAddress, asset, new(big.Int).Add(held, amount)); err != nil {
		return err
	}
	if err := e.state.SetInstanceFunding(identity, asset, total); err != nil {
		return err
	}
	e.emit(events.InstanceFunded{
		Identity:  identity,
		Depositor: depositor,
		Asset:     asset,
		Amount:    new(big.Int).Set(amount),
		Total:     total,
	}.Event())
	return nil
}

// Funding returns the cumulative deposit of asset into the instance.
func (e *Engine) Funding(identity common.Hash, asset common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	funded, err := e.state.InstanceFunding(identity, asset)
	if err != nil {
		return nil, err
	}
	if funded == nil {
		return big.NewInt(0), nil
	}
	return funded, nil
}

func (e *Engine) load(identity AppIdentity) (common.Hash, *AppChallenge, error) {
	if e == nil || e.state == nil {
		return common.Hash{}, nil, errNilState
	}
	id, err := identity.Hash()
	if err != nil {
		return common.Hash{}, nil, err
	}
	challenge, err := e.GetAppChallenge(id)
	if err != nil {
		return common.Hash{}, nil, err
	}
	return id, challenge, nil
}

func (e *Engine) app(identity AppIdentity) (registeredApp, error) {
	reg, ok := e.apps[identity.AppDefinition]
	if !ok {
		return registeredApp{}, ErrUnknownApp.With("no app registered at %s", identity.AppDefinition.Hex())
	}
	return reg, nil
}

func (e *Engine) store(id common.Hash, challenge *AppChallenge) error {
	if err := e.state.PutAppChallenge(id, challenge); err != nil {
		return err
	}
	e.telemetry.ObserveChallengeStatus(challenge.Status.String())
	e.emit(events.ChallengeUpdated{
		Identity:     id,
		Status:       challenge.Status.String(),
		AppStateHash: challenge.AppStateHash,
		Version:      challenge.VersionNumber,
		FinalizesAt:  challenge.FinalizesAt,
	}.Event())
	return nil
}
