package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"hubchan/core/channel"
	coreerrors "hubchan/core/errors"
	"hubchan/core/types"
	"hubchan/crypto"
	"hubchan/native/adjudicator"
	"hubchan/native/interpreter"
)

// Definition is the app definition address of ledger channels.
var Definition = common.BytesToAddress(ethcrypto.Keccak256([]byte("hubchan/apps/ledger"))[12:])

var (
	errClosed       = errors.New("ledger app: channel already closed")
	errTokenUnbound = errors.New("ledger app: token balance without a token address")
)

// AppState is what a ledger channel puts on-chain: the co-signed ledger
// state, the initial states of the threads its root commits to, the latest
// payer-signed state settled on-chain for any of those threads and the token
// the token slot is denominated in.
type AppState struct {
	State        channel.LedgerState
	Threads      []channel.ThreadState
	Settled      []channel.ThreadState
	TokenAddress common.Address
}

// SettleThreadAction records the payer-signed state of an open thread.
// Submitter is the participant taking the turn and signing the progression.
type SettleThreadAction struct {
	Thread    channel.ThreadState
	Signature []byte
	Submitter common.Address
}

// Encode returns the canonical encoding whose keccak256 is the app state
// hash.
func (s AppState) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

// Hash returns the app state hash committed to on-chain.
func (s AppState) Hash() (common.Hash, error) {
	encoded, err := s.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return adjudicator.AppStateHash(encoded), nil
}

// DecodeAppState decodes and validates an encoded app state: balances must be
// well formed, the thread list must match the root and count, and every
// settled state must be a later version of an open thread.
func DecodeAppState(data []byte) (AppState, error) {
	var s AppState
	if err := rlp.DecodeBytes(data, &s); err != nil {
		return AppState{}, fmt.Errorf("ledger app: decode state: %w", err)
	}
	if err := channel.ValidateLedgerState(s.State); err != nil {
		return AppState{}, err
	}
	if err := channel.CheckThreadSet(s.State, s.Threads); err != nil {
		return AppState{}, err
	}
	seen := make(map[common.Hash]struct{}, len(s.Settled))
	for _, settled := range s.Settled {
		if _, dup := seen[settled.ThreadID]; dup {
			return AppState{}, channel.ErrInvalidState.With("thread %s settled twice", settled.ThreadID.Hex())
		}
		seen[settled.ThreadID] = struct{}{}
		idx := channel.FindThread(s.Threads, settled.ThreadID)
		if idx < 0 {
			return AppState{}, channel.ErrUnknownThread.With("settled thread %s not open", settled.ThreadID.Hex())
		}
		if settled.Nonce <= s.Threads[idx].Nonce {
			return AppState{}, channel.ErrInvalidState.With("settled thread %s at initial nonce", settled.ThreadID.Hex())
		}
		if err := channel.CheckThreadSettlement(s.Threads[idx], settled); err != nil {
			return AppState{}, err
		}
	}
	return s, nil
}

// Latest returns the newest state known on-chain for thread id: the settled
// state if one was recorded, otherwise the initial state.
func (s AppState) Latest(id common.Hash) (channel.ThreadState, bool) {
	if idx := channel.FindThread(s.Settled, id); idx >= 0 {
		return s.Settled[idx].Clone(), true
	}
	if idx := channel.FindThread(s.Threads, id); idx >= 0 {
		return s.Threads[idx].Clone(), true
	}
	return channel.ThreadState{}, false
}

func (a SettleThreadAction) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(a)
}

func DecodeSettleThreadAction(data []byte) (SettleThreadAction, error) {
	var a SettleThreadAction
	if err := rlp.DecodeBytes(data, &a); err != nil {
		return SettleThreadAction{}, fmt.Errorf("ledger app: decode action: %w", err)
	}
	return a, nil
}

// Identity returns the app identity of the ledger channel. The channel nonce
// is taken from the low eight bytes of the channel id.
func Identity(s channel.LedgerState, timeout uint64) adjudicator.AppIdentity {
	return adjudicator.AppIdentity{
		Participants:   s.Participants(),
		ChannelNonce:   binary.BigEndian.Uint64(s.ChannelID[24:]),
		AppDefinition:  Definition,
		DefaultTimeout: timeout,
	}
}

// SignCommitment signs the dispute commitment for s at version s.State.Nonce.
func SignCommitment(s AppState, identity adjudicator.AppIdentity, timeout uint64, key *crypto.PrivateKey) (crypto.SignatureSet, error) {
	digest, err := CommitmentDigest(s, identity, timeout)
	if err != nil {
		return crypto.SignatureSet{}, err
	}
	return crypto.Sign(digest, key)
}

// CommitmentDigest returns the digest participants sign so that s can be set
// on-chain with the given timeout.
func CommitmentDigest(s AppState, identity adjudicator.AppIdentity, timeout uint64) (common.Hash, error) {
	id, err := identity.Hash()
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := s.Hash()
	if err != nil {
		return common.Hash{}, err
	}
	return adjudicator.CommitmentDigest(id, hash, s.State.Nonce, timeout), nil
}

// App is the ledger-channel application.
type App struct{}

func New() *App { return &App{} }

func (*App) Definition() common.Address { return Definition }

// TurnTaker is the action's submitter, which may be either party. Thread
// settlement is not turn based: whoever holds the newest payer-signed state
// may record it while the challenge is progressable.
func (*App) TurnTaker(state, action []byte, participants []common.Address) (common.Address, error) {
	if _, err := DecodeAppState(state); err != nil {
		return common.Address{}, err
	}
	act, err := DecodeSettleThreadAction(action)
	if err != nil {
		return common.Address{}, err
	}
	for _, p := range participants {
		if p == act.Submitter {
			return p, nil
		}
	}
	return common.Address{}, fmt.Errorf("ledger app: submitter %s not a participant", act.Submitter.Hex())
}

// ApplyAction records the latest payer-signed state of one thread. A state
// replaces an earlier record only with a strictly higher nonce, so the
// newest state submitted before finalization is the one paid out.
func (*App) ApplyAction(state, action []byte) ([]byte, error) {
	s, err := DecodeAppState(state)
	if err != nil {
		return nil, err
	}
	if s.State.IsClose {
		return nil, errClosed
	}
	act, err := DecodeSettleThreadAction(action)
	if err != nil {
		return nil, err
	}
	signed := channel.SignedThreadState{State: act.Thread, Signature: act.Signature}
	if err := signed.Verify(); err != nil {
		return nil, err
	}
	idx := channel.FindThread(s.Threads, act.Thread.ThreadID)
	if idx < 0 {
		return nil, channel.ErrUnknownThread.With("thread %s not open in channel %s", act.Thread.ThreadID.Hex(), s.State.ChannelID.Hex())
	}
	if err := channel.CheckThreadSettlement(s.Threads[idx], act.Thread); err != nil {
		return nil, err
	}
	recorded, _ := s.Latest(act.Thread.ThreadID)
	if act.Thread.Nonce <= recorded.Nonce {
		return nil, coreerrors.Mismatch(coreerrors.ErrStaleState, channel.ErrStaleNonce.Reason, "thread nonce", fmt.Sprintf("> %d", recorded.Nonce), act.Thread.Nonce)
	}
	next := AppState{
		State:        s.State.Clone(),
		Threads:      cloneThreads(s.Threads),
		Settled:      make([]channel.ThreadState, 0, len(s.Settled)+1),
		TokenAddress: s.TokenAddress,
	}
	replaced := false
	for _, settled := range s.Settled {
		if settled.ThreadID == act.Thread.ThreadID {
			settled, replaced = act.Thread, true
		}
		next.Settled = append(next.Settled, settled.Clone())
	}
	if !replaced {
		next.Settled = append(next.Settled, act.Thread.Clone())
	}
	return next.Encode()
}

func (*App) IsStateTerminal(state []byte) (bool, error) {
	s, err := DecodeAppState(state)
	if err != nil {
		return false, err
	}
	return s.State.IsClose, nil
}

// Settle returns the channel with every open thread folded in at its latest
// on-chain state. Threads nobody settled are refunded at their initial
// state.
func Settle(s AppState) (channel.LedgerState, error) {
	current, threads := s.State, s.Threads
	for len(threads) > 0 {
		final, _ := s.Latest(threads[0].ThreadID)
		var err error
		current, threads, err = channel.FoldThread(current, threads, final)
		if err != nil {
			return channel.LedgerState{}, err
		}
	}
	return current, nil
}

func cloneThreads(threads []channel.ThreadState) []channel.ThreadState {
	out := make([]channel.ThreadState, len(threads))
	for i, thread := range threads {
		out[i] = thread.Clone()
	}
	return out
}

func (a *App) assets(s AppState) []common.Address {
	if s.TokenAddress == (common.Address{}) {
		return []common.Address{types.NativeAsset}
	}
	return []common.Address{types.NativeAsset, s.TokenAddress}
}

// ComputeOutcome pays each party its settled balance, one transfer list per
// asset.
func (a *App) ComputeOutcome(state []byte) ([]byte, error) {
	s, err := DecodeAppState(state)
	if err != nil {
		return nil, err
	}
	settled, err := Settle(s)
	if err != nil {
		return nil, err
	}
	outcome := interpreter.MultiAssetOutcome{{
		{To: settled.PartyA, Amount: settled.BalanceA.Get(types.AssetNative)},
		{To: settled.PartyI, Amount: settled.BalanceI.Get(types.AssetNative)},
	}}
	if s.TokenAddress == (common.Address{}) {
		if settled.BalanceA.Get(types.AssetToken).Sign() != 0 || settled.BalanceI.Get(types.AssetToken).Sign() != 0 {
			return nil, errTokenUnbound
		}
	} else {
		outcome = append(outcome, []interpreter.CoinTransfer{
			{To: settled.PartyA, Amount: settled.BalanceA.Get(types.AssetToken)},
			{To: settled.PartyI, Amount: settled.BalanceI.Get(types.AssetToken)},
		})
	}
	return interpreter.EncodeMultiAssetOutcome(outcome)
}

func (*App) InterpreterKind() interpreter.Kind { return interpreter.KindMultiAsset }

// InterpreterParams limits each asset to what was deposited for the channel.
func (a *App) InterpreterParams(state []byte, funding adjudicator.FundingLookup) ([]byte, error) {
	s, err := DecodeAppState(state)
	if err != nil {
		return nil, err
	}
	assets := a.assets(s)
	limits := make([]*big.Int, len(assets))
	for i, asset := range assets {
		limit, err := funding(asset)
		if err != nil {
			return nil, err
		}
		limits[i] = limit
	}
	return interpreter.EncodeMultiAssetParams(interpreter.MultiAssetParams{Limits: limits, Assets: assets})
}
