package protocol

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"hubchan/core/channel"
	coreerrors "hubchan/core/errors"
	"hubchan/core/types"
	"hubchan/crypto"
	"hubchan/native/adjudicator"
	"hubchan/native/apps/ledger"
)

// UpdateKind names what a ledger update does.
type UpdateKind string

const (
	KindPayment     UpdateKind = "payment"
	KindDeposit     UpdateKind = "deposit"
	KindOpenThread  UpdateKind = "open-thread"
	KindBondThread  UpdateKind = "bond-thread"
	KindCloseThread UpdateKind = "close-thread"
	KindFastClose   UpdateKind = "fast-close"
)

func (k UpdateKind) Valid() bool {
	switch k {
	case KindPayment, KindDeposit, KindOpenThread, KindBondThread, KindCloseThread, KindFastClose:
		return true
	}
	return false
}

var (
	ErrEmptyUpdate = coreerrors.New(coreerrors.ErrValidation, "EmptyUpdate", "")
	ErrOpenThreads = coreerrors.New(coreerrors.ErrValidation, "OpenThreads", "")
)

// Params are the per-channel constants both parties agree on when the
// channel is opened.
type Params struct {
	// DisputeTimeout is the default timeout, in blocks, of the channel's app
	// identity and of every regular commitment.
	DisputeTimeout uint64
	// TokenAddress denominates the token slot. Zero means native only.
	TokenAddress common.Address
}

// Identity returns the adjudicator identity of the channel.
func (p Params) Identity(s channel.LedgerState) adjudicator.AppIdentity {
	return ledger.Identity(s, p.DisputeTimeout)
}

// AppState returns what the channel puts on-chain for s.
func (p Params) AppState(s channel.LedgerState, threads []channel.ThreadState) ledger.AppState {
	return ledger.AppState{State: s.Clone(), Threads: cloneThreads(threads), TokenAddress: p.TokenAddress}
}

// Assets lists the on-chain asset of every balance slot in use.
func (p Params) Assets() map[types.AssetKind]common.Address {
	assets := map[types.AssetKind]common.Address{types.AssetNative: types.NativeAsset}
	if p.TokenAddress != (common.Address{}) {
		assets[types.AssetToken] = p.TokenAddress
	}
	return assets
}

// LedgerUpdate is a proposed ledger state signed by the proposer, with the
// open threads its root commits to. Thread is the opened, bonded or settled
// thread for the thread kinds. Timeout is the commitment timeout.
type LedgerUpdate struct {
	Kind     UpdateKind
	Proposed channel.SignedLedgerState
	Threads  []channel.ThreadState
	Thread   *channel.SignedThreadState
	Timeout  uint64
}

// DepositVerifier reports the on-chain funding of a channel's app instance.
type DepositVerifier interface {
	Funding(ctx context.Context, identity common.Hash, asset common.Address) (*big.Int, error)
}

// ProposeLedgerUpdate moves value between the two parties. delta is the
// signed change to the signer's own balance: a signer may only pay, so any
// positive component is refused with Unauthorized.
func ProposeLedgerUpdate(params Params, current channel.LedgerState, threads []channel.ThreadState, delta types.Balance, key *crypto.PrivateKey) (LedgerUpdate, error) {
	signer := key.Address()
	if _, ok := current.BalanceOf(signer); !ok {
		return LedgerUpdate{}, channel.ErrUnauthorized.With("%s is not a party to channel %s", signer.Hex(), current.ChannelID.Hex())
	}
	paid := types.ZeroBalance()
	for _, kind := range types.AssetKinds {
		d := delta.Get(kind)
		if d == nil {
			continue
		}
		if d.Sign() > 0 {
			return LedgerUpdate{}, channel.ErrUnauthorized.With("signer may not raise its own %s balance without a verified deposit", kind)
		}
		paid = setSlot(paid, kind, new(big.Int).Neg(d))
	}
	if paid.IsZero() {
		return LedgerUpdate{}, ErrEmptyUpdate.With("payment moves no value")
	}
	next, err := transfer(current, signer, paid)
	if err != nil {
		return LedgerUpdate{}, err
	}
	return propose(params, KindPayment, current, next, threads, params.DisputeTimeout, key)
}

// Pay is the delta of a payment of amount by the signer.
func Pay(amount types.Balance) types.Balance {
	out := types.ZeroBalance()
	for _, kind := range types.AssetKinds {
		if v := amount.Get(kind); v != nil {
			out = setSlot(out, kind, new(big.Int).Neg(v))
		}
	}
	return out
}

// ProposeDeposit credits amount to the signer's own balance. The new total
// the channel accounts for must be covered by on-chain funding of the
// channel's app instance.
func ProposeDeposit(ctx context.Context, params Params, verifier DepositVerifier, current channel.LedgerState, threads []channel.ThreadState, amount types.Balance, key *crypto.PrivateKey) (LedgerUpdate, error) {
	if err := channel.ValidateBalances(amount); err != nil {
		return LedgerUpdate{}, err
	}
	if amount.IsZero() {
		return LedgerUpdate{}, ErrEmptyUpdate.With("deposit of zero")
	}
	signer := key.Address()
	next := current.Clone()
	switch signer {
	case current.PartyA:
		next.BalanceA = next.BalanceA.Add(amount)
	case current.PartyI:
		next.BalanceI = next.BalanceI.Add(amount)
	default:
		return LedgerUpdate{}, channel.ErrUnauthorized.With("%s is not a party to channel %s", signer.Hex(), current.ChannelID.Hex())
	}
	next.Nonce++
	id, err := params.Identity(next).Hash()
	if err != nil {
		return LedgerUpdate{}, err
	}
	assets := params.Assets()
	total := channel.Deposited(next, threads)
	for _, kind := range types.AssetKinds {
		claimed := total.Get(kind)
		asset, ok := assets[kind]
		if !ok {
			if claimed.Sign() != 0 {
				return LedgerUpdate{}, channel.ErrInvalidBalance.With("channel has no %s asset", kind)
			}
			continue
		}
		funded, err := verifier.Funding(ctx, id, asset)
		if err != nil {
			return LedgerUpdate{}, err
		}
		if funded == nil || claimed.Cmp(funded) > 0 {
			return LedgerUpdate{}, coreerrors.Mismatch(coreerrors.ErrAuthorization, channel.ErrUnauthorized.Reason, kind.String()+" on-chain funding", funded, claimed)
		}
	}
	return propose(params, KindDeposit, current, next, threads, params.DisputeTimeout, key)
}

// ThreadID derives the id of a thread opened from a ledger channel at the
// given ledger nonce.
func ThreadID(channelID common.Hash, payer, payee common.Address, nonce uint64) common.Hash {
	var word [8]byte
	for i := 0; i < 8; i++ {
		word[7-i] = byte(nonce >> (8 * i))
	}
	return ethcrypto.Keccak256Hash(channelID.Bytes(), payer.Bytes(), payee.Bytes(), word[:])
}

// OpenThread bonds principal out of the payer's ledger channel into a new
// thread towards payee. It returns the ledger update and the thread's
// payer-signed initial state.
func OpenThread(params Params, current channel.LedgerState, threads []channel.ThreadState, payee common.Address, principal types.Balance, key *crypto.PrivateKey) (LedgerUpdate, channel.SignedThreadState, error) {
	payer := key.Address()
	if payer != current.PartyA {
		return LedgerUpdate{}, channel.SignedThreadState{}, channel.ErrUnauthorized.With("threads are opened by the channel's user")
	}
	if err := channel.ValidateBalances(principal); err != nil {
		return LedgerUpdate{}, channel.SignedThreadState{}, err
	}
	if principal.IsZero() {
		return LedgerUpdate{}, channel.SignedThreadState{}, ErrEmptyUpdate.With("thread without principal")
	}
	initial := channel.ThreadState{
		ThreadID: ThreadID(current.ChannelID, payer, payee, current.Nonce+1),
		PartyA:   payer,
		PartyB:   payee,
		BalanceA: principal.Clone(),
		BalanceB: types.ZeroBalance(),
	}
	signed, err := channel.SignThreadState(initial, key)
	if err != nil {
		return LedgerUpdate{}, channel.SignedThreadState{}, err
	}
	next, nextThreads, err := channel.BondThread(current, threads, initial)
	if err != nil {
		return LedgerUpdate{}, channel.SignedThreadState{}, err
	}
	update, err := propose(params, KindOpenThread, current, next, nextThreads, params.DisputeTimeout, key)
	if err != nil {
		return LedgerUpdate{}, channel.SignedThreadState{}, err
	}
	update.Thread = &signed
	return update, signed, nil
}

// BondThread is the payee side of a thread: the hub bonds the principal out
// of its balance in the payee's channel.
func BondThread(params Params, current channel.LedgerState, threads []channel.ThreadState, initial channel.SignedThreadState, key *crypto.PrivateKey) (LedgerUpdate, error) {
	if err := initial.Verify(); err != nil {
		return LedgerUpdate{}, err
	}
	if key.Address() != current.PartyA || initial.State.PartyB != current.PartyA {
		return LedgerUpdate{}, channel.ErrUnauthorized.With("only the payee bonds a thread into its channel")
	}
	next, nextThreads, err := channel.BondThread(current, threads, initial.State)
	if err != nil {
		return LedgerUpdate{}, err
	}
	update, err := propose(params, KindBondThread, current, next, nextThreads, params.DisputeTimeout, key)
	if err != nil {
		return LedgerUpdate{}, err
	}
	thread := initial
	update.Thread = &thread
	return update, nil
}

// UpdateThread pays amount from the payer to the payee. Only the payer signs
// thread updates.
func UpdateThread(latest channel.ThreadState, amount types.Balance, key *crypto.PrivateKey) (channel.SignedThreadState, error) {
	if key.Address() != latest.PartyA {
		return channel.SignedThreadState{}, channel.ErrUnauthorized.With("thread %s is paid by %s", latest.ThreadID.Hex(), latest.PartyA.Hex())
	}
	if err := channel.ValidateBalances(amount); err != nil {
		return channel.SignedThreadState{}, err
	}
	if amount.IsZero() {
		return channel.SignedThreadState{}, ErrEmptyUpdate.With("thread payment moves no value")
	}
	next := latest.Clone()
	next.Nonce++
	remaining, err := next.BalanceA.Sub(amount)
	if err != nil {
		return channel.SignedThreadState{}, channel.ErrInvalidBalance.Wrap(err)
	}
	next.BalanceA = remaining
	next.BalanceB = next.BalanceB.Add(amount)
	if err := channel.CheckThreadPayment(latest, next); err != nil {
		return channel.SignedThreadState{}, err
	}
	return channel.SignThreadState(next, key)
}

// CloseThread folds the payer-signed final state of a thread into the
// signer's ledger channel. The fold-in is ratified by the hub's
// counter-signature on the resulting ledger state.
func CloseThread(params Params, current channel.LedgerState, threads []channel.ThreadState, final channel.SignedThreadState, key *crypto.PrivateKey) (LedgerUpdate, error) {
	if err := final.Verify(); err != nil {
		return LedgerUpdate{}, err
	}
	if key.Address() != current.PartyA {
		return LedgerUpdate{}, channel.ErrUnauthorized.With("threads are closed by the channel's user")
	}
	next, nextThreads, err := channel.FoldThread(current, threads, final.State)
	if err != nil {
		return LedgerUpdate{}, err
	}
	update, err := propose(params, KindCloseThread, current, next, nextThreads, params.DisputeTimeout, key)
	if err != nil {
		return LedgerUpdate{}, err
	}
	thread := final
	update.Thread = &thread
	return update, nil
}

// FastClose proposes the closing state of a channel without open threads.
// Its commitment has timeout zero so the co-signed state finalizes on-chain
// in the block it is submitted.
func FastClose(params Params, current channel.LedgerState, threads []channel.ThreadState, key *crypto.PrivateKey) (LedgerUpdate, error) {
	if _, ok := current.BalanceOf(key.Address()); !ok {
		return LedgerUpdate{}, channel.ErrUnauthorized.With("%s is not a party to channel %s", key.Address().Hex(), current.ChannelID.Hex())
	}
	if len(threads) > 0 || current.OpenThreadCount > 0 {
		return LedgerUpdate{}, ErrOpenThreads.With("close %d open threads first", current.OpenThreadCount)
	}
	next := current.Clone()
	next.IsClose = true
	next.Nonce++
	return propose(params, KindFastClose, current, next, threads, 0, key)
}

func propose(params Params, kind UpdateKind, current, next channel.LedgerState, threads []channel.ThreadState, timeout uint64, key *crypto.PrivateKey) (LedgerUpdate, error) {
	if err := channel.CheckLedgerSuccessor(current, next); err != nil {
		return LedgerUpdate{}, err
	}
	if err := channel.CheckThreadSet(next, threads); err != nil {
		return LedgerUpdate{}, err
	}
	sigs, err := channel.SignLedgerState(next, key)
	if err != nil {
		return LedgerUpdate{}, err
	}
	commitment, err := ledger.SignCommitment(params.AppState(next, threads), params.Identity(next), timeout, key)
	if err != nil {
		return LedgerUpdate{}, err
	}
	return LedgerUpdate{
		Kind:     kind,
		Proposed: channel.SignedLedgerState{State: next, Signatures: sigs, Commitment: commitment},
		Threads:  cloneThreads(threads),
		Timeout:  timeout,
	}, nil
}

// transfer moves paid from payer to the counterparty at the next nonce.
func transfer(current channel.LedgerState, payer common.Address, paid types.Balance) (channel.LedgerState, error) {
	next := current.Clone()
	next.Nonce++
	var err error
	switch payer {
	case current.PartyA:
		next.BalanceA, err = next.BalanceA.Sub(paid)
		next.BalanceI = next.BalanceI.Add(paid)
	case current.PartyI:
		next.BalanceI, err = next.BalanceI.Sub(paid)
		next.BalanceA = next.BalanceA.Add(paid)
	}
	if err != nil {
		return channel.LedgerState{}, channel.ErrInvalidBalance.Wrap(err)
	}
	return next, nil
}

func setSlot(b types.Balance, kind types.AssetKind, v *big.Int) types.Balance {
	out := b.Clone()
	switch kind {
	case types.AssetNative:
		out.Native = v
	case types.AssetToken:
		out.Token = v
	}
	return out
}

func cloneThreads(threads []channel.ThreadState) []channel.ThreadState {
	if len(threads) == 0 {
		return nil
	}
	out := make([]channel.ThreadState, len(threads))
	for i, thread := range threads {
		out[i] = thread.Clone()
	}
	return out
}
