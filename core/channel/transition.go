package channel

import (
	"github.com/ethereum/go-ethereum/common"

	coreerrors "hubchan/core/errors"
	"hubchan/core/types"
)

var (
	ErrStaleNonce     = coreerrors.New(coreerrors.ErrStaleState, "StaleNonce", "")
	ErrChannelClosed  = coreerrors.New(coreerrors.ErrValidation, "ChannelClosed", "")
	ErrConservation   = coreerrors.New(coreerrors.ErrValidation, "ConservationViolated", "")
	ErrUnknownThread  = coreerrors.New(coreerrors.ErrValidation, "UnknownThread", "")
	ErrThreadRootDiff = coreerrors.New(coreerrors.ErrValidation, "ThreadRootMismatch", "")
	ErrUnauthorized   = coreerrors.New(coreerrors.ErrAuthorization, "Unauthorized", "")
)

// ValidateLedgerState checks the structural invariants of a single state.
func ValidateLedgerState(s LedgerState) error {
	if s.ChannelID == (common.Hash{}) {
		return ErrInvalidState.With("channel id required")
	}
	if s.PartyA == (common.Address{}) || s.PartyI == (common.Address{}) {
		return ErrInvalidState.With("both parties required")
	}
	if s.PartyA == s.PartyI {
		return ErrInvalidState.With("parties must differ")
	}
	if err := ValidateBalances(s.BalanceA); err != nil {
		return err
	}
	if err := ValidateBalances(s.BalanceI); err != nil {
		return err
	}
	if s.OpenThreadCount == 0 && s.ThreadRoot != EmptyThreadRoot {
		return ErrThreadRootDiff.With("no open threads but non-empty root")
	}
	if s.IsClose && s.OpenThreadCount != 0 {
		return ErrInvalidState.With("closing state has %d open threads", s.OpenThreadCount)
	}
	return nil
}

// ValidateThreadState checks the structural invariants of a thread state.
func ValidateThreadState(s ThreadState) error {
	if s.ThreadID == (common.Hash{}) {
		return ErrInvalidState.With("thread id required")
	}
	if s.PartyA == (common.Address{}) || s.PartyB == (common.Address{}) || s.PartyA == s.PartyB {
		return ErrInvalidState.With("thread needs two distinct parties")
	}
	if err := ValidateBalances(s.BalanceA); err != nil {
		return err
	}
	return ValidateBalances(s.BalanceB)
}

// CheckLedgerSuccessor enforces the ordering rules between two consecutive
// ledger states: same channel and parties, open predecessor and a nonce of
// exactly prev.Nonce+1.
func CheckLedgerSuccessor(prev, next LedgerState) error {
	if prev.ChannelID != next.ChannelID || prev.PartyA != next.PartyA || prev.PartyI != next.PartyI {
		return ErrInvalidState.With("channel identity changed")
	}
	if prev.IsClose {
		return ErrChannelClosed.With("channel %s already closing at nonce %d", prev.ChannelID.Hex(), prev.Nonce)
	}
	if next.Nonce <= prev.Nonce {
		return coreerrors.Mismatch(coreerrors.ErrStaleState, ErrStaleNonce.Reason, "nonce", prev.Nonce+1, next.Nonce)
	}
	if next.Nonce != prev.Nonce+1 {
		return coreerrors.Mismatch(coreerrors.ErrValidation, "InvalidNonce", "nonce", prev.Nonce+1, next.Nonce)
	}
	return ValidateLedgerState(next)
}

// CheckThreadSet verifies that the open threads match the state's count and
// root.
func CheckThreadSet(s LedgerState, threads []ThreadState) error {
	if uint64(len(threads)) != s.OpenThreadCount {
		return coreerrors.Mismatch(coreerrors.ErrValidation, ErrThreadRootDiff.Reason, "openThreadCount", len(threads), s.OpenThreadCount)
	}
	root, err := ComputeThreadRoot(threads)
	if err != nil {
		return err
	}
	if root != s.ThreadRoot {
		return coreerrors.Mismatch(coreerrors.ErrValidation, ErrThreadRootDiff.Reason, "threadRoot", root.Hex(), s.ThreadRoot.Hex())
	}
	return nil
}

// Deposited returns the value the state accounts for: the channel balances
// plus the principal bonded into every open thread.
func Deposited(s LedgerState, threads []ThreadState) types.Balance {
	total := s.Total()
	for _, thread := range threads {
		total = total.Add(thread.Principal())
	}
	return total
}

// CheckConservation fails unless the state accounts for exactly deposited.
func CheckConservation(s LedgerState, threads []ThreadState, deposited types.Balance) error {
	got := Deposited(s, threads)
	if !got.Equal(deposited) {
		return coreerrors.Mismatch(coreerrors.ErrValidation, ErrConservation.Reason, "deposited", deposited, got)
	}
	return nil
}

// CheckThreadPayment enforces the payer-initiated update rule: the nonce
// advances by one, the payer's balance only decreases, the payee's only
// increases and the principal is unchanged.
func CheckThreadPayment(prev, next ThreadState) error {
	if prev.ThreadID != next.ThreadID || prev.PartyA != next.PartyA || prev.PartyB != next.PartyB {
		return ErrInvalidState.With("thread identity changed")
	}
	if err := ValidateThreadState(prev); err != nil {
		return err
	}
	if err := ValidateThreadState(next); err != nil {
		return err
	}
	if next.Nonce <= prev.Nonce {
		return coreerrors.Mismatch(coreerrors.ErrStaleState, ErrStaleNonce.Reason, "thread nonce", prev.Nonce+1, next.Nonce)
	}
	if next.Nonce != prev.Nonce+1 {
		return coreerrors.Mismatch(coreerrors.ErrValidation, "InvalidNonce", "thread nonce", prev.Nonce+1, next.Nonce)
	}
	if !next.Principal().Equal(prev.Principal()) {
		return coreerrors.Mismatch(coreerrors.ErrValidation, ErrConservation.Reason, "thread principal", prev.Principal(), next.Principal())
	}
	for _, kind := range types.AssetKinds {
		if next.BalanceA.Get(kind).Cmp(prev.BalanceA.Get(kind)) > 0 {
			return ErrUnauthorized.With("payer %s balance increased", kind)
		}
		if next.BalanceB.Get(kind).Cmp(prev.BalanceB.Get(kind)) < 0 {
			return ErrUnauthorized.With("payee %s balance decreased", kind)
		}
	}
	return nil
}

// CheckThreadSettlement verifies that final is a legitimate later version of
// the thread whose initial state is initial. Unlike CheckThreadPayment it
// allows any number of intermediate updates.
func CheckThreadSettlement(initial, final ThreadState) error {
	if initial.ThreadID != final.ThreadID || initial.PartyA != final.PartyA || initial.PartyB != final.PartyB {
		return ErrInvalidState.With("thread identity changed")
	}
	if err := ValidateThreadState(initial); err != nil {
		return err
	}
	if err := ValidateThreadState(final); err != nil {
		return err
	}
	if !final.Principal().Equal(initial.Principal()) {
		return coreerrors.Mismatch(coreerrors.ErrValidation, ErrConservation.Reason, "thread principal", initial.Principal(), final.Principal())
	}
	for _, kind := range types.AssetKinds {
		if final.BalanceB.Get(kind).Cmp(initial.BalanceB.Get(kind)) < 0 {
			return ErrUnauthorized.With("payee %s balance below initial", kind)
		}
	}
	return nil
}

// FindThread returns the index of id in threads, or -1.
func FindThread(threads []ThreadState, id common.Hash) int {
	for i, thread := range threads {
		if thread.ThreadID == id {
			return i
		}
	}
	return -1
}

// BondThread derives the ledger state that locks initial's principal out of
// s. In the payer's channel the payer's balance is bonded; in the payee's
// channel the hub bonds the same amount.
func BondThread(s LedgerState, threads []ThreadState, initial ThreadState) (LedgerState, []ThreadState, error) {
	if err := ValidateThreadState(initial); err != nil {
		return LedgerState{}, nil, err
	}
	if initial.Nonce != 0 {
		return LedgerState{}, nil, ErrInvalidState.With("thread must open at nonce 0, got %d", initial.Nonce)
	}
	if FindThread(threads, initial.ThreadID) >= 0 {
		return LedgerState{}, nil, ErrInvalidState.With("thread %s already open", initial.ThreadID.Hex())
	}
	next := s.Clone()
	principal := initial.Principal()
	var err error
	switch s.PartyA {
	case initial.PartyA:
		next.BalanceA, err = next.BalanceA.Sub(principal)
	case initial.PartyB:
		next.BalanceI, err = next.BalanceI.Sub(principal)
	default:
		return LedgerState{}, nil, ErrInvalidState.With("channel %s is not bonded by a thread party", s.ChannelID.Hex())
	}
	if err != nil {
		return LedgerState{}, nil, ErrInvalidBalance.Wrap(err)
	}
	nextThreads := append(cloneThreads(threads), initial.Clone())
	if err := advance(&next, nextThreads); err != nil {
		return LedgerState{}, nil, err
	}
	return next, nextThreads, nil
}

// FoldThread derives the ledger state that releases a closed thread back into
// s. The payer's channel credits the payer with the thread's final payer
// balance and the hub with what the payee received; the payee's channel
// mirrors that split.
func FoldThread(s LedgerState, threads []ThreadState, final ThreadState) (LedgerState, []ThreadState, error) {
	idx := FindThread(threads, final.ThreadID)
	if idx < 0 {
		return LedgerState{}, nil, ErrUnknownThread.With("thread %s not open in channel %s", final.ThreadID.Hex(), s.ChannelID.Hex())
	}
	if err := CheckThreadSettlement(threads[idx], final); err != nil {
		return LedgerState{}, nil, err
	}
	next := s.Clone()
	switch s.PartyA {
	case final.PartyA:
		next.BalanceA = next.BalanceA.Add(final.BalanceA)
		next.BalanceI = next.BalanceI.Add(final.BalanceB)
	case final.PartyB:
		next.BalanceA = next.BalanceA.Add(final.BalanceB)
		next.BalanceI = next.BalanceI.Add(final.BalanceA)
	default:
		return LedgerState{}, nil, ErrInvalidState.With("channel %s is not bonded by a thread party", s.ChannelID.Hex())
	}
	nextThreads := make([]ThreadState, 0, len(threads)-1)
	for i, thread := range threads {
		if i != idx {
			nextThreads = append(nextThreads, thread.Clone())
		}
	}
	if err := advance(&next, nextThreads); err != nil {
		return LedgerState{}, nil, err
	}
	return next, nextThreads, nil
}

func advance(s *LedgerState, threads []ThreadState) error {
	root, err := ComputeThreadRoot(threads)
	if err != nil {
		return err
	}
	s.Nonce++
	s.OpenThreadCount = uint64(len(threads))
	s.ThreadRoot = root
	return nil
}

func cloneThreads(threads []ThreadState) []ThreadState {
	out := make([]ThreadState, len(threads))
	for i, thread := range threads {
		out[i] = thread.Clone()
	}
	return out
}
