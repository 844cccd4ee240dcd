package channel

import (
	"github.com/ethereum/go-ethereum/common"

	"hubchan/core/types"
	"hubchan/crypto"
)

// LedgerState is one version of the bilateral account between a user
// (PartyA) and the hub (PartyI). The identifier and both parties are fixed
// for the channel's lifetime; every accepted update bumps Nonce by one.
type LedgerState struct {
	ChannelID       common.Hash    `json:"channelId"`
	IsClose         bool           `json:"isClose"`
	Nonce           uint64         `json:"nonce"`
	OpenThreadCount uint64         `json:"openThreadCount"`
	ThreadRoot      common.Hash    `json:"threadRoot"`
	PartyA          common.Address `json:"partyA"`
	PartyI          common.Address `json:"partyI"`
	BalanceA        types.Balance  `json:"balanceA"`
	BalanceI        types.Balance  `json:"balanceI"`
}

// Clone returns a deep copy so callers can derive the next state without
// aliasing the amounts of the previous one.
func (s LedgerState) Clone() LedgerState {
	clone := s
	clone.BalanceA = s.BalanceA.Clone()
	clone.BalanceI = s.BalanceI.Clone()
	return clone
}

// Total returns the value held directly by the channel, excluding threads.
func (s LedgerState) Total() types.Balance {
	return s.BalanceA.Add(s.BalanceI)
}

// BalanceOf returns the balance held by party and whether party belongs to
// the channel.
func (s LedgerState) BalanceOf(party common.Address) (types.Balance, bool) {
	switch party {
	case s.PartyA:
		return s.BalanceA.Clone(), true
	case s.PartyI:
		return s.BalanceI.Clone(), true
	default:
		return types.Balance{}, false
	}
}

// Counterparty returns the other participant.
func (s LedgerState) Counterparty(party common.Address) (common.Address, bool) {
	switch party {
	case s.PartyA:
		return s.PartyI, true
	case s.PartyI:
		return s.PartyA, true
	default:
		return common.Address{}, false
	}
}

// Participants returns both parties in ascending address order, the order
// in which their signatures are laid out.
func (s LedgerState) Participants() []common.Address {
	return crypto.SortAddresses([]common.Address{s.PartyA, s.PartyI})
}

// ThreadState is one version of a virtual channel between a payer (PartyA)
// and a payee (PartyB). Nonce 0 is the initial state committed to by the
// bonding ledger channels' thread roots.
type ThreadState struct {
	ThreadID common.Hash    `json:"threadId"`
	Nonce    uint64         `json:"nonce"`
	PartyA   common.Address `json:"partyA"`
	PartyB   common.Address `json:"partyB"`
	BalanceA types.Balance  `json:"balanceA"`
	BalanceB types.Balance  `json:"balanceB"`
}

func (s ThreadState) Clone() ThreadState {
	clone := s
	clone.BalanceA = s.BalanceA.Clone()
	clone.BalanceB = s.BalanceB.Clone()
	return clone
}

// Principal is the total value locked in the thread. It never changes over
// the thread's lifetime.
func (s ThreadState) Principal() types.Balance {
	return s.BalanceA.Add(s.BalanceB)
}

// SignedLedgerState carries a ledger state together with the signatures over
// its digest and, once co-signed, the participants' signatures over the
// dispute commitment that lets either party take the state on-chain.
type SignedLedgerState struct {
	State      LedgerState
	Signatures crypto.SignatureSet
	Commitment crypto.SignatureSet
}

// FullySigned reports whether both parties signed the state digest.
func (s SignedLedgerState) FullySigned() bool {
	return s.Signatures.Has(s.State.PartyA) && s.Signatures.Has(s.State.PartyI)
}

// SignedThreadState is a thread update signed by its payer.
type SignedThreadState struct {
	State     ThreadState
	Signature []byte
}

// Verify checks the payer's signature over the thread digest.
func (s SignedThreadState) Verify() error {
	digest, err := DigestThreadState(s.State)
	if err != nil {
		return err
	}
	signer, err := crypto.RecoverSigner(digest, s.Signature)
	if err != nil {
		return err
	}
	if signer != s.State.PartyA {
		return crypto.ErrInvalidSignature.With("thread %s signed by %s, payer is %s", s.State.ThreadID.Hex(), signer.Hex(), s.State.PartyA.Hex())
	}
	return nil
}

// SignThreadState signs a thread update with the payer's key.
func SignThreadState(state ThreadState, key *crypto.PrivateKey) (SignedThreadState, error) {
	digest, err := DigestThreadState(state)
	if err != nil {
		return SignedThreadState{}, err
	}
	sig, err := crypto.SignDigest(digest, key)
	if err != nil {
		return SignedThreadState{}, err
	}
	return SignedThreadState{State: state.Clone(), Signature: sig}, nil
}

// SignLedgerState returns a single-entry signature set over the ledger digest.
func SignLedgerState(state LedgerState, key *crypto.PrivateKey) (crypto.SignatureSet, error) {
	digest, err := DigestLedgerState(state)
	if err != nil {
		return crypto.SignatureSet{}, err
	}
	return crypto.Sign(digest, key)
}

// VerifyLedgerSignatures checks that the set was produced by exactly the
// given signers over the state's digest.
func VerifyLedgerSignatures(state LedgerState, sigs crypto.SignatureSet, signers []common.Address) error {
	digest, err := DigestLedgerState(state)
	if err != nil {
		return err
	}
	return sigs.Verify(digest, signers)
}
