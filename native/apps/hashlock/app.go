// Package hashlock implements a hashlocked transfer: the receiver is paid if
// it reveals the preimage of the lock before the challenge finalizes,
// otherwise the sender is refunded.
package hashlock

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"hubchan/crypto"
	"hubchan/native/adjudicator"
	"hubchan/native/interpreter"
)

var Definition = common.BytesToAddress(ethcrypto.Keccak256([]byte("hubchan/apps/hashlock"))[12:])

var (
	ErrWrongPreimage   = errors.New("hashlock: preimage does not match lock")
	ErrAlreadyRevealed = errors.New("hashlock: preimage already revealed")
)

// State is a pending or revealed hashlocked transfer.
type State struct {
	Lock     common.Hash
	Sender   common.Address
	Receiver common.Address
	Asset    common.Address
	Amount   *big.Int
	Revealed bool
}

// RevealAction unlocks the transfer.
type RevealAction struct {
	Preimage []byte
}

// LockFor returns the lock committing to preimage.
func LockFor(preimage []byte) common.Hash {
	return ethcrypto.Keccak256Hash(preimage)
}

func (s State) Encode() ([]byte, error) { return rlp.EncodeToBytes(s) }

func DecodeState(data []byte) (State, error) {
	var s State
	if err := rlp.DecodeBytes(data, &s); err != nil {
		return State{}, fmt.Errorf("hashlock: decode state: %w", err)
	}
	if s.Sender == s.Receiver {
		return State{}, fmt.Errorf("hashlock: sender and receiver must differ")
	}
	if s.Amount == nil || s.Amount.Sign() < 0 {
		return State{}, fmt.Errorf("hashlock: invalid amount")
	}
	return s, nil
}

func (a RevealAction) Encode() ([]byte, error) { return rlp.EncodeToBytes(a) }

// Identity returns the app identity of a transfer between sender and
// receiver.
func Identity(s State, nonce, timeout uint64) adjudicator.AppIdentity {
	return adjudicator.AppIdentity{
		Participants:   crypto.SortAddresses([]common.Address{s.Sender, s.Receiver}),
		ChannelNonce:   nonce,
		AppDefinition:  Definition,
		DefaultTimeout: timeout,
	}
}

type App struct{}

func New() *App { return &App{} }

func (*App) Definition() common.Address { return Definition }

// TurnTaker is always the receiver; only it can reveal.
func (*App) TurnTaker(state, _ []byte, participants []common.Address) (common.Address, error) {
	s, err := DecodeState(state)
	if err != nil {
		return common.Address{}, err
	}
	for _, p := range participants {
		if p == s.Receiver {
			return p, nil
		}
	}
	return common.Address{}, fmt.Errorf("hashlock: receiver %s not a participant", s.Receiver.Hex())
}

func (*App) ApplyAction(state, action []byte) ([]byte, error) {
	s, err := DecodeState(state)
	if err != nil {
		return nil, err
	}
	if s.Revealed {
		return nil, ErrAlreadyRevealed
	}
	var reveal RevealAction
	if err := rlp.DecodeBytes(action, &reveal); err != nil {
		return nil, fmt.Errorf("hashlock: decode action: %w", err)
	}
	if LockFor(reveal.Preimage) != s.Lock {
		return nil, ErrWrongPreimage
	}
	s.Revealed = true
	return s.Encode()
}

func (*App) IsStateTerminal(state []byte) (bool, error) {
	s, err := DecodeState(state)
	if err != nil {
		return false, err
	}
	return s.Revealed, nil
}

func (*App) ComputeOutcome(state []byte) ([]byte, error) {
	s, err := DecodeState(state)
	if err != nil {
		return nil, err
	}
	paid, refunded := s.Receiver, s.Sender
	if !s.Revealed {
		paid, refunded = s.Sender, s.Receiver
	}
	return interpreter.EncodeSingleAssetOutcome(interpreter.SingleAssetTwoPartyOutcome{
		{To: paid, Amount: new(big.Int).Set(s.Amount)},
		{To: refunded, Amount: big.NewInt(0)},
	})
}

func (*App) InterpreterKind() interpreter.Kind { return interpreter.KindSingleAssetTwoParty }

func (*App) InterpreterParams(state []byte, funding adjudicator.FundingLookup) ([]byte, error) {
	s, err := DecodeState(state)
	if err != nil {
		return nil, err
	}
	limit, err := funding(s.Asset)
	if err != nil {
		return nil, err
	}
	return interpreter.EncodeSingleAssetParams(interpreter.SingleAssetTwoPartyParams{Limit: limit, Asset: s.Asset})
}
