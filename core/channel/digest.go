package channel

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	coreerrors "hubchan/core/errors"
	"hubchan/core/types"
)

var (
	ErrInvalidBalance = coreerrors.New(coreerrors.ErrValidation, "InvalidBalance", "")
	ErrInvalidState   = coreerrors.New(coreerrors.ErrValidation, "InvalidState", "")
)

// DigestLedgerState returns the keccak256 hash of the tightly packed ledger
// fields: channelId, isClose, nonce, openThreadCount, threadRoot, partyA,
// partyI, nativeA, nativeI, tokenA, tokenI. Integers occupy 32-byte words.
func DigestLedgerState(s LedgerState) (common.Hash, error) {
	if err := ValidateBalances(s.BalanceA); err != nil {
		return common.Hash{}, err
	}
	if err := ValidateBalances(s.BalanceI); err != nil {
		return common.Hash{}, err
	}
	var p packer
	p.bytes(s.ChannelID.Bytes())
	p.flag(s.IsClose)
	p.uint(s.Nonce)
	p.uint(s.OpenThreadCount)
	p.bytes(s.ThreadRoot.Bytes())
	p.bytes(s.PartyA.Bytes())
	p.bytes(s.PartyI.Bytes())
	p.amount(s.BalanceA.Native)
	p.amount(s.BalanceI.Native)
	p.amount(s.BalanceA.Token)
	p.amount(s.BalanceI.Token)
	return ethcrypto.Keccak256Hash(p.buf), nil
}

// DigestThreadState returns the keccak256 hash of threadId, nonce, partyA,
// partyB, nativeA, nativeB, tokenA, tokenB packed the same way.
func DigestThreadState(s ThreadState) (common.Hash, error) {
	if err := ValidateBalances(s.BalanceA); err != nil {
		return common.Hash{}, err
	}
	if err := ValidateBalances(s.BalanceB); err != nil {
		return common.Hash{}, err
	}
	var p packer
	p.bytes(s.ThreadID.Bytes())
	p.uint(s.Nonce)
	p.bytes(s.PartyA.Bytes())
	p.bytes(s.PartyB.Bytes())
	p.amount(s.BalanceA.Native)
	p.amount(s.BalanceB.Native)
	p.amount(s.BalanceA.Token)
	p.amount(s.BalanceB.Token)
	return ethcrypto.Keccak256Hash(p.buf), nil
}

// ValidateBalances fails with InvalidBalance when a slot is missing,
// negative or does not fit in 256 bits.
func ValidateBalances(b types.Balance) error {
	for _, kind := range types.AssetKinds {
		v := b.Get(kind)
		if v == nil {
			return ErrInvalidBalance.With("%s balance missing", kind)
		}
		if v.Sign() < 0 {
			return ErrInvalidBalance.With("%s balance negative: %s", kind, v)
		}
		if v.BitLen() > 256 {
			return ErrInvalidBalance.With("%s balance exceeds 256 bits", kind)
		}
	}
	return nil
}

// ParseBalance builds a balance from base-10 strings, the form amounts take
// on the wire.
func ParseBalance(native, token string) (types.Balance, error) {
	n, err := types.ParseAmount(native)
	if err != nil {
		return types.Balance{}, ErrInvalidBalance.Wrap(err)
	}
	t, err := types.ParseAmount(token)
	if err != nil {
		return types.Balance{}, ErrInvalidBalance.Wrap(err)
	}
	b := types.Balance{Native: n, Token: t}
	if err := ValidateBalances(b); err != nil {
		return types.Balance{}, err
	}
	return b, nil
}

type packer struct {
	buf []byte
}

func (p *packer) bytes(b []byte) { p.buf = append(p.buf, b...) }

func (p *packer) flag(v bool) {
	if v {
		p.buf = append(p.buf, 1)
		return
	}
	p.buf = append(p.buf, 0)
}

func (p *packer) uint(v uint64) {
	word := uint256.NewInt(v).Bytes32()
	p.buf = append(p.buf, word[:]...)
}

// amount expects a validated value.
func (p *packer) amount(v *big.Int) {
	word, _ := uint256.FromBig(v)
	b := word.Bytes32()
	p.buf = append(p.buf, b[:]...)
}
