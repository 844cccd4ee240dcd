package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	coreerrors "hubchan/core/errors"
	"hubchan/core/state"
	"hubchan/crypto"
	"hubchan/native/adjudicator"
)

var (
	ErrBadFundNonce = coreerrors.Revert("BadNonce")

	fundTag = ethcrypto.Keccak256([]byte("FUND_INSTANCE"))
)

// FundRequest is a depositor's signed instruction to move Amount of Asset
// into custody for the app instance Identity. Nonce must equal the
// depositor's next funding nonce.
type FundRequest struct {
	Identity  common.Hash
	Depositor common.Address
	Asset     common.Address
	Amount    *big.Int
	Nonce     uint64
	Signature []byte
}

// FundDigest is the message a depositor signs.
func FundDigest(req FundRequest) (common.Hash, error) {
	amount, overflow := uint256.FromBig(req.Amount)
	if req.Amount == nil || req.Amount.Sign() < 0 || overflow {
		return common.Hash{}, adjudicator.ErrInvalidAmount
	}
	word := amount.Bytes32()
	nonce := uint256.NewInt(req.Nonce).Bytes32()
	buf := make([]byte, 0, 1+32*5+20*2)
	buf = append(buf, 0x19)
	buf = append(buf, fundTag...)
	buf = append(buf, req.Identity.Bytes()...)
	buf = append(buf, req.Depositor.Bytes()...)
	buf = append(buf, req.Asset.Bytes()...)
	buf = append(buf, word[:]...)
	buf = append(buf, nonce[:]...)
	return ethcrypto.Keccak256Hash(buf), nil
}

// SignFund fills in the signature of req with key.
func SignFund(req FundRequest, key *crypto.PrivateKey) (FundRequest, error) {
	digest, err := FundDigest(req)
	if err != nil {
		return req, err
	}
	sig, err := crypto.SignDigest(digest, key)
	if err != nil {
		return req, err
	}
	req.Signature = sig
	return req, nil
}

func checkFundRequest(m *state.Manager, req FundRequest) error {
	digest, err := FundDigest(req)
	if err != nil {
		return err
	}
	if !crypto.Verify(digest, req.Signature, req.Depositor) {
		return adjudicator.ErrInvalidSignature.With("funding request not signed by %s", req.Depositor.Hex())
	}
	expected, err := fundNonce(m, req.Depositor)
	if err != nil {
		return err
	}
	if req.Nonce != expected {
		return coreerrors.Mismatch(coreerrors.ErrChainState, ErrBadFundNonce.Reason, "nonce", expected, req.Nonce)
	}
	return nil
}

func fundNonceKey(depositor common.Address) []byte {
	return append([]byte("fund-nonce:"), depositor.Bytes()...)
}

func fundNonce(m *state.Manager, depositor common.Address) (uint64, error) {
	var nonce uint64
	if _, err := m.KVGet(fundNonceKey(depositor), &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

func setFundNonce(m *state.Manager, depositor common.Address, nonce uint64) error {
	return m.KVPut(fundNonceKey(depositor), nonce)
}
