package interpreter

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Kind names an interpreter implementation. Apps declare which one settles
// their outcome.
type Kind string

const (
	KindSingleAssetTwoParty Kind = "single-asset-two-party"
	KindMultiAsset          Kind = "multi-asset-multi-party"
)

// CoinTransfer pays Amount of the enclosing asset to To.
type CoinTransfer struct {
	To     common.Address
	Amount *big.Int
}

// SingleAssetTwoPartyOutcome is the outcome of a two-party app settled in a
// single asset.
type SingleAssetTwoPartyOutcome [2]CoinTransfer

// SingleAssetTwoPartyParams declares the asset and its transfer limit.
type SingleAssetTwoPartyParams struct {
	Limit *big.Int
	Asset common.Address
}

// MultiAssetOutcome lists the transfers of each asset. Entry i is paid in
// MultiAssetParams.Assets[i].
type MultiAssetOutcome [][]CoinTransfer

// MultiAssetParams declares the per-asset limits, index-aligned with the
// outcome.
type MultiAssetParams struct {
	Limits []*big.Int
	Assets []common.Address
}

// EncodeSingleAssetOutcome returns the canonical rlp encoding.
func EncodeSingleAssetOutcome(o SingleAssetTwoPartyOutcome) ([]byte, error) {
	return rlp.EncodeToBytes(o[:])
}

func DecodeSingleAssetOutcome(data []byte) (SingleAssetTwoPartyOutcome, error) {
	var list []CoinTransfer
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return SingleAssetTwoPartyOutcome{}, fmt.Errorf("interpreter: decode outcome: %w", err)
	}
	if len(list) != 2 {
		return SingleAssetTwoPartyOutcome{}, fmt.Errorf("interpreter: two-party outcome has %d transfers", len(list))
	}
	return SingleAssetTwoPartyOutcome{list[0], list[1]}, nil
}

func EncodeSingleAssetParams(p SingleAssetTwoPartyParams) ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

func DecodeSingleAssetParams(data []byte) (SingleAssetTwoPartyParams, error) {
	var p SingleAssetTwoPartyParams
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return SingleAssetTwoPartyParams{}, fmt.Errorf("interpreter: decode params: %w", err)
	}
	return p, nil
}

func EncodeMultiAssetOutcome(o MultiAssetOutcome) ([]byte, error) {
	return rlp.EncodeToBytes([][]CoinTransfer(o))
}

func DecodeMultiAssetOutcome(data []byte) (MultiAssetOutcome, error) {
	var lists [][]CoinTransfer
	if err := rlp.DecodeBytes(data, &lists); err != nil {
		return nil, fmt.Errorf("interpreter: decode outcome: %w", err)
	}
	return MultiAssetOutcome(lists), nil
}

func EncodeMultiAssetParams(p MultiAssetParams) ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

func DecodeMultiAssetParams(data []byte) (MultiAssetParams, error) {
	var p MultiAssetParams
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return MultiAssetParams{}, fmt.Errorf("interpreter: decode params: %w", err)
	}
	if len(p.Limits) != len(p.Assets) {
		return MultiAssetParams{}, fmt.Errorf("interpreter: %d limits for %d assets", len(p.Limits), len(p.Assets))
	}
	return p, nil
}
