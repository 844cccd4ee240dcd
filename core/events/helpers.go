package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"hubchan/crypto"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func renderAccount(prefix crypto.AddressPrefix, addr common.Address) string {
	return crypto.NewAddress(prefix, addr.Bytes()).String()
}
