package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AssetKind distinguishes the two balance slots a channel or thread carries.
type AssetKind uint8

const (
	AssetNative AssetKind = iota
	AssetToken
)

// AssetKinds lists the slots in canonical encoding order.
var AssetKinds = []AssetKind{AssetNative, AssetToken}

// NativeAsset is the on-chain asset identifier used for the native coin.
var NativeAsset = common.Address{}

func (k AssetKind) String() string {
	switch k {
	case AssetNative:
		return "native"
	case AssetToken:
		return "token"
	default:
		return fmt.Sprintf("asset(%d)", uint8(k))
	}
}

// Valid reports whether the kind is one of the supported slots.
func (k AssetKind) Valid() bool {
	return k == AssetNative || k == AssetToken
}

// Balance holds one party's amounts for both asset slots. A slot that the
// channel does not use is zero, never nil, once the value has been validated.
type Balance struct {
	Native *big.Int `json:"native"`
	Token  *big.Int `json:"token"`
}

// NewBalance is a convenience constructor for small literal amounts.
func NewBalance(native, token int64) Balance {
	return Balance{Native: big.NewInt(native), Token: big.NewInt(token)}
}

// ZeroBalance returns a balance with both slots set to zero.
func ZeroBalance() Balance { return NewBalance(0, 0) }

// Get returns the amount held in the given slot. Missing slots read as nil.
func (b Balance) Get(kind AssetKind) *big.Int {
	switch kind {
	case AssetNative:
		return b.Native
	case AssetToken:
		return b.Token
	default:
		return nil
	}
}

// Clone returns a deep copy; nil slots become zero.
func (b Balance) Clone() Balance {
	return Balance{Native: cloneAmount(b.Native), Token: cloneAmount(b.Token)}
}

// Add returns b + o per slot.
func (b Balance) Add(o Balance) Balance {
	return Balance{
		Native: new(big.Int).Add(cloneAmount(b.Native), cloneAmount(o.Native)),
		Token:  new(big.Int).Add(cloneAmount(b.Token), cloneAmount(o.Token)),
	}
}

// Sub returns b - o per slot. It fails when any slot would go negative.
func (b Balance) Sub(o Balance) (Balance, error) {
	out := Balance{
		Native: new(big.Int).Sub(cloneAmount(b.Native), cloneAmount(o.Native)),
		Token:  new(big.Int).Sub(cloneAmount(b.Token), cloneAmount(o.Token)),
	}
	for _, kind := range AssetKinds {
		if out.Get(kind).Sign() < 0 {
			return Balance{}, fmt.Errorf("balance: insufficient %s balance", kind)
		}
	}
	return out, nil
}

// Equal compares both slots numerically; nil reads as zero.
func (b Balance) Equal(o Balance) bool {
	return cloneAmount(b.Native).Cmp(cloneAmount(o.Native)) == 0 &&
		cloneAmount(b.Token).Cmp(cloneAmount(o.Token)) == 0
}

// IsZero reports whether both slots are zero.
func (b Balance) IsZero() bool {
	return cloneAmount(b.Native).Sign() == 0 && cloneAmount(b.Token).Sign() == 0
}

// HasNegative reports whether either slot is below zero.
func (b Balance) HasNegative() bool {
	return (b.Native != nil && b.Native.Sign() < 0) || (b.Token != nil && b.Token.Sign() < 0)
}

func (b Balance) String() string {
	return fmt.Sprintf("{native:%s token:%s}", cloneAmount(b.Native), cloneAmount(b.Token))
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// ParseAmount parses a base-10 integer amount. Hex, fractions and signs other
// than a leading minus are rejected.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

// ParseAddress decodes a 0x-prefixed hex address in any letter case.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

// SameAddress compares two hex renderings case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
