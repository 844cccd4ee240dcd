package adjudicator

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"hubchan/crypto"
)

// cancelDisputeTag domain-separates cancellation signatures from state
// commitments.
var cancelDisputeTag = ethcrypto.Keccak256([]byte("CANCEL_DISPUTE"))

var identityArgs = func() abi.Arguments {
	addressList, err := abi.NewType("address[]", "", nil)
	if err != nil {
		panic(err)
	}
	uintType, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{
		{Name: "participants", Type: addressList},
		{Name: "channelNonce", Type: uintType},
		{Name: "appDefinition", Type: addressType},
		{Name: "defaultTimeout", Type: uintType},
	}
}()

// Hash returns keccak256(abi.encode(participants, channelNonce,
// appDefinition, defaultTimeout)).
func (a AppIdentity) Hash() (common.Hash, error) {
	if len(a.Participants) == 0 {
		return common.Hash{}, fmt.Errorf("adjudicator: app identity without participants")
	}
	participants := append([]common.Address(nil), a.Participants...)
	encoded, err := identityArgs.Pack(
		participants,
		new(big.Int).SetUint64(a.ChannelNonce),
		a.AppDefinition,
		new(big.Int).SetUint64(a.DefaultTimeout),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("adjudicator: encode identity: %w", err)
	}
	return ethcrypto.Keccak256Hash(encoded), nil
}

// MustHash is Hash for identities known to be well formed.
func (a AppIdentity) MustHash() common.Hash {
	h, err := a.Hash()
	if err != nil {
		panic(err)
	}
	return h
}

// CommitmentDigest is the message participants sign to commit to an app
// state: keccak256(0x19 || identityHash || versionNumber || timeout ||
// appStateHash).
func CommitmentDigest(identity, appStateHash common.Hash, versionNumber, timeout uint64) common.Hash {
	buf := make([]byte, 0, 1+32*4)
	buf = append(buf, 0x19)
	buf = append(buf, identity.Bytes()...)
	buf = appendWord(buf, versionNumber)
	buf = appendWord(buf, timeout)
	buf = append(buf, appStateHash.Bytes()...)
	return ethcrypto.Keccak256Hash(buf)
}

// CancelDigest is the message participants sign to cancel a challenge.
func CancelDigest(identity common.Hash, versionNumber uint64) common.Hash {
	buf := make([]byte, 0, 1+32*3)
	buf = append(buf, 0x19)
	buf = append(buf, cancelDisputeTag...)
	buf = append(buf, identity.Bytes()...)
	buf = appendWord(buf, versionNumber)
	return ethcrypto.Keccak256Hash(buf)
}

// AppStateHash hashes an encoded app state.
func AppStateHash(encoded []byte) common.Hash {
	return ethcrypto.Keccak256Hash(encoded)
}

// SignCommitment signs the commitment for a state with key.
func SignCommitment(identity, appStateHash common.Hash, versionNumber, timeout uint64, key *crypto.PrivateKey) ([]byte, error) {
	return crypto.SignDigest(CommitmentDigest(identity, appStateHash, versionNumber, timeout), key)
}

// SignCancel signs a cancellation request with key.
func SignCancel(identity common.Hash, versionNumber uint64, key *crypto.PrivateKey) ([]byte, error) {
	return crypto.SignDigest(CancelDigest(identity, versionNumber), key)
}

func appendWord(buf []byte, v uint64) []byte {
	word := uint256.NewInt(v).Bytes32()
	return append(buf, word[:]...)
}
