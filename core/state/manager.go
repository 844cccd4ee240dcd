package state

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"hubchan/native/adjudicator"
	"hubchan/storage"
)

// Manager exposes typed access to the adjudicator ledger's key/value state.
// Keys are keccak256 hashes of a prefix and the record's identifiers; values
// are rlp encoded.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager over db. Within a transaction db is an
// overlay so every write can be discarded together.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	balancePrefix   = []byte("balance:")
	challengePrefix = []byte("challenge:")
	outcomePrefix   = []byte("outcome:")
	fundingPrefix   = []byte("funding:")
	withdrawnPrefix = []byte("withdrawn:")
	challengeIndex  = []byte("challenge-index")
	heightKey       = ethcrypto.Keccak256([]byte("ledger-height"))
)

func compositeKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for i, part := range parts {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) get(key []byte) ([]byte, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

func (m *Manager) getAmount(key []byte) (*big.Int, error) {
	data, err := m.get(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

func (m *Manager) putAmount(key []byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	return m.put(key, amount)
}

// AssetBalance returns owner's holding of asset. The zero address is the
// native asset.
func (m *Manager) AssetBalance(owner, asset common.Address) (*big.Int, error) {
	return m.getAmount(compositeKey(balancePrefix, owner.Bytes(), asset.Bytes()))
}

// SetAssetBalance overwrites owner's holding of asset.
func (m *Manager) SetAssetBalance(owner, asset common.Address, amount *big.Int) error {
	return m.putAmount(compositeKey(balancePrefix, owner.Bytes(), asset.Bytes()), amount)
}

// Credit adds amount to owner's holding. It is used when value enters the
// ledger from outside, for example a faucet or a bridged deposit.
func (m *Manager) Credit(owner, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	current, err := m.AssetBalance(owner, asset)
	if err != nil {
		return err
	}
	return m.SetAssetBalance(owner, asset, new(big.Int).Add(current, amount))
}

// AppChallenge loads the challenge stored for id.
func (m *Manager) AppChallenge(id common.Hash) (*adjudicator.AppChallenge, bool, error) {
	data, err := m.get(compositeKey(challengePrefix, id.Bytes()))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	challenge := new(adjudicator.AppChallenge)
	if err := rlp.DecodeBytes(data, challenge); err != nil {
		return nil, false, err
	}
	if !challenge.Status.Valid() {
		return nil, false, fmt.Errorf("state: challenge %s has invalid status %d", id.Hex(), challenge.Status)
	}
	return challenge, true, nil
}

// PutAppChallenge stores challenge and indexes id.
func (m *Manager) PutAppChallenge(id common.Hash, challenge *adjudicator.AppChallenge) error {
	if challenge == nil {
		return fmt.Errorf("state: nil challenge")
	}
	if err := m.put(compositeKey(challengePrefix, id.Bytes()), challenge); err != nil {
		return err
	}
	return m.KVAppend(challengeIndex, id.Bytes())
}

// DeleteAppChallenge removes the challenge stored for id. The index keeps
// the id; readers see NO_CHALLENGE.
func (m *Manager) DeleteAppChallenge(id common.Hash) error {
	return m.db.Delete(compositeKey(challengePrefix, id.Bytes()))
}

// ChallengeIDs lists every identity hash that ever had a challenge.
func (m *Manager) ChallengeIDs() ([]common.Hash, error) {
	var raw [][]byte
	if err := m.KVGetList(challengeIndex, &raw); err != nil {
		return nil, err
	}
	ids := make([]common.Hash, len(raw))
	for i, b := range raw {
		ids[i] = common.BytesToHash(b)
	}
	return ids, nil
}

func (m *Manager) AppOutcome(id common.Hash) ([]byte, bool, error) {
	data, err := m.get(compositeKey(outcomePrefix, id.Bytes()))
	if err != nil || len(data) == 0 {
		return nil, false, err
	}
	var outcome []byte
	if err := rlp.DecodeBytes(data, &outcome); err != nil {
		return nil, false, err
	}
	return outcome, true, nil
}

func (m *Manager) PutAppOutcome(id common.Hash, outcome []byte) error {
	return m.put(compositeKey(outcomePrefix, id.Bytes()), outcome)
}

// InstanceFunding returns the cumulative deposits of asset into an app
// instance.
func (m *Manager) InstanceFunding(id common.Hash, asset common.Address) (*big.Int, error) {
	return m.getAmount(compositeKey(fundingPrefix, id.Bytes(), asset.Bytes()))
}

func (m *Manager) SetInstanceFunding(id common.Hash, asset common.Address, amount *big.Int) error {
	return m.putAmount(compositeKey(fundingPrefix, id.Bytes(), asset.Bytes()), amount)
}

// InterpreterWithdrawn returns the interpreter's cumulative payout counter.
func (m *Manager) InterpreterWithdrawn(instance common.Hash, asset common.Address) (*big.Int, error) {
	return m.getAmount(compositeKey(withdrawnPrefix, instance.Bytes(), asset.Bytes()))
}

// SetInterpreterWithdrawn stores the counter. Decreasing it is refused.
func (m *Manager) SetInterpreterWithdrawn(instance common.Hash, asset common.Address, total *big.Int) error {
	current, err := m.InterpreterWithdrawn(instance, asset)
	if err != nil {
		return err
	}
	if total == nil || total.Cmp(current) < 0 {
		return fmt.Errorf("state: withdrawn counter for %s cannot decrease from %s", asset.Hex(), current)
	}
	return m.putAmount(compositeKey(withdrawnPrefix, instance.Bytes(), asset.Bytes()), total)
}

// Height returns the persisted ledger height.
func (m *Manager) Height() (uint64, error) {
	data, err := m.get(heightKey)
	if err != nil || len(data) == 0 {
		return 0, err
	}
	var height uint64
	if err := rlp.DecodeBytes(data, &height); err != nil {
		return 0, err
	}
	return height, nil
}

func (m *Manager) SetHeight(height uint64) error {
	return m.put(heightKey, height)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.put(kvKey(key), value)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVAppend appends value to the rlp list stored under key. Duplicates are
// ignored to keep the index deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, err := m.get(hashed)
	if err != nil {
		return err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return m.put(hashed, list)
}

// KVGetList decodes the rlp list stored under key into out, which must be a
// pointer to a slice. A missing key yields an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
