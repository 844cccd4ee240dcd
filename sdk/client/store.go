package client

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"hubchan/core/channel"
	coreerrors "hubchan/core/errors"
	"hubchan/core/protocol"
	"hubchan/core/types"
)

var (
	bucketChannels = []byte("channels")
	bucketThreads  = []byte("threads")

	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("client store: record not found")
)

// Channel is the locally accepted view of a ledger channel.
type Channel struct {
	Params  protocol.Params
	Hub     common.Address
	Latest  channel.SignedLedgerState
	Threads []channel.ThreadState
	// Dispute holds the encoded app state last submitted on-chain.
	Dispute []byte
}

// ID returns the channel id.
func (c Channel) ID() common.Hash { return c.Latest.State.ChannelID }

// Thread is the latest known state of a thread the key takes part in,
// together with the ledger channel it is bonded to.
type Thread struct {
	ChannelID common.Hash
	Latest    channel.SignedThreadState
}

type channelRecord struct {
	DisputeTimeout uint64          `json:"disputeTimeout"`
	TokenAddress   string          `json:"tokenAddress"`
	Hub            string          `json:"hub"`
	Ledger         json.RawMessage `json:"ledger"`
	Threads        json.RawMessage `json:"threads"`
	Dispute        []byte          `json:"dispute,omitempty"`
}

type threadRecord struct {
	ChannelID string          `json:"channelId"`
	Latest    json.RawMessage `json:"latest"`
}

// Store persists accepted channel and thread states in BoltDB. A stored
// nonce never moves backwards.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (and migrates) the store at path.
func OpenStore(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketChannels, bucketThreads} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeChannel(c Channel) ([]byte, error) {
	ledger, err := protocol.EncodeSignedLedgerState(c.Latest)
	if err != nil {
		return nil, err
	}
	threads, err := protocol.EncodeThreadStates(c.Threads)
	if err != nil {
		return nil, err
	}
	return json.Marshal(channelRecord{
		DisputeTimeout: c.Params.DisputeTimeout,
		TokenAddress:   c.Params.TokenAddress.Hex(),
		Hub:            c.Hub.Hex(),
		Ledger:         ledger,
		Threads:        threads,
		Dispute:        c.Dispute,
	})
}

func decodeChannel(raw []byte) (Channel, error) {
	var rec channelRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Channel{}, err
	}
	token, err := types.ParseAddress(rec.TokenAddress)
	if err != nil {
		return Channel{}, err
	}
	hub, err := types.ParseAddress(rec.Hub)
	if err != nil {
		return Channel{}, err
	}
	latest, err := protocol.DecodeSignedLedgerState(rec.Ledger)
	if err != nil {
		return Channel{}, err
	}
	threads, err := protocol.DecodeThreadStates(rec.Threads)
	if err != nil {
		return Channel{}, err
	}
	return Channel{
		Params:  protocol.Params{DisputeTimeout: rec.DisputeTimeout, TokenAddress: token},
		Hub:     hub,
		Latest:  latest,
		Threads: threads,
		Dispute: rec.Dispute,
	}, nil
}

// PutChannel stores c. Replacing a record requires a higher nonce unless
// only the dispute marker changes.
func (s *Store) PutChannel(c Channel) error {
	encoded, err := encodeChannel(c)
	if err != nil {
		return err
	}
	id := c.ID()
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketChannels)
		if raw := bucket.Get(id.Bytes()); raw != nil {
			prev, err := decodeChannel(raw)
			if err != nil {
				return err
			}
			if err := checkReplace(prev, c); err != nil {
				return err
			}
		}
		return bucket.Put(id.Bytes(), encoded)
	})
}

func checkReplace(prev, next Channel) error {
	switch {
	case next.Latest.State.Nonce > prev.Latest.State.Nonce:
		return nil
	case next.Latest.State.Nonce == prev.Latest.State.Nonce:
		want, err := channel.DigestLedgerState(prev.Latest.State)
		if err != nil {
			return err
		}
		got, err := channel.DigestLedgerState(next.Latest.State)
		if err != nil {
			return err
		}
		if want != got {
			return coreerrors.Mismatch(coreerrors.ErrStaleState, channel.ErrStaleNonce.Reason, "state at nonce", want.Hex(), got.Hex())
		}
		return nil
	default:
		return coreerrors.Mismatch(coreerrors.ErrStaleState, channel.ErrStaleNonce.Reason, "nonce", prev.Latest.State.Nonce, next.Latest.State.Nonce)
	}
}

// Channel loads the channel with the given id.
func (s *Store) Channel(id common.Hash) (Channel, error) {
	var out Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChannels).Get(id.Bytes())
		if raw == nil {
			return ErrNotFound
		}
		var err error
		out, err = decodeChannel(raw)
		return err
	})
	return out, err
}

// Channels lists the stored channel ids in key order.
func (s *Store) Channels() ([]common.Hash, error) {
	var ids []common.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChannels).ForEach(func(k, _ []byte) error {
			ids = append(ids, common.BytesToHash(k))
			return nil
		})
	})
	return ids, err
}

// PutThread stores the latest state of a thread. Older nonces are refused.
func (s *Store) PutThread(t Thread) error {
	latest, err := protocol.EncodeSignedThreadState(t.Latest)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(threadRecord{ChannelID: t.ChannelID.Hex(), Latest: latest})
	if err != nil {
		return err
	}
	id := t.Latest.State.ThreadID
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketThreads)
		if raw := bucket.Get(id.Bytes()); raw != nil {
			prev, err := decodeThread(raw)
			if err != nil {
				return err
			}
			if t.Latest.State.Nonce < prev.Latest.State.Nonce {
				return coreerrors.Mismatch(coreerrors.ErrStaleState, channel.ErrStaleNonce.Reason, "thread nonce", prev.Latest.State.Nonce, t.Latest.State.Nonce)
			}
		}
		return bucket.Put(id.Bytes(), encoded)
	})
}

func decodeThread(raw []byte) (Thread, error) {
	var rec threadRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Thread{}, err
	}
	latest, err := protocol.DecodeSignedThreadState(rec.Latest)
	if err != nil {
		return Thread{}, err
	}
	return Thread{ChannelID: common.HexToHash(rec.ChannelID), Latest: latest}, nil
}

// Thread loads the thread with the given id.
func (s *Store) Thread(id common.Hash) (Thread, error) {
	var out Thread
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketThreads).Get(id.Bytes())
		if raw == nil {
			return ErrNotFound
		}
		var err error
		out, err = decodeThread(raw)
		return err
	})
	return out, err
}

// DeleteThread forgets a closed thread.
func (s *Store) DeleteThread(id common.Hash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketThreads).Delete(id.Bytes())
	})
}
