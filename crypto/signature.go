package crypto

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	coreerrors "hubchan/core/errors"
)

// SignatureLength is the size of an [R || S || V] secp256k1 signature.
const SignatureLength = crypto.SignatureLength

var (
	ErrInvalidSignature = coreerrors.New(coreerrors.ErrSignature, "InvalidSignature", "")
	ErrSignerOrder      = coreerrors.New(coreerrors.ErrSignature, "InvalidSignature", "signers not in ascending order")
)

// SignDigest signs the Ethereum signed-message hash of digest. The returned
// signature carries V in {27, 28}, the form the adjudicator expects.
func SignDigest(digest common.Hash, key *PrivateKey) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, fmt.Errorf("crypto: nil signing key")
	}
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), key.PrivateKey)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the account whose key produced sig over digest.
// High-S signatures are rejected so a signature has exactly one valid form.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrInvalidSignature.With("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	v := normalized[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, ErrInvalidSignature.With("invalid recovery id %d", sig[crypto.RecoveryIDOffset])
	}
	normalized[crypto.RecoveryIDOffset] = v
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, ErrInvalidSignature.With("non-canonical signature values")
	}
	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), normalized)
	if err != nil {
		return common.Address{}, ErrInvalidSignature.Wrap(err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig over digest was produced by expected.
func Verify(digest common.Hash, sig []byte, expected common.Address) bool {
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return false
	}
	return signer == expected
}

// VerifyAll checks that sigs were produced by exactly the expected signers,
// with sigs laid out in ascending signer-address order. The expected signers
// may be given in any order.
func VerifyAll(digest common.Hash, sigs [][]byte, expected []common.Address) bool {
	return CheckAll(digest, sigs, expected) == nil
}

// CheckAll is VerifyAll returning the structured failure.
func CheckAll(digest common.Hash, sigs [][]byte, expected []common.Address) error {
	if len(sigs) != len(expected) {
		return ErrInvalidSignature.With("expected %d signatures, got %d", len(expected), len(sigs))
	}
	if len(sigs) == 0 {
		return ErrInvalidSignature.With("no signatures")
	}
	ordered := SortAddresses(expected)
	for i := 1; i < len(ordered); i++ {
		if ordered[i] == ordered[i-1] {
			return ErrInvalidSignature.With("signer %s expected twice", ordered[i].Hex())
		}
	}
	for i, sig := range sigs {
		signer, err := RecoverSigner(digest, sig)
		if err != nil {
			return err
		}
		if signer != ordered[i] {
			if containsAddress(ordered, signer) {
				return ErrSignerOrder
			}
			return coreerrors.Mismatch(coreerrors.ErrSignature, "InvalidSignature", fmt.Sprintf("signer %d", i), ordered[i].Hex(), signer.Hex())
		}
	}
	return nil
}

// SortAddresses returns a copy of addrs in ascending byte order.
func SortAddresses(addrs []common.Address) []common.Address {
	out := append([]common.Address(nil), addrs...)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0 })
	return out
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, candidate := range list {
		if candidate == addr {
			return true
		}
	}
	return false
}

// SignerSignature pairs a signature with the account that produced it.
type SignerSignature struct {
	Signer    common.Address
	Signature []byte
}

// SignatureSet is an immutable, ascending-by-signer list of signatures. The
// only way to obtain one is through a constructor that enforces the order.
type SignatureSet struct {
	entries []SignerSignature
}

// NewSignatureSet accepts entries that are already strictly ascending by
// signer and rejects anything else.
func NewSignatureSet(entries ...SignerSignature) (SignatureSet, error) {
	for i := range entries {
		if len(entries[i].Signature) != SignatureLength {
			return SignatureSet{}, ErrInvalidSignature.With("signature for %s has length %d", entries[i].Signer.Hex(), len(entries[i].Signature))
		}
		if i > 0 && bytes.Compare(entries[i-1].Signer.Bytes(), entries[i].Signer.Bytes()) >= 0 {
			return SignatureSet{}, ErrSignerOrder
		}
	}
	out := make([]SignerSignature, len(entries))
	for i, entry := range entries {
		out[i] = SignerSignature{Signer: entry.Signer, Signature: append([]byte(nil), entry.Signature...)}
	}
	return SignatureSet{entries: out}, nil
}

// SortedSignatureSet sorts entries by signer before constructing the set.
// Duplicate signers are rejected.
func SortedSignatureSet(entries ...SignerSignature) (SignatureSet, error) {
	sorted := append([]SignerSignature(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Signer.Bytes(), sorted[j].Signer.Bytes()) < 0
	})
	return NewSignatureSet(sorted...)
}

// Len returns the number of signatures.
func (s SignatureSet) Len() int { return len(s.entries) }

// Signers returns the signer addresses in set order.
func (s SignatureSet) Signers() []common.Address {
	out := make([]common.Address, len(s.entries))
	for i, entry := range s.entries {
		out[i] = entry.Signer
	}
	return out
}

// Signatures returns copies of the raw signatures in set order.
func (s SignatureSet) Signatures() [][]byte {
	out := make([][]byte, len(s.entries))
	for i, entry := range s.entries {
		out[i] = append([]byte(nil), entry.Signature...)
	}
	return out
}

// Entries returns a copy of the pairs.
func (s SignatureSet) Entries() []SignerSignature {
	out := make([]SignerSignature, len(s.entries))
	for i, entry := range s.entries {
		out[i] = SignerSignature{Signer: entry.Signer, Signature: append([]byte(nil), entry.Signature...)}
	}
	return out
}

// Get returns the signature produced by signer.
func (s SignatureSet) Get(signer common.Address) ([]byte, bool) {
	for _, entry := range s.entries {
		if entry.Signer == signer {
			return append([]byte(nil), entry.Signature...), true
		}
	}
	return nil, false
}

// Has reports whether signer contributed a signature.
func (s SignatureSet) Has(signer common.Address) bool {
	_, ok := s.Get(signer)
	return ok
}

// Merge returns a new set containing the signatures of both sets.
func (s SignatureSet) Merge(other SignatureSet) (SignatureSet, error) {
	combined := s.Entries()
	for _, entry := range other.entries {
		if s.Has(entry.Signer) {
			return SignatureSet{}, ErrInvalidSignature.With("duplicate signer %s", entry.Signer.Hex())
		}
		combined = append(combined, entry)
	}
	return SortedSignatureSet(combined...)
}

// Verify checks every signature against digest and requires the set's
// signers to be exactly expected.
func (s SignatureSet) Verify(digest common.Hash, expected []common.Address) error {
	return CheckAll(digest, s.Signatures(), expected)
}

// Sign produces a single-entry set.
func Sign(digest common.Hash, key *PrivateKey) (SignatureSet, error) {
	sig, err := SignDigest(digest, key)
	if err != nil {
		return SignatureSet{}, err
	}
	return NewSignatureSet(SignerSignature{Signer: key.Address(), Signature: sig})
}
