package channel

import (
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// EmptyThreadRoot is the root of a channel with no open threads. The ledger
// verifier compares against bytes32(0), not the hash of an empty list.
var EmptyThreadRoot = common.Hash{}

// ProofStep is one level of a thread-root inclusion proof.
type ProofStep struct {
	Sibling common.Hash `json:"sibling"`
	Left    bool        `json:"left"`
}

// ComputeThreadRoot commits to the ordered list of thread initial states.
// Leaves are the thread digests; parents are keccak256(left || right) and a
// trailing odd node is promoted unchanged. Reordering the list changes the
// root.
func ComputeThreadRoot(initial []ThreadState) (common.Hash, error) {
	if len(initial) == 0 {
		return EmptyThreadRoot, nil
	}
	level, err := threadLeaves(initial)
	if err != nil {
		return common.Hash{}, err
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0], nil
}

// ThreadRootProof returns the inclusion proof of initial[index].
func ThreadRootProof(initial []ThreadState, index int) ([]ProofStep, error) {
	if index < 0 || index >= len(initial) {
		return nil, ErrInvalidState.With("thread index %d out of range", index)
	}
	level, err := threadLeaves(initial)
	if err != nil {
		return nil, err
	}
	var proof []ProofStep
	pos := index
	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof = append(proof, ProofStep{Sibling: level[sibling], Left: sibling < pos})
		}
		level = nextLevel(level)
		pos /= 2
	}
	return proof, nil
}

// VerifyThreadProof checks that the thread's digest is committed to by root.
func VerifyThreadProof(thread ThreadState, proof []ProofStep, root common.Hash) bool {
	leaf, err := DigestThreadState(thread)
	if err != nil {
		return false
	}
	node := leaf
	for _, step := range proof {
		if step.Left {
			node = hashPair(step.Sibling, node)
		} else {
			node = hashPair(node, step.Sibling)
		}
	}
	return node == root
}

func threadLeaves(initial []ThreadState) ([]common.Hash, error) {
	leaves := make([]common.Hash, len(initial))
	for i, thread := range initial {
		if thread.Nonce != 0 {
			return nil, ErrInvalidState.With("thread %s root entry has nonce %d", thread.ThreadID.Hex(), thread.Nonce)
		}
		digest, err := DigestThreadState(thread)
		if err != nil {
			return nil, err
		}
		leaves[i] = digest
	}
	return leaves, nil
}

func nextLevel(level []common.Hash) []common.Hash {
	next := make([]common.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 == len(level) {
			next = append(next, level[i])
			continue
		}
		next = append(next, hashPair(level[i], level[i+1]))
	}
	return next
}

func hashPair(left, right common.Hash) common.Hash {
	return ethcrypto.Keccak256Hash(left.Bytes(), right.Bytes())
}
