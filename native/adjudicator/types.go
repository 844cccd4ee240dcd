package adjudicator

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChallengeStatus is the lifecycle position of an app instance's challenge.
type ChallengeStatus uint8

const (
	StatusNoChallenge ChallengeStatus = iota
	StatusInDispute
	StatusInOnchainProgression
	StatusExplicitlyFinalized
	StatusOutcomeSet
)

func (s ChallengeStatus) String() string {
	switch s {
	case StatusNoChallenge:
		return "NO_CHALLENGE"
	case StatusInDispute:
		return "IN_DISPUTE"
	case StatusInOnchainProgression:
		return "IN_ONCHAIN_PROGRESSION"
	case StatusExplicitlyFinalized:
		return "EXPLICITLY_FINALIZED"
	case StatusOutcomeSet:
		return "OUTCOME_SET"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s ChallengeStatus) Valid() bool {
	return s <= StatusOutcomeSet
}

// ParseStatus is the inverse of String.
func ParseStatus(raw string) (ChallengeStatus, error) {
	for s := StatusNoChallenge; s <= StatusOutcomeSet; s++ {
		if s.String() == raw {
			return s, nil
		}
	}
	return 0, fmt.Errorf("adjudicator: unknown status %q", raw)
}

// AppIdentity determines the identity hash that keys an app instance's
// challenge record.
type AppIdentity struct {
	Participants   []common.Address
	ChannelNonce   uint64
	AppDefinition  common.Address
	DefaultTimeout uint64
}

// AppChallenge is the on-chain record of an app instance's latest claimed
// state. The zero value is NO_CHALLENGE.
type AppChallenge struct {
	Status        ChallengeStatus
	AppStateHash  common.Hash
	VersionNumber uint64
	FinalizesAt   uint64
}

// Clone returns a copy of the challenge.
func (c *AppChallenge) Clone() *AppChallenge {
	if c == nil {
		return &AppChallenge{}
	}
	clone := *c
	return &clone
}

// SignedAppChallengeUpdate is a state commitment signed by participants.
type SignedAppChallengeUpdate struct {
	AppStateHash  common.Hash
	VersionNumber uint64
	Timeout       uint64
	Signatures    [][]byte
}

// SignedCancelChallengeRequest asks to clear a challenge at exactly
// VersionNumber.
type SignedCancelChallengeRequest struct {
	VersionNumber uint64
	Signatures    [][]byte
}

// FundingLookup returns the amount of asset deposited for the instance being
// settled.
type FundingLookup func(asset common.Address) (*big.Int, error)
