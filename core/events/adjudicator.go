package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"hubchan/core/types"
	"hubchan/crypto"
)

const (
	TypeChallengeUpdated   = "adjudicator.challenge_updated"
	TypeChallengeCancelled = "adjudicator.challenge_cancelled"
	TypeOutcomeSet         = "adjudicator.outcome_set"
	TypeInstanceFunded     = "adjudicator.instance_funded"
	TypeCoinsTransferred   = "interpreter.coins_transferred"
)

// ChallengeUpdated is emitted whenever a challenge record is written by
// setState, progressState or setAndProgressState.
type ChallengeUpdated struct {
	Identity     common.Hash
	Status       string
	AppStateHash common.Hash
	Version      uint64
	FinalizesAt  uint64
}

func (ChallengeUpdated) EventType() string { return TypeChallengeUpdated }

func (e ChallengeUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeChallengeUpdated,
		Attributes: map[string]string{
			"identity":     e.Identity.Hex(),
			"status":       e.Status,
			"appStateHash": e.AppStateHash.Hex(),
			"version":      strconv.FormatUint(e.Version, 10),
			"finalizesAt":  strconv.FormatUint(e.FinalizesAt, 10),
		},
	}
}

type ChallengeCancelled struct {
	Identity common.Hash
	Version  uint64
}

func (ChallengeCancelled) EventType() string { return TypeChallengeCancelled }

func (e ChallengeCancelled) Event() *types.Event {
	return &types.Event{
		Type: TypeChallengeCancelled,
		Attributes: map[string]string{
			"identity": e.Identity.Hex(),
			"version":  strconv.FormatUint(e.Version, 10),
		},
	}
}

type OutcomeSet struct {
	Identity    common.Hash
	OutcomeHash common.Hash
	Height      uint64
}

func (OutcomeSet) EventType() string { return TypeOutcomeSet }

func (e OutcomeSet) Event() *types.Event {
	return &types.Event{
		Type: TypeOutcomeSet,
		Attributes: map[string]string{
			"identity":    e.Identity.Hex(),
			"outcomeHash": e.OutcomeHash.Hex(),
			"height":      strconv.FormatUint(e.Height, 10),
		},
	}
}

// InstanceFunded records a deposit into adjudicator custody for an app
// instance.
type InstanceFunded struct {
	Identity  common.Hash
	Depositor common.Address
	Asset     common.Address
	Amount    *big.Int
	Total     *big.Int
}

func (InstanceFunded) EventType() string { return TypeInstanceFunded }

func (e InstanceFunded) Event() *types.Event {
	return &types.Event{
		Type: TypeInstanceFunded,
		Attributes: map[string]string{
			"identity":  e.Identity.Hex(),
			"depositor": renderAccount(crypto.UserPrefix, e.Depositor),
			"asset":     e.Asset.Hex(),
			"amount":    formatAmount(e.Amount),
			"total":     formatAmount(e.Total),
		},
	}
}

// CoinsTransferred is emitted once per recipient paid by an interpreter.
type CoinsTransferred struct {
	Identity  common.Hash
	Asset     common.Address
	Recipient common.Address
	Amount    *big.Int
	Withdrawn *big.Int
}

func (CoinsTransferred) EventType() string { return TypeCoinsTransferred }

func (e CoinsTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeCoinsTransferred,
		Attributes: map[string]string{
			"identity":  e.Identity.Hex(),
			"asset":     e.Asset.Hex(),
			"recipient": renderAccount(crypto.UserPrefix, e.Recipient),
			"amount":    formatAmount(e.Amount),
			"withdrawn": formatAmount(e.Withdrawn),
		},
	}
}
