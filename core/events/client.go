package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"hubchan/core/types"
	"hubchan/crypto"
)

const (
	TypeLedgerUpdateAccepted = "client.ledger_update_accepted"
	TypeThreadUpdated        = "client.thread_updated"
	TypeDisputeEscalated     = "client.dispute_escalated"
)

// LedgerUpdateAccepted is emitted after the hub counter-signed a ledger state
// and the client persisted it.
type LedgerUpdateAccepted struct {
	ChannelID common.Hash
	Nonce     uint64
	Party     common.Address
	Hub       common.Address
	Balance   types.Balance
	Threads   uint64
	Closing   bool
}

func (LedgerUpdateAccepted) EventType() string { return TypeLedgerUpdateAccepted }

func (e LedgerUpdateAccepted) Event() *types.Event {
	return &types.Event{
		Type: TypeLedgerUpdateAccepted,
		Attributes: map[string]string{
			"channelId": e.ChannelID.Hex(),
			"nonce":     strconv.FormatUint(e.Nonce, 10),
			"party":     renderAccount(crypto.UserPrefix, e.Party),
			"hub":       renderAccount(crypto.HubPrefix, e.Hub),
			"native":    formatAmount(e.Balance.Native),
			"token":     formatAmount(e.Balance.Token),
			"threads":   strconv.FormatUint(e.Threads, 10),
			"isClose":   strconv.FormatBool(e.Closing),
		},
	}
}

type ThreadUpdated struct {
	ThreadID common.Hash
	Nonce    uint64
	Payer    common.Address
	Payee    common.Address
}

func (ThreadUpdated) EventType() string { return TypeThreadUpdated }

func (e ThreadUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeThreadUpdated,
		Attributes: map[string]string{
			"threadId": e.ThreadID.Hex(),
			"nonce":    strconv.FormatUint(e.Nonce, 10),
			"payer":    renderAccount(crypto.UserPrefix, e.Payer),
			"payee":    renderAccount(crypto.UserPrefix, e.Payee),
		},
	}
}

// DisputeEscalated marks the point where the client gave up on off-chain
// cooperation and submitted its latest state to the adjudicator.
type DisputeEscalated struct {
	ChannelID common.Hash
	Identity  common.Hash
	Nonce     uint64
	Cause     string
}

func (DisputeEscalated) EventType() string { return TypeDisputeEscalated }

func (e DisputeEscalated) Event() *types.Event {
	return &types.Event{
		Type: TypeDisputeEscalated,
		Attributes: map[string]string{
			"channelId": e.ChannelID.Hex(),
			"identity":  e.Identity.Hex(),
			"nonce":     strconv.FormatUint(e.Nonce, 10),
			"cause":     e.Cause,
		},
	}
}
