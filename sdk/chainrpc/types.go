// Package chainrpc carries the adjudicator's JSON surface: the wire types
// shared by adjudicatord and its HTTP client.
package chainrpc

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"hubchan/core/chain"
	coreerrors "hubchan/core/errors"
	"hubchan/native/adjudicator"
)

// Identity is the JSON form of adjudicator.AppIdentity.
type Identity struct {
	Participants   []common.Address `json:"participants"`
	ChannelNonce   uint64           `json:"channelNonce"`
	AppDefinition  common.Address   `json:"appDefinition"`
	DefaultTimeout uint64           `json:"defaultTimeout"`
}

func IdentityFrom(id adjudicator.AppIdentity) Identity {
	return Identity{
		Participants:   append([]common.Address(nil), id.Participants...),
		ChannelNonce:   id.ChannelNonce,
		AppDefinition:  id.AppDefinition,
		DefaultTimeout: id.DefaultTimeout,
	}
}

func (i Identity) AppIdentity() adjudicator.AppIdentity {
	return adjudicator.AppIdentity{
		Participants:   append([]common.Address(nil), i.Participants...),
		ChannelNonce:   i.ChannelNonce,
		AppDefinition:  i.AppDefinition,
		DefaultTimeout: i.DefaultTimeout,
	}
}

// Update is the JSON form of adjudicator.SignedAppChallengeUpdate.
type Update struct {
	AppStateHash  common.Hash     `json:"appStateHash"`
	VersionNumber uint64          `json:"versionNumber"`
	Timeout       uint64          `json:"timeout"`
	Signatures    []hexutil.Bytes `json:"signatures"`
}

func UpdateFrom(req adjudicator.SignedAppChallengeUpdate) Update {
	return Update{
		AppStateHash:  req.AppStateHash,
		VersionNumber: req.VersionNumber,
		Timeout:       req.Timeout,
		Signatures:    toHex(req.Signatures),
	}
}

func (u Update) Signed() adjudicator.SignedAppChallengeUpdate {
	return adjudicator.SignedAppChallengeUpdate{
		AppStateHash:  u.AppStateHash,
		VersionNumber: u.VersionNumber,
		Timeout:       u.Timeout,
		Signatures:    fromHex(u.Signatures),
	}
}

func toHex(sigs [][]byte) []hexutil.Bytes {
	out := make([]hexutil.Bytes, len(sigs))
	for i, sig := range sigs {
		out[i] = append(hexutil.Bytes(nil), sig...)
	}
	return out
}

func fromHex(sigs []hexutil.Bytes) [][]byte {
	out := make([][]byte, len(sigs))
	for i, sig := range sigs {
		out[i] = append([]byte(nil), sig...)
	}
	return out
}

// Challenge is the JSON form of adjudicator.AppChallenge.
type Challenge struct {
	Status        string      `json:"status"`
	AppStateHash  common.Hash `json:"appStateHash"`
	VersionNumber uint64      `json:"versionNumber"`
	FinalizesAt   uint64      `json:"finalizesAt"`
}

func ChallengeFrom(c *adjudicator.AppChallenge) Challenge {
	if c == nil {
		c = &adjudicator.AppChallenge{}
	}
	return Challenge{
		Status:        c.Status.String(),
		AppStateHash:  c.AppStateHash,
		VersionNumber: c.VersionNumber,
		FinalizesAt:   c.FinalizesAt,
	}
}

func (c Challenge) AppChallenge() (*adjudicator.AppChallenge, error) {
	status, err := adjudicator.ParseStatus(c.Status)
	if err != nil {
		return nil, err
	}
	return &adjudicator.AppChallenge{
		Status:        status,
		AppStateHash:  c.AppStateHash,
		VersionNumber: c.VersionNumber,
		FinalizesAt:   c.FinalizesAt,
	}, nil
}

// Transaction requests. At, when non-zero, stamps the transaction with that
// height instead of the current one.
type (
	SetStateRequest struct {
		At       uint64   `json:"at,omitempty"`
		Identity Identity `json:"identity"`
		Update   Update   `json:"update"`
	}

	ProgressStateRequest struct {
		At       uint64        `json:"at,omitempty"`
		Identity Identity      `json:"identity"`
		Update   Update        `json:"update"`
		OldState hexutil.Bytes `json:"oldState"`
		Action   hexutil.Bytes `json:"action"`
	}

	SetAndProgressStateRequest struct {
		At       uint64        `json:"at,omitempty"`
		Identity Identity      `json:"identity"`
		Set      Update        `json:"set"`
		Progress Update        `json:"progress"`
		AppState hexutil.Bytes `json:"appState"`
		Action   hexutil.Bytes `json:"action"`
	}

	CancelDisputeRequest struct {
		At            uint64          `json:"at,omitempty"`
		Identity      Identity        `json:"identity"`
		VersionNumber uint64          `json:"versionNumber"`
		Signatures    []hexutil.Bytes `json:"signatures"`
	}

	SetOutcomeRequest struct {
		At         uint64        `json:"at,omitempty"`
		Identity   Identity      `json:"identity"`
		FinalState hexutil.Bytes `json:"finalState"`
	}

	FundRequest struct {
		At        uint64         `json:"at,omitempty"`
		Identity  common.Hash    `json:"identity"`
		Depositor common.Address `json:"depositor"`
		Asset     common.Address `json:"asset"`
		Amount    *hexutil.Big   `json:"amount"`
		Nonce     uint64         `json:"nonce"`
		Signature hexutil.Bytes  `json:"signature"`
	}

	MineRequest struct {
		Blocks uint64 `json:"blocks"`
	}

	CreditRequest struct {
		Owner  common.Address `json:"owner"`
		Asset  common.Address `json:"asset"`
		Amount *hexutil.Big   `json:"amount"`
	}
)

func (c CancelDisputeRequest) Request() adjudicator.SignedCancelChallengeRequest {
	return adjudicator.SignedCancelChallengeRequest{
		VersionNumber: c.VersionNumber,
		Signatures:    fromHex(c.Signatures),
	}
}

func FundRequestFrom(req chain.FundRequest) FundRequest {
	return FundRequest{
		Identity:  req.Identity,
		Depositor: req.Depositor,
		Asset:     req.Asset,
		Amount:    (*hexutil.Big)(req.Amount),
		Nonce:     req.Nonce,
		Signature: append(hexutil.Bytes(nil), req.Signature...),
	}
}

func (f FundRequest) Request() chain.FundRequest {
	return chain.FundRequest{
		Identity:  f.Identity,
		Depositor: f.Depositor,
		Asset:     f.Asset,
		Amount:    f.Amount.ToInt(),
		Nonce:     f.Nonce,
		Signature: append([]byte(nil), f.Signature...),
	}
}

// Responses.
type (
	HeightResponse struct {
		Height uint64 `json:"height"`
	}

	PredicateResponse struct {
		Predicate string `json:"predicate"`
		Value     bool   `json:"value"`
	}

	AmountResponse struct {
		Amount *hexutil.Big `json:"amount"`
	}

	NonceResponse struct {
		Nonce uint64 `json:"nonce"`
	}

	OutcomeResponse struct {
		Outcome hexutil.Bytes `json:"outcome"`
	}

	// ErrorResponse carries a failure. Kind names the coreerrors kind so a
	// revert can be rebuilt on the other side and matched with errors.Is.
	ErrorResponse struct {
		Kind   string `json:"kind,omitempty"`
		Reason string `json:"reason"`
		Detail string `json:"detail,omitempty"`
	}
)

// Amount converts a nullable wire amount.
func Amount(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}

var kinds = []struct {
	name string
	err  error
}{
	{"chain_state", coreerrors.ErrChainState},
	{"validation", coreerrors.ErrValidation},
	{"stale_state", coreerrors.ErrStaleState},
	{"signature", coreerrors.ErrSignature},
	{"authorization", coreerrors.ErrAuthorization},
	{"hub_disagreement", coreerrors.ErrHubDisagreement},
}

// EncodeError maps err to its wire form. Errors outside the coreerrors model
// keep only their message.
func EncodeError(err error) ErrorResponse {
	var e *coreerrors.Error
	if !errors.As(err, &e) || e == nil {
		return ErrorResponse{Reason: "Internal", Detail: err.Error()}
	}
	out := ErrorResponse{Reason: e.Reason}
	for _, k := range kinds {
		if e.Kind == k.err {
			out.Kind = k.name
			break
		}
	}
	detail := e.Detail
	if e.Expected != "" || e.Actual != "" {
		detail = fmt.Sprintf("%s (expected %s, got %s)", detail, e.Expected, e.Actual)
	}
	if e.Err != nil {
		if detail != "" {
			detail += ": "
		}
		detail += e.Err.Error()
	}
	out.Detail = detail
	return out
}

// DecodeError rebuilds the error. A reason of a known kind becomes a
// *coreerrors.Error so package sentinels such as adjudicator.ErrNotFinalized
// match it.
func (r ErrorResponse) DecodeError() error {
	for _, k := range kinds {
		if r.Kind == k.name {
			e := coreerrors.New(k.err, r.Reason, "")
			if r.Detail != "" {
				e = e.With("%s", r.Detail)
			}
			return e
		}
	}
	if r.Detail != "" {
		return fmt.Errorf("chainrpc: %s: %s", r.Reason, r.Detail)
	}
	return fmt.Errorf("chainrpc: %s", r.Reason)
}
