package protocol

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hubchan/core/channel"
	coreerrors "hubchan/core/errors"
	"hubchan/crypto"
	"hubchan/native/apps/ledger"
)

// ErrHubRejected is returned when the hub refuses a proposal or answers with
// a state other than the one proposed.
var ErrHubRejected = coreerrors.New(coreerrors.ErrHubDisagreement, "HubRejected", "")

// ErrHubRefused is an explicit refusal by the hub. Unlike ErrHubRejected it
// says nothing about the hub's honesty.
var ErrHubRefused = coreerrors.New(coreerrors.ErrHubDisagreement, "HubRefused", "")

// Hub is the request/response boundary of the hub the client talks to.
type Hub interface {
	// CounterSignLedger returns the proposed ledger state signed by both
	// parties.
	CounterSignLedger(ctx context.Context, update LedgerUpdate) (channel.SignedLedgerState, error)
	// SubmitPayments submits ledger and thread payments in one request.
	SubmitPayments(ctx context.Context, batch PaymentBatch) (PaymentReceipts, error)
	LatestLedger(ctx context.Context, channelID common.Hash) (channel.SignedLedgerState, error)
	LatestThread(ctx context.Context, threadID common.Hash) (channel.SignedThreadState, error)
	// OpenThreads returns the initial states of the threads open in a
	// channel, in thread-root order.
	OpenThreads(ctx context.Context, channelID common.Hash) ([]channel.ThreadState, error)
}

// ThreadAck is the hub's acknowledgement of a payer-signed thread update.
type ThreadAck struct {
	Update       channel.SignedThreadState
	HubSignature []byte
}

// PaymentBatch groups payments submitted together.
type PaymentBatch struct {
	Ledger  []LedgerUpdate
	Threads []channel.SignedThreadState
}

// PaymentReceipts answers a PaymentBatch entry for entry.
type PaymentReceipts struct {
	Ledger  []channel.SignedLedgerState
	Threads []ThreadAck
}

var tracer = otel.Tracer("hubchan/protocol")

func traceErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// RequestCounterSignature sends update to the hub and accepts the answer
// only if it is the proposed state, bit for bit, signed by both parties.
func RequestCounterSignature(ctx context.Context, hub Hub, params Params, update LedgerUpdate) (channel.SignedLedgerState, error) {
	ctx, span := tracer.Start(ctx, "hub.counter_sign_ledger", trace.WithAttributes(
		attribute.String("channel.id", update.Proposed.State.ChannelID.Hex()),
		attribute.String("update.kind", string(update.Kind)),
		attribute.Int64("nonce", int64(update.Proposed.State.Nonce)),
	))
	defer span.End()
	resp, err := hub.CounterSignLedger(ctx, update)
	if err != nil {
		return channel.SignedLedgerState{}, traceErr(span, err)
	}
	signed, err := VerifyCounterSigned(params, update, resp)
	if err != nil {
		return channel.SignedLedgerState{}, traceErr(span, err)
	}
	span.SetStatus(codes.Ok, "counter-signed")
	return signed, nil
}

// VerifyCounterSigned checks a hub answer against the proposal it answers.
func VerifyCounterSigned(params Params, update LedgerUpdate, resp channel.SignedLedgerState) (channel.SignedLedgerState, error) {
	want, got := update.Proposed.State, resp.State
	if err := compareLedger(want, got); err != nil {
		return channel.SignedLedgerState{}, err
	}
	participants := want.Participants()
	if err := channel.VerifyLedgerSignatures(want, resp.Signatures, participants); err != nil {
		return channel.SignedLedgerState{}, err
	}
	digest, err := ledger.CommitmentDigest(params.AppState(want, update.Threads), params.Identity(want), update.Timeout)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	if err := resp.Commitment.Verify(digest, participants); err != nil {
		return channel.SignedLedgerState{}, err
	}
	return channel.SignedLedgerState{State: want.Clone(), Signatures: resp.Signatures, Commitment: resp.Commitment}, nil
}

func compareLedger(want, got channel.LedgerState) error {
	if err := channel.ValidateLedgerState(got); err != nil {
		return ErrHubRejected.Wrap(err)
	}
	switch {
	case want.ChannelID != got.ChannelID:
		return coreerrors.Mismatch(coreerrors.ErrHubDisagreement, ErrHubRejected.Reason, "channelId", want.ChannelID.Hex(), got.ChannelID.Hex())
	case want.Nonce != got.Nonce:
		return coreerrors.Mismatch(coreerrors.ErrHubDisagreement, ErrHubRejected.Reason, "nonce", want.Nonce, got.Nonce)
	case !want.BalanceA.Equal(got.BalanceA):
		return coreerrors.Mismatch(coreerrors.ErrHubDisagreement, ErrHubRejected.Reason, "balanceA", want.BalanceA, got.BalanceA)
	case !want.BalanceI.Equal(got.BalanceI):
		return coreerrors.Mismatch(coreerrors.ErrHubDisagreement, ErrHubRejected.Reason, "balanceI", want.BalanceI, got.BalanceI)
	}
	wantDigest, err := channel.DigestLedgerState(want)
	if err != nil {
		return err
	}
	gotDigest, err := channel.DigestLedgerState(got)
	if err != nil {
		return ErrHubRejected.Wrap(err)
	}
	if wantDigest != gotDigest {
		return coreerrors.Mismatch(coreerrors.ErrHubDisagreement, ErrHubRejected.Reason, "state digest", wantDigest.Hex(), gotDigest.Hex())
	}
	return nil
}

// SignThreadAck signs the hub's acknowledgement of update.
func SignThreadAck(update channel.SignedThreadState, key *crypto.PrivateKey) (ThreadAck, error) {
	digest, err := channel.DigestThreadState(update.State)
	if err != nil {
		return ThreadAck{}, err
	}
	sig, err := crypto.SignDigest(digest, key)
	if err != nil {
		return ThreadAck{}, err
	}
	return ThreadAck{Update: update, HubSignature: sig}, nil
}

// VerifyThreadAck checks that the hub acknowledged exactly sent.
func VerifyThreadAck(sent channel.SignedThreadState, ack ThreadAck, hub common.Address) error {
	want, err := channel.DigestThreadState(sent.State)
	if err != nil {
		return err
	}
	got, err := channel.DigestThreadState(ack.Update.State)
	if err != nil {
		return ErrHubRejected.Wrap(err)
	}
	if want != got {
		return coreerrors.Mismatch(coreerrors.ErrHubDisagreement, ErrHubRejected.Reason, "thread digest", want.Hex(), got.Hex())
	}
	if !crypto.Verify(want, ack.HubSignature, hub) {
		return crypto.ErrInvalidSignature.With("thread %s not acknowledged by hub %s", sent.State.ThreadID.Hex(), hub.Hex())
	}
	return nil
}

// SubmitPayments sends batch and verifies every receipt.
func SubmitPayments(ctx context.Context, hub Hub, params Params, hubAddr common.Address, batch PaymentBatch) (PaymentReceipts, error) {
	ctx, span := tracer.Start(ctx, "hub.submit_payments", trace.WithAttributes(
		attribute.Int("batch.ledger", len(batch.Ledger)),
		attribute.Int("batch.threads", len(batch.Threads)),
	))
	defer span.End()
	receipts, err := hub.SubmitPayments(ctx, batch)
	if err != nil {
		return PaymentReceipts{}, traceErr(span, err)
	}
	if len(receipts.Ledger) != len(batch.Ledger) || len(receipts.Threads) != len(batch.Threads) {
		err := coreerrors.Mismatch(coreerrors.ErrHubDisagreement, ErrHubRejected.Reason, "receipt count",
			len(batch.Ledger)+len(batch.Threads), len(receipts.Ledger)+len(receipts.Threads))
		return PaymentReceipts{}, traceErr(span, err)
	}
	out := PaymentReceipts{
		Ledger:  make([]channel.SignedLedgerState, len(batch.Ledger)),
		Threads: receipts.Threads,
	}
	for i, update := range batch.Ledger {
		signed, err := VerifyCounterSigned(params, update, receipts.Ledger[i])
		if err != nil {
			return PaymentReceipts{}, traceErr(span, err)
		}
		out.Ledger[i] = signed
	}
	for i, sent := range batch.Threads {
		if err := VerifyThreadAck(sent, receipts.Threads[i], hubAddr); err != nil {
			return PaymentReceipts{}, traceErr(span, err)
		}
	}
	span.SetStatus(codes.Ok, "payments accepted")
	return out, nil
}

// VerifyLatest checks a hub-returned ledger state against the locally
// accepted one. A fully signed state at a higher nonce is adopted; the hub
// reporting an older or different state at the same nonce is a
// disagreement.
func VerifyLatest(local, remote channel.SignedLedgerState) (channel.SignedLedgerState, bool, error) {
	if err := channel.ValidateLedgerState(remote.State); err != nil {
		return channel.SignedLedgerState{}, false, ErrHubRejected.Wrap(err)
	}
	if remote.State.ChannelID != local.State.ChannelID || remote.State.PartyA != local.State.PartyA || remote.State.PartyI != local.State.PartyI {
		return channel.SignedLedgerState{}, false, ErrHubRejected.With("hub returned another channel")
	}
	if err := channel.VerifyLedgerSignatures(remote.State, remote.Signatures, remote.State.Participants()); err != nil {
		return channel.SignedLedgerState{}, false, err
	}
	switch {
	case remote.State.Nonce < local.State.Nonce:
		return channel.SignedLedgerState{}, false, coreerrors.Mismatch(coreerrors.ErrHubDisagreement, ErrHubRejected.Reason, "latest nonce", local.State.Nonce, remote.State.Nonce)
	case remote.State.Nonce == local.State.Nonce:
		if err := compareLedger(local.State, remote.State); err != nil {
			return channel.SignedLedgerState{}, false, err
		}
		return local, false, nil
	default:
		return remote, true, nil
	}
}
