package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"hubchan/core/channel"
	coreerrors "hubchan/core/errors"
	"hubchan/core/types"
	"hubchan/crypto"
)

// ErrMalformed reports a hub message that does not follow the schema.
var ErrMalformed = coreerrors.New(coreerrors.ErrValidation, "MalformedMessage", "")

// Hub messages are JSON. Amounts are base-10 strings, hashes, addresses and
// signatures are 0x-prefixed hex. Every field is required unless tagged
// omitempty, and unknown fields are rejected.

type wireBalance struct {
	Native string `json:"native"`
	Token  string `json:"token"`
}

type wireLedgerState struct {
	ChannelID       string      `json:"channelId"`
	IsClose         *bool       `json:"isClose"`
	Nonce           *uint64     `json:"nonce"`
	OpenThreadCount *uint64     `json:"openThreadCount"`
	ThreadRoot      string      `json:"threadRoot"`
	PartyA          string      `json:"partyA"`
	PartyI          string      `json:"partyI"`
	BalanceA        wireBalance `json:"balanceA"`
	BalanceI        wireBalance `json:"balanceI"`
}

type wireThreadState struct {
	ThreadID string      `json:"threadId"`
	Nonce    *uint64     `json:"nonce"`
	PartyA   string      `json:"partyA"`
	PartyB   string      `json:"partyB"`
	BalanceA wireBalance `json:"balanceA"`
	BalanceB wireBalance `json:"balanceB"`
}

type wireSignature struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

type wireSignedLedger struct {
	State      wireLedgerState `json:"state"`
	Signatures []wireSignature `json:"signatures"`
	Commitment []wireSignature `json:"commitment"`
}

type wireSignedThread struct {
	State     wireThreadState `json:"state"`
	Signature string          `json:"signature"`
}

type wireThreadAck struct {
	Update       wireSignedThread `json:"update"`
	HubSignature string           `json:"hubSignature"`
}

type wireLedgerUpdate struct {
	Kind     string            `json:"kind"`
	Proposed wireSignedLedger  `json:"proposed"`
	Threads  []wireThreadState `json:"threads"`
	Thread   *wireSignedThread `json:"thread,omitempty"`
	Timeout  *uint64           `json:"timeout"`
}

type wirePaymentBatch struct {
	Ledger  []wireLedgerUpdate `json:"ledger"`
	Threads []wireSignedThread `json:"threads"`
}

type wirePaymentReceipts struct {
	Ledger  []wireSignedLedger `json:"ledger"`
	Threads []wireThreadAck    `json:"threads"`
}

type wireThreadList struct {
	Threads []wireThreadState `json:"threads"`
}

// Rejection is the body the hub answers a refused request with.
type Rejection struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func decodeStrict(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return ErrMalformed.Wrap(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return ErrMalformed.With("trailing data after message")
	}
	return nil
}

func u64(v uint64) *uint64 { return &v }

func requireU64(field string, v *uint64) (uint64, error) {
	if v == nil {
		return 0, ErrMalformed.With("%s required", field)
	}
	return *v, nil
}

func parseHash(field, raw string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return common.Hash{}, ErrMalformed.With("%s: %v", field, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, ErrMalformed.With("%s must be %d bytes, got %d", field, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

func parseAddress(field, raw string) (common.Address, error) {
	addr, err := types.ParseAddress(raw)
	if err != nil {
		return common.Address{}, ErrMalformed.With("%s: %v", field, err)
	}
	return addr, nil
}

func parseBytes(field, raw string) ([]byte, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, ErrMalformed.With("%s: %v", field, err)
	}
	return b, nil
}

func toWireBalance(b types.Balance) wireBalance {
	c := b.Clone()
	return wireBalance{Native: c.Native.String(), Token: c.Token.String()}
}

func (w wireBalance) parse(field string) (types.Balance, error) {
	b, err := channel.ParseBalance(w.Native, w.Token)
	if err != nil {
		return types.Balance{}, fmt.Errorf("%s: %w", field, err)
	}
	return b, nil
}

func toWireLedger(s channel.LedgerState) wireLedgerState {
	return wireLedgerState{
		ChannelID:       s.ChannelID.Hex(),
		IsClose:         &s.IsClose,
		Nonce:           u64(s.Nonce),
		OpenThreadCount: u64(s.OpenThreadCount),
		ThreadRoot:      s.ThreadRoot.Hex(),
		PartyA:          s.PartyA.Hex(),
		PartyI:          s.PartyI.Hex(),
		BalanceA:        toWireBalance(s.BalanceA),
		BalanceI:        toWireBalance(s.BalanceI),
	}
}

func (w wireLedgerState) parse() (channel.LedgerState, error) {
	var (
		s   channel.LedgerState
		err error
	)
	if s.ChannelID, err = parseHash("channelId", w.ChannelID); err != nil {
		return s, err
	}
	if w.IsClose == nil {
		return channel.LedgerState{}, ErrMalformed.With("isClose required")
	}
	s.IsClose = *w.IsClose
	if s.Nonce, err = requireU64("nonce", w.Nonce); err != nil {
		return s, err
	}
	if s.OpenThreadCount, err = requireU64("openThreadCount", w.OpenThreadCount); err != nil {
		return s, err
	}
	if s.ThreadRoot, err = parseHash("threadRoot", w.ThreadRoot); err != nil {
		return s, err
	}
	if s.PartyA, err = parseAddress("partyA", w.PartyA); err != nil {
		return s, err
	}
	if s.PartyI, err = parseAddress("partyI", w.PartyI); err != nil {
		return s, err
	}
	if s.BalanceA, err = w.BalanceA.parse("balanceA"); err != nil {
		return s, err
	}
	if s.BalanceI, err = w.BalanceI.parse("balanceI"); err != nil {
		return s, err
	}
	return s, nil
}

func toWireThread(s channel.ThreadState) wireThreadState {
	return wireThreadState{
		ThreadID: s.ThreadID.Hex(),
		Nonce:    u64(s.Nonce),
		PartyA:   s.PartyA.Hex(),
		PartyB:   s.PartyB.Hex(),
		BalanceA: toWireBalance(s.BalanceA),
		BalanceB: toWireBalance(s.BalanceB),
	}
}

func (w wireThreadState) parse() (channel.ThreadState, error) {
	var (
		s   channel.ThreadState
		err error
	)
	if s.ThreadID, err = parseHash("threadId", w.ThreadID); err != nil {
		return s, err
	}
	if s.Nonce, err = requireU64("nonce", w.Nonce); err != nil {
		return s, err
	}
	if s.PartyA, err = parseAddress("partyA", w.PartyA); err != nil {
		return s, err
	}
	if s.PartyB, err = parseAddress("partyB", w.PartyB); err != nil {
		return s, err
	}
	if s.BalanceA, err = w.BalanceA.parse("balanceA"); err != nil {
		return s, err
	}
	if s.BalanceB, err = w.BalanceB.parse("balanceB"); err != nil {
		return s, err
	}
	return s, nil
}

func toWireSignatures(set crypto.SignatureSet) []wireSignature {
	entries := set.Entries()
	out := make([]wireSignature, len(entries))
	for i, entry := range entries {
		out[i] = wireSignature{Signer: entry.Signer.Hex(), Signature: hexutil.Encode(entry.Signature)}
	}
	return out
}

func parseSignatures(field string, list []wireSignature) (crypto.SignatureSet, error) {
	entries := make([]crypto.SignerSignature, len(list))
	for i, w := range list {
		signer, err := parseAddress(fmt.Sprintf("%s[%d].signer", field, i), w.Signer)
		if err != nil {
			return crypto.SignatureSet{}, err
		}
		sig, err := parseBytes(fmt.Sprintf("%s[%d].signature", field, i), w.Signature)
		if err != nil {
			return crypto.SignatureSet{}, err
		}
		entries[i] = crypto.SignerSignature{Signer: signer, Signature: sig}
	}
	// The order on the wire is the order the adjudicator sees; it is not
	// repaired here.
	return crypto.NewSignatureSet(entries...)
}

func toWireSignedLedger(s channel.SignedLedgerState) wireSignedLedger {
	return wireSignedLedger{
		State:      toWireLedger(s.State),
		Signatures: toWireSignatures(s.Signatures),
		Commitment: toWireSignatures(s.Commitment),
	}
}

func (w wireSignedLedger) parse() (channel.SignedLedgerState, error) {
	state, err := w.State.parse()
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	sigs, err := parseSignatures("signatures", w.Signatures)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	commitment, err := parseSignatures("commitment", w.Commitment)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	return channel.SignedLedgerState{State: state, Signatures: sigs, Commitment: commitment}, nil
}

func toWireSignedThread(s channel.SignedThreadState) wireSignedThread {
	return wireSignedThread{State: toWireThread(s.State), Signature: hexutil.Encode(s.Signature)}
}

func (w wireSignedThread) parse() (channel.SignedThreadState, error) {
	state, err := w.State.parse()
	if err != nil {
		return channel.SignedThreadState{}, err
	}
	sig, err := parseBytes("signature", w.Signature)
	if err != nil {
		return channel.SignedThreadState{}, err
	}
	return channel.SignedThreadState{State: state, Signature: sig}, nil
}

func toWireThreads(threads []channel.ThreadState) []wireThreadState {
	out := make([]wireThreadState, len(threads))
	for i, thread := range threads {
		out[i] = toWireThread(thread)
	}
	return out
}

func parseThreads(list []wireThreadState) ([]channel.ThreadState, error) {
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]channel.ThreadState, len(list))
	for i, w := range list {
		thread, err := w.parse()
		if err != nil {
			return nil, fmt.Errorf("threads[%d]: %w", i, err)
		}
		out[i] = thread
	}
	return out, nil
}

func toWireUpdate(u LedgerUpdate) wireLedgerUpdate {
	w := wireLedgerUpdate{
		Kind:     string(u.Kind),
		Proposed: toWireSignedLedger(u.Proposed),
		Threads:  toWireThreads(u.Threads),
		Timeout:  u64(u.Timeout),
	}
	if u.Thread != nil {
		thread := toWireSignedThread(*u.Thread)
		w.Thread = &thread
	}
	return w
}

func (w wireLedgerUpdate) parse() (LedgerUpdate, error) {
	kind := UpdateKind(w.Kind)
	if !kind.Valid() {
		return LedgerUpdate{}, ErrMalformed.With("unknown update kind %q", w.Kind)
	}
	proposed, err := w.Proposed.parse()
	if err != nil {
		return LedgerUpdate{}, err
	}
	threads, err := parseThreads(w.Threads)
	if err != nil {
		return LedgerUpdate{}, err
	}
	timeout, err := requireU64("timeout", w.Timeout)
	if err != nil {
		return LedgerUpdate{}, err
	}
	update := LedgerUpdate{Kind: kind, Proposed: proposed, Threads: threads, Timeout: timeout}
	if w.Thread != nil {
		thread, err := w.Thread.parse()
		if err != nil {
			return LedgerUpdate{}, fmt.Errorf("thread: %w", err)
		}
		update.Thread = &thread
	}
	return update, nil
}

func EncodeLedgerUpdate(u LedgerUpdate) ([]byte, error) {
	return json.Marshal(toWireUpdate(u))
}

func DecodeLedgerUpdate(data []byte) (LedgerUpdate, error) {
	var w wireLedgerUpdate
	if err := decodeStrict(data, &w); err != nil {
		return LedgerUpdate{}, err
	}
	return w.parse()
}

func EncodeSignedLedgerState(s channel.SignedLedgerState) ([]byte, error) {
	return json.Marshal(toWireSignedLedger(s))
}

func DecodeSignedLedgerState(data []byte) (channel.SignedLedgerState, error) {
	var w wireSignedLedger
	if err := decodeStrict(data, &w); err != nil {
		return channel.SignedLedgerState{}, err
	}
	return w.parse()
}

func EncodeSignedThreadState(s channel.SignedThreadState) ([]byte, error) {
	return json.Marshal(toWireSignedThread(s))
}

func DecodeSignedThreadState(data []byte) (channel.SignedThreadState, error) {
	var w wireSignedThread
	if err := decodeStrict(data, &w); err != nil {
		return channel.SignedThreadState{}, err
	}
	return w.parse()
}

func EncodeThreadStates(threads []channel.ThreadState) ([]byte, error) {
	return json.Marshal(wireThreadList{Threads: toWireThreads(threads)})
}

func DecodeThreadStates(data []byte) ([]channel.ThreadState, error) {
	var w wireThreadList
	if err := decodeStrict(data, &w); err != nil {
		return nil, err
	}
	return parseThreads(w.Threads)
}

func EncodePaymentBatch(b PaymentBatch) ([]byte, error) {
	w := wirePaymentBatch{
		Ledger:  make([]wireLedgerUpdate, len(b.Ledger)),
		Threads: make([]wireSignedThread, len(b.Threads)),
	}
	for i, u := range b.Ledger {
		w.Ledger[i] = toWireUpdate(u)
	}
	for i, t := range b.Threads {
		w.Threads[i] = toWireSignedThread(t)
	}
	return json.Marshal(w)
}

func DecodePaymentBatch(data []byte) (PaymentBatch, error) {
	var w wirePaymentBatch
	if err := decodeStrict(data, &w); err != nil {
		return PaymentBatch{}, err
	}
	var b PaymentBatch
	for i, wu := range w.Ledger {
		u, err := wu.parse()
		if err != nil {
			return PaymentBatch{}, fmt.Errorf("ledger[%d]: %w", i, err)
		}
		b.Ledger = append(b.Ledger, u)
	}
	for i, wt := range w.Threads {
		t, err := wt.parse()
		if err != nil {
			return PaymentBatch{}, fmt.Errorf("threads[%d]: %w", i, err)
		}
		b.Threads = append(b.Threads, t)
	}
	return b, nil
}

func EncodePaymentReceipts(r PaymentReceipts) ([]byte, error) {
	w := wirePaymentReceipts{
		Ledger:  make([]wireSignedLedger, len(r.Ledger)),
		Threads: make([]wireThreadAck, len(r.Threads)),
	}
	for i, s := range r.Ledger {
		w.Ledger[i] = toWireSignedLedger(s)
	}
	for i, ack := range r.Threads {
		w.Threads[i] = wireThreadAck{Update: toWireSignedThread(ack.Update), HubSignature: hexutil.Encode(ack.HubSignature)}
	}
	return json.Marshal(w)
}

func DecodePaymentReceipts(data []byte) (PaymentReceipts, error) {
	var w wirePaymentReceipts
	if err := decodeStrict(data, &w); err != nil {
		return PaymentReceipts{}, err
	}
	var r PaymentReceipts
	for i, ws := range w.Ledger {
		s, err := ws.parse()
		if err != nil {
			return PaymentReceipts{}, fmt.Errorf("ledger[%d]: %w", i, err)
		}
		r.Ledger = append(r.Ledger, s)
	}
	for i, wa := range w.Threads {
		update, err := wa.Update.parse()
		if err != nil {
			return PaymentReceipts{}, fmt.Errorf("threads[%d]: %w", i, err)
		}
		sig, err := parseBytes("hubSignature", wa.HubSignature)
		if err != nil {
			return PaymentReceipts{}, fmt.Errorf("threads[%d]: %w", i, err)
		}
		r.Threads = append(r.Threads, ThreadAck{Update: update, HubSignature: sig})
	}
	return r, nil
}

// EncodeRejection renders the body of a refused request.
func EncodeRejection(reason, detail string) ([]byte, error) {
	return json.Marshal(Rejection{Reason: reason, Detail: detail})
}

// DecodeRejection turns a hub rejection body into ErrHubRefused.
func DecodeRejection(data []byte) error {
	var r Rejection
	if err := decodeStrict(data, &r); err != nil {
		return err
	}
	if strings.TrimSpace(r.Reason) == "" {
		return ErrMalformed.With("rejection without reason")
	}
	return ErrHubRefused.With("%s: %s", r.Reason, r.Detail)
}
