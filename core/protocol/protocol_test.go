package protocol

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"hubchan/core/channel"
	coreerrors "hubchan/core/errors"
	"hubchan/core/types"
	"hubchan/crypto"
	"hubchan/native/apps/ledger"
)

// fakeHub counter-signs whatever it is sent after a trip through the wire
// codec. tamper lets a test make it lie about the state it signs.
type fakeHub struct {
	key     *crypto.PrivateKey
	params  Params
	tamper  func(*channel.LedgerState)
	reject  error
	latest  map[common.Hash]channel.SignedLedgerState
	threads map[common.Hash][]channel.ThreadState
	acks    map[common.Hash]channel.SignedThreadState
}

func newFakeHub(t *testing.T, params Params) *fakeHub {
	t.Helper()
	return &fakeHub{
		key:     mustKey(t),
		params:  params,
		latest:  map[common.Hash]channel.SignedLedgerState{},
		threads: map[common.Hash][]channel.ThreadState{},
		acks:    map[common.Hash]channel.SignedThreadState{},
	}
}

func (h *fakeHub) sign(u LedgerUpdate) (channel.SignedLedgerState, error) {
	raw, err := EncodeLedgerUpdate(u)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	u, err = DecodeLedgerUpdate(raw)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	state := u.Proposed.State.Clone()
	if h.tamper != nil {
		h.tamper(&state)
	}
	own, err := channel.SignLedgerState(state, h.key)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	sigs, err := u.Proposed.Signatures.Merge(own)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	commit, err := ledger.SignCommitment(h.params.AppState(state, u.Threads), h.params.Identity(state), u.Timeout, h.key)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	commitment, err := u.Proposed.Commitment.Merge(commit)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	signed := channel.SignedLedgerState{State: state, Signatures: sigs, Commitment: commitment}
	h.latest[state.ChannelID] = signed
	h.threads[state.ChannelID] = u.Threads
	encoded, err := EncodeSignedLedgerState(signed)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	return DecodeSignedLedgerState(encoded)
}

func (h *fakeHub) CounterSignLedger(_ context.Context, u LedgerUpdate) (channel.SignedLedgerState, error) {
	if h.reject != nil {
		return channel.SignedLedgerState{}, h.reject
	}
	return h.sign(u)
}

func (h *fakeHub) SubmitPayments(_ context.Context, batch PaymentBatch) (PaymentReceipts, error) {
	raw, err := EncodePaymentBatch(batch)
	if err != nil {
		return PaymentReceipts{}, err
	}
	if batch, err = DecodePaymentBatch(raw); err != nil {
		return PaymentReceipts{}, err
	}
	var receipts PaymentReceipts
	for _, u := range batch.Ledger {
		signed, err := h.sign(u)
		if err != nil {
			return PaymentReceipts{}, err
		}
		receipts.Ledger = append(receipts.Ledger, signed)
	}
	for _, update := range batch.Threads {
		if err := update.Verify(); err != nil {
			return PaymentReceipts{}, ErrHubRejected.Wrap(err)
		}
		ack, err := SignThreadAck(update, h.key)
		if err != nil {
			return PaymentReceipts{}, err
		}
		h.acks[update.State.ThreadID] = update
		receipts.Threads = append(receipts.Threads, ack)
	}
	encoded, err := EncodePaymentReceipts(receipts)
	if err != nil {
		return PaymentReceipts{}, err
	}
	return DecodePaymentReceipts(encoded)
}

func (h *fakeHub) LatestLedger(_ context.Context, id common.Hash) (channel.SignedLedgerState, error) {
	return h.latest[id], nil
}

func (h *fakeHub) LatestThread(_ context.Context, id common.Hash) (channel.SignedThreadState, error) {
	return h.acks[id], nil
}

func (h *fakeHub) OpenThreads(_ context.Context, id common.Hash) ([]channel.ThreadState, error) {
	return h.threads[id], nil
}

type fundingMap map[common.Address]*big.Int

func (f fundingMap) Funding(_ context.Context, _ common.Hash, asset common.Address) (*big.Int, error) {
	if v, ok := f[asset]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func openChannel(id byte, user, hub common.Address, a, i int64) channel.LedgerState {
	return channel.LedgerState{
		ChannelID: common.BytesToHash([]byte{id}),
		PartyA:    user,
		PartyI:    hub,
		BalanceA:  types.NewBalance(a, 0),
		BalanceI:  types.NewBalance(i, 0),
	}
}

var testParams = Params{DisputeTimeout: 10}

func TestScenarioALedgerPayment(t *testing.T) {
	ctx := context.Background()
	hub := newFakeHub(t, testParams)
	user := mustKey(t)
	current := openChannel(1, user.Address(), hub.key.Address(), 5, 0)

	update, err := ProposeLedgerUpdate(testParams, current, nil, Pay(types.NewBalance(1, 0)), user)
	require.NoError(t, err)
	signed, err := RequestCounterSignature(ctx, hub, testParams, update)
	require.NoError(t, err)

	require.Equal(t, current.Nonce+1, signed.State.Nonce)
	require.True(t, signed.State.BalanceA.Equal(types.NewBalance(4, 0)))
	require.True(t, signed.State.BalanceI.Equal(types.NewBalance(1, 0)))
	require.True(t, signed.FullySigned())

	digest, err := channel.DigestLedgerState(signed.State)
	require.NoError(t, err)
	hubSig, ok := signed.Signatures.Get(hub.key.Address())
	require.True(t, ok)
	signer, err := crypto.RecoverSigner(digest, hubSig)
	require.NoError(t, err)
	require.Equal(t, hub.key.Address(), signer)
}

func TestPaymentCannotRaiseOwnBalance(t *testing.T) {
	user, hub := mustKey(t), mustKey(t)
	current := openChannel(1, user.Address(), hub.Address(), 5, 5)

	_, err := ProposeLedgerUpdate(testParams, current, nil, types.NewBalance(1, 0), user)
	require.ErrorIs(t, err, coreerrors.ErrAuthorization)

	_, err = ProposeLedgerUpdate(testParams, current, nil, Pay(types.NewBalance(6, 0)), user)
	require.ErrorIs(t, err, channel.ErrInvalidBalance)

	_, err = ProposeLedgerUpdate(testParams, current, nil, Pay(types.NewBalance(1, 0)), mustKey(t))
	require.ErrorIs(t, err, channel.ErrUnauthorized)
}

func TestByzantineHubIsRejected(t *testing.T) {
	ctx := context.Background()
	for name, tamper := range map[string]func(*channel.LedgerState){
		"balance": func(s *channel.LedgerState) { s.BalanceI = s.BalanceI.Add(types.NewBalance(1, 0)) },
		"nonce":   func(s *channel.LedgerState) { s.Nonce++ },
		"root":    func(s *channel.LedgerState) { s.IsClose = true },
	} {
		t.Run(name, func(t *testing.T) {
			hub := newFakeHub(t, testParams)
			hub.tamper = tamper
			user := mustKey(t)
			current := openChannel(1, user.Address(), hub.key.Address(), 5, 0)
			update, err := ProposeLedgerUpdate(testParams, current, nil, Pay(types.NewBalance(1, 0)), user)
			require.NoError(t, err)

			_, err = RequestCounterSignature(ctx, hub, testParams, update)
			require.ErrorIs(t, err, ErrHubRejected)
			require.ErrorIs(t, err, coreerrors.ErrHubDisagreement)
			require.False(t, coreerrors.Retryable(err))
		})
	}
}

func TestHubRejectionSurfaces(t *testing.T) {
	hub := newFakeHub(t, testParams)
	hub.reject = ErrHubRefused.With("insufficient collateral")
	user := mustKey(t)
	current := openChannel(1, user.Address(), hub.key.Address(), 5, 0)
	update, err := ProposeLedgerUpdate(testParams, current, nil, Pay(types.NewBalance(1, 0)), user)
	require.NoError(t, err)
	_, err = RequestCounterSignature(context.Background(), hub, testParams, update)
	require.ErrorIs(t, err, ErrHubRefused)
	require.NotErrorIs(t, err, ErrHubRejected)
}

func TestScenarioBThreadLifecycle(t *testing.T) {
	ctx := context.Background()
	hub := newFakeHub(t, testParams)
	payer, payee := mustKey(t), mustKey(t)
	payerChan := openChannel(1, payer.Address(), hub.key.Address(), 10, 0)
	payeeChan := openChannel(2, payee.Address(), hub.key.Address(), 0, 10)
	payerDeposit := channel.Deposited(payerChan, nil)
	payeeDeposit := channel.Deposited(payeeChan, nil)

	open, initial, err := OpenThread(testParams, payerChan, nil, payee.Address(), types.NewBalance(10, 0), payer)
	require.NoError(t, err)
	require.EqualValues(t, 0, initial.State.Nonce)
	require.True(t, initial.State.BalanceA.Equal(types.NewBalance(10, 0)))
	require.True(t, initial.State.BalanceB.IsZero())
	payerSigned, err := RequestCounterSignature(ctx, hub, testParams, open)
	require.NoError(t, err)
	require.EqualValues(t, 1, payerSigned.State.OpenThreadCount)
	require.NoError(t, channel.CheckConservation(payerSigned.State, open.Threads, payerDeposit))

	bond, err := BondThread(testParams, payeeChan, nil, initial, payee)
	require.NoError(t, err)
	payeeSigned, err := RequestCounterSignature(ctx, hub, testParams, bond)
	require.NoError(t, err)
	require.NoError(t, channel.CheckConservation(payeeSigned.State, bond.Threads, payeeDeposit))

	paid, err := UpdateThread(initial.State, types.NewBalance(1, 0), payer)
	require.NoError(t, err)
	require.EqualValues(t, 1, paid.State.Nonce)
	require.True(t, paid.State.BalanceA.Equal(types.NewBalance(9, 0)))
	require.True(t, paid.State.BalanceB.Equal(types.NewBalance(1, 0)))
	receipts, err := SubmitPayments(ctx, hub, testParams, hub.key.Address(), PaymentBatch{Threads: []channel.SignedThreadState{paid}})
	require.NoError(t, err)
	require.Len(t, receipts.Threads, 1)

	_, err = UpdateThread(paid.State, types.NewBalance(1, 0), payee)
	require.ErrorIs(t, err, channel.ErrUnauthorized)

	closePayer, err := CloseThread(testParams, payerSigned.State, open.Threads, paid, payer)
	require.NoError(t, err)
	payerClosed, err := RequestCounterSignature(ctx, hub, testParams, closePayer)
	require.NoError(t, err)
	require.EqualValues(t, 0, payerClosed.State.OpenThreadCount)
	require.Equal(t, channel.EmptyThreadRoot, payerClosed.State.ThreadRoot)
	require.True(t, payerClosed.State.BalanceA.Equal(types.NewBalance(9, 0)))
	require.True(t, payerClosed.State.BalanceI.Equal(types.NewBalance(1, 0)))
	require.NoError(t, channel.CheckConservation(payerClosed.State, nil, payerDeposit))

	closePayee, err := CloseThread(testParams, payeeSigned.State, bond.Threads, paid, payee)
	require.NoError(t, err)
	payeeClosed, err := RequestCounterSignature(ctx, hub, testParams, closePayee)
	require.NoError(t, err)
	require.True(t, payeeClosed.State.BalanceA.Equal(types.NewBalance(1, 0)))
	require.True(t, payeeClosed.State.BalanceI.Equal(types.NewBalance(9, 0)))
	require.NoError(t, channel.CheckConservation(payeeClosed.State, nil, payeeDeposit))
}

func TestCloseThreadRejectsForgedFinalState(t *testing.T) {
	hub := mustKey(t)
	payer, payee := mustKey(t), mustKey(t)
	payeeChan := openChannel(2, payee.Address(), hub.Address(), 0, 10)
	_, initial, err := OpenThread(testParams, openChannel(1, payer.Address(), hub.Address(), 10, 0), nil, payee.Address(), types.NewBalance(10, 0), payer)
	require.NoError(t, err)
	bond, err := BondThread(testParams, payeeChan, nil, initial, payee)
	require.NoError(t, err)

	forged := initial.State.Clone()
	forged.Nonce = 1
	forged.BalanceA = types.NewBalance(0, 0)
	forged.BalanceB = types.NewBalance(10, 0)
	selfSigned, err := channel.SignThreadState(forged, payee)
	require.NoError(t, err)
	_, err = CloseThread(testParams, bond.Proposed.State, bond.Threads, selfSigned, payee)
	require.ErrorIs(t, err, coreerrors.ErrSignature)
}

func TestProposeDepositRequiresFunding(t *testing.T) {
	ctx := context.Background()
	user, hub := mustKey(t), mustKey(t)
	current := openChannel(1, user.Address(), hub.Address(), 5, 5)
	funded := fundingMap{types.NativeAsset: big.NewInt(13)}

	update, err := ProposeDeposit(ctx, testParams, funded, current, nil, types.NewBalance(3, 0), user)
	require.NoError(t, err)
	require.True(t, update.Proposed.State.BalanceA.Equal(types.NewBalance(8, 0)))

	_, err = ProposeDeposit(ctx, testParams, funded, current, nil, types.NewBalance(4, 0), user)
	require.ErrorIs(t, err, coreerrors.ErrAuthorization)

	_, err = ProposeDeposit(ctx, testParams, funded, current, nil, types.NewBalance(0, 1), user)
	require.ErrorIs(t, err, channel.ErrInvalidBalance)
}

func TestFastCloseCommitsWithZeroTimeout(t *testing.T) {
	ctx := context.Background()
	hub := newFakeHub(t, testParams)
	user, payee := mustKey(t), mustKey(t)
	current := openChannel(1, user.Address(), hub.key.Address(), 5, 5)

	open, _, err := OpenThread(testParams, current, nil, payee.Address(), types.NewBalance(1, 0), user)
	require.NoError(t, err)
	_, err = FastClose(testParams, open.Proposed.State, open.Threads, user)
	require.ErrorIs(t, err, ErrOpenThreads)

	update, err := FastClose(testParams, current, nil, user)
	require.NoError(t, err)
	require.True(t, update.Proposed.State.IsClose)
	require.Zero(t, update.Timeout)
	signed, err := RequestCounterSignature(ctx, hub, testParams, update)
	require.NoError(t, err)

	digest, err := ledger.CommitmentDigest(testParams.AppState(signed.State, nil), testParams.Identity(signed.State), 0)
	require.NoError(t, err)
	require.NoError(t, signed.Commitment.Verify(digest, signed.State.Participants()))

	_, err = ProposeLedgerUpdate(testParams, signed.State, nil, Pay(types.NewBalance(1, 0)), user)
	require.ErrorIs(t, err, channel.ErrChannelClosed)
}

func TestVerifyLatest(t *testing.T) {
	ctx := context.Background()
	hub := newFakeHub(t, testParams)
	user := mustKey(t)
	current := openChannel(1, user.Address(), hub.key.Address(), 5, 0)
	first, err := ProposeLedgerUpdate(testParams, current, nil, Pay(types.NewBalance(1, 0)), user)
	require.NoError(t, err)
	accepted, err := RequestCounterSignature(ctx, hub, testParams, first)
	require.NoError(t, err)
	second, err := ProposeLedgerUpdate(testParams, accepted.State, nil, Pay(types.NewBalance(1, 0)), user)
	require.NoError(t, err)
	newer, err := RequestCounterSignature(ctx, hub, testParams, second)
	require.NoError(t, err)

	got, adopted, err := VerifyLatest(accepted, newer)
	require.NoError(t, err)
	require.True(t, adopted)
	require.Equal(t, newer.State.Nonce, got.State.Nonce)

	_, _, err = VerifyLatest(newer, accepted)
	require.True(t, errors.Is(err, coreerrors.ErrHubDisagreement))
}
