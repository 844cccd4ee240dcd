package client

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"hubchan/core/chain"
	"hubchan/core/channel"
	"hubchan/core/events"
	"hubchan/core/protocol"
	"hubchan/core/types"
	"hubchan/crypto"
	"hubchan/native/adjudicator"
	"hubchan/native/apps/ledger"
	"hubchan/storage"
)

const disputeTimeout = 10

var params = protocol.Params{DisputeTimeout: disputeTimeout}

// memHub is an honest hub that co-signs every proposal. Its knobs make it
// lie, stall or refuse.
type memHub struct {
	mu      sync.Mutex
	key     *crypto.PrivateKey
	tamper  bool
	stall   bool
	refuse  bool
	latest  map[common.Hash]channel.SignedLedgerState
	threads map[common.Hash][]channel.ThreadState
	acks    map[common.Hash]channel.SignedThreadState

	// paymentGate holds thread payments until closed; paymentSeen reports
	// that one arrived.
	paymentGate chan struct{}
	paymentSeen chan struct{}
}

func newMemHub(t *testing.T) *memHub {
	return &memHub{
		key:     mustKey(t),
		latest:  map[common.Hash]channel.SignedLedgerState{},
		threads: map[common.Hash][]channel.ThreadState{},
		acks:    map[common.Hash]channel.SignedThreadState{},
	}
}

func (h *memHub) set(fn func(*memHub)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

func (h *memHub) CounterSignLedger(ctx context.Context, u protocol.LedgerUpdate) (channel.SignedLedgerState, error) {
	h.mu.Lock()
	stall, refuse, tamper := h.stall, h.refuse, h.tamper
	h.mu.Unlock()
	if stall {
		<-ctx.Done()
		return channel.SignedLedgerState{}, ctx.Err()
	}
	if refuse {
		return channel.SignedLedgerState{}, protocol.ErrHubRefused.With("not today")
	}
	state := u.Proposed.State.Clone()
	if tamper {
		state.BalanceI = state.BalanceI.Add(types.NewBalance(1, 0))
	}
	sigs, err := channel.SignLedgerState(state, h.key)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	commit, err := ledger.SignCommitment(params.AppState(state, u.Threads), params.Identity(state), u.Timeout, h.key)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	all, err := u.Proposed.Signatures.Merge(sigs)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	commitment, err := u.Proposed.Commitment.Merge(commit)
	if err != nil {
		return channel.SignedLedgerState{}, err
	}
	signed := channel.SignedLedgerState{State: state, Signatures: all, Commitment: commitment}
	if !tamper {
		h.mu.Lock()
		h.latest[state.ChannelID] = signed
		h.threads[state.ChannelID] = u.Threads
		h.mu.Unlock()
	}
	return signed, nil
}

func (h *memHub) SubmitPayments(ctx context.Context, batch protocol.PaymentBatch) (protocol.PaymentReceipts, error) {
	var receipts protocol.PaymentReceipts
	for _, u := range batch.Ledger {
		signed, err := h.CounterSignLedger(ctx, u)
		if err != nil {
			return protocol.PaymentReceipts{}, err
		}
		receipts.Ledger = append(receipts.Ledger, signed)
	}
	h.mu.Lock()
	gate, seen := h.paymentGate, h.paymentSeen
	h.mu.Unlock()
	if gate != nil && len(batch.Threads) > 0 {
		seen <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return protocol.PaymentReceipts{}, ctx.Err()
		}
	}
	for _, update := range batch.Threads {
		ack, err := protocol.SignThreadAck(update, h.key)
		if err != nil {
			return protocol.PaymentReceipts{}, err
		}
		h.mu.Lock()
		h.acks[update.State.ThreadID] = update
		h.mu.Unlock()
		receipts.Threads = append(receipts.Threads, ack)
	}
	return receipts, nil
}

func (h *memHub) LatestLedger(_ context.Context, id common.Hash) (channel.SignedLedgerState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest[id], nil
}

func (h *memHub) LatestThread(_ context.Context, id common.Hash) (channel.SignedThreadState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acks[id], nil
}

func (h *memHub) OpenThreads(_ context.Context, id common.Hash) ([]channel.ThreadState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.threads[id], nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.EventType() == kind {
			n++
		}
	}
	return n
}

type harness struct {
	chain *chain.Chain
	hub   *memHub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c, err := chain.New(storage.NewMemDB())
	require.NoError(t, err)
	require.NoError(t, c.RegisterApp(ledger.New()))
	return &harness{chain: c, hub: newMemHub(t)}
}

func (h *harness) client(t *testing.T, credit int64, policy Policy) (*Client, *recorder) {
	t.Helper()
	key := mustKey(t)
	store, err := OpenStore(filepath.Join(t.TempDir(), "client.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	if credit > 0 {
		require.NoError(t, h.chain.Credit(context.Background(), key.Address(), types.NativeAsset, big.NewInt(credit)))
	}
	rec := &recorder{}
	c, err := New(key, h.hub, h.hub.key.Address(), h.chain, store, WithPolicy(policy), WithEmitter(rec))
	require.NoError(t, err)
	return c, rec
}

func (h *harness) challenge(t *testing.T, ch Channel) *adjudicator.AppChallenge {
	t.Helper()
	challenge, err := h.chain.GetAppChallenge(context.Background(), params.Identity(ch.Latest.State).MustHash())
	require.NoError(t, err)
	return challenge
}

func (h *harness) balance(t *testing.T, owner common.Address) int64 {
	t.Helper()
	b, err := h.chain.Balance(context.Background(), owner, types.NativeAsset)
	require.NoError(t, err)
	return b.Int64()
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func native(v int64) types.Balance { return types.NewBalance(v, 0) }

func funded(t *testing.T, h *harness, c *Client, id byte, amount int64) Channel {
	t.Helper()
	ctx := context.Background()
	_, err := c.OpenChannel(ctx, params, common.BytesToHash([]byte{id}))
	require.NoError(t, err)
	ch, err := c.Deposit(ctx, common.BytesToHash([]byte{id}), native(amount))
	require.NoError(t, err)
	return ch
}

func TestDepositPayAndFastClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user, rec := h.client(t, 10, Policy{})

	ch := funded(t, h, user, 1, 5)
	require.EqualValues(t, 1, ch.Latest.State.Nonce)
	require.True(t, ch.Latest.State.BalanceA.Equal(native(5)))
	require.EqualValues(t, 5, h.balance(t, user.Address()))

	ch, err := user.Pay(ctx, ch.ID(), native(1))
	require.NoError(t, err)
	require.EqualValues(t, 2, ch.Latest.State.Nonce)
	require.True(t, ch.Latest.State.BalanceA.Equal(native(4)))
	require.True(t, ch.Latest.State.BalanceI.Equal(native(1)))

	stored, err := user.Channel(ch.ID())
	require.NoError(t, err)
	require.EqualValues(t, 2, stored.Latest.State.Nonce)

	closed, err := user.FastClose(ctx, ch.ID())
	require.NoError(t, err)
	require.True(t, closed.Latest.State.IsClose)
	require.Equal(t, adjudicator.StatusOutcomeSet, h.challenge(t, closed).Status)
	require.EqualValues(t, 9, h.balance(t, user.Address()))
	require.EqualValues(t, 1, h.balance(t, h.hub.key.Address()))
	require.Equal(t, 4, rec.count(events.TypeLedgerUpdateAccepted))
}

func TestDepositIsNotFundedTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user, _ := h.client(t, 10, Policy{})
	id := common.BytesToHash([]byte{1})
	_, err := user.OpenChannel(ctx, params, id)
	require.NoError(t, err)

	h.hub.set(func(m *memHub) { m.refuse = true })
	_, err = user.Deposit(ctx, id, native(5))
	require.ErrorIs(t, err, protocol.ErrHubRefused)
	require.EqualValues(t, 5, h.balance(t, user.Address()))

	h.hub.set(func(m *memHub) { m.refuse = false })
	ch, err := user.Deposit(ctx, id, native(5))
	require.NoError(t, err)
	require.True(t, ch.Latest.State.BalanceA.Equal(native(5)))
	require.EqualValues(t, 5, h.balance(t, user.Address()))
}

func TestHubDisagreementEscalates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user, rec := h.client(t, 10, Policy{AutoDispute: true})
	ch := funded(t, h, user, 1, 5)
	ch, err := user.Pay(ctx, ch.ID(), native(1))
	require.NoError(t, err)

	h.hub.set(func(m *memHub) { m.tamper = true })
	_, err = user.Pay(ctx, ch.ID(), native(1))
	require.ErrorIs(t, err, protocol.ErrHubRejected)

	stored, err := user.Channel(ch.ID())
	require.NoError(t, err)
	require.EqualValues(t, 2, stored.Latest.State.Nonce)
	require.NotEmpty(t, stored.Dispute)
	challenge := h.challenge(t, stored)
	require.Equal(t, adjudicator.StatusInDispute, challenge.Status)
	require.EqualValues(t, 2, challenge.VersionNumber)
	require.Equal(t, 1, rec.count(events.TypeDisputeEscalated))

	require.ErrorIs(t, user.Settle(ctx, ch.ID()), adjudicator.ErrNotFinalized)
	_, err = h.chain.Mine(ctx, disputeTimeout)
	require.NoError(t, err)
	require.NoError(t, user.WaitFinalized(ctx, ch.ID()))
	require.NoError(t, user.Settle(ctx, ch.ID()))
	require.EqualValues(t, 9, h.balance(t, user.Address()))
	require.EqualValues(t, 1, h.balance(t, h.hub.key.Address()))
}

func TestHubTimeoutEscalates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user, _ := h.client(t, 10, Policy{AutoDispute: true, HubTimeout: 20 * time.Millisecond})
	ch := funded(t, h, user, 1, 5)

	h.hub.set(func(m *memHub) { m.stall = true })
	_, err := user.Pay(ctx, ch.ID(), native(1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, adjudicator.StatusInDispute, h.challenge(t, ch).Status)
}

func TestRefusalDoesNotEscalate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user, rec := h.client(t, 10, Policy{AutoDispute: true})
	ch := funded(t, h, user, 1, 5)

	h.hub.set(func(m *memHub) { m.refuse = true })
	_, err := user.Pay(ctx, ch.ID(), native(1))
	require.ErrorIs(t, err, protocol.ErrHubRefused)
	require.Equal(t, adjudicator.StatusNoChallenge, h.challenge(t, ch).Status)
	require.Zero(t, rec.count(events.TypeDisputeEscalated))
}

func TestCancelledRoundTripKeepsNonce(t *testing.T) {
	h := newHarness(t)
	user, _ := h.client(t, 10, Policy{AutoDispute: true})
	ch := funded(t, h, user, 1, 5)

	h.hub.set(func(m *memHub) { m.stall = true })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := user.Pay(ctx, ch.ID(), native(1))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, adjudicator.StatusNoChallenge, h.challenge(t, ch).Status)

	h.hub.set(func(m *memHub) { m.stall = false })
	next, err := user.Pay(context.Background(), ch.ID(), native(1))
	require.NoError(t, err)
	require.Equal(t, ch.Latest.State.Nonce+1, next.Latest.State.Nonce)
}

func TestConcurrentPaymentsAreSerialised(t *testing.T) {
	h := newHarness(t)
	user, _ := h.client(t, 10, Policy{})
	ch := funded(t, h, user, 1, 10)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := user.Pay(context.Background(), ch.ID(), native(1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	final, err := user.Channel(ch.ID())
	require.NoError(t, err)
	require.EqualValues(t, 11, final.Latest.State.Nonce)
	require.True(t, final.Latest.State.BalanceA.IsZero())
	require.True(t, final.Latest.State.BalanceI.Equal(native(10)))
}

func TestLockHonoursContext(t *testing.T) {
	l := newLocker()
	id := common.HexToHash("0x01")
	unlock, err := l.lock(context.Background(), id)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.lock(ctx, id)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	unlock()
	unlock2, err := l.lock(context.Background(), id)
	require.NoError(t, err)
	unlock2()
}

// collateralise has the hub deposit into the payee's channel. The payee's
// signatures are added directly, standing in for its approval.
func collateralise(t *testing.T, h *harness, payeeKey *crypto.PrivateKey, current channel.LedgerState, amount int64) {
	t.Helper()
	ctx := context.Background()
	hubKey := h.hub.key
	require.NoError(t, h.chain.Credit(ctx, hubKey.Address(), types.NativeAsset, big.NewInt(amount)))
	id := params.Identity(current).MustHash()
	nonce, err := h.chain.FundNonce(ctx, hubKey.Address())
	require.NoError(t, err)
	req, err := chain.SignFund(chain.FundRequest{Identity: id, Depositor: hubKey.Address(), Asset: types.NativeAsset, Amount: big.NewInt(amount), Nonce: nonce}, hubKey)
	require.NoError(t, err)
	require.NoError(t, h.chain.Fund(ctx, req))

	update, err := protocol.ProposeDeposit(ctx, params, h.chain, current, nil, native(amount), hubKey)
	require.NoError(t, err)
	sigs, err := channel.SignLedgerState(update.Proposed.State, payeeKey)
	require.NoError(t, err)
	commit, err := ledger.SignCommitment(params.AppState(update.Proposed.State, nil), params.Identity(update.Proposed.State), update.Timeout, payeeKey)
	require.NoError(t, err)
	update.Proposed.Signatures, err = update.Proposed.Signatures.Merge(sigs)
	require.NoError(t, err)
	update.Proposed.Commitment, err = update.Proposed.Commitment.Merge(commit)
	require.NoError(t, err)
	h.hub.set(func(m *memHub) {
		m.latest[current.ChannelID] = update.Proposed
		m.threads[current.ChannelID] = nil
	})
}

func TestThreadLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	payer, _ := h.client(t, 10, Policy{})
	payee, rec := h.client(t, 0, Policy{})

	payerChan := funded(t, h, payer, 1, 10)
	payeeChan, err := payee.OpenChannel(ctx, params, common.BytesToHash([]byte{2}))
	require.NoError(t, err)
	collateralise(t, h, payee.key, payeeChan.Latest.State, 10)
	payeeChan, adopted, err := payee.Sync(ctx, payeeChan.ID())
	require.NoError(t, err)
	require.True(t, adopted)
	require.True(t, payeeChan.Latest.State.BalanceI.Equal(native(10)))

	thread, err := payer.OpenThread(ctx, payerChan.ID(), payee.Address(), native(10))
	require.NoError(t, err)
	threadID := thread.Latest.State.ThreadID
	opening, err := payer.ThreadOpening(threadID)
	require.NoError(t, err)
	_, err = payee.JoinThread(ctx, payeeChan.ID(), opening)
	require.NoError(t, err)

	thread, err = payer.PayThread(ctx, threadID, native(1))
	require.NoError(t, err)
	require.EqualValues(t, 1, thread.Latest.State.Nonce)
	_, err = payee.PayThread(ctx, threadID, native(1))
	require.ErrorIs(t, err, channel.ErrUnauthorized)

	synced, err := payee.SyncThread(ctx, threadID)
	require.NoError(t, err)
	require.EqualValues(t, 1, synced.Latest.State.Nonce)
	require.Equal(t, 2, rec.count(events.TypeThreadUpdated))

	payeeChan, err = payee.CloseThread(ctx, threadID)
	require.NoError(t, err)
	require.True(t, payeeChan.Latest.State.BalanceA.Equal(native(1)))
	require.True(t, payeeChan.Latest.State.BalanceI.Equal(native(9)))
	require.Zero(t, payeeChan.Latest.State.OpenThreadCount)

	payerChan, err = payer.CloseThread(ctx, threadID)
	require.NoError(t, err)
	require.True(t, payerChan.Latest.State.BalanceA.Equal(native(9)))
	require.True(t, payerChan.Latest.State.BalanceI.Equal(native(1)))
	_, err = payer.Thread(threadID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCloseThreadWaitsForInFlightPayment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	payer, _ := h.client(t, 10, Policy{})
	payee := mustKey(t)

	ch := funded(t, h, payer, 1, 10)
	thread, err := payer.OpenThread(ctx, ch.ID(), payee.Address(), native(4))
	require.NoError(t, err)
	threadID := thread.Latest.State.ThreadID

	gate := make(chan struct{})
	h.hub.set(func(m *memHub) {
		m.paymentGate = gate
		m.paymentSeen = make(chan struct{}, 1)
	})
	paid := make(chan error, 1)
	go func() {
		_, err := payer.PayThread(ctx, threadID, native(1))
		paid <- err
	}()
	<-h.hub.paymentSeen

	type closeResult struct {
		ch  Channel
		err error
	}
	closed := make(chan closeResult, 1)
	go func() {
		ch, err := payer.CloseThread(ctx, threadID)
		closed <- closeResult{ch, err}
	}()
	select {
	case res := <-closed:
		t.Fatalf("close finished while a payment was in flight: %+v", res.err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-paid)
	res := <-closed
	require.NoError(t, res.err)
	require.True(t, res.ch.Latest.State.BalanceA.Equal(native(9)), "close must fold the acknowledged nonce")
	require.True(t, res.ch.Latest.State.BalanceI.Equal(native(1)))
	_, err = payer.Thread(threadID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestForceCloseSettlesThreadOnChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	payer, rec := h.client(t, 10, Policy{})
	payee := mustKey(t)

	ch := funded(t, h, payer, 1, 10)
	thread, err := payer.OpenThread(ctx, ch.ID(), payee.Address(), native(4))
	require.NoError(t, err)
	threadID := thread.Latest.State.ThreadID
	_, err = payer.PayThread(ctx, threadID, native(3))
	require.NoError(t, err)

	_, err = payer.ProgressThread(ctx, threadID)
	require.ErrorIs(t, err, ErrNoDispute)

	ch, err = payer.ForceClose(ctx, ch.ID())
	require.NoError(t, err)
	require.Equal(t, 1, rec.count(events.TypeDisputeEscalated))
	_, err = payer.ProgressThread(ctx, threadID)
	require.ErrorIs(t, err, adjudicator.ErrNotProgressable)

	_, err = h.chain.Mine(ctx, disputeTimeout)
	require.NoError(t, err)
	ch, err = payer.ProgressThread(ctx, threadID)
	require.NoError(t, err)
	challenge := h.challenge(t, ch)
	require.Equal(t, adjudicator.StatusInOnchainProgression, challenge.Status)
	require.Equal(t, ch.Latest.State.Nonce+1, challenge.VersionNumber)

	_, err = h.chain.Mine(ctx, disputeTimeout)
	require.NoError(t, err)
	require.NoError(t, payer.Settle(ctx, ch.ID()))
	require.EqualValues(t, 7, h.balance(t, payer.Address()))
	require.EqualValues(t, 3, h.balance(t, h.hub.key.Address()))
}

func TestForceCloseNeedsCommitment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user, _ := h.client(t, 0, Policy{})
	ch, err := user.OpenChannel(ctx, params, common.BytesToHash([]byte{1}))
	require.NoError(t, err)
	_, err = user.ForceClose(ctx, ch.ID())
	require.ErrorIs(t, err, ErrNoCommitment)
	_, err = user.OpenChannel(ctx, params, ch.ID())
	require.ErrorIs(t, err, ErrChannelExists)
}
