package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"hubchan/core/channel"
	"hubchan/core/events"
	"hubchan/core/types"
	"hubchan/crypto"
	"hubchan/native/adjudicator"
	"hubchan/native/apps/hashlock"
	"hubchan/native/apps/ledger"
	"hubchan/storage"
)

func newChain(t *testing.T, db storage.Database) (*Chain, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	c, err := New(db, WithEmitter(rec))
	require.NoError(t, err)
	require.NoError(t, c.RegisterApp(ledger.New()))
	require.NoError(t, c.RegisterApp(hashlock.New()))
	return c, rec
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func fund(t *testing.T, c *Chain, id common.Hash, key *crypto.PrivateKey, amount int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Credit(ctx, key.Address(), types.NativeAsset, big.NewInt(amount)))
	nonce, err := c.FundNonce(ctx, key.Address())
	require.NoError(t, err)
	req, err := SignFund(FundRequest{
		Identity:  id,
		Depositor: key.Address(),
		Asset:     types.NativeAsset,
		Amount:    big.NewInt(amount),
		Nonce:     nonce,
	}, key)
	require.NoError(t, err)
	require.NoError(t, c.Fund(ctx, req))
}

func TestHeightIsMonotonicAndPersisted(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()
	c, _ := newChain(t, db)

	height, err := c.Mine(ctx, 5)
	require.NoError(t, err)
	require.EqualValues(t, 5, height)
	require.NoError(t, c.AdvanceTo(ctx, 9))
	require.ErrorIs(t, c.AdvanceTo(ctx, 3), ErrPastHeight)

	reopened, _ := newChain(t, db)
	height, err = reopened.Height(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 9, height)
}

func TestSubmissionsInThePastAreRejected(t *testing.T) {
	ctx := context.Background()
	c, _ := newChain(t, storage.NewMemDB())
	user := mustKey(t)
	require.NoError(t, c.AdvanceTo(ctx, 10))

	err := c.At(4).SetOutcome(ctx, hashlock.Identity(hashlock.State{Sender: user.Address(), Receiver: common.HexToAddress("0x01")}, 1, 5), nil)
	require.ErrorIs(t, err, ErrPastSubmission)

	require.NoError(t, c.At(12).Credit(ctx, user.Address(), types.NativeAsset, big.NewInt(1)))
	height, err := c.Height(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 12, height)
}

func TestFundRequiresDepositorSignatureAndNonce(t *testing.T) {
	ctx := context.Background()
	c, _ := newChain(t, storage.NewMemDB())
	user, other := mustKey(t), mustKey(t)
	id := common.HexToHash("0xfeed")
	require.NoError(t, c.Credit(ctx, user.Address(), types.NativeAsset, big.NewInt(10)))

	req := FundRequest{Identity: id, Depositor: user.Address(), Asset: types.NativeAsset, Amount: big.NewInt(4)}
	forged, err := SignFund(req, other)
	require.NoError(t, err)
	require.ErrorIs(t, c.Fund(ctx, forged), adjudicator.ErrInvalidSignature)

	signed, err := SignFund(req, user)
	require.NoError(t, err)
	require.NoError(t, c.Fund(ctx, signed))
	require.ErrorIs(t, c.Fund(ctx, signed), ErrBadFundNonce)

	funded, err := c.Funding(ctx, id, types.NativeAsset)
	require.NoError(t, err)
	require.EqualValues(t, 4, funded.Int64())
	balance, err := c.Balance(ctx, user.Address(), types.NativeAsset)
	require.NoError(t, err)
	require.EqualValues(t, 6, balance.Int64())
}

// ledgerDispute drives a ledger channel with one open thread through a
// unilateral close: the user sets the latest co-signed state, settles the
// thread once the dispute window passes and collects the outcome.
func TestLedgerChannelDispute(t *testing.T) {
	ctx := context.Background()
	c, rec := newChain(t, storage.NewMemDB())
	user, hub, payee := mustKey(t), mustKey(t), mustKey(t)
	const timeout = 10

	open := channel.LedgerState{
		ChannelID: common.HexToHash("0x0c"),
		PartyA:    user.Address(),
		PartyI:    hub.Address(),
		BalanceA:  types.NewBalance(100, 0),
		BalanceI:  types.NewBalance(50, 0),
	}
	thread := channel.ThreadState{
		ThreadID: common.HexToHash("0x7d"),
		PartyA:   user.Address(),
		PartyB:   payee.Address(),
		BalanceA: types.NewBalance(30, 0),
		BalanceB: types.NewBalance(0, 0),
	}
	bonded, threads, err := channel.BondThread(open, nil, thread)
	require.NoError(t, err)
	appState := ledger.AppState{State: bonded, Threads: threads}
	identity := ledger.Identity(bonded, timeout)
	id := identity.MustHash()

	fund(t, c, id, user, 100)
	fund(t, c, id, hub, 50)

	userSig, err := ledger.SignCommitment(appState, identity, timeout, user)
	require.NoError(t, err)
	hubSig, err := ledger.SignCommitment(appState, identity, timeout, hub)
	require.NoError(t, err)
	both, err := userSig.Merge(hubSig)
	require.NoError(t, err)
	stateHash, err := appState.Hash()
	require.NoError(t, err)

	require.NoError(t, c.AdvanceTo(ctx, 100))
	require.NoError(t, c.SetState(ctx, identity, adjudicator.SignedAppChallengeUpdate{
		AppStateHash:  stateHash,
		VersionNumber: bonded.Nonce,
		Timeout:       timeout,
		Signatures:    both.Signatures(),
	}))
	challenge, err := c.GetAppChallenge(ctx, id)
	require.NoError(t, err)
	require.Equal(t, adjudicator.StatusInDispute, challenge.Status)
	require.EqualValues(t, 110, challenge.FinalizesAt)

	latest := thread.Clone()
	latest.Nonce = 2
	latest.BalanceA = types.NewBalance(18, 0)
	latest.BalanceB = types.NewBalance(12, 0)
	signedThread, err := channel.SignThreadState(latest, user)
	require.NoError(t, err)
	action, err := ledger.SettleThreadAction{Thread: signedThread.State, Signature: signedThread.Signature, Submitter: user.Address()}.Encode()
	require.NoError(t, err)
	encoded, err := appState.Encode()
	require.NoError(t, err)
	settledState, err := ledger.New().ApplyAction(encoded, action)
	require.NoError(t, err)
	progressSig, err := adjudicator.SignCommitment(id, adjudicator.AppStateHash(settledState), bonded.Nonce+1, 0, user)
	require.NoError(t, err)
	progress := adjudicator.SignedAppChallengeUpdate{
		AppStateHash:  adjudicator.AppStateHash(settledState),
		VersionNumber: bonded.Nonce + 1,
		Signatures:    [][]byte{progressSig},
	}

	err = c.ProgressState(ctx, identity, progress, encoded, action)
	require.ErrorIs(t, err, adjudicator.ErrNotProgressable)
	ok, err := c.Check(ctx, PredicateCancellable, id)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.AdvanceTo(ctx, 110))
	require.NoError(t, c.ProgressState(ctx, identity, progress, encoded, action))
	challenge, err = c.GetAppChallenge(ctx, id)
	require.NoError(t, err)
	require.Equal(t, adjudicator.StatusInOnchainProgression, challenge.Status)
	require.EqualValues(t, 120, challenge.FinalizesAt)

	require.ErrorIs(t, c.SetOutcome(ctx, identity, settledState), adjudicator.ErrNotFinalized)
	_, err = c.Mine(ctx, 10)
	require.NoError(t, err)
	finalized, err := c.Check(ctx, PredicateFinalized, id)
	require.NoError(t, err)
	require.True(t, finalized)

	require.NoError(t, c.SetOutcome(ctx, identity, settledState))
	require.ErrorIs(t, c.SetOutcome(ctx, identity, settledState), adjudicator.ErrOutcomeAlreadySet)

	for _, tc := range []struct {
		owner common.Address
		want  int64
	}{{user.Address(), 88}, {hub.Address(), 62}, {adjudicator.CustodyAddress, 0}} {
		balance, err := c.Balance(ctx, tc.owner, types.NativeAsset)
		require.NoError(t, err)
		require.EqualValues(t, tc.want, balance.Int64())
	}
	withdrawn, err := c.TotalAmountWithdrawn(ctx, id, types.NativeAsset)
	require.NoError(t, err)
	require.EqualValues(t, 150, withdrawn.Int64())

	require.Contains(t, rec.Types(), events.TypeOutcomeSet)
	require.Contains(t, rec.Types(), events.TypeCoinsTransferred)
	ids, err := c.ChallengeIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{id}, ids)
}

// threadDispute is a ledger channel with one open thread whose latest
// co-signed state is in dispute on c.
type threadDispute struct {
	user, hub, payee *crypto.PrivateKey
	thread           channel.ThreadState
	identity         adjudicator.AppIdentity
	id               common.Hash
	encoded          []byte
	version          uint64
}

func openThreadDispute(t *testing.T, c *Chain, timeout uint64) *threadDispute {
	t.Helper()
	ctx := context.Background()
	d := &threadDispute{user: mustKey(t), hub: mustKey(t), payee: mustKey(t)}
	open := channel.LedgerState{
		ChannelID: common.HexToHash("0x0d"),
		PartyA:    d.user.Address(),
		PartyI:    d.hub.Address(),
		BalanceA:  types.NewBalance(100, 0),
		BalanceI:  types.NewBalance(50, 0),
	}
	d.thread = channel.ThreadState{
		ThreadID: common.HexToHash("0x7e"),
		PartyA:   d.user.Address(),
		PartyB:   d.payee.Address(),
		BalanceA: types.NewBalance(30, 0),
		BalanceB: types.NewBalance(0, 0),
	}
	bonded, threads, err := channel.BondThread(open, nil, d.thread)
	require.NoError(t, err)
	appState := ledger.AppState{State: bonded, Threads: threads}
	d.identity = ledger.Identity(bonded, timeout)
	d.id = d.identity.MustHash()
	fund(t, c, d.id, d.user, 100)
	fund(t, c, d.id, d.hub, 50)

	userSig, err := ledger.SignCommitment(appState, d.identity, timeout, d.user)
	require.NoError(t, err)
	hubSig, err := ledger.SignCommitment(appState, d.identity, timeout, d.hub)
	require.NoError(t, err)
	both, err := userSig.Merge(hubSig)
	require.NoError(t, err)
	d.encoded, err = appState.Encode()
	require.NoError(t, err)
	d.version = bonded.Nonce
	require.NoError(t, c.SetState(ctx, d.identity, adjudicator.SignedAppChallengeUpdate{
		AppStateHash:  adjudicator.AppStateHash(d.encoded),
		VersionNumber: d.version,
		Timeout:       timeout,
		Signatures:    both.Signatures(),
	}))
	return d
}

// settle has submitter record the payer-signed thread state at nonce with
// the given split.
func (d *threadDispute) settle(t *testing.T, c *Chain, submitter *crypto.PrivateKey, nonce uint64, payer, payee int64) error {
	t.Helper()
	latest := d.thread.Clone()
	latest.Nonce = nonce
	latest.BalanceA = types.NewBalance(payer, 0)
	latest.BalanceB = types.NewBalance(payee, 0)
	signed, err := channel.SignThreadState(latest, d.user)
	require.NoError(t, err)
	action, err := ledger.SettleThreadAction{Thread: signed.State, Signature: signed.Signature, Submitter: submitter.Address()}.Encode()
	require.NoError(t, err)

	next, err := ledger.New().ApplyAction(d.encoded, action)
	if err != nil {
		return err
	}
	sig, err := adjudicator.SignCommitment(d.id, adjudicator.AppStateHash(next), d.version+1, 0, submitter)
	require.NoError(t, err)
	err = c.ProgressState(context.Background(), d.identity, adjudicator.SignedAppChallengeUpdate{
		AppStateHash:  adjudicator.AppStateHash(next),
		VersionNumber: d.version + 1,
		Signatures:    [][]byte{sig},
	}, d.encoded, action)
	if err != nil {
		return err
	}
	d.encoded = next
	d.version++
	return nil
}

func TestLatestThreadStateWinsOnChain(t *testing.T) {
	ctx := context.Background()
	c, _ := newChain(t, storage.NewMemDB())
	require.NoError(t, c.AdvanceTo(ctx, 100))
	d := openThreadDispute(t, c, 10)
	require.NoError(t, c.AdvanceTo(ctx, 110))

	// the initial state refunds the whole principal and is never accepted
	require.ErrorIs(t, d.settle(t, c, d.user, 0, 30, 0), channel.ErrStaleNonce)
	require.NoError(t, d.settle(t, c, d.user, 1, 29, 1))

	// the hub answers with the newest payer-signed state it holds
	require.NoError(t, d.settle(t, c, d.hub, 3, 18, 12))
	require.ErrorIs(t, d.settle(t, c, d.user, 2, 20, 10), channel.ErrStaleNonce)

	// a signature from anyone but the submitter does not progress
	err := d.settle(t, c, d.payee, 4, 17, 13)
	require.Error(t, err)

	challenge, err := c.GetAppChallenge(ctx, d.id)
	require.NoError(t, err)
	require.Equal(t, adjudicator.StatusInOnchainProgression, challenge.Status)
	require.Equal(t, d.version, challenge.VersionNumber)

	_, err = c.Mine(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, c.SetOutcome(ctx, d.identity, d.encoded))
	for _, tc := range []struct {
		owner common.Address
		want  int64
	}{{d.user.Address(), 88}, {d.hub.Address(), 62}} {
		balance, err := c.Balance(ctx, tc.owner, types.NativeAsset)
		require.NoError(t, err)
		require.EqualValues(t, tc.want, balance.Int64())
	}
}

func TestRevertedTransactionLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	c, rec := newChain(t, storage.NewMemDB())
	sender, receiver := mustKey(t), mustKey(t)
	preimage := []byte("s3cret")
	lock := hashlock.State{
		Lock:     hashlock.LockFor(preimage),
		Sender:   sender.Address(),
		Receiver: receiver.Address(),
		Amount:   big.NewInt(5),
	}
	identity := hashlock.Identity(lock, 1, 3)
	id := identity.MustHash()
	encoded, err := lock.Encode()
	require.NoError(t, err)
	fund(t, c, id, sender, 5)
	before := len(rec.Events)

	hash := adjudicator.AppStateHash(encoded)
	sig, err := adjudicator.SignCommitment(id, hash, 1, 3, sender)
	require.NoError(t, err)
	err = c.SetState(ctx, identity, adjudicator.SignedAppChallengeUpdate{
		AppStateHash:  hash,
		VersionNumber: 1,
		Timeout:       3,
		Signatures:    [][]byte{sig},
	})
	require.ErrorIs(t, err, adjudicator.ErrInvalidSignature)
	require.Len(t, rec.Events, before)

	challenge, err := c.GetAppChallenge(ctx, id)
	require.NoError(t, err)
	require.Equal(t, adjudicator.StatusNoChallenge, challenge.Status)
	_, err = c.GetOutcome(ctx, id)
	require.True(t, errors.Is(err, adjudicator.ErrOutcomeNotSet))
}

func TestHashlockRevealThroughSetAndProgress(t *testing.T) {
	ctx := context.Background()
	c, _ := newChain(t, storage.NewMemDB())
	sender, receiver := mustKey(t), mustKey(t)
	preimage := []byte("s3cret")
	lock := hashlock.State{
		Lock:     hashlock.LockFor(preimage),
		Sender:   sender.Address(),
		Receiver: receiver.Address(),
		Amount:   big.NewInt(5),
	}
	identity := hashlock.Identity(lock, 7, 3)
	id := identity.MustHash()
	fund(t, c, id, sender, 5)

	encoded, err := lock.Encode()
	require.NoError(t, err)
	hash := adjudicator.AppStateHash(encoded)
	var sigs [][]byte
	for _, participant := range identity.Participants {
		key := sender
		if participant == receiver.Address() {
			key = receiver
		}
		sig, err := adjudicator.SignCommitment(id, hash, 1, 3, key)
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}
	action, err := hashlock.RevealAction{Preimage: preimage}.Encode()
	require.NoError(t, err)
	revealed, err := hashlock.New().ApplyAction(encoded, action)
	require.NoError(t, err)
	revealSig, err := adjudicator.SignCommitment(id, adjudicator.AppStateHash(revealed), 2, 0, receiver)
	require.NoError(t, err)

	require.NoError(t, c.SetAndProgressState(ctx, identity,
		adjudicator.SignedAppChallengeUpdate{AppStateHash: hash, VersionNumber: 1, Timeout: 3, Signatures: sigs},
		adjudicator.SignedAppChallengeUpdate{AppStateHash: adjudicator.AppStateHash(revealed), VersionNumber: 2, Signatures: [][]byte{revealSig}},
		encoded, action))

	require.NoError(t, c.SetOutcome(ctx, identity, revealed))
	balance, err := c.Balance(ctx, receiver.Address(), types.NativeAsset)
	require.NoError(t, err)
	require.EqualValues(t, 5, balance.Int64())
}
