package client

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"hubchan/core/chain"
	"hubchan/core/channel"
	"hubchan/core/events"
	"hubchan/core/protocol"
	"hubchan/core/types"
	"hubchan/native/apps/ledger"
)

// OpenChannel records a new channel with the hub. The nonce-zero creation
// state holds no balances and carries no signatures; value enters through
// Deposit.
func (c *Client) OpenChannel(ctx context.Context, params protocol.Params, id common.Hash) (Channel, error) {
	unlock, err := c.locks.lock(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	defer unlock()
	if _, err := c.store.Channel(id); err == nil {
		return Channel{}, ErrChannelExists
	} else if !errors.Is(err, ErrNotFound) {
		return Channel{}, err
	}
	state := channel.LedgerState{
		ChannelID: id,
		PartyA:    c.Address(),
		PartyI:    c.hubAddr,
		BalanceA:  types.ZeroBalance(),
		BalanceI:  types.ZeroBalance(),
	}
	if err := channel.ValidateLedgerState(state); err != nil {
		return Channel{}, err
	}
	ch := Channel{Params: params, Hub: c.hubAddr, Latest: channel.SignedLedgerState{State: state}}
	if err := c.accept(ch); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// Deposit funds the channel's app instance on-chain and then asks the hub to
// credit amount to the client's balance. Funding already on-chain for this
// deposit is not paid twice, so a deposit interrupted after funding can be
// retried.
func (c *Client) Deposit(ctx context.Context, id common.Hash, amount types.Balance) (Channel, error) {
	unlock, err := c.locks.lock(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	defer unlock()
	ch, err := c.store.Channel(id)
	if err != nil {
		return Channel{}, err
	}
	if err := channel.ValidateBalances(amount); err != nil {
		return Channel{}, err
	}
	if err := c.fund(ctx, ch, amount); err != nil {
		return Channel{}, err
	}
	update, err := protocol.ProposeDeposit(ctx, ch.Params, c.chain, ch.Latest.State, ch.Threads, amount, c.key)
	if err != nil {
		return Channel{}, err
	}
	return c.counterSign(ctx, ch, update)
}

func (c *Client) fund(ctx context.Context, ch Channel, amount types.Balance) error {
	identity, err := ch.Params.Identity(ch.Latest.State).Hash()
	if err != nil {
		return err
	}
	required := channel.Deposited(ch.Latest.State, ch.Threads).Add(amount)
	assets := ch.Params.Assets()
	for _, kind := range types.AssetKinds {
		want := amount.Get(kind)
		if want.Sign() == 0 {
			continue
		}
		asset, ok := assets[kind]
		if !ok {
			return channel.ErrInvalidBalance.With("channel has no %s asset", kind)
		}
		have, err := c.chain.Funding(ctx, identity, asset)
		if err != nil {
			return err
		}
		shortfall := new(big.Int).Sub(required.Get(kind), have)
		if shortfall.Sign() <= 0 {
			continue
		}
		if shortfall.Cmp(want) > 0 {
			shortfall = want
		}
		nonce, err := c.chain.FundNonce(ctx, c.Address())
		if err != nil {
			return err
		}
		req, err := chain.SignFund(chain.FundRequest{
			Identity:  identity,
			Depositor: c.Address(),
			Asset:     asset,
			Amount:    shortfall,
			Nonce:     nonce,
		}, c.key)
		if err != nil {
			return err
		}
		if err := c.chain.Fund(ctx, req); err != nil {
			return err
		}
		c.logger.Info("channel funded",
			slog.String("channel", ch.ID().Hex()),
			slog.String("asset", kind.String()),
			slog.String("amount", shortfall.String()))
	}
	return nil
}

// Pay moves amount from the client to the hub.
func (c *Client) Pay(ctx context.Context, id common.Hash, amount types.Balance) (Channel, error) {
	unlock, err := c.locks.lock(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	defer unlock()
	ch, err := c.store.Channel(id)
	if err != nil {
		return Channel{}, err
	}
	update, err := protocol.ProposeLedgerUpdate(ch.Params, ch.Latest.State, ch.Threads, protocol.Pay(amount), c.key)
	if err != nil {
		return Channel{}, err
	}
	return c.counterSign(ctx, ch, update)
}

// OpenThread bonds principal out of channel id into a thread paying payee.
func (c *Client) OpenThread(ctx context.Context, id common.Hash, payee common.Address, principal types.Balance) (Thread, error) {
	unlock, err := c.locks.lock(ctx, id)
	if err != nil {
		return Thread{}, err
	}
	defer unlock()
	ch, err := c.store.Channel(id)
	if err != nil {
		return Thread{}, err
	}
	update, initial, err := protocol.OpenThread(ch.Params, ch.Latest.State, ch.Threads, payee, principal, c.key)
	if err != nil {
		return Thread{}, err
	}
	if _, err := c.counterSign(ctx, ch, update); err != nil {
		return Thread{}, err
	}
	return c.saveThread(id, initial)
}

// JoinThread is the payee side of OpenThread: the hub bonds the thread's
// principal in the client's channel id.
func (c *Client) JoinThread(ctx context.Context, id common.Hash, initial channel.SignedThreadState) (Thread, error) {
	unlock, err := c.locks.lock(ctx, id)
	if err != nil {
		return Thread{}, err
	}
	defer unlock()
	ch, err := c.store.Channel(id)
	if err != nil {
		return Thread{}, err
	}
	update, err := protocol.BondThread(ch.Params, ch.Latest.State, ch.Threads, initial, c.key)
	if err != nil {
		return Thread{}, err
	}
	if _, err := c.counterSign(ctx, ch, update); err != nil {
		return Thread{}, err
	}
	return c.saveThread(id, initial)
}

// PayThread pays amount to the thread's payee and has the hub acknowledge
// the update.
func (c *Client) PayThread(ctx context.Context, threadID common.Hash, amount types.Balance) (Thread, error) {
	unlock, err := c.locks.lock(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}
	defer unlock()
	thread, err := c.store.Thread(threadID)
	if err != nil {
		return Thread{}, err
	}
	ch, err := c.store.Channel(thread.ChannelID)
	if err != nil {
		return Thread{}, err
	}
	next, err := protocol.UpdateThread(thread.Latest.State, amount, c.key)
	if err != nil {
		return Thread{}, err
	}
	rctx, cancel := c.hubContext(ctx)
	start := time.Now()
	_, err = protocol.SubmitPayments(rctx, c.hub, ch.Params, ch.Hub, protocol.PaymentBatch{Threads: []channel.SignedThreadState{next}})
	cancel()
	c.telemetry.ObserveHubRequest("thread-payment", resultLabel(err), time.Since(start).Seconds())
	if err != nil {
		return Thread{}, err
	}
	return c.saveThread(thread.ChannelID, next)
}

// SyncThread adopts the hub's latest state of a thread when it is a
// legitimate successor of the local one.
func (c *Client) SyncThread(ctx context.Context, threadID common.Hash) (Thread, error) {
	unlock, err := c.locks.lock(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}
	defer unlock()
	thread, err := c.store.Thread(threadID)
	if err != nil {
		return Thread{}, err
	}
	rctx, cancel := c.hubContext(ctx)
	remote, err := c.hub.LatestThread(rctx, threadID)
	cancel()
	if err != nil {
		return Thread{}, err
	}
	if remote.State.Nonce <= thread.Latest.State.Nonce {
		return thread, nil
	}
	if err := remote.Verify(); err != nil {
		return Thread{}, protocol.ErrHubRejected.Wrap(err)
	}
	if err := channel.CheckThreadSettlement(thread.Latest.State, remote.State); err != nil {
		return Thread{}, protocol.ErrHubRejected.Wrap(err)
	}
	return c.saveThread(thread.ChannelID, remote)
}

// lockThread takes the lock of threadID and then the lock of the channel it
// is bonded to, always in that order, and returns the thread as stored once
// both are held.
func (c *Client) lockThread(ctx context.Context, threadID common.Hash) (Thread, func(), error) {
	unlockThread, err := c.locks.lock(ctx, threadID)
	if err != nil {
		return Thread{}, nil, err
	}
	thread, err := c.store.Thread(threadID)
	if err != nil {
		unlockThread()
		return Thread{}, nil, err
	}
	unlockChannel, err := c.locks.lock(ctx, thread.ChannelID)
	if err != nil {
		unlockThread()
		return Thread{}, nil, err
	}
	unlock := func() {
		unlockChannel()
		unlockThread()
	}
	if thread, err = c.store.Thread(threadID); err != nil {
		unlock()
		return Thread{}, nil, err
	}
	return thread, unlock, nil
}

func (c *Client) saveThread(channelID common.Hash, latest channel.SignedThreadState) (Thread, error) {
	thread := Thread{ChannelID: channelID, Latest: latest}
	if err := c.store.PutThread(thread); err != nil {
		return Thread{}, err
	}
	c.emitter.Emit(events.ThreadUpdated{
		ThreadID: latest.State.ThreadID,
		Nonce:    latest.State.Nonce,
		Payer:    latest.State.PartyA,
		Payee:    latest.State.PartyB,
	})
	return thread, nil
}

// CloseThread folds the latest known state of a thread back into the
// channel it is bonded to.
func (c *Client) CloseThread(ctx context.Context, threadID common.Hash) (Channel, error) {
	thread, unlock, err := c.lockThread(ctx, threadID)
	if err != nil {
		return Channel{}, err
	}
	defer unlock()
	ch, err := c.store.Channel(thread.ChannelID)
	if err != nil {
		return Channel{}, err
	}
	update, err := protocol.CloseThread(ch.Params, ch.Latest.State, ch.Threads, thread.Latest, c.key)
	if err != nil {
		return Channel{}, err
	}
	next, err := c.counterSign(ctx, ch, update)
	if err != nil {
		return Channel{}, err
	}
	if err := c.store.DeleteThread(threadID); err != nil {
		return Channel{}, err
	}
	return next, nil
}

// Sync compares the local channel with the hub's latest state. A newer
// fully signed state is adopted once its thread set and dispute commitment
// check out; a hub reporting anything older or different is a disagreement.
func (c *Client) Sync(ctx context.Context, id common.Hash) (Channel, bool, error) {
	unlock, err := c.locks.lock(ctx, id)
	if err != nil {
		return Channel{}, false, err
	}
	defer unlock()
	ch, err := c.store.Channel(id)
	if err != nil {
		return Channel{}, false, err
	}
	rctx, cancel := c.hubContext(ctx)
	defer cancel()
	remote, err := c.hub.LatestLedger(rctx, id)
	if err != nil {
		return Channel{}, false, c.escalate(ctx, ch, err)
	}
	latest, adopted, err := protocol.VerifyLatest(ch.Latest, remote)
	if err != nil {
		return Channel{}, false, c.escalate(ctx, ch, err)
	}
	if !adopted {
		return ch, false, nil
	}
	threads, err := c.hub.OpenThreads(rctx, id)
	if err != nil {
		return Channel{}, false, c.escalate(ctx, ch, err)
	}
	if err := checkCommitment(ch.Params, latest, threads); err != nil {
		return Channel{}, false, c.escalate(ctx, ch, protocol.ErrHubRejected.Wrap(err))
	}
	next := ch
	next.Latest = latest
	next.Threads = threads
	if err := c.accept(next); err != nil {
		return Channel{}, false, err
	}
	return next, true, nil
}

func checkCommitment(params protocol.Params, signed channel.SignedLedgerState, threads []channel.ThreadState) error {
	if err := channel.CheckThreadSet(signed.State, threads); err != nil {
		return err
	}
	digest, err := ledger.CommitmentDigest(params.AppState(signed.State, threads), params.Identity(signed.State), commitmentTimeout(params, signed.State))
	if err != nil {
		return err
	}
	return signed.Commitment.Verify(digest, signed.State.Participants())
}

// commitmentTimeout is the timeout the co-signed commitment of s was made
// with: closing states finalize immediately.
func commitmentTimeout(params protocol.Params, s channel.LedgerState) uint64 {
	if s.IsClose {
		return 0
	}
	return params.DisputeTimeout
}

// ThreadOpening returns the payer-signed initial state of a thread the
// client opened, which the payee needs to join it.
func (c *Client) ThreadOpening(threadID common.Hash) (channel.SignedThreadState, error) {
	thread, err := c.store.Thread(threadID)
	if err != nil {
		return channel.SignedThreadState{}, err
	}
	ch, err := c.store.Channel(thread.ChannelID)
	if err != nil {
		return channel.SignedThreadState{}, err
	}
	idx := channel.FindThread(ch.Threads, threadID)
	if idx < 0 {
		return channel.SignedThreadState{}, channel.ErrUnknownThread.With("thread %s", threadID.Hex())
	}
	if ch.Threads[idx].PartyA != c.Address() {
		return channel.SignedThreadState{}, channel.ErrUnauthorized.With("thread %s is paid by %s", threadID.Hex(), ch.Threads[idx].PartyA.Hex())
	}
	return channel.SignThreadState(ch.Threads[idx], c.key)
}
