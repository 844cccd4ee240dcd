package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"hubchan/core/chain"
	"hubchan/core/events"
	"hubchan/core/protocol"
	"hubchan/native/adjudicator"
	"hubchan/native/apps/ledger"
)

// ErrNoDispute is returned by on-chain follow-ups on a channel the client
// never took on-chain.
var ErrNoDispute = errors.New("client: channel has no on-chain dispute")

// FastClose closes a channel cooperatively: the hub co-signs a closing state
// whose commitment has timeout zero, which is set and paid out at once.
func (c *Client) FastClose(ctx context.Context, id common.Hash) (Channel, error) {
	unlock, err := c.locks.lock(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	defer unlock()
	ch, err := c.store.Channel(id)
	if err != nil {
		return Channel{}, err
	}
	if !ch.Latest.State.IsClose {
		update, err := protocol.FastClose(ch.Params, ch.Latest.State, ch.Threads, c.key)
		if err != nil {
			return Channel{}, err
		}
		if ch, err = c.counterSign(ctx, ch, update); err != nil {
			return Channel{}, err
		}
	}
	if ch, err = c.submit(ctx, ch); err != nil {
		return Channel{}, err
	}
	if err := c.chain.SetOutcome(ctx, ch.Params.Identity(ch.Latest.State), ch.Dispute); err != nil {
		return Channel{}, err
	}
	c.logger.Info("channel closed", slog.String("channel", id.Hex()), slog.Uint64("nonce", ch.Latest.State.Nonce))
	return ch, nil
}

// ForceClose takes the latest co-signed state on-chain without the hub.
func (c *Client) ForceClose(ctx context.Context, id common.Hash) (Channel, error) {
	unlock, err := c.locks.lock(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	defer unlock()
	ch, err := c.store.Channel(id)
	if err != nil {
		return Channel{}, err
	}
	return c.forceClose(ctx, ch, CauseManual)
}

func (c *Client) forceClose(ctx context.Context, ch Channel, cause string) (Channel, error) {
	next, err := c.submit(ctx, ch)
	if err != nil {
		return Channel{}, err
	}
	identity, err := ch.Params.Identity(ch.Latest.State).Hash()
	if err != nil {
		return Channel{}, err
	}
	c.telemetry.ObserveEscalation(cause)
	c.emitter.Emit(events.DisputeEscalated{
		ChannelID: ch.ID(),
		Identity:  identity,
		Nonce:     ch.Latest.State.Nonce,
		Cause:     cause,
	})
	c.logger.Warn("dispute escalated",
		slog.String("channel", ch.ID().Hex()),
		slog.String("identity", identity.Hex()),
		slog.Uint64("nonce", ch.Latest.State.Nonce),
		slog.String("cause", cause))
	return next, nil
}

// submit sets the latest co-signed state on-chain. A challenge already
// holding this state is left alone.
func (c *Client) submit(ctx context.Context, ch Channel) (Channel, error) {
	if ch.Latest.Commitment.Len() == 0 {
		return Channel{}, ErrNoCommitment
	}
	encoded, err := ch.Params.AppState(ch.Latest.State, ch.Threads).Encode()
	if err != nil {
		return Channel{}, err
	}
	identity := ch.Params.Identity(ch.Latest.State)
	id, err := identity.Hash()
	if err != nil {
		return Channel{}, err
	}
	stateHash := adjudicator.AppStateHash(encoded)
	current, err := c.chain.GetAppChallenge(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	if current.Status == adjudicator.StatusNoChallenge || current.AppStateHash != stateHash {
		err = c.chain.SetState(ctx, identity, adjudicator.SignedAppChallengeUpdate{
			AppStateHash:  stateHash,
			VersionNumber: ch.Latest.State.Nonce,
			Timeout:       commitmentTimeout(ch.Params, ch.Latest.State),
			Signatures:    ch.Latest.Commitment.Signatures(),
		})
		if err != nil {
			return Channel{}, err
		}
	}
	next := ch
	next.Dispute = encoded
	if err := c.store.PutChannel(next); err != nil {
		return Channel{}, err
	}
	return next, nil
}

// ProgressThread records the latest payer-signed state of an open thread
// on-chain. The channel must be in dispute and progressable. Either side of
// the channel may do this, and a later state overrides an earlier one until
// the challenge finalizes.
func (c *Client) ProgressThread(ctx context.Context, threadID common.Hash) (Channel, error) {
	thread, unlock, err := c.lockThread(ctx, threadID)
	if err != nil {
		return Channel{}, err
	}
	defer unlock()
	ch, err := c.store.Channel(thread.ChannelID)
	if err != nil {
		return Channel{}, err
	}
	if len(ch.Dispute) == 0 {
		return Channel{}, ErrNoDispute
	}
	action, err := ledger.SettleThreadAction{
		Thread:    thread.Latest.State,
		Signature: thread.Latest.Signature,
		Submitter: c.key.Address(),
	}.Encode()
	if err != nil {
		return Channel{}, err
	}
	encoded, err := ledger.New().ApplyAction(ch.Dispute, action)
	if err != nil {
		return Channel{}, err
	}
	identity := ch.Params.Identity(ch.Latest.State)
	id, err := identity.Hash()
	if err != nil {
		return Channel{}, err
	}
	current, err := c.chain.GetAppChallenge(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	version := current.VersionNumber + 1
	newHash := adjudicator.AppStateHash(encoded)
	sig, err := adjudicator.SignCommitment(id, newHash, version, 0, c.key)
	if err != nil {
		return Channel{}, err
	}
	req := adjudicator.SignedAppChallengeUpdate{
		AppStateHash:  newHash,
		VersionNumber: version,
		Signatures:    [][]byte{sig},
	}
	if err := c.chain.ProgressState(ctx, identity, req, ch.Dispute, action); err != nil {
		return Channel{}, err
	}
	ch.Dispute = encoded
	if err := c.store.PutChannel(ch); err != nil {
		return Channel{}, err
	}
	if err := c.store.DeleteThread(threadID); err != nil {
		return Channel{}, err
	}
	c.logger.Info("thread settled on-chain",
		slog.String("channel", ch.ID().Hex()),
		slog.String("thread", threadID.Hex()),
		slog.Uint64("thread_nonce", thread.Latest.State.Nonce),
		slog.Uint64("version", version))
	return ch, nil
}

// Settle pays out a finalized dispute.
func (c *Client) Settle(ctx context.Context, id common.Hash) error {
	unlock, err := c.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	ch, err := c.store.Channel(id)
	if err != nil {
		return err
	}
	if len(ch.Dispute) == 0 {
		return ErrNoDispute
	}
	return c.chain.SetOutcome(ctx, ch.Params.Identity(ch.Latest.State), ch.Dispute)
}

// WaitFinalized polls the adjudicator until the channel's challenge is
// final or ctx ends.
func (c *Client) WaitFinalized(ctx context.Context, id common.Hash) error {
	ch, err := c.store.Channel(id)
	if err != nil {
		return err
	}
	identity, err := ch.Params.Identity(ch.Latest.State).Hash()
	if err != nil {
		return err
	}
	ticker := time.NewTicker(c.policy.PollInterval)
	defer ticker.Stop()
	for {
		done, err := c.chain.Check(ctx, chain.PredicateFinalized, identity)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
