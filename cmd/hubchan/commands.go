package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"hubchan/core/channel"
	"hubchan/core/protocol"
	"hubchan/core/types"
	"hubchan/sdk/client"
)

// action runs a parsed command. A non-nil result is printed as JSON.
type action func(ctx context.Context, a *app) (any, error)

type command struct {
	summary string
	parse   func(args []string, stderr io.Writer) (action, error)
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"address":         {"print the client account", parseAddress},
		"height":          {"print the adjudicator block height", parseHeight},
		"status":          {"show stored channels, or one channel with --id", parseStatus},
		"open":            {"open a ledger channel with the hub", parseOpen},
		"deposit":         {"fund the channel on-chain and credit the deposit", parseDeposit},
		"pay":             {"pay the hub over the ledger channel", parsePay},
		"sync":            {"fetch the hub's latest co-signed state", parseSync},
		"open-thread":     {"open a thread to a payee through the hub", parseOpenThread},
		"join-thread":     {"join a thread from the payer's signed opening", parseJoinThread},
		"pay-thread":      {"pay the payee over a thread", parsePayThread},
		"sync-thread":     {"fetch the payer's latest thread state", parseSyncThread},
		"close-thread":    {"fold a thread back into its ledger channel", parseCloseThread},
		"progress-thread": {"settle a thread inside a disputed channel", parseProgressThread},
		"fast-close":      {"close the channel cooperatively", parseFastClose},
		"force-close":     {"dispute the channel on-chain", parseForceClose},
		"wait":            {"block until the channel's dispute is final", parseWait},
		"settle":          {"pay out a finalized dispute", parseSettle},
	}
}

var commandOrder = []string{
	"address", "height", "status", "open", "deposit", "pay", "sync",
	"open-thread", "join-thread", "pay-thread", "sync-thread", "close-thread",
	"progress-thread", "fast-close", "force-close", "wait", "settle",
}

func usage() string {
	var b strings.Builder
	b.WriteString("Usage: hubchan [-config path] <command> [flags]\n\nCommands:\n")
	for _, name := range commandOrder {
		fmt.Fprintf(&b, "  %-16s %s\n", name, commands[name].summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("hubchan "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected positional arguments: %s", strings.Join(fs.Args(), " "))
	}
	return nil
}

func parseHash(name, raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Hash{}, fmt.Errorf("--%s is required", name)
	}
	decoded, err := hexutil.Decode(raw)
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, fmt.Errorf("--%s must be a 0x-prefixed 32-byte hex string", name)
	}
	return common.BytesToHash(decoded), nil
}

// amountFlags binds --native and --token to a Balance.
type amountFlags struct {
	native string
	token  string
}

func (f *amountFlags) bind(fs *flag.FlagSet) {
	fs.StringVar(&f.native, "native", "0", "native coin amount in base units")
	fs.StringVar(&f.token, "token", "0", "token amount in base units")
}

func (f *amountFlags) balance() (types.Balance, error) {
	native, err := types.ParseAmount(f.native)
	if err != nil {
		return types.Balance{}, fmt.Errorf("--native: %w", err)
	}
	token, err := types.ParseAmount(f.token)
	if err != nil {
		return types.Balance{}, fmt.Errorf("--token: %w", err)
	}
	b := types.Balance{Native: native, Token: token}
	if b.HasNegative() {
		return types.Balance{}, fmt.Errorf("amounts must not be negative")
	}
	if b.IsZero() {
		return types.Balance{}, fmt.Errorf("--native or --token must be positive")
	}
	return b, nil
}

func parseAddress(args []string, stderr io.Writer) (action, error) {
	if err := parseFlags(newFlagSet("address", stderr), args); err != nil {
		return nil, err
	}
	return func(_ context.Context, a *app) (any, error) {
		return map[string]string{"address": a.client.Address().Hex()}, nil
	}, nil
}

func parseHeight(args []string, stderr io.Writer) (action, error) {
	if err := parseFlags(newFlagSet("height", stderr), args); err != nil {
		return nil, err
	}
	return func(ctx context.Context, a *app) (any, error) {
		height, err := a.chain.Height(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]uint64{"height": height}, nil
	}, nil
}

func parseStatus(args []string, stderr io.Writer) (action, error) {
	fs := newFlagSet("status", stderr)
	idFlag := fs.String("id", "", "channel id")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(*idFlag) != "" {
		id, err := parseHash("id", *idFlag)
		if err != nil {
			return nil, err
		}
		return func(_ context.Context, a *app) (any, error) {
			ch, err := a.client.Channel(id)
			if err != nil {
				return nil, err
			}
			return viewChannel(ch), nil
		}, nil
	}
	return func(_ context.Context, a *app) (any, error) {
		ids, err := a.client.Channels()
		if err != nil {
			return nil, err
		}
		views := make([]channelView, 0, len(ids))
		for _, id := range ids {
			ch, err := a.client.Channel(id)
			if err != nil {
				return nil, err
			}
			views = append(views, viewChannel(ch))
		}
		return statusView{Address: a.client.Address(), Channels: views}, nil
	}, nil
}

func parseOpen(args []string, stderr io.Writer) (action, error) {
	fs := newFlagSet("open", stderr)
	idFlag := fs.String("id", "", "channel id (random when omitted)")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	var id common.Hash
	if strings.TrimSpace(*idFlag) != "" {
		parsed, err := parseHash("id", *idFlag)
		if err != nil {
			return nil, err
		}
		id = parsed
	}
	return func(ctx context.Context, a *app) (any, error) {
		if err := a.requireHub(); err != nil {
			return nil, err
		}
		if id == (common.Hash{}) {
			if _, err := rand.Read(id[:]); err != nil {
				return nil, err
			}
		}
		ch, err := a.client.OpenChannel(ctx, a.cfg.Params(), id)
		if err != nil {
			return nil, err
		}
		return viewChannel(ch), nil
	}, nil
}

// channelAmountCommand parses --id plus amount flags for deposit and pay.
func channelAmountCommand(name string, run func(c *client.Client, ctx context.Context, id common.Hash, amount types.Balance) (client.Channel, error)) func([]string, io.Writer) (action, error) {
	return func(args []string, stderr io.Writer) (action, error) {
		fs := newFlagSet(name, stderr)
		idFlag := fs.String("id", "", "channel id")
		var amounts amountFlags
		amounts.bind(fs)
		if err := parseFlags(fs, args); err != nil {
			return nil, err
		}
		id, err := parseHash("id", *idFlag)
		if err != nil {
			return nil, err
		}
		amount, err := amounts.balance()
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, a *app) (any, error) {
			ch, err := run(a.client, ctx, id, amount)
			if err != nil {
				return nil, err
			}
			return viewChannel(ch), nil
		}, nil
	}
}

var (
	parseDeposit = channelAmountCommand("deposit", (*client.Client).Deposit)
	parsePay     = channelAmountCommand("pay", (*client.Client).Pay)
)

// channelCommand parses a lone --id for commands acting on a whole channel.
func channelCommand(name string, run func(ctx context.Context, c *client.Client, id common.Hash) (any, error)) func([]string, io.Writer) (action, error) {
	return func(args []string, stderr io.Writer) (action, error) {
		fs := newFlagSet(name, stderr)
		idFlag := fs.String("id", "", "channel id")
		if err := parseFlags(fs, args); err != nil {
			return nil, err
		}
		id, err := parseHash("id", *idFlag)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, a *app) (any, error) {
			return run(ctx, a.client, id)
		}, nil
	}
}

func channelResult(ch client.Channel, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return viewChannel(ch), nil
}

var (
	parseSync = channelCommand("sync", func(ctx context.Context, c *client.Client, id common.Hash) (any, error) {
		ch, updated, err := c.Sync(ctx, id)
		if err != nil {
			return nil, err
		}
		return syncView{Updated: updated, Channel: viewChannel(ch)}, nil
	})
	parseFastClose = channelCommand("fast-close", func(ctx context.Context, c *client.Client, id common.Hash) (any, error) {
		return channelResult(c.FastClose(ctx, id))
	})
	parseForceClose = channelCommand("force-close", func(ctx context.Context, c *client.Client, id common.Hash) (any, error) {
		return channelResult(c.ForceClose(ctx, id))
	})
	parseWait = channelCommand("wait", func(ctx context.Context, c *client.Client, id common.Hash) (any, error) {
		if err := c.WaitFinalized(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "finalized": true}, nil
	})
	parseSettle = channelCommand("settle", func(ctx context.Context, c *client.Client, id common.Hash) (any, error) {
		if err := c.Settle(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "settled": true}, nil
	})
)

func parseOpenThread(args []string, stderr io.Writer) (action, error) {
	fs := newFlagSet("open-thread", stderr)
	idFlag := fs.String("id", "", "ledger channel id")
	payeeFlag := fs.String("payee", "", "payee address")
	var amounts amountFlags
	amounts.bind(fs)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	id, err := parseHash("id", *idFlag)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(*payeeFlag) == "" {
		return nil, fmt.Errorf("--payee is required")
	}
	payee, err := types.ParseAddress(*payeeFlag)
	if err != nil {
		return nil, fmt.Errorf("--payee: %w", err)
	}
	principal, err := amounts.balance()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, a *app) (any, error) {
		thread, err := a.client.OpenThread(ctx, id, payee, principal)
		if err != nil {
			return nil, err
		}
		opening, err := a.client.ThreadOpening(thread.Latest.State.ThreadID)
		if err != nil {
			return nil, err
		}
		encoded, err := protocol.EncodeSignedThreadState(opening)
		if err != nil {
			return nil, err
		}
		view := viewThread(thread)
		view.Opening = hexutil.Encode(encoded)
		return view, nil
	}, nil
}

func parseJoinThread(args []string, stderr io.Writer) (action, error) {
	fs := newFlagSet("join-thread", stderr)
	idFlag := fs.String("id", "", "the payee's ledger channel id")
	openingFlag := fs.String("opening", "", "hex-encoded signed opening from open-thread")
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	id, err := parseHash("id", *idFlag)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(*openingFlag) == "" {
		return nil, fmt.Errorf("--opening is required")
	}
	raw, err := hexutil.Decode(strings.TrimSpace(*openingFlag))
	if err != nil {
		return nil, fmt.Errorf("--opening: %w", err)
	}
	opening, err := protocol.DecodeSignedThreadState(raw)
	if err != nil {
		return nil, fmt.Errorf("--opening: %w", err)
	}
	return func(ctx context.Context, a *app) (any, error) {
		thread, err := a.client.JoinThread(ctx, id, opening)
		if err != nil {
			return nil, err
		}
		return viewThread(thread), nil
	}, nil
}

func parsePayThread(args []string, stderr io.Writer) (action, error) {
	fs := newFlagSet("pay-thread", stderr)
	threadFlag := fs.String("thread", "", "thread id")
	var amounts amountFlags
	amounts.bind(fs)
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	threadID, err := parseHash("thread", *threadFlag)
	if err != nil {
		return nil, err
	}
	amount, err := amounts.balance()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, a *app) (any, error) {
		thread, err := a.client.PayThread(ctx, threadID, amount)
		if err != nil {
			return nil, err
		}
		return viewThread(thread), nil
	}, nil
}

// threadCommand parses a lone --thread.
func threadCommand(name string, run func(ctx context.Context, c *client.Client, threadID common.Hash) (any, error)) func([]string, io.Writer) (action, error) {
	return func(args []string, stderr io.Writer) (action, error) {
		fs := newFlagSet(name, stderr)
		threadFlag := fs.String("thread", "", "thread id")
		if err := parseFlags(fs, args); err != nil {
			return nil, err
		}
		threadID, err := parseHash("thread", *threadFlag)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, a *app) (any, error) {
			return run(ctx, a.client, threadID)
		}, nil
	}
}

var (
	parseSyncThread = threadCommand("sync-thread", func(ctx context.Context, c *client.Client, threadID common.Hash) (any, error) {
		thread, err := c.SyncThread(ctx, threadID)
		if err != nil {
			return nil, err
		}
		return viewThread(thread), nil
	})
	parseCloseThread = threadCommand("close-thread", func(ctx context.Context, c *client.Client, threadID common.Hash) (any, error) {
		return channelResult(c.CloseThread(ctx, threadID))
	})
	parseProgressThread = threadCommand("progress-thread", func(ctx context.Context, c *client.Client, threadID common.Hash) (any, error) {
		return channelResult(c.ProgressThread(ctx, threadID))
	})
)

type channelView struct {
	ID             common.Hash           `json:"id"`
	Hub            common.Address        `json:"hub"`
	DisputeTimeout uint64                `json:"disputeTimeout"`
	CoSigned       bool                  `json:"coSigned"`
	Disputed       bool                  `json:"disputed"`
	State          channel.LedgerState   `json:"state"`
	Threads        []channel.ThreadState `json:"threads,omitempty"`
}

func viewChannel(ch client.Channel) channelView {
	return channelView{
		ID:             ch.ID(),
		Hub:            ch.Hub,
		DisputeTimeout: ch.Params.DisputeTimeout,
		CoSigned:       ch.Latest.FullySigned(),
		Disputed:       len(ch.Dispute) > 0,
		State:          ch.Latest.State,
		Threads:        ch.Threads,
	}
}

type statusView struct {
	Address  common.Address `json:"address"`
	Channels []channelView  `json:"channels"`
}

type syncView struct {
	Updated bool        `json:"updated"`
	Channel channelView `json:"channel"`
}

type threadView struct {
	ChannelID common.Hash         `json:"channelId"`
	State     channel.ThreadState `json:"state"`
	Opening   string              `json:"opening,omitempty"`
}

func viewThread(t client.Thread) threadView {
	return threadView{ChannelID: t.ChannelID, State: t.Latest.State}
}
