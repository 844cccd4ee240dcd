package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"hubchan/cmd/internal/passphrase"
	"hubchan/config"
	"hubchan/observability/logging"
	"hubchan/sdk/chainrpc"
	"hubchan/sdk/client"
	"hubchan/sdk/hub"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func defaultConfigPath() string {
	if path := strings.TrimSpace(os.Getenv("HUBCHAN_CONFIG")); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "hubchan.toml"
	}
	return filepath.Join(home, ".hubchan", "config.toml")
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("hubchan", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", defaultConfigPath(), "path to the client configuration")
	global.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := global.Parse(args); err != nil {
		return 1
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
	act, err := cmd.parse(rest[1:], stderr)
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: load config: %v\n", err)
		return 1
	}
	a, err := openApp(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	out, err := act(ctx, a)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if out == nil {
		return 0
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "Error: encode output: %v\n", err)
		return 1
	}
	return 0
}

// app is everything a command needs once the configuration has been loaded.
type app struct {
	cfg    *config.Config
	client *client.Client
	chain  *chainrpc.Client
	store  *client.Store
	closer io.Closer
}

func openApp(cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Output:  logOut,
		Service: "hubchan",
		Env:     strings.TrimSpace(os.Getenv("HUBCHAN_ENV")),
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})

	_, statErr := os.Stat(cfg.KeystorePath)
	secret := passphrase.NewSource(cfg.PassphraseEnv, "client keystore",
		passphrase.WithConfirmation(os.IsNotExist(statErr)))
	pass, err := secret.Get()
	if err != nil {
		logCloser.Close()
		return nil, err
	}
	key, created, err := cfg.Key(pass)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	if created {
		logger.Info("generated client key", "address", key.Address().Hex(), "keystore", cfg.KeystorePath)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logCloser.Close()
		return nil, err
	}
	store, err := client.OpenStore(cfg.StorePath(), nil)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	fail := func(err error) (*app, error) {
		store.Close()
		logCloser.Close()
		return nil, err
	}

	apiKey := envValue(cfg.Hub.APIKeyEnv)
	hubClient, err := hub.NewClient(hub.Config{
		BaseURL:       cfg.Hub.URL,
		APIKey:        apiKey,
		Timeout:       cfg.Hub.Timeout.Duration,
		FetchAttempts: cfg.Hub.FetchAttempts,
		RetryRate:     cfg.Hub.RetryRate,
		RetryBurst:    cfg.Hub.RetryBurst,
	})
	if err != nil {
		return fail(err)
	}
	chainClient, err := chainrpc.NewClient(chainrpc.Config{
		BaseURL:    cfg.Adjudicator.URL,
		AdminToken: envValue(cfg.Adjudicator.AdminTokenEnv),
		Timeout:    cfg.Adjudicator.Timeout.Duration,
	})
	if err != nil {
		return fail(err)
	}
	c, err := client.New(key, hubClient, cfg.HubAddress(), chainClient, store,
		client.WithPolicy(cfg.Escalation.Policy()),
		client.WithLogger(logger))
	if err != nil {
		return fail(err)
	}
	logger.Debug("client ready",
		slog.String("address", key.Address().Hex()),
		slog.String("hub", cfg.Hub.URL),
		logging.MaskField("hub_api_key", apiKey))
	return &app{cfg: cfg, client: c, chain: chainClient, store: store, closer: logCloser}, nil
}

func (a *app) Close() error {
	err := a.store.Close()
	a.closer.Close()
	return err
}

func (a *app) requireHub() error {
	if a.cfg.HubAddress() == (common.Address{}) {
		return fmt.Errorf("hub.Address must be configured before opening channels")
	}
	return nil
}

func envValue(name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}
