package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"hubchan/core/protocol"
	"hubchan/crypto"
	"hubchan/sdk/client"
)

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the channel client's configuration.
type Config struct {
	DataDir       string      `toml:"DataDir"`
	KeystorePath  string      `toml:"KeystorePath"`
	PassphraseEnv string      `toml:"PassphraseEnv"`
	LogLevel      string      `toml:"LogLevel"`
	LogFile       string      `toml:"LogFile,omitempty"`
	Hub           Hub         `toml:"hub"`
	Adjudicator   Adjudicator `toml:"adjudicator"`
	Channel       Channel     `toml:"channel"`
	Escalation    Escalation  `toml:"escalation"`
}

// Hub locates the hub and its signing account.
type Hub struct {
	URL           string   `toml:"URL"`
	Address       string   `toml:"Address"`
	APIKeyEnv     string   `toml:"APIKeyEnv"`
	Timeout       Duration `toml:"Timeout"`
	FetchAttempts int      `toml:"FetchAttempts"`
	RetryRate     float64  `toml:"RetryRate"`
	RetryBurst    int      `toml:"RetryBurst"`
}

// Adjudicator locates adjudicatord.
type Adjudicator struct {
	URL           string   `toml:"URL"`
	AdminTokenEnv string   `toml:"AdminTokenEnv"`
	Timeout       Duration `toml:"Timeout"`
}

// Channel holds the parameters new channels are opened with.
type Channel struct {
	DisputeTimeout uint64 `toml:"DisputeTimeout"`
	TokenAddress   string `toml:"TokenAddress"`
}

// Escalation decides when the client gives up on the hub.
type Escalation struct {
	HubTimeout   Duration `toml:"HubTimeout"`
	AutoDispute  bool     `toml:"AutoDispute"`
	PollInterval Duration `toml:"PollInterval"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	applyDefaults(path, cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(path string, cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(path), "hubchan-data")
	}
	if strings.TrimSpace(cfg.KeystorePath) == "" {
		cfg.KeystorePath = defaultKeystorePath(path)
	}
	if cfg.PassphraseEnv == "" {
		cfg.PassphraseEnv = "HUBCHAN_PASSPHRASE"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Channel.DisputeTimeout == 0 {
		cfg.Channel.DisputeTimeout = 100
	}
	if cfg.Escalation.PollInterval.Duration == 0 {
		cfg.Escalation.PollInterval.Duration = time.Second
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Hub: Hub{
			URL:     "http://127.0.0.1:7080",
			Timeout: Duration{10 * time.Second},
		},
		Adjudicator: Adjudicator{
			URL:     "http://127.0.0.1:7090",
			Timeout: Duration{10 * time.Second},
		},
		Escalation: Escalation{
			HubTimeout:  Duration{15 * time.Second},
			AutoDispute: true,
		},
	}
	applyDefaults(path, cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "client.keystore")
}

// Key opens the client keystore, creating it on first use. The flag reports
// whether a new key was generated.
func (c *Config) Key(passphrase string) (*crypto.PrivateKey, bool, error) {
	dir := filepath.Dir(c.KeystorePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, err
		}
	}
	return crypto.LoadOrCreateKeystore(c.KeystorePath, passphrase)
}

// StorePath is the client's channel database.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "channels.db")
}

// HubAddress returns the hub's signing account.
func (c *Config) HubAddress() common.Address {
	return common.HexToAddress(c.Hub.Address)
}

// Params returns the parameters new channels are opened with.
func (c *Config) Params() protocol.Params {
	params := protocol.Params{DisputeTimeout: c.Channel.DisputeTimeout}
	if c.Channel.TokenAddress != "" {
		params.TokenAddress = common.HexToAddress(c.Channel.TokenAddress)
	}
	return params
}

// Policy converts the escalation settings.
func (e Escalation) Policy() client.Policy {
	return client.Policy{
		HubTimeout:   e.HubTimeout.Duration,
		AutoDispute:  e.AutoDispute,
		PollInterval: e.PollInterval.Duration,
	}
}
