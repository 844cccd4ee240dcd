package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// MinDisputeTimeout bounds how short a dispute window may be configured.
var MinDisputeTimeout = uint64(2)

// Validate checks a loaded configuration. An empty hub address is allowed
// until the first channel is opened.
func Validate(cfg *Config) error {
	if err := validateURL("hub.URL", cfg.Hub.URL); err != nil {
		return err
	}
	if err := validateURL("adjudicator.URL", cfg.Adjudicator.URL); err != nil {
		return err
	}
	if addr := strings.TrimSpace(cfg.Hub.Address); addr != "" && !common.IsHexAddress(addr) {
		return fmt.Errorf("hub: Address %q is not a hex address", addr)
	}
	if token := strings.TrimSpace(cfg.Channel.TokenAddress); token != "" && !common.IsHexAddress(token) {
		return fmt.Errorf("channel: TokenAddress %q is not a hex address", token)
	}
	if cfg.Channel.DisputeTimeout < MinDisputeTimeout {
		return fmt.Errorf("channel: DisputeTimeout must be at least %d blocks", MinDisputeTimeout)
	}
	if cfg.Escalation.HubTimeout.Duration < 0 || cfg.Escalation.PollInterval.Duration < 0 {
		return fmt.Errorf("escalation: durations must not be negative")
	}
	if cfg.Hub.FetchAttempts < 0 || cfg.Hub.RetryBurst < 0 || cfg.Hub.RetryRate < 0 {
		return fmt.Errorf("hub: retry settings must not be negative")
	}
	return nil
}

func validateURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s must be configured", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s %q is not an absolute url", field, raw)
	}
	return nil
}
