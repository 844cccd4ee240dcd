package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const testChannel = "0x00000000000000000000000000000000000000000000000000000000000000aa"

func TestArgumentErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{name: "no command", args: nil, want: "Usage: hubchan"},
		{name: "unknown command", args: []string{"mint"}, want: "Unknown command: mint"},
		{name: "pay without id", args: []string{"pay", "--native", "5"}, want: "--id is required"},
		{name: "pay with short id", args: []string{"pay", "--id", "0x01", "--native", "5"}, want: "32-byte hex"},
		{name: "pay without amount", args: []string{"pay", "--id", testChannel}, want: "must be positive"},
		{name: "negative deposit", args: []string{"deposit", "--id", testChannel, "--token", "-3"}, want: "must not be negative"},
		{name: "fractional amount", args: []string{"deposit", "--id", testChannel, "--native", "1.5"}, want: "--native"},
		{name: "thread without payee", args: []string{"open-thread", "--id", testChannel, "--native", "1"}, want: "--payee is required"},
		{name: "thread with bad payee", args: []string{"open-thread", "--id", testChannel, "--payee", "bob", "--native", "1"}, want: "--payee"},
		{name: "join without opening", args: []string{"join-thread", "--id", testChannel}, want: "--opening is required"},
		{name: "join with garbage", args: []string{"join-thread", "--id", testChannel, "--opening", "0xzz"}, want: "--opening"},
		{name: "pay-thread without thread", args: []string{"pay-thread", "--native", "1"}, want: "--thread is required"},
		{name: "stray positional", args: []string{"settle", "--id", testChannel, "now"}, want: "unexpected positional"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			args := append([]string{"-config", filepath.Join(t.TempDir(), "unused.toml")}, tc.args...)
			if code := run(args, &stdout, &stderr); code != 1 {
				t.Fatalf("expected exit 1, got %d", code)
			}
			if !strings.Contains(stderr.String(), tc.want) {
				t.Fatalf("expected %q in stderr, got %q", tc.want, stderr.String())
			}
			if stdout.Len() != 0 {
				t.Fatalf("unexpected stdout %q", stdout.String())
			}
		})
	}
}

func TestUsageListsEveryCommand(t *testing.T) {
	text := usage()
	if len(commandOrder) != len(commands) {
		t.Fatalf("command order lists %d of %d commands", len(commandOrder), len(commands))
	}
	for name := range commands {
		if !strings.Contains(text, "  "+name+" ") {
			t.Fatalf("usage does not mention %s", name)
		}
	}
}

func TestStatusOnFreshConfig(t *testing.T) {
	t.Setenv("HUBCHAN_PASSPHRASE", "correct horse battery staple")
	configPath := filepath.Join(t.TempDir(), "client", "config.toml")

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-config", configPath, "address"}, &stdout, &stderr); code != 0 {
		t.Fatalf("address exited %d: %s", code, stderr.String())
	}
	var addr struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &addr); err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if !common.IsHexAddress(addr.Address) {
		t.Fatalf("unexpected address %q", addr.Address)
	}

	stdout.Reset()
	stderr.Reset()
	if code := run([]string{"-config", configPath, "status"}, &stdout, &stderr); code != 0 {
		t.Fatalf("status exited %d: %s", code, stderr.String())
	}
	var status statusView
	if err := json.Unmarshal(stdout.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Address != common.HexToAddress(addr.Address) {
		t.Fatalf("status reports %s, keystore holds %s", status.Address.Hex(), addr.Address)
	}
	if len(status.Channels) != 0 {
		t.Fatalf("expected no channels, got %d", len(status.Channels))
	}
}

func TestOpenRequiresHubAddress(t *testing.T) {
	t.Setenv("HUBCHAN_PASSPHRASE", "correct horse battery staple")
	configPath := filepath.Join(t.TempDir(), "config.toml")

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-config", configPath, "open"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "hub.Address must be configured") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}
