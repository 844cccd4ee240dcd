// Package passphrase resolves the secret that unlocks a keystore.
package passphrase

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Terminal reads a line without echo.
type Terminal interface {
	IsTerminal() bool
	ReadPassword(prompt string) (string, error)
}

type stdinTerminal struct {
	prompts io.Writer
}

func (t stdinTerminal) IsTerminal() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

func (t stdinTerminal) ReadPassword(prompt string) (string, error) {
	fmt.Fprint(t.prompts, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(t.prompts)
	return string(raw), err
}

// Source resolves a passphrase once, from envVar if it is set and otherwise
// by prompting. Later calls return the cached result.
type Source struct {
	envVar  string
	label   string
	confirm bool
	tty     Terminal

	once  sync.Once
	value string
	err   error
}

// Option customises a Source.
type Option func(*Source)

// WithConfirmation makes an interactive prompt ask twice. Use it when the
// passphrase is about to protect a new keystore.
func WithConfirmation(confirm bool) Option {
	return func(s *Source) { s.confirm = confirm }
}

// WithTerminal replaces the stdin terminal.
func WithTerminal(tty Terminal) Option {
	return func(s *Source) {
		if tty != nil {
			s.tty = tty
		}
	}
}

// NewSource builds a source for the named secret, e.g. "client keystore".
func NewSource(envVar, label string, opts ...Option) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	s := &Source{envVar: strings.TrimSpace(envVar), label: label, tty: stdinTerminal{prompts: os.Stderr}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the passphrase. An environment value is used verbatim.
// Whitespace-only passphrases are rejected either way.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if !s.tty.IsTerminal() {
		if s.envVar != "" {
			return "", fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("%s passphrase required and no terminal available", s.label)
	}

	value, err := s.tty.ReadPassword(fmt.Sprintf("Enter %s passphrase: ", s.label))
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s passphrase cannot be empty", s.label)
	}
	if s.confirm {
		again, err := s.tty.ReadPassword(fmt.Sprintf("Repeat %s passphrase: ", s.label))
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		if again != value {
			return "", fmt.Errorf("%s passphrases do not match", s.label)
		}
	}
	return value, nil
}
