package passphrase

import (
	"errors"
	"strings"
	"testing"
)

type scriptedTerminal struct {
	tty     bool
	answers []string
	prompts []string
}

func (s *scriptedTerminal) IsTerminal() bool { return s.tty }

func (s *scriptedTerminal) ReadPassword(prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.answers) == 0 {
		return "", errors.New("no more input")
	}
	next := s.answers[0]
	s.answers = s.answers[1:]
	return next, nil
}

func TestSourceReadsEnvironmentOnce(t *testing.T) {
	t.Setenv("HUBCHAN_TEST_PASS", "hunter2")
	src := NewSource("HUBCHAN_TEST_PASS", "client keystore")
	got, err := src.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("unexpected passphrase %q (%v)", got, err)
	}
	t.Setenv("HUBCHAN_TEST_PASS", "changed")
	if again, _ := src.Get(); again != "hunter2" {
		t.Fatalf("passphrase not cached: %q", again)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("HUBCHAN_TEST_PASS", "   ")
	if _, err := NewSource("HUBCHAN_TEST_PASS", "").Get(); err == nil {
		t.Fatalf("expected blank passphrase to be rejected")
	}
}

func TestSourcePrompts(t *testing.T) {
	tests := []struct {
		name    string
		tty     bool
		confirm bool
		answers []string
		want    string
		wantErr string
		prompts int
	}{
		{name: "no terminal", tty: false, wantErr: "set HUBCHAN_UNSET_PASS"},
		{name: "single prompt", tty: true, answers: []string{"s3cret"}, want: "s3cret", prompts: 1},
		{name: "blank", tty: true, answers: []string{"  "}, wantErr: "cannot be empty", prompts: 1},
		{name: "confirmed", tty: true, confirm: true, answers: []string{"s3cret", "s3cret"}, want: "s3cret", prompts: 2},
		{name: "mismatch", tty: true, confirm: true, answers: []string{"s3cret", "s3cre7"}, wantErr: "do not match", prompts: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tty := &scriptedTerminal{tty: tc.tty, answers: tc.answers}
			src := NewSource("HUBCHAN_UNSET_PASS", "client keystore", WithTerminal(tty), WithConfirmation(tc.confirm))
			got, err := src.Get()
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
			} else if err != nil || got != tc.want {
				t.Fatalf("unexpected passphrase %q (%v)", got, err)
			}
			if len(tty.prompts) != tc.prompts {
				t.Fatalf("expected %d prompts, got %v", tc.prompts, tty.prompts)
			}
			for _, prompt := range tty.prompts {
				if !strings.Contains(prompt, "client keystore") {
					t.Fatalf("prompt %q does not name the secret", prompt)
				}
			}
		})
	}
}
