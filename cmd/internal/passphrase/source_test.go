package passphrase

import (
	"strings"
	"testing"
)

func TestSourceUsesEnvironmentValue(t *testing.T) {
	t.Setenv("TEST_KEY_PASS", "correct horse battery")
	source := NewSource("TEST_KEY_PASS")
	got, err := source.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "correct horse battery" {
		t.Fatalf("unexpected passphrase %q", got)
	}

	// Cached value survives the variable disappearing.
	t.Setenv("TEST_KEY_PASS", "")
	got, err = source.Get()
	if err != nil || got != "correct horse battery" {
		t.Fatalf("cached value lost: %q %v", got, err)
	}
}

func TestSourceRejectsEmptyEnvironmentValue(t *testing.T) {
	t.Setenv("TEST_KEY_PASS", "   ")
	source := NewSource("TEST_KEY_PASS")
	if _, err := source.Get(); err == nil {
		t.Fatalf("expected error for whitespace-only passphrase")
	}
}

func TestSourceFailsWithoutEnvOrTerminal(t *testing.T) {
	// go test runs without a controlling terminal on stdin, so the prompt
	// path must refuse rather than hang.
	source := NewSource("TEST_KEY_PASS_UNSET_VARIABLE")
	_, err := source.Get()
	if err == nil {
		t.Fatalf("expected error when no source is available")
	}
	if !strings.Contains(err.Error(), "TEST_KEY_PASS_UNSET_VARIABLE") {
		t.Fatalf("error should name the variable to set: %v", err)
	}
}
