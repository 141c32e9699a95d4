package utils

import (
	"errors"
	"testing"
)

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "context"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWrapAddsContext(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, "load config")
	if err == nil {
		t.Fatalf("expected non-nil error")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped error to unwrap to cause")
	}
	if got := err.Error(); got != "load config: boom" {
		t.Fatalf("unexpected message: %q", got)
	}
}
