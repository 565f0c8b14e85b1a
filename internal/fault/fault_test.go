package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := New(ConnectFailed, "dial tcp refused")
	wrapped := fmt.Errorf("opening remote process: %w", base)

	if got := KindOf(wrapped); got != ConnectFailed {
		t.Errorf("KindOf() = %v, want %v", got, ConnectFailed)
	}
	if got := KindOf(errors.New("plain")); got != Internal {
		t.Errorf("KindOf(plain) = %v, want %v", got, Internal)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(SpawnFailed, nil, "spawn"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(ExecFailed, cause, "starting remote command")

	if !errors.Is(err, cause) {
		t.Error("wrapped error should match its cause via errors.Is")
	}
	if !Is(err, ExecFailed) {
		t.Error("Is() should match the assigned kind")
	}
	if Is(err, ConnectFailed) {
		t.Error("Is() should not match a different kind")
	}
}
