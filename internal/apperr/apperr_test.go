package apperr

import (
	"errors"
	"testing"
)

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(Storage, "op", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := Wrap(NotFound, "lookup", errors.New("missing"))
	if !Is(err, NotFound) {
		t.Error("expected Is to match NotFound")
	}
	if Is(err, Conflict) {
		t.Error("expected Is not to match Conflict")
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("plain")) != Internal {
		t.Error("plain errors should default to Internal")
	}
	if KindOf(nil) != "" {
		t.Error("nil error should have empty Kind")
	}
}

func TestErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(Storage, "write", base)
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base")
	}
}
