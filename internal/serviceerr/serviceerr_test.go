package serviceerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCarriesCodeAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New("posts.create", "insert_failed", cause)

	if err.Error() != "posts.create.insert_failed: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if CodeOf(wrapped) != "posts.create.insert_failed" {
		t.Fatalf("unexpected code %q", CodeOf(wrapped))
	}
	if CodeOf(cause) != "" {
		t.Fatalf("expected empty code for plain errors")
	}
}
