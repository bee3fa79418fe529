package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIs_MatchesByKind(t *testing.T) {
	err := Wrap(KindTimeoutExceeded, "GET /userNotes", context.DeadlineExceeded)

	if !errors.Is(err, ErrTimeoutExceeded) {
		t.Error("errors.Is(err, ErrTimeoutExceeded) = false, want true")
	}
	if errors.Is(err, ErrNetwork) {
		t.Error("errors.Is(err, ErrNetwork) = true, want false")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("wrapped cause not reachable through Unwrap")
	}
}

func TestKindOf_ThroughWrapping(t *testing.T) {
	inner := New(KindSessionExpired, "POST /postNote", "expired")
	outer := fmt.Errorf("saving note: %w", inner)

	if got := KindOf(outer); got != KindSessionExpired {
		t.Errorf("KindOf = %v, want %v", got, KindSessionExpired)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %v, want unknown", got)
	}
}

func TestError_Message(t *testing.T) {
	err := Wrap(KindBackendUnavailable, "GET /userNotes", nil)
	if !strings.Contains(err.Error(), "starting up") {
		t.Errorf("Error() = %q, want default backend message", err.Error())
	}
	if got := Message(fmt.Errorf("ctx: %w", Validation("Please paste a YouTube link."))); got != "Please paste a YouTube link." {
		t.Errorf("Message = %q", got)
	}
	if got := Message(nil); got != "" {
		t.Errorf("Message(nil) = %q, want empty", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Kind]bool{
		KindBackendUnavailable:  true,
		KindTimeoutExceeded:     true,
		KindNetworkError:        true,
		KindSessionExpired:      false,
		KindPayloadTooLarge:     false,
		KindValidation:          false,
		KindTranscriptionFailed: false,
	}
	for kind, want := range cases {
		if got := Retryable(&Error{Kind: kind}); got != want {
			t.Errorf("Retryable(%v) = %v, want %v", kind, got, want)
		}
	}
}
