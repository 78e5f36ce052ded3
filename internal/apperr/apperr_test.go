package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesKindSentinels(t *testing.T) {
	wrapped := fmt.Errorf("fetch orders: %w", Auth("token expired", nil))
	if !errors.Is(wrapped, ErrAuth) {
		t.Fatalf("expected wrapped auth error to match ErrAuth")
	}
	if errors.Is(wrapped, ErrNetwork) {
		t.Fatalf("did not expect auth error to match ErrNetwork")
	}
	if KindOf(wrapped) != KindAuth {
		t.Fatalf("expected kind %s, got %s", KindAuth, KindOf(wrapped))
	}
}

func TestServerFallbackMessage(t *testing.T) {
	err := Server(502, "")
	if err.Message != "request failed with status 502" {
		t.Fatalf("unexpected fallback message %q", err.Message)
	}
	if Message(err) != err.Message {
		t.Fatalf("expected Message to expose the server message")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{err: Network(errors.New("connection reset")), want: true},
		{err: Server(500, "boom"), want: true},
		{err: Auth("missing token", nil), want: false},
		{err: Validation("min exceeds max"), want: false},
		{err: errors.New("plain"), want: false},
	}
	for index, testCase := range cases {
		if got := IsRetryable(testCase.err); got != testCase.want {
			t.Fatalf("case %d: expected %v, got %v", index, testCase.want, got)
		}
	}
}
