//go:build !llama

package backend

import (
	"context"
	"errors"
	"testing"

	"gend/pkg/types"
)

func TestStubLoaderRefusesToLoad(t *testing.T) {
	l := NewLoader(Config{})
	_, err := l.Load(context.Background(), "/models/x.gguf", types.QuantProfile{Bits: 4}, "auto")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestApproxTokens(t *testing.T) {
	if got := approxTokens(""); got != 0 {
		t.Fatalf("empty text: got %d", got)
	}
	if got := approxTokens("ab"); got != 1 {
		t.Fatalf("short text must count at least one token, got %d", got)
	}
	if got := approxTokens("abcdefgh"); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}
