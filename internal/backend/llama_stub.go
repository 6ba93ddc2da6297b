//go:build !llama

package backend

import (
	"context"

	"gend/pkg/types"
)

// This file provides a no-CGO stub for the llama loader. It is compiled when
// the 'llama' build tag is NOT set, keeping default builds and CI CGO-free.
// The real loader lives in llama.go (tagged 'llama').

var llamaBuilt = false

type llamaLoader struct {
	cfg Config
}

// NewLoader returns a Loader that refuses to load models in builds without
// the 'llama' tag. No mocked generation in production binaries.
func NewLoader(cfg Config) Loader {
	return &llamaLoader{cfg: cfg}
}

func (l *llamaLoader) Load(ctx context.Context, modelPath string, prof types.QuantProfile, device string) (TextGenerator, error) {
	return nil, ErrUnavailable
}
