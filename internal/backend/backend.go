package backend

import (
	"context"
	"errors"

	"gend/pkg/types"
)

// ErrUnavailable indicates the generation runtime is not compiled into this
// binary. Builds without the 'llama' tag can validate, serve status and run
// tests, but refuse to generate rather than mock output.
var ErrUnavailable = errors.New("llama backend not built in (rebuild with -tags llama)")

// Options captures the per-call generation parameters handed to the runtime.
// Validation and defaulting happen in the session layer; by the time Options
// reaches a TextGenerator every field is normalized.
type Options struct {
	// Sample enables stochastic decoding. When false, decoding is greedy
	// and TopK is zero.
	Sample bool
	// TopK limits sampling to the K most likely tokens. Zero means the
	// runtime default.
	TopK int
	// MaxNewTokens bounds how many tokens are produced beyond the prompt.
	MaxNewTokens int
	// NumReturn is the number of independent completions to produce.
	NumReturn int
	// EOSTokenID is the end-of-sequence token id to stop on.
	EOSTokenID int
	// Seed for reproducibility; 0 lets the runtime choose.
	Seed int64
}

// TextGenerator is the opaque generation capability. Everything heavy
// (weights, tokenization, quantization kernels, the decoding loop) lives
// behind it. Implementations must honor ctx cancellation mid-generation and
// return exactly NumReturn strings on success, each beginning with the
// prompt (causal continuation).
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, opts Options) ([]string, error)
	// CountTokens reports the tokenized length of text under this model's
	// tokenizer.
	CountTokens(text string) int
	// EOSTokenID reports the tokenizer's own end-of-sequence token id.
	EOSTokenID() int
	Close() error
}

// Loader builds TextGenerators. The caller that invokes Load owns the
// returned generator and is responsible for Close; sessions only borrow it.
type Loader interface {
	Load(ctx context.Context, modelPath string, prof types.QuantProfile, device string) (TextGenerator, error)
}

// Config holds runtime tunables shared by all generators built by a loader.
type Config struct {
	CtxSize   int
	Threads   int
	GPULayers int
}

// approxTokens is a coarse fallback used when the runtime cannot tokenize
// (e.g., before a model is resident). Roughly four bytes per token holds for
// the BPE vocabularies these models ship with.
func approxTokens(text string) int {
	n := len(text) / 4
	if n < 1 && len(text) > 0 {
		n = 1
	}
	return n
}
