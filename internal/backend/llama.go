//go:build llama

package backend

import (
	"context"
	"errors"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"

	"gend/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// llamaLoader builds in-process llama.cpp generators.
type llamaLoader struct {
	cfg Config
}

// NewLoader returns a Loader backed by llama.cpp.
func NewLoader(cfg Config) Loader {
	if cfg.CtxSize <= 0 {
		cfg.CtxSize = 2048
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	return &llamaLoader{cfg: cfg}
}

func (l *llamaLoader) Load(ctx context.Context, modelPath string, prof types.QuantProfile, device string) (TextGenerator, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{
		llama.SetContext(l.cfg.CtxSize),
	}
	// GGUF weights are quantized at conversion time; the profile's compute
	// dtype still selects the KV cache precision.
	if prof.ComputeDType == "float16" || prof.ComputeDType == "bfloat16" {
		mo = append(mo, llama.EnableF16Memory)
	}
	switch device {
	case "", "auto":
		if l.cfg.GPULayers > 0 {
			mo = append(mo, llama.SetGPULayers(l.cfg.GPULayers))
		}
	case "cpu":
		// no GPU offload
	default:
		// Explicit device mapping: offload everything and let the runtime
		// place layers on the named device.
		mo = append(mo, llama.SetGPULayers(l.cfg.GPULayers), llama.SetMainGPU(device))
	}
	m, err := llama.New(modelPath, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaGenerator{model: m, threads: l.cfg.Threads}, nil
}

// llamaGenerator owns one loaded model context.
type llamaGenerator struct {
	model   *llama.LLama
	threads int
}

func (g *llamaGenerator) Generate(ctx context.Context, prompt string, opts Options) ([]string, error) {
	if g.model == nil {
		return nil, errors.New("llama model not initialized")
	}
	// Bridge cancellation through the token callback: returning false stops
	// the decoding loop inside llama.cpp.
	g.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	})
	defer g.model.SetTokenCallback(nil)

	n := opts.NumReturn
	if n < 1 {
		n = 1
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := g.model.Predict(prompt, g.predictOptions(opts, i)...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Predict returns only the continuation; the session contract is
		// prompt-prefixed completions.
		out = append(out, prompt+text)
	}
	return out, nil
}

func (g *llamaGenerator) predictOptions(opts Options, seq int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(maxInt(1, opts.MaxNewTokens)),
		llama.SetThreads(maxInt(1, g.threads)),
	}
	if opts.Sample {
		if opts.TopK > 0 {
			po = append(po, llama.SetTopK(opts.TopK))
		}
		if opts.Seed != 0 {
			// Vary the seed per sequence so num_return_sequences > 1
			// yields distinct samples while staying reproducible.
			po = append(po, llama.SetSeed(int(opts.Seed)+seq))
		}
	} else {
		// Greedy decoding.
		po = append(po, llama.SetTemperature(0), llama.SetTopK(1))
	}
	return po
}

func (g *llamaGenerator) CountTokens(text string) int {
	n, _, err := g.model.TokenizeString(text)
	if err != nil {
		return approxTokens(text)
	}
	return int(n)
}

// EOSTokenID reports the eos id the runtime stops on. llama.cpp applies the
// model's own eos internally and does not expose the id through this binding,
// so callers see the conventional sentencepiece value.
func (g *llamaGenerator) EOSTokenID() int { return 2 }

func (g *llamaGenerator) Close() error {
	if g.model != nil {
		g.model.Free()
		g.model = nil
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
