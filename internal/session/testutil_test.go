package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gend/internal/backend"
	"gend/pkg/types"
)

var errOOM = errors.New("ggml: failed to allocate buffer")

// fakeGenerator is an in-memory TextGenerator for tests. It produces
// prompt-prefixed completions and records the options it was called with.
type fakeGenerator struct {
	mu        sync.Mutex
	calls     int
	lastOpts  backend.Options
	delay     time.Duration // hold the call this long, honoring ctx
	failWith  error
	tokensPer int // CountTokens result per call; 0 means len/4
	eosID     int
	closed    atomic.Bool

	// inflight flips true while Generate runs; used to detect interleaving.
	inflight atomic.Bool
	overlaps atomic.Int64
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, opts backend.Options) ([]string, error) {
	if g.inflight.Swap(true) {
		g.overlaps.Add(1)
	}
	defer g.inflight.Store(false)

	g.mu.Lock()
	g.calls++
	g.lastOpts = opts
	delay := g.delay
	failWith := g.failWith
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failWith != nil {
		return nil, failWith
	}
	out := make([]string, 0, opts.NumReturn)
	for i := 0; i < opts.NumReturn; i++ {
		out = append(out, fmt.Sprintf("%s continuation %d", prompt, i))
	}
	return out, nil
}

func (g *fakeGenerator) CountTokens(text string) int {
	if g.tokensPer > 0 {
		return g.tokensPer
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func (g *fakeGenerator) EOSTokenID() int { return g.eosID }

func (g *fakeGenerator) Close() error {
	g.closed.Store(true)
	return nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGenerator) last() backend.Options {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastOpts
}

// fakeLoader hands out a fixed generator, optionally failing the first
// failures calls.
type fakeLoader struct {
	mu       sync.Mutex
	gen      *fakeGenerator
	loads    int
	failures int
	err      error
}

func (l *fakeLoader) Load(ctx context.Context, path string, prof types.QuantProfile, device string) (backend.TextGenerator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.err != nil {
		return nil, l.err
	}
	if l.failures > 0 {
		l.failures--
		return nil, fmt.Errorf("transient load failure")
	}
	if l.gen == nil {
		l.gen = &fakeGenerator{eosID: 2}
	}
	return l.gen, nil
}

func (l *fakeLoader) loadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func testProfile() types.QuantProfile {
	return types.QuantProfile{Bits: 4, QuantType: "nf4", ComputeDType: "bfloat16"}
}

func newTestHandle(gen backend.TextGenerator, queueDepth int, maxWait time.Duration) *Handle {
	return newHandle("test-model", gen, queueDepth, maxWait)
}

// newConfiguredSession returns a session over gen already configured with a
// valid profile.
func newConfiguredSession(t interface{ Fatalf(string, ...any) }, gen backend.TextGenerator, opts ...Option) *Session {
	s := New(newTestHandle(gen, 4, time.Second), opts...)
	if err := s.Configure(testProfile()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return s
}
