package session

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"gend/internal/backend"
	"gend/pkg/types"
)

func testRegistry() []types.Model {
	return []types.Model{
		{ID: "m1", Name: "m1", Path: "/models/m1.gguf"},
		{ID: "m2", Name: "m2", Path: "/models/m2.gguf"},
	}
}

func newTestHub(t *testing.T, loader backend.Loader) *Hub {
	t.Helper()
	h, err := NewHub(HubConfig{
		Registry:     testRegistry(),
		DefaultModel: "m1",
		Profile:      testProfile(),
		Loader:       loader,
		MaxWait:      time.Second,
	})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestNewHubRejectsBadProfile(t *testing.T) {
	_, err := NewHub(HubConfig{
		Profile: types.QuantProfile{Bits: 5},
		Loader:  &fakeLoader{},
	})
	if err == nil || !IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestNewSessionUnknownModel(t *testing.T) {
	h := newTestHub(t, &fakeLoader{})
	_, err := h.NewSession(context.Background(), "nope")
	if err == nil || !IsModelNotFound(err) {
		t.Fatalf("expected model-not-found, got %v", err)
	}
}

func TestNewSessionDefaultModel(t *testing.T) {
	ld := &fakeLoader{}
	h := newTestHub(t, ld)
	s, err := h.NewSession(context.Background(), "")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if s.State() != StateConfigured {
		t.Fatalf("hub sessions must arrive configured, got %s", s.State())
	}
	if ld.loadCount() != 1 {
		t.Fatalf("expected one load, got %d", ld.loadCount())
	}
}

func TestNoDefaultModelConfigured(t *testing.T) {
	h, err := NewHub(HubConfig{
		Registry: testRegistry(),
		Profile:  testProfile(),
		Loader:   &fakeLoader{},
	})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	defer h.Close()
	if _, err := h.NewSession(context.Background(), ""); !IsModelNotFound(err) {
		t.Fatalf("expected model-not-found for unspecified model, got %v", err)
	}
}

func TestConcurrentLoadsCollapse(t *testing.T) {
	ld := &fakeLoader{}
	h := newTestHub(t, ld)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.NewSession(context.Background(), "m1"); err != nil {
				t.Errorf("new session: %v", err)
			}
		}()
	}
	wg.Wait()
	if ld.loadCount() != 1 {
		t.Fatalf("expected one load for concurrent sessions, got %d", ld.loadCount())
	}
}

func TestLoadRetriesTransientFailure(t *testing.T) {
	ld := &fakeLoader{failures: 1}
	h := newTestHub(t, ld)
	if _, err := h.NewSession(context.Background(), "m1"); err != nil {
		t.Fatalf("expected retry to recover transient load failure: %v", err)
	}
	if ld.loadCount() != 2 {
		t.Fatalf("expected 2 load attempts, got %d", ld.loadCount())
	}
}

func TestLoadUnavailableIsPermanent(t *testing.T) {
	ld := &fakeLoader{err: backend.ErrUnavailable}
	h := newTestHub(t, ld)
	_, err := h.NewSession(context.Background(), "m1")
	if err == nil || !IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if ld.loadCount() != 1 {
		t.Fatalf("unavailable runtime must not be retried, got %d attempts", ld.loadCount())
	}
}

func TestHubGenerateStreamsNDJSON(t *testing.T) {
	h := newTestHub(t, &fakeLoader{})
	var buf bytes.Buffer
	flushes := 0
	err := h.Generate(context.Background(), types.GenerateRequest{
		Prompt:             "who invented computers",
		NumReturnSequences: 2,
	}, &buf, func() { flushes++ })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 2 completion lines + done line, got %d: %q", len(lines), buf.String())
	}
	for _, line := range lines[:2] {
		var c types.Completion
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("bad ndjson line %q: %v", line, err)
		}
		if c.Prompt != "who invented computers" || !strings.HasPrefix(c.Text, c.Prompt) {
			t.Fatalf("bad completion line: %+v", c)
		}
	}
	var end map[string]any
	if err := json.Unmarshal([]byte(lines[2]), &end); err != nil {
		t.Fatalf("bad done line: %v", err)
	}
	if end["done"] != true || end["model"] != "m1" {
		t.Fatalf("unexpected done line: %v", end)
	}
	if flushes == 0 {
		t.Fatalf("expected flushes during streaming")
	}
}

func TestHubGenerateValidationSkipsBackend(t *testing.T) {
	ld := &fakeLoader{}
	h := newTestHub(t, ld)
	var buf bytes.Buffer
	err := h.Generate(context.Background(), types.GenerateRequest{Prompt: "   "}, &buf, nil)
	if err == nil || !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ld.gen != nil && ld.gen.callCount() != 0 {
		t.Fatalf("validation failure must not invoke the generator")
	}
	if buf.Len() != 0 {
		t.Fatalf("no output expected on validation failure, got %q", buf.String())
	}
}

func TestUnloadClosesGenerator(t *testing.T) {
	ld := &fakeLoader{}
	h := newTestHub(t, ld)
	if _, err := h.NewSession(context.Background(), "m1"); err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := h.Unload("m1"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	// The eviction callback closes asynchronously.
	deadline := time.Now().Add(time.Second)
	for !ld.gen.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("generator not closed after unload")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.Unload("m1"); !IsModelNotFound(err) {
		t.Fatalf("expected model-not-found on second unload, got %v", err)
	}
}

func TestIdleHandleEvicted(t *testing.T) {
	ld := &fakeLoader{}
	h, err := NewHub(HubConfig{
		Registry:     testRegistry(),
		DefaultModel: "m1",
		Profile:      testProfile(),
		Loader:       ld,
		IdleTTL:      30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	defer h.Close()
	if _, err := h.NewSession(context.Background(), "m1"); err != nil {
		t.Fatalf("new session: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.Status().EvictionsTotal != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("idle handle not evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !ld.gen.closed.Load() {
		t.Fatalf("evicted handle must close its generator")
	}
}

// A handle whose idle TTL fires while a generation is still running must not
// have its generator closed under the borrower; it goes back in the cache and
// is only retired once idle.
func TestIdleEvictionWaitsForInflightGeneration(t *testing.T) {
	ld := &fakeLoader{gen: &fakeGenerator{delay: 400 * time.Millisecond}}
	h, err := NewHub(HubConfig{
		Registry:     testRegistry(),
		DefaultModel: "m1",
		Profile:      testProfile(),
		Loader:       ld,
		IdleTTL:      40 * time.Millisecond,
		DrainTimeout: 40 * time.Millisecond,
		MaxWait:      time.Second,
	})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	defer h.Close()

	s, err := h.NewSession(context.Background(), "m1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, gerr := s.Generate(context.Background(), types.GenerateRequest{Prompt: "slow"})
		done <- gerr
	}()

	// Several TTL+drain cycles pass while the generation runs.
	time.Sleep(250 * time.Millisecond)
	if ld.gen.closed.Load() {
		t.Fatalf("generator closed while a generation was in flight")
	}
	if gerr := <-done; gerr != nil {
		t.Fatalf("generation must survive idle expiry: %v", gerr)
	}

	// Once the handle is actually idle, expiry retires it for real.
	deadline := time.Now().Add(2 * time.Second)
	for !ld.gen.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("idle handle never retired after generation finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Unload during an in-flight generation waits the borrower out instead of
// freeing the generator under it.
func TestUnloadWaitsForInflightGeneration(t *testing.T) {
	ld := &fakeLoader{gen: &fakeGenerator{delay: 200 * time.Millisecond}}
	h, err := NewHub(HubConfig{
		Registry:     testRegistry(),
		DefaultModel: "m1",
		Profile:      testProfile(),
		Loader:       ld,
		DrainTimeout: 30 * time.Millisecond,
		MaxWait:      time.Second,
	})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	defer h.Close()

	s, err := h.NewSession(context.Background(), "m1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, gerr := s.Generate(context.Background(), types.GenerateRequest{Prompt: "slow"})
		done <- gerr
	}()
	time.Sleep(50 * time.Millisecond)

	if err := h.Unload("m1"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if ld.gen.closed.Load() {
		t.Fatalf("generator closed while a generation was in flight")
	}
	if gerr := <-done; gerr != nil {
		t.Fatalf("generation must complete across unload: %v", gerr)
	}
	deadline := time.Now().Add(time.Second)
	for !ld.gen.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("generator not closed after the borrower released it")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubStatus(t *testing.T) {
	h := newTestHub(t, &fakeLoader{})
	if h.Ready() {
		t.Fatalf("hub must not be ready before any load")
	}
	if _, err := h.NewSession(context.Background(), "m2"); err != nil {
		t.Fatalf("new session: %v", err)
	}
	if !h.Ready() {
		t.Fatalf("hub must be ready with a resident handle")
	}
	st := h.Status()
	if len(st.Handles) != 1 || st.Handles[0].ModelID != "m2" {
		t.Fatalf("unexpected handles: %+v", st.Handles)
	}
	if st.LoadsTotal != 1 {
		t.Fatalf("expected 1 load, got %d", st.LoadsTotal)
	}
	if st.Profile.Bits != 4 {
		t.Fatalf("status must report the pinned profile, got %+v", st.Profile)
	}
}

func TestListModelsReturnsCopy(t *testing.T) {
	h := newTestHub(t, &fakeLoader{})
	out := h.ListModels()
	if len(out) != 2 {
		t.Fatalf("expected 2 models, got %d", len(out))
	}
	out[0].ID = "mutated"
	if h.ListModels()[0].ID != "m1" {
		t.Fatalf("registry mutated via returned slice")
	}
}
