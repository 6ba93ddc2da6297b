package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	retry "github.com/sethvargo/go-retry"

	"gend/internal/backend"
	"gend/pkg/types"
)

// Defaults applied when corresponding HubConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultIdleTTL       = 10 * time.Minute
	defaultDrainTimeout  = 5 * time.Second
)

// HubConfig encapsulates all tunables for Hub construction.
type HubConfig struct {
	Registry     []types.Model
	DefaultModel string
	Profile      types.QuantProfile
	// Device placement policy: "auto" (default) or an explicit device.
	Device string
	Loader backend.Loader

	MaxQueueDepth int
	MaxWait       time.Duration
	// IdleTTL is how long an unused model handle stays resident before its
	// generator is released.
	IdleTTL      time.Duration
	DrainTimeout time.Duration

	Publisher EventPublisher
	Logger    zerolog.Logger
}

// Hub owns loaded model handles and their teardown; sessions borrow from it.
// It loads generators on demand, serializes generation per underlying model
// instance via the handle gate, and evicts handles idle past IdleTTL.
type Hub struct {
	mu           sync.Mutex
	registry     []types.Model
	defaultModel string
	profile      types.QuantProfile
	device       string
	loader       backend.Loader

	handles *ttlcache.Cache[string, *Handle]
	loading map[string]chan struct{}

	maxQueueDepth int
	maxWait       time.Duration
	drainTimeout  time.Duration

	pub EventPublisher
	log zerolog.Logger

	startTime  time.Time
	lastErr    atomic.Value // string
	loads      atomic.Uint64
	evictions  atomic.Uint64
	interrupts atomic.Uint64
}

// NewHub validates the profile and constructs a Hub. The profile is pinned
// for the Hub's lifetime: every generator it loads uses it, and every
// session it creates is configured with it.
func NewHub(cfg HubConfig) (*Hub, error) {
	prof, err := normalizeProfile(cfg.Profile)
	if err != nil {
		return nil, err
	}
	if cfg.Loader == nil {
		return nil, errConfig("loader is required")
	}
	h := &Hub{
		registry:     cfg.Registry,
		defaultModel: cfg.DefaultModel,
		profile:      prof,
		device:       cfg.Device,
		loader:       cfg.Loader,
		loading:      make(map[string]chan struct{}),
		pub:          cfg.Publisher,
		log:          cfg.Logger,
		startTime:    time.Now(),
	}
	if h.device == "" {
		h.device = "auto"
	}
	if h.pub == nil {
		h.pub = noopPublisher{}
	}
	h.maxQueueDepth = cfg.MaxQueueDepth
	if h.maxQueueDepth <= 0 {
		h.maxQueueDepth = defaultMaxQueueDepth
	}
	h.maxWait = cfg.MaxWait
	if h.maxWait <= 0 {
		h.maxWait = defaultMaxWait
	}
	h.drainTimeout = cfg.DrainTimeout
	if h.drainTimeout <= 0 {
		h.drainTimeout = defaultDrainTimeout
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	h.handles = ttlcache.New[string, *Handle](
		ttlcache.WithTTL[string, *Handle](ttl),
	)
	h.handles.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Handle]) {
		// Retire asynchronously: the callback runs inside the cache and must
		// not block on in-flight generations.
		go h.retire(item.Value(), reason == ttlcache.EvictionReasonExpired)
	})
	go h.handles.Start()
	return h, nil
}

// Profile returns the hub's pinned quantization profile.
func (h *Hub) Profile() types.QuantProfile { return h.profile }

// ListModels returns the registry contents.
func (h *Hub) ListModels() []types.Model {
	h.mu.Lock()
	defer h.mu.Unlock()
	// shallow copy to avoid external mutation
	out := make([]types.Model, len(h.registry))
	copy(out, h.registry)
	return out
}

// Ready reports whether at least one model handle is resident.
func (h *Hub) Ready() bool {
	return h.handles.Len() > 0
}

// NewSession resolves modelID (falling back to the hub default), loads the
// model if needed, and returns a session bound to the shared handle and
// configured with the hub profile.
func (h *Hub) NewSession(ctx context.Context, modelID string, opts ...Option) (*Session, error) {
	hd, err := h.ensureHandle(ctx, modelID)
	if err != nil {
		return nil, err
	}
	all := append([]Option{WithPublisher(h.pub), WithLogger(h.log)}, opts...)
	s := New(hd, all...)
	if err := s.Configure(h.profile); err != nil {
		return nil, err
	}
	return s, nil
}

// Generate serves one request end to end for the HTTP layer: a per-request
// session streams NDJSON completion lines to w, followed by a final done
// line. Errors map to the session taxonomy.
func (h *Hub) Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error {
	s, err := h.NewSession(ctx, req.Model, WithSink(NewNDJSONSink(w, flush)))
	if err != nil {
		return err
	}
	res, err := s.Generate(ctx, req)
	if err != nil {
		if IsInterrupted(err) {
			h.interrupts.Add(1)
		}
		if IsBackend(err) {
			h.lastErr.Store(err.Error())
		}
		return err
	}
	end := map[string]any{
		"done":        true,
		"model":       res.Model,
		"completions": len(res.Completions),
	}
	b, _ := json.Marshal(end)
	if _, err := w.Write(append(b, '\n')); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

// Status builds a detailed status response for /status.
func (h *Hub) Status() types.StatusResponse {
	resp := types.StatusResponse{
		Profile:         h.profile,
		Device:          h.device,
		UptimeSeconds:   int64(time.Since(h.startTime) / time.Second),
		ServerTimeUnix:  time.Now().Unix(),
		EvictionsTotal:  h.evictions.Load(),
		LoadsTotal:      h.loads.Load(),
		InterruptsTotal: h.interrupts.Load(),
	}
	if v, ok := h.lastErr.Load().(string); ok {
		resp.LastError = v
	}
	items := h.handles.Items()
	resp.Handles = make([]types.HandleStatus, 0, len(items))
	for _, it := range items {
		hd := it.Value()
		st := types.HandleStatus{
			ModelID:       hd.ID,
			State:         hd.stateString(),
			LastUsed:      hd.LastUsed().Unix(),
			QueueLen:      hd.QueueLen(),
			MaxQueueDepth: cap(hd.queueCh),
		}
		if hd.Inflight() {
			st.Inflight = 1
		}
		resp.Handles = append(resp.Handles, st)
	}
	return resp
}

// Unload drains a model handle and releases its generator.
func (h *Hub) Unload(modelID string) error {
	if modelID == "" {
		return ErrModelNotFound("(unspecified)")
	}
	it := h.handles.Get(modelID, ttlcache.WithDisableTouchOnHit[string, *Handle]())
	if it == nil {
		return ErrModelNotFound(modelID)
	}
	h.pub.Publish(Event{Name: "unload_start", Model: modelID})
	it.Value().drain(h.drainTimeout)
	// Deleting triggers the eviction callback, which closes the generator.
	h.handles.Delete(modelID)
	h.pub.Publish(Event{Name: "unload_done", Model: modelID})
	return nil
}

// Close releases every resident handle and stops the expiration loop.
func (h *Hub) Close() error {
	h.handles.DeleteAll()
	h.handles.Stop()
	return nil
}

// resolve maps a possibly-empty model id to a registry entry.
func (h *Hub) resolve(modelID string) (types.Model, error) {
	if modelID == "" {
		modelID = h.defaultModel
		if modelID == "" {
			return types.Model{}, ErrModelNotFound("(unspecified)")
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, mdl := range h.registry {
		if mdl.ID == modelID {
			return mdl, nil
		}
	}
	return types.Model{}, ErrModelNotFound(modelID)
}

// ensureHandle returns the resident handle for modelID, loading the model
// if needed. Concurrent loads for the same id collapse to one.
func (h *Hub) ensureHandle(ctx context.Context, modelID string) (*Handle, error) {
	mdl, err := h.resolve(modelID)
	if err != nil {
		return nil, err
	}
	for {
		if it := h.handles.Get(mdl.ID); it != nil {
			return it.Value(), nil
		}
		h.mu.Lock()
		// Re-check under the lock: retire may have requeued a handle whose
		// TTL fired while it was still borrowed.
		if it := h.handles.Get(mdl.ID); it != nil {
			h.mu.Unlock()
			return it.Value(), nil
		}
		if ch, ok := h.loading[mdl.ID]; ok {
			h.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		h.loading[mdl.ID] = ch
		h.mu.Unlock()

		hd, lerr := h.load(ctx, mdl)

		h.mu.Lock()
		if lerr == nil {
			h.handles.Set(mdl.ID, hd, ttlcache.DefaultTTL)
		}
		delete(h.loading, mdl.ID)
		close(ch)
		h.mu.Unlock()
		if lerr != nil {
			return nil, lerr
		}
		return hd, nil
	}
}

// load builds a generator for mdl. Loading is idempotent (unlike
// generation), so transient failures are retried with fibonacci backoff.
func (h *Hub) load(ctx context.Context, mdl types.Model) (*Handle, error) {
	h.pub.Publish(Event{Name: "load_start", Model: mdl.ID})
	start := time.Now()
	var gen backend.TextGenerator
	b := retry.NewFibonacci(500 * time.Millisecond)
	err := retry.Do(ctx, retry.WithMaxRetries(2, b), func(ctx context.Context) error {
		g, lerr := h.loader.Load(ctx, mdl.Path, h.profile, h.device)
		if lerr != nil {
			if errors.Is(lerr, backend.ErrUnavailable) || ctx.Err() != nil {
				return lerr // permanent
			}
			return retry.RetryableError(lerr)
		}
		gen = g
		return nil
	})
	if err != nil {
		h.lastErr.Store(err.Error())
		h.pub.Publish(Event{Name: "load_error", Model: mdl.ID, Fields: map[string]any{"error": err.Error()}})
		if errors.Is(err, backend.ErrUnavailable) {
			return nil, unavailableError{msg: err.Error()}
		}
		return nil, err
	}
	h.loads.Add(1)
	h.log.Info().Str("model", mdl.ID).Dur("dur", time.Since(start)).Msg("model loaded")
	h.pub.Publish(Event{Name: "load_ready", Model: mdl.ID,
		Fields: map[string]any{"dur_ms": int(time.Since(start) / time.Millisecond)}})
	return newHandle(mdl.ID, gen, h.maxQueueDepth, h.maxWait), nil
}

// retire drains and closes an evicted handle. The generator is only freed
// once drain reports the handle empty: an idle expiry that raced an in-flight
// generation puts the handle back in the cache instead, and a deliberate
// unload waits out the borrowers.
func (h *Hub) retire(hd *Handle, expired bool) {
	if hd == nil {
		return
	}
	for !hd.drain(h.drainTimeout) {
		if expired && h.requeue(hd) {
			return
		}
	}
	if err := hd.Close(); err != nil {
		h.log.Error().Err(err).Str("model", hd.ID).Msg("handle close failed")
	}
	if expired {
		h.evictions.Add(1)
		h.pub.Publish(Event{Name: "evicted", Model: hd.ID})
	}
}

// requeue reinstates a still-borrowed handle whose TTL fired mid-generation.
// Returns false when a replacement for the same model already exists or is
// loading; the caller then keeps draining and closes this one.
func (h *Hub) requeue(hd *Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, loading := h.loading[hd.ID]; loading {
		return false
	}
	if h.handles.Get(hd.ID, ttlcache.WithDisableTouchOnHit[string, *Handle]()) != nil {
		return false
	}
	hd.reopen()
	h.handles.Set(hd.ID, hd, ttlcache.DefaultTTL)
	return true
}
