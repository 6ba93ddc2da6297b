// Package session turns a raw prompt plus loosely-typed options into exactly
// one validated invocation of an opaque text-generation backend. It owns
// request validation, option normalization, the per-session lifecycle state
// machine, and serialization of access to shared model instances. It does
// not own the backend: generators are loaded and torn down by the Hub (or
// whoever else calls the loader) and only borrowed here.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gend/internal/backend"
	"gend/pkg/types"
)

// State is the lifecycle state of a session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConfigured    State = "configured"
	StateGenerating    State = "generating"
	StateInterrupted   State = "interrupted"
)

// defaultMaxNewTokens applies when a request carries neither max_new_tokens
// nor max_length.
const defaultMaxNewTokens = 128

// Result is the outcome of one successful Generate call: completions in
// request order, exactly num_return_sequences of them. An interrupted run
// yields no Result; interruption surfaces as a typed error plus the
// session's interrupted state.
type Result struct {
	Model       string
	Completions []types.Completion
}

// Session is a single-caller generation session. It is non-reentrant: at
// most one Generate may be in flight, enforced by the generating state.
// Concurrent sessions may share one Handle; the handle serializes them.
type Session struct {
	id     string
	handle *Handle

	mu      sync.Mutex
	state   State
	profile types.QuantProfile

	sink Sink
	pub  EventPublisher
	log  zerolog.Logger
}

// Option customizes a Session.
type Option func(*Session)

// WithSink directs completions to sink, in order, as they are produced.
func WithSink(s Sink) Option { return func(se *Session) { se.sink = s } }

// WithPublisher installs a lifecycle event publisher.
func WithPublisher(p EventPublisher) Option { return func(se *Session) { se.pub = p } }

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(se *Session) { se.log = l } }

// New creates a session borrowing the given handle. The session starts
// uninitialized; Configure must succeed before the first Generate.
func New(h *Handle, opts ...Option) *Session {
	s := &Session{
		id:     uuid.NewString(),
		handle: h,
		state:  StateUninitialized,
		pub:    noopPublisher{},
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Configure validates and pins the quantization profile. Must be called
// before the first Generate; reconfiguring is allowed between requests but
// not while generating or while an interruption is unacknowledged.
func (s *Session) Configure(p types.QuantProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateGenerating:
		return errConfig("cannot reconfigure while generating")
	case StateInterrupted:
		return awaitingAckError{}
	}
	norm, err := normalizeProfile(p)
	if err != nil {
		return err
	}
	s.profile = norm
	s.state = StateConfigured
	s.pub.Publish(Event{Name: "configured", Session: s.id, Model: s.handle.ID,
		Fields: map[string]any{"bits": norm.Bits, "quant_type": norm.QuantType}})
	return nil
}

// Acknowledge clears an interrupted state, returning the session to
// configured. It is an error to acknowledge a session that was not
// interrupted; silently accepting would mask state machine bugs in callers.
func (s *Session) Acknowledge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInterrupted {
		return errValidation("session is not interrupted (state=%s)", s.state)
	}
	s.state = StateConfigured
	s.pub.Publish(Event{Name: "acknowledged", Session: s.id, Model: s.handle.ID})
	return nil
}

// Generate runs exactly one invocation of the borrowed generator for req.
// Validation failures never reach the backend. Cancellation of ctx while
// the call is in flight moves the session to interrupted and requires
// Acknowledge before the next request. There are no retries: with sampling
// enabled a retry silently changes the output, so retry semantics belong to
// the caller.
func (s *Session) Generate(ctx context.Context, req types.GenerateRequest) (*Result, error) {
	s.mu.Lock()
	switch s.state {
	case StateUninitialized:
		s.mu.Unlock()
		return nil, errConfig("session not configured")
	case StateGenerating:
		s.mu.Unlock()
		return nil, busyError{modelID: s.handle.ID}
	case StateInterrupted:
		s.mu.Unlock()
		return nil, awaitingAckError{}
	}
	s.state = StateGenerating
	s.mu.Unlock()

	res, err := s.generate(ctx, req)

	s.mu.Lock()
	if err != nil && IsInterrupted(err) {
		s.state = StateInterrupted
	} else {
		// Completed and failed both collapse back to configured.
		s.state = StateConfigured
	}
	s.mu.Unlock()
	return res, err
}

func (s *Session) generate(ctx context.Context, req types.GenerateRequest) (*Result, error) {
	// Admission: per-handle FIFO queue, single in-flight across all sessions
	// sharing the underlying model instance.
	release, err := s.handle.acquire(ctx)
	if err != nil {
		if isCancel(err) {
			s.pub.Publish(Event{Name: "interrupted", Session: s.id, Model: s.handle.ID})
			return nil, interruptedError{modelID: s.handle.ID, cause: err}
		}
		return nil, err
	}
	defer release()

	// Holding the in-flight slot keeps retirement out, so the generator
	// cannot be closed from here until release.
	gen := s.handle.Generator()
	if gen == nil {
		return nil, unavailableError{msg: "model handle closed"}
	}
	opts, err := s.normalize(req, gen)
	if err != nil {
		return nil, err
	}

	s.pub.Publish(Event{Name: "generate_start", Session: s.id, Model: s.handle.ID,
		Fields: map[string]any{"num_return": opts.NumReturn, "max_new_tokens": opts.MaxNewTokens}})

	// Exactly one call into the external capability per invocation.
	outs, err := gen.Generate(ctx, req.Prompt, opts)
	if err != nil {
		if isCancel(err) || ctx.Err() != nil {
			cause := ctx.Err()
			if cause == nil {
				cause = err
			}
			s.log.Info().Str("session", s.id).Str("model", s.handle.ID).Msg("generation interrupted")
			s.pub.Publish(Event{Name: "interrupted", Session: s.id, Model: s.handle.ID})
			return nil, interruptedError{modelID: s.handle.ID, cause: cause}
		}
		s.log.Error().Err(err).Str("session", s.id).Str("model", s.handle.ID).Msg("generation failed")
		s.pub.Publish(Event{Name: "generate_error", Session: s.id, Model: s.handle.ID,
			Fields: map[string]any{"error": err.Error()}})
		return nil, backendError{modelID: s.handle.ID, opts: opts, cause: err}
	}
	if len(outs) != opts.NumReturn {
		err := errors.New("completion count mismatch")
		return nil, backendError{modelID: s.handle.ID, opts: opts, cause: err}
	}

	res := &Result{Model: s.handle.ID, Completions: make([]types.Completion, 0, len(outs))}
	for _, text := range outs {
		c := types.Completion{Prompt: req.Prompt, Text: text}
		res.Completions = append(res.Completions, c)
		if s.sink != nil {
			if werr := s.sink.Write(c); werr != nil {
				return nil, werr
			}
		}
	}
	s.pub.Publish(Event{Name: "generate_done", Session: s.id, Model: s.handle.ID,
		Fields: map[string]any{"completions": len(res.Completions)}})
	return res, nil
}

// normalize validates req and produces backend options. All failures here
// are validation errors and happen before any expensive work.
func (s *Session) normalize(req types.GenerateRequest, gen backend.TextGenerator) (backend.Options, error) {
	var opts backend.Options
	if strings.TrimSpace(req.Prompt) == "" {
		return opts, errValidation("prompt is required")
	}
	n := req.NumReturnSequences
	if n == 0 {
		n = 1
	}
	if n < 1 {
		return opts, errValidation("num_return_sequences must be >= 1, got %d", req.NumReturnSequences)
	}
	opts.NumReturn = n

	if req.MaxNewTokens < 0 {
		return opts, errValidation("max_new_tokens must be positive, got %d", req.MaxNewTokens)
	}
	if req.MaxLength < 0 {
		return opts, errValidation("max_length must be positive, got %d", req.MaxLength)
	}
	switch {
	case req.MaxNewTokens > 0 && req.MaxLength > 0:
		return opts, errValidation("max_new_tokens and max_length are mutually exclusive")
	case req.MaxNewTokens > 0:
		opts.MaxNewTokens = req.MaxNewTokens
	case req.MaxLength > 0:
		// max_length is absolute: it must leave room beyond the prompt.
		promptTokens := gen.CountTokens(req.Prompt)
		if req.MaxLength <= promptTokens {
			return opts, errValidation("max_length %d must exceed prompt length of %d tokens", req.MaxLength, promptTokens)
		}
		opts.MaxNewTokens = req.MaxLength - promptTokens
	default:
		opts.MaxNewTokens = defaultMaxNewTokens
	}

	if req.Sample {
		if req.TopK < 0 {
			return opts, errValidation("top_k must be positive, got %d", req.TopK)
		}
		opts.Sample = true
		opts.TopK = req.TopK
		opts.Seed = req.Seed
	}
	// Sampling-only fields on a greedy request are ignored, not errors.

	if req.EOSTokenID != nil {
		opts.EOSTokenID = *req.EOSTokenID
	} else {
		opts.EOSTokenID = gen.EOSTokenID()
	}
	return opts, nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
