package session

import (
	"context"
	"sync"
	"time"

	"gend/internal/backend"
)

// handleState tracks a loaded model handle's lifecycle.
type handleState string

const (
	handleReady    handleState = "ready"
	handleDraining handleState = "draining"
)

// Handle wraps one loaded model instance shared by any number of sessions.
// The underlying generator mutates internal cache state during decoding, so
// at most one generation may run on it at a time regardless of session
// count; genCh is the single in-flight slot and queueCh bounds FIFO waiting.
type Handle struct {
	ID string

	mu       sync.Mutex
	state    handleState
	lastUsed time.Time

	gen     backend.TextGenerator
	genCh   chan struct{} // size 1: single in-flight generation
	queueCh chan struct{} // buffered: queue slots
	maxWait time.Duration
}

func newHandle(id string, gen backend.TextGenerator, queueDepth int, maxWait time.Duration) *Handle {
	return &Handle{
		ID:       id,
		state:    handleReady,
		lastUsed: time.Now(),
		gen:      gen,
		genCh:    make(chan struct{}, 1),
		queueCh:  make(chan struct{}, queueDepth),
		maxWait:  maxWait,
	}
}

// Generator exposes the borrowed generation capability. Returns nil once the
// handle is closed.
func (h *Handle) Generator() backend.TextGenerator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen
}

// acquire reserves a queue slot and then the single in-flight slot.
// Returns a release func to be deferred.
//
// The protocol against drain: queue reservation happens under the same lock
// as the draining check, and every slot taken on the slow paths is re-checked
// against the draining state before it counts. drain marks the state before
// inspecting the slots, so either an acquirer holds a slot when drain looks
// (drain waits) or the acquirer observes draining and backs out. A generator
// is therefore never closed while a caller holds the in-flight slot.
func (h *Handle) acquire(ctx context.Context) (func(), error) {
	// Fast path: respect an already-canceled context.
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}

	h.mu.Lock()
	if h.state == handleDraining {
		h.mu.Unlock()
		return func() {}, busyError{modelID: h.ID}
	}
	queued := false
	select {
	case h.queueCh <- struct{}{}:
		queued = true
	default:
	}
	h.mu.Unlock()

	if !queued {
		timer := time.NewTimer(h.maxWait)
		defer timer.Stop()
		select {
		case h.queueCh <- struct{}{}:
			// reserved queue slot
		case <-ctx.Done():
			return func() {}, ctx.Err()
		case <-timer.C:
			return func() {}, busyError{modelID: h.ID}
		}
		if h.draining() {
			<-h.queueCh
			return func() {}, busyError{modelID: h.ID}
		}
	}

	// Wait to acquire the single in-flight slot.
	acquired := false
	defer func() {
		if !acquired {
			<-h.queueCh
		}
	}()
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	timer2 := time.NewTimer(h.maxWait)
	defer timer2.Stop()
	select {
	case h.genCh <- struct{}{}:
		if h.draining() {
			<-h.genCh
			return func() {}, busyError{modelID: h.ID}
		}
		acquired = true
		h.mu.Lock()
		h.lastUsed = time.Now()
		h.mu.Unlock()
		return func() { <-h.genCh; <-h.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer2.C:
		return func() {}, busyError{modelID: h.ID}
	}
}

func (h *Handle) draining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == handleDraining
}

// drain marks the handle draining and waits up to timeout for in-flight and
// queued work to finish. Returns false if work was still pending at the
// deadline; the caller must not close the generator until drain reports true.
func (h *Handle) drain(timeout time.Duration) bool {
	h.mu.Lock()
	h.state = handleDraining
	h.mu.Unlock()
	deadline := time.Now().Add(timeout)
	for {
		if len(h.genCh) == 0 && len(h.queueCh) == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// reopen returns a draining handle to service, used when idle retirement
// found the handle still borrowed and put it back.
func (h *Handle) reopen() {
	h.mu.Lock()
	h.state = handleReady
	h.mu.Unlock()
}

// Close releases the underlying generator. Callers must drain first; a
// successful drain keeps new acquirers out, so nobody can be borrowing the
// generator when it is freed.
func (h *Handle) Close() error {
	h.mu.Lock()
	gen := h.gen
	h.gen = nil
	h.mu.Unlock()
	if gen == nil {
		return nil
	}
	return gen.Close()
}

// Inflight reports whether a generation currently holds the in-flight slot.
func (h *Handle) Inflight() bool { return len(h.genCh) > 0 }

// QueueLen reports the number of occupied queue slots.
func (h *Handle) QueueLen() int { return len(h.queueCh) }

// LastUsed reports when the handle last served a request.
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

func (h *Handle) stateString() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.state)
}
