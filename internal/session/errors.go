package session

import (
	"errors"
	"fmt"

	"gend/internal/backend"
)

// validationError reports a malformed request, caught before any backend
// work. Recoverable: the session stays usable.
type validationError struct{ msg string }

func (e validationError) Error() string { return "invalid request: " + e.msg }

func errValidation(format string, args ...any) error {
	return validationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err indicates a malformed request (400).
func IsValidation(err error) bool {
	var ve validationError
	return errors.As(err, &ve)
}

// configError reports an invalid quantization profile or a session used
// before Configure. Fatal to the attempt; the caller must reconfigure.
type configError struct{ msg string }

func (e configError) Error() string { return "config: " + e.msg }

func errConfig(format string, args ...any) error {
	return configError{msg: fmt.Sprintf(format, args...)}
}

// IsConfig reports whether err indicates an invalid profile or an
// unconfigured session.
func IsConfig(err error) bool {
	var ce configError
	return errors.As(err, &ce)
}

// interruptedError reports a caller-cancelled generation. The session moves
// to the interrupted state and stays there until Acknowledge.
type interruptedError struct {
	modelID string
	cause   error
}

func (e interruptedError) Error() string {
	return "generation interrupted: model=" + e.modelID + ": " + e.cause.Error()
}

func (e interruptedError) Unwrap() error { return e.cause }

// IsInterrupted reports whether err indicates a cancelled generation.
func IsInterrupted(err error) bool {
	var ie interruptedError
	return errors.As(err, &ie)
}

// awaitingAckError signals a Generate or Configure call on a session that
// was interrupted and not yet acknowledged. Fails fast, no backend work.
type awaitingAckError struct{}

func (awaitingAckError) Error() string {
	return "session interrupted: acknowledge before continuing"
}

// IsAwaitingAck reports whether err indicates an unacknowledged interruption.
func IsAwaitingAck(err error) bool {
	var ae awaitingAckError
	return errors.As(err, &ae)
}

// backendError wraps a failure surfaced by the external generator with
// enough context to reproduce the call. Never retried here: generation is
// expensive and non-idempotent with sampling enabled.
type backendError struct {
	modelID string
	opts    backend.Options
	cause   error
}

func (e backendError) Error() string {
	return fmt.Sprintf("backend: model=%s sample=%t top_k=%d max_new_tokens=%d num_return=%d: %v",
		e.modelID, e.opts.Sample, e.opts.TopK, e.opts.MaxNewTokens, e.opts.NumReturn, e.cause)
}

func (e backendError) Unwrap() error { return e.cause }

// IsBackend reports whether err wraps a generator-side failure.
func IsBackend(err error) bool {
	var be backendError
	return errors.As(err, &be)
}

// busyError signals queue timeout/overflow or a reentrant Generate, for
// 429 mapping.
type busyError struct{ modelID string }

func (e busyError) Error() string { return "too busy: " + e.modelID }

// IsBusy reports whether err indicates backpressure (return 429).
func IsBusy(err error) bool {
	var be busyError
	return errors.As(err, &be)
}

// modelNotFoundError indicates a requested model id absent from the registry.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound returns an error for a model id not present in the registry.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var ne modelNotFoundError
	return errors.As(err, &ne)
}

// unavailableError signals a missing generation runtime (e.g., a binary
// built without the llama tag) so the HTTP layer can return 503 instead
// of 500.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return e.msg }

// IsUnavailable reports whether err indicates a missing/failed runtime
// dependency.
func IsUnavailable(err error) bool {
	var ue unavailableError
	return errors.As(err, &ue)
}
