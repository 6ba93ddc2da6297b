package session

import (
	"encoding/json"
	"io"

	"gend/pkg/types"
)

// Sink receives completions in request order as a generation produces them.
type Sink interface {
	Write(c types.Completion) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(c types.Completion) error

func (f SinkFunc) Write(c types.Completion) error { return f(c) }

// NDJSONSink writes one JSON line per completion to w, flushing after each
// line when a flusher is provided. This is the reference output shape: the
// CLI points it at stdout, the HTTP layer at the response writer.
type NDJSONSink struct {
	w     io.Writer
	flush func()
}

// NewNDJSONSink returns a sink streaming NDJSON lines to w. flush may be nil.
func NewNDJSONSink(w io.Writer, flush func()) *NDJSONSink {
	return &NDJSONSink{w: w, flush: flush}
}

func (s *NDJSONSink) Write(c types.Completion) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return err
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}
