package session

// Event represents a session/hub lifecycle event.
// Minimal and stable: name, session id, model id, optional fields.
type Event struct {
	Name    string
	Session string
	Model   string
	Fields  map[string]any
}

// EventPublisher receives lifecycle events. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
