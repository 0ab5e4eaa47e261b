package session

// Event is a session lifecycle event: a name, the session it belongs to
// and optional fields.
type Event struct {
	Name      string
	SessionID string
	Fields    map[string]any
}

const (
	EventOpen          = "open"
	EventLayerLoaded   = "layer_loaded"
	EventLayerUnloaded = "layer_unloaded"
	EventLayerEvicted  = "layer_evicted"
	EventLayerFailed   = "layer_failed"
	EventPrepareFailed = "prepare_failed"
	EventPassDone      = "pass_done"
	EventPassFailed    = "pass_failed"
	EventClose         = "close"
)

// EventPublisher receives session events. Publish is called with cache or
// loader locks held; it must be non-blocking and must not call back into
// the session.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
