package events

// Event is a typed notification raised by the adjudicator, the coin
// interpreters or the channel client.
type Event interface {
	EventType() string
}

// Emitter receives events. The chain host delivers them only after the
// transaction that raised them commits.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// Recorder keeps every emitted event in order. Tests use it to assert on
// what a transaction raised.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Emit(evt Event) {
	r.Events = append(r.Events, evt)
}

// Types lists the recorded event types in emission order.
func (r *Recorder) Types() []string {
	out := make([]string, len(r.Events))
	for i, evt := range r.Events {
		out[i] = evt.EventType()
	}
	return out
}
