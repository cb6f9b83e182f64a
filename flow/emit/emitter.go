package emit

// Emitter receives observability events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: never slow down the engine's tick loop
//   - Thread-safe: ticks of different instances emit concurrently
//   - Resilient: a failing backend must not crash a workflow
//
// Common patterns: buffering with batched flushes, filtering (errors
// only), fan-out to multiple backends, sampling for high-volume runs.
type Emitter interface {
	// Emit sends one event to the configured backend. It must not panic;
	// backend errors are handled (or dropped) internally.
	Emit(event Event)
}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
