package emit

import "sync"

// BufferedEmitter captures events in memory, organized per run, with query
// support. Intended for tests, debugging, and post-execution analysis.
//
// All events are retained until cleared: long-running deployments should
// prefer a log or OTel backend, or call Clear between runs.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events in emit order
}

// HistoryFilter selects events from a run's history. All set fields must
// match (AND logic); zero-valued fields do not filter.
type HistoryFilter struct {
	// NodeID filters by graph node.
	NodeID string

	// Msg filters by event name.
	Msg string

	// MinVersion and MaxVersion bound the stream position (nil = no bound).
	MinVersion *int
	MaxVersion *int
}

// NewBufferedEmitter creates an empty capture buffer.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns a copy of all events for a run, in emit order.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the run's events matching the filter, in emit
// order.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []Event{}
	for _, event := range b.events[runID] {
		if matches(event, filter) {
			out = append(out, event)
		}
	}
	return out
}

func matches(event Event, filter HistoryFilter) bool {
	if filter.NodeID != "" && event.NodeID != filter.NodeID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinVersion != nil && event.Version < *filter.MinVersion {
		return false
	}
	if filter.MaxVersion != nil && event.Version > *filter.MaxVersion {
		return false
	}
	return true
}

// Clear drops stored events for one run, or for all runs when runID is
// empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
