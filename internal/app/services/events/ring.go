package events

import (
	"sync"

	"github.com/pipeflow/automation/internal/app/domain/event"
)

// ringSize is the number of recently emitted events kept in memory for
// inspection. The event log remains the durable record; the ring exists so
// operators can look at live traffic without a store query.
const ringSize = 256

// eventRing is a thread-safe circular buffer of emitted events.
type eventRing struct {
	mu     sync.RWMutex
	events []event.AutomationEvent
	size   int
	head   int
	count  int
}

func newEventRing(size int) *eventRing {
	if size <= 0 {
		size = ringSize
	}
	return &eventRing{
		events: make([]event.AutomationEvent, size),
		size:   size,
	}
}

func (rb *eventRing) add(evt event.AutomationEvent) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.events[rb.head] = evt
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
}

// recent returns the most recently emitted events, newest first.
func (rb *eventRing) recent(n int) []event.AutomationEvent {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}
	result := make([]event.AutomationEvent, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		result[i] = rb.events[idx]
	}
	return result
}

// recentByType returns the most recent events of one type, newest first.
func (rb *eventRing) recentByType(eventType string, n int) []event.AutomationEvent {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	var result []event.AutomationEvent
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if rb.events[idx].Type == eventType {
			result = append(result, rb.events[idx])
		}
	}
	return result
}
