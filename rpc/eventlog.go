package rpc

import (
	"strings"
	"sync"

	"github.com/conduit-ucpi/contracts/core/events"
)

const defaultEventLogCapacity = 1024

// StoredEvent is the wire form of a recorded escrow event.
type StoredEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventLog is a bounded in-memory emitter that keeps the most recent events
// for the escrow_listEvents query. It satisfies events.Emitter, so the engine
// and factory can publish straight into it.
type EventLog struct {
	mu       sync.Mutex
	capacity int
	next     uint64
	entries  []StoredEvent
}

func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = defaultEventLogCapacity
	}
	return &EventLog{capacity: capacity}
}

// Emit records the event, evicting the oldest entry once the capacity is
// reached.
func (l *EventLog) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	entry := StoredEvent{
		Sequence:   l.next,
		Type:       evt.EventType(),
		Attributes: evt.Attributes(),
	}
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
}

// List returns up to limit recorded events whose type carries the prefix,
// newest last. A non-positive limit returns everything retained.
func (l *EventLog) List(prefix string, limit int) []StoredEvent {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	filtered := make([]StoredEvent, 0, len(l.entries))
	for _, entry := range l.entries {
		if prefix != "" && !strings.HasPrefix(entry.Type, prefix) {
			continue
		}
		filtered = append(filtered, entry)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}
