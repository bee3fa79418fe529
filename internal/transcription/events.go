package transcription

import (
	"sync"
	"time"
)

// EventType classifies messages emitted by the controller.
type EventType string

const (
	EventTypeStatus  EventType = "status"
	EventTypeAttempt EventType = "attempt"
	EventTypeWarning EventType = "warning"
	EventTypeError   EventType = "error"
	EventTypeResult  EventType = "result"
)

// Event is a sequenced payload consumed by UI subscribers.
type Event struct {
	Seq         int64     `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EventType `json:"type"`
	State       State     `json:"state"`
	JobID       string    `json:"job_id,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	MaxAttempts int       `json:"max_attempts,omitempty"`
	Message     string    `json:"message,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Transcript  string    `json:"transcript,omitempty"`
}

// EventBus stores recent events and provides incremental reads.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	now       func() time.Time
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		now:       time.Now,
	}
}

// Publish appends one event and assigns sequence and timestamp.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// LastSeq returns the sequence of the newest event.
func (b *EventBus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}
