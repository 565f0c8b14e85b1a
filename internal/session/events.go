package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/HyphaGroup/portcullis/internal/metrics"
)

// DefaultEventLogSize bounds how many events one turn retains.
const DefaultEventLogSize = 1000

// Event is one streamed session update in its backend-neutral envelope.
// Payload stays opaque: the bridge sequences and stores events, it never
// interprets their contents.
type Event struct {
	TurnID    int             `json:"turn_id"`
	Sequence  int             `json:"sequence"`
	Kind      string          `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventLog is the per-session, append-only event store. The log holds one
// prompt turn at a time: BeginTurn clears it, and it is never cleared
// mid-turn. Sequence numbers increase monotonically for the life of the
// session, so a reader can always tell where a snapshot sits in the stream.
//
// The log is bounded. When a turn produces more events than the cap, the
// oldest events of that turn are dropped and counted; slow consumers lose
// history, never ordering.
type EventLog struct {
	mu        sync.RWMutex
	sessionID string
	events    []Event
	maxSize   int
	turnID    int
	nextSeq   int
	dropped   int64
}

// NewEventLog creates an event log bounded at maxSize events per turn.
func NewEventLog(sessionID string, maxSize int) *EventLog {
	if maxSize <= 0 {
		maxSize = DefaultEventLogSize
	}
	return &EventLog{
		sessionID: sessionID,
		events:    make([]Event, 0, maxSize),
		maxSize:   maxSize,
	}
}

// setSessionID renames the log once the handshake assigns the real id.
func (l *EventLog) setSessionID(id string) {
	l.mu.Lock()
	l.sessionID = id
	l.mu.Unlock()
}

// BeginTurn clears the log for a new prompt turn and returns the turn id.
func (l *EventLog) BeginTurn() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turnID++
	l.events = l.events[:0]
	return l.turnID
}

// Append records one event in arrival order and returns its sequence number.
func (l *EventLog) Append(kind string, payload json.RawMessage) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.nextSeq
	l.nextSeq++

	if len(l.events) >= l.maxSize {
		l.events = l.events[1:]
		l.dropped++
		metrics.RecordEventDrop(l.sessionID)
	}
	l.events = append(l.events, Event{
		TurnID:    l.turnID,
		Sequence:  seq,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	return seq
}

// Snapshot returns a copy of the current turn's events.
func (l *EventLog) Snapshot() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of buffered events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Dropped returns how many events were lost to overflow.
func (l *EventLog) Dropped() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}
