package session

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestEventLogAppendAndSnapshot(t *testing.T) {
	log := NewEventLog("s1", 10)
	turn := log.BeginTurn()
	if turn != 1 {
		t.Fatalf("first turn id = %d, want 1", turn)
	}

	for i := 0; i < 3; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))
		if seq := log.Append("chunk", payload); seq != i {
			t.Errorf("sequence = %d, want %d", seq, i)
		}
	}

	events := log.Snapshot()
	if len(events) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(events))
	}
	for i, e := range events {
		if e.Sequence != i || e.TurnID != 1 || e.Kind != "chunk" {
			t.Errorf("event %d = %+v", i, e)
		}
	}
}

func TestEventLogBeginTurnClearsButSequenceStaysMonotone(t *testing.T) {
	log := NewEventLog("s1", 10)
	log.BeginTurn()
	log.Append("a", nil)
	log.Append("a", nil)

	turn := log.BeginTurn()
	if turn != 2 {
		t.Errorf("turn id = %d, want 2", turn)
	}
	if log.Len() != 0 {
		t.Errorf("log not cleared at turn start: len = %d", log.Len())
	}

	seq := log.Append("b", nil)
	if seq != 2 {
		t.Errorf("sequence after reset = %d, want 2 (monotone across turns)", seq)
	}
	events := log.Snapshot()
	if len(events) != 1 || events[0].TurnID != 2 {
		t.Errorf("snapshot = %+v", events)
	}
}

func TestEventLogOverflowDropsOldest(t *testing.T) {
	log := NewEventLog("s1", 2)
	log.BeginTurn()
	log.Append("e", json.RawMessage(`0`))
	log.Append("e", json.RawMessage(`1`))
	log.Append("e", json.RawMessage(`2`))

	if log.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", log.Dropped())
	}
	events := log.Snapshot()
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	// Oldest lost, order intact.
	if events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Errorf("sequences = %d,%d, want 1,2", events[0].Sequence, events[1].Sequence)
	}
}
