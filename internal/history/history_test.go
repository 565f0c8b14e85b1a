package history

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/HyphaGroup/portcullis/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord(sessionID string, turnID int, completedAt time.Time) *session.TurnRecord {
	return &session.TurnRecord{
		SessionID:   sessionID,
		TurnID:      turnID,
		Backend:     "fake",
		MachineID:   "local",
		StartedAt:   completedAt.Add(-2 * time.Second),
		CompletedAt: completedAt,
		StopReason:  "end_turn",
		Events: []session.Event{
			{TurnID: turnID, Sequence: 0, Kind: "agent_message_chunk", Payload: json.RawMessage(`{"text":"hi"}`)},
		},
	}
}

func TestStoreRecordAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i := 1; i <= 3; i++ {
		if err := store.RecordTurn(ctx, sampleRecord("s1", i, now)); err != nil {
			t.Fatalf("RecordTurn %d: %v", i, err)
		}
	}
	if err := store.RecordTurn(ctx, sampleRecord("s2", 1, now)); err != nil {
		t.Fatalf("RecordTurn s2: %v", err)
	}

	turns, err := store.ListTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	for i, turn := range turns {
		if turn.TurnID != i+1 {
			t.Errorf("turn %d id = %d, want %d", i, turn.TurnID, i+1)
		}
		if turn.EventCount != 1 || len(turn.Events) != 1 {
			t.Errorf("turn %d events = %d/%d", i, turn.EventCount, len(turn.Events))
		}
		if turn.StopReason != "end_turn" {
			t.Errorf("turn %d stop reason = %q", i, turn.StopReason)
		}
	}

	if string(turns[0].Events[0].Payload) != `{"text":"hi"}` {
		t.Errorf("payload = %s", turns[0].Events[0].Payload)
	}
}

func TestStoreRecordTurnIsIdempotentPerTurn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("s1", 1, time.Now())
	if err := store.RecordTurn(ctx, rec); err != nil {
		t.Fatalf("first RecordTurn: %v", err)
	}
	rec.StopReason = "cancelled"
	if err := store.RecordTurn(ctx, rec); err != nil {
		t.Fatalf("second RecordTurn: %v", err)
	}

	turns, err := store.ListTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1 (replaced, not duplicated)", len(turns))
	}
	if turns[0].StopReason != "cancelled" {
		t.Errorf("stop reason = %q, want cancelled", turns[0].StopReason)
	}
}

func TestStorePrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := store.RecordTurn(ctx, sampleRecord("s-old", 1, old)); err != nil {
		t.Fatalf("RecordTurn old: %v", err)
	}
	if err := store.RecordTurn(ctx, sampleRecord("s-new", 1, time.Now())); err != nil {
		t.Fatalf("RecordTurn new: %v", err)
	}

	removed, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("pruned = %d, want 1", removed)
	}

	remaining, err := store.ListTurns(ctx, "s-new")
	if err != nil || len(remaining) != 1 {
		t.Errorf("recent turn lost: %v, %d rows", err, len(remaining))
	}
	gone, err := store.ListTurns(ctx, "s-old")
	if err != nil || len(gone) != 0 {
		t.Errorf("old turn survived prune: %v, %d rows", err, len(gone))
	}
}
