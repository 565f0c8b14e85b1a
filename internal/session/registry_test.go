//go:build !windows

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/portcullis/internal/acp"
	"github.com/HyphaGroup/portcullis/internal/fault"
)

// fakeAgentScript is a POSIX shell agent speaking just enough of the
// protocol to drive the registry end to end over the local transport.
const fakeAgentScript = `
while IFS= read -r line; do
  id=${line#*\"id\":}; id=${id%%,*}
  case $line in
  *'"method":"initialize"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":1}}\n' "$id";;
  *'"method":"session/new"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"sessionId":"sess-local","models":{"currentModelId":"m1","availableModels":[{"modelId":"m1","name":"M1"}]}}}\n' "$id";;
  *'"method":"session/prompt"'*)
    printf '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"sess-local","update":{"sessionUpdate":"agent_message_chunk"}}}\n'
    printf '{"jsonrpc":"2.0","id":%s,"result":{"stopReason":"end_turn"}}\n' "$id";;
  esac
done
`

// slowAgentScript holds each prompt open for a second before answering.
const slowAgentScript = `
while IFS= read -r line; do
  id=${line#*\"id\":}; id=${id%%,*}
  case $line in
  *'"method":"initialize"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":1}}\n' "$id";;
  *'"method":"session/new"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"sessionId":"sess-slow"}}\n' "$id";;
  *'"method":"session/prompt"'*)
    sleep 1
    printf '{"jsonrpc":"2.0","id":%s,"result":{"stopReason":"end_turn"}}\n' "$id";;
  esac
done
`

// dyingAgentScript exits mid-turn.
const dyingAgentScript = `
while IFS= read -r line; do
  id=${line#*\"id\":}; id=${id%%,*}
  case $line in
  *'"method":"initialize"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":1}}\n' "$id";;
  *'"method":"session/new"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"sessionId":"sess-doomed"}}\n' "$id";;
  *'"method":"session/prompt"'*)
    exit 7;;
  esac
done
`

type capturedTurns struct {
	mu   sync.Mutex
	recs []*TurnRecord
}

func (c *capturedTurns) RecordTurn(_ context.Context, rec *TurnRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *capturedTurns) all() []*TurnRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*TurnRecord(nil), c.recs...)
}

func newTestRegistry(t *testing.T, script string, mutate func(*Config)) *Registry {
	t.Helper()
	cfg := Config{
		Backends: map[string]Backend{
			"fake": {Name: "fake", Command: "sh", Args: []string{"-c", script}},
		},
		HandshakeTimeout: 10 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r := NewRegistry(cfg)
	t.Cleanup(r.Close)
	return r
}

func mustCreate(t *testing.T, r *Registry) *CreateResult {
	t.Helper()
	res, err := r.Create(context.Background(), CreateRequest{Backend: "fake", MachineID: MachineLocal})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return res
}

func TestRegistryCreateAndPrompt(t *testing.T) {
	rec := &capturedTurns{}
	r := newTestRegistry(t, fakeAgentScript, func(c *Config) { c.Recorder = rec })

	res := mustCreate(t, r)
	if res.SessionID != "sess-local" {
		t.Errorf("session id = %q", res.SessionID)
	}
	if res.CurrentModel != "m1" || len(res.Models) != 1 {
		t.Errorf("models = %+v current %q", res.Models, res.CurrentModel)
	}

	events, err := r.Prompt(context.Background(), res.SessionID, []acp.ContentBlock{acp.TextBlock("hi")})
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Kind != "agent_message_chunk" {
		t.Errorf("event kind = %q", events[0].Kind)
	}
	if events[0].TurnID != 1 {
		t.Errorf("turn id = %d, want 1", events[0].TurnID)
	}

	turns := rec.all()
	if len(turns) != 1 {
		t.Fatalf("recorded %d turns, want 1", len(turns))
	}
	if turns[0].StopReason != "end_turn" || turns[0].SessionID != "sess-local" {
		t.Errorf("record = %+v", turns[0])
	}

	st, err := r.Describe(res.SessionID)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if st.Turns != 1 || st.EventCount != 1 || st.State != "ready" {
		t.Errorf("status = %+v", st)
	}
}

func TestRegistryCreateUnknownBackend(t *testing.T) {
	r := newTestRegistry(t, fakeAgentScript, nil)
	_, err := r.Create(context.Background(), CreateRequest{Backend: "nope"})
	if !fault.Is(err, fault.SpawnFailed) {
		t.Errorf("error = %v, want spawn_failed", err)
	}
}

func TestRegistryCreateHandshakeFailureRollsBack(t *testing.T) {
	r := newTestRegistry(t, "exit 0", nil)
	_, err := r.Create(context.Background(), CreateRequest{Backend: "fake"})
	if !fault.Is(err, fault.HandshakeFailed) {
		t.Fatalf("error = %v, want handshake_failed", err)
	}
	if got := len(r.List()); got != 0 {
		t.Errorf("registered sessions after failed create = %d, want 0", got)
	}
}

func TestRegistryDuplicateSessionIDRejected(t *testing.T) {
	r := newTestRegistry(t, fakeAgentScript, nil)
	mustCreate(t, r)
	_, err := r.Create(context.Background(), CreateRequest{Backend: "fake"})
	if !fault.Is(err, fault.HandshakeFailed) {
		t.Errorf("second create = %v, want handshake_failed", err)
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("registered sessions = %d, want 1", got)
	}
}

func TestRegistryPromptUnknownSession(t *testing.T) {
	r := newTestRegistry(t, fakeAgentScript, nil)
	_, err := r.Prompt(context.Background(), "ghost", []acp.ContentBlock{acp.TextBlock("x")})
	if !fault.Is(err, fault.SessionNotFound) {
		t.Errorf("error = %v, want session_not_found", err)
	}
}

func TestRegistryConcurrentPromptsQueue(t *testing.T) {
	r := newTestRegistry(t, fakeAgentScript, nil)
	res := mustCreate(t, r)

	var wg sync.WaitGroup
	counts := make(chan int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, err := r.Prompt(context.Background(), res.SessionID, []acp.ContentBlock{acp.TextBlock("turn")})
			if err != nil {
				t.Errorf("Prompt: %v", err)
				return
			}
			counts <- len(events)
		}()
	}
	wg.Wait()
	close(counts)

	// Queued turns never interleave: each returned log holds exactly the
	// one event its own turn produced.
	for n := range counts {
		if n != 1 {
			t.Errorf("turn returned %d events, want 1", n)
		}
	}

	st, err := r.Describe(res.SessionID)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if st.Turns != 2 {
		t.Errorf("turns = %d, want 2", st.Turns)
	}
}

func TestRegistryRejectBusy(t *testing.T) {
	r := newTestRegistry(t, slowAgentScript, func(c *Config) { c.RejectBusy = true })
	res := mustCreate(t, r)

	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Prompt(context.Background(), res.SessionID, []acp.ContentBlock{acp.TextBlock("slow")})
		firstDone <- err
	}()

	time.Sleep(200 * time.Millisecond) // let the first turn take the lock
	_, err := r.Prompt(context.Background(), res.SessionID, []acp.ContentBlock{acp.TextBlock("eager")})
	if !fault.Is(err, fault.SessionBusy) {
		t.Errorf("concurrent prompt = %v, want session_busy", err)
	}

	if err := <-firstDone; err != nil {
		t.Errorf("first prompt: %v", err)
	}
}

func TestRegistryCancelledPromptTearsDownSession(t *testing.T) {
	r := newTestRegistry(t, slowAgentScript, nil)
	res := mustCreate(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := r.Prompt(ctx, res.SessionID, []acp.ContentBlock{acp.TextBlock("slow")})
	if err != context.DeadlineExceeded {
		t.Fatalf("Prompt = %v, want context.DeadlineExceeded", err)
	}

	// An abandoned turn leaves the agent in an unknown state, so the
	// process is killed and the session id stops resolving.
	if _, err := r.Describe(res.SessionID); !fault.Is(err, fault.SessionNotFound) {
		t.Errorf("Describe after cancelled prompt = %v, want session_not_found", err)
	}
	if got := len(r.List()); got != 0 {
		t.Errorf("registered sessions after cancelled prompt = %d, want 0", got)
	}
}

func TestRegistryTerminateIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, fakeAgentScript, nil)
	res := mustCreate(t, r)

	if err := r.Terminate(res.SessionID); err != nil {
		t.Fatalf("first Terminate: %v", err)
	}
	if err := r.Terminate(res.SessionID); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if err := r.Terminate("never-existed"); err != nil {
		t.Fatalf("Terminate of unknown id: %v", err)
	}

	if _, err := r.Describe(res.SessionID); !fault.Is(err, fault.SessionNotFound) {
		t.Errorf("Describe after terminate = %v, want session_not_found", err)
	}
}

func TestRegistryProcessDeathRemovesSession(t *testing.T) {
	r := newTestRegistry(t, dyingAgentScript, nil)
	res := mustCreate(t, r)

	_, err := r.Prompt(context.Background(), res.SessionID, []acp.ContentBlock{acp.TextBlock("boom")})
	if !fault.Is(err, fault.SessionClosed) {
		t.Fatalf("Prompt = %v, want session_closed", err)
	}

	if _, err := r.Describe(res.SessionID); !fault.Is(err, fault.SessionNotFound) {
		t.Errorf("Describe after death = %v, want session_not_found", err)
	}
}

func TestRegistryReapIdle(t *testing.T) {
	r := newTestRegistry(t, fakeAgentScript, nil)
	res := mustCreate(t, r)

	time.Sleep(20 * time.Millisecond)
	if got := r.ReapIdle(time.Millisecond); got != 1 {
		t.Errorf("reaped = %d, want 1", got)
	}
	if _, err := r.Describe(res.SessionID); !fault.Is(err, fault.SessionNotFound) {
		t.Errorf("Describe after reap = %v, want session_not_found", err)
	}
}

func TestRegistryMaxSessions(t *testing.T) {
	r := newTestRegistry(t, fakeAgentScript, func(c *Config) { c.MaxSessions = 1 })
	mustCreate(t, r)
	_, err := r.Create(context.Background(), CreateRequest{Backend: "fake"})
	if !fault.Is(err, fault.SessionBusy) {
		t.Errorf("create past limit = %v, want session_busy", err)
	}
}
