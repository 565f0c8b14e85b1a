// Package session owns the live session table: it picks a transport, drives
// the protocol handshake, serializes prompt turns, and is the only place
// that mutates session state.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/HyphaGroup/portcullis/internal/acp"
	"github.com/HyphaGroup/portcullis/internal/fault"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/proc"
)

// Backend describes how to launch one agent CLI backend.
type Backend struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Session is one live agent conversation and everything it owns: the
// process handle, the protocol client, and the event log. A session is
// exclusively owned by the registry that created it.
type Session struct {
	ID        string
	Backend   string
	MachineID string
	CreatedAt time.Time

	client *acp.Client
	handle proc.Handle
	log    *EventLog

	// turnMu serializes prompt turns. A second prompt queues behind the
	// first so turn order matches arrival order.
	turnMu sync.Mutex

	mu         sync.Mutex
	lastActive time.Time
	turns      int

	endOnce sync.Once
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns when the session last started or finished a turn.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Turns returns how many prompt turns have completed.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// State reports the protocol client's lifecycle state.
func (s *Session) State() acp.State {
	return s.client.State()
}

// end records the session's terminal metrics exactly once, however many
// teardown paths race to it.
func (s *Session) end(outcome string) {
	s.endOnce.Do(func() {
		metrics.RecordSessionEnd(s.Backend, outcome, time.Since(s.CreatedAt).Seconds())
		logger.Info("session %s ended (%s) after %d turns", s.ID, outcome, s.Turns())
	})
}

// runTurn executes one prompt turn against the agent. The caller must hold
// turnMu. The log is cleared at turn start and never mid-turn.
func (s *Session) runTurn(ctx context.Context, blocks []acp.ContentBlock) (turnID int, stopReason string, events []Event, err error) {
	s.touch()
	turnID = s.log.BeginTurn()
	started := time.Now()

	stopReason, err = s.client.Prompt(ctx, blocks)
	s.touch()
	if err != nil {
		metrics.RecordPromptTurn(s.Backend, string(fault.KindOf(err)), time.Since(started).Seconds())
		return turnID, "", nil, err
	}

	s.mu.Lock()
	s.turns++
	s.mu.Unlock()
	metrics.RecordPromptTurn(s.Backend, "ok", time.Since(started).Seconds())
	return turnID, stopReason, s.log.Snapshot(), nil
}
