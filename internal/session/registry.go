package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/portcullis/internal/acp"
	"github.com/HyphaGroup/portcullis/internal/fault"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/machine"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/permission"
	"github.com/HyphaGroup/portcullis/internal/proc"
	"github.com/HyphaGroup/portcullis/internal/proc/dockerproc"
	"github.com/HyphaGroup/portcullis/internal/remote"
)

// MachineLocal selects the local execution transport.
const MachineLocal = "local"

// dockerPrefix selects the container transport: "docker:<container-id>".
const dockerPrefix = "docker:"

// DefaultHandshakeTimeout bounds initialize + session creation.
const DefaultHandshakeTimeout = 30 * time.Second

// Recorder persists completed prompt turns. Implementations are best-effort
// collaborators: a recording failure never fails the turn.
type Recorder interface {
	RecordTurn(ctx context.Context, rec *TurnRecord) error
}

// TurnRecord is one completed prompt turn as handed to a Recorder.
type TurnRecord struct {
	SessionID   string
	TurnID      int
	Backend     string
	MachineID   string
	StartedAt   time.Time
	CompletedAt time.Time
	StopReason  string
	Events      []Event
}

// CreateRequest selects a backend and an execution location for a session.
type CreateRequest struct {
	Backend     string
	MachineID   string // "", "local", "docker:<id>", or a catalog machine id
	WorkingDir  string
	ToolServers []acp.ToolServer
}

// CreateResult is the handshake metadata returned to the caller.
type CreateResult struct {
	SessionID    string      `json:"session_id"`
	Models       []acp.Model `json:"models,omitempty"`
	CurrentModel string      `json:"current_model,omitempty"`
	Modes        []acp.Mode  `json:"modes,omitempty"`
	CurrentMode  string      `json:"current_mode,omitempty"`
}

// Status is a read-only session snapshot.
type Status struct {
	SessionID  string    `json:"session_id"`
	Backend    string    `json:"backend"`
	MachineID  string    `json:"machine_id,omitempty"`
	State      string    `json:"state"`
	EventCount int       `json:"event_count"`
	Turns      int       `json:"turns"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Config wires a Registry's collaborators.
type Config struct {
	Backends   map[string]Backend
	Machines   *machine.Catalog
	Dialer     *remote.Dialer
	Docker     *dockerproc.Transport // nil disables the container transport
	Negotiator permission.Negotiator
	Recorder   Recorder // nil disables turn history

	HandshakeTimeout time.Duration
	EventLogSize     int
	MaxSessions      int // 0 = unlimited
	// RejectBusy makes a concurrent prompt on a busy session fail with
	// SessionBusy instead of queueing behind the in-flight turn.
	RejectBusy bool
}

// Registry is the sole owner of live sessions. Every public operation is
// keyed by session id and safe under concurrent callers; the map is the
// only shared mutable state and all mutations happen under one mutex.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Negotiator == nil {
		cfg.Negotiator = permission.AutoPolicy{}
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create spawns an agent process on the requested machine, drives the
// protocol handshake, and registers the session. Any failure rolls the
// whole attempt back: the process is killed and nothing is registered.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	backend, ok := r.cfg.Backends[req.Backend]
	if !ok {
		return nil, fault.New(fault.SpawnFailed, "unknown backend %q", req.Backend)
	}
	if err := r.checkCapacity(); err != nil {
		return nil, err
	}

	// The handle must outlive this request: transports tie the process to
	// the spawn context, so it gets a background one. Caller cancellation
	// still bounds the handshake below, and handshake failure kills the
	// process. Connect timeouts are the transports' own.
	handle, err := r.openHandle(context.Background(), backend, req.MachineID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Backend:    req.Backend,
		MachineID:  req.MachineID,
		CreatedAt:  time.Now(),
		handle:     handle,
		lastActive: time.Now(),
	}
	// The log's session id is filled in after the handshake assigns one;
	// until then drops are attributed to the placeholder.
	s.log = NewEventLog("pending", r.cfg.EventLogSize)
	s.client = acp.NewClient(handle, acp.Config{
		Negotiator: r.cfg.Negotiator,
		OnUpdate: func(u acp.Update) {
			s.log.Append(u.Kind, u.Payload)
		},
	})

	hsCtx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	defer cancel()

	if err := s.client.Initialize(hsCtx); err != nil {
		s.client.Close()
		return nil, err
	}
	info, err := s.client.NewSession(hsCtx, req.WorkingDir, req.ToolServers)
	if err != nil {
		s.client.Close()
		return nil, err
	}
	s.ID = info.SessionID
	s.log.setSessionID(info.SessionID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.client.Close()
		return nil, fault.New(fault.SessionClosed, "registry is shut down")
	}
	if _, exists := r.sessions[s.ID]; exists {
		r.mu.Unlock()
		s.client.Close()
		return nil, fault.New(fault.HandshakeFailed, "agent returned duplicate session id %s", s.ID)
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	metrics.RecordSessionStart(s.Backend)
	logger.Info("session %s created: backend=%s machine=%s", s.ID, s.Backend, machineLabel(s.MachineID))

	// When the process ends, by any path, the entry comes out of the map
	// so later calls get SessionNotFound instead of a dead session.
	go func() {
		<-s.client.Done()
		r.remove(s)
		s.end("closed")
	}()

	return &CreateResult{
		SessionID:    info.SessionID,
		Models:       info.Models,
		CurrentModel: info.CurrentModel,
		Modes:        info.Modes,
		CurrentMode:  info.CurrentMode,
	}, nil
}

// Prompt sends one user turn and returns the events the turn produced.
// Turns on the same session never interleave: a concurrent prompt queues
// (or fails with SessionBusy when the registry is configured to reject).
func (r *Registry) Prompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock) ([]Event, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	if r.cfg.RejectBusy {
		if !s.turnMu.TryLock() {
			return nil, fault.New(fault.SessionBusy, "session %s has a turn in flight", sessionID)
		}
	} else {
		s.turnMu.Lock()
	}
	defer s.turnMu.Unlock()

	started := time.Now()
	turnID, stopReason, events, err := s.runTurn(ctx, blocks)
	if err != nil {
		switch {
		case fault.Is(err, fault.SessionClosed):
			r.remove(s)
			s.end("died")
		case ctx.Err() != nil:
			// The client already killed the process after notifying the
			// agent; drop the registration too so the id stops resolving.
			r.remove(s)
			s.end("cancelled")
		}
		return nil, err
	}

	if r.cfg.Recorder != nil {
		rec := &TurnRecord{
			SessionID:   s.ID,
			TurnID:      turnID,
			Backend:     s.Backend,
			MachineID:   s.MachineID,
			StartedAt:   started,
			CompletedAt: time.Now(),
			StopReason:  stopReason,
			Events:      events,
		}
		if herr := r.cfg.Recorder.RecordTurn(ctx, rec); herr != nil {
			logger.Error("recording turn %d of session %s: %v", turnID, s.ID, herr)
		}
	}
	return events, nil
}

// Terminate kills the session's process and removes it. Idempotent: a
// missing id is not an error, and a second call is a no-op.
func (r *Registry) Terminate(sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	s.client.Close()
	s.end("terminated")
	return nil
}

// Describe returns a read-only snapshot of one session.
func (r *Registry) Describe(sessionID string) (*Status, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return &Status{
		SessionID:  s.ID,
		Backend:    s.Backend,
		MachineID:  s.MachineID,
		State:      s.State().String(),
		EventCount: s.log.Len(),
		Turns:      s.Turns(),
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive(),
	}, nil
}

// List returns a snapshot of every live session.
func (r *Registry) List() []*Status {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := make([]*Status, 0, len(all))
	for _, s := range all {
		out = append(out, &Status{
			SessionID:  s.ID,
			Backend:    s.Backend,
			MachineID:  s.MachineID,
			State:      s.State().String(),
			EventCount: s.log.Len(),
			Turns:      s.Turns(),
			CreatedAt:  s.CreatedAt,
			LastActive: s.LastActive(),
		})
	}
	return out
}

// ReapIdle terminates sessions idle for longer than idleFor and reports how
// many were reaped.
func (r *Registry) ReapIdle(idleFor time.Duration) int {
	cutoff := time.Now().Add(-idleFor)
	var stale []string
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.LastActive().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		logger.Info("reaping idle session %s", id)
		_ = r.Terminate(id)
	}
	return len(stale)
}

// Close terminates every session. The registry accepts no new sessions
// afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		all = append(all, id)
	}
	r.mu.Unlock()
	for _, id := range all {
		_ = r.Terminate(id)
	}
}

func (r *Registry) lookup(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fault.New(fault.SessionNotFound, "no session %s", sessionID)
	}
	return s, nil
}

// remove deletes s from the map only if it is still the registered entry.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()
}

func (r *Registry) checkCapacity() error {
	if r.cfg.MaxSessions <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		return fault.New(fault.SessionBusy, "session limit reached (%d)", r.cfg.MaxSessions)
	}
	return nil
}

// openHandle picks the execution transport for machineID and starts the
// backend's process there.
func (r *Registry) openHandle(ctx context.Context, b Backend, machineID string) (proc.Handle, error) {
	switch {
	case machineID == "" || machineID == MachineLocal:
		return proc.Spawn(ctx, b.Command, b.Args, b.Env)

	case strings.HasPrefix(machineID, dockerPrefix):
		if r.cfg.Docker == nil {
			return nil, fault.New(fault.SpawnFailed, "container transport is not configured")
		}
		containerID := strings.TrimPrefix(machineID, dockerPrefix)
		cmd := append([]string{b.Command}, b.Args...)
		return r.cfg.Docker.Open(ctx, containerID, cmd, envList(b.Env))

	default:
		if r.cfg.Machines == nil {
			return nil, fault.New(fault.ConnectFailed, "no machine catalog configured")
		}
		m, err := r.cfg.Machines.Resolve(machineID)
		if err != nil {
			return nil, fault.Wrap(fault.ConnectFailed, err, "resolving machine %s", machineID)
		}
		command := remote.BuildCommand(b.Command, b.Args, b.Env)
		return r.cfg.Dialer.OpenProcess(ctx, m, command)
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func machineLabel(id string) string {
	if id == "" {
		return MachineLocal
	}
	return id
}
