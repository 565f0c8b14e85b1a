package acp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/HyphaGroup/portcullis/internal/fault"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/permission"
	"github.com/HyphaGroup/portcullis/internal/proc"
)

// State is the client's position in the session lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StatePrompting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StatePrompting:
		return "prompting"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Update is one streamed session/update notification, delivered to the
// owner in arrival order. Payload is the backend-specific inner update
// object, verbatim; Kind is its discriminator when present.
type Update struct {
	SessionID string
	Kind      string
	Payload   json.RawMessage
}

// SessionInfo is the metadata the agent returns at session creation.
type SessionInfo struct {
	SessionID    string
	Models       []Model
	CurrentModel string
	Modes        []Mode
	CurrentMode  string
}

// Config configures a Client.
type Config struct {
	// Negotiator answers session/request_permission calls. Required.
	Negotiator permission.Negotiator
	// OnUpdate receives each session/update in arrival order. It runs on
	// the read loop, so it must not block. Required.
	OnUpdate func(Update)
	// MaxFrameSize bounds one inbound frame. Zero means the default.
	MaxFrameSize int
}

// Client drives the agent session protocol over one process handle. One
// client owns one handle and negotiates exactly one session on it.
//
// Lifecycle: Uninitialized, Handshaking (Initialize), Ready (NewSession),
// Prompting (one turn in flight), back to Ready, and finally Terminated by
// Close or by the process ending. Once terminated every operation fails
// with a session-closed error and the handle has been killed.
type Client struct {
	handle     proc.Handle
	conn       *Conn
	negotiator permission.Negotiator
	onUpdate   func(Update)

	mu        sync.Mutex
	state     State
	sessionID string

	closeOnce sync.Once
	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewClient wraps handle and starts the protocol read loop. The caller must
// Close the client (directly or via its teardown path) even when the
// handshake never ran.
func NewClient(handle proc.Handle, cfg Config) *Client {
	runCtx, runCancel := context.WithCancel(context.Background())
	c := &Client{
		handle:     handle,
		negotiator: cfg.Negotiator,
		onUpdate:   cfg.OnUpdate,
		runCtx:     runCtx,
		runCancel:  runCancel,
	}
	c.conn = NewConn(handle.Stdout(), handle.Stdin(), cfg.MaxFrameSize)
	c.conn.HandleNotification(MethodSessionUpdate, c.handleUpdate)
	c.conn.HandleCall(MethodRequestPerm, c.handlePermission)
	go func() {
		c.conn.Run()
		c.shutdown("protocol stream ended")
	}()
	return c
}

// SessionID returns the backend-assigned session id, empty before NewSession.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize performs the capability handshake. It must complete before any
// other call; failure is fatal to the session attempt and kills the handle.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.transition(StateUninitialized, StateHandshaking); err != nil {
		return err
	}
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      implementation{Name: clientName, Version: clientVersion},
	}
	var result initializeResult
	if err := c.conn.Call(ctx, MethodInitialize, params, &result); err != nil {
		c.shutdown("initialize failed")
		return fault.Wrap(fault.HandshakeFailed, err, "initialize")
	}
	logger.Info("agent handshake complete (protocol v%d)", result.ProtocolVersion)
	return nil
}

// NewSession creates the one session this client's process serves. Failure
// tears down the handle.
func (c *Client) NewSession(ctx context.Context, cwd string, toolServers []ToolServer) (*SessionInfo, error) {
	if err := c.requireState(StateHandshaking); err != nil {
		return nil, err
	}
	if toolServers == nil {
		toolServers = []ToolServer{}
	}
	var result newSessionResult
	err := c.conn.Call(ctx, MethodSessionNew, newSessionParams{CWD: cwd, MCPServers: toolServers}, &result)
	if err != nil {
		c.shutdown("session creation failed")
		return nil, fault.Wrap(fault.HandshakeFailed, err, "session/new")
	}
	if result.SessionID == "" {
		c.shutdown("agent returned empty session id")
		return nil, fault.New(fault.HandshakeFailed, "agent returned empty session id")
	}

	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return nil, fault.New(fault.SessionClosed, "session terminated during handshake")
	}
	c.sessionID = result.SessionID
	c.state = StateReady
	c.mu.Unlock()

	info := &SessionInfo{SessionID: result.SessionID}
	if result.Models != nil {
		info.Models = result.Models.AvailableModels
		info.CurrentModel = result.Models.CurrentModelID
	}
	if result.Modes != nil {
		info.Modes = result.Modes.AvailableModes
		info.CurrentMode = result.Modes.CurrentModeID
	}
	return info, nil
}

// Prompt sends one user turn and blocks until the agent signals turn
// completion. Returns the agent's stop reason. On ctx cancellation a
// session/cancel notification is sent, the call returns promptly with
// ctx's error, and the session is torn down handle and all.
func (c *Client) Prompt(ctx context.Context, blocks []ContentBlock) (string, error) {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return "", fault.New(fault.SessionClosed, "session %s is terminated", c.sessionID)
	}
	if c.state != StateReady {
		c.mu.Unlock()
		return "", fault.New(fault.Internal, "prompt in state %s", c.state)
	}
	c.state = StatePrompting
	sessionID := c.sessionID
	c.mu.Unlock()
	defer c.leavePrompting()

	// The RPC runs under its own context so cancellation can notify the
	// agent first, then unblock the call.
	callCtx, cancelCall := context.WithCancel(context.Background())
	defer cancelCall()

	var result promptResult
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.conn.Call(callCtx, MethodSessionPrompt,
			promptParams{SessionID: sessionID, Prompt: blocks}, &result)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			if fault.Is(err, fault.SessionClosed) {
				c.shutdown("process ended during prompt")
				return "", fault.New(fault.SessionClosed, "process ended during prompt")
			}
			return "", err
		}
		return result.StopReason, nil
	case <-ctx.Done():
		// The agent is told first so it can stop cleanly, then the whole
		// session comes down: a turn abandoned by its caller leaves the
		// process in an unknown state, so it is not reused.
		if nerr := c.conn.Notify(MethodSessionCancel, cancelParams{SessionID: sessionID}); nerr != nil {
			logger.Error("session/cancel for %s: %v", sessionID, nerr)
		}
		cancelCall()
		<-errCh
		c.shutdown("prompt cancelled")
		return "", ctx.Err()
	}
}

// leavePrompting returns to Ready unless the session terminated mid-turn.
func (c *Client) leavePrompting() {
	c.mu.Lock()
	if c.state == StatePrompting {
		c.state = StateReady
	}
	c.mu.Unlock()
}

// Close terminates the session and kills the handle. Idempotent, and safe
// to race with the process ending on its own: only one teardown runs.
func (c *Client) Close() {
	c.shutdown("closed by owner")
}

// Done is closed once the protocol stream has ended and teardown ran.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Closed()
}

// shutdown is the single teardown path: protocol stops answering, then the
// handle is killed (which cascades through the transport's own teardown).
func (c *Client) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateTerminated
		id := c.sessionID
		c.mu.Unlock()
		c.runCancel()
		if id != "" {
			logger.Info("session %s terminated: %s", id, reason)
		}
		c.handle.Kill(reason)
	})
}

// handleUpdate runs on the read loop; appends are delegated to the owner in
// strict arrival order.
func (c *Client) handleUpdate(params json.RawMessage) {
	var env updateEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		logger.Error("%s: dropping session/update: %v", fault.ProtocolDecodeError, err)
		return
	}
	var hdr updateHeader
	_ = json.Unmarshal(env.Update, &hdr) // discriminator is optional
	c.onUpdate(Update{SessionID: env.SessionID, Kind: hdr.SessionUpdate, Payload: env.Update})
}

// handlePermission answers session/request_permission. The conn dispatches
// it on a dedicated goroutine, so a slow negotiator blocks only the agent's
// pending call, never the stream. Exactly one reply is produced per request:
// decode failures and cancelled decisions both answer with the cancelled
// outcome rather than an rpc error, matching agent expectations.
func (c *Client) handlePermission(params json.RawMessage) (any, error) {
	var req permissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		logger.Error("%s: bad permission request: %v", fault.ProtocolDecodeError, err)
		return permissionResult{Outcome: permissionOutcome{Outcome: "cancelled"}}, nil
	}

	opts := make([]permission.Option, len(req.Options))
	for i, o := range req.Options {
		opts[i] = permission.Option{ID: o.OptionID, Name: o.Name, Kind: o.Kind}
	}
	decision := c.negotiator.Decide(c.runCtx, permission.Request{
		SessionID: req.SessionID,
		ToolName:  req.ToolCall.Title,
		Options:   opts,
	})
	if decision.Cancelled {
		metrics.RecordPermissionDecision("cancelled")
		return permissionResult{Outcome: permissionOutcome{Outcome: "cancelled"}}, nil
	}
	metrics.RecordPermissionDecision("selected")
	return permissionResult{Outcome: permissionOutcome{Outcome: "selected", OptionID: decision.SelectedID}}, nil
}

// transition moves from exactly `from` to `to`.
func (c *Client) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return fault.New(fault.SessionClosed, "session is terminated")
	}
	if c.state != from {
		return fault.New(fault.Internal, "cannot transition from %s", c.state)
	}
	c.state = to
	return nil
}

func (c *Client) requireState(want State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return fault.New(fault.SessionClosed, "session is terminated")
	}
	if c.state != want {
		return fault.New(fault.Internal, "operation requires state %s, currently %s", want, c.state)
	}
	return nil
}
