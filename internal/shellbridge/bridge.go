package shellbridge

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/portcullis/internal/audit"
	"github.com/HyphaGroup/portcullis/internal/fault"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/machine"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/proc"
	"github.com/HyphaGroup/portcullis/internal/remote"
	"github.com/HyphaGroup/portcullis/internal/session"
)

// MachineLocal runs the shell on the bridge host itself.
const MachineLocal = "local"

// OpenRequest is the first message a client sends after the websocket
// upgrade: where the shell runs and what to set up before it is ready.
type OpenRequest struct {
	MachineID string     `json:"machine_id"`
	Backend   string     `json:"backend"`
	Env       []EnvVar   `json:"env,omitempty"`
	Files     []FileSpec `json:"files,omitempty"`
}

// readyMessage tells the client the marker to buffer for. Everything the
// client reads before (and including) the marker line is setup noise to be
// discarded; only what follows is rendered.
type readyMessage struct {
	Type   string `json:"type"`
	Marker string `json:"marker"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Config wires the bridge's collaborators.
type Config struct {
	Machines *machine.Catalog
	Dialer   *remote.Dialer
	// Backends lists the backend kinds clients may name. nil skips the
	// check.
	Backends map[string]session.Backend
	// LocalShell overrides the shell used for machine_id "local".
	LocalShell string
}

// Bridge upgrades HTTP connections to interactive shell streams.
type Bridge struct {
	cfg      Config
	upgrader websocket.Upgrader

	// openShell is swapped out by tests.
	openShell func(ctx context.Context, machineID string) (proc.Handle, error)
}

// New creates a shell bridge.
func New(cfg Config) *Bridge {
	b := &Bridge{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	b.openShell = b.dialShell
	return b
}

func (b *Bridge) dialShell(ctx context.Context, machineID string) (proc.Handle, error) {
	if machineID == MachineLocal {
		return openLocalShell(b.cfg.LocalShell)
	}
	if b.cfg.Machines == nil {
		return nil, fault.New(fault.ConnectFailed, "no machine catalog configured")
	}
	m, err := b.cfg.Machines.Resolve(machineID)
	if err != nil {
		return nil, fault.Wrap(fault.ConnectFailed, err, "resolving machine %s", machineID)
	}
	return b.cfg.Dialer.OpenShell(ctx, m)
}

// ServeHTTP handles one shell connection for its whole lifetime.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("shell upgrade: %v", err)
		return
	}
	defer ws.Close()

	var req OpenRequest
	if err := ws.ReadJSON(&req); err != nil {
		_ = ws.WriteJSON(errorMessage{Type: "error", Kind: string(fault.ProtocolDecodeError), Message: "malformed open request"})
		return
	}
	if b.cfg.Backends != nil {
		if _, ok := b.cfg.Backends[req.Backend]; !ok {
			_ = ws.WriteJSON(errorMessage{Type: "error", Kind: string(fault.SpawnFailed), Message: "unknown backend " + req.Backend})
			return
		}
	}
	if err := validateSetup(req.Env, req.Files); err != nil {
		_ = ws.WriteJSON(errorMessage{Type: "error", Kind: "invalid_request", Message: err.Error()})
		return
	}

	handle, err := b.openShell(r.Context(), req.MachineID)
	if err != nil {
		logger.Error("opening shell on %s: %v", req.MachineID, err)
		audit.LogFailure(audit.OpShellOpen, "", req.Backend, err)
		_ = ws.WriteJSON(errorMessage{Type: "error", Kind: string(fault.KindOf(err)), Message: "could not open shell"})
		return
	}
	audit.LogSuccess(audit.OpShellOpen, "", req.Backend)

	metrics.ShellConnections.Inc()
	defer metrics.ShellConnections.Dec()

	// Connection close and shell exit race; the terminate runs once.
	var closeOnce sync.Once
	terminate := func(reason string) {
		closeOnce.Do(func() {
			handle.Kill(reason)
			_ = ws.Close()
		})
	}
	defer terminate("connection closed")

	// Setup goes in before anything else the client might type, then the
	// marker tells the client where setup noise ends.
	marker := NewMarker()
	script := SetupScript(req.Env, req.Files, marker)
	if _, err := io.WriteString(handle.Stdin(), script); err != nil {
		logger.Error("writing shell setup: %v", err)
		return
	}
	if err := ws.WriteJSON(readyMessage{Type: "ready", Marker: marker}); err != nil {
		return
	}

	// Inbound: client keystrokes verbatim, no interpretation.
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				terminate("client disconnected")
				return
			}
			if _, err := handle.Stdin().Write(data); err != nil {
				terminate("shell input closed")
				return
			}
		}
	}()

	// Outbound: raw shell bytes, unbuffered. The sole websocket writer
	// from here on.
	buf := make([]byte, 4096)
	for {
		n, err := handle.Stdout().Read(buf)
		if n > 0 {
			if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				terminate("client write failed")
				return
			}
		}
		if err != nil {
			terminate("shell exited")
			return
		}
	}
}
