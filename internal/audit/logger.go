// Package audit emits a structured trail of session lifecycle operations,
// separate from the diagnostic log. Each entry is one JSON line.
package audit

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation identifies an auditable action.
type Operation string

const (
	OpSessionCreate    Operation = "session.create"
	OpSessionPrompt    Operation = "session.prompt"
	OpSessionTerminate Operation = "session.terminate"
	OpShellOpen        Operation = "shell.open"
)

// Event is one audit entry.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Operation Operation `json:"operation"`
	SessionID string    `json:"session_id,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	MachineID string    `json:"machine_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Logger writes audit events.
type Logger struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	enabled bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the process-wide audit logger, writing to stdout.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stdout, true)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to w.
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{logger: slog.New(handler), enabled: enabled}
}

// SetEnabled toggles audit output.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Log records one event.
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()
	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.Backend != "" {
		attrs = append(attrs, slog.String("backend", event.Backend))
	}
	if event.MachineID != "" {
		attrs = append(attrs, slog.String("machine_id", event.MachineID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}

	l.logger.Info("AUDIT", attrs...)
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op Operation, sessionID, backend string) {
	l.Log(&Event{Operation: op, SessionID: sessionID, Backend: backend, Success: true})
}

// LogFailure records a failed operation.
func (l *Logger) LogFailure(op Operation, sessionID, backend string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	l.Log(&Event{Operation: op, SessionID: sessionID, Backend: backend, Success: false, Error: errMsg})
}

// Convenience functions using the default logger.

func Log(event *Event) { Default().Log(event) }
func LogSuccess(op Operation, sessionID, backend string) {
	Default().LogSuccess(op, sessionID, backend)
}
func LogFailure(op Operation, sessionID, backend string, err error) {
	Default().LogFailure(op, sessionID, backend, err)
}
