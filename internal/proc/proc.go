// Package proc provides the transport-agnostic process handle abstraction.
//
// A Handle represents one running external process regardless of where it
// executes: a local child process, a docker exec, or a command inside an
// SSH session. Transports construct handles; everything above them (the
// protocol engine, the shell bridge) only sees the Handle contract.
package proc

import (
	"errors"
	"io"
	"sync"
)

// ErrTerminated is returned by writes after the process has ended.
var ErrTerminated = errors.New("process terminated")

// Handle is the uniform abstraction over a running external process.
//
// Stderr is never part of the protocol channel; transports route it to the
// diagnostic log internally. Kill is idempotent: calls after the first are
// no-ops. After termination writes fail with ErrTerminated and Stdout drains
// any buffered output then returns EOF.
type Handle interface {
	// Stdin returns the process input sink.
	Stdin() io.WriteCloser
	// Stdout returns the process output source.
	Stdout() io.Reader
	// Done is closed when the process has exited and exit state is recorded.
	Done() <-chan struct{}
	// Exit returns the recorded exit state. exited is false until Done closes.
	Exit() (code int, signaled bool, exited bool)
	// Kill requests termination. Idempotent and best-effort.
	Kill(reason string)
}

// exitState records how a process ended. Mutated exactly once, before the
// done channel closes.
type exitState struct {
	mu       sync.Mutex
	code     int
	signaled bool
	exited   bool
}

func (s *exitState) set(code int, signaled bool) {
	s.mu.Lock()
	s.code = code
	s.signaled = signaled
	s.exited = true
	s.mu.Unlock()
}

func (s *exitState) get() (int, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.signaled, s.exited
}

// guardedWriter wraps a process stdin so that writes after termination fail
// fast with ErrTerminated instead of racing a closed pipe.
type guardedWriter struct {
	w    io.WriteCloser
	done <-chan struct{}
}

func (g *guardedWriter) Write(p []byte) (int, error) {
	select {
	case <-g.done:
		return 0, ErrTerminated
	default:
	}
	return g.w.Write(p)
}

func (g *guardedWriter) Close() error {
	return g.w.Close()
}
