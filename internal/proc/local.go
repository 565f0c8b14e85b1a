//go:build !windows

package proc

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/HyphaGroup/portcullis/internal/fault"
	"github.com/HyphaGroup/portcullis/internal/logger"
)

// killGracePeriod is how long Kill waits after SIGTERM before SIGKILL.
const killGracePeriod = 5 * time.Second

// localHandle is a Handle backed by a directly spawned child process.
type localHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	done     chan struct{}
	exit     exitState
	killOnce sync.Once
	name     string
}

// Spawn starts a child process on the host running the bridge. The child is
// placed in its own process group so Kill can take down anything it forks.
// Stderr is drained to the diagnostic log, never mixed into the protocol
// stream.
func Spawn(ctx context.Context, command string, args []string, env map[string]string) (Handle, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fault.Wrap(fault.SpawnFailed, err, "stdin pipe for %s", command)
	}

	// Output pipes are created by hand rather than via StdoutPipe: cmd.Wait
	// closes StdoutPipe's read end the moment the process exits, losing any
	// frames still buffered in the pipe. With our own pipes the reader drains
	// everything and then sees a clean EOF.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fault.Wrap(fault.SpawnFailed, err, "stdout pipe for %s", command)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, fault.Wrap(fault.SpawnFailed, err, "stderr pipe for %s", command)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		_ = stderr.Close()
		_ = stderrW.Close()
		return nil, fault.Wrap(fault.SpawnFailed, err, "starting %s", command)
	}

	// The child holds its own copies of the write ends. Dropping ours makes
	// the read ends report EOF once the child is gone.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	h := &localHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
		name:   command,
	}

	go drainStderr(h.name, stderr)
	go h.wait()

	// Honor caller cancellation for the lifetime of the process.
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.Kill("context cancelled")
			case <-h.done:
			}
		}()
	}

	return h, nil
}

func (h *localHandle) Stdin() io.WriteCloser {
	return &guardedWriter{w: h.stdin, done: h.done}
}

func (h *localHandle) Stdout() io.Reader { return h.stdout }

func (h *localHandle) Done() <-chan struct{} { return h.done }

func (h *localHandle) Exit() (int, bool, bool) { return h.exit.get() }

// Kill terminates the process group: SIGTERM, then SIGKILL after a grace
// period. Safe to call concurrently with natural exit; only the first call
// does anything.
func (h *localHandle) Kill(reason string) {
	h.killOnce.Do(func() {
		logger.Info("killing local process %s (pid %d): %s", h.name, h.cmd.Process.Pid, reason)
		_ = h.stdin.Close()
		h.signalGroup(syscall.SIGTERM)
		select {
		case <-h.done:
		case <-time.After(killGracePeriod):
			h.signalGroup(syscall.SIGKILL)
			<-h.done
		}
	})
}

// signalGroup signals the whole process group. Falls back to the single
// process if the group signal fails (already reaped, permissions).
func (h *localHandle) signalGroup(sig syscall.Signal) {
	if err := syscall.Kill(-h.cmd.Process.Pid, sig); err != nil {
		_ = h.cmd.Process.Signal(sig)
	}
}

// wait records exit state and closes done. Sole caller of cmd.Wait.
func (h *localHandle) wait() {
	err := h.cmd.Wait()
	code, signaled := 0, false
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signaled = true
		}
	} else if err != nil {
		code = -1
	}
	h.exit.set(code, signaled)
	close(h.done)
}

// drainStderr routes process stderr lines to the diagnostic log.
func drainStderr(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		logger.Info("[%s stderr] %s", name, scanner.Text())
	}
}
