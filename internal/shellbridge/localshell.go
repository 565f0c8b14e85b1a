//go:build !windows

package shellbridge

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/HyphaGroup/portcullis/internal/fault"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/proc"
)

const localKillGrace = 5 * time.Second

// localShell is a pty-attached login shell on the bridge host itself,
// satisfying the same handle contract as a remote shell.
type localShell struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	signaled bool
	exited   bool

	killOnce sync.Once
}

// openLocalShell starts shellPath (or the user's shell, or sh) under a pty.
func openLocalShell(shellPath string) (proc.Handle, error) {
	if shellPath == "" {
		shellPath = os.Getenv("SHELL")
	}
	if shellPath == "" {
		shellPath = "sh"
	}

	cmd := exec.Command(shellPath, "-l")
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fault.Wrap(fault.SpawnFailed, err, "starting local shell %s", shellPath)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 120})

	h := &localShell{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go h.wait()
	return h, nil
}

func (h *localShell) Stdin() io.WriteCloser { return h.ptmx }
func (h *localShell) Stdout() io.Reader     { return h.ptmx }
func (h *localShell) Done() <-chan struct{} { return h.done }

func (h *localShell) Exit() (int, bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.signaled, h.exited
}

func (h *localShell) Kill(reason string) {
	h.killOnce.Do(func() {
		logger.Info("terminating local shell: %s", reason)
		_ = h.cmd.Process.Signal(syscall.SIGHUP)
		select {
		case <-h.done:
		case <-time.After(localKillGrace):
			_ = h.cmd.Process.Kill()
		}
		_ = h.ptmx.Close()
	})
}

func (h *localShell) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exited = true
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				h.signaled = true
			}
			h.exitCode = ws.ExitStatus()
		}
	}
	h.mu.Unlock()
	close(h.done)
	_ = h.ptmx.Close()
}
