// Package dockerproc constructs process handles backed by a docker exec
// inside a running container. Used for backends whose configuration pins
// them to a container instead of the host or a remote machine.
package dockerproc

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/HyphaGroup/portcullis/internal/fault"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/proc"
)

// exitPollInterval is how often the exec is inspected for completion.
const exitPollInterval = 100 * time.Millisecond

// Transport opens processes inside docker containers.
type Transport struct {
	client *client.Client
}

// NewTransport creates a docker-backed transport using environment defaults
// (DOCKER_HOST etc.) with API version negotiation.
func NewTransport() (*Transport, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fault.Wrap(fault.SpawnFailed, err, "creating docker client")
	}
	return &Transport{client: cli}, nil
}

// Close releases the underlying docker client.
func (t *Transport) Close() error {
	return t.client.Close()
}

// Open starts cmd inside containerID and returns a process handle for it.
// The exec is created without a TTY so stdout and stderr stay demuxed and
// no control sequences leak into the protocol stream.
func (t *Transport) Open(ctx context.Context, containerID string, cmd []string, env []string) (proc.Handle, error) {
	execResp, err := t.client.ContainerExecCreate(ctx, containerID, dockercontainer.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  true,
		Tty:          false,
	})
	if err != nil {
		return nil, fault.Wrap(fault.SpawnFailed, err, "creating exec in container %s", containerID)
	}

	attachResp, err := t.client.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return nil, fault.Wrap(fault.ExecFailed, err, "attaching to exec %s", execResp.ID)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()
	go func() {
		defer func() { _ = stdoutWriter.Close() }()
		defer func() { _ = stderrWriter.Close() }()
		_, _ = stdcopy.StdCopy(stdoutWriter, stderrWriter, attachResp.Reader)
	}()

	h := &execHandle{
		transport:   t,
		execID:      execResp.ID,
		containerID: containerID,
		conn:        attachResp,
		stdout:      stdoutReader,
		done:        make(chan struct{}),
	}

	go drainStderr(containerID, stderrReader)
	go h.watchExit()

	return h, nil
}

// execHandle is a proc.Handle over a docker exec's hijacked connection.
type execHandle struct {
	transport   *Transport
	execID      string
	containerID string
	conn        types.HijackedResponse
	stdout      io.Reader

	done     chan struct{}
	exitCode int
	exitMu   sync.Mutex
	exited   bool
	killOnce sync.Once
}

func (h *execHandle) Stdin() io.WriteCloser {
	return &hijackedWriteCloser{conn: h.conn, done: h.done}
}

func (h *execHandle) Stdout() io.Reader { return h.stdout }

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Exit() (int, bool, bool) {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	// Docker does not report signal-vs-exit for execs; treat non-zero after
	// kill as signaled-equivalent via exit code only.
	return h.exitCode, false, h.exited
}

// Kill closes the hijacked connection. There is no exec-level kill in the
// docker API; closing stdin and the connection ends the attached process
// for well-behaved agents, and the container remains usable.
func (h *execHandle) Kill(reason string) {
	h.killOnce.Do(func() {
		logger.Info("closing docker exec %s in %s: %s", h.execID, h.containerID, reason)
		h.conn.Close()
	})
}

// watchExit polls the exec until it stops running, records the exit code,
// and closes done.
func (h *execHandle) watchExit() {
	defer close(h.done)
	for {
		inspect, err := h.transport.client.ContainerExecInspect(context.Background(), h.execID)
		if err != nil {
			logger.Error("inspecting exec %s: %v", h.execID, err)
			h.exitMu.Lock()
			h.exitCode = -1
			h.exited = true
			h.exitMu.Unlock()
			return
		}
		if !inspect.Running {
			h.exitMu.Lock()
			h.exitCode = inspect.ExitCode
			h.exited = true
			h.exitMu.Unlock()
			return
		}
		time.Sleep(exitPollInterval)
	}
}

// hijackedWriteCloser adapts the hijacked connection to io.WriteCloser with
// a terminated-write guard.
type hijackedWriteCloser struct {
	conn types.HijackedResponse
	done <-chan struct{}
}

func (h *hijackedWriteCloser) Write(p []byte) (int, error) {
	select {
	case <-h.done:
		return 0, proc.ErrTerminated
	default:
	}
	return h.conn.Conn.Write(p)
}

func (h *hijackedWriteCloser) Close() error {
	return h.conn.CloseWrite()
}

func drainStderr(containerID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		logger.Info("[container %s stderr] %s", containerID, scanner.Text())
	}
}
