// Package remote constructs process handles backed by SSH sessions on
// remote compute instances. It serves two consumers: the protocol session
// engine (one-shot command, no pty, clean ND-JSON stream) and the
// interactive shell bridge (pty-attached login shell).
package remote

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/HyphaGroup/portcullis/internal/fault"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/machine"
	"github.com/HyphaGroup/portcullis/internal/proc"
)

// Dialer opens SSH-backed process handles.
type Dialer struct {
	// ConnectTimeout bounds the TCP + SSH handshake.
	ConnectTimeout time.Duration
}

// NewDialer returns a dialer with default timeouts.
func NewDialer() *Dialer {
	return &Dialer{ConnectTimeout: 30 * time.Second}
}

// OpenProcess connects to the machine and executes command inside a
// non-interactive remote shell. No pty is requested, so terminal control
// sequences never leak into the protocol stream.
//
// Connection-level and execution-level failures both end the handle's
// output with an error; callers treat either as an abnormal process exit.
func (d *Dialer) OpenProcess(ctx context.Context, m *machine.Machine, command string) (proc.Handle, error) {
	client, err := d.connect(ctx, m)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fault.Wrap(fault.ExecFailed, err, "opening session on %s", m.ID)
	}

	h, err := newSSHHandle(m.ID, client, session)
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, err
	}

	if err := session.Start(command); err != nil {
		h.terminate("command start failed")
		return nil, fault.Wrap(fault.ExecFailed, err, "starting command on %s", m.ID)
	}

	go h.watch()
	h.watchContext(ctx)
	return h, nil
}

// OpenShell connects to the machine and starts an interactive login shell
// attached to a pty. Used by the shell bridge; the returned handle's output
// carries raw terminal bytes.
func (d *Dialer) OpenShell(ctx context.Context, m *machine.Machine) (proc.Handle, error) {
	client, err := d.connect(ctx, m)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fault.Wrap(fault.ExecFailed, err, "opening shell session on %s", m.ID)
	}

	h, err := newSSHHandle(m.ID, client, session)
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 40, 120, modes); err != nil {
		h.terminate("pty request failed")
		return nil, fault.Wrap(fault.ExecFailed, err, "requesting pty on %s", m.ID)
	}
	if err := session.Shell(); err != nil {
		h.terminate("shell start failed")
		return nil, fault.Wrap(fault.ExecFailed, err, "starting shell on %s", m.ID)
	}

	go h.watch()
	h.watchContext(ctx)
	return h, nil
}

// connect establishes the SSH connection using the machine's credential.
func (d *Dialer) connect(ctx context.Context, m *machine.Machine) (*ssh.Client, error) {
	auth, err := authMethod(m)
	if err != nil {
		return nil, fault.Wrap(fault.ConnectFailed, err, "credential for %s", m.ID)
	}

	cfg := &ssh.ClientConfig{
		User: m.User,
		Auth: []ssh.AuthMethod{auth},
		// Machines are provisioned by us and addressed by id; host key
		// pinning is handled at the provisioning layer.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.ConnectTimeout,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", m.Addr(), cfg)
		ch <- dialResult{client, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fault.Wrap(fault.ConnectFailed, res.err, "dialing %s", m.ID)
		}
		return res.client, nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fault.Wrap(fault.ConnectFailed, ctx.Err(), "dialing %s", m.ID)
	}
}

// authMethod builds the SSH auth for a machine: private key for static
// machines, instance-id/API-key (password scheme of the managed provider)
// for fleet machines.
func authMethod(m *machine.Machine) (ssh.AuthMethod, error) {
	switch m.Kind {
	case machine.KindStatic:
		pem, err := m.PrivateKeyPEM()
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, err
		}
		return ssh.PublicKeys(signer), nil
	case machine.KindFleet:
		return ssh.Password(m.APIKey), nil
	default:
		return nil, fault.New(fault.ConnectFailed, "machine %s: unknown kind %q", m.ID, m.Kind)
	}
}

// sshHandle is a proc.Handle over one SSH session. The handle owns both the
// session and the client connection; teardown closes them in that order.
type sshHandle struct {
	machineID string
	client    *ssh.Client
	session   *ssh.Session
	stdin     io.WriteCloser
	stdout    io.Reader

	done       chan struct{}
	exit       exitRecord
	terminated sync.Once
}

type exitRecord struct {
	mu       sync.Mutex
	code     int
	signaled bool
	exited   bool
}

func newSSHHandle(machineID string, client *ssh.Client, session *ssh.Session) (*sshHandle, error) {
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, fault.Wrap(fault.ExecFailed, err, "stdin pipe on %s", machineID)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fault.Wrap(fault.ExecFailed, err, "stdout pipe on %s", machineID)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, fault.Wrap(fault.ExecFailed, err, "stderr pipe on %s", machineID)
	}

	h := &sshHandle{
		machineID: machineID,
		client:    client,
		session:   session,
		stdin:     stdin,
		stdout:    stdout,
		done:      make(chan struct{}),
	}
	go h.drainStderr(stderr)
	return h, nil
}

func (h *sshHandle) Stdin() io.WriteCloser {
	return &remoteWriter{h: h}
}

func (h *sshHandle) Stdout() io.Reader { return h.stdout }

func (h *sshHandle) Done() <-chan struct{} { return h.done }

func (h *sshHandle) Exit() (int, bool, bool) {
	h.exit.mu.Lock()
	defer h.exit.mu.Unlock()
	return h.exit.code, h.exit.signaled, h.exit.exited
}

func (h *sshHandle) Kill(reason string) {
	h.terminate(reason)
}

// terminate runs the teardown sequence exactly once: interrupt signal,
// terminate signal, session close, connection close. Every step is
// best-effort; a failed step is logged and never aborts the rest.
func (h *sshHandle) terminate(reason string) {
	h.terminated.Do(func() {
		logger.Info("terminating remote process on %s: %s", h.machineID, reason)
		if err := h.session.Signal(ssh.SIGINT); err != nil {
			logger.Info("remote %s: interrupt signal: %v", h.machineID, err)
		}
		if err := h.session.Signal(ssh.SIGTERM); err != nil {
			logger.Info("remote %s: terminate signal: %v", h.machineID, err)
		}
		if err := h.session.Close(); err != nil && err != io.EOF {
			logger.Info("remote %s: session close: %v", h.machineID, err)
		}
		if err := h.client.Close(); err != nil {
			logger.Info("remote %s: connection close: %v", h.machineID, err)
		}
	})
}

// watch waits for the remote process, records exit state, closes done, and
// releases the connection. Racing an explicit Kill is safe: the terminate
// sequence runs once regardless of which side reaches it first.
func (h *sshHandle) watch() {
	err := h.session.Wait()
	code, signaled := 0, false
	switch e := err.(type) {
	case nil:
	case *ssh.ExitError:
		code = e.ExitStatus()
		if e.Signal() != "" {
			signaled = true
		}
	case *ssh.ExitMissingError:
		// Remote closed without reporting status; treat as signaled.
		code, signaled = -1, true
	default:
		code = -1
	}

	h.exit.mu.Lock()
	h.exit.code = code
	h.exit.signaled = signaled
	h.exit.exited = true
	h.exit.mu.Unlock()
	close(h.done)

	h.terminate("process exited")
}

// watchContext kills the handle when the caller's context ends first.
func (h *sshHandle) watchContext(ctx context.Context) {
	if ctx == nil || ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			h.Kill("context cancelled")
		case <-h.done:
		}
	}()
}

func (h *sshHandle) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		logger.Info("[%s stderr] %s", h.machineID, scanner.Text())
	}
}

// remoteWriter rejects writes after termination.
type remoteWriter struct {
	h *sshHandle
}

func (w *remoteWriter) Write(p []byte) (int, error) {
	select {
	case <-w.h.done:
		return 0, proc.ErrTerminated
	default:
	}
	return w.h.stdin.Write(p)
}

func (w *remoteWriter) Close() error {
	return w.h.stdin.Close()
}
