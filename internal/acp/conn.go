// Package acp implements the agent session protocol: newline-delimited
// JSON-RPC 2.0 over a process handle's stdin/stdout, with the handshake,
// prompt turns, streamed updates, and permission round trips layered on top.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/HyphaGroup/portcullis/internal/fault"
	"github.com/HyphaGroup/portcullis/internal/logger"
)

// DefaultMaxFrameSize bounds a single ND-JSON frame from the agent.
const DefaultMaxFrameSize = 1 << 20

// JSON-RPC 2.0 error codes used on the agent-facing side.
const (
	codeMethodNotFound = -32601
	codeInternalError  = -32603
	codeAppError       = -32000
)

// Conn multiplexes JSON-RPC 2.0 over a newline-delimited JSON byte stream.
//
// Outbound traffic (Call, Notify, replies to agent calls) is serialized by a
// mutex around the encoder. Inbound traffic is read and dispatched by run():
// responses complete pending Calls, notifications and agent-initiated method
// calls go to handlers registered before run starts. When the stream ends,
// every pending Call is unblocked with a closed channel so no caller leaks.
type Conn struct {
	writeMu sync.Mutex
	enc     *json.Encoder

	callID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan rpcReply

	notifications map[string]func(json.RawMessage)
	calls         map[string]func(json.RawMessage) (any, error)

	scanner *bufio.Scanner
	closed  chan struct{}
}

type rpcReply struct {
	result json.RawMessage
	err    *wireError
}

// NewConn wraps a duplex ND-JSON stream. Register handlers, then call Run
// in a goroutine.
func NewConn(r io.Reader, w io.Writer, maxFrame int) *Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxFrame)
	return &Conn{
		enc:           json.NewEncoder(w),
		pending:       make(map[int64]chan rpcReply),
		notifications: make(map[string]func(json.RawMessage)),
		calls:         make(map[string]func(json.RawMessage) (any, error)),
		scanner:       sc,
		closed:        make(chan struct{}),
	}
}

// HandleNotification registers a handler for an inbound notification method.
// Must be called before Run.
func (c *Conn) HandleNotification(method string, fn func(json.RawMessage)) {
	c.notifications[method] = fn
}

// HandleCall registers a handler for an inbound agent-to-client method call.
// The handler runs in its own goroutine and its return value is sent back as
// the JSON-RPC response. Must be called before Run.
func (c *Conn) HandleCall(method string, fn func(json.RawMessage) (any, error)) {
	c.calls[method] = fn
}

// Call sends a request and blocks until its response arrives, the stream
// ends, or ctx is done.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.callID.Add(1)
	ch := make(chan rpcReply, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	msg := outboundMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := c.write(&msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case reply, ok := <-ch:
		return decodeReply(reply, ok, method, result)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		// The reply may have landed just before cancellation.
		select {
		case reply, ok := <-ch:
			return decodeReply(reply, ok, method, result)
		default:
			return ctx.Err()
		}
	}
}

func decodeReply(reply rpcReply, ok bool, method string, result any) error {
	if !ok {
		return fault.New(fault.SessionClosed, "%s: stream closed before response", method)
	}
	if reply.err != nil {
		return &RemoteError{Code: reply.err.Code, Message: reply.err.Message}
	}
	if result != nil && reply.result != nil {
		if err := json.Unmarshal(reply.result, result); err != nil {
			return fault.Wrap(fault.ProtocolDecodeError, err, "decode %s result", method)
		}
	}
	return nil
}

// Notify sends a notification. No response is expected.
func (c *Conn) Notify(method string, params any) error {
	return c.write(&outboundMessage{JSONRPC: "2.0", Method: method, Params: params})
}

// Run reads and dispatches inbound frames until the stream ends. Malformed
// frames are logged and dropped; lines that are not JSON objects (agent
// startup banners, blank lines) are skipped. Call exactly once.
func (c *Conn) Run() {
	defer close(c.closed)
	defer c.failPending()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Error("%s: dropping malformed frame: %v",
				fault.ProtocolDecodeError, err)
			continue
		}
		c.dispatch(&msg)
	}
	if err := c.scanner.Err(); err != nil {
		logger.Error("protocol stream read: %v", err)
	}
}

// Closed is closed when Run has exited.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) dispatch(msg *inboundMessage) {
	switch {
	case msg.ID != nil && msg.Method == "":
		c.completeCall(msg)
	case msg.ID != nil:
		c.serveCall(msg)
	case msg.Method != "":
		if fn, ok := c.notifications[msg.Method]; ok {
			fn(msg.Params)
		}
	}
}

func (c *Conn) completeCall(msg *inboundMessage) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	c.mu.Unlock()
	if !ok {
		return // unsolicited or duplicate response
	}
	ch <- rpcReply{result: msg.Result, err: msg.Error}
}

// serveCall answers an agent-initiated method call. The handler runs in its
// own goroutine so a blocking handler (permission prompts) never stalls
// response dispatch.
func (c *Conn) serveCall(msg *inboundMessage) {
	fn, ok := c.calls[msg.Method]
	if !ok {
		c.reply(*msg.ID, nil, &wireError{Code: codeMethodNotFound, Message: "method not found: " + msg.Method})
		return
	}
	id, params := *msg.ID, msg.Params
	go func() {
		result, err := fn(params)
		if err != nil {
			c.reply(id, nil, &wireError{Code: codeAppError, Message: err.Error()})
			return
		}
		data, err := json.Marshal(result)
		if err != nil {
			c.reply(id, nil, &wireError{Code: codeInternalError, Message: "encode result: " + err.Error()})
			return
		}
		c.reply(id, data, nil)
	}()
}

// reply is best-effort: the stream may already be closing, in which case the
// agent sees its call go unanswered and times out on its own.
func (c *Conn) reply(id int64, result json.RawMessage, werr *wireError) {
	if err := c.write(&outboundResponse{JSONRPC: "2.0", ID: &id, Result: result, Error: werr}); err != nil {
		logger.Error("reply to agent call %d: %v", id, err)
	}
}

func (c *Conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(v)
}

func (c *Conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

type outboundMessage struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outboundResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type inboundMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RemoteError is a JSON-RPC error object returned by the agent for a Call.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent rpc error %d: %s", e.Code, e.Message)
}
