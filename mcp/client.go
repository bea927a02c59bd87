package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	clubchat "github.com/aadya75/clubchat"
)

// maxFrameBytes bounds a single response line.
const maxFrameBytes = 4 << 20

// defaultCallTimeout applies when the caller's context carries no
// deadline of its own.
const defaultCallTimeout = 30 * time.Second

// defaultMaxInFlight caps concurrent calls per server.
const defaultMaxInFlight = 4

// Client is the owned handle for one tool-server subprocess. Writes to
// the peer's stdin serialize under a mutex; a single reader goroutine
// demultiplexes responses by request id to waiting callers. If the peer
// exits, every pending waiter fails with peer_gone and the client stays
// degraded until respawned.
type Client struct {
	name   string
	logger *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[int64]chan response
	nextID  atomic.Int64

	sem         *semaphore.Weighted
	callTimeout time.Duration

	degraded atomic.Bool
	done     chan struct{}
}

var _ clubchat.ToolServer = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCallTimeout sets the per-call deadline applied when the caller's
// context has none. Default 30s.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithMaxInFlight caps concurrent in-flight calls to this server.
// Default 4.
func WithMaxInFlight(n int64) Option {
	return func(c *Client) { c.sem = semaphore.NewWeighted(n) }
}

// Spawn starts the tool-server subprocess and begins reading its
// stdout. The returned client is ready for ListTools discovery.
func Spawn(name, command string, args []string, opts ...Option) (*Client, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s: stdin pipe: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s: stdout pipe: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp %s: start: %w", name, err)
	}
	c := newClient(name, stdin, stdout, opts...)
	c.cmd = cmd
	return c, nil
}

// newClient wires a client over raw pipes. Spawn uses it with the
// subprocess's stdio; tests use it with in-process pipes.
func newClient(name string, stdin io.WriteCloser, stdout io.Reader, opts ...Option) *Client {
	c := &Client{
		name:        name,
		waiters:     make(map[int64]chan response),
		callTimeout: defaultCallTimeout,
		done:        make(chan struct{}),
		stdin:       stdin,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.sem == nil {
		c.sem = semaphore.NewWeighted(defaultMaxInFlight)
	}
	go c.readLoop(stdout)
	return c
}

// Name returns the canonical server id.
func (c *Client) Name() string { return c.name }

// Degraded reports whether the peer has exited. A degraded client fails
// every call with peer_gone until restarted.
func (c *Client) Degraded() bool { return c.degraded.Load() }

// readLoop reads response frames and dispatches them by id. It runs
// until the peer closes its stdout, then fails all pending waiters.
func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			// A frame we cannot parse cannot be routed to a waiter;
			// log it and keep the stream alive.
			c.logger.Warn("malformed frame dropped", "server", c.name, "err", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.waiters[resp.ID]
		if ok {
			delete(c.waiters, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}

	// Peer is gone: fail everything still waiting and stay degraded.
	c.degraded.Store(true)
	close(c.done)
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[int64]chan response)
	c.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	if len(waiters) > 0 {
		c.logger.Warn("peer exited with pending calls", "server", c.name, "pending", len(waiters))
	}
}

// call frames one request, writes it, and waits for the matching
// response or the deadline. A timed-out waiter is released without
// killing the subprocess: another call may still be in flight.
func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if c.degraded.Load() {
		return nil, &clubchat.TransportError{Kind: clubchat.KindPeerGone, Server: c.name, Msg: "subprocess exited"}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &clubchat.TransportError{Kind: clubchat.KindTimeout, Server: c.name, Msg: "admission: " + err.Error()}
	}
	defer c.sem.Release(1)

	id := c.nextID.Add(1)
	ch := make(chan response, 1)
	c.mu.Lock()
	c.waiters[id] = ch
	c.mu.Unlock()

	frame, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.removeWaiter(id)
		return nil, &clubchat.TransportError{Kind: clubchat.KindMalformedFrame, Server: c.name, Msg: err.Error()}
	}
	frame = append(frame, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.removeWaiter(id)
		return nil, &clubchat.TransportError{Kind: clubchat.KindPeerGone, Server: c.name, Msg: "write: " + err.Error()}
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &clubchat.TransportError{Kind: clubchat.KindPeerGone, Server: c.name, Msg: "subprocess exited"}
		}
		if resp.Error != nil {
			return nil, &clubchat.ToolError{
				Kind:   clubchat.KindRemoteFailure,
				Server: c.name,
				Msg:    fmt.Sprintf("rpc error %d: %s", resp.Error.Code, resp.Error.Message),
			}
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.removeWaiter(id)
		c.logger.Warn("call deadline exceeded", "server", c.name, "method", method, "id", id)
		return nil, &clubchat.TransportError{Kind: clubchat.KindTimeout, Server: c.name, Msg: method + ": " + ctx.Err().Error()}
	}
}

func (c *Client) removeWaiter(id int64) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// ListTools asks the peer for its tool descriptors.
func (c *Client) ListTools(ctx context.Context) ([]clubchat.ToolDefinition, error) {
	raw, err := c.call(ctx, methodListTools, nil)
	if err != nil {
		return nil, err
	}
	var defs []clubchat.ToolDefinition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, &clubchat.TransportError{Kind: clubchat.KindMalformedFrame, Server: c.name, Msg: "list_tools result: " + err.Error()}
	}
	return defs, nil
}

// CallTool invokes one tool. A result object carrying an "error" field
// is surfaced as ToolError{remote_failure}.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	params, err := json.Marshal(callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, &clubchat.ToolError{Kind: clubchat.KindInvalidArguments, Server: c.name, Tool: name, Msg: err.Error()}
	}
	raw, err := c.call(ctx, methodCallTool, params)
	if err != nil {
		return nil, err
	}
	var failure callToolResult
	if err := json.Unmarshal(raw, &failure); err == nil && failure.Error != "" {
		return nil, &clubchat.ToolError{Kind: clubchat.KindRemoteFailure, Server: c.name, Tool: name, Msg: failure.Error}
	}
	return raw, nil
}

// ListResources asks the peer for its resources. Optional: servers
// without resources return an empty list or an rpc error, which is
// passed through for the caller to ignore.
func (c *Client) ListResources(ctx context.Context) ([]clubchat.ResourceDefinition, error) {
	raw, err := c.call(ctx, methodListResources, nil)
	if err != nil {
		return nil, err
	}
	var defs []clubchat.ResourceDefinition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, &clubchat.TransportError{Kind: clubchat.KindMalformedFrame, Server: c.name, Msg: "list_resources result: " + err.Error()}
	}
	return defs, nil
}

// Close terminates the subprocess and waits for the reader to drain.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.stdin.Close()
	c.writeMu.Unlock()
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
	}
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	return nil
}
