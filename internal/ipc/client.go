package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrDaemonNotRunning = errors.New("daemon is not running")
	ErrTimeout          = errors.New("request timeout")
	ErrConnectionLost   = errors.New("connection to daemon lost")
)

// DefaultClientTimeout is the per-call budget. Hooks run inline with the
// user's tool, so it is short.
const DefaultClientTimeout = 500 * time.Millisecond

// ClientConfig configures the IPC client.
type ClientConfig struct {
	SocketPath string
	// Timeout bounds one call, including the dial.
	Timeout time.Duration
}

// DefaultClientConfig returns defaults for a socket at socketPath.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{SocketPath: socketPath, Timeout: DefaultClientTimeout}
}

// Client calls the daemon. It keeps one connection open between calls and
// is safe for concurrent use; calls are serialized.
type Client struct {
	cfg ClientConfig

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// NewClient creates a new IPC client. It connects on first use.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientTimeout
	}
	return &Client{cfg: cfg}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drop()
}

func (c *Client) drop() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.r = nil, nil
	return err
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
			return fmt.Errorf("%w: %s", ErrDaemonNotRunning, c.cfg.SocketPath)
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: connect: %v", ErrTimeout, err)
		}
		return fmt.Errorf("connect: %w", err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

// Call sends method with params and decodes the result into result, which
// may be nil. A daemon-side failure is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := Request{ProtocolVersion: ProtocolVersion, Method: method, ID: uuid.NewString()}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	c.conn.SetDeadline(deadline)

	resp, err := c.roundTrip(&req)
	if err != nil {
		c.drop()
		if isTimeout(err) {
			return fmt.Errorf("%w: %s", ErrTimeout, method)
		}
		return err
	}
	if resp.ID != req.ID {
		c.drop()
		return fmt.Errorf("%w: response id %q does not match request %q", ErrConnectionLost, resp.ID, req.ID)
	}
	if !resp.OK {
		if resp.Error == nil {
			return errorf(KindInternal, "daemon returned failure without error")
		}
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) roundTrip(req *Request) (*Response, error) {
	if err := WriteLine(c.conn, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	line, err := ReadLine(c.r)
	if err != nil {
		if isTimeout(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// Health calls get_health.
func (c *Client) Health(ctx context.Context) (*HealthResult, error) {
	var res HealthResult
	if err := c.Call(ctx, MethodGetHealth, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Sessions calls get_sessions.
func (c *Client) Sessions(ctx context.Context) (*SessionsResult, error) {
	var res SessionsResult
	if err := c.Call(ctx, MethodGetSessions, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ProjectStates calls get_project_states. No paths means every tracked
// project.
func (c *Client) ProjectStates(ctx context.Context, paths []string) (*ProjectStatesResult, error) {
	var res ProjectStatesResult
	if err := c.Call(ctx, MethodGetProjectStates, ProjectStatesParams{Paths: paths}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ShellState calls get_shell_state.
func (c *Client) ShellState(ctx context.Context) (*ShellStateResult, error) {
	var res ShellStateResult
	if err := c.Call(ctx, MethodGetShellState, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ProcessLiveness calls get_process_liveness.
func (c *Client) ProcessLiveness(ctx context.Context, procs []ProcessRef) (*LivenessResult, error) {
	var res LivenessResult
	if err := c.Call(ctx, MethodGetProcessLiveness, LivenessParams{Processes: procs}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SendEvent calls event with a raw hook payload, which must be a JSON
// object.
func (c *Client) SendEvent(ctx context.Context, payload json.RawMessage) (*EventResult, error) {
	var res EventResult
	if err := c.Call(ctx, MethodEvent, payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RegisterProject calls register_project.
func (c *Client) RegisterProject(ctx context.Context, path string) (*RegisterProjectResult, error) {
	var res RegisterProjectResult
	if err := c.Call(ctx, MethodRegisterProject, RegisterProjectParams{Path: path}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
