package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"sessiond/internal/logging"
)

// Handler answers validated requests. A returned *Error keeps its kind;
// any other error is mapped by kindFor.
type Handler interface {
	Handle(ctx context.Context, req *Request) (any, error)
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// Observer receives per-request telemetry.
type Observer interface {
	ObserveRequest(method, status string, d time.Duration)
}

// ErrAlreadyRunning is returned by Start when another daemon answers on
// the socket.
var ErrAlreadyRunning = errors.New("ipc: daemon already listening on socket")

// Server is the IPC server that manages client connections.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	handler   Handler
	validator *Validator
	conns     map[net.Conn]struct{}
	cfg       ServerConfig
	logger    *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath  string
	Permissions os.FileMode
	// ReadTimeout closes connections idle for longer.
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	// AllowOtherUsers skips the peer uid check.
	AllowOtherUsers bool
	Logger          *slog.Logger
	Observer        Observer
}

// DefaultServerConfig returns defaults for a socket at socketPath.
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Permissions:    0600,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxConnections: 64,
	}
}

// NewServer creates a new IPC server.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	if cfg.Permissions == 0 {
		cfg.Permissions = 0600
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler:   handler,
		validator: v,
		conns:     make(map[net.Conn]struct{}),
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "ipc"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins listening for connections.
func (s *Server) Start() error {
	path := s.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if IsSocketListening(path) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
	}
	if err := CleanupSocket(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := SetSocketPermissions(path, s.cfg.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.running.Store(true)
	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("listening", "socket", path)
	return nil
}

// Stop closes the listener and every connection, then removes the socket.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("connections did not drain before shutdown")
	}
	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !s.cfg.AllowOtherUsers {
			if ok, err := VerifyPeerIsCurrentUser(conn); err == nil && !ok {
				s.logger.Warn("rejecting connection from another user")
				conn.Close()
				continue
			}
		}

		s.mu.Lock()
		if len(s.conns) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.logger.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReaderSize(conn, 64*1024)
	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		line, err := ReadLine(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !isTimeout(err) {
				s.logger.Debug("read failed", "error", err)
				s.write(conn, &Response{
					ProtocolVersion: ProtocolVersion,
					Error:           errorf(KindInvalidRequest, "%v", err),
				})
			}
			return
		}
		if len(line) == 0 {
			continue
		}
		if err := s.write(conn, s.Serve(s.ctx, line)); err != nil {
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Server) write(conn net.Conn, resp *Response) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return WriteLine(conn, resp)
}

// Serve answers one raw request line. It never fails: every problem is
// reported in the response.
func (s *Server) Serve(ctx context.Context, line []byte) *Response {
	start := time.Now()
	resp := &Response{ProtocolVersion: ProtocolVersion}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		resp.Error = errorf(KindInvalidRequest, "malformed json: %v", err)
		s.finish(ctx, "", resp, start)
		return resp
	}
	resp.ID = req.ID
	if resp.ID == "" {
		resp.ID = logging.NewRequestID()
	}
	ctx = logging.ContextWithRequestID(ctx, resp.ID)

	if err := s.validator.Request(line); err != nil {
		resp.Error = errorf(KindInvalidRequest, "%v", err)
		s.finish(ctx, req.Method, resp, start)
		return resp
	}
	if req.ProtocolVersion != ProtocolVersion {
		resp.Error = errorf(KindUnsupportedVersion, "protocol version %d is not supported, want %d",
			req.ProtocolVersion, ProtocolVersion)
		s.finish(ctx, req.Method, resp, start)
		return resp
	}
	if !knownMethod(req.Method) {
		resp.Error = errorf(KindUnknownMethod, "unknown method %q", req.Method)
		s.finish(ctx, "unknown", resp, start)
		return resp
	}
	if err := s.validator.Params(req.Method, req.Params); err != nil {
		resp.Error = errorf(KindInvalidParams, "%v", err)
		s.finish(ctx, req.Method, resp, start)
		return resp
	}

	result, err := s.call(ctx, &req)
	if err == nil {
		var data []byte
		data, err = json.Marshal(result)
		if err == nil {
			resp.OK = true
			resp.Result = data
		}
	}
	if err != nil {
		resp.Error = asError(err)
	}
	s.finish(ctx, req.Method, resp, start)
	return resp
}

// call runs the handler, turning a panic into an internal error.
func (s *Server) call(ctx context.Context, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "method", req.Method, "panic", r)
			err = errorf(KindInternal, "handler panicked")
		}
	}()
	return s.handler.Handle(ctx, req)
}

func (s *Server) finish(ctx context.Context, method string, resp *Response, start time.Time) {
	d := time.Since(start)
	status := "ok"
	logger := logging.WithRequestID(ctx, s.logger)
	if resp.Error != nil {
		status = string(resp.Error.Kind)
		level := slog.LevelDebug
		if resp.Error.Kind == KindInternal || resp.Error.Kind == KindUnavailable {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "request failed",
			"method", method, "kind", resp.Error.Kind, "error", resp.Error.Message, "duration", d)
	} else {
		logger.Debug("request handled", "method", method, "duration", d)
	}
	if s.cfg.Observer != nil {
		if method == "" {
			method = "invalid"
		}
		s.cfg.Observer.ObserveRequest(method, status, d)
	}
}

func knownMethod(m string) bool {
	for _, known := range Methods() {
		if m == known {
			return true
		}
	}
	return false
}
