package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/ingestbridge/channel"
	"github.com/glimte/ingestbridge/wire"
	"golang.org/x/time/rate"
)

// Endpoint is the worker side of the channel to the controller
type Endpoint = channel.Endpoint[wire.Response, wire.Request]

// InitOK is the data of a successful init reply
const InitOK = "init_ok"

var (
	ErrAlreadyRunning = errors.New("worker: server already running")
	ErrNotRunning     = errors.New("worker: server not running")
)

// Handler serves one method call
type Handler interface {
	Serve(ctx context.Context, call *Call) (any, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Serve implements Handler
func (f HandlerFunc) Serve(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

// Initializer prepares the worker before any method can be called
type Initializer func(ctx context.Context) error

type initState int

const (
	initNone initState = iota
	initPending
	initDone
)

// Server answers init and call_method requests arriving on an endpoint
type Server struct {
	endpoint      Endpoint
	handlers      map[string]Handler
	initializer   Initializer
	logger        *slog.Logger
	metrics       Metrics
	progressLimit rate.Limit
	progressBurst int

	mu      sync.RWMutex
	running bool
	init    initState
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ServerConfig configures the server
type ServerConfig struct {
	Logger        *slog.Logger
	Initializer   Initializer
	Metrics       Metrics
	ProgressLimit rate.Limit
	ProgressBurst int
}

// ServerOption configures the server
type ServerOption func(*ServerConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(c *ServerConfig) {
		c.Logger = logger
	}
}

// WithInitializer sets the function run on the init request
func WithInitializer(fn Initializer) ServerOption {
	return func(c *ServerConfig) {
		c.Initializer = fn
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) ServerOption {
	return func(c *ServerConfig) {
		c.Metrics = m
	}
}

// WithProgressLimit caps progress notifications per call. Notifications
// over the limit are dropped; terminal replies are never limited.
func WithProgressLimit(limit rate.Limit, burst int) ServerOption {
	return func(c *ServerConfig) {
		c.ProgressLimit = limit
		c.ProgressBurst = burst
	}
}

// NewServer creates a worker server on endpoint
func NewServer(endpoint Endpoint, opts ...ServerOption) (*Server, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("endpoint cannot be nil")
	}

	config := &ServerConfig{
		Logger:        slog.Default(),
		Metrics:       NoOpMetrics{},
		ProgressLimit: rate.Inf,
	}
	for _, opt := range opts {
		opt(config)
	}

	return &Server{
		endpoint:      endpoint,
		handlers:      make(map[string]Handler),
		initializer:   config.Initializer,
		logger:        config.Logger,
		metrics:       config.Metrics,
		progressLimit: config.ProgressLimit,
		progressBurst: config.ProgressBurst,
	}, nil
}

// Handle registers a handler for a method
func (s *Server) Handle(method string, handler Handler) error {
	if method == "" {
		return fmt.Errorf("method cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("cannot register handler while server is running")
	}
	if _, exists := s.handlers[method]; exists {
		return fmt.Errorf("handler already registered for method: %s", method)
	}

	s.handlers[method] = handler
	s.logger.Debug("registered method handler", "method", method)
	return nil
}

// HandleFunc registers a function as the handler for a method
func (s *Server) HandleFunc(method string, fn func(ctx context.Context, call *Call) (any, error)) error {
	return s.Handle(method, HandlerFunc(fn))
}

// Start begins serving requests. Handler contexts derive from ctx and are
// cancelled when the server stops or the endpoint is closed by the peer.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	if err := s.endpoint.Listen(s.process); err != nil {
		s.mu.Lock()
		s.cancel()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on endpoint: %w", err)
	}

	go func() {
		select {
		case <-s.endpoint.Done():
			s.logger.Info("endpoint closed, cancelling in-flight calls")
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	s.logger.Info("worker server started", "methods", s.HandlerCount())
	return nil
}

// Stop cancels in-flight calls, closes the endpoint and waits for
// handlers to return
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	err := s.endpoint.Close()
	s.wg.Wait()
	s.logger.Info("worker server stopped")
	return err
}

// HandlerCount returns the number of registered methods
func (s *Server) HandlerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Initialized reports whether the init request has completed
func (s *Server) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.init == initDone
}

func (s *Server) process(req wire.Request) {
	s.logger.Debug("received request", "id", req.ID, "cmd", req.Cmd, "method", req.Method)

	switch req.Cmd {
	case wire.CommandInit:
		s.handleInit(req)
	case wire.CommandCallMethod:
		s.handleCall(req)
	default:
		s.replyError(req.ID, wire.NewRemoteError(wire.CodeBadRequest, fmt.Sprintf("unknown command %q", req.Cmd)))
	}
}

func (s *Server) handleInit(req wire.Request) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.init != initNone {
		s.mu.Unlock()
		s.replyError(req.ID, wire.NewRemoteError(wire.CodeConflict, "worker already initialized"))
		return
	}
	s.init = initPending
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		var err error
		if s.initializer != nil {
			err = s.initializer(ctx)
		}

		s.mu.Lock()
		if err != nil {
			s.init = initNone
		} else {
			s.init = initDone
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("worker initialization failed", "error", err)
			s.replyError(req.ID, s.toRemoteError(ctx, err))
			return
		}
		s.logger.Info("worker initialized")
		s.send(wire.Response{ID: req.ID, Data: InitOK})
	}()
}

func (s *Server) handleCall(req wire.Request) {
	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		return
	}
	state := s.init
	handler, exists := s.handlers[req.Method]
	ctx := s.ctx
	if state == initDone && exists {
		s.wg.Add(1)
	}
	s.mu.RUnlock()

	if state != initDone {
		s.replyError(req.ID, wire.NewRemoteError(wire.CodeNotInitialized,
			fmt.Sprintf("Can't call method %s: worker is not initialized", req.Method)))
		return
	}
	if !exists {
		s.logger.Error("no handler for method", "method", req.Method)
		s.replyError(req.ID, wire.NewRemoteError(wire.CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method)))
		return
	}

	call := &Call{
		ID:     req.ID,
		Method: req.Method,
		Args:   req.Args,
		Extra:  req.Extra,
		server: s,
	}
	if s.progressLimit != rate.Inf {
		call.limiter = rate.NewLimiter(s.progressLimit, s.progressBurst)
	}
	go s.run(ctx, handler, call)
}

func (s *Server) run(ctx context.Context, handler Handler, call *Call) {
	defer s.wg.Done()
	startTime := time.Now()

	result, err := s.serve(ctx, handler, call)
	call.finish()

	if err != nil {
		s.logger.Error("method call failed",
			"id", call.ID,
			"method", call.Method,
			"error", err,
			"duration", time.Since(startTime),
		)
		s.metrics.CallHandled(call.Method, false, time.Since(startTime))
		s.replyError(call.ID, s.toRemoteError(ctx, err))
		return
	}

	s.metrics.CallHandled(call.Method, true, time.Since(startTime))
	s.logger.Debug("method call completed",
		"id", call.ID,
		"method", call.Method,
		"duration", time.Since(startTime),
	)

	resp := wire.Response{ID: call.ID, Data: result}
	if buf, ok := result.(wire.Buffer); ok {
		s.send(resp, buf)
		return
	}
	s.send(resp)
}

func (s *Server) serve(ctx context.Context, handler Handler, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Serve(ctx, call)
}

func (s *Server) toRemoteError(ctx context.Context, err error) *wire.RemoteError {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return wire.NewRemoteError(wire.CodeCancelled, "Cancelled")
	}
	return wire.AsRemoteError(err)
}

func (s *Server) replyError(id uint64, rerr *wire.RemoteError) {
	s.send(wire.Response{ID: id, Error: rerr})
}

func (s *Server) send(resp wire.Response, transfer ...[]byte) {
	if err := s.endpoint.Post(context.Background(), resp, transfer...); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			s.logger.Debug("dropping reply on closed endpoint", "id", resp.ID)
			return
		}
		s.logger.Error("failed to send reply", "id", resp.ID, "error", err)
	}
}
