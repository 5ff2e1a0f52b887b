package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/ingestbridge/channel"
	"github.com/glimte/ingestbridge/wire"
	"github.com/google/uuid"
)

// Endpoint is the controller side of the channel to the worker
type Endpoint = channel.Endpoint[wire.Request, wire.Response]

// State is the lifecycle state of a Bridge
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// PendingCall is one in-flight call awaiting its terminal message
type PendingCall struct {
	ID         uint64
	Method     string
	KeepAlive  bool
	OnProgress func(data any)

	future   *Future
	issuedAt time.Time
	onSettle func(err error)

	// mu orders settlement against a running progress callback
	mu         sync.Mutex
	settled    bool
	delivering bool
	deferred   func()
}

// settle runs fn to complete the future. While a progress callback for the
// call is running, fn waits until the callback returns.
func (c *PendingCall) settle(fn func()) {
	c.mu.Lock()
	c.settled = true
	if c.delivering {
		c.deferred = fn
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// beginProgress reports whether a progress callback may start. No
// callback starts once the call has settled.
func (c *PendingCall) beginProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return false
	}
	c.delivering = true
	return true
}

func (c *PendingCall) endProgress() {
	c.mu.Lock()
	c.delivering = false
	fn := c.deferred
	c.deferred = nil
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Bridge drives a worker endpoint as a remote object with asynchronous
// methods. It correlates calls by id, gates every call behind a one-time
// initialization, streams progress and supports global cancellation.
type Bridge struct {
	name     string
	endpoint Endpoint
	logger   *slog.Logger
	metrics  Metrics

	mu         sync.Mutex
	state      State
	nextID     uint64
	pending    map[uint64]*PendingCall
	initFuture *Future
}

// Option configures the bridge
type Option func(*Config)

// Config holds configuration for the bridge
type Config struct {
	Name           string
	Logger         *slog.Logger
	Metrics        Metrics
	AutoInitialize bool
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithName sets the name used in log records
func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

// WithAutoInitialize starts initialization as soon as the bridge is created
func WithAutoInitialize() Option {
	return func(c *Config) {
		c.AutoInitialize = true
	}
}

// New creates a bridge that owns endpoint. The bridge registers itself as
// the endpoint's only listener.
func New(endpoint Endpoint, opts ...Option) (*Bridge, error) {
	if endpoint == nil {
		return nil, ErrNilEndpoint
	}

	cfg := &Config{
		Name:    fmt.Sprintf("bridge.%s", uuid.New().String()[:8]),
		Logger:  slog.Default(),
		Metrics: NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	b := &Bridge{
		name:     cfg.Name,
		endpoint: endpoint,
		logger:   cfg.Logger.With("bridge", cfg.Name),
		metrics:  cfg.Metrics,
		pending:  make(map[uint64]*PendingCall),
	}

	if err := endpoint.Listen(b.dispatch); err != nil {
		return nil, fmt.Errorf("failed to listen on endpoint: %w", err)
	}

	if cfg.AutoInitialize {
		b.beginInit()
	}
	return b, nil
}

// Initialize sends the initialization call, or joins the one already in
// flight, and waits for it to settle. ctx bounds only this caller's wait.
func (b *Bridge) Initialize(ctx context.Context) error {
	_, err := b.beginInit().Wait(ctx)
	return err
}

// Go issues a call and returns its future without waiting. If the bridge
// is not initialized yet, initialization is started and the call is sent
// once it succeeds.
func (b *Bridge) Go(ctx context.Context, method string, args []any, opts ...CallOption) *Future {
	if method == "" {
		return rejectedFuture(ErrEmptyMethod)
	}

	o := &callOptions{}
	for _, opt := range opts {
		opt(o)
	}
	args, transfer := prepareArgs(args, o.transfer)

	var initFuture *Future
	if s := b.State(); s == StateUninitialized || s == StateInitializing {
		initFuture = b.beginInit()
	}

	b.mu.Lock()
	if b.state == StateTerminated {
		b.mu.Unlock()
		return rejectedFuture(ErrChannelClosed)
	}
	req := wire.NewCallRequest(b.nextID+1, method, args, o.extra)
	if err := req.Validate(); err != nil {
		b.mu.Unlock()
		return rejectedFuture(err)
	}
	call := b.register(method, o.onProgress)
	ready := b.state == StateReady
	pending := len(b.pending)
	b.mu.Unlock()

	b.metrics.PendingCalls(pending)
	b.metrics.CallIssued(method)

	if ready {
		b.post(ctx, call, req, transfer)
	} else {
		b.logger.Debug("deferring call until initialized", "id", call.ID, "method", method)
		go b.sendAfterInit(ctx, initFuture, call, req, transfer)
	}
	return call.future
}

// Call issues a call and waits for its terminal result. If ctx ends first
// the call is abandoned: it is removed from the pending set and any late
// reply from the worker is discarded.
func (b *Bridge) Call(ctx context.Context, method string, args []any, opts ...CallOption) (any, error) {
	f := b.Go(ctx, method, args, opts...)
	select {
	case <-f.Done():
	case <-ctx.Done():
		b.abandon(f.ID(), ctx.Err())
		<-f.Done()
	}
	return f.Result()
}

// CancelAll rejects every pending call with ErrCancelled and terminates
// the endpoint. Calling it again is a no-op.
func (b *Bridge) CancelAll() {
	calls, ok := b.shutdown()
	if !ok {
		return
	}

	b.metrics.PendingCalls(0)
	b.logger.Info("cancelling all pending calls", "pending", len(calls))
	for _, call := range calls {
		b.complete(call, nil, cancelled())
	}
	b.closeEndpoint()
}

// Terminate releases the endpoint without cancelling. It is meant for a
// bridge with nothing pending; calls still pending fail with
// ErrChannelClosed.
func (b *Bridge) Terminate() {
	calls, ok := b.shutdown()
	if !ok {
		return
	}

	b.metrics.PendingCalls(0)
	if len(calls) > 0 {
		b.logger.Warn("terminating with pending calls", "pending", len(calls))
	}
	for _, call := range calls {
		b.complete(call, nil, ErrChannelClosed)
	}
	b.closeEndpoint()
}

// State returns the current lifecycle state
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// PendingCount returns the number of calls awaiting a terminal message
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// beginInit returns the future of the initialization call, sending it if
// none is in flight
func (b *Bridge) beginInit() *Future {
	b.mu.Lock()
	switch b.state {
	case StateReady:
		b.mu.Unlock()
		f := newFuture(0)
		f.resolve(nil)
		return f
	case StateInitializing:
		f := b.initFuture
		b.mu.Unlock()
		return f
	case StateTerminated:
		b.mu.Unlock()
		return rejectedFuture(ErrChannelClosed)
	}

	call := b.register(string(wire.CommandInit), nil)
	call.onSettle = b.finishInit
	b.state = StateInitializing
	b.initFuture = call.future
	pending := len(b.pending)
	b.mu.Unlock()

	b.metrics.PendingCalls(pending)
	b.logger.Debug("initializing worker", "id", call.ID)
	b.metrics.CallIssued(call.Method)
	b.post(context.Background(), call, wire.NewInitRequest(call.ID), nil)
	return call.future
}

func (b *Bridge) finishInit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initFuture = nil
	if b.state != StateInitializing {
		return
	}
	if err != nil {
		b.state = StateUninitialized
		b.logger.Warn("worker initialization failed", "error", err)
		return
	}
	b.state = StateReady
	b.logger.Info("worker initialized")
}

func (b *Bridge) sendAfterInit(ctx context.Context, initFuture *Future, call *PendingCall, req wire.Request, transfer [][]byte) {
	select {
	case <-initFuture.Done():
	case <-call.future.Done():
		return
	}

	if _, err := initFuture.Result(); err != nil {
		if b.remove(call.ID) {
			b.complete(call, nil, &InitError{Err: err})
		}
		return
	}

	b.mu.Lock()
	_, stillPending := b.pending[call.ID]
	ready := b.state == StateReady
	b.mu.Unlock()

	if !stillPending {
		return
	}
	if !ready {
		if b.remove(call.ID) {
			b.complete(call, nil, ErrChannelClosed)
		}
		return
	}
	b.post(ctx, call, req, transfer)
}

// register allocates the next id and records the pending call. The caller
// must hold b.mu and reports the pending count after unlocking.
func (b *Bridge) register(method string, onProgress func(any)) *PendingCall {
	b.nextID++
	call := &PendingCall{
		ID:         b.nextID,
		Method:     method,
		KeepAlive:  onProgress != nil,
		OnProgress: onProgress,
		future:     newFuture(b.nextID),
		issuedAt:   time.Now(),
	}
	b.pending[call.ID] = call
	return call
}

func (b *Bridge) remove(id uint64) bool {
	b.mu.Lock()
	if _, ok := b.pending[id]; !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, id)
	pending := len(b.pending)
	b.mu.Unlock()

	b.metrics.PendingCalls(pending)
	return true
}

func (b *Bridge) post(ctx context.Context, call *PendingCall, req wire.Request, transfer [][]byte) {
	b.logger.Debug("sending", "id", req.ID, "cmd", req.Cmd, "method", req.Method)

	if err := b.endpoint.Post(ctx, req, transfer...); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			err = ErrChannelClosed
		}
		if b.remove(call.ID) {
			b.complete(call, nil, &SendError{ID: call.ID, Method: call.Method, Err: err})
		}
	}
}

func (b *Bridge) abandon(id uint64, cause error) {
	b.mu.Lock()
	call, ok := b.pending[id]
	b.mu.Unlock()

	if ok && b.remove(id) {
		b.logger.Debug("call abandoned", "id", id, "method", call.Method, "error", cause)
		b.complete(call, nil, cause)
	}
}

// shutdown moves the bridge to Terminated and drains the pending set in
// id order
func (b *Bridge) shutdown() ([]*PendingCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateTerminated {
		return nil, false
	}
	b.state = StateTerminated
	b.initFuture = nil

	calls := make([]*PendingCall, 0, len(b.pending))
	for _, call := range b.pending {
		calls = append(calls, call)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].ID < calls[j].ID })

	b.pending = make(map[uint64]*PendingCall)
	return calls, true
}

func (b *Bridge) closeEndpoint() {
	if err := b.endpoint.Close(); err != nil {
		b.logger.Error("failed to close endpoint", "error", err)
	}
}

// complete settles a call that has already been removed from pending
func (b *Bridge) complete(call *PendingCall, result any, err error) {
	if call.onSettle != nil {
		call.onSettle(err)
	}

	outcome := OutcomeResolved
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = OutcomeCancelled
	case err != nil:
		outcome = OutcomeRejected
	}
	b.metrics.CallCompleted(call.Method, outcome, time.Since(call.issuedAt))

	if err != nil {
		call.settle(func() { call.future.reject(err) })
		return
	}
	call.settle(func() { call.future.resolve(result) })
}

// dispatch handles one inbound message. The endpoint never runs it
// concurrently with itself.
func (b *Bridge) dispatch(resp wire.Response) {
	b.mu.Lock()
	call, ok := b.pending[resp.ID]
	removed := ok && resp.Terminal()
	if removed {
		delete(b.pending, resp.ID)
	}
	pending := len(b.pending)
	b.mu.Unlock()

	if removed {
		b.metrics.PendingCalls(pending)
	}
	if !ok {
		b.logger.Debug("discarding message for unknown call", "id", resp.ID)
		b.metrics.MessageDiscarded()
		return
	}

	switch {
	case resp.Error != nil:
		b.complete(call, nil, resp.Error)
	case resp.IsProgress:
		if call.OnProgress != nil {
			b.deliverProgress(call, resp.Data)
		}
	default:
		b.complete(call, resp.Data, nil)
	}
}

func (b *Bridge) deliverProgress(call *PendingCall, data any) {
	if !call.beginProgress() {
		return
	}
	defer call.endProgress()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("progress handler panicked", "id", call.ID, "method", call.Method, "panic", r)
		}
	}()
	call.OnProgress(data)
	b.metrics.ProgressDelivered(call.Method)
}
