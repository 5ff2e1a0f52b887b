package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/ingestbridge/channel"
	"github.com/glimte/ingestbridge/internal/rabbitmq"
	"github.com/glimte/ingestbridge/internal/reliability"
	"github.com/glimte/ingestbridge/wire"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelSource opens broker channels. *rabbitmq.ConnectionManager
// satisfies it.
type ChannelSource interface {
	Channel() (rabbitmq.Channel, error)
}

// Message is anything carrying a correlation id
type Message interface {
	MessageID() uint64
}

// Endpoint is a channel.Endpoint carried over two durable queues: it
// publishes to one and consumes from the other. Messages are JSON encoded,
// so transferred buffers are always copied.
type Endpoint[Out Message, In any] struct {
	source       ChannelSource
	publishQueue string
	consumeQueue string
	breaker      *reliability.CircuitBreaker
	timeout      time.Duration
	prefetch     int
	logger       *slog.Logger

	publishMu sync.Mutex

	mu        sync.Mutex
	ch        rabbitmq.Channel
	handler   func(In)
	consuming bool
	closed    bool
	done      chan struct{}
	// closed when the latest delivery goroutine has returned
	delivered chan struct{}
}

// EndpointConfig holds endpoint settings
type EndpointConfig struct {
	Logger         *slog.Logger
	Breaker        *reliability.CircuitBreaker
	PublishTimeout time.Duration
	Prefetch       int
}

// EndpointOption configures an endpoint
type EndpointOption func(*EndpointConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) EndpointOption {
	return func(cfg *EndpointConfig) {
		cfg.Logger = logger
	}
}

// WithCircuitBreaker guards publishing with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) EndpointOption {
	return func(cfg *EndpointConfig) {
		cfg.Breaker = cb
	}
}

// WithPublishTimeout bounds a single publish
func WithPublishTimeout(timeout time.Duration) EndpointOption {
	return func(cfg *EndpointConfig) {
		cfg.PublishTimeout = timeout
	}
}

// WithPrefetch sets the consumer prefetch count
func WithPrefetch(n int) EndpointOption {
	return func(cfg *EndpointConfig) {
		cfg.Prefetch = n
	}
}

// NewEndpoint creates an endpoint publishing to publishQueue and consuming
// from consumeQueue
func NewEndpoint[Out Message, In any](source ChannelSource, publishQueue, consumeQueue string, options ...EndpointOption) *Endpoint[Out, In] {
	cfg := &EndpointConfig{
		Logger:         slog.Default(),
		PublishTimeout: 10 * time.Second,
		Prefetch:       32,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.Breaker == nil {
		cfg.Breaker = reliability.NewCircuitBreaker(reliability.WithName("publish:" + publishQueue))
	}

	return &Endpoint[Out, In]{
		source:       source,
		publishQueue: publishQueue,
		consumeQueue: consumeQueue,
		breaker:      cfg.Breaker,
		timeout:      cfg.PublishTimeout,
		prefetch:     cfg.Prefetch,
		logger:       cfg.Logger.With("publish_queue", publishQueue, "consume_queue", consumeQueue),
		done:         make(chan struct{}),
	}
}

// NewControllerEndpoint publishes requests and consumes replies
func NewControllerEndpoint(source ChannelSource, requestQueue, replyQueue string, options ...EndpointOption) *Endpoint[wire.Request, wire.Response] {
	return NewEndpoint[wire.Request, wire.Response](source, requestQueue, replyQueue, options...)
}

// NewWorkerEndpoint consumes requests and publishes replies
func NewWorkerEndpoint(source ChannelSource, requestQueue, replyQueue string, options ...EndpointOption) *Endpoint[wire.Response, wire.Request] {
	return NewEndpoint[wire.Response, wire.Request](source, replyQueue, requestQueue, options...)
}

// Post implements channel.Endpoint
func (e *Endpoint[Out, In]) Post(ctx context.Context, msg Out, transfer ...[]byte) error {
	if e.isClosed() {
		return channel.ErrClosed
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %d: %w", msg.MessageID(), err)
	}
	correlationID := strconv.FormatUint(msg.MessageID(), 10)

	// one publish at a time keeps posts in order
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	err = e.breaker.Execute(ctx, func() error {
		ch, err := e.channel()
		if err != nil {
			return err
		}

		publishCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		err = ch.PublishWithContext(publishCtx, "", e.publishQueue, false, false, amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: correlationID,
			MessageId:     uuid.NewString(),
			Timestamp:     time.Now(),
			Body:          body,
		})
		if err != nil {
			e.dropChannel(ch)
		}
		return err
	})
	if err != nil {
		return &rabbitmq.PublishError{
			Queue:         e.publishQueue,
			CorrelationID: correlationID,
			Err:           err,
			Timestamp:     time.Now(),
		}
	}
	return nil
}

// Listen implements channel.Endpoint. Consumption starts here, so messages
// published earlier wait in the queue.
func (e *Endpoint[Out, In]) Listen(handler func(In)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return channel.ErrClosed
	}
	if e.handler != nil {
		return channel.ErrAlreadyListening
	}
	e.handler = handler
	return e.consumeLocked()
}

// Close implements channel.Endpoint
func (e *Endpoint[Out, In]) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	ch := e.ch
	e.ch = nil
	e.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}
	return nil
}

// Done implements channel.Endpoint
func (e *Endpoint[Out, In]) Done() <-chan struct{} {
	return e.done
}

// OnConnected resumes consuming on the new connection
func (e *Endpoint[Out, In]) OnConnected() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.handler == nil || e.consuming {
		return
	}
	if err := e.consumeLocked(); err != nil {
		e.logger.Error("failed to resume consuming", "error", err)
	}
}

// OnDisconnected forgets the dead channel
func (e *Endpoint[Out, In]) OnDisconnected(err error) {
	e.mu.Lock()
	e.ch = nil
	e.consuming = false
	e.mu.Unlock()
	e.logger.Warn("endpoint lost broker connection", "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (e *Endpoint[Out, In]) OnReconnecting(attempt int) {
	e.logger.Debug("endpoint waiting for reconnect", "attempt", attempt)
}

func (e *Endpoint[Out, In]) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Endpoint[Out, In]) channel() (rabbitmq.Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, channel.ErrClosed
	}
	return e.channelLocked()
}

func (e *Endpoint[Out, In]) channelLocked() (rabbitmq.Channel, error) {
	if e.ch != nil {
		return e.ch, nil
	}

	ch, err := e.source.Channel()
	if err != nil {
		return nil, err
	}
	if err := rabbitmq.DeclareQueues(ch, e.publishQueue, e.consumeQueue); err != nil {
		ch.Close()
		return nil, err
	}
	e.ch = ch
	return ch, nil
}

// dropChannel discards ch after a failure so the next use opens a new one
func (e *Endpoint[Out, In]) dropChannel(ch rabbitmq.Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ch != ch {
		return
	}
	e.ch = nil
	e.consuming = false
	ch.Close()

	if e.closed || e.handler == nil {
		return
	}
	if err := e.consumeLocked(); err != nil {
		e.logger.Warn("failed to resume consuming after channel failure", "error", err)
	}
}

func (e *Endpoint[Out, In]) consumeLocked() error {
	ch, err := e.channelLocked()
	if err != nil {
		return err
	}
	if err := ch.Qos(e.prefetch, 0, false); err != nil {
		return &rabbitmq.ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(e.consumeQueue, "", true, false, false, false, nil)
	if err != nil {
		return &rabbitmq.ChannelError{Op: "consume", Err: err, Timestamp: time.Now()}
	}
	e.consuming = true

	prev := e.delivered
	finished := make(chan struct{})
	e.delivered = finished
	go e.deliver(ch, e.handler, deliveries, prev, finished)
	return nil
}

// deliver hands messages to the handler. It starts only after the
// goroutine serving the previous channel has returned, so the handler is
// never run concurrently and messages keep their queue order.
func (e *Endpoint[Out, In]) deliver(ch rabbitmq.Channel, handler func(In), deliveries <-chan amqp.Delivery, prev <-chan struct{}, finished chan struct{}) {
	defer close(finished)
	defer func() {
		e.mu.Lock()
		if e.ch == ch {
			e.consuming = false
		}
		e.mu.Unlock()
	}()

	if prev != nil {
		<-prev
	}

	for d := range deliveries {
		if e.isClosed() {
			return
		}

		var msg In
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			e.logger.Warn("discarding undecodable message",
				"correlation_id", d.CorrelationId,
				"message_id", d.MessageId,
				"error", err)
			continue
		}
		handler(msg)
	}
}

var (
	_ channel.Endpoint[wire.Request, wire.Response] = (*Endpoint[wire.Request, wire.Response])(nil)
	_ rabbitmq.ConnectionStateListener              = (*Endpoint[wire.Request, wire.Response])(nil)
)
