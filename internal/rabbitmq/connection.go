package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/ingestbridge/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by the transport
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// Connection is the subset of *amqp.Connection used by the manager
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP dials a real broker
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager keeps one broker connection open, reconnecting with
// backoff when the broker drops it
type ConnectionManager struct {
	url         string
	dial        Dialer
	backoff     reliability.Backoff
	dialTimeout time.Duration
	logger      *slog.Logger

	mu          sync.RWMutex
	conn        Connection
	isConnected bool
	closed      bool
	done        chan struct{}

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithBackoff sets the reconnect policy
func WithBackoff(policy reliability.Backoff) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = policy
	}
}

// WithReconnectDelay uses exponential backoff starting at delay, capped at
// five minutes, for at most maxRetries attempts (negative for no limit)
func WithReconnectDelay(delay time.Duration, maxRetries int) ConnectionOption {
	return WithBackoff(reliability.NewExponentialBackoff(delay, 5*time.Minute, 2, maxRetries))
}

// WithDialer replaces the broker dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a connection manager for url
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dial:        DialAMQP,
		backoff:     reliability.NewExponentialBackoff(5*time.Second, 5*time.Minute, 2, -1),
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect dials the broker, retrying under the backoff policy until ctx
// ends
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.RLock()
	connected, closed := cm.isConnected, cm.closed
	cm.mu.RUnlock()
	if connected {
		return nil
	}
	if closed {
		return ErrConnectionClosed
	}

	attempts := 0
	err := reliability.Retry(ctx, cm.backoff, "connect", func() error {
		attempts++
		conn, err := cm.dialOnce(ctx)
		if err != nil {
			cm.logger.Warn("failed to connect to RabbitMQ",
				"url", SanitizeURL(cm.url),
				"attempt", attempts,
				"error", err)
			return err
		}
		cm.attach(conn)
		return nil
	})
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()
	return nil
}

// Channel opens a channel on the current connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cm.isConnected = false
	close(cm.done)
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) dialOnce(ctx context.Context) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	out := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		out <- result{conn, err}
	}()

	select {
	case r := <-out:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			// close a connection that arrives after the deadline
			if r := <-out; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, reliability.RetryableError{Err: ctx.Err(), Retryable: false}
		}
		return nil, ErrConnectionTimeout
	}
}

// attach installs conn and starts watching it for closure
func (cm *ConnectionManager) attach(conn Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	cm.conn = conn
	cm.isConnected = true
	cm.mu.Unlock()

	go cm.watch(notifyClose)
}

// watch waits for the connection to drop and reconnects
func (cm *ConnectionManager) watch(notifyClose chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
			cm.logger.Error("connection closed", "error", amqpErr)
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(err)
		cm.reconnect()

	case <-cm.done:
	}
}

// reconnect dials until it succeeds, the policy gives up or the manager
// is closed
func (cm *ConnectionManager) reconnect() {
	startTime := time.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-cm.done:
			return
		default:
		}

		if attempt > 0 {
			retry, delay := cm.backoff.ShouldRetry(attempt-1, ErrConnectionClosed)
			if !retry {
				cm.logger.Error("max reconnection attempts reached",
					"attempts", attempt,
					"duration", time.Since(startTime))
				cm.notifyDisconnected(&ConnectionError{
					Op:        "reconnect",
					URL:       SanitizeURL(cm.url),
					Err:       ErrMaxRetriesExceeded,
					Timestamp: time.Now(),
					Attempts:  attempt,
				})
				return
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-cm.done:
				timer.Stop()
				return
			}
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1)
		cm.notifyReconnecting(attempt + 1)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-cm.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := cm.dialOnce(ctx)
		cancel()
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			conn.Close()
			return
		}
		cm.mu.Unlock()

		cm.attach(conn)
		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(startTime))
		cm.notifyConnected()
		return
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		go listener.OnReconnecting(attempt)
	}
}
