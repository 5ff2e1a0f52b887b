package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	mu       sync.Mutex
	declared []string
	declErr  error
	closed   bool
}

func (c *fakeChannel) PublishWithContext(context.Context, string, string, bool, bool, amqp.Publishing) error {
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return make(chan amqp.Delivery), nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declErr != nil {
		return amqp.Queue{}, c.declErr
	}
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Qos(int, int, bool) error { return nil }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakeConnection struct {
	mu       sync.Mutex
	receiver chan *amqp.Error
	closed   bool
	chErr    error
}

func (c *fakeConnection) Channel() (Channel, error) {
	if c.chErr != nil {
		return nil, c.chErr
	}
	return &fakeChannel{}, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	c.receiver = receiver
	c.mu.Unlock()
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// drop simulates the broker closing the connection
func (c *fakeConnection) drop(reason string) {
	c.mu.Lock()
	c.closed = true
	receiver := c.receiver
	c.mu.Unlock()
	receiver <- &amqp.Error{Code: amqp.ConnectionForced, Reason: reason}
	close(receiver)
}

// fakeBroker hands out connections and fails the first failures dials
type fakeBroker struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConnection
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failures > 0 {
		b.failures--
		return nil, &amqp.Error{Code: amqp.ConnectionForced, Reason: "connection refused"}
	}
	conn := &fakeConnection{}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) last() *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

type recordingListener struct {
	events chan string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{events: make(chan string, 32)}
}

func (l *recordingListener) OnConnected()         { l.events <- "connected" }
func (l *recordingListener) OnDisconnected(error) { l.events <- "disconnected" }
func (l *recordingListener) OnReconnecting(int)   { l.events <- "reconnecting" }
