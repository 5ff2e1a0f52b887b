package rabbitmq

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/ingestbridge/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// memBroker routes publishes to in-memory queues
type memBroker struct {
	mu         sync.Mutex
	queues     map[string]chan amqp.Delivery
	declared   map[string]bool
	published  []amqp.Publishing
	publishErr error
	channels   []*memChannel
}

func newMemBroker() *memBroker {
	return &memBroker{
		queues:   make(map[string]chan amqp.Delivery),
		declared: make(map[string]bool),
	}
}

func (b *memBroker) queue(name string) chan amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan amqp.Delivery, 1024)
		b.queues[name] = q
	}
	return q
}

func (b *memBroker) Channel() (rabbitmq.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := &memChannel{broker: b, done: make(chan struct{})}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (b *memBroker) failPublishes(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

func (b *memBroker) publishings() []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.published...)
}

func (b *memBroker) channelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

func (b *memBroker) lastChannel() *memChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[len(b.channels)-1]
}

// inject places a raw delivery on a queue
func (b *memBroker) inject(queue string, d amqp.Delivery) {
	b.queue(queue) <- d
}

type memChannel struct {
	broker    *memBroker
	once      sync.Once
	done      chan struct{}
	consumers sync.WaitGroup
}

var errChannelClosed = errors.New("channel closed")

func (c *memChannel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *memChannel) PublishWithContext(ctx context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if c.isClosed() {
		return errChannelClosed
	}
	c.broker.mu.Lock()
	err := c.broker.publishErr
	if err == nil {
		c.broker.published = append(c.broker.published, msg)
	}
	c.broker.mu.Unlock()
	if err != nil {
		return err
	}

	c.broker.inject(key, amqp.Delivery{
		Body:          msg.Body,
		CorrelationId: msg.CorrelationId,
		MessageId:     msg.MessageId,
		ContentType:   msg.ContentType,
	})
	return nil
}

func (c *memChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if c.isClosed() {
		return nil, errChannelClosed
	}
	q := c.broker.queue(queue)
	out := make(chan amqp.Delivery)
	c.consumers.Add(1)
	go func() {
		defer c.consumers.Done()
		defer close(out)
		for {
			select {
			case <-c.done:
				return
			case d := <-q:
				select {
				case out <- d:
				case <-c.done:
					q <- d
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *memChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.broker.mu.Lock()
	c.broker.declared[name] = true
	c.broker.mu.Unlock()
	c.broker.queue(name)
	return amqp.Queue{Name: name}, nil
}

func (c *memChannel) Qos(int, int, bool) error { return nil }

// Close stops the channel's consumers before returning, so no delivery
// taken from a queue is still in flight afterwards
func (c *memChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	c.consumers.Wait()
	return nil
}
