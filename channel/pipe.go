package channel

import (
	"context"
	"sync"
)

// Pipe returns two connected in-process endpoints. Messages posted on one
// are delivered, in order, to the handler of the other. Values cross the
// pipe by reference; closing either side closes both.
func Pipe[A, B any]() (Endpoint[A, B], Endpoint[B, A]) {
	shared := &pipeState{done: make(chan struct{})}
	toB := newMailbox[A](shared)
	toA := newMailbox[B](shared)

	a := &pipeEnd[A, B]{state: shared, out: toB, in: toA}
	b := &pipeEnd[B, A]{state: shared, out: toA, in: toB}
	return a, b
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

func (s *pipeState) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *pipeState) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// mailbox is an unbounded FIFO drained by a single delivery goroutine
type mailbox[T any] struct {
	state   *pipeState
	mu      sync.Mutex
	queue   []T
	wake    chan struct{}
	handler func(T)
}

func newMailbox[T any](state *pipeState) *mailbox[T] {
	return &mailbox[T]{
		state: state,
		wake:  make(chan struct{}, 1),
	}
}

func (m *mailbox[T]) push(msg T) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) listen(handler func(T)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler != nil {
		return ErrAlreadyListening
	}
	m.handler = handler
	go m.deliver()
	return nil
}

func (m *mailbox[T]) deliver() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.wake:
				continue
			case <-m.state.done:
				return
			}
		}
		msg := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if m.state.closed() {
			return
		}
		m.handler(msg)
	}
}

type pipeEnd[Out, In any] struct {
	state *pipeState
	out   *mailbox[Out]
	in    *mailbox[In]
}

func (p *pipeEnd[Out, In]) Post(ctx context.Context, msg Out, transfer ...[]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.state.closed() {
		return ErrClosed
	}
	p.out.push(msg)
	return nil
}

func (p *pipeEnd[Out, In]) Listen(handler func(In)) error {
	if p.state.closed() {
		return ErrClosed
	}
	return p.in.listen(handler)
}

func (p *pipeEnd[Out, In]) Close() error {
	p.state.close()
	return nil
}

func (p *pipeEnd[Out, In]) Done() <-chan struct{} {
	return p.state.done
}
