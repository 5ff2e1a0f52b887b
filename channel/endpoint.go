package channel

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when posting to or listening on a closed endpoint
	ErrClosed = errors.New("channel: endpoint is closed")

	// ErrAlreadyListening is returned when a second handler is registered
	ErrAlreadyListening = errors.New("channel: handler already registered")
)

// Endpoint is one side of a bidirectional, order-preserving message
// channel between two isolated execution contexts. Out is the type this
// side sends, In the type it receives.
type Endpoint[Out, In any] interface {
	// Post sends msg to the peer. Buffers listed in transfer are handed over
	// without copying; the caller must not touch them after Post returns.
	Post(ctx context.Context, msg Out, transfer ...[]byte) error

	// Listen registers the delivery handler. Messages are delivered one at a
	// time, in arrival order, from a single goroutine. Messages that arrive
	// before Listen is called are buffered.
	Listen(handler func(In)) error

	// Close releases the endpoint. Further Posts fail with ErrClosed.
	Close() error

	// Done is closed once the endpoint has been released by either side.
	Done() <-chan struct{}
}
