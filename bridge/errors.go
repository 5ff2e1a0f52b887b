package bridge

import (
	"errors"
	"fmt"

	"github.com/glimte/ingestbridge/wire"
)

var (
	// ErrCancelled matches the error CancelAll delivers to every pending
	// call. Each call receives its own copy.
	ErrCancelled = wire.NewRemoteError(wire.CodeCancelled, "Cancelled")

	// ErrChannelClosed is returned for calls issued after termination
	ErrChannelClosed = errors.New("bridge: channel is closed")

	ErrEmptyMethod = errors.New("bridge: method cannot be empty")
	ErrNilEndpoint = errors.New("bridge: endpoint cannot be nil")
	ErrPending     = errors.New("bridge: call has not settled")
)

func cancelled() *wire.RemoteError {
	return wire.NewRemoteError(wire.CodeCancelled, "Cancelled")
}

// SendError reports a message that could not be handed to the endpoint
type SendError struct {
	ID     uint64
	Method string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("bridge: send %s (id=%d) failed: %v", e.Method, e.ID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// InitError wraps the failure of the initialization call for calls that
// were waiting behind it
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("bridge: initialization failed: %v", e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
