package worker

import (
	"sync"

	"github.com/glimte/ingestbridge/wire"
	"golang.org/x/time/rate"
)

// Call is a method invocation being served by a handler
type Call struct {
	ID     uint64
	Method string
	Args   []any
	Extra  map[string]any

	server   *Server
	limiter  *rate.Limiter
	mu       sync.Mutex
	finished bool
}

// Arg returns the i-th argument, or nil if absent
func (c *Call) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Buffer returns the i-th argument as a binary buffer
func (c *Call) Buffer(i int) (wire.Buffer, bool) {
	switch v := c.Arg(i).(type) {
	case wire.Buffer:
		return v, true
	case []byte:
		return wire.Buffer(v), true
	default:
		return nil, false
	}
}

// String returns an auxiliary routing field as a string
func (c *Call) String(key string) string {
	s, _ := c.Extra[key].(string)
	return s
}

// Strings returns an auxiliary routing field as a list of strings. Lists
// decoded from JSON arrive as []any.
func (c *Call) Strings(key string) []string {
	switch v := c.Extra[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Progress sends a progress notification for this call. Notifications
// after the handler has returned, or over the configured rate, are dropped.
func (c *Call) Progress(data any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.server.metrics.ProgressDropped(c.Method)
		return
	}
	c.server.send(wire.Response{ID: c.ID, IsProgress: true, Data: data})
	c.server.metrics.ProgressSent(c.Method)
}

// finish marks the call complete so its terminal reply is the last message
func (c *Call) finish() {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
}
