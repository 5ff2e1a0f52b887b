package bridge

import "github.com/glimte/ingestbridge/wire"

// CallOption configures a single call
type CallOption func(*callOptions)

type callOptions struct {
	onProgress func(any)
	transfer   bool
	extra      map[string]any
}

// WithProgress registers a handler for progress notifications. The call
// stays pending across notifications until its terminal message.
func WithProgress(fn func(data any)) CallOption {
	return func(o *callOptions) {
		o.onProgress = fn
	}
}

// WithTransfer moves a binary first argument to the worker instead of
// copying it. The caller must not use the buffer afterwards.
func WithTransfer() CallOption {
	return func(o *callOptions) {
		o.transfer = true
	}
}

// WithExtra adds an auxiliary routing field to the wire message
func WithExtra(key string, value any) CallOption {
	return func(o *callOptions) {
		if o.extra == nil {
			o.extra = make(map[string]any)
		}
		o.extra[key] = value
	}
}

// prepareArgs gives binary arguments copy semantics, except a first
// argument moved with WithTransfer
func prepareArgs(args []any, transfer bool) ([]any, [][]byte) {
	if len(args) == 0 {
		return args, nil
	}

	out := make([]any, len(args))
	var moved [][]byte
	for i, arg := range args {
		var buf wire.Buffer
		switch v := arg.(type) {
		case wire.Buffer:
			buf = v
		case []byte:
			buf = wire.Buffer(v)
		default:
			out[i] = arg
			continue
		}

		if i == 0 && transfer {
			out[i] = buf
			moved = append(moved, buf)
			continue
		}
		out[i] = buf.Clone()
	}
	return out, moved
}
