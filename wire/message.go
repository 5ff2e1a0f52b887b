package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Command discriminates controller-to-worker messages
type Command string

const (
	CommandInit       Command = "init"
	CommandCallMethod Command = "call_method"
)

// Request is a controller-to-worker message. Cmd selects the variant:
// CommandInit carries no method or args, CommandCallMethod requires Method.
type Request struct {
	ID     uint64
	Cmd    Command
	Method string
	Args   []any
	// Extra holds auxiliary routing fields passed through to the worker
	// untouched. They are flattened into the top-level JSON object.
	Extra map[string]any
}

// NewInitRequest builds the initialization message
func NewInitRequest(id uint64) Request {
	return Request{ID: id, Cmd: CommandInit}
}

// NewCallRequest builds a method call message
func NewCallRequest(id uint64, method string, args []any, extra map[string]any) Request {
	return Request{
		ID:     id,
		Cmd:    CommandCallMethod,
		Method: method,
		Args:   args,
		Extra:  extra,
	}
}

// MessageID returns the correlation id
func (r Request) MessageID() uint64 { return r.ID }

// Validate checks the per-variant required fields
func (r Request) Validate() error {
	if r.ID == 0 {
		return &ValidationError{Field: "id", Reason: "must be positive"}
	}
	switch r.Cmd {
	case CommandInit:
		if r.Method != "" || len(r.Args) > 0 {
			return &ValidationError{Field: "cmd", Reason: "init takes no method or args"}
		}
	case CommandCallMethod:
		if r.Method == "" {
			return &ValidationError{Field: "method", Reason: "required for call_method"}
		}
	default:
		return &ValidationError{Field: "cmd", Reason: fmt.Sprintf("unknown command %q", r.Cmd)}
	}
	for key := range r.Extra {
		if isReservedRequestField(key) {
			return &ValidationError{Field: key, Reason: "reserved field name"}
		}
	}
	return nil
}

// Response is a worker-to-controller message. A response without
// IsProgress, or with an error, is terminal for its id.
type Response struct {
	ID         uint64       `json:"id"`
	Data       any          `json:"data,omitempty"`
	Error      *RemoteError `json:"error,omitempty"`
	IsProgress bool         `json:"isProgress,omitempty"`
}

// MessageID returns the correlation id
func (r Response) MessageID() uint64 { return r.ID }

// Terminal reports whether the response ends its call
func (r Response) Terminal() bool {
	return r.Error != nil || !r.IsProgress
}

// Validate checks a response at the decoding boundary
func (r Response) Validate() error {
	if r.ID == 0 {
		return &ValidationError{Field: "id", Reason: "must be positive"}
	}
	return nil
}

// Buffer is a binary payload. It may be moved across an endpoint instead
// of copied; see channel.Endpoint.Post.
type Buffer []byte

// Clone returns a copy backed by fresh memory
func (b Buffer) Clone() Buffer {
	if b == nil {
		return nil
	}
	return append(Buffer(nil), b...)
}

type bufferJSON struct {
	Buffer string `json:"$buffer"`
}

// MarshalJSON encodes the buffer as {"$buffer": "<base64>"} so it
// survives decoding into an untyped value on the other side.
func (b Buffer) MarshalJSON() ([]byte, error) {
	return json.Marshal(bufferJSON{Buffer: base64.StdEncoding.EncodeToString(b)})
}

// UnmarshalJSON decodes the {"$buffer": ...} form
func (b *Buffer) UnmarshalJSON(data []byte) error {
	var bj bufferJSON
	if err := json.Unmarshal(data, &bj); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(bj.Buffer)
	if err != nil {
		return fmt.Errorf("decode buffer: %w", err)
	}
	*b = raw
	return nil
}

var reservedRequestFields = map[string]struct{}{
	"id": {}, "cmd": {}, "method": {}, "args": {},
}

func isReservedRequestField(name string) bool {
	_, ok := reservedRequestFields[name]
	return ok
}

// MarshalJSON flattens Extra next to the fixed fields
func (r Request) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	obj := make(map[string]any, len(r.Extra)+4)
	for k, v := range r.Extra {
		obj[k] = v
	}
	obj["id"] = r.ID
	obj["cmd"] = r.Cmd
	if r.Method != "" {
		obj["method"] = r.Method
	}
	if r.Args != nil {
		obj["args"] = r.Args
	}
	return json.Marshal(obj)
}

// UnmarshalJSON splits the object into fixed fields and Extra
func (r *Request) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var req Request
	for key, raw := range fields {
		var err error
		switch key {
		case "id":
			err = json.Unmarshal(raw, &req.ID)
		case "cmd":
			err = json.Unmarshal(raw, &req.Cmd)
		case "method":
			err = json.Unmarshal(raw, &req.Method)
		case "args":
			var items []json.RawMessage
			if err = json.Unmarshal(raw, &items); err == nil {
				req.Args = make([]any, 0, len(items))
				for _, item := range items {
					v, derr := decodeValue(item)
					if derr != nil {
						err = derr
						break
					}
					req.Args = append(req.Args, v)
				}
			}
		default:
			var v any
			if v, err = decodeValue(raw); err == nil {
				if req.Extra == nil {
					req.Extra = make(map[string]any)
				}
				req.Extra[key] = v
			}
		}
		if err != nil {
			return &ValidationError{Field: key, Reason: err.Error()}
		}
	}

	if err := req.Validate(); err != nil {
		return err
	}
	*r = req
	return nil
}

// UnmarshalJSON restores buffers inside Data
func (r *Response) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID         uint64          `json:"id"`
		Data       json.RawMessage `json:"data"`
		Error      *RemoteError    `json:"error"`
		IsProgress bool            `json:"isProgress"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	resp := Response{ID: aux.ID, Error: aux.Error, IsProgress: aux.IsProgress}
	if len(aux.Data) > 0 {
		v, err := decodeValue(aux.Data)
		if err != nil {
			return &ValidationError{Field: "data", Reason: err.Error()}
		}
		resp.Data = v
	}
	if err := resp.Validate(); err != nil {
		return err
	}
	*r = resp
	return nil
}

// decodeValue decodes an untyped JSON value, turning {"$buffer": ...}
// objects back into Buffer.
func decodeValue(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' && bytes.Contains(trimmed, []byte(`"$buffer"`)) {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err == nil && len(probe) == 1 {
			if _, ok := probe["$buffer"]; ok {
				var b Buffer
				if err := b.UnmarshalJSON(trimmed); err != nil {
					return nil, err
				}
				return b, nil
			}
		}
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, err
	}
	return v, nil
}
