package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{"init", NewInitRequest(1), ""},
		{"call", NewCallRequest(2, "probe_file", nil, nil), ""},
		{"zero id", Request{Cmd: CommandInit}, `"id"`},
		{"call without method", Request{ID: 3, Cmd: CommandCallMethod}, `"method"`},
		{"init with method", Request{ID: 4, Cmd: CommandInit, Method: "x"}, `"cmd"`},
		{"unknown cmd", Request{ID: 5, Cmd: "subscribe"}, `unknown command`},
		{"reserved extra", NewCallRequest(6, "m", nil, map[string]any{"id": 9}), `reserved`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequestJSON(t *testing.T) {
	t.Run("flattens extra routing fields", func(t *testing.T) {
		req := NewCallRequest(7, "convert_file", []any{Buffer("a,b\n1,2\n")}, map[string]any{
			"sheet": "Sheet1",
			"ext":   "csv",
		})

		data, err := json.Marshal(req)
		require.NoError(t, err)

		var obj map[string]any
		require.NoError(t, json.Unmarshal(data, &obj))
		assert.Equal(t, "call_method", obj["cmd"])
		assert.Equal(t, "Sheet1", obj["sheet"])
		assert.Equal(t, "csv", obj["ext"])
		assert.EqualValues(t, 7, obj["id"])
	})

	t.Run("restores buffers and extra on decode", func(t *testing.T) {
		raw := `{"id":9,"cmd":"call_method","method":"probe_file","args":[{"$buffer":"aGVsbG8="},"x"],"selected_files":["a.csv"]}`

		var req Request
		require.NoError(t, json.Unmarshal([]byte(raw), &req))
		assert.Equal(t, uint64(9), req.ID)
		assert.Equal(t, CommandCallMethod, req.Cmd)
		require.Len(t, req.Args, 2)
		assert.Equal(t, Buffer("hello"), req.Args[0])
		assert.Equal(t, "x", req.Args[1])
		assert.Equal(t, []any{"a.csv"}, req.Extra["selected_files"])
	})

	t.Run("rejects invalid variant on decode", func(t *testing.T) {
		var req Request
		err := json.Unmarshal([]byte(`{"id":1,"cmd":"call_method"}`), &req)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "method", verr.Field)
	})

	t.Run("marshal refuses invalid request", func(t *testing.T) {
		_, err := json.Marshal(Request{ID: 1, Cmd: CommandCallMethod})
		assert.Error(t, err)
	})
}

func TestResponseJSON(t *testing.T) {
	t.Run("progress flag and data", func(t *testing.T) {
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(`{"id":4,"isProgress":true,"data":{"pct":10}}`), &resp))
		assert.True(t, resp.IsProgress)
		assert.False(t, resp.Terminal())
		assert.Equal(t, map[string]any{"pct": float64(10)}, resp.Data)
	})

	t.Run("error is terminal", func(t *testing.T) {
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(`{"id":4,"error":{"code":520,"message":"Parser error"}}`), &resp))
		assert.True(t, resp.Terminal())
		assert.Equal(t, &RemoteError{Code: 520, Message: "Parser error"}, resp.Error)
	})

	t.Run("binary result survives encoding", func(t *testing.T) {
		data, err := json.Marshal(Response{ID: 5, Data: Buffer{0x00, 0xff, 0x10}})
		require.NoError(t, err)

		var resp Response
		require.NoError(t, json.Unmarshal(data, &resp))
		assert.Equal(t, Buffer{0x00, 0xff, 0x10}, resp.Data)
	})

	t.Run("progress with error is terminal", func(t *testing.T) {
		var resp Response
		err := json.Unmarshal([]byte(`{"id":4,"isProgress":true,"error":{"code":1,"message":"x"}}`), &resp)
		require.NoError(t, err)
		assert.True(t, resp.Terminal())
		assert.Equal(t, NewRemoteError(1, "x"), resp.Error)
	})
}

func TestRemoteError(t *testing.T) {
	t.Run("Is compares code and message", func(t *testing.T) {
		err := fmt.Errorf("call failed: %w", NewRemoteError(CodeCancelled, "Cancelled"))
		assert.True(t, errors.Is(err, &RemoteError{Code: 500, Message: "Cancelled"}))
		assert.False(t, errors.Is(err, &RemoteError{Code: 500, Message: "other"}))
	})

	t.Run("AsRemoteError wraps plain errors", func(t *testing.T) {
		assert.Nil(t, AsRemoteError(nil))
		assert.Equal(t, &RemoteError{Code: CodeHandlerFailed, Message: "boom"}, AsRemoteError(errors.New("boom")))

		re := NewRemoteError(CodeConflict, "dup")
		assert.Same(t, re, AsRemoteError(fmt.Errorf("wrapped: %w", re)))
	})
}

func TestBufferClone(t *testing.T) {
	orig := Buffer("abc")
	clone := orig.Clone()
	clone[0] = 'z'
	assert.Equal(t, Buffer("abc"), orig)
	assert.Nil(t, Buffer(nil).Clone())
}
