package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/ingestbridge/bridge"
	"github.com/glimte/ingestbridge/channel"
	"github.com/glimte/ingestbridge/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedWorker answers init itself and hands every call to the test
type scriptedWorker struct {
	endpoint channel.Endpoint[wire.Response, wire.Request]
	calls    chan wire.Request
}

func newScriptedClient(t *testing.T) (*Client, *bridge.Bridge, *scriptedWorker) {
	t.Helper()
	controllerEnd, workerEnd := channel.Pipe[wire.Request, wire.Response]()

	w := &scriptedWorker{endpoint: workerEnd, calls: make(chan wire.Request, 16)}
	require.NoError(t, workerEnd.Listen(func(req wire.Request) {
		if req.Cmd == wire.CommandInit {
			w.reply(wire.Response{ID: req.ID, Data: "init_ok"})
			return
		}
		w.calls <- req
	}))

	b, err := bridge.New(controllerEnd, bridge.WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(b.Terminate)
	return NewClient(b, WithLogger(discardLogger())), b, w
}

func (w *scriptedWorker) reply(resp wire.Response) {
	_ = w.endpoint.Post(context.Background(), resp)
}

func (w *scriptedWorker) next(t *testing.T) wire.Request {
	t.Helper()
	select {
	case req := <-w.calls:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no call received")
		return wire.Request{}
	}
}

func TestClientRouting(t *testing.T) {
	t.Run("convert_file carries routing fields", func(t *testing.T) {
		client, _, w := newScriptedClient(t)

		var progress []int
		done := make(chan error, 1)
		go func() {
			_, err := client.ConvertFile(context.Background(), wire.Buffer("data"), ConvertOptions{
				SelectedFiles: []string{"a.csv"},
				Sheet:         "a.csv",
				Extension:     "zip",
				OnProgress:    func(pct int) { progress = append(progress, pct) },
			})
			done <- err
		}()

		req := w.next(t)
		assert.Equal(t, MethodConvertFile, req.Method)
		assert.Equal(t, []any{wire.Buffer("data")}, req.Args)
		assert.Equal(t, map[string]any{
			FieldSelectedFiles: []string{"a.csv"},
			FieldSheet:         "a.csv",
			FieldExtension:     "zip",
		}, req.Extra)

		w.reply(wire.Response{ID: req.ID, IsProgress: true, Data: 40})
		w.reply(wire.Response{ID: req.ID, IsProgress: true, Data: float64(80)})
		w.reply(wire.Response{ID: req.ID, Data: wire.Buffer("table")})

		require.NoError(t, <-done)
		assert.Equal(t, []int{40, 80}, progress)
	})

	t.Run("probe defaults selected files to an empty list", func(t *testing.T) {
		client, _, w := newScriptedClient(t)

		done := make(chan *ProbeResult, 1)
		go func() {
			probe, _ := client.ProbeFile(context.Background(), wire.Buffer("x"), ProbeOptions{})
			done <- probe
		}()

		req := w.next(t)
		assert.Equal(t, MethodProbeFile, req.Method)
		assert.Equal(t, map[string]any{FieldSelectedFiles: []string{}}, req.Extra)

		// a remote worker hands back decoded JSON
		w.reply(wire.Response{ID: req.ID, Data: map[string]any{
			"compression": "none",
			"columns":     []any{"a"},
			"rows":        float64(4),
		}})
		probe := <-done
		require.NotNil(t, probe)
		assert.Equal(t, &ProbeResult{Compression: CompressionNone, Columns: []string{"a"}, Rows: 4}, probe)
	})

	t.Run("unexpected convert result", func(t *testing.T) {
		client, _, w := newScriptedClient(t)

		done := make(chan error, 1)
		go func() {
			_, err := client.ConvertFile(context.Background(), wire.Buffer("x"), ConvertOptions{})
			done <- err
		}()
		req := w.next(t)
		w.reply(wire.Response{ID: req.ID, Data: "not a buffer"})
		assert.Error(t, <-done)
	})
}

func TestClientCancel(t *testing.T) {
	client, b, w := newScriptedClient(t)

	errs := make(chan error, 2)
	go func() {
		_, err := client.ConvertFile(context.Background(), wire.Buffer("a"), ConvertOptions{})
		errs <- err
	}()
	go func() {
		_, err := client.ProbeFile(context.Background(), wire.Buffer("b"), ProbeOptions{})
		errs <- err
	}()
	w.next(t)
	w.next(t)

	assert.True(t, client.Cancel())
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errs, bridge.ErrCancelled)
	}
	assert.Equal(t, bridge.StateTerminated, b.State())
	assert.Equal(t, 0, b.PendingCount())

	_, err := client.GetColumnTypes(context.Background())
	assert.ErrorIs(t, err, bridge.ErrChannelClosed)
}
