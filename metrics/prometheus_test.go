package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glimte/ingestbridge/bridge"
	"github.com/glimte/ingestbridge/channel"
	"github.com/glimte/ingestbridge/wire"
	"github.com/glimte/ingestbridge/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	t.Run("records bridge events", func(t *testing.T) {
		c, err := NewCollector(prometheus.NewRegistry())
		require.NoError(t, err)

		c.CallIssued("convert_file")
		c.CallIssued("convert_file")
		c.CallCompleted("convert_file", bridge.OutcomeResolved, 20*time.Millisecond)
		c.CallCompleted("convert_file", bridge.OutcomeCancelled, time.Second)
		c.ProgressDelivered("convert_file")
		c.MessageDiscarded()
		c.PendingCalls(3)

		assert.Equal(t, 2.0, testutil.ToFloat64(c.callsIssued.WithLabelValues("convert_file")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.callsCompleted.WithLabelValues("convert_file", "resolved")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.callsCompleted.WithLabelValues("convert_file", "cancelled")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.progress.WithLabelValues("convert_file")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.discarded))
		assert.Equal(t, 3.0, testutil.ToFloat64(c.pending))
		assert.Equal(t, 1, testutil.CollectAndCount(c.callDuration))
	})

	t.Run("records worker events", func(t *testing.T) {
		c, err := NewCollector(prometheus.NewRegistry())
		require.NoError(t, err)

		c.CallHandled("probe_file", true, time.Millisecond)
		c.CallHandled("probe_file", false, time.Millisecond)
		c.ProgressSent("convert_file")
		c.ProgressDropped("convert_file")

		assert.Equal(t, 1.0, testutil.ToFloat64(c.callsHandled.WithLabelValues("probe_file", "success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.callsHandled.WithLabelValues("probe_file", "error")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.progressSent.WithLabelValues("convert_file")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.progressDropped.WithLabelValues("convert_file")))
	})

	t.Run("double registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := NewCollector(reg)
		require.NoError(t, err)

		_, err = NewCollector(reg)
		assert.Error(t, err)

		_, err = NewCollector(reg, WithNamespace("other"))
		assert.NoError(t, err)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg, WithNamespace("test"))
	require.NoError(t, err)
	c.MessageDiscarded()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_bridge_messages_discarded_total 1")
}

func TestCollectorWiring(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	controllerEnd, workerEnd := channel.Pipe[wire.Request, wire.Response]()
	srv, err := worker.NewServer(workerEnd, worker.WithMetrics(c), worker.WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, srv.HandleFunc("echo", func(ctx context.Context, call *worker.Call) (any, error) {
		call.Progress(50)
		return call.Arg(0), nil
	}))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	b, err := bridge.New(controllerEnd, bridge.WithMetrics(c), bridge.WithLogger(logger))
	require.NoError(t, err)
	defer b.Terminate()

	got, err := b.Call(context.Background(), "echo", []any{"hi"}, bridge.WithProgress(func(any) {}))
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsIssued.WithLabelValues("echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsCompleted.WithLabelValues("echo", "resolved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsCompleted.WithLabelValues("init", "resolved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.progress.WithLabelValues("echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.progressSent.WithLabelValues("echo")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.pending))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.callsHandled.WithLabelValues("echo", "success")) == 1
	}, time.Second, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.True(t, strings.Contains(strings.Join(names, ","), "ingestbridge_worker_calls_handled_total"))
}
