package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/ingestbridge/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingInterceptor(name string, trace *[]string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, call *worker.Call, next worker.Handler) (any, error) {
		*trace = append(*trace, name+":before")
		result, err := next.Serve(ctx, call)
		*trace = append(*trace, name+":after")
		return result, err
	})
}

func TestChain(t *testing.T) {
	t.Run("no interceptors returns the handler", func(t *testing.T) {
		handler := worker.HandlerFunc(func(ctx context.Context, call *worker.Call) (any, error) {
			return call.Method, nil
		})
		result, err := Chain(handler).Serve(context.Background(), &worker.Call{Method: "probe_file"})
		require.NoError(t, err)
		assert.Equal(t, "probe_file", result)
	})

	t.Run("first interceptor runs outermost", func(t *testing.T) {
		var trace []string
		handler := worker.HandlerFunc(func(ctx context.Context, call *worker.Call) (any, error) {
			trace = append(trace, "handler")
			return nil, nil
		})

		chained := Chain(handler, recordingInterceptor("first", &trace), recordingInterceptor("second", &trace))
		_, err := chained.Serve(context.Background(), &worker.Call{})
		require.NoError(t, err)

		assert.Equal(t, []string{"first:before", "second:before", "handler", "second:after", "first:after"}, trace)
	})

	t.Run("interceptor can short-circuit", func(t *testing.T) {
		denied := errors.New("denied")
		called := false
		handler := worker.HandlerFunc(func(ctx context.Context, call *worker.Call) (any, error) {
			called = true
			return nil, nil
		})
		deny := NewInterceptorFunc("deny", func(ctx context.Context, call *worker.Call, next worker.Handler) (any, error) {
			return nil, denied
		})

		_, err := Chain(handler, deny).Serve(context.Background(), &worker.Call{})
		assert.ErrorIs(t, err, denied)
		assert.False(t, called)
		assert.Equal(t, "deny", deny.Name())
	})
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	li := NewLoggingInterceptor(logger)

	ok := worker.HandlerFunc(func(ctx context.Context, call *worker.Call) (any, error) { return 1, nil })
	failing := worker.HandlerFunc(func(ctx context.Context, call *worker.Call) (any, error) {
		return nil, errors.New("bad header")
	})

	result, err := li.Intercept(context.Background(), &worker.Call{ID: 3, Method: "probe_file"}, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, result)
	assert.Contains(t, buf.String(), "call handled")

	_, err = li.Intercept(context.Background(), &worker.Call{ID: 4, Method: "convert_file"}, failing)
	assert.Error(t, err)
	assert.Contains(t, buf.String(), "call failed")
	assert.Contains(t, buf.String(), "bad header")
}

func TestTimeoutInterceptor(t *testing.T) {
	ti := NewTimeoutInterceptor(10 * time.Millisecond)
	slow := worker.HandlerFunc(func(ctx context.Context, call *worker.Call) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := ti.Intercept(context.Background(), &worker.Call{}, slow)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrencyInterceptor(t *testing.T) {
	t.Run("caps running calls", func(t *testing.T) {
		ci := NewConcurrencyInterceptor(2)
		var running, peak int32
		handler := worker.HandlerFunc(func(ctx context.Context, call *worker.Call) (any, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = ci.Intercept(context.Background(), &worker.Call{}, handler)
			}()
		}
		wg.Wait()
		assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	})

	t.Run("waiting call gives up with its context", func(t *testing.T) {
		ci := NewConcurrencyInterceptor(1)
		release := make(chan struct{})
		started := make(chan struct{})
		blocker := worker.HandlerFunc(func(ctx context.Context, call *worker.Call) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
		go ci.Intercept(context.Background(), &worker.Call{}, blocker)
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := ci.Intercept(ctx, &worker.Call{}, blocker)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		close(release)
	})
}

func TestMethodFilter(t *testing.T) {
	var trace []string
	handler := worker.HandlerFunc(func(ctx context.Context, call *worker.Call) (any, error) { return nil, nil })

	only := ForMethods(recordingInterceptor("only", &trace), "convert_file")
	_, _ = only.Intercept(context.Background(), &worker.Call{Method: "convert_file"}, handler)
	_, _ = only.Intercept(context.Background(), &worker.Call{Method: "probe_file"}, handler)
	assert.Equal(t, []string{"only:before", "only:after"}, trace)

	trace = nil
	except := ExceptMethods(recordingInterceptor("except", &trace), "cancel_ingesting_data")
	_, _ = except.Intercept(context.Background(), &worker.Call{Method: "cancel_ingesting_data"}, handler)
	_, _ = except.Intercept(context.Background(), &worker.Call{Method: "probe_file"}, handler)
	assert.Equal(t, []string{"except:before", "except:after"}, trace)
	assert.Equal(t, "MethodFilter(except)", except.Name())
}
