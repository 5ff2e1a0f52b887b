package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/ingestbridge/worker"
	"golang.org/x/sync/semaphore"
)

// Interceptor wraps the serving of a method call
type Interceptor interface {
	// Intercept serves call, usually by delegating to next
	Intercept(ctx context.Context, call *worker.Call, next worker.Handler) (any, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, call *worker.Call, next worker.Handler) (any, error)
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, call *worker.Call, next worker.Handler) (any, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, call *worker.Call, next worker.Handler) (any, error) {
	return i.fn(ctx, call, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain wraps handler so that the first interceptor runs outermost
func Chain(handler worker.Handler, interceptors ...Interceptor) worker.Handler {
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := handler
		handler = worker.HandlerFunc(func(ctx context.Context, call *worker.Call) (any, error) {
			return interceptor.Intercept(ctx, call, next)
		})
	}
	return handler
}

// LoggingInterceptor logs every call with its duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, call *worker.Call, next worker.Handler) (any, error) {
	start := time.Now()
	i.logger.Debug("handling call", "id", call.ID, "method", call.Method, "args", len(call.Args))

	result, err := next.Serve(ctx, call)
	if err != nil {
		i.logger.Warn("call failed",
			"id", call.ID,
			"method", call.Method,
			"duration", time.Since(start),
			"error", err)
		return nil, err
	}

	i.logger.Debug("call handled",
		"id", call.ID,
		"method", call.Method,
		"duration", time.Since(start))
	return result, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds each call with a deadline
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, call *worker.Call, next worker.Handler) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return next.Serve(ctx, call)
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// ConcurrencyInterceptor caps the number of calls running at once. Calls
// over the cap wait for a slot or for their context to end.
type ConcurrencyInterceptor struct {
	sem *semaphore.Weighted
}

// NewConcurrencyInterceptor creates a concurrency limiter with limit slots
func NewConcurrencyInterceptor(limit int) *ConcurrencyInterceptor {
	return &ConcurrencyInterceptor{sem: semaphore.NewWeighted(int64(limit))}
}

// Intercept implements Interceptor
func (i *ConcurrencyInterceptor) Intercept(ctx context.Context, call *worker.Call, next worker.Handler) (any, error) {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer i.sem.Release(1)
	return next.Serve(ctx, call)
}

// Name implements Interceptor
func (i *ConcurrencyInterceptor) Name() string {
	return "ConcurrencyInterceptor"
}
