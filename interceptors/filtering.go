package interceptors

import (
	"context"

	"github.com/glimte/ingestbridge/worker"
)

// MethodFilter applies an interceptor to a subset of methods and passes
// other calls straight through
type MethodFilter struct {
	inner   Interceptor
	methods map[string]struct{}
	exclude bool
}

// ForMethods applies inner only to the named methods
func ForMethods(inner Interceptor, methods ...string) *MethodFilter {
	return newMethodFilter(inner, methods, false)
}

// ExceptMethods applies inner to every method but the named ones
func ExceptMethods(inner Interceptor, methods ...string) *MethodFilter {
	return newMethodFilter(inner, methods, true)
}

func newMethodFilter(inner Interceptor, methods []string, exclude bool) *MethodFilter {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	return &MethodFilter{inner: inner, methods: set, exclude: exclude}
}

func (f *MethodFilter) applies(method string) bool {
	_, listed := f.methods[method]
	return listed != f.exclude
}

// Intercept implements Interceptor
func (f *MethodFilter) Intercept(ctx context.Context, call *worker.Call, next worker.Handler) (any, error) {
	if !f.applies(call.Method) {
		return next.Serve(ctx, call)
	}
	return f.inner.Intercept(ctx, call, next)
}

// Name implements Interceptor
func (f *MethodFilter) Name() string {
	return "MethodFilter(" + f.inner.Name() + ")"
}
