// Package worker serves bridge calls on the worker side of an endpoint.
//
// A Server answers two kinds of request. "init" runs the configured
// Initializer once and replies "init_ok". "call_method" dispatches to the
// Handler registered for the method; each call runs in its own goroutine,
// so the controller may keep several calls in flight. Handlers stream
// progress through Call.Progress and finish by returning a result or an
// error. Errors cross the wire as {code, message}.
//
// Basic usage:
//
//	srv, _ := worker.NewServer(endpoint, worker.WithInitializer(loadModule))
//	srv.HandleFunc("probe_file", func(ctx context.Context, call *worker.Call) (any, error) {
//	    buf, _ := call.Buffer(0)
//	    return probe(buf)
//	})
//	srv.Start(ctx)
package worker
