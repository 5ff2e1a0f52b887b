// Package bridge provides asynchronous remote method calls over a worker
// endpoint.
//
// A Bridge lets a controller drive a detached worker as if it exposed a
// remote object with ordinary asynchronous methods. Every call is tagged
// with a correlation id; responses are demultiplexed by that id into
// progress notifications and a single terminal result or error.
//
// Key features:
//   - Monotonic correlation ids, never reused within a Bridge
//   - One-time initialization that every other call waits behind
//   - Progress streaming for calls registered with WithProgress
//   - Global cancellation with CancelAll
//   - Move semantics for binary arguments with WithTransfer
//
// Basic usage:
//
//	b, err := bridge.New(endpoint, bridge.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//
//	result, err := b.Call(ctx, "convert_file", []any{buf},
//	    bridge.WithTransfer(),
//	    bridge.WithProgress(func(p any) { fmt.Println(p) }),
//	)
//
// Calls issued before initialization has completed are registered
// immediately and sent once the worker acknowledges the init message.
// After CancelAll or Terminate every call fails with ErrChannelClosed
// without touching the endpoint.
package bridge
