// Package channel provides the transport underneath the RPC bridge.
//
// An Endpoint is one side of an ordered, bidirectional message channel
// between two execution contexts: a controller and a detached worker. The
// in-process Pipe connects a controller and a worker running in the same
// process and is what tests use; transports/rabbitmq carries the same
// messages between processes.
//
// Basic usage:
//
//	controller, worker := channel.Pipe[wire.Request, wire.Response]()
//	worker.Listen(func(req wire.Request) { ... })
//	controller.Post(ctx, wire.NewInitRequest(1))
package channel
