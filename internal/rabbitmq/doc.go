// Package rabbitmq holds the broker plumbing behind the AMQP transport.
//
//   - ConnectionManager keeps one connection open and redials with backoff
//     when the broker drops it, notifying state listeners.
//   - DeclareQueues declares the durable request and reply queues.
//
// Channel and Connection mirror the parts of amqp091-go the transport uses
// so both can be replaced with fakes in tests.
package rabbitmq
