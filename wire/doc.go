// Package wire defines the messages exchanged between a controller and a
// worker endpoint.
//
// Controller to worker:
//
//	{"id": 3, "cmd": "call_method", "method": "probe_file", "args": [...], "ext": "csv"}
//
// Worker to controller:
//
//	{"id": 3, "data": {...}}                       terminal result
//	{"id": 3, "error": {"code": 520, "message": ...}} terminal error
//	{"id": 3, "isProgress": true, "data": {...}}    progress notification
//
// Binary payloads are carried as Buffer and encoded as {"$buffer": "<base64>"}
// when a message crosses a serializing transport.
package wire
