// Package health runs liveness and readiness checks for the bridge, the
// worker and the broker connection, and serves them over HTTP.
package health
