package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/ingestbridge/bridge"
	"github.com/glimte/ingestbridge/internal/rabbitmq"
)

// ConnectionSource exposes the broker connection. *rabbitmq.ConnectionManager
// satisfies it.
type ConnectionSource interface {
	GetConnection() (rabbitmq.Connection, error)
}

// BrokerChecker verifies the broker connection can open a channel
type BrokerChecker struct {
	source ConnectionSource
}

// NewBrokerChecker creates a broker checker
func NewBrokerChecker(source ConnectionSource) *BrokerChecker {
	return &BrokerChecker{source: source}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

// Check opens and closes a channel on the current connection
func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	conn, err := c.source.GetConnection()
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "no broker connection", Error: err.Error()}
	}

	start := time.Now()
	ch, err := conn.Channel()
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "failed to open channel", Error: err.Error()}
	}
	ch.Close()

	return CheckResult{
		Status:  StatusHealthy,
		Message: "connected",
		Details: map[string]any{"channel_open_ms": time.Since(start).Milliseconds()},
	}
}

// BridgeState is the part of a bridge the checker reads
type BridgeState interface {
	State() bridge.State
	PendingCount() int
}

// BridgeChecker reports the controller bridge lifecycle
type BridgeChecker struct {
	bridge BridgeState
}

// NewBridgeChecker creates a bridge checker
func NewBridgeChecker(b BridgeState) *BridgeChecker {
	return &BridgeChecker{bridge: b}
}

func (c *BridgeChecker) Name() string {
	return "bridge"
}

// Check maps the bridge lifecycle onto a status and reports the calls
// still waiting for a reply
func (c *BridgeChecker) Check(ctx context.Context) CheckResult {
	state := c.bridge.State()
	result := CheckResult{
		Status:  StatusHealthy,
		Message: state.String(),
		Pending: c.bridge.PendingCount(),
	}

	switch state {
	case bridge.StateTerminated:
		result.Status = StatusUnhealthy
	case bridge.StateInitializing:
		result.Status = StatusDegraded
	}
	return result
}

// WorkerState is the part of a worker server the checker reads
type WorkerState interface {
	Initialized() bool
	HandlerCount() int
}

// WorkerChecker reports whether the worker has been initialized. A worker
// waiting for its first init is degraded, not unhealthy.
type WorkerChecker struct {
	worker WorkerState
}

// NewWorkerChecker creates a worker checker
func NewWorkerChecker(w WorkerState) *WorkerChecker {
	return &WorkerChecker{worker: w}
}

func (c *WorkerChecker) Name() string {
	return "worker"
}

func (c *WorkerChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Status:  StatusHealthy,
		Message: "initialized",
		Details: map[string]any{"methods": c.worker.HandlerCount()},
	}
	if !c.worker.Initialized() {
		result.Status = StatusDegraded
		result.Message = "waiting for init"
	}
	return result
}

// RuntimeChecker watches the goroutine count
type RuntimeChecker struct {
	warn     int
	critical int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warn, critical int) *RuntimeChecker {
	return &RuntimeChecker{warn: warn, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	n := runtime.NumGoroutine()
	result := CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d goroutines", n),
		Details: map[string]any{"goroutines": n},
	}
	switch {
	case n > c.critical:
		result.Status = StatusUnhealthy
	case n > c.warn:
		result.Status = StatusDegraded
	}
	return result
}
