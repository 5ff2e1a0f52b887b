// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingestbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/ingestbridge/bridge"
	"github.com/glimte/ingestbridge/channel"
	"github.com/glimte/ingestbridge/config"
	"github.com/glimte/ingestbridge/health"
	"github.com/glimte/ingestbridge/ingest"
	"github.com/glimte/ingestbridge/interceptors"
	"github.com/glimte/ingestbridge/internal/rabbitmq"
	rabbitmqTransport "github.com/glimte/ingestbridge/transports/rabbitmq"
	"github.com/glimte/ingestbridge/wire"
	"github.com/glimte/ingestbridge/worker"
	"golang.org/x/time/rate"
)

// Metrics receives both controller and worker events.
// *metrics.Collector satisfies it.
type Metrics interface {
	bridge.Metrics
	worker.Metrics
}

// Client is the controller side: a bridge to an ingest worker with the
// typed ingest methods on top
type Client struct {
	*ingest.Client

	bridge  *bridge.Bridge
	manager *rabbitmq.ConnectionManager
	worker  *Worker
	logger  *slog.Logger
}

// NewClient creates a client for the transport named in cfg. The local
// transport runs the worker in-process; amqp connects to the broker and
// talks to a worker started with NewWorker.
func NewClient(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	switch cfg.Transport {
	case config.TransportLocal:
		return newLocalClient(ctx, cfg, options...)
	case config.TransportAMQP:
		return newAMQPClient(ctx, cfg, options...)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// NewLocalClient creates a client with an in-process worker and default
// settings
func NewLocalClient(options ...ClientOption) (*Client, error) {
	return newLocalClient(context.Background(), config.Default(), options...)
}

func newLocalClient(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	cc := newClientConfig(options)

	controllerEnd, workerEnd := channel.Pipe[wire.Request, wire.Response]()

	w, err := newWorker(workerEnd, cfg, cc)
	if err != nil {
		controllerEnd.Close()
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		controllerEnd.Close()
		return nil, err
	}

	b, err := bridge.New(controllerEnd, cc.bridgeOptions("local")...)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	return &Client{
		Client: ingest.NewClient(b, ingest.WithLogger(cc.logger)),
		bridge: b,
		worker: w,
		logger: cc.logger,
	}, nil
}

func newAMQPClient(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	cc := newClientConfig(options)

	manager, err := connect(ctx, cfg.AMQP, cc)
	if err != nil {
		return nil, err
	}

	endpoint := rabbitmqTransport.NewControllerEndpoint(manager, cfg.AMQP.RequestQueue, cfg.AMQP.ReplyQueue,
		rabbitmqTransport.WithLogger(cc.logger))
	manager.AddStateListener(endpoint)

	b, err := bridge.New(endpoint, cc.bridgeOptions("amqp")...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	cc.logger.Info("ingest client connected",
		"url", rabbitmq.SanitizeURL(cfg.AMQP.URL),
		"request_queue", cfg.AMQP.RequestQueue,
		"reply_queue", cfg.AMQP.ReplyQueue)

	return &Client{
		Client:  ingest.NewClient(b, ingest.WithLogger(cc.logger)),
		bridge:  b,
		manager: manager,
		logger:  cc.logger,
	}, nil
}

// Bridge returns the underlying bridge for untyped calls
func (c *Client) Bridge() *bridge.Bridge {
	return c.bridge
}

// Checkers returns health checks for everything the client owns
func (c *Client) Checkers() []health.Checker {
	checkers := []health.Checker{health.NewBridgeChecker(c.bridge)}
	if c.manager != nil {
		checkers = append(checkers, health.NewBrokerChecker(c.manager))
	}
	if c.worker != nil {
		checkers = append(checkers, c.worker.Checkers()...)
	}
	return checkers
}

// Close terminates the bridge and releases the transport
func (c *Client) Close() error {
	c.bridge.Terminate()

	var errs []error
	if c.worker != nil {
		errs = append(errs, c.worker.Close())
	}
	if c.manager != nil {
		errs = append(errs, c.manager.Close())
	}
	return errors.Join(errs...)
}

// Worker serves the ingest methods on one endpoint
type Worker struct {
	server   *worker.Server
	service  *ingest.Service
	endpoint worker.Endpoint
	manager  *rabbitmq.ConnectionManager
}

// NewWorker connects to the broker and prepares a worker consuming the
// request queue. Call Start to begin serving.
func NewWorker(ctx context.Context, cfg config.Config, options ...ClientOption) (*Worker, error) {
	if cfg.Transport != config.TransportAMQP {
		return nil, fmt.Errorf("a standalone worker needs the %s transport, got %q", config.TransportAMQP, cfg.Transport)
	}
	cc := newClientConfig(options)

	manager, err := connect(ctx, cfg.AMQP, cc)
	if err != nil {
		return nil, err
	}

	endpoint := rabbitmqTransport.NewWorkerEndpoint(manager, cfg.AMQP.RequestQueue, cfg.AMQP.ReplyQueue,
		rabbitmqTransport.WithLogger(cc.logger))
	manager.AddStateListener(endpoint)

	w, err := newWorker(endpoint, cfg, cc)
	if err != nil {
		manager.Close()
		return nil, err
	}
	w.manager = manager
	return w, nil
}

func newWorker(endpoint worker.Endpoint, cfg config.Config, cc *clientConfig) (*Worker, error) {
	service := ingest.NewService(
		ingest.WithServiceLogger(cc.logger),
		ingest.WithInterceptors(callInterceptors(cfg.Worker, cc.logger)...),
	)

	serverOptions := []worker.ServerOption{
		worker.WithLogger(cc.logger),
		worker.WithInitializer(service.Initialize),
	}
	if cc.metrics != nil {
		serverOptions = append(serverOptions, worker.WithMetrics(cc.metrics))
	}
	if cfg.Worker.ProgressRate > 0 {
		serverOptions = append(serverOptions, worker.WithProgressLimit(rate.Limit(cfg.Worker.ProgressRate), cfg.Worker.ProgressBurst))
	}

	server, err := worker.NewServer(endpoint, serverOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}
	if err := service.Register(server); err != nil {
		return nil, err
	}

	return &Worker{
		server:   server,
		service:  service,
		endpoint: endpoint,
	}, nil
}

// callInterceptors builds the handler middleware. Cancellation and the
// column type lookup are never delayed or cut short.
func callInterceptors(cfg config.WorkerConfig, logger *slog.Logger) []interceptors.Interceptor {
	list := []interceptors.Interceptor{interceptors.NewLoggingInterceptor(logger)}
	if cfg.MaxConcurrent > 0 {
		list = append(list, interceptors.ForMethods(interceptors.NewConcurrencyInterceptor(cfg.MaxConcurrent),
			ingest.MethodConvertFile, ingest.MethodProbeFile, ingest.MethodProbeCompress))
	}
	if cfg.CallTimeout > 0 {
		list = append(list, interceptors.ExceptMethods(interceptors.NewTimeoutInterceptor(cfg.CallTimeout),
			ingest.MethodCancelIngest, ingest.MethodGetColumnTypes))
	}
	return list
}

// Start begins serving requests. ctx bounds the lifetime of the handlers.
func (w *Worker) Start(ctx context.Context) error {
	return w.server.Start(ctx)
}

// Done is closed once the worker's endpoint is released
func (w *Worker) Done() <-chan struct{} {
	return w.endpoint.Done()
}

// Checkers returns health checks for the worker and its broker connection
func (w *Worker) Checkers() []health.Checker {
	checkers := []health.Checker{health.NewWorkerChecker(w.server)}
	if w.manager != nil {
		checkers = append(checkers, health.NewBrokerChecker(w.manager))
	}
	return checkers
}

// Close stops the server and releases the transport
func (w *Worker) Close() error {
	var errs []error
	if err := w.server.Stop(); err != nil && !errors.Is(err, worker.ErrNotRunning) {
		errs = append(errs, err)
	}
	if err := w.endpoint.Close(); err != nil {
		errs = append(errs, err)
	}
	if w.manager != nil {
		errs = append(errs, w.manager.Close())
	}
	return errors.Join(errs...)
}

func connect(ctx context.Context, cfg config.AMQPConfig, cc *clientConfig) (*rabbitmq.ConnectionManager, error) {
	connOptions := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cc.logger),
		rabbitmq.WithReconnectDelay(cfg.ReconnectDelay, cfg.MaxReconnects),
	}
	if cc.dialer != nil {
		connOptions = append(connOptions, rabbitmq.WithDialer(cc.dialer))
	}

	manager := rabbitmq.NewConnectionManager(cfg.URL, connOptions...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return manager, nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger  *slog.Logger
	metrics Metrics
	dialer  rabbitmq.Dialer
	name    string
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

func (c *clientConfig) bridgeOptions(transport string) []bridge.Option {
	opts := []bridge.Option{
		bridge.WithLogger(c.logger.With("transport", transport)),
	}
	if c.name != "" {
		opts = append(opts, bridge.WithName(c.name))
	}
	if c.metrics != nil {
		opts = append(opts, bridge.WithMetrics(c.metrics))
	}
	return opts
}

// ClientOption configures clients and workers
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics reports bridge and worker events to m
func WithMetrics(m Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = m
	}
}

// WithName names the bridge in logs
func WithName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.name = name
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dial rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dial
	}
}
