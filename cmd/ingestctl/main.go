package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/ingestbridge"
	"github.com/glimte/ingestbridge/config"
	"github.com/glimte/ingestbridge/health"
	"github.com/glimte/ingestbridge/ingest"
	"github.com/glimte/ingestbridge/metrics"
	"github.com/glimte/ingestbridge/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app holds what every command needs after flag parsing
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	health   *health.Registry
	metrics  *metrics.Collector
}

func main() {
	var (
		configPath string
		amqpURL    string
		verbose    bool
		a          app
	)

	rootCmd := &cobra.Command{
		Use:   "ingestctl",
		Short: "Run and call ingest workers",
		Long: `ingestctl runs an ingest worker on RabbitMQ, or calls one to probe and
convert tabular files. Without a broker it runs the worker in-process.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if amqpURL != "" {
				cfg.Transport = config.TransportAMQP
				cfg.AMQP.URL = amqpURL
			}
			if verbose {
				cfg.Log.Level = "debug"
			}
			return a.setup(cfg)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&amqpURL, "url", "u", "", "RabbitMQ URL; selects the amqp transport")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		workerCmd(&a),
		probeCmd(&a),
		compressCmd(&a),
		convertCmd(&a),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) setup(cfg config.Config) error {
	a.cfg = cfg
	a.logger = config.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(a.logger)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewCollector(a.registry, metrics.WithNamespace(cfg.Metrics.Namespace))
	if err != nil {
		return err
	}
	a.metrics = collector

	a.health = health.NewRegistry(health.WithVersion(version))
	a.health.Register(health.NewRuntimeChecker(5000, 50000))
	return nil
}

func (a *app) options() []ingestbridge.ClientOption {
	return []ingestbridge.ClientOption{
		ingestbridge.WithLogger(a.logger),
		ingestbridge.WithMetrics(a.metrics),
	}
}

// serveOps exposes /metrics and the health endpoints until ctx ends
func (a *app) serveOps(ctx context.Context) {
	if a.cfg.Metrics.Listen == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	health.Mount(mux, a.health, 5*time.Second)

	srv := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("serving metrics and health", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func workerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Serve ingest requests from the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := a.cfg
			cfg.Transport = config.TransportAMQP
			w, err := ingestbridge.NewWorker(ctx, cfg, a.options()...)
			if err != nil {
				return err
			}
			defer w.Close()

			a.health.Register(w.Checkers()...)
			a.serveOps(ctx)

			if err := w.Start(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				a.logger.Info("shutting down worker")
			case <-w.Done():
				a.logger.Warn("worker endpoint closed")
			}
			return nil
		},
	}
}

// withClient runs fn against a client for the configured transport,
// cancelling outstanding work on interrupt
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *ingestbridge.Client) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ingestbridge.NewClient(ctx, a.cfg, a.options()...)
	if err != nil {
		return err
	}
	defer client.Close()

	go func() {
		<-ctx.Done()
		client.Cancel()
	}()
	return fn(ctx, client)
}

func readInput(path string) (wire.Buffer, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	return wire.Buffer(data), strings.ToLower(ext), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func probeCmd(a *app) *cobra.Command {
	var selected []string

	cmd := &cobra.Command{
		Use:   "probe FILE",
		Short: "Show the columns and row count of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, ext, err := readInput(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *ingestbridge.Client) error {
				result, err := c.ProbeFile(ctx, data, ingest.ProbeOptions{SelectedFiles: selected, Extension: ext})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&selected, "select", "s", nil, "Archive members to consider")
	return cmd
}

func compressCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compress FILE",
		Short: "Show the container format and archive members of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, ext, err := readInput(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *ingestbridge.Client) error {
				result, err := c.ProbeCompress(ctx, data, ingest.ProbeOptions{Extension: ext})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func convertCmd(a *app) *cobra.Command {
	var (
		selected []string
		sheet    string
		output   string
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "convert FILE",
		Short: "Convert a file to a columnar JSON table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, ext, err := readInput(args[0])
			if err != nil {
				return err
			}

			opts := ingest.ConvertOptions{
				SelectedFiles: selected,
				Sheet:         sheet,
				Extension:     ext,
			}
			if !quiet {
				opts.OnProgress = func(pct int) {
					fmt.Fprintf(cmd.ErrOrStderr(), "\rconverting %s: %3d%%", filepath.Base(args[0]), pct)
					if pct >= 100 {
						fmt.Fprintln(cmd.ErrOrStderr())
					}
				}
			}

			return a.withClient(cmd, func(ctx context.Context, c *ingestbridge.Client) error {
				out, err := c.ConvertFile(ctx, data, opts)
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(out)
					return err
				}
				return os.WriteFile(output, out, 0o644)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&selected, "select", "s", nil, "Archive members to convert")
	cmd.Flags().StringVar(&sheet, "sheet", "", "Archive member to read")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the table here instead of stdout")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not report progress")
	return cmd
}
