package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/ingestbridge/bridge"
	"github.com/glimte/ingestbridge/wire"
)

// Caller is the part of the bridge the ingest client needs
type Caller interface {
	Call(ctx context.Context, method string, args []any, opts ...bridge.CallOption) (any, error)
	CancelAll()
}

// Client is a typed view of the ingest worker
type Client struct {
	caller Caller
	logger *slog.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an ingest client over a bridge
func NewClient(caller Caller, opts ...ClientOption) *Client {
	c := &Client{
		caller: caller,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConvertOptions selects what to convert and how to report progress
type ConvertOptions struct {
	SelectedFiles []string
	Sheet         string
	Extension     string
	OnProgress    func(percent int)
}

// ProbeOptions narrows a probe to part of a file
type ProbeOptions struct {
	SelectedFiles []string
	Extension     string
}

// ConvertFile converts file into a columnar table buffer. The file buffer
// is moved to the worker and must not be used after the call.
func (c *Client) ConvertFile(ctx context.Context, file wire.Buffer, opts ConvertOptions) (wire.Buffer, error) {
	callOpts := routing(opts.SelectedFiles, opts.Extension)
	if opts.Sheet != "" {
		callOpts = append(callOpts, bridge.WithExtra(FieldSheet, opts.Sheet))
	}
	if opts.OnProgress != nil {
		onProgress := opts.OnProgress
		callOpts = append(callOpts, bridge.WithProgress(func(data any) {
			if pct, ok := toPercent(data); ok {
				onProgress(pct)
			}
		}))
	}

	var args []any
	if file != nil {
		args = []any{file}
		callOpts = append(callOpts, bridge.WithTransfer())
	}

	start := time.Now()
	result, err := c.caller.Call(ctx, MethodConvertFile, args, callOpts...)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("convert_file completed", "duration", time.Since(start))

	switch v := result.(type) {
	case wire.Buffer:
		return v, nil
	case []byte:
		return wire.Buffer(v), nil
	default:
		return nil, fmt.Errorf("unexpected convert_file result type %T", result)
	}
}

// ConvertTable converts file and decodes the resulting table
func (c *Client) ConvertTable(ctx context.Context, file wire.Buffer, opts ConvertOptions) (*Table, error) {
	buf, err := c.ConvertFile(ctx, file, opts)
	if err != nil {
		return nil, err
	}
	return DecodeTable(buf)
}

// ProbeFile inspects a file's structure without converting it
func (c *Client) ProbeFile(ctx context.Context, file wire.Buffer, opts ProbeOptions) (*ProbeResult, error) {
	result, err := c.caller.Call(ctx, MethodProbeFile, []any{file},
		append(routing(opts.SelectedFiles, opts.Extension), bridge.WithTransfer())...)
	if err != nil {
		return nil, err
	}

	var probe ProbeResult
	if err := decodeResult(result, &probe); err != nil {
		return nil, err
	}
	return &probe, nil
}

// ProbeCompress reports the container format of a file and its entries
func (c *Client) ProbeCompress(ctx context.Context, file wire.Buffer, opts ProbeOptions) (*CompressInfo, error) {
	result, err := c.caller.Call(ctx, MethodProbeCompress, []any{file},
		append(routing(opts.SelectedFiles, opts.Extension), bridge.WithTransfer())...)
	if err != nil {
		return nil, err
	}

	var info CompressInfo
	if err := decodeResult(result, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetColumnTypes returns the column types of the last conversion
func (c *Client) GetColumnTypes(ctx context.Context) ([]ColumnType, error) {
	result, err := c.caller.Call(ctx, MethodGetColumnTypes, nil)
	if err != nil {
		return nil, err
	}

	var types []ColumnType
	if err := decodeResult(result, &types); err != nil {
		return nil, err
	}
	return types, nil
}

// Cancel rejects every in-flight call with the cancellation error and
// terminates the worker channel. The client cannot be used afterwards.
func (c *Client) Cancel() bool {
	c.caller.CancelAll()
	return true
}

func routing(selected []string, ext string) []bridge.CallOption {
	if selected == nil {
		selected = []string{}
	}
	opts := []bridge.CallOption{bridge.WithExtra(FieldSelectedFiles, selected)}
	if ext != "" {
		opts = append(opts, bridge.WithExtra(FieldExtension, ext))
	}
	return opts
}

// decodeResult copies a worker result into out. In-process workers hand
// back Go values while remote ones hand back decoded JSON, so the value is
// normalized through JSON.
func decodeResult(result any, out any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode result into %T: %w", out, err)
	}
	return nil
}

func toPercent(data any) (int, bool) {
	switch v := data.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}
