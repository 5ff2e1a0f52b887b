package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/ingestbridge/interceptors"
	"github.com/glimte/ingestbridge/wire"
	"github.com/glimte/ingestbridge/worker"
)

// ErrParser is returned when an input file cannot be parsed
var ErrParser = wire.NewRemoteError(wire.CodeHandlerFailed, "Parser error")

// errNoFile is returned when a method that needs a file received none
var errNoFile = wire.NewRemoteError(wire.CodeBadRequest, "no input file")

// progressStep is the percentage granularity of convert_file progress
const progressStep = 10

// Service is the worker-side ingest computation. It converts delimited
// text files, optionally inside zip or gzip containers, into a columnar
// Table.
type Service struct {
	logger       *slog.Logger
	interceptors []interceptors.Interceptor

	mu          sync.Mutex
	columnTypes []ColumnType
	cancels     map[uint64]context.CancelFunc
}

// ServiceOption configures the service
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithInterceptors wraps every ingest method, first interceptor outermost
func WithInterceptors(list ...interceptors.Interceptor) ServiceOption {
	return func(s *Service) {
		s.interceptors = append(s.interceptors, list...)
	}
}

// NewService creates an ingest service
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		logger:  slog.Default(),
		cancels: make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs the ingest methods on a worker server
func (s *Service) Register(srv *worker.Server) error {
	handlers := map[string]worker.HandlerFunc{
		MethodConvertFile:    s.convertFile,
		MethodProbeFile:      s.probeFile,
		MethodProbeCompress:  s.probeCompress,
		MethodGetColumnTypes: s.getColumnTypes,
		MethodCancelIngest:   s.cancelIngest,
	}
	for method, handler := range handlers {
		if err := srv.Handle(method, interceptors.Chain(handler, s.interceptors...)); err != nil {
			return fmt.Errorf("failed to register %s: %w", method, err)
		}
	}
	return nil
}

// Initialize prepares the service. It is the worker's init step.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columnTypes = nil
	s.logger.Debug("ingest service initialized")
	return ctx.Err()
}

// ColumnTypes returns the column types of the last successful conversion
func (s *Service) ColumnTypes() []ColumnType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ColumnType(nil), s.columnTypes...)
}

func (s *Service) convertFile(ctx context.Context, call *worker.Call) (any, error) {
	data, ok := call.Buffer(0)
	if !ok {
		return nil, errNoFile
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.track(call.ID, cancel)
	defer s.untrack(call.ID)

	start := time.Now()
	src, err := openSource(data, call.String(FieldExtension), call.Strings(FieldSelectedFiles), call.String(FieldSheet))
	if err != nil {
		s.logger.Error("failed to open input", "id", call.ID, "error", err)
		return nil, ErrParser
	}

	reported := -1
	table, err := readTable(ctx, src, delimiterFor(call.String(FieldExtension), src.name), func() {
		pct := int(src.fraction()*100) / progressStep * progressStep
		if pct > reported {
			reported = pct
			call.Progress(pct)
		}
	})
	if errors.Is(err, context.Canceled) {
		s.logger.Info("conversion cancelled", "id", call.ID)
		return nil, wire.NewRemoteError(wire.CodeCancelled, "Cancelled")
	}
	if err != nil {
		return nil, err
	}
	if reported < 100 {
		call.Progress(100)
	}

	encoded, err := json.Marshal(table)
	if err != nil {
		return nil, fmt.Errorf("failed to encode table: %w", err)
	}

	s.mu.Lock()
	s.columnTypes = table.ColumnTypes()
	s.mu.Unlock()

	s.logger.Info("converted file",
		"id", call.ID,
		"source", table.Source,
		"rows", table.RowCount,
		"columns", len(table.Columns),
		"bytes", len(encoded),
		"duration", time.Since(start),
	)
	return wire.Buffer(encoded), nil
}

func (s *Service) probeFile(ctx context.Context, call *worker.Call) (any, error) {
	data, ok := call.Buffer(0)
	if !ok {
		return nil, errNoFile
	}

	src, err := openSource(data, call.String(FieldExtension), call.Strings(FieldSelectedFiles), call.String(FieldSheet))
	if err != nil {
		s.logger.Error("failed to open input", "id", call.ID, "error", err)
		return nil, ErrParser
	}

	r := newCSVReader(src.reader, delimiterFor(call.String(FieldExtension), src.name))
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return ProbeResult{Compression: src.compression, Sheets: src.entries}, nil
	}
	if err != nil {
		return nil, ErrParser
	}

	rows := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, ErrParser
		}
		rows++
	}

	return ProbeResult{
		Compression: src.compression,
		Sheets:      src.entries,
		Columns:     header,
		Rows:        rows,
	}, nil
}

func (s *Service) probeCompress(ctx context.Context, call *worker.Call) (any, error) {
	data, ok := call.Buffer(0)
	if !ok {
		return nil, errNoFile
	}

	compression := detectCompression(data, call.String(FieldExtension))
	info := CompressInfo{Compression: compression}
	if compression == CompressionNone {
		return info, nil
	}

	src, err := openSource(data, call.String(FieldExtension), call.Strings(FieldSelectedFiles), "")
	if err != nil {
		s.logger.Error("failed to open container", "id", call.ID, "error", err)
		return nil, ErrParser
	}
	info.Entries = src.entries
	if compression == CompressionGzip && src.name != "" {
		info.Entries = []string{src.name}
	}
	return info, nil
}

func (s *Service) getColumnTypes(ctx context.Context, call *worker.Call) (any, error) {
	return s.ColumnTypes(), nil
}

func (s *Service) cancelIngest(ctx context.Context, call *worker.Call) (any, error) {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.logger.Info("cancelled running conversions", "count", len(cancels))
	return true, nil
}

func (s *Service) track(id uint64, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *Service) untrack(id uint64) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}

func delimiterFor(ext, name string) rune {
	if strings.EqualFold(strings.TrimPrefix(ext, "."), "tsv") || strings.HasSuffix(strings.ToLower(name), ".tsv") {
		return '\t'
	}
	return ','
}

func newCSVReader(r io.Reader, delimiter rune) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = delimiter
	return cr
}

// readTable parses a delimited source. The first record is the header.
// onRow is invoked after each record so the caller can report progress.
func readTable(ctx context.Context, src *source, delimiter rune, onRow func()) (*Table, error) {
	r := newCSVReader(src.reader, delimiter)

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return &Table{Source: src.name}, nil
	}
	if err != nil {
		return nil, ErrParser
	}

	cells := make([][]string, len(header))
	rows := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, ErrParser
		}
		for i, value := range record {
			cells[i] = append(cells[i], value)
		}
		rows++
		onRow()
	}

	table := &Table{Source: src.name, RowCount: rows, Columns: make([]Column, len(header))}
	for i, name := range header {
		table.Columns[i] = buildColumn(name, cells[i])
	}
	return table, nil
}
