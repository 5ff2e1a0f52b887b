package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/ingestbridge/wire"
)

// Method names served by the ingest worker
const (
	MethodConvertFile    = "convert_file"
	MethodProbeFile      = "probe_file"
	MethodProbeCompress  = "probe_compress"
	MethodGetColumnTypes = "get_column_types"
	MethodCancelIngest   = "cancel_ingesting_data"
)

// Auxiliary routing fields carried next to the call arguments
const (
	FieldSelectedFiles = "selected_files"
	FieldSheet         = "sheet"
	FieldExtension     = "ext"
)

// ColumnType is the logical type inferred for a column
type ColumnType string

const (
	TypeInteger ColumnType = "integer"
	TypeFloat   ColumnType = "float"
	TypeBoolean ColumnType = "boolean"
	TypeDate    ColumnType = "date"
	TypeString  ColumnType = "string"
)

// Compression identifies the container format of an input file
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZip  Compression = "zip"
)

// Column is one converted column
type Column struct {
	Name   string     `json:"name"`
	Type   ColumnType `json:"type"`
	Values []any      `json:"values"`
}

// Table is the columnar result of convert_file
type Table struct {
	Source   string   `json:"source,omitempty"`
	RowCount int      `json:"row_count"`
	Columns  []Column `json:"columns"`
}

// ColumnTypes returns the type of each column in order
func (t *Table) ColumnTypes() []ColumnType {
	types := make([]ColumnType, len(t.Columns))
	for i, col := range t.Columns {
		types[i] = col.Type
	}
	return types
}

// DecodeTable decodes a convert_file result buffer
func DecodeTable(buf wire.Buffer) (*Table, error) {
	var table Table
	if err := json.Unmarshal(buf, &table); err != nil {
		return nil, fmt.Errorf("failed to decode table: %w", err)
	}
	return &table, nil
}

// ProbeResult describes a file without converting it
type ProbeResult struct {
	Compression Compression `json:"compression"`
	Sheets      []string    `json:"sheets"`
	Columns     []string    `json:"columns"`
	Rows        int         `json:"rows"`
}

// CompressInfo describes the container of a file
type CompressInfo struct {
	Compression Compression `json:"compression"`
	Entries     []string    `json:"entries,omitempty"`
}
