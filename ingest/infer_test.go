package ingest

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferType(t *testing.T) {
	tests := []struct {
		name  string
		cells []string
		want  ColumnType
	}{
		{"integers", []string{"1", "-2", "30"}, TypeInteger},
		{"floats", []string{"1", "2.5", "3e2"}, TypeFloat},
		{"booleans", []string{"true", "FALSE"}, TypeBoolean},
		{"dates", []string{"2024-01-31", "1999-12-01"}, TypeDate},
		{"mixed falls back to string", []string{"1", "abc"}, TypeString},
		{"empty cells are ignored", []string{"", "7", " "}, TypeInteger},
		{"all empty", []string{"", ""}, TypeString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferType(tt.cells))
		})
	}
}

func TestBuildColumn(t *testing.T) {
	col := buildColumn("n", []string{"1", "", "3"})
	assert.Equal(t, TypeInteger, col.Type)
	assert.Equal(t, []any{int64(1), nil, int64(3)}, col.Values)

	col = buildColumn("s", []string{" a ", "b"})
	assert.Equal(t, TypeString, col.Type)
	assert.Equal(t, []any{" a ", "b"}, col.Values)
}

func zipFile(t *testing.T, files map[string]string, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func gzipFile(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Name = name
	_, err := io.WriteString(gw, content)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestOpenSource(t *testing.T) {
	files := map[string]string{
		"readme.md": "hello",
		"a.csv":     "x\n1\n",
		"b.csv":     "y\n2\n",
	}
	archive := zipFile(t, files, "readme.md", "a.csv", "b.csv")

	t.Run("plain", func(t *testing.T) {
		src, err := openSource([]byte("a,b\n1,2\n"), "csv", nil, "")
		require.NoError(t, err)
		assert.Equal(t, CompressionNone, src.compression)

		data, err := io.ReadAll(src.reader)
		require.NoError(t, err)
		assert.Equal(t, "a,b\n1,2\n", string(data))
		assert.Equal(t, 1.0, src.fraction())
	})

	t.Run("zip picks first csv entry", func(t *testing.T) {
		src, err := openSource(archive, "", nil, "")
		require.NoError(t, err)
		assert.Equal(t, CompressionZip, src.compression)
		assert.Equal(t, []string{"readme.md", "a.csv", "b.csv"}, src.entries)
		assert.Equal(t, "a.csv", src.name)
	})

	t.Run("zip honours selected files and sheet", func(t *testing.T) {
		src, err := openSource(archive, "zip", []string{"b.csv"}, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"b.csv"}, src.entries)
		assert.Equal(t, "b.csv", src.name)

		src, err = openSource(archive, "zip", nil, "b.csv")
		require.NoError(t, err)
		data, err := io.ReadAll(src.reader)
		require.NoError(t, err)
		assert.Equal(t, "y\n2\n", string(data))

		_, err = openSource(archive, "zip", nil, "missing.csv")
		assert.Error(t, err)
	})

	t.Run("gzip", func(t *testing.T) {
		src, err := openSource(gzipFile(t, "data.csv", "a\n1\n"), "", nil, "")
		require.NoError(t, err)
		assert.Equal(t, CompressionGzip, src.compression)
		assert.Equal(t, "data.csv", src.name)

		data, err := io.ReadAll(src.reader)
		require.NoError(t, err)
		assert.Equal(t, "a\n1\n", string(data))
	})

	t.Run("corrupt zip", func(t *testing.T) {
		_, err := openSource([]byte("PK\x03\x04garbage"), "", nil, "")
		assert.Error(t, err)
	})
}
