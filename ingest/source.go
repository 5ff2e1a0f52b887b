package ingest

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte("PK\x03\x04")
)

// countingReader tracks how many bytes have been read through it
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// source is the decoded content selected from an input file
type source struct {
	name        string
	compression Compression
	entries     []string
	reader      io.Reader
	counter     *countingReader
	size        int64
}

// fraction reports how much of the source has been consumed, in [0, 1]
func (s *source) fraction() float64 {
	if s.size <= 0 {
		return 0
	}
	f := float64(s.counter.n) / float64(s.size)
	if f > 1 {
		return 1
	}
	return f
}

func detectCompression(data []byte, ext string) Compression {
	switch {
	case bytes.HasPrefix(data, zipMagic):
		return CompressionZip
	case bytes.HasPrefix(data, gzipMagic):
		return CompressionGzip
	}
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "zip":
		return CompressionZip
	case "gz", "gzip":
		return CompressionGzip
	}
	return CompressionNone
}

// zipEntries lists the regular files of a zip archive, restricted to
// selected when it is not empty
func zipEntries(zr *zip.Reader, selected []string) []string {
	want := make(map[string]bool, len(selected))
	for _, name := range selected {
		want[name] = true
	}

	var names []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if len(want) > 0 && !want[f.Name] {
			continue
		}
		names = append(names, f.Name)
	}
	return names
}

// pickEntry chooses the archive member to read. An explicit sheet wins,
// then the first selected file, then the first csv-like member.
func pickEntry(entries []string, sheet string) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("archive has no matching entries")
	}
	if sheet != "" {
		for _, name := range entries {
			if name == sheet {
				return name, nil
			}
		}
		return "", fmt.Errorf("sheet %q not found in archive", sheet)
	}
	for _, name := range entries {
		switch strings.ToLower(path.Ext(name)) {
		case ".csv", ".tsv", ".txt":
			return name, nil
		}
	}
	return entries[0], nil
}

// openSource decodes data into a readable source
func openSource(data []byte, ext string, selected []string, sheet string) (*source, error) {
	compression := detectCompression(data, ext)

	switch compression {
	case CompressionZip:
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to open zip archive: %w", err)
		}
		entries := zipEntries(zr, selected)
		name, err := pickEntry(entries, sheet)
		if err != nil {
			return nil, err
		}
		f, err := zr.Open(name)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive entry %s: %w", name, err)
		}
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat archive entry %s: %w", name, err)
		}
		counter := &countingReader{r: f}
		return &source{
			name:        name,
			compression: compression,
			entries:     entries,
			reader:      counter,
			counter:     counter,
			size:        info.Size(),
		}, nil

	case CompressionGzip:
		counter := &countingReader{r: bytes.NewReader(data)}
		gz, err := gzip.NewReader(counter)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return &source{
			name:        strings.TrimSuffix(gz.Name, ".gz"),
			compression: compression,
			reader:      gz,
			counter:     counter,
			size:        int64(len(data)),
		}, nil

	default:
		counter := &countingReader{r: bytes.NewReader(data)}
		return &source{
			compression: compression,
			reader:      counter,
			counter:     counter,
			size:        int64(len(data)),
		}, nil
	}
}
