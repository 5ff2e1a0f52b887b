package ingest

import (
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// typeCandidates is the narrowing order tried for each column
var typeCandidates = []ColumnType{TypeInteger, TypeFloat, TypeBoolean, TypeDate}

func parseAs(t ColumnType, s string) (any, bool) {
	switch t {
	case TypeInteger:
		v, err := strconv.ParseInt(s, 10, 64)
		return v, err == nil
	case TypeFloat:
		v, err := strconv.ParseFloat(s, 64)
		return v, err == nil
	case TypeBoolean:
		switch strings.ToLower(s) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
		return nil, false
	case TypeDate:
		v, err := time.Parse(dateLayout, s)
		if err != nil {
			return nil, false
		}
		return v.Format(dateLayout), true
	default:
		return s, true
	}
}

// inferType picks the narrowest type every non-empty cell parses as
func inferType(cells []string) ColumnType {
	candidates := append([]ColumnType(nil), typeCandidates...)
	seen := false

	for _, cell := range cells {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		seen = true

		kept := candidates[:0]
		for _, t := range candidates {
			if _, ok := parseAs(t, cell); ok {
				kept = append(kept, t)
			}
		}
		candidates = kept
		if len(candidates) == 0 {
			return TypeString
		}
	}

	if !seen {
		return TypeString
	}
	return candidates[0]
}

// buildColumn converts raw cells to typed values. Empty cells become nil.
func buildColumn(name string, cells []string) Column {
	t := inferType(cells)
	values := make([]any, len(cells))
	for i, cell := range cells {
		trimmed := strings.TrimSpace(cell)
		if trimmed == "" {
			continue
		}
		if t == TypeString {
			values[i] = cell
			continue
		}
		values[i], _ = parseAs(t, trimmed)
	}
	return Column{Name: name, Type: t, Values: values}
}
