package model

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts "json" or "csv" in any case; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

func (f Format) Extension() string {
	return "." + string(f)
}

func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	default:
		return "application/json"
	}
}

// Export writes the held rows to w. JSON is an array of objects; CSV has a
// header row followed by one line per row in column order.
func (m *Model) Export(w io.Writer, f Format) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch f {
	case FormatJSON:
		return json.NewEncoder(w).Encode(m.rows)
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(m.columns); err != nil {
			return err
		}
		record := make([]string, len(m.columns))
		for _, r := range m.rows {
			for i, c := range m.columns {
				record[i] = csvCell(r[c])
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(f))
	}
}

func csvCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}
