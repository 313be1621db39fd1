package exports

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"meshwatch/mesh"
)

// Format names an export encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// File describes one written export.
type File struct {
	Format   Format `json:"format"`
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Bytes    int64  `json:"bytes"`
}

// FormatFromPath infers the export format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".parquet", ".pq":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("exports: cannot infer format of %q", path)
	}
}

// WriteFile exports rows to path in the given format.
func WriteFile(path string, format Format, rows []mesh.WindowRow) (File, error) {
	out := File{Format: format, Path: path}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return out, fmt.Errorf("exports: create %s: %w", dir, err)
		}
	}
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatCSV:
		data, out.Checksum, err = ResultsCSV(rows)
	case FormatJSONL:
		data, out.Checksum, err = ResultsJSONL(rows)
	case FormatParquet:
		out.Checksum, err = WriteResultsParquet(path, rows)
		if err != nil {
			return out, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return out, err
		}
		out.Bytes = info.Size()
		return out, nil
	default:
		return out, fmt.Errorf("exports: unknown format %q", format)
	}
	if err != nil {
		return out, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return out, fmt.Errorf("exports: write %s: %w", path, err)
	}
	out.Bytes = int64(len(data))
	return out, nil
}
