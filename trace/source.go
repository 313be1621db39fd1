package trace

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Source yields decoded records in stream order. Next returns io.EOF once the
// stream is exhausted; any other error means the stream cannot continue.
type Source interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Format names an on-disk trace encoding.
type Format string

const (
	FormatJSONL    Format = "jsonl"
	FormatProtobuf Format = "protobuf"
	FormatCommand  Format = "command"
)

// ParseFormat normalises a configured format name.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "jsonl", "json":
		return FormatJSONL, nil
	case "protobuf", "pb", "bin":
		return FormatProtobuf, nil
	case "command", "cmd", "trace2json":
		return FormatCommand, nil
	default:
		return "", fmt.Errorf("trace: unknown format %q", raw)
	}
}

// OpenFile opens a trace file decoded in-process.
func OpenFile(path string, format Format) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	var src Source
	switch format {
	case FormatJSONL:
		src = newJSONL(f, f)
	case FormatProtobuf:
		src, err = newProto(f, f)
	default:
		err = fmt.Errorf("trace: format %q cannot be opened as a file", format)
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return src, nil
}

type sliceSource struct {
	records []Record
	pos     int
}

// SliceSource serves records from memory. Records without an index are
// numbered by position.
func SliceSource(records []Record) Source {
	return &sliceSource{records: records}
}

func (s *sliceSource) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if s.pos >= len(s.records) {
		return Record{}, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	if rec.Index == 0 {
		rec.Index = int64(s.pos)
	}
	return rec, nil
}

func (s *sliceSource) Close() error { return nil }
