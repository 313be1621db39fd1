package identity

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"meshwatch/storage"
)

// Format names a supported identity table source.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
	FormatLevelDB Format = "leveldb"
)

// ParseFormat normalises a format name. Empty input infers the format from
// the file extension of path.
func ParseFormat(raw, path string) (Format, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		name = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	if name == "" {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return FormatLevelDB, nil
		}
	}
	switch name {
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "leveldb", "ldb":
		return FormatLevelDB, nil
	default:
		return "", fmt.Errorf("identity: cannot determine table format of %q (%q)", path, raw)
	}
}

// LoadFile reads an identity table from path.
func LoadFile(path string, format Format) (*Table, error) {
	if format == FormatLevelDB {
		db, err := storage.NewLevelDB(path)
		if err != nil {
			return nil, fmt.Errorf("open identity cache: %w", err)
		}
		defer db.Close()
		return NewCache(db).Load()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity table: %w", err)
	}
	var records []PeerRecord
	switch format {
	case FormatCSV:
		records, err = ParseCSV(bytes.NewReader(data))
	case FormatJSON:
		records, err = ParseJSON(data)
	case FormatYAML:
		records, err = ParseYAML(data)
	default:
		err = fmt.Errorf("identity: unknown table format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewTable(records)
}

var csvColumns = map[string]string{
	"peer_id":    "identity",
	"identity":   "identity",
	"seq":        "numeric_id",
	"numeric_id": "numeric_id",
	"honest":     "honest",
}

// ParseCSV reads a header-led table with columns peer_id, seq and honest.
// identity and numeric_id are accepted as column aliases.
func ParseCSV(r io.Reader) ([]PeerRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := map[string]int{}
	for i, col := range header {
		if field, ok := csvColumns[strings.ToLower(strings.TrimSpace(col))]; ok {
			idx[field] = i
		}
	}
	for _, field := range []string{"identity", "numeric_id", "honest"} {
		if _, ok := idx[field]; !ok {
			return nil, fmt.Errorf("missing %s column", field)
		}
	}

	var records []PeerRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(row[idx["numeric_id"]]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: numeric id: %w", line, err)
		}
		honest, err := parseHonest(row[idx["honest"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, PeerRecord{
			Identity:  strings.TrimSpace(row[idx["identity"]]),
			NumericID: id,
			Honest:    honest,
		})
	}
}

func parseHonest(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "y", "honest":
		return true, nil
	case "no", "n", "attacker", "sybil":
		return false, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("honest flag %q", raw)
	}
	return v, nil
}

// ParseJSON reads a JSON array of records.
func ParseJSON(data []byte) ([]PeerRecord, error) {
	var records []PeerRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return records, nil
}

// ParseYAML reads a YAML list of records.
func ParseYAML(data []byte) ([]PeerRecord, error) {
	var records []PeerRecord
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&records); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return records, nil
}
