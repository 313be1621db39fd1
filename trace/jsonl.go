package trace

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

type jsonEvent struct {
	Type      json.RawMessage `json:"type"`
	PeerID    []byte          `json:"peerID"`
	Timestamp json.RawMessage `json:"timestamp"`
	Graft     *jsonChange     `json:"graft"`
	Prune     *jsonChange     `json:"prune"`
}

type jsonChange struct {
	PeerID []byte `json:"peerID"`
	Topic  string `json:"topic"`
}

type jsonlSource struct {
	r      *bufio.Reader
	closer io.Closer
	index  int64
}

// JSONLSource decodes the one-object-per-line output of trace2json. Lines that
// fail to decode produce records with Err set; read errors end the stream.
func JSONLSource(r io.Reader) Source {
	var closer io.Closer
	if c, ok := r.(io.Closer); ok {
		closer = c
	}
	return newJSONL(r, closer)
}

func newJSONL(r io.Reader, closer io.Closer) *jsonlSource {
	return &jsonlSource{r: bufio.NewReaderSize(r, 64*1024), closer: closer}
}

func (s *jsonlSource) Next(ctx context.Context) (Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		line, err := s.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("read trace: %w", err)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return Record{}, fmt.Errorf("read trace: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		s.index++
		return decodeJSONRecord(s.index, line), nil
	}
}

func (s *jsonlSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func decodeJSONRecord(index int64, line []byte) Record {
	rec := Record{Index: index, Type: TypeUnset}
	var ev jsonEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		rec.Err = fmt.Errorf("%w: %v", ErrBadRecord, err)
		return rec
	}
	typ, err := parseJSONType(ev.Type)
	if err != nil {
		rec.Err = err
		return rec
	}
	rec.Type = typ
	rec.PeerID = ev.PeerID
	if len(ev.Timestamp) > 0 {
		ts, err := parseJSONTimestamp(ev.Timestamp)
		if err != nil {
			rec.Err = err
			return rec
		}
		rec.Timestamp = ts
	}
	if ev.Graft != nil {
		rec.Graft = &MeshChange{PeerID: ev.Graft.PeerID, Topic: ev.Graft.Topic}
	}
	if ev.Prune != nil {
		rec.Prune = &MeshChange{PeerID: ev.Prune.PeerID, Topic: ev.Prune.Topic}
	}
	return rec
}

func parseJSONType(raw json.RawMessage) (Type, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return TypeUnset, nil
	}
	var num int32
	if err := json.Unmarshal(raw, &num); err == nil {
		return Type(num), nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return TypeUnset, fmt.Errorf("%w: type %s", ErrBadRecord, raw)
	}
	if t, ok := parseTypeName(strings.ToUpper(strings.TrimSpace(name))); ok {
		return t, nil
	}
	if n, err := strconv.ParseInt(name, 10, 32); err == nil {
		return Type(n), nil
	}
	return TypeUnset, fmt.Errorf("%w: type %q", ErrBadRecord, name)
}

// parseJSONTimestamp accepts nanoseconds since the Unix epoch, as a number or
// a numeric string, or an RFC 3339 string.
func parseJSONTimestamp(raw json.RawMessage) (time.Time, error) {
	if string(raw) == "null" {
		return time.Time{}, nil
	}
	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %s", ErrBadRecord, raw)
	}
	switch val := v.(type) {
	case json.Number:
		num = val
	case string:
		if _, err := strconv.ParseInt(val, 10, 64); err == nil {
			num = json.Number(val)
			break
		}
		ts, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrBadRecord, val)
		}
		return ts.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: timestamp %s", ErrBadRecord, raw)
	}
	ns, err := num.Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %s", ErrBadRecord, num)
	}
	return time.Unix(0, ns).UTC(), nil
}
