package trace

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxRecordSize bounds a single length-delimited trace event.
const MaxRecordSize = 4 << 20

// TraceEvent field numbers.
const (
	fieldType      protowire.Number = 1
	fieldPeerID    protowire.Number = 2
	fieldTimestamp protowire.Number = 3
	fieldGraft     protowire.Number = 15
	fieldPrune     protowire.Number = 16

	fieldChangePeerID protowire.Number = 1
	fieldChangeTopic  protowire.Number = 2
)

type protoSource struct {
	r       *bufio.Reader
	closers []io.Closer
	index   int64
	buf     []byte
}

// ProtoSource decodes a stream of varint length-delimited TraceEvent messages
// as written by the pubsub protobuf tracer. Gzip-compressed input is detected
// and decompressed transparently.
func ProtoSource(r io.Reader) (Source, error) {
	var closer io.Closer
	if c, ok := r.(io.Closer); ok {
		closer = c
	}
	return newProto(r, closer)
}

func newProto(r io.Reader, closer io.Closer) (*protoSource, error) {
	src := &protoSource{}
	if closer != nil {
		src.closers = append(src.closers, closer)
	}
	br := bufio.NewReaderSize(r, 64*1024)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip trace: %w", err)
		}
		src.closers = append([]io.Closer{zr}, src.closers...)
		br = bufio.NewReaderSize(zr, 64*1024)
	}
	src.r = br
	return src, nil
}

func (s *protoSource) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	size, err := binary.ReadUvarint(s.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, ErrTruncated
		}
		return Record{}, fmt.Errorf("read trace length: %w", err)
	}
	if size > MaxRecordSize {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}
	if cap(s.buf) < int(size) {
		s.buf = make([]byte, size)
	}
	msg := s.buf[:size]
	if _, err := io.ReadFull(s.r, msg); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, ErrTruncated
		}
		return Record{}, fmt.Errorf("read trace record: %w", err)
	}
	s.index++
	rec := Record{Index: s.index, Type: TypeUnset}
	if err := decodeTraceEvent(msg, &rec); err != nil {
		rec.Err = fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	return rec, nil
}

func (s *protoSource) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func decodeTraceEvent(b []byte, rec *Record) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			rec.Type = Type(int32(v))
			n = m
		case num == fieldPeerID && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			rec.PeerID = append([]byte(nil), v...)
			n = m
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			rec.Timestamp = time.Unix(0, int64(v)).UTC()
			n = m
		case (num == fieldGraft || num == fieldPrune) && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			change, err := decodeMeshChange(v)
			if err != nil {
				return err
			}
			if num == fieldGraft {
				rec.Graft = change
			} else {
				rec.Prune = change
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func decodeMeshChange(b []byte) (*MeshChange, error) {
	change := &MeshChange{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldChangePeerID && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			change.PeerID = append([]byte(nil), v...)
			n = m
		case num == fieldChangeTopic && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			change.Topic = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return change, nil
}

// AppendTraceEvent encodes rec as a length-delimited TraceEvent. It is the
// inverse of ProtoSource and is used to produce fixture traces.
func AppendTraceEvent(dst []byte, rec Record) []byte {
	var msg []byte
	if rec.Type != TypeUnset {
		msg = protowire.AppendTag(msg, fieldType, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(uint32(rec.Type)))
	}
	if len(rec.PeerID) > 0 {
		msg = protowire.AppendTag(msg, fieldPeerID, protowire.BytesType)
		msg = protowire.AppendBytes(msg, rec.PeerID)
	}
	if !rec.Timestamp.IsZero() {
		msg = protowire.AppendTag(msg, fieldTimestamp, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(rec.Timestamp.UnixNano()))
	}
	for _, part := range []struct {
		num    protowire.Number
		change *MeshChange
	}{{fieldGraft, rec.Graft}, {fieldPrune, rec.Prune}} {
		if part.change == nil {
			continue
		}
		var inner []byte
		inner = protowire.AppendTag(inner, fieldChangePeerID, protowire.BytesType)
		inner = protowire.AppendBytes(inner, part.change.PeerID)
		inner = protowire.AppendTag(inner, fieldChangeTopic, protowire.BytesType)
		inner = protowire.AppendString(inner, part.change.Topic)
		msg = protowire.AppendTag(msg, part.num, protowire.BytesType)
		msg = protowire.AppendBytes(msg, inner)
	}
	dst = protowire.AppendVarint(dst, uint64(len(msg)))
	return append(dst, msg...)
}
