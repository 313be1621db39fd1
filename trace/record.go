package trace

import (
	"errors"
	"fmt"
	"time"
)

// Type is the pubsub tracer event type tag.
type Type int32

const (
	TypeUnset            Type = -1
	TypePublishMessage   Type = 0
	TypeRejectMessage    Type = 1
	TypeDuplicateMessage Type = 2
	TypeDeliverMessage   Type = 3
	TypeAddPeer          Type = 4
	TypeRemovePeer       Type = 5
	TypeRecvRPC          Type = 6
	TypeSendRPC          Type = 7
	TypeDropRPC          Type = 8
	TypeJoin             Type = 9
	TypeLeave            Type = 10
	TypeGraft            Type = 11
	TypePrune            Type = 12
)

var typeNames = map[Type]string{
	TypePublishMessage:   "PUBLISH_MESSAGE",
	TypeRejectMessage:    "REJECT_MESSAGE",
	TypeDuplicateMessage: "DUPLICATE_MESSAGE",
	TypeDeliverMessage:   "DELIVER_MESSAGE",
	TypeAddPeer:          "ADD_PEER",
	TypeRemovePeer:       "REMOVE_PEER",
	TypeRecvRPC:          "RECV_RPC",
	TypeSendRPC:          "SEND_RPC",
	TypeDropRPC:          "DROP_RPC",
	TypeJoin:             "JOIN",
	TypeLeave:            "LEAVE",
	TypeGraft:            "GRAFT",
	TypePrune:            "PRUNE",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	if t == TypeUnset {
		return "UNSET"
	}
	return fmt.Sprintf("TYPE_%d", int32(t))
}

// Known reports whether t is a tag emitted by the tracer.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Label names t for metrics. Tags outside the tracer's enum share one label.
func (t Type) Label() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// IsMesh reports whether t denotes a mesh add or remove.
func (t Type) IsMesh() bool { return t == TypeGraft || t == TypePrune }

func parseTypeName(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return TypeUnset, false
}

// MeshChange is the payload of graft and prune events.
type MeshChange struct {
	PeerID []byte
	Topic  string
}

// Record is one decoded trace event. Graft is only set on GRAFT records and
// Prune only on PRUNE records. Err carries a per-record decode problem; the
// stream itself remains usable.
type Record struct {
	Index     int64
	Type      Type
	PeerID    []byte
	Timestamp time.Time
	Graft     *MeshChange
	Prune     *MeshChange
	Err       error
}

// Change returns the payload matching the record type.
func (r Record) Change() (*MeshChange, bool) {
	switch r.Type {
	case TypeGraft:
		return r.Graft, r.Graft != nil
	case TypePrune:
		return r.Prune, r.Prune != nil
	default:
		return nil, false
	}
}

var (
	// ErrTruncated reports a stream that ended inside a record.
	ErrTruncated = errors.New("trace: truncated stream")
	// ErrRecordTooLarge reports a length prefix above the configured limit.
	ErrRecordTooLarge = errors.New("trace: record exceeds size limit")
	// ErrDecoderFailed reports a non-zero exit of the external decoder.
	ErrDecoderFailed = errors.New("trace: decoder process failed")
	// ErrBadRecord marks per-record decode problems stored in Record.Err.
	ErrBadRecord = errors.New("trace: undecodable record")
)
