package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"meshwatch/identity"
	"meshwatch/mesh"
	"meshwatch/trace"
)

// ErrMalformedRecord marks a mesh record missing a required field.
var ErrMalformedRecord = errors.New("pipeline: malformed record")

// Drop reasons reported in Stats and metrics.
const (
	ReasonNonMesh     = "non_mesh"
	ReasonDecode      = "decode"
	ReasonMalformed   = "malformed"
	ReasonUnknownPeer = "unknown_peer"
	ReasonUnknownType = "unknown_type"
)

// RecordError describes why a single record could not become an event.
type RecordError struct {
	Index  int64
	Reason string
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %s: %v", e.Index, e.Reason, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// IsMalformed reports whether err marks a malformed or undecodable record.
func IsMalformed(err error) bool { return errors.Is(err, ErrMalformedRecord) }

// UnknownPeerPolicy decides what an unresolved identity does to a run.
type UnknownPeerPolicy string

const (
	// UnknownPeerFail aborts the run on the first unresolved identity.
	UnknownPeerFail UnknownPeerPolicy = "fail"
	// UnknownPeerSkip drops the record and keeps going.
	UnknownPeerSkip UnknownPeerPolicy = "skip"
)

// ParseUnknownPeerPolicy validates a configured policy. Empty means fail.
func ParseUnknownPeerPolicy(raw string) (UnknownPeerPolicy, error) {
	switch UnknownPeerPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", UnknownPeerFail:
		return UnknownPeerFail, nil
	case UnknownPeerSkip:
		return UnknownPeerSkip, nil
	default:
		return "", fmt.Errorf("pipeline: unknown peer policy %q", raw)
	}
}

// Normalizer turns decoded trace records into membership events.
type Normalizer struct {
	resolver *identity.Resolver
	policy   UnknownPeerPolicy
}

func NewNormalizer(resolver *identity.Resolver, policy UnknownPeerPolicy) *Normalizer {
	if policy == "" {
		policy = UnknownPeerFail
	}
	return &Normalizer{resolver: resolver, policy: policy}
}

// Normalize converts rec. Records of other known types yield ok=false and a
// nil error. Unusable mesh records and type tags outside the tracer's enum
// yield a *RecordError.
func (n *Normalizer) Normalize(rec trace.Record) (ev mesh.MembershipEvent, ok bool, err error) {
	if rec.Err != nil {
		return ev, false, &RecordError{Index: rec.Index, Reason: ReasonDecode, Err: fmt.Errorf("%w: %v", ErrMalformedRecord, rec.Err)}
	}
	if !rec.Type.Known() {
		return ev, false, &RecordError{Index: rec.Index, Reason: ReasonUnknownType, Err: fmt.Errorf("%w: unexpected event type %s", ErrMalformedRecord, rec.Type)}
	}
	var kind mesh.Kind
	switch rec.Type {
	case trace.TypeGraft:
		kind = mesh.Graft
	case trace.TypePrune:
		kind = mesh.Prune
	default:
		return ev, false, nil
	}
	change, present := rec.Change()
	switch {
	case !present:
		return ev, false, n.malformed(rec, "missing %s payload", strings.ToLower(rec.Type.String()))
	case len(rec.PeerID) == 0:
		return ev, false, n.malformed(rec, "missing owner peer id")
	case len(change.PeerID) == 0:
		return ev, false, n.malformed(rec, "missing remote peer id")
	case rec.Timestamp.IsZero():
		return ev, false, n.malformed(rec, "missing timestamp")
	}

	owner, err := n.resolver.Resolve(rec.PeerID)
	if err != nil {
		return ev, false, &RecordError{Index: rec.Index, Reason: ReasonUnknownPeer, Err: err}
	}
	remote, err := n.resolver.Resolve(change.PeerID)
	if err != nil {
		return ev, false, &RecordError{Index: rec.Index, Reason: ReasonUnknownPeer, Err: err}
	}
	return mesh.MembershipEvent{
		Timestamp: rec.Timestamp,
		Owner:     owner,
		Remote:    remote,
		Topic:     change.Topic,
		Kind:      kind,
	}, true, nil
}

func (n *Normalizer) malformed(rec trace.Record, format string, args ...any) error {
	return &RecordError{
		Index:  rec.Index,
		Reason: ReasonMalformed,
		Err:    fmt.Errorf("%w: %s", ErrMalformedRecord, fmt.Sprintf(format, args...)),
	}
}

// Fatal reports whether a Normalize error must abort the run.
func (n *Normalizer) Fatal(err error) bool {
	return identity.IsUnknownPeer(err) && n.policy == UnknownPeerFail
}

// Policy returns the configured unknown-peer policy.
func (n *Normalizer) Policy() UnknownPeerPolicy { return n.policy }

// reason extracts the drop reason of a Normalize error.
func reason(err error) string {
	var rerr *RecordError
	if errors.As(err, &rerr) {
		return rerr.Reason
	}
	return ReasonMalformed
}
