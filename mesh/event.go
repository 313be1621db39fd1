package mesh

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Kind distinguishes mesh additions from removals.
type Kind uint8

const (
	Graft Kind = iota + 1
	Prune
)

func (k Kind) String() string {
	switch k {
	case Graft:
		return "graft"
	case Prune:
		return "prune"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MembershipEvent is a normalized graft or prune observed on an owning peer.
type MembershipEvent struct {
	Timestamp time.Time
	Owner     int64
	Remote    int64
	Topic     string
	Kind      Kind
}

// Key returns the mesh key the event applies to. The topic only takes part in
// the key when byTopic is set.
func (e MembershipEvent) Key(byTopic bool) MeshKey {
	if byTopic {
		return MeshKey{Owner: e.Owner, Topic: e.Topic}
	}
	return MeshKey{Owner: e.Owner}
}

// MeshKey identifies one independent mesh: an owning peer, optionally scoped to
// a topic.
type MeshKey struct {
	Owner int64
	Topic string
}

func (k MeshKey) String() string {
	if k.Topic == "" {
		return fmt.Sprintf("peer %d", k.Owner)
	}
	return fmt.Sprintf("peer %d topic %q", k.Owner, k.Topic)
}

// Less orders keys by owner, then topic.
func (k MeshKey) Less(other MeshKey) bool {
	if k.Owner != other.Owner {
		return k.Owner < other.Owner
	}
	return k.Topic < other.Topic
}

// EventSource yields membership events in stream order. NextEvent returns
// io.EOF once the stream is exhausted.
type EventSource interface {
	NextEvent(ctx context.Context) (MembershipEvent, error)
}

type sliceEvents struct {
	events []MembershipEvent
	pos    int
}

// SliceEvents adapts an in-memory slice to an EventSource.
func SliceEvents(events []MembershipEvent) EventSource {
	return &sliceEvents{events: events}
}

func (s *sliceEvents) NextEvent(ctx context.Context) (MembershipEvent, error) {
	if err := ctx.Err(); err != nil {
		return MembershipEvent{}, err
	}
	if s.pos >= len(s.events) {
		return MembershipEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}
