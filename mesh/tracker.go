package mesh

import (
	"fmt"
	"sort"
	"time"
)

type meshState struct {
	members map[int64]struct{}
	last    time.Time
	seen    bool
}

// Tracker maintains the current mesh membership of every key it has seen.
// Keys are created lazily on first event and never interact with each other.
// A Tracker is not safe for concurrent use; shard by key instead.
type Tracker struct {
	strict bool
	states map[MeshKey]*meshState
}

// NewTracker returns an empty tracker. In strict mode Apply rejects events
// older than the last one applied for the same key.
func NewTracker(strict bool) *Tracker {
	return &Tracker{strict: strict, states: make(map[MeshKey]*meshState)}
}

// Apply advances the mesh for key by exactly one event.
func (t *Tracker) Apply(key MeshKey, ev MembershipEvent) error {
	if ev.Owner != key.Owner {
		return fmt.Errorf("%w: key %s, event owner %d", ErrOwnerMismatch, key, ev.Owner)
	}
	if ev.Kind != Graft && ev.Kind != Prune {
		return fmt.Errorf("mesh: unsupported event kind %s", ev.Kind)
	}
	if _, err := t.admit(key, ev.Timestamp); err != nil {
		return err
	}
	t.apply(key, ev.Kind, ev.Remote)
	return nil
}

// admit records ts as seen for key and reports whether it is older than the
// newest timestamp already seen. In strict mode a late timestamp is rejected
// with *OutOfOrderError and nothing is recorded. A late timestamp never moves
// the newest one backwards.
func (t *Tracker) admit(key MeshKey, ts time.Time) (late bool, err error) {
	st := t.ensure(key)
	if st.seen && ts.Before(st.last) {
		if t.strict {
			return true, &OutOfOrderError{Key: key, Last: st.last, Got: ts}
		}
		return true, nil
	}
	st.last = ts
	st.seen = true
	return false, nil
}

// apply mutates membership without ordering bookkeeping. The union apply
// mode calls it when a window closes, after every event was admitted.
func (t *Tracker) apply(key MeshKey, kind Kind, remote int64) {
	st := t.ensure(key)
	switch kind {
	case Graft:
		st.members[remote] = struct{}{}
	case Prune:
		delete(st.members, remote)
	}
}

func (t *Tracker) ensure(key MeshKey) *meshState {
	st := t.states[key]
	if st == nil {
		st = &meshState{members: make(map[int64]struct{})}
		t.states[key] = st
	}
	return st
}

// Snapshot returns a copy of the current members for key. Unknown keys yield
// an empty, non-nil set.
func (t *Tracker) Snapshot(key MeshKey) map[int64]struct{} {
	st := t.states[key]
	if st == nil {
		return map[int64]struct{}{}
	}
	out := make(map[int64]struct{}, len(st.members))
	for id := range st.members {
		out[id] = struct{}{}
	}
	return out
}

// Members returns the current members for key in ascending order.
func (t *Tracker) Members(key MeshKey) []int64 {
	return sortedIDs(t.states[key].membersOrNil())
}

func (s *meshState) membersOrNil() map[int64]struct{} {
	if s == nil {
		return nil
	}
	return s.members
}

// LastApplied reports the newest timestamp applied for key.
func (t *Tracker) LastApplied(key MeshKey) (time.Time, bool) {
	st := t.states[key]
	if st == nil || !st.seen {
		return time.Time{}, false
	}
	return st.last, true
}

// Keys lists every key seen so far, ordered by owner then topic.
func (t *Tracker) Keys() []MeshKey {
	keys := make([]MeshKey, 0, len(t.states))
	for k := range t.states {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Len reports how many keys the tracker holds.
func (t *Tracker) Len() int { return len(t.states) }

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
