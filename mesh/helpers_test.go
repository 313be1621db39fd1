package mesh

import (
	"time"
)

var testEpoch = time.Unix(1_600_000_000, 0).UTC()

func at(seconds float64) time.Time {
	return testEpoch.Add(time.Duration(seconds * float64(time.Second)))
}

func graft(sec float64, owner, remote int64) MembershipEvent {
	return MembershipEvent{Timestamp: at(sec), Owner: owner, Remote: remote, Kind: Graft}
}

func prune(sec float64, owner, remote int64) MembershipEvent {
	return MembershipEvent{Timestamp: at(sec), Owner: owner, Remote: remote, Kind: Prune}
}

// honesty maps peer ids to their flag; absent ids are unknown.
type honesty map[int64]bool

func (h honesty) Honest(id int64) (bool, bool) {
	v, ok := h[id]
	return v, ok
}

func setOf(ids ...int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
