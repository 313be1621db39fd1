package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshwatch/identity"
	"meshwatch/trace"
)

var epoch = time.Unix(1_600_000_000, 0).UTC()

func at(seconds float64) time.Time {
	return epoch.Add(time.Duration(seconds * float64(time.Second)))
}

// testResolver knows peers "h1", "h2" (honest) and "a1" (attacker) with ids
// 1, 2 and 3, rendered raw.
func testResolver(t *testing.T) *identity.Resolver {
	t.Helper()
	table, err := identity.NewTable([]identity.PeerRecord{
		{Identity: "h1", NumericID: 1, Honest: true},
		{Identity: "h2", NumericID: 2, Honest: true},
		{Identity: "a1", NumericID: 3, Honest: false},
	})
	require.NoError(t, err)
	return identity.NewResolver(table, identity.EncodingRaw)
}

func graftRec(sec float64, owner, remote string) trace.Record {
	return trace.Record{
		Type:      trace.TypeGraft,
		PeerID:    []byte(owner),
		Timestamp: at(sec),
		Graft:     &trace.MeshChange{PeerID: []byte(remote), Topic: "blocks"},
	}
}

func pruneRec(sec float64, owner, remote string) trace.Record {
	return trace.Record{
		Type:      trace.TypePrune,
		PeerID:    []byte(owner),
		Timestamp: at(sec),
		Prune:     &trace.MeshChange{PeerID: []byte(remote), Topic: "blocks"},
	}
}

func otherRec(sec float64, owner string) trace.Record {
	return trace.Record{Type: trace.TypeDeliverMessage, PeerID: []byte(owner), Timestamp: at(sec)}
}
