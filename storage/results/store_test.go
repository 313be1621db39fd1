package results

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"meshwatch/mesh"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open(DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var base = time.Unix(1_600_000_000, 0).UTC()

func row(peer int64, idx int, honest, attacker int, members ...int64) mesh.WindowRow {
	start := base.Add(time.Duration(idx) * 5 * time.Second)
	return mesh.WindowRow{
		Peer:     peer,
		Window:   mesh.Window{Start: start, End: start.Add(5 * time.Second)},
		Honest:   honest,
		Attacker: attacker,
		Mesh:     members,
	}
}

func TestSaveAndQueryRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runID := uuid.New()
	rows := []mesh.WindowRow{
		row(2, 0, 1, 0, 1),
		row(1, 0, 1, 1, 2, 3),
		row(1, 1, 0, 1, 3),
		row(1, 3, 0, 0),
	}
	require.NoError(t, store.SaveRun(ctx, runID, RunMeta{
		Source:    "trace.json",
		Window:    5 * time.Second,
		ApplyMode: "sequential",
		Records:   10,
		Events:    6,
		Digest:    "abc",
	}, rows))

	runs, err := store.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, runID, runs[0].ID)
	require.Equal(t, int64(4), runs[0].RowCount)
	require.Equal(t, int64(5*time.Second), runs[0].WindowNS)

	all, err := store.Rows(ctx, Query{RunID: runID})
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, int64(1), all[0].Peer)
	require.Equal(t, []int64{2, 3}, all[0].Mesh)
	require.True(t, all[0].Window.Start.Equal(base))
	require.Nil(t, all[2].Mesh)
	require.Equal(t, int64(2), all[3].Peer)

	peer := int64(1)
	ranged, err := store.Rows(ctx, Query{
		RunID: runID,
		Peer:  &peer,
		From:  base.Add(5 * time.Second),
		To:    base.Add(15 * time.Second),
	})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	require.Equal(t, 0, ranged[0].Honest)
	require.Equal(t, 1, ranged[0].Attacker)

	peers, err := store.Peers(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, []PeerSummary{
		{Peer: 1, Windows: 3, MaxHonest: 1, MaxAttacker: 1},
		{Peer: 2, Windows: 1, MaxHonest: 1, MaxAttacker: 0},
	}, peers)
}

func TestRunsAreIsolated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	require.NoError(t, store.SaveRun(ctx, a, RunMeta{}, []mesh.WindowRow{row(1, 0, 1, 0)}))
	require.NoError(t, store.SaveRun(ctx, b, RunMeta{}, []mesh.WindowRow{row(1, 0, 0, 1), row(1, 1, 0, 2)}))

	rows, err := store.Rows(ctx, Query{RunID: b})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, store.DeleteRun(ctx, b))
	rows, err = store.Rows(ctx, Query{RunID: b})
	require.NoError(t, err)
	require.Empty(t, rows)
	require.ErrorIs(t, store.DeleteRun(ctx, b), ErrRunNotFound)

	rows, err = store.Rows(ctx, Query{RunID: a})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestEmptyRunAndUnknownRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runID := uuid.New()
	require.NoError(t, store.SaveRun(ctx, runID, RunMeta{}, nil))

	peers, err := store.Peers(ctx, runID)
	require.NoError(t, err)
	require.Empty(t, peers)

	_, err = store.Peers(ctx, uuid.New())
	require.ErrorIs(t, err, ErrRunNotFound)
	_, err = store.Run(ctx, uuid.New())
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestDuplicateRowRejected(t *testing.T) {
	store := openTestStore(t)
	err := store.SaveRun(context.Background(), uuid.New(), RunMeta{}, []mesh.WindowRow{row(1, 0, 1, 0), row(1, 0, 0, 1)})
	require.Error(t, err)
	runs, err := store.Runs(context.Background())
	require.NoError(t, err)
	require.Empty(t, runs, "failed transaction must not leave a run behind")
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "")
	require.Error(t, err)
}

func TestMeshEncoding(t *testing.T) {
	require.Equal(t, "", joinMesh(nil))
	require.Equal(t, "1,22,-3", joinMesh([]int64{1, 22, -3}))
	ids, err := splitMesh("1,22,-3")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 22, -3}, ids)
	_, err = splitMesh("1,x")
	require.Error(t, err)
}
