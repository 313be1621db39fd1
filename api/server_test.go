package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"meshwatch/mesh"
	"meshwatch/storage/results"
)

var base = time.Unix(1_600_000_000, 0).UTC()

func window(peer int64, idx, honest, attacker int, members ...int64) mesh.WindowRow {
	start := base.Add(time.Duration(idx) * 5 * time.Second)
	return mesh.WindowRow{
		Peer:     peer,
		Window:   mesh.Window{Start: start, End: start.Add(5 * time.Second)},
		Honest:   honest,
		Attacker: attacker,
		Mesh:     members,
	}
}

func seededServer(t *testing.T, opts Options) (*Server, uuid.UUID) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := results.Open(results.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	runID := uuid.New()
	rows := []mesh.WindowRow{
		window(1, 0, 1, 0, 2),
		window(1, 1, 1, 1, 2, 3),
		window(1, 2, 0, 1, 3),
		window(2, 0, 1, 0, 1),
	}
	err = store.SaveRun(context.Background(), runID, results.RunMeta{
		Source:     "trace.jsonl",
		Window:     5 * time.Second,
		ApplyMode:  "sequential",
		Records:    12,
		Events:     8,
		StartedAt:  base,
		FinishedAt: base.Add(time.Second),
	}, rows)
	require.NoError(t, err)

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return New(store, opts), runID
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := seededServer(t, Options{})
	rec := get(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestListRunsAndPeers(t *testing.T) {
	srv, runID := seededServer(t, Options{})

	rec := get(t, srv, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []runView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	require.Equal(t, runID.String(), runs[0].ID)
	require.Equal(t, "5s", runs[0].Window)
	require.EqualValues(t, 4, runs[0].Rows)

	rec = get(t, srv, "/runs/"+runID.String()+"/peers")
	require.Equal(t, http.StatusOK, rec.Code)
	var peers []peerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peers))
	require.Equal(t, []peerView{
		{Peer: 1, Windows: 3, MaxHonest: 1, MaxAttacker: 1},
		{Peer: 2, Windows: 1, MaxHonest: 1, MaxAttacker: 0},
	}, peers)
}

func TestWindowsRange(t *testing.T) {
	srv, runID := seededServer(t, Options{})
	from := base.Add(5 * time.Second).Format(time.RFC3339)
	to := fmt.Sprint(base.Add(15 * time.Second).Unix())

	rec := get(t, srv, fmt.Sprintf("/runs/%s/peers/1/windows?from=%s&to=%s", runID, from, to))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var windows []windowView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &windows))
	require.Len(t, windows, 2)
	require.True(t, windows[0].Start.Equal(base.Add(5*time.Second)))
	require.Equal(t, []int64{2, 3}, windows[0].Mesh)
	require.Equal(t, 0, windows[1].Honest)
	require.Equal(t, 1, windows[1].Attacker)
}

func TestWindowsMaxRows(t *testing.T) {
	srv, runID := seededServer(t, Options{MaxRows: 1})
	rec := get(t, srv, fmt.Sprintf("/runs/%s/peers/1/windows", runID))
	require.Equal(t, http.StatusOK, rec.Code)
	var windows []windowView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &windows))
	require.Len(t, windows, 1)
}

func TestBadRequests(t *testing.T) {
	srv, runID := seededServer(t, Options{})
	cases := []struct {
		path   string
		status int
	}{
		{"/runs/not-a-uuid/peers", http.StatusBadRequest},
		{"/runs/" + uuid.NewString(), http.StatusNotFound},
		{"/runs/" + uuid.NewString() + "/peers", http.StatusNotFound},
		{"/runs/" + uuid.NewString() + "/peers/1/windows", http.StatusNotFound},
		{"/runs/" + runID.String() + "/peers/abc/windows", http.StatusBadRequest},
		{"/runs/" + runID.String() + "/peers/1/windows?from=yesterday", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := get(t, srv, tc.path)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d got %d (%s)", tc.path, tc.status, rec.Code, rec.Body.String())
		}
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := seededServer(t, Options{RequestsPerMinute: 1, Burst: 2})
	require.Equal(t, http.StatusOK, get(t, srv, "/runs").Code)
	require.Equal(t, http.StatusOK, get(t, srv, "/runs").Code)
	require.Equal(t, http.StatusTooManyRequests, get(t, srv, "/runs").Code)
	// Health checks bypass the limiter.
	require.Equal(t, http.StatusOK, get(t, srv, "/healthz").Code)
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "10.0.0.1", clientID(req))

	req.Header.Set("X-Forwarded-For", "192.0.2.4, 10.0.0.9")
	require.Equal(t, "192.0.2.4", clientID(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	require.Equal(t, "198.51.100.7", clientID(req))
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	rl := NewRateLimiter(60, 1, nil, nil)
	now := base
	rl.clockNow = func() time.Time { return now }
	rl.obtainLimiter("a")
	require.Len(t, rl.visitors, 1)
	now = now.Add(visitorTTL + time.Second)
	rl.obtainLimiter("b")
	require.Len(t, rl.visitors, 1)
	_, ok := rl.visitors["b"]
	require.True(t, ok)
}

func TestParseInstant(t *testing.T) {
	got, err := parseInstant("")
	require.NoError(t, err)
	require.True(t, got.IsZero())

	got, err = parseInstant("1600000000")
	require.NoError(t, err)
	require.True(t, got.Equal(base))

	got, err = parseInstant("2020-09-13T12:26:40Z")
	require.NoError(t, err)
	require.True(t, got.Equal(base))
}
