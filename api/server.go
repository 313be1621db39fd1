package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"meshwatch/observability"
	"meshwatch/storage/results"
)

// Options tunes the query server.
type Options struct {
	RequestsPerMinute float64
	Burst             int
	// MaxRows caps a single windows response.
	MaxRows int
	Logger  *slog.Logger
	Metrics *observability.APIMetrics
}

// Server exposes stored runs read-only over HTTP.
type Server struct {
	store   *results.Store
	opts    Options
	logger  *slog.Logger
	handler http.Handler
}

// New builds the router. The returned server is an http.Handler.
func New(store *results.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 10000
	}
	s := &Server{
		store:  store,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "api")),
	}

	r := chi.NewRouter()
	r.Use(observe(opts.Metrics, s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(gr chi.Router) {
		if opts.RequestsPerMinute > 0 {
			gr.Use(NewRateLimiter(opts.RequestsPerMinute, opts.Burst, s.logger, opts.Metrics).Middleware)
		}
		gr.Get("/runs", s.listRuns)
		gr.Get("/runs/{run}", s.getRun)
		gr.Get("/runs/{run}/peers", s.listPeers)
		gr.Get("/runs/{run}/peers/{peer}/windows", s.listWindows)
	})

	s.handler = otelhttp.NewHandler(r, "meshwatch-api")
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type runView struct {
	ID         string    `json:"id"`
	Source     string    `json:"source,omitempty"`
	Window     string    `json:"window"`
	ApplyMode  string    `json:"apply_mode,omitempty"`
	KeyByTopic bool      `json:"key_by_topic"`
	Dense      bool      `json:"dense"`
	Records    int64     `json:"records"`
	Events     int64     `json:"events"`
	Rows       int64     `json:"rows"`
	Digest     string    `json:"digest,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func newRunView(run results.Run) runView {
	return runView{
		ID:         run.ID.String(),
		Source:     run.Source,
		Window:     time.Duration(run.WindowNS).String(),
		ApplyMode:  run.ApplyMode,
		KeyByTopic: run.KeyByTopic,
		Dense:      run.Dense,
		Records:    run.Records,
		Events:     run.Events,
		Rows:       run.RowCount,
		Digest:     run.Digest,
		StartedAt:  run.StartedAt.UTC(),
		FinishedAt: run.FinishedAt.UTC(),
	}
}

type peerView struct {
	Peer        int64 `json:"peer"`
	Windows     int64 `json:"windows"`
	MaxHonest   int   `json:"max_honest"`
	MaxAttacker int   `json:"max_attacker"`
}

type windowView struct {
	Topic    string    `json:"topic,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Honest   int       `json:"honest"`
	Attacker int       `json:"attacker"`
	Mesh     []int64   `json:"mesh,omitempty"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.Runs(r.Context())
	if err != nil {
		s.internal(w, err)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, newRunView(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	run, err := s.store.Run(r.Context(), runID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunView(run))
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	peers, err := s.store.Peers(r.Context(), runID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listWindows(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	peer, err := strconv.ParseInt(chi.URLParam(r, "peer"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "peer must be an integer id")
		return
	}
	query := results.Query{RunID: runID, Peer: &peer, Limit: s.opts.MaxRows}
	if query.From, err = parseInstant(r.URL.Query().Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	if query.To, err = parseInstant(r.URL.Query().Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	if topic := r.URL.Query().Get("topic"); topic != "" {
		query.Topic = &topic
	}
	if _, err := s.store.Run(r.Context(), runID); err != nil {
		s.storeError(w, err)
		return
	}
	rows, err := s.store.Rows(r.Context(), query)
	if err != nil {
		s.internal(w, err)
		return
	}
	out := make([]windowView, 0, len(rows))
	for _, row := range rows {
		out = append(out, windowView{
			Topic:    row.Topic,
			Start:    row.Window.Start,
			End:      row.Window.End,
			Honest:   row.Honest,
			Attacker: row.Attacker,
			Mesh:     row.Mesh,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "run"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "run must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

// parseInstant accepts RFC 3339 or integer Unix seconds. Empty is the zero
// time.
func parseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 or unix seconds")
	}
	return t.UTC(), nil
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, results.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.internal(w, err)
}

func (s *Server) internal(w http.ResponseWriter, err error) {
	s.logger.Error("query failed", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
