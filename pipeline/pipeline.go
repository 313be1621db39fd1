package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"meshwatch/identity"
	"meshwatch/mesh"
	"meshwatch/observability"
	"meshwatch/observability/logging"
	"meshwatch/observability/otel"
	tracesrc "meshwatch/trace"
)

// Options wires one analysis run.
type Options struct {
	Source   tracesrc.Source
	Resolver *identity.Resolver
	// Aggregation configures windowing. A nil Lookup classifies against the
	// resolver's table.
	Aggregation  mesh.AggregatorConfig
	UnknownPeers UnknownPeerPolicy
	// Workers above one shards the fold across goroutines.
	Workers int
	// MaxEvents stops pulling once this many membership events have been
	// handed to aggregation. Zero or negative reads the whole trace.
	MaxEvents int64

	RunID   uuid.UUID
	Logger  *slog.Logger
	Metrics *observability.PipelineMetrics
	Now     func() time.Time
}

// Stats summarises a run.
type Stats struct {
	Records  int64
	Events   int64
	Grafts   int64
	Prunes   int64
	Dropped  map[string]int64
	Rows     int
	Keys     int
	Started  time.Time
	Finished time.Time
}

// Duration is the wall-clock time of the run.
func (s Stats) Duration() time.Duration { return s.Finished.Sub(s.Started) }

// DroppedTotal sums every drop reason.
func (s Stats) DroppedTotal() int64 {
	var total int64
	for _, n := range s.Dropped {
		total += n
	}
	return total
}

// Result is the outcome of a successful run.
type Result struct {
	RunID  uuid.UUID
	Table  *mesh.ResultTable
	Stats  Stats
	Digest string
}

// Run streams the source through normalisation and aggregation. Cancelling
// ctx stops pulling records and discards partial state.
func Run(ctx context.Context, opts Options) (res *Result, err error) {
	if opts.Source == nil {
		return nil, errors.New("pipeline: source required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("pipeline: resolver required")
	}
	policy, err := ParseUnknownPeerPolicy(string(opts.UnknownPeers))
	if err != nil {
		return nil, err
	}
	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Aggregation.Lookup == nil {
		opts.Aggregation.Lookup = opts.Resolver.Table()
	}
	logger := opts.Logger.With(
		slog.String("component", "pipeline"),
		slog.String("run_id", opts.RunID.String()),
	)

	ctx, span := otel.Tracer().Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("run.id", opts.RunID.String()),
		attribute.Int64("window.ns", int64(opts.Aggregation.Grid.Width)),
		attribute.String("apply.mode", string(opts.Aggregation.Mode)),
		attribute.Int("workers", opts.Workers),
	))
	stream := &eventStream{
		src:        opts.Source,
		maxEvents:  opts.MaxEvents,
		normalizer: NewNormalizer(opts.Resolver, policy),
		metrics:    opts.Metrics,
		diag:       logging.NewThrottled(logger, 1, 20),
		stats:      Stats{Dropped: map[string]int64{}, Started: opts.Now()},
	}
	defer func() {
		stream.stats.Finished = opts.Now()
		opts.Metrics.RunFinished(stream.stats.Duration(), err)
		stream.diag.Flush(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger.Info("analysis started",
		slog.Int("workers", opts.Workers),
		slog.Duration("window", opts.Aggregation.Grid.Width),
		slog.String("unknown_peers", string(policy)),
	)

	var table *mesh.ResultTable
	if opts.Workers > 1 {
		sharded, serr := mesh.NewShardedAggregator(opts.Aggregation, opts.Workers)
		if serr != nil {
			return nil, serr
		}
		table, err = sharded.Aggregate(ctx, stream)
	} else {
		table, err = mesh.Aggregate(ctx, opts.Aggregation, stream)
	}
	if err != nil {
		logger.Error("analysis failed", slog.Any("error", err), slog.Int64("records", stream.stats.Records))
		return nil, fmt.Errorf("run %s: %w", opts.RunID, err)
	}

	table.Sort()
	for _, row := range table.Rows() {
		opts.Metrics.RowEmitted(row.Honest, row.Attacker)
	}
	stats := stream.stats
	stats.Rows = table.Len()
	stats.Keys = len(table.Keys())
	stats.Finished = opts.Now()
	digest := table.Digest()

	span.SetAttributes(
		attribute.Int64("records", stats.Records),
		attribute.Int64("events", stats.Events),
		attribute.Int("rows", stats.Rows),
	)
	logger.Info("analysis finished",
		slog.Int64("records", stats.Records),
		slog.Int64("events", stats.Events),
		slog.Int64("dropped", stats.DroppedTotal()),
		slog.Int("rows", stats.Rows),
		slog.Int("keys", stats.Keys),
		slog.String("digest", digest),
		slog.Duration("elapsed", stats.Duration()),
	)
	return &Result{RunID: opts.RunID, Table: table, Stats: stats, Digest: digest}, nil
}

// eventStream adapts a trace source into a mesh.EventSource. It is drained by
// a single goroutine.
type eventStream struct {
	src        tracesrc.Source
	maxEvents  int64
	normalizer *Normalizer
	metrics    *observability.PipelineMetrics
	diag       *logging.Throttled
	stats      Stats
}

func (s *eventStream) NextEvent(ctx context.Context) (mesh.MembershipEvent, error) {
	for {
		if s.maxEvents > 0 && s.stats.Events >= s.maxEvents {
			return mesh.MembershipEvent{}, io.EOF
		}
		rec, err := s.src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return mesh.MembershipEvent{}, io.EOF
			}
			return mesh.MembershipEvent{}, fmt.Errorf("read trace: %w", err)
		}
		s.stats.Records++
		s.metrics.RecordRead(rec.Type.Label())

		ev, ok, err := s.normalizer.Normalize(rec)
		if err != nil {
			if s.normalizer.Fatal(err) {
				return mesh.MembershipEvent{}, err
			}
			why := reason(err)
			s.drop(why)
			s.diag.Log(ctx, slog.LevelWarn, why, "record dropped",
				slog.Int64("index", rec.Index),
				slog.Any("error", err),
			)
			continue
		}
		if !ok {
			s.drop(ReasonNonMesh)
			continue
		}
		s.stats.Events++
		if ev.Kind == mesh.Graft {
			s.stats.Grafts++
		} else {
			s.stats.Prunes++
		}
		s.metrics.EventApplied(ev.Kind.String())
		return ev, nil
	}
}

func (s *eventStream) drop(reason string) {
	s.stats.Dropped[reason]++
	if reason != ReasonNonMesh {
		s.metrics.Dropped(reason)
	}
}
