package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"meshwatch/config"
	"meshwatch/identity"
	"meshwatch/integrations/exports"
	"meshwatch/integrations/webhooks"
	"meshwatch/mesh"
	"meshwatch/observability"
	"meshwatch/observability/otel"
	"meshwatch/pipeline"
	"meshwatch/storage"
	"meshwatch/storage/results"
	"meshwatch/trace"
)

const webhookDrainTimeout = 30 * time.Second

func runAnalyze(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(analyzeCommand, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to a meshwatch TOML config file")
	tracePath := fs.String("trace", "", "Trace file to analyse")
	traceFormat := fs.String("trace-format", "", "Trace format: jsonl, protobuf or command")
	var decoder stringList
	fs.Var(&decoder, "decoder", "Decoder command for -trace-format=command (repeat for each argument)")
	maxEvents := fs.Int64("max-events", 0, "Stop after this many GRAFT/PRUNE events (0 reads all)")
	identityPath := fs.String("identity", "", "Identity table (csv, json, yaml or a leveldb directory)")
	identityFormat := fs.String("identity-format", "", "Identity table format, inferred from the path when empty")
	encoding := fs.String("encoding", "", "Canonical peer id encoding: base58, hex or raw")
	window := fs.String("window", "", "Window width, e.g. 5s")
	unknownPeers := fs.String("unknown-peer", "", "Unknown peer policy: fail or skip")
	applyMode := fs.String("apply-mode", "", "Window apply mode: sequential or union")
	workers := fs.Int("workers", 0, "Aggregation workers")
	strict := fs.Bool("strict", false, "Abort on out-of-order events")
	byTopic := fs.Bool("key-by-topic", false, "Track one mesh per (peer, topic)")
	dense := fs.Bool("dense", false, "Emit a row for every window in a key's active span")
	includeMesh := fs.Bool("include-mesh", false, "Keep mesh members on every row")
	csvPath := fs.String("csv", "", "Write the result table as CSV")
	jsonlPath := fs.String("jsonl", "", "Write the result table as JSON lines")
	parquetPath := fs.String("parquet", "", "Write the result table as Parquet")
	dbDriver := fs.String("db-driver", "", "Result store driver: sqlite or postgres")
	dbDSN := fs.String("db-dsn", "", "Result store DSN; results are only persisted when set")
	webhookURL := fs.String("webhook", "", "Notify this URL when the run finishes")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 1 && *tracePath == "" {
		*tracePath = fs.Arg(0)
	} else if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	set := visited(fs)
	if *tracePath != "" {
		cfg.Trace.Path = *tracePath
	}
	if set["trace-format"] {
		cfg.Trace.Format = *traceFormat
	}
	if len(decoder) > 0 {
		cfg.Trace.Decoder = decoder
	}
	if set["max-events"] {
		cfg.Trace.MaxEvents = *maxEvents
	}
	if set["identity"] {
		cfg.Identity.Path = *identityPath
	}
	if set["identity-format"] {
		cfg.Identity.Format = *identityFormat
	}
	if set["encoding"] {
		cfg.Identity.Encoding = *encoding
	}
	if set["window"] {
		d, err := parseDurationFlag("window", *window)
		if err != nil {
			return err
		}
		cfg.Analysis.Window.Duration = d
	}
	if set["unknown-peer"] {
		cfg.Analysis.UnknownPeers = *unknownPeers
	}
	if set["apply-mode"] {
		cfg.Analysis.ApplyMode = *applyMode
	}
	if set["workers"] {
		cfg.Analysis.Workers = *workers
	}
	if set["strict"] {
		cfg.Analysis.StrictOrder = *strict
	}
	if set["key-by-topic"] {
		cfg.Analysis.KeyByTopic = *byTopic
	}
	if set["dense"] {
		cfg.Analysis.Dense = *dense
	}
	if set["include-mesh"] {
		cfg.Analysis.IncludeMesh = *includeMesh
	}
	if set["csv"] {
		cfg.Output.CSV = *csvPath
	}
	if set["jsonl"] {
		cfg.Output.JSONL = *jsonlPath
	}
	if set["parquet"] {
		cfg.Output.Parquet = *parquetPath
	}
	if set["db-driver"] {
		cfg.Output.Database.Driver = *dbDriver
	}
	if set["db-dsn"] {
		cfg.Output.Database.DSN = *dbDSN
	}
	if set["webhook"] {
		cfg.Output.Webhook.URL = *webhookURL
	}
	if set["log-level"] {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Trace.Path == "" {
		return errors.New("a trace path is required (-trace or [trace].path)")
	}
	if cfg.Identity.Path == "" {
		return errors.New("an identity table is required (-identity or [identity].path)")
	}

	logger := newLogger(cfg, stderr)
	shutdown, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	a := &analysis{cfg: cfg, logger: logger, stdout: stdout, runID: uuid.New()}
	return a.run(ctx)
}

func initTelemetry(ctx context.Context, cfg *config.Config) (otel.ShutdownFunc, error) {
	tc := otel.Config{
		ServiceName: serviceName,
		Environment: cfg.Logging.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
	tc.ApplyEnv()
	return otel.Init(ctx, tc)
}

// analysis carries one analyze invocation.
type analysis struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
	runID  uuid.UUID

	notifier *webhooks.Dispatcher
}

func (a *analysis) run(ctx context.Context) (err error) {
	if url := a.cfg.Output.Webhook.URL; url != "" {
		a.notifier, err = webhooks.NewDispatcher(url, []byte(a.cfg.WebhookSecret()),
			webhooks.WithLogger(a.logger),
			webhooks.WithMetrics(observability.Webhooks()),
		)
		if err != nil {
			return err
		}
		defer a.drainNotifier()
		defer func() {
			if err == nil {
				return
			}
			if qerr := a.notifier.EnqueueFailed(webhooks.RunFailedPayload{
				RunID:    a.runID.String(),
				Source:   a.cfg.Trace.Path,
				Error:    err.Error(),
				FailedAt: time.Now().UTC(),
			}); qerr != nil {
				a.logger.Warn("queue failure webhook", slog.Any("error", qerr))
			}
		}()
	}

	resolver, err := a.loadResolver()
	if err != nil {
		return err
	}
	src, err := a.openTrace(ctx)
	if err != nil {
		return err
	}
	defer src.Close()

	agg, err := a.cfg.AnalysisOptions()
	if err != nil {
		return err
	}
	res, err := pipeline.Run(ctx, pipeline.Options{
		Source:       src,
		Resolver:     resolver,
		Aggregation:  agg,
		UnknownPeers: pipeline.UnknownPeerPolicy(a.cfg.Analysis.UnknownPeers),
		Workers:      a.cfg.Analysis.Workers,
		MaxEvents:    a.cfg.Trace.MaxEvents,
		RunID:        a.runID,
		Logger:       a.logger,
		Metrics:      observability.Pipeline(),
	})
	if err != nil {
		return err
	}
	rows := res.Table.Rows()
	files, err := a.writeExports(rows)
	if err != nil {
		return err
	}
	if err := a.persist(ctx, res); err != nil {
		return err
	}
	a.notifyCompleted(res, files)
	return a.printSummary(res, resolver.Table(), files)
}

func (a *analysis) loadResolver() (*identity.Resolver, error) {
	format, err := identity.ParseFormat(a.cfg.Identity.Format, a.cfg.Identity.Path)
	if err != nil {
		return nil, err
	}
	table, err := identity.LoadFile(a.cfg.Identity.Path, format)
	if err != nil {
		return nil, err
	}
	honest, attacker := table.Counts()
	a.logger.Info("identity table loaded",
		slog.String("path", a.cfg.Identity.Path),
		slog.Int("honest", honest),
		slog.Int("attacker", attacker),
	)
	if dir := a.cfg.Identity.CacheDir; dir != "" && format != identity.FormatLevelDB {
		if err := saveIdentityCache(dir, table); err != nil {
			return nil, err
		}
		a.logger.Debug("identity table cached", slog.String("dir", dir))
	}
	enc, err := identity.ParseEncoding(a.cfg.Identity.Encoding)
	if err != nil {
		return nil, err
	}
	return identity.NewResolver(table, enc), nil
}

func saveIdentityCache(dir string, table *identity.Table) error {
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		return fmt.Errorf("open identity cache: %w", err)
	}
	defer db.Close()
	if err := identity.NewCache(db).Save(table); err != nil {
		return fmt.Errorf("save identity cache: %w", err)
	}
	return nil
}

func (a *analysis) openTrace(ctx context.Context) (trace.Source, error) {
	format, err := trace.ParseFormat(a.cfg.Trace.Format)
	if err != nil {
		return nil, err
	}
	if format != trace.FormatCommand {
		return trace.OpenFile(a.cfg.Trace.Path, format)
	}
	decoder := a.cfg.Trace.Decoder
	if len(decoder) == 0 {
		decoder = trace.DefaultDecoder
	}
	args := append(append([]string(nil), decoder[1:]...), a.cfg.Trace.Path)
	a.logger.Info("starting trace decoder", slog.String("command", strings.Join(append([]string{decoder[0]}, args...), " ")))
	return trace.CommandSource(ctx, decoder[0], args...)
}

func (a *analysis) writeExports(rows []mesh.WindowRow) ([]exports.File, error) {
	targets := []struct {
		path   string
		format exports.Format
	}{
		{a.cfg.Output.CSV, exports.FormatCSV},
		{a.cfg.Output.JSONL, exports.FormatJSONL},
		{a.cfg.Output.Parquet, exports.FormatParquet},
	}
	var files []exports.File
	for _, target := range targets {
		if target.path == "" {
			continue
		}
		file, err := exports.WriteFile(target.path, target.format, rows)
		if err != nil {
			return files, err
		}
		a.logger.Info("export written",
			slog.String("format", string(file.Format)),
			slog.String("path", file.Path),
			slog.String("checksum", file.Checksum),
		)
		files = append(files, file)
	}
	return files, nil
}

func (a *analysis) persist(ctx context.Context, res *pipeline.Result) error {
	db := a.cfg.Output.Database
	if db.DSN == "" {
		return nil
	}
	store, err := results.Open(db.Driver, db.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	err = store.SaveRun(ctx, res.RunID, results.RunMeta{
		Source:     a.cfg.Trace.Path,
		Window:     a.cfg.Analysis.Window.Duration,
		ApplyMode:  a.cfg.Analysis.ApplyMode,
		KeyByTopic: a.cfg.Analysis.KeyByTopic,
		Dense:      a.cfg.Analysis.Dense,
		Records:    res.Stats.Records,
		Events:     res.Stats.Events,
		Digest:     res.Digest,
		StartedAt:  res.Stats.Started,
		FinishedAt: res.Stats.Finished,
	}, res.Table.Rows())
	if err != nil {
		return fmt.Errorf("persist run: %w", err)
	}
	a.logger.Info("run persisted", slog.String("driver", db.Driver))
	return nil
}

func (a *analysis) notifyCompleted(res *pipeline.Result, files []exports.File) {
	if a.notifier == nil {
		return
	}
	refs := make([]webhooks.ExportRef, 0, len(files))
	for _, f := range files {
		refs = append(refs, webhooks.ExportRef{Format: string(f.Format), Path: f.Path, Checksum: f.Checksum})
	}
	err := a.notifier.EnqueueCompleted(webhooks.RunCompletedPayload{
		RunID:      res.RunID.String(),
		Source:     a.cfg.Trace.Path,
		Records:    res.Stats.Records,
		Events:     res.Stats.Events,
		Dropped:    res.Stats.DroppedTotal(),
		Rows:       res.Stats.Rows,
		Peers:      len(peersOf(res.Table.Rows())),
		Digest:     res.Digest,
		Exports:    refs,
		FinishedAt: res.Stats.Finished.UTC(),
	})
	if err != nil {
		a.logger.Warn("queue completion webhook", slog.Any("error", err))
	}
}

func (a *analysis) drainNotifier() {
	ctx, cancel := context.WithTimeout(context.Background(), webhookDrainTimeout)
	defer cancel()
	if err := a.notifier.Shutdown(ctx); err != nil {
		a.logger.Warn("webhook deliveries abandoned", slog.Any("error", err))
	}
}

func (a *analysis) printSummary(res *pipeline.Result, table *identity.Table, files []exports.File) error {
	honest, attacker := table.Counts()
	stats := res.Stats
	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "run\t%s\n", res.RunID)
	fmt.Fprintf(w, "identities\t%s honest, %s attacker\n", humanize.Comma(int64(honest)), humanize.Comma(int64(attacker)))
	fmt.Fprintf(w, "records\t%s\n", humanize.Comma(stats.Records))
	fmt.Fprintf(w, "events\t%s (%s graft, %s prune)\n", humanize.Comma(stats.Events), humanize.Comma(stats.Grafts), humanize.Comma(stats.Prunes))
	reasons := make([]string, 0, len(stats.Dropped))
	for reason := range stats.Dropped {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(w, "dropped %s\t%s\n", reason, humanize.Comma(stats.Dropped[reason]))
	}
	fmt.Fprintf(w, "peers\t%s\n", humanize.Comma(int64(len(peersOf(res.Table.Rows())))))
	fmt.Fprintf(w, "rows\t%s\n", humanize.Comma(int64(stats.Rows)))
	fmt.Fprintf(w, "digest\t%s\n", res.Digest)
	fmt.Fprintf(w, "elapsed\t%s\n", stats.Duration().Round(time.Millisecond))
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s (%s, %s)\n", f.Format, f.Path, humanize.Bytes(uint64(f.Bytes)), f.Checksum)
	}
	return w.Flush()
}

func peersOf(rows []mesh.WindowRow) map[int64]struct{} {
	peers := make(map[int64]struct{})
	for _, row := range rows {
		peers[row.Peer] = struct{}{}
	}
	return peers
}
