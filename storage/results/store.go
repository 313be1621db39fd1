package results

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"meshwatch/mesh"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	insertBatch = 500
)

// ErrRunNotFound is returned for queries naming an unknown run.
var ErrRunNotFound = errors.New("results: run not found")

// RunMeta describes how a run was produced.
type RunMeta struct {
	Source     string
	Window     time.Duration
	ApplyMode  string
	KeyByTopic bool
	Dense      bool
	Records    int64
	Events     int64
	Digest     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Query filters rows. Zero fields match everything; From and To bound the
// window start, inclusive and exclusive respectively.
type Query struct {
	RunID uuid.UUID
	Peer  *int64
	Topic *string
	From  time.Time
	To    time.Time
	Limit int
}

// PeerSummary aggregates one peer's rows within a run.
type PeerSummary struct {
	Peer        int64
	Windows     int64
	MaxHonest   int
	MaxAttacker int
}

// Store persists result tables through GORM.
type Store struct {
	db *gorm.DB
}

// Open connects to driver (sqlite or postgres) and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "", DriverSQLite, "sqlite3":
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres, "postgresql", "pg":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("results: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open results database: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate results schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun stores the run and all its rows in one transaction.
func (s *Store) SaveRun(ctx context.Context, runID uuid.UUID, meta RunMeta, rows []mesh.WindowRow) error {
	run := Run{
		ID:         runID,
		Source:     meta.Source,
		WindowNS:   int64(meta.Window),
		ApplyMode:  meta.ApplyMode,
		KeyByTopic: meta.KeyByTopic,
		Dense:      meta.Dense,
		Records:    meta.Records,
		Events:     meta.Events,
		RowCount:   int64(len(rows)),
		Digest:     meta.Digest,
		StartedAt:  meta.StartedAt.UTC(),
		FinishedAt: meta.FinishedAt.UTC(),
	}
	models := make([]WindowRow, 0, len(rows))
	for _, row := range rows {
		models = append(models, WindowRow{
			RunID:       runID,
			Peer:        row.Peer,
			Topic:       row.Topic,
			WindowStart: row.Window.Start.UnixNano(),
			WindowEnd:   row.Window.End.UnixNano(),
			Honest:      row.Honest,
			Attacker:    row.Attacker,
			Mesh:        joinMesh(row.Mesh),
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if len(models) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&models, insertBatch).Error; err != nil {
			return fmt.Errorf("insert rows: %w", err)
		}
		return nil
	})
}

// Runs lists runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).Order("created_at DESC").Order("id").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// Run fetches a single run.
func (s *Store) Run(ctx context.Context, runID uuid.UUID) (Run, error) {
	var run Run
	err := s.db.WithContext(ctx).Where("id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// Rows returns matching rows ordered by peer, topic, then window start.
func (s *Store) Rows(ctx context.Context, q Query) ([]mesh.WindowRow, error) {
	tx := s.db.WithContext(ctx).Model(&WindowRow{})
	if q.RunID != uuid.Nil {
		tx = tx.Where("run_id = ?", q.RunID)
	}
	if q.Peer != nil {
		tx = tx.Where("peer = ?", *q.Peer)
	}
	if q.Topic != nil {
		tx = tx.Where("topic = ?", *q.Topic)
	}
	if !q.From.IsZero() {
		tx = tx.Where("window_start >= ?", q.From.UnixNano())
	}
	if !q.To.IsZero() {
		tx = tx.Where("window_start < ?", q.To.UnixNano())
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var models []WindowRow
	if err := tx.Order("peer").Order("topic").Order("window_start").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]mesh.WindowRow, 0, len(models))
	for _, m := range models {
		ids, err := splitMesh(m.Mesh)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", m.ID, err)
		}
		out = append(out, mesh.WindowRow{
			Peer:  m.Peer,
			Topic: m.Topic,
			Window: mesh.Window{
				Start: time.Unix(0, m.WindowStart).UTC(),
				End:   time.Unix(0, m.WindowEnd).UTC(),
			},
			Honest:   m.Honest,
			Attacker: m.Attacker,
			Mesh:     ids,
		})
	}
	return out, nil
}

// Peers summarises every peer that produced rows in the run.
func (s *Store) Peers(ctx context.Context, runID uuid.UUID) ([]PeerSummary, error) {
	if _, err := s.Run(ctx, runID); err != nil {
		return nil, err
	}
	var out []PeerSummary
	err := s.db.WithContext(ctx).Model(&WindowRow{}).
		Select("peer, COUNT(*) AS windows, MAX(honest) AS max_honest, MAX(attacker) AS max_attacker").
		Where("run_id = ?", runID).
		Group("peer").
		Order("peer").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteRun removes a run and its rows.
func (s *Store) DeleteRun(ctx context.Context, runID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).Delete(&WindowRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", runID).Delete(&Run{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil
	})
}

func joinMesh(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitMesh(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, len(parts))
	for i, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("mesh member %q: %w", p, err)
		}
		ids[i] = id
	}
	return ids, nil
}
