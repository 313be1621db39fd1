package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"meshwatch/identity"
	"meshwatch/mesh"
	"meshwatch/pipeline"
	"meshwatch/storage/results"
	"meshwatch/trace"
)

// Validate checks enumerations and ranges. Required paths are checked by the
// commands that need them.
func (c *Config) Validate() error {
	var errs []error
	if _, err := trace.ParseFormat(c.Trace.Format); err != nil {
		errs = append(errs, fmt.Errorf("trace: %w", err))
	}
	if c.Trace.MaxEvents < 0 {
		errs = append(errs, errors.New("trace: max_events < 0"))
	}
	if _, err := identity.ParseEncoding(c.Identity.Encoding); err != nil {
		errs = append(errs, fmt.Errorf("identity: %w", err))
	}
	if c.Identity.Format != "" {
		if _, err := identity.ParseFormat(c.Identity.Format, c.Identity.Path); err != nil {
			errs = append(errs, fmt.Errorf("identity: %w", err))
		}
	}
	if _, err := mesh.NewGrid(c.Analysis.Window.Duration, c.Analysis.Epoch); err != nil {
		errs = append(errs, fmt.Errorf("analysis: %w", err))
	}
	if _, err := mesh.ParseApplyMode(c.Analysis.ApplyMode); err != nil {
		errs = append(errs, fmt.Errorf("analysis: %w", err))
	}
	if _, err := pipeline.ParseUnknownPeerPolicy(c.Analysis.UnknownPeers); err != nil {
		errs = append(errs, fmt.Errorf("analysis: %w", err))
	}
	switch strings.ToLower(c.Output.Database.Driver) {
	case results.DriverSQLite, "sqlite3", results.DriverPostgres, "postgresql", "pg":
	default:
		errs = append(errs, fmt.Errorf("output.database: unsupported driver %q", c.Output.Database.Driver))
	}
	if raw := c.Output.Webhook.URL; raw != "" {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("output.webhook: invalid url %q", raw))
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry: sample_ratio outside [0,1]"))
	}
	return errors.Join(errs...)
}

// AnalysisOptions translates [analysis] into aggregator settings.
func (c *Config) AnalysisOptions() (mesh.AggregatorConfig, error) {
	grid, err := mesh.NewGrid(c.Analysis.Window.Duration, c.Analysis.Epoch)
	if err != nil {
		return mesh.AggregatorConfig{}, err
	}
	mode, err := mesh.ParseApplyMode(c.Analysis.ApplyMode)
	if err != nil {
		return mesh.AggregatorConfig{}, err
	}
	return mesh.AggregatorConfig{
		Grid:        grid,
		KeyByTopic:  c.Analysis.KeyByTopic,
		Dense:       c.Analysis.Dense,
		Mode:        mode,
		Strict:      c.Analysis.StrictOrder,
		IncludeMesh: c.Analysis.IncludeMesh,
	}, nil
}
