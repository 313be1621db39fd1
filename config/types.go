package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration decodes TOML strings such as "5s" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// TraceConfig selects the trace input.
type TraceConfig struct {
	Path   string `toml:"path"`
	Format string `toml:"format"`
	// Decoder is the external command used by the command format. The trace
	// path is appended as the last argument.
	Decoder   []string `toml:"decoder"`
	MaxEvents int64    `toml:"max_events"`
}

// IdentityConfig locates the identity table.
type IdentityConfig struct {
	Path     string `toml:"path"`
	Format   string `toml:"format"`
	Encoding string `toml:"encoding"`
	// CacheDir, when set, persists the loaded table into a LevelDB directory.
	CacheDir string `toml:"cache_dir"`
}

// AnalysisConfig tunes aggregation.
type AnalysisConfig struct {
	Window       Duration  `toml:"window"`
	Epoch        time.Time `toml:"epoch"`
	UnknownPeers string    `toml:"unknown_peer"`
	StrictOrder  bool      `toml:"strict_order"`
	KeyByTopic   bool      `toml:"key_by_topic"`
	Dense        bool      `toml:"dense"`
	ApplyMode    string    `toml:"apply_mode"`
	Workers      int       `toml:"workers"`
	IncludeMesh  bool      `toml:"include_mesh"`
}

// DatabaseConfig selects the result store.
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// WebhookConfig enables run notifications.
type WebhookConfig struct {
	URL       string `toml:"url"`
	Secret    string `toml:"secret"`
	SecretEnv string `toml:"secret_env"`
}

// OutputConfig lists result destinations. Empty paths are skipped.
type OutputConfig struct {
	CSV      string         `toml:"csv"`
	JSONL    string         `toml:"jsonl"`
	Parquet  string         `toml:"parquet"`
	Database DatabaseConfig `toml:"database"`
	Webhook  WebhookConfig  `toml:"webhook"`
}

type LoggingConfig struct {
	Level      string `toml:"level"`
	Env        string `toml:"env"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type TelemetryConfig struct {
	Endpoint    string            `toml:"endpoint"`
	Insecure    bool              `toml:"insecure"`
	Traces      bool              `toml:"traces"`
	Metrics     bool              `toml:"metrics"`
	Headers     map[string]string `toml:"headers"`
	SampleRatio float64           `toml:"sample_ratio"`
}

// APIConfig configures the query server.
type APIConfig struct {
	Listen            string   `toml:"listen"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	Burst             int      `toml:"burst"`
	ReadTimeout       Duration `toml:"read_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`
	MaxRows           int      `toml:"max_rows"`
}
