package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"meshwatch/mesh"
)

type Config struct {
	Trace     TraceConfig     `toml:"trace"`
	Identity  IdentityConfig  `toml:"identity"`
	Analysis  AnalysisConfig  `toml:"analysis"`
	Output    OutputConfig    `toml:"output"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	API       APIConfig       `toml:"api"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load decodes the TOML file at path, applies defaults and validates the
// result. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.resolvePaths(filepath.Dir(path))
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Trace.Format == "" {
		c.Trace.Format = "jsonl"
	}
	if c.Identity.Encoding == "" {
		c.Identity.Encoding = "base58"
	}
	if c.Analysis.Window.Duration == 0 {
		c.Analysis.Window.Duration = mesh.DefaultWindowWidth
	}
	if c.Analysis.Epoch.IsZero() {
		c.Analysis.Epoch = time.Unix(0, 0).UTC()
	}
	if c.Analysis.UnknownPeers == "" {
		c.Analysis.UnknownPeers = "fail"
	}
	if c.Analysis.ApplyMode == "" {
		c.Analysis.ApplyMode = string(mesh.ApplySequential)
	}
	if c.Analysis.Workers <= 0 {
		c.Analysis.Workers = 1
	}
	if c.Output.Database.Driver == "" {
		c.Output.Database.Driver = "sqlite"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8080"
	}
	if c.API.RequestsPerMinute <= 0 {
		c.API.RequestsPerMinute = 600
	}
	if c.API.Burst <= 0 {
		c.API.Burst = 50
	}
	if c.API.ReadTimeout.Duration == 0 {
		c.API.ReadTimeout.Duration = 10 * time.Second
	}
	if c.API.WriteTimeout.Duration == 0 {
		c.API.WriteTimeout.Duration = 30 * time.Second
	}
	if c.API.MaxRows <= 0 {
		c.API.MaxRows = 10000
	}
}

// resolvePaths makes relative file paths relative to the config file.
func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{
		&c.Trace.Path,
		&c.Identity.Path,
		&c.Identity.CacheDir,
		&c.Output.CSV,
		&c.Output.JSONL,
		&c.Output.Parquet,
		&c.Logging.File,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// WebhookSecret resolves the signing secret, preferring the environment.
func (c *Config) WebhookSecret() string {
	if env := strings.TrimSpace(c.Output.Webhook.SecretEnv); env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return c.Output.Webhook.Secret
}

// Write persists cfg as TOML at path.
func Write(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
