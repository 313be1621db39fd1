package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"meshwatch/config"
	"meshwatch/observability/logging"
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, " ") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// loadConfig reads the optional config file. Flags set on the command line are
// applied afterwards by the caller.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// visited reports the names of flags explicitly set on fs.
func visited(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func newLogger(cfg *config.Config, stderr io.Writer) *slog.Logger {
	opts := logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	// Keep stdout for the run summary.
	if cfg.Logging.File == "" {
		opts.Writer = stderr
	}
	return logging.SetupWithOptions(serviceName, cfg.Logging.Env, opts)
}

func parseDurationFlag(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("-%s: %w", name, err)
	}
	return d, nil
}
