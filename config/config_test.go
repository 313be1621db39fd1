package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshwatch/mesh"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meshwatch.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[trace]
path = "trace.json"
format = "command"
decoder = ["trace2json"]
max_events = 100

[identity]
path = "/data/peers.csv"
encoding = "hex"

[analysis]
window = "10s"
epoch = 2020-01-01T00:00:00Z
unknown_peer = "skip"
strict_order = true
key_by_topic = true
dense = true
apply_mode = "union"
workers = 4
include_mesh = true

[output]
csv = "out/rows.csv"
parquet = "/abs/rows.parquet"

[output.database]
driver = "postgres"
dsn = "postgres://localhost/meshwatch"

[output.webhook]
url = "https://hooks.example/meshwatch"
secret_env = "MESHWATCH_TEST_SECRET"

[logging]
level = "debug"

[telemetry]
traces = true
sample_ratio = 0.5

[api]
listen = ":9090"
read_timeout = "2s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	dir := filepath.Dir(path)

	require.Equal(t, filepath.Join(dir, "trace.json"), cfg.Trace.Path)
	require.Equal(t, []string{"trace2json"}, cfg.Trace.Decoder)
	require.Equal(t, int64(100), cfg.Trace.MaxEvents)
	require.Equal(t, "/data/peers.csv", cfg.Identity.Path)
	require.Equal(t, 10*time.Second, cfg.Analysis.Window.Duration)
	require.True(t, cfg.Analysis.Epoch.Equal(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, filepath.Join(dir, "out/rows.csv"), cfg.Output.CSV)
	require.Equal(t, "/abs/rows.parquet", cfg.Output.Parquet)
	require.Equal(t, "postgres", cfg.Output.Database.Driver)
	require.Equal(t, 2*time.Second, cfg.API.ReadTimeout.Duration)
	require.Equal(t, 30*time.Second, cfg.API.WriteTimeout.Duration)

	t.Setenv("MESHWATCH_TEST_SECRET", "s3cret")
	require.Equal(t, "s3cret", cfg.WebhookSecret())

	agg, err := cfg.AnalysisOptions()
	require.NoError(t, err)
	require.Equal(t, mesh.ApplyUnion, agg.Mode)
	require.True(t, agg.Strict)
	require.True(t, agg.KeyByTopic)
	require.True(t, agg.Dense)
	require.True(t, agg.IncludeMesh)
	require.Equal(t, 10*time.Second, agg.Grid.Width)
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, mesh.DefaultWindowWidth, cfg.Analysis.Window.Duration)
	require.Equal(t, "fail", cfg.Analysis.UnknownPeers)
	require.Equal(t, "sequential", cfg.Analysis.ApplyMode)
	require.Equal(t, 1, cfg.Analysis.Workers)
	require.Equal(t, "sqlite", cfg.Output.Database.Driver)
	require.Equal(t, "base58", cfg.Identity.Encoding)
	require.True(t, cfg.Analysis.Epoch.Equal(time.Unix(0, 0)))
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[analysis]\nwindow = \"5s\"\nwidnow = \"6s\"\n")
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "analysis.widnow")
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"window":    "[analysis]\nwindow = \"soon\"\n",
		"negative":  "[analysis]\nwindow = \"-5s\"\n",
		"mode":      "[analysis]\napply_mode = \"random\"\n",
		"policy":    "[analysis]\nunknown_peer = \"ignore\"\n",
		"format":    "[trace]\nformat = \"xml\"\n",
		"encoding":  "[identity]\nencoding = \"base64\"\n",
		"driver":    "[output.database]\ndriver = \"mysql\"\n",
		"webhook":   "[output.webhook]\nurl = \"ftp://x\"\n",
		"sampling":  "[telemetry]\nsample_ratio = 2.0\n",
		"maxevents": "[trace]\nmax_events = -1\n",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		require.Error(t, err, name)
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Analysis.ApplyMode = "random"
	cfg.Trace.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "analysis") && strings.Contains(err.Error(), "trace"))
}

func TestWriteRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Trace.Path = "/traces/run.pb"
	cfg.Analysis.Window.Duration = 3 * time.Second
	path := filepath.Join(t.TempDir(), "nested", "meshwatch.toml")
	require.NoError(t, Write(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/traces/run.pb", loaded.Trace.Path)
	require.Equal(t, 3*time.Second, loaded.Analysis.Window.Duration)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 1m30s ")))
	require.Equal(t, 90*time.Second, d.Duration)
	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(text))
	require.Error(t, d.UnmarshalText([]byte("ninety")))
}

func TestDeployConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "deploy", "meshwatch.toml"))
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Analysis.Window.Duration)
	require.Equal(t, "/var/lib/meshwatch/runs.db", cfg.Output.Database.DSN)
	require.Equal(t, filepath.Join("..", "deploy", "trace.jsonl"), cfg.Trace.Path)
	require.Equal(t, "0.0.0.0:8080", cfg.API.Listen)
}
