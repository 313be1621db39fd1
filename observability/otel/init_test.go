package otel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "meshwatch"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" a=1 , b = two,broken,=x,")
	if len(got) != 2 || got["a"] != "1" || got["b"] != "two" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "auth=token")
	t.Setenv("OTEL_SERVICE_NAME", "from-env")
	var cfg Config
	cfg.ApplyEnv()
	if cfg.Endpoint != "collector:4318" || cfg.Headers["auth"] != "token" || cfg.ServiceName != "from-env" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	cfg = Config{Endpoint: "explicit:1", ServiceName: "svc"}
	cfg.ApplyEnv()
	if cfg.Endpoint != "explicit:1" || cfg.ServiceName != "svc" {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
}

func TestSamplerRatio(t *testing.T) {
	for ratio, want := range map[float64]string{
		0:    "AlwaysOnSampler",
		1:    "AlwaysOnSampler",
		-0.5: "AlwaysOnSampler",
		0.25: "ParentBased{root:TraceIDRatioBased{0.25}",
	} {
		if got := sampler(ratio).Description(); !strings.HasPrefix(got, want) {
			t.Fatalf("sampler(%v) = %q, want prefix %q", ratio, got, want)
		}
	}
}

func TestShutdownAllReverseOrderJoinsErrors(t *testing.T) {
	var order []string
	first := errors.New("first failed")
	last := errors.New("last failed")
	stop := shutdownAll([]ShutdownFunc{
		func(context.Context) error { order = append(order, "traces"); return first },
		func(context.Context) error { order = append(order, "metrics"); return nil },
		func(context.Context) error { order = append(order, "extra"); return last },
	})
	err := stop(context.Background())
	require.ErrorIs(t, err, first)
	require.ErrorIs(t, err, last)
	require.Equal(t, []string{"extra", "metrics", "traces"}, order)
	require.NoError(t, shutdownAll(nil)(context.Background()))
}

func TestNewResourceCarriesServiceAndEnv(t *testing.T) {
	res, err := newResource(Config{ServiceName: "meshwatch", Environment: "staging"})
	require.NoError(t, err)
	values := map[string]string{}
	for _, kv := range res.Attributes() {
		values[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, "meshwatch", values["service.name"])
	require.Equal(t, "staging", values["deployment.environment"])
}
