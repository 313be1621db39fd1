package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestPipelineMetricsCounters(t *testing.T) {
	m := Pipeline()
	if Pipeline() != m {
		t.Fatalf("expected singleton registry")
	}

	before := testutil.ToFloat64(m.dropped.WithLabelValues("unknown_peer"))
	m.Dropped("unknown_peer")
	m.Dropped("unknown_peer")
	if got := testutil.ToFloat64(m.dropped.WithLabelValues("unknown_peer")) - before; got != 2 {
		t.Fatalf("expected 2 drops, got %v", got)
	}

	blank := testutil.ToFloat64(m.dropped.WithLabelValues("unspecified"))
	m.Dropped("  ")
	if got := testutil.ToFloat64(m.dropped.WithLabelValues("unspecified")) - blank; got != 1 {
		t.Fatalf("blank reason not normalised: %v", got)
	}

	rows := testutil.ToFloat64(m.rows)
	m.RowEmitted(3, 1)
	if got := testutil.ToFloat64(m.rows) - rows; got != 1 {
		t.Fatalf("expected one row, got %v", got)
	}

	failed := testutil.ToFloat64(m.runs.WithLabelValues("error"))
	m.RunFinished(time.Second, errors.New("boom"))
	if got := testutil.ToFloat64(m.runs.WithLabelValues("error")) - failed; got != 1 {
		t.Fatalf("expected failed run to be counted, got %v", got)
	}

	reads := testutil.ToFloat64(m.records.WithLabelValues("GRAFT"))
	m.RecordRead("GRAFT")
	if got := testutil.ToFloat64(m.records.WithLabelValues("GRAFT")) - reads; got != 1 {
		t.Fatalf("expected one read, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var p *PipelineMetrics
	p.RecordRead("GRAFT")
	p.Dropped("x")
	p.RowEmitted(1, 1)
	p.RunFinished(time.Second, nil)
	var a *APIMetrics
	a.Observe("/runs", 200, time.Millisecond)
	a.Throttled()
}

func TestAPIMetrics(t *testing.T) {
	m := API()
	before := testutil.ToFloat64(m.requests.WithLabelValues("unmatched", "404"))
	m.Observe("", 404, time.Millisecond)
	if got := testutil.ToFloat64(m.requests.WithLabelValues("unmatched", "404")) - before; got != 1 {
		t.Fatalf("expected unmatched route counted, got %v", got)
	}
	throttled := testutil.ToFloat64(m.throttles)
	m.Throttled()
	if got := testutil.ToFloat64(m.throttles) - throttled; got != 1 {
		t.Fatalf("expected throttle counted, got %v", got)
	}
}

func histogramCount(t *testing.T, h interface{ Write(*dto.Metric) error }) uint64 {
	t.Helper()
	var metric dto.Metric
	if err := h.Write(&metric); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	return metric.GetHistogram().GetSampleCount()
}

func TestMeshSizeHistogram(t *testing.T) {
	m := Pipeline()
	honest := m.meshSize.WithLabelValues("honest").(interface{ Write(*dto.Metric) error })
	attacker := m.meshSize.WithLabelValues("attacker").(interface{ Write(*dto.Metric) error })
	beforeHonest := histogramCount(t, honest)
	beforeAttacker := histogramCount(t, attacker)

	m.RowEmitted(4, 2)
	m.RowEmitted(0, 0)

	if got := histogramCount(t, honest) - beforeHonest; got != 2 {
		t.Fatalf("expected 2 honest observations, got %d", got)
	}
	if got := histogramCount(t, attacker) - beforeAttacker; got != 2 {
		t.Fatalf("expected 2 attacker observations, got %d", got)
	}

	duration := histogramCount(t, m.duration)
	m.RunFinished(250*time.Millisecond, nil)
	if got := histogramCount(t, m.duration) - duration; got != 1 {
		t.Fatalf("expected one duration sample, got %d", got)
	}
}

func TestWebhookMetrics(t *testing.T) {
	m := Webhooks()
	delivered := testutil.ToFloat64(m.deliveries.WithLabelValues("meshwatch.run.completed", "delivered"))
	abandoned := testutil.ToFloat64(m.deliveries.WithLabelValues("unknown", "abandoned"))
	retries := testutil.ToFloat64(m.retries.WithLabelValues("meshwatch.run.completed"))

	m.Retried(" MESHWATCH.RUN.COMPLETED ")
	m.Delivered("meshwatch.run.completed", true)
	m.Delivered("", false)

	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("meshwatch.run.completed", "delivered")) - delivered; got != 1 {
		t.Fatalf("expected one delivery, got %v", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("unknown", "abandoned")) - abandoned; got != 1 {
		t.Fatalf("expected one abandoned delivery, got %v", got)
	}
	if got := testutil.ToFloat64(m.retries.WithLabelValues("meshwatch.run.completed")) - retries; got != 1 {
		t.Fatalf("expected one retry, got %v", got)
	}

	var nilMetrics *WebhookMetrics
	nilMetrics.Delivered("x", true)
	nilMetrics.Retried("x")
}
