package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"meshwatch/observability"
)

func TestDispatcherSignsPayload(t *testing.T) {
	var (
		mu        sync.Mutex
		signature string
		event     string
		body      []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		mu.Lock()
		body = data
		signature = r.Header.Get("X-Meshwatch-Signature")
		event = r.Header.Get("X-Meshwatch-Event")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	if err := dispatcher.EnqueueCompleted(RunCompletedPayload{RunID: "run-1", Rows: 4, Digest: "abc"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dispatcher.Close()

	mu.Lock()
	defer mu.Unlock()
	if signature != Sign([]byte("secret"), body) {
		t.Fatalf("signature %q does not match body", signature)
	}
	if event != string(EventRunCompleted) {
		t.Fatalf("unexpected event header %q", event)
	}
	var payload RunCompletedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.RunID != "run-1" || payload.Rows != 4 || payload.DeliveryID == "" || payload.FinishedAt.IsZero() {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestDispatcherRetries(t *testing.T) {
	attempts := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	metrics := observability.Webhooks()
	retried := testutil.ToFloat64(metrics.Retries(string(EventRunFailed)))
	dispatcher, err := NewDispatcher(server.URL, nil,
		WithRetryPolicy(5, time.Millisecond*10, time.Millisecond*20),
		WithMetrics(metrics),
	)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	if err := dispatcher.EnqueueFailed(RunFailedPayload{RunID: "run-2", Error: "boom"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dispatcher.Close()
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if got := testutil.ToFloat64(metrics.Retries(string(EventRunFailed))) - retried; got != 2 {
		t.Fatalf("expected 2 retries recorded, got %v", got)
	}
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	dispatcher, err := NewDispatcher("http://127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	dispatcher.Close()
	if err := dispatcher.EnqueueCompleted(RunCompletedPayload{}); err == nil {
		t.Fatalf("expected error after close")
	}
	dispatcher.Close()
}

func TestNewDispatcherRequiresEndpoint(t *testing.T) {
	if _, err := NewDispatcher("  ", nil); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}

func TestNextBackoff(t *testing.T) {
	if got := nextBackoff(time.Second, 3*time.Second); got != 2*time.Second {
		t.Fatalf("unexpected backoff %v", got)
	}
	if got := nextBackoff(2*time.Second, 3*time.Second); got != 3*time.Second {
		t.Fatalf("backoff must cap, got %v", got)
	}
}
