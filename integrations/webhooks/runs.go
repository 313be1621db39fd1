package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshwatch/observability"
)

// EventType represents the logical webhook topic.
type EventType string

const (
	// EventRunCompleted is emitted when an analysis run produced a result table.
	EventRunCompleted EventType = "meshwatch.run.completed"
	// EventRunFailed is emitted when an analysis run aborted.
	EventRunFailed EventType = "meshwatch.run.failed"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

var errDispatcherClosed = errors.New("webhook: dispatcher closed")

// ExportRef points at one export written by the run.
type ExportRef struct {
	Format   string `json:"format"`
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
}

// RunCompletedPayload describes the webhook body for completed runs.
type RunCompletedPayload struct {
	Type       EventType   `json:"type"`
	RunID      string      `json:"runId"`
	Source     string      `json:"source"`
	Records    int64       `json:"records"`
	Events     int64       `json:"events"`
	Dropped    int64       `json:"dropped"`
	Rows       int         `json:"rows"`
	Peers      int         `json:"peers"`
	Digest     string      `json:"digest"`
	Exports    []ExportRef `json:"exports,omitempty"`
	FinishedAt time.Time   `json:"finishedAt"`
	DeliveryID string      `json:"deliveryId"`
}

// RunFailedPayload describes the webhook body for failed runs.
type RunFailedPayload struct {
	Type       EventType `json:"type"`
	RunID      string    `json:"runId"`
	Source     string    `json:"source"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failedAt"`
	DeliveryID string    `json:"deliveryId"`
}

// Dispatcher orchestrates webhook deliveries with retry and exponential backoff.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
	metrics     *observability.WebhookMetrics

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type delivery struct {
	eventType EventType
	id        string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithLogger reports failed deliveries.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records delivery outcomes.
func WithMetrics(metrics *observability.WebhookMetrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine. An
// empty secret disables request signing.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = string(bytes.TrimSpace([]byte(endpoint)))
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, 32),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.logger = dispatcher.logger.With(slog.String("component", "webhooks"))
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close drains queued deliveries and stops the worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	_ = d.Shutdown(context.Background())
}

// Shutdown stops accepting deliveries and waits for the queue to drain or ctx
// to expire, whichever comes first.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// EnqueueCompleted sends a completion event asynchronously.
func (d *Dispatcher) EnqueueCompleted(payload RunCompletedPayload) error {
	payload.Type = EventRunCompleted
	if payload.FinishedAt.IsZero() {
		payload.FinishedAt = time.Now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	return d.enqueue(payload.Type, payload.DeliveryID, payload)
}

// EnqueueFailed sends a failure event asynchronously.
func (d *Dispatcher) EnqueueFailed(payload RunFailedPayload) error {
	payload.Type = EventRunFailed
	if payload.FailedAt.IsZero() {
		payload.FailedAt = time.Now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	return d.enqueue(payload.Type, payload.DeliveryID, payload)
}

func (d *Dispatcher) enqueue(eventType EventType, id string, body interface{}) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errDispatcherClosed
	}
	select {
	case d.queue <- delivery{eventType: eventType, id: id, body: data}:
		return nil
	case <-d.ctx.Done():
		return errDispatcherClosed
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.process(job)
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			d.metrics.Delivered(string(job.eventType), true)
			return
		}
		if attempt >= d.maxAttempts {
			d.metrics.Delivered(string(job.eventType), false)
			d.logger.Warn("webhook delivery abandoned",
				slog.String("event", string(job.eventType)),
				slog.String("delivery_id", job.id),
				slog.Int("attempts", attempt),
				slog.Any("error", err),
			)
			return
		}
		d.metrics.Retried(string(job.eventType))
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			d.metrics.Delivered(string(job.eventType), false)
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Meshwatch-Event", string(job.eventType))
	req.Header.Set("X-Meshwatch-Delivery", job.id)
	if len(d.secret) > 0 {
		req.Header.Set("X-Meshwatch-Signature", Sign(d.secret, job.body))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	sum := mac.Sum(nil)
	return "sha256=" + hex.EncodeToString(sum)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
