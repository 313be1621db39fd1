package logging

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Throttled rate-limits repetitive diagnostics per reason. Suppressed lines
// are counted so they can be reported once the burst is over.
type Throttled struct {
	logger *slog.Logger
	limit  rate.Limit
	burst  int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	suppressed map[string]int64
}

// NewThrottled allows burst lines per reason, refilled at perSecond.
func NewThrottled(logger *slog.Logger, perSecond float64, burst int) *Throttled {
	if logger == nil {
		logger = slog.Default()
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{
		logger:     logger,
		limit:      rate.Limit(perSecond),
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]int64),
	}
}

// Log emits msg at level unless the reason's budget is exhausted. It reports
// whether the line was written.
func (t *Throttled) Log(ctx context.Context, level slog.Level, reason, msg string, args ...any) bool {
	t.mu.Lock()
	limiter, ok := t.limiters[reason]
	if !ok {
		limiter = rate.NewLimiter(t.limit, t.burst)
		t.limiters[reason] = limiter
	}
	allowed := limiter.Allow()
	if !allowed {
		t.suppressed[reason]++
	}
	t.mu.Unlock()
	if !allowed {
		return false
	}
	t.logger.Log(ctx, level, msg, append(args, slog.String("reason", reason))...)
	return true
}

// Suppressed returns the number of dropped lines per reason.
func (t *Throttled) Suppressed() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.suppressed))
	for k, v := range t.suppressed {
		out[k] = v
	}
	return out
}

// Flush logs one summary line per reason with suppressed output and resets the
// counters.
func (t *Throttled) Flush(ctx context.Context) {
	t.mu.Lock()
	pending := t.suppressed
	t.suppressed = make(map[string]int64)
	t.mu.Unlock()
	for reason, n := range pending {
		if n == 0 {
			continue
		}
		t.logger.LogAttrs(ctx, slog.LevelWarn, "diagnostics suppressed",
			slog.String("reason", reason),
			slog.Int64("count", n),
		)
	}
}
