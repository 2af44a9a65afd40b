// Package trigger asks downstream services to recompute data derived from
// daily snapshots. Every request is fire-and-forget.
package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"wearable-sync/internal/metrics"
)

// Downstream functions
const (
	FnWeeklyAggregates = "recompute-weekly-aggregates"
	FnTrainingActuals  = "recompute-training-actuals"
)

const (
	DefaultTimeout  = 15 * time.Second
	DefaultDebounce = 2 * time.Second
)

// Payload is the body sent to every function
type Payload struct {
	UserID string `json:"userId"`
	Date   string `json:"date,omitempty"`
}

type pending struct {
	timer *time.Timer
}

// Dispatcher fans out recompute requests without blocking callers
type Dispatcher struct {
	invoker  Invoker
	timeout  time.Duration
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Zero durations use the defaults.
func NewDispatcher(invoker Invoker, timeout, debounce time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Dispatcher{
		invoker:  invoker,
		timeout:  timeout,
		debounce: debounce,
		logger:   slog.Default().With("component", "trigger", "backend", invoker.Backend()),
		pending:  make(map[string]*pending),
	}
}

// OnSyncSuccess requests weekly aggregate and training actual recomputation
// for the synced day.
func (d *Dispatcher) OnSyncSuccess(userID, date string) {
	p := Payload{UserID: userID, Date: date}
	d.dispatch(FnWeeklyAggregates, p)
	d.dispatch(FnTrainingActuals, p)
}

// OnUpstreamChange requests weekly aggregate recomputation once the user's
// changes have been quiet for the debounce interval.
func (d *Dispatcher) OnUpstreamChange(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if p, ok := d.pending[userID]; ok && p.timer.Stop() {
		p.timer.Reset(d.debounce)
		metrics.TriggerDebounceCoalescedTotal.Inc()
		return
	}

	p := &pending{}
	p.timer = time.AfterFunc(d.debounce, func() { d.fire(userID, p) })
	d.pending[userID] = p
}

func (d *Dispatcher) fire(userID string, p *pending) {
	d.mu.Lock()
	if d.pending[userID] == p {
		delete(d.pending, userID)
	}
	d.mu.Unlock()

	d.dispatch(FnWeeklyAggregates, Payload{UserID: userID})
}

func (d *Dispatcher) dispatch(function string, p Payload) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.invoke(function, p)
	}()
}

func (d *Dispatcher) invoke(function string, p Payload) {
	body, err := json.Marshal(p)
	if err != nil {
		d.logger.Error("Failed to encode payload", "function", function, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	err = d.invoker.Invoke(ctx, function, p.UserID, body)
	duration := time.Since(start)

	if err != nil {
		metrics.TriggerInvocationsTotal.WithLabelValues(function, d.invoker.Backend(), metrics.ResultFailure).Inc()
		d.logger.Error("Recompute invocation failed", "function", function, "user_id", p.UserID,
			"date", p.Date, "error", err, "duration_ms", duration.Milliseconds())
		return
	}

	metrics.TriggerInvocationsTotal.WithLabelValues(function, d.invoker.Backend(), metrics.ResultSuccess).Inc()
	d.logger.Debug("Recompute invoked", "function", function, "user_id", p.UserID,
		"date", p.Date, "duration_ms", duration.Milliseconds())
}

// Close drops pending debounced requests and waits for in-flight
// invocations to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for userID, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, userID)
	}
	d.mu.Unlock()

	d.wg.Wait()
}
