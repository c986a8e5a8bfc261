package observability

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/meridian-labs/aegis/pkg/bus"
)

// SubscriberID is the bus address the cost gate and orchestrator deliver to.
const SubscriberID = "observability"

// Recorder subscribes to pipeline events and converts them into metric
// updates. It also keeps cheap local counters so /healthz can report traffic
// without a metrics backend.
type Recorder struct {
	provider *Provider
	logger   *slog.Logger

	admitted  atomic.Int64
	blocked   atomic.Int64
	completed atomic.Int64
	cacheHits atomic.Int64
	escalated atomic.Int64
}

// NewRecorder creates a recorder bound to the provider. Attach wires it to
// the bus.
func NewRecorder(provider *Provider, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		provider: provider,
		logger:   logger.With("component", SubscriberID),
	}
}

// Attach subscribes the recorder to the events it consumes.
func (r *Recorder) Attach(b *bus.Bus, costValidated, costBlocked, actionComplete string) {
	b.Subscribe(costValidated, SubscriberID, r.onCostDecision)
	b.Subscribe(costBlocked, SubscriberID, r.onCostDecision)
	b.Subscribe(actionComplete, SubscriberID, r.onActionComplete)
}

func (r *Recorder) onCostDecision(event string, data map[string]any) {
	category, _ := data["category"].(string)
	allowed, _ := data["allowed"].(bool)
	if allowed {
		r.admitted.Add(1)
	} else {
		r.blocked.Add(1)
	}
	r.provider.RecordAdmission(context.Background(), category, allowed)
	r.logger.Debug("cost decision observed",
		"event", event, "category", category, "allowed", allowed)
}

func (r *Recorder) onActionComplete(event string, data map[string]any) {
	category, _ := data["category"].(string)
	cacheHit, _ := data["cache_hit"].(bool)
	escalated, _ := data["escalated"].(bool)
	r.completed.Add(1)
	if cacheHit {
		r.cacheHits.Add(1)
	}
	if escalated {
		r.escalated.Add(1)
	}
	r.provider.RecordCompletion(context.Background(), category, cacheHit, escalated)
}

// Counters is a point-in-time snapshot of local traffic counters.
type Counters struct {
	Admitted  int64 `json:"admitted"`
	Blocked   int64 `json:"blocked"`
	Completed int64 `json:"completed"`
	CacheHits int64 `json:"cache_hits"`
	Escalated int64 `json:"escalated"`
}

// Snapshot returns the current counters.
func (r *Recorder) Snapshot() Counters {
	return Counters{
		Admitted:  r.admitted.Load(),
		Blocked:   r.blocked.Load(),
		Completed: r.completed.Load(),
		CacheHits: r.cacheHits.Load(),
		Escalated: r.escalated.Load(),
	}
}
