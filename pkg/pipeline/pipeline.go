// Package pipeline contains the orchestrator that drives every action
// through the fixed enforcement sequence: bootstrap, cost gate, cache
// lookup, adaptive routing, execution, quality validation with a single
// allowed escalation, learning, cache store, and bus notification. The
// orchestrator owns sequencing only; every other responsibility lives behind
// the component it belongs to.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meridian-labs/aegis/pkg/bus"
	"github.com/meridian-labs/aegis/pkg/cache"
	"github.com/meridian-labs/aegis/pkg/contracts"
	"github.com/meridian-labs/aegis/pkg/costgate"
	"github.com/meridian-labs/aegis/pkg/executor"
	"github.com/meridian-labs/aegis/pkg/fingerprint"
	"github.com/meridian-labs/aegis/pkg/ownership"
	"github.com/meridian-labs/aegis/pkg/router"
	"github.com/meridian-labs/aegis/pkg/validator"
)

// Bus events the orchestrator emits.
const (
	EventSystemReady    = "system-ready"
	EventActionComplete = "action-complete"

	recipientObservability = "observability"
)

// Bootstrapper performs the mandatory one-time startup work. It runs at most
// once successfully per process; until it succeeds every action is blocked.
type Bootstrapper interface {
	Bootstrap(ctx context.Context) error
}

// BootstrapFunc adapts a function into a Bootstrapper.
type BootstrapFunc func(ctx context.Context) error

func (f BootstrapFunc) Bootstrap(ctx context.Context) error { return f(ctx) }

// Decision is the terminal outcome of enforcing one action.
type Decision struct {
	Admitted     bool                       `json:"admitted"`
	State        State                      `json:"state"`
	Reason       contracts.BlockReason      `json:"reason,omitempty"`
	Message      string                     `json:"message,omitempty"`
	Alternative  *contracts.CostAlternative `json:"alternative,omitempty"`
	Result       *contracts.Result          `json:"result,omitempty"`
	Quality      int                        `json:"quality,omitempty"`
	Cost         float64                    `json:"cost,omitempty"`
	ExecutorID   string                     `json:"executor_id,omitempty"`
	CacheHit     bool                       `json:"cache_hit"`
	Escalated    bool                       `json:"escalated"`
	SubThreshold bool                       `json:"sub_threshold"`
}

// Orchestrator composes the pipeline components. Construct one instance and
// pass it by reference; there is no package-level state.
type Orchestrator struct {
	bus       *bus.Bus
	gate      *costgate.Gate
	cache     *cache.Cache
	router    *router.Router
	validator *validator.Validator
	registry  *executor.Registry
	payloads  *contracts.PayloadValidator

	threshold int

	bootstrapper Bootstrapper
	bootMu       sync.Mutex
	booted       bool

	logger *slog.Logger
}

// New wires an orchestrator. The ownership registry is consulted once, here:
// a configuration that does not assign the three pipeline concerns to their
// canonical owners refuses to start.
func New(
	owners *ownership.Registry,
	b *bus.Bus,
	gate *costgate.Gate,
	c *cache.Cache,
	r *router.Router,
	v *validator.Validator,
	reg *executor.Registry,
	payloads *contracts.PayloadValidator,
	qualityThreshold int,
	boot Bootstrapper,
	logger *slog.Logger,
) (*Orchestrator, error) {
	if err := owners.Assert(ownership.ConcernCostChecking, costgate.ComponentName); err != nil {
		return nil, err
	}
	if err := owners.Assert(ownership.ConcernDuplicateChecking, cache.ComponentName); err != nil {
		return nil, err
	}
	if err := owners.Assert(ownership.ConcernQualityValidation, validator.ComponentName); err != nil {
		return nil, err
	}
	if qualityThreshold < 0 || qualityThreshold > 100 {
		return nil, fmt.Errorf("quality threshold %d outside 0..100", qualityThreshold)
	}
	return &Orchestrator{
		bus:          b,
		gate:         gate,
		cache:        c,
		router:       r,
		validator:    v,
		registry:     reg,
		payloads:     payloads,
		threshold:    qualityThreshold,
		bootstrapper: boot,
		logger:       logger,
	}, nil
}

// Enforce drives one action through the full stage sequence and returns its
// terminal decision. Blocking stages short-circuit; nothing after a blocked
// stage runs.
func (o *Orchestrator) Enforce(ctx context.Context, a *contracts.Action) (*Decision, error) {
	if err := o.payloads.Validate(a); err != nil {
		return nil, err
	}

	m := newMachine()

	if err := o.ensureBootstrapped(ctx); err != nil {
		m.mustTo(StateBlocked)
		o.logger.Warn("action blocked, bootstrap incomplete", "action", a.ID, "error", err)
		return &Decision{
			State:   StateBlocked,
			Reason:  contracts.ReasonNotBootstrapped,
			Message: fmt.Sprintf("system bootstrap has not succeeded: %v; retry after bootstrap", err),
		}, nil
	}
	m.mustTo(StateBootstrapped)

	adm, err := o.gate.Admit(ctx, a)
	if err != nil {
		return nil, err
	}
	if !adm.Allowed {
		m.mustTo(StateBlocked)
		return &Decision{
			State:       StateBlocked,
			Reason:      adm.Reason,
			Message:     adm.Message,
			Alternative: adm.Alternative,
			Cost:        adm.EstimatedCost,
		}, nil
	}
	m.mustTo(StateCostChecked)

	fp, err := fingerprint.Of(a)
	if err != nil {
		return nil, err
	}

	if e, ok := o.cache.Lookup(fp); ok {
		m.mustTo(StateCacheHit)
		return o.finishFromCache(m, a, e), nil
	}
	m.mustTo(StateCacheMiss)

	for {
		flight := o.cache.BeginExecution(fp)
		if flight.Exclusive {
			return o.executeOwned(ctx, m, a, fp, adm)
		}
		e, err := flight.Wait(ctx)
		if errors.Is(err, cache.ErrAborted) {
			continue // owner failed; re-attempt, maybe becoming the owner
		}
		if err != nil {
			return nil, err
		}
		m.mustTo(StateCacheHit)
		return o.finishFromCache(m, a, e), nil
	}
}

// executeOwned runs the route/execute/validate/escalate/learn/store tail for
// the caller holding the exclusive flight.
func (o *Orchestrator) executeOwned(ctx context.Context, m *machine, a *contracts.Action, fp fingerprint.Fingerprint, adm *costgate.Admission) (*Decision, error) {
	primary, err := o.router.Select(a)
	if err != nil {
		o.cache.Abort(fp)
		return nil, err
	}
	m.mustTo(StateRouted)

	result, execErr := o.registry.Invoke(ctx, primary, a)
	m.mustTo(StateExecuted)

	quality := 0
	if execErr == nil {
		quality, err = o.validator.Score(ctx, a, result)
		if err != nil {
			o.cache.Abort(fp)
			return nil, err
		}
	}
	m.mustTo(StateValidated)
	o.learn(a, primary, quality, result, adm)

	escalated := false
	finalExec := primary
	if quality < o.threshold {
		// One escalation, ever, regardless of how the retry scores.
		alt, altErr := o.router.SelectExcluding(a, primary)
		if altErr == nil {
			m.mustTo(StateEscalated)
			escalated = true
			o.logger.Info("escalating action",
				"action", a.ID, "from", primary, "to", alt, "quality", quality)

			altResult, altExecErr := o.registry.Invoke(ctx, alt, a)
			altQuality := 0
			if altExecErr == nil {
				altQuality, err = o.validator.Score(ctx, a, altResult)
				if err != nil {
					o.cache.Abort(fp)
					return nil, err
				}
			}
			m.mustTo(StateValidated)
			o.learn(a, alt, altQuality, altResult, adm)

			if altExecErr == nil {
				result, execErr, quality = altResult, nil, altQuality
				finalExec = alt
			} else if execErr != nil {
				execErr = altExecErr
			}
			// A failed escalation with a completed primary result keeps the
			// primary result; completed work is never discarded.
		}
	}

	if execErr != nil && result == nil {
		// Both attempts failed outright; nothing to cache, waiters re-attempt.
		o.cache.Abort(fp)
		return nil, execErr
	}

	m.mustTo(StateLearned)

	subThreshold := quality < o.threshold
	entry := o.cache.Commit(fp, result, quality, escalated, subThreshold)
	o.notify(a, entry, false)
	m.mustTo(StateDone)

	return &Decision{
		Admitted:     true,
		State:        StateDone,
		Result:       result,
		Quality:      quality,
		Cost:         result.DeclaredCost,
		ExecutorID:   finalExec,
		Escalated:    escalated,
		SubThreshold: subThreshold,
		Message:      subThresholdMessage(subThreshold),
	}, nil
}

func (o *Orchestrator) finishFromCache(m *machine, a *contracts.Action, e *cache.Entry) *Decision {
	m.mustTo(StateDone)
	o.notify(a, e, true)
	return &Decision{
		Admitted:     true,
		State:        StateDone,
		Result:       e.Result,
		Quality:      e.Quality,
		Cost:         0, // reuse costs nothing
		ExecutorID:   e.Result.ExecutorID,
		CacheHit:     true,
		Escalated:    e.Escalated,
		SubThreshold: e.SubThreshold,
		Message:      subThresholdMessage(e.SubThreshold),
	}
}

// learn feeds the router the observed outcome for one invoked executor. A
// failed attempt observes quality zero at the admitted cost estimate.
func (o *Orchestrator) learn(a *contracts.Action, executorID string, quality int, result *contracts.Result, adm *costgate.Admission) {
	cost := adm.EstimatedCost
	if result != nil && result.DeclaredCost > 0 {
		cost = result.DeclaredCost
	}
	o.router.Learn(a.Category, executorID, float64(quality), cost)
}

func (o *Orchestrator) notify(a *contracts.Action, e *cache.Entry, hit bool) {
	o.bus.Send(EventActionComplete, map[string]any{
		"action_id":     a.ID,
		"category":      string(a.Category),
		"quality":       e.Quality,
		"cache_hit":     hit,
		"escalated":     e.Escalated,
		"sub_threshold": e.SubThreshold,
	}, recipientObservability)
}

// ensureBootstrapped runs the bootstrapper at most once successfully.
// Concurrent callers serialize here, which is what blocks all actions until
// the one-time bootstrap completes or fails.
func (o *Orchestrator) ensureBootstrapped(ctx context.Context) error {
	o.bootMu.Lock()
	defer o.bootMu.Unlock()
	if o.booted {
		return nil
	}
	if o.bootstrapper == nil {
		o.booted = true
		o.bus.Broadcast(EventSystemReady, nil)
		return nil
	}
	if err := o.bootstrapper.Bootstrap(ctx); err != nil {
		return err
	}
	o.booted = true
	o.logger.Info("system bootstrap complete")
	o.bus.Broadcast(EventSystemReady, nil)
	return nil
}

func subThresholdMessage(sub bool) string {
	if !sub {
		return ""
	}
	return contracts.ErrCodeSubThresholdQuality + ": delivered result scored below the quality threshold"
}
