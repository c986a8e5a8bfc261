// Package costgate implements cost-based admission control. Every action is
// priced against its category's cost table and compared to the action's
// budget ceiling and the configured global ceiling before any executor is
// touched. The gate is the sole owner of the cost-checking concern: its
// admission events are addressed to the adaptive router and the
// observability subscriber only, never broadcast.
package costgate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/cel-go/cel"
	"golang.org/x/time/rate"

	"github.com/meridian-labs/aegis/pkg/bus"
	"github.com/meridian-labs/aegis/pkg/contracts"
)

// Component and event names on the bus.
const (
	ComponentName = "cost-gate"

	EventCostValidated = "cost-validated"
	EventCostBlocked   = "cost-blocked"

	recipientRouter        = "adaptive-router"
	recipientObservability = "observability"
)

// Estimator prices an action. The default is a static table lookup; callers
// may plug a live estimator.
type Estimator interface {
	Estimate(a *contracts.Action) (float64, error)
}

// TableEstimator prices by category from the configured cost table.
type TableEstimator struct {
	Costs map[contracts.Category]float64
}

func (t *TableEstimator) Estimate(a *contracts.Action) (float64, error) {
	c, ok := t.Costs[a.Category]
	if !ok {
		return 0, fmt.Errorf("no cost configured for category %q", a.Category)
	}
	return c, nil
}

// Admission is the gate's verdict for one action.
type Admission struct {
	Allowed       bool                       `json:"allowed"`
	EstimatedCost float64                    `json:"estimated_cost"`
	Alternative   *contracts.CostAlternative `json:"alternative,omitempty"`
	Reason        contracts.BlockReason      `json:"reason,omitempty"`
	Message       string                     `json:"message,omitempty"`
}

// Gate performs admission control and owns the cost ledger.
type Gate struct {
	estimator     Estimator
	costs         map[contracts.Category]float64
	globalCeiling float64
	policy        cel.Program
	limiter       *rate.Limiter
	ledger        *Ledger
	bus           *bus.Bus
	logger        *slog.Logger
}

// Option configures optional gate behavior.
type Option func(*Gate)

// WithEstimator replaces the static table estimator.
func WithEstimator(e Estimator) Option {
	return func(g *Gate) { g.estimator = e }
}

// WithRateLimit bounds admissions per second. When the limiter has no token
// the gate denies rather than queues.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(g *Gate) { g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithAdmitPolicy installs a CEL predicate evaluated over category, cost,
// ceiling, and metadata. A false result denies the action. A policy that
// fails to compile is a startup error, never a runtime warning.
func WithAdmitPolicy(expr string) (Option, error) {
	env, err := cel.NewEnv(
		cel.Variable("category", cel.StringType),
		cel.Variable("cost", cel.DoubleType),
		cel.Variable("ceiling", cel.DoubleType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("admit policy env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("admit policy %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("admit policy %q: output type %s, want bool", expr, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("admit policy program: %w", err)
	}
	return func(g *Gate) { g.policy = prg }, nil
}

// New creates a gate over the configured cost table.
func New(costs map[contracts.Category]float64, globalCeiling float64, b *bus.Bus, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{
		estimator:     &TableEstimator{Costs: costs},
		costs:         costs,
		globalCeiling: globalCeiling,
		ledger:        NewLedger(),
		bus:           b,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ledger exposes the append-only cost ledger for export and verification.
func (g *Gate) Ledger() *Ledger {
	return g.ledger
}

// Admit decides whether an action may proceed to routing. Every decision —
// admit or block — appends exactly one ledger entry. The matching bus event
// is addressed to the router and the observability subscriber only.
func (g *Gate) Admit(ctx context.Context, a *contracts.Action) (*Admission, error) {
	estimated, err := g.estimator.Estimate(a)
	if err != nil {
		return nil, err
	}

	if g.limiter != nil && !g.limiter.Allow() {
		adm := &Admission{
			Allowed:       false,
			EstimatedCost: estimated,
			Reason:        contracts.ReasonRateLimited,
			Message:       "admission rate limit reached, resubmit later",
		}
		g.finish(a, adm)
		return adm, nil
	}

	// A non-positive declared ceiling means the caller set none; only the
	// global ceiling constrains it then. A zero effective ceiling admits all.
	ceiling := a.BudgetCeiling
	if ceiling <= 0 {
		ceiling = g.globalCeiling
	} else if g.globalCeiling > 0 && g.globalCeiling < ceiling {
		ceiling = g.globalCeiling
	}

	if g.policy != nil {
		out, _, err := g.policy.ContextEval(ctx, map[string]any{
			"category": string(a.Category),
			"cost":     estimated,
			"ceiling":  ceiling,
			"metadata": a.Metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("admit policy eval: %w", err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			// The compile-time type check makes this unreachable for any
			// installed policy; fail closed rather than admit if it happens.
			return nil, fmt.Errorf("admit policy eval: non-bool result %T", out.Value())
		}
		if !allowed {
			adm := &Admission{
				Allowed:       false,
				EstimatedCost: estimated,
				Reason:        contracts.ReasonPolicyDenied,
				Message:       fmt.Sprintf("admission policy denied category %s", a.Category),
				Alternative:   g.cheapestAlternative(a.Category, estimated),
			}
			g.finish(a, adm)
			return adm, nil
		}
	}

	if ceiling > 0 && estimated > ceiling {
		alt := g.cheapestAlternative(a.Category, estimated)
		adm := &Admission{
			Allowed:       false,
			EstimatedCost: estimated,
			Alternative:   alt,
			Reason:        contracts.ReasonCostExceeded,
			Message:       fmt.Sprintf("estimated cost %.2f exceeds ceiling %.2f", estimated, ceiling),
		}
		g.finish(a, adm)
		return adm, nil
	}

	adm := &Admission{Allowed: true, EstimatedCost: estimated}
	g.finish(a, adm)
	return adm, nil
}

// finish appends the ledger entry and posts the addressed bus event.
func (g *Gate) finish(a *contracts.Action, adm *Admission) {
	entry := LedgerEntry{
		ActionID:      a.ID,
		Category:      a.Category,
		EstimatedCost: adm.EstimatedCost,
		Decision:      DecisionAdmit,
	}
	event := EventCostValidated
	if !adm.Allowed {
		entry.Decision = DecisionBlock
		event = EventCostBlocked
	}
	if adm.Alternative != nil {
		entry.AlternativeCategory = adm.Alternative.Category
		entry.AlternativeCost = adm.Alternative.Cost
	}
	seq := g.ledger.Append(entry)

	g.bus.Send(event, map[string]any{
		"action_id": a.ID,
		"category":  string(a.Category),
		"cost":      adm.EstimatedCost,
		"allowed":   adm.Allowed,
		"seq":       seq,
	}, recipientRouter, recipientObservability)

	g.logger.Debug("cost gate decision",
		"action", a.ID, "category", a.Category,
		"cost", adm.EstimatedCost, "allowed", adm.Allowed, "seq", seq)
}

// cheapestAlternative returns the lowest-cost category cheaper than the
// estimate, with the potential savings, or nil when none exists.
func (g *Gate) cheapestAlternative(current contracts.Category, estimated float64) *contracts.CostAlternative {
	type candidate struct {
		cat  contracts.Category
		cost float64
	}
	var cands []candidate
	for cat, cost := range g.costs {
		if cat == current || cost >= estimated {
			continue
		}
		cands = append(cands, candidate{cat, cost})
	}
	if len(cands) == 0 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].cost != cands[j].cost {
			return cands[i].cost < cands[j].cost
		}
		return cands[i].cat < cands[j].cat
	})
	best := cands[0]
	return &contracts.CostAlternative{
		Category: best.cat,
		Cost:     best.cost,
		Savings:  estimated - best.cost,
	}
}
