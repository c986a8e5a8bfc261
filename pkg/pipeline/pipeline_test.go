package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridian-labs/aegis/pkg/bus"
	"github.com/meridian-labs/aegis/pkg/cache"
	"github.com/meridian-labs/aegis/pkg/contracts"
	"github.com/meridian-labs/aegis/pkg/costgate"
	"github.com/meridian-labs/aegis/pkg/executor"
	"github.com/meridian-labs/aegis/pkg/ownership"
	"github.com/meridian-labs/aegis/pkg/pipeline"
	"github.com/meridian-labs/aegis/pkg/router"
	"github.com/meridian-labs/aegis/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scripted is an executor that replays a fixed sequence of outcomes.
type scripted struct {
	id    string
	cats  []contracts.Category
	mu    sync.Mutex
	calls int
	runs  []func() (*contracts.Result, error)
	delay time.Duration
}

func (s *scripted) ID() string                       { return s.id }
func (s *scripted) Categories() []contracts.Category { return s.cats }

func (s *scripted) Execute(ctx context.Context, _ *contracts.Action) (*contracts.Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i >= len(s.runs) {
		i = len(s.runs) - 1
	}
	return s.runs[i]()
}

func (s *scripted) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func quality(class contracts.QualityClass, cost float64) func() (*contracts.Result, error) {
	return func() (*contracts.Result, error) {
		return &contracts.Result{
			Payload:              map[string]any{"answer": string(class)},
			DeclaredCost:         cost,
			DeclaredQualityClass: class,
		}, nil
	}
}

func failure(err error) func() (*contracts.Result, error) {
	return func() (*contracts.Result, error) { return nil, err }
}

type harness struct {
	orch *pipeline.Orchestrator
	bus  *bus.Bus
	gate *costgate.Gate
	rtr  *router.Router
	reg  *executor.Registry
}

func defaultRules(r *ownership.Registry, t *testing.T) {
	t.Helper()
	require.NoError(t, r.Register(ownership.Rule{Concern: ownership.ConcernCostChecking, Owner: costgate.ComponentName}))
	require.NoError(t, r.Register(ownership.Rule{Concern: ownership.ConcernDuplicateChecking, Owner: cache.ComponentName}))
	require.NoError(t, r.Register(ownership.Rule{Concern: ownership.ConcernQualityValidation, Owner: validator.ComponentName}))
}

func build(t *testing.T, boot pipeline.Bootstrapper, execs ...*scripted) *harness {
	t.Helper()

	owners := ownership.NewRegistry()
	defaultRules(owners, t)
	owners.Seal()

	b := bus.New(discard(), 64)
	costs := map[contracts.Category]float64{
		contracts.CategoryWebSearch:    1,
		contracts.CategorySummarize:    2,
		contracts.CategoryDeepResearch: 20,
	}
	gate := costgate.New(costs, 0, b, discard())
	c := cache.New(time.Minute, 128, nil, discard())
	rtr := router.New(0.2, 1.0, 0.1, nil, discard())
	b.Subscribe(costgate.EventCostValidated, router.ComponentName, rtr.HandleCostEvent)

	reg := executor.NewRegistry(time.Second, rtr.Register, discard())
	for _, e := range execs {
		require.NoError(t, reg.Register(e, executor.Prior{Quality: 80, Cost: 1}))
	}

	payloads, err := contracts.NewPayloadValidator()
	require.NoError(t, err)

	orch, err := pipeline.New(owners, b, gate, c, rtr, validator.New(nil), reg, payloads, 80, boot, discard())
	require.NoError(t, err)
	return &harness{orch: orch, bus: b, gate: gate, rtr: rtr, reg: reg}
}

func searchAction(q string, ceiling float64) *contracts.Action {
	return contracts.NewAction(contracts.CategoryWebSearch, map[string]any{"query": q}, ceiling)
}

func TestHappyPathAdmitExecuteCache(t *testing.T) {
	e := &scripted{id: "search-1", cats: []contracts.Category{contracts.CategoryWebSearch},
		runs: []func() (*contracts.Result, error){quality(contracts.QualityGood, 1)}}
	h := build(t, nil, e)

	d, err := h.orch.Enforce(context.Background(), searchAction("emus", 5))
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, pipeline.StateDone, d.State)
	assert.Equal(t, 85, d.Quality)
	assert.False(t, d.CacheHit)
	assert.False(t, d.Escalated)
	assert.Equal(t, "search-1", d.ExecutorID)

	// Same intent again: served from cache, executor untouched.
	d2, err := h.orch.Enforce(context.Background(), searchAction("emus", 5))
	require.NoError(t, err)
	assert.True(t, d2.CacheHit)
	assert.Equal(t, 1, e.callCount())
}

func TestScenarioACostBlockedNoExecutorInvoked(t *testing.T) {
	e := &scripted{id: "researcher", cats: []contracts.Category{contracts.CategoryDeepResearch},
		runs: []func() (*contracts.Result, error){quality(contracts.QualityExcellent, 20)}}
	h := build(t, nil, e)

	a := contracts.NewAction(contracts.CategoryDeepResearch, map[string]any{"topic": "fusion"}, 5)
	d, err := h.orch.Enforce(context.Background(), a)
	require.NoError(t, err)

	assert.False(t, d.Admitted)
	assert.Equal(t, pipeline.StateBlocked, d.State)
	assert.Equal(t, contracts.ReasonCostExceeded, d.Reason)
	require.NotNil(t, d.Alternative, "blocked decisions carry the cheapest alternative")
	assert.Equal(t, 0, e.callCount(), "no executor runs for a blocked action")
}

func TestScenarioBConcurrentIdenticalActionsSingleFlight(t *testing.T) {
	e := &scripted{id: "search-1", cats: []contracts.Category{contracts.CategoryWebSearch},
		delay: 200 * time.Millisecond,
		runs:  []func() (*contracts.Result, error){quality(contracts.QualityExcellent, 1)}}
	h := build(t, nil, e)

	const callers = 8
	var wg sync.WaitGroup
	decisions := make([]*pipeline.Decision, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := h.orch.Enforce(context.Background(), searchAction("shared query", 5))
			require.NoError(t, err)
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, e.callCount(), "one executor invocation for all concurrent identical actions")
	for _, d := range decisions {
		require.NotNil(t, d)
		assert.Equal(t, 95, d.Quality)
		assert.Equal(t, decisions[0].Result.Payload, d.Result.Payload)
	}
}

func TestScenarioCEscalatedResultAccepted(t *testing.T) {
	weak := &scripted{id: "weak", cats: []contracts.Category{contracts.CategoryWebSearch},
		runs: []func() (*contracts.Result, error){quality(contracts.QualityPoor, 1)}}
	strong := &scripted{id: "strong", cats: []contracts.Category{contracts.CategoryWebSearch},
		runs: []func() (*contracts.Result, error){quality(contracts.QualityGood, 3)}}
	h := build(t, nil, weak, strong)
	// Bias selection toward the weak executor first.
	h.rtr.Learn(contracts.CategoryWebSearch, "weak", 90, 0.5)

	d, err := h.orch.Enforce(context.Background(), searchAction("ambiguous", 5))
	require.NoError(t, err)

	assert.True(t, d.Escalated)
	assert.False(t, d.SubThreshold)
	assert.Equal(t, 85, d.Quality, "final result is the escalated one")
	assert.Equal(t, "strong", d.ExecutorID)
	assert.Equal(t, 1, weak.callCount())
	assert.Equal(t, 1, strong.callCount(), "no third attempt")
}

func TestScenarioDSubThresholdEscalationStillDelivered(t *testing.T) {
	weak := &scripted{id: "weak", cats: []contracts.Category{contracts.CategoryWebSearch},
		runs: []func() (*contracts.Result, error){quality(contracts.QualityPoor, 1)}}
	alsoWeak := &scripted{id: "weaker", cats: []contracts.Category{contracts.CategoryWebSearch},
		runs: []func() (*contracts.Result, error){quality(contracts.QualityPoor, 1)}}
	h := build(t, nil, weak, alsoWeak)
	h.rtr.Learn(contracts.CategoryWebSearch, "weak", 90, 0.5)

	d, err := h.orch.Enforce(context.Background(), searchAction("hopeless", 5))
	require.NoError(t, err)

	assert.True(t, d.Escalated)
	assert.True(t, d.SubThreshold, "delivered but annotated")
	require.NotNil(t, d.Result, "a completed result is never discarded")
	assert.Contains(t, d.Message, contracts.ErrCodeSubThresholdQuality)
	assert.Equal(t, 1, weak.callCount())
	assert.Equal(t, 1, alsoWeak.callCount())
}

func TestExecutorErrorDrivesSingleEscalation(t *testing.T) {
	broken := &scripted{id: "broken", cats: []contracts.Category{contracts.CategoryWebSearch},
		runs: []func() (*contracts.Result, error){failure(errors.New("backend temporarily unavailable"))}}
	backup := &scripted{id: "backup", cats: []contracts.Category{contracts.CategoryWebSearch},
		runs: []func() (*contracts.Result, error){quality(contracts.QualityGood, 2)}}
	h := build(t, nil, broken, backup)
	h.rtr.Learn(contracts.CategoryWebSearch, "broken", 90, 0.5)

	d, err := h.orch.Enforce(context.Background(), searchAction("flaky", 5))
	require.NoError(t, err)
	assert.True(t, d.Escalated)
	assert.Equal(t, "backup", d.ExecutorID)
	assert.Equal(t, 85, d.Quality)
}

func TestBothAttemptsFailingSurfacesErrorAndCachesNothing(t *testing.T) {
	b1 := &scripted{id: "b1", cats: []contracts.Category{contracts.CategoryWebSearch},
		runs: []func() (*contracts.Result, error){failure(errors.New("down"))}}
	b2 := &scripted{id: "b2", cats: []contracts.Category{contracts.CategoryWebSearch},
		runs: []func() (*contracts.Result, error){failure(errors.New("also down"))}}
	h := build(t, nil, b1, b2)

	_, err := h.orch.Enforce(context.Background(), searchAction("doomed", 5))
	require.Error(t, err)

	assert.Equal(t, 1, b1.callCount())
	assert.Equal(t, 1, b2.callCount())

	// Failures are not cached; the next attempt executes again.
	_, err = h.orch.Enforce(context.Background(), searchAction("doomed", 5))
	require.Error(t, err)
	assert.Equal(t, 2, b1.callCount(), "nothing was cached for the failed fingerprint")
}

func TestBootstrapFailureBlocksUntilRetrySucceeds(t *testing.T) {
	var attempts atomic.Int64
	boot := pipeline.BootstrapFunc(func(context.Context) error {
		if attempts.Add(1) == 1 {
			return errors.New("knowledge store unreachable")
		}
		return nil
	})
	e := &scripted{id: "search-1", cats: []contracts.Category{contracts.CategoryWebSearch},
		runs: []func() (*contracts.Result, error){quality(contracts.QualityGood, 1)}}
	h := build(t, boot, e)

	var readyCount atomic.Int64
	h.bus.Subscribe(pipeline.EventSystemReady, "watcher", func(string, map[string]any) {
		readyCount.Add(1)
	})

	d, err := h.orch.Enforce(context.Background(), searchAction("early", 5))
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonNotBootstrapped, d.Reason)
	assert.Equal(t, pipeline.StateBlocked, d.State)

	d, err = h.orch.Enforce(context.Background(), searchAction("early", 5))
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	// Bootstrap is memoized after the first success; system-ready fires once.
	_, err = h.orch.Enforce(context.Background(), searchAction("later", 5))
	require.NoError(t, err)
	assert.Equal(t, int64(2), attempts.Load())
	assert.Equal(t, int64(1), readyCount.Load())
}

func TestBoundaryRejectsInvalidPayloadBeforeAnyStage(t *testing.T) {
	e := &scripted{id: "search-1", cats: []contracts.Category{contracts.CategoryWebSearch},
		runs: []func() (*contracts.Result, error){quality(contracts.QualityGood, 1)}}
	h := build(t, nil, e)

	a := contracts.NewAction(contracts.CategoryWebSearch, map[string]any{"nonsense": true}, 5)
	_, err := h.orch.Enforce(context.Background(), a)
	require.Error(t, err)
	assert.Equal(t, 0, h.gate.Ledger().Length(), "invalid payloads never reach the cost gate")
}

func TestOwnershipMisassignmentFailsConstruction(t *testing.T) {
	owners := ownership.NewRegistry()
	require.NoError(t, owners.Register(ownership.Rule{Concern: ownership.ConcernCostChecking, Owner: "adaptive-router"}))
	require.NoError(t, owners.Register(ownership.Rule{Concern: ownership.ConcernDuplicateChecking, Owner: cache.ComponentName}))
	require.NoError(t, owners.Register(ownership.Rule{Concern: ownership.ConcernQualityValidation, Owner: validator.ComponentName}))

	b := bus.New(discard(), 8)
	gate := costgate.New(map[contracts.Category]float64{contracts.CategoryWebSearch: 1}, 0, b, discard())
	c := cache.New(time.Minute, 8, nil, discard())
	rtr := router.New(0.2, 1, 0.1, nil, discard())
	reg := executor.NewRegistry(time.Second, nil, discard())
	payloads, err := contracts.NewPayloadValidator()
	require.NoError(t, err)

	_, err = pipeline.New(owners, b, gate, c, rtr, validator.New(nil), reg, payloads, 80, nil, discard())
	require.Error(t, err)
	var conflict *contracts.OwnershipConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestLearningUpdatesFollowOutcomes(t *testing.T) {
	e := &scripted{id: "search-1", cats: []contracts.Category{contracts.CategoryWebSearch},
		runs: []func() (*contracts.Result, error){quality(contracts.QualityExcellent, 1)}}
	h := build(t, nil, e)

	_, err := h.orch.Enforce(context.Background(), searchAction("learn me", 5))
	require.NoError(t, err)

	snap, ok := h.rtr.ProfileFor(contracts.CategoryWebSearch, "search-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Uses)
	assert.InDelta(t, 83.0, snap.RunningQuality, 1e-9) // 80 + 0.2*(95-80)
}
