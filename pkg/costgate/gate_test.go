package costgate_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/meridian-labs/aegis/pkg/bus"
	"github.com/meridian-labs/aegis/pkg/contracts"
	"github.com/meridian-labs/aegis/pkg/costgate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var costs = map[contracts.Category]float64{
	contracts.CategoryWebSearch:      1,
	contracts.CategorySummarize:      2,
	contracts.CategoryDataExtract:    4,
	contracts.CategoryDeepResearch:   20,
	contracts.CategoryMarketAnalysis: 12,
}

func newGate(t *testing.T, b *bus.Bus, opts ...costgate.Option) *costgate.Gate {
	t.Helper()
	return costgate.New(costs, 0, b, discard(), opts...)
}

func TestAdmitWithinCeiling(t *testing.T) {
	b := bus.New(discard(), 16)
	g := newGate(t, b)

	a := contracts.NewAction(contracts.CategoryWebSearch, map[string]any{"query": "x"}, 5)
	adm, err := g.Admit(context.Background(), a)
	require.NoError(t, err)

	assert.True(t, adm.Allowed)
	assert.Equal(t, 1.0, adm.EstimatedCost)
	assert.Equal(t, 1, g.Ledger().Length(), "exactly one ledger entry per decision")
}

func TestBlockOverCeilingWithCheapestAlternative(t *testing.T) {
	// Scenario: budgetCeiling=5, estimatedCost=20.
	b := bus.New(discard(), 16)
	g := newGate(t, b)

	a := contracts.NewAction(contracts.CategoryDeepResearch, map[string]any{"topic": "x"}, 5)
	adm, err := g.Admit(context.Background(), a)
	require.NoError(t, err)

	assert.False(t, adm.Allowed)
	assert.Equal(t, contracts.ReasonCostExceeded, adm.Reason)
	require.NotNil(t, adm.Alternative)
	assert.Equal(t, contracts.CategoryWebSearch, adm.Alternative.Category, "cheapest known alternative")
	assert.Equal(t, 19.0, adm.Alternative.Savings)
	assert.Equal(t, 1, g.Ledger().Length(), "blocks are audited too")
}

func TestGlobalCeilingTightensActionCeiling(t *testing.T) {
	b := bus.New(discard(), 16)
	g := costgate.New(costs, 3, b, discard())

	a := contracts.NewAction(contracts.CategoryDataExtract, map[string]any{"source": "s", "fields": []string{"f"}}, 100)
	adm, err := g.Admit(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, adm.Allowed, "global ceiling 3 beats action ceiling 100")
}

func TestUnsetCeilingAdmits(t *testing.T) {
	b := bus.New(discard(), 16)
	g := newGate(t, b)

	a := contracts.NewAction(contracts.CategoryDeepResearch, map[string]any{"topic": "x"}, 0)
	adm, err := g.Admit(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, adm.Allowed, "no declared and no global ceiling means no cost constraint")
}

func TestUnsetCeilingFallsBackToGlobal(t *testing.T) {
	b := bus.New(discard(), 16)
	g := costgate.New(costs, 3, b, discard())

	a := contracts.NewAction(contracts.CategoryDeepResearch, map[string]any{"topic": "x"}, 0)
	adm, err := g.Admit(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, adm.Allowed)
	assert.Equal(t, contracts.ReasonCostExceeded, adm.Reason)
}

func TestUnknownCategoryIsAnError(t *testing.T) {
	b := bus.New(discard(), 16)
	g := newGate(t, b)
	a := contracts.NewAction(contracts.Category("teleport"), nil, 10)
	_, err := g.Admit(context.Background(), a)
	assert.Error(t, err)
}

func TestCostEventsAddressedNotBroadcast(t *testing.T) {
	b := bus.New(discard(), 16)
	var routerSaw, observerSaw, bystanderSaw int
	b.Subscribe(costgate.EventCostValidated, "adaptive-router", func(string, map[string]any) { routerSaw++ })
	b.Subscribe(costgate.EventCostValidated, "observability", func(string, map[string]any) { observerSaw++ })
	b.Subscribe(costgate.EventCostValidated, "freeloader", func(string, map[string]any) { bystanderSaw++ })

	g := newGate(t, b)
	a := contracts.NewAction(contracts.CategoryWebSearch, map[string]any{"query": "x"}, 5)
	_, err := g.Admit(context.Background(), a)
	require.NoError(t, err)

	assert.Equal(t, 1, routerSaw)
	assert.Equal(t, 1, observerSaw)
	assert.Equal(t, 0, bystanderSaw, "cost events are selectively addressed")
}

func TestAdmitPolicyDenies(t *testing.T) {
	b := bus.New(discard(), 16)
	opt, err := costgate.WithAdmitPolicy(`category != "market-analysis"`)
	require.NoError(t, err)
	g := newGate(t, b, opt)

	a := contracts.NewAction(contracts.CategoryMarketAnalysis, map[string]any{"market": "m"}, 100)
	adm, err := g.Admit(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, adm.Allowed)
	assert.Equal(t, contracts.ReasonPolicyDenied, adm.Reason)

	ok := contracts.NewAction(contracts.CategoryWebSearch, map[string]any{"query": "x"}, 100)
	adm, err = g.Admit(context.Background(), ok)
	require.NoError(t, err)
	assert.True(t, adm.Allowed)
}

func TestAdmitPolicyCompileErrorIsFatal(t *testing.T) {
	_, err := costgate.WithAdmitPolicy(`category ==`)
	assert.Error(t, err)
}

func TestAdmitPolicyMustBeBoolean(t *testing.T) {
	// A well-formed expression with a non-bool result would otherwise admit
	// everything at runtime; it has to be refused at startup.
	for _, expr := range []string{`cost`, `category`, `"yes"`, `cost + ceiling`} {
		_, err := costgate.WithAdmitPolicy(expr)
		require.Error(t, err, "expr %q", expr)
		assert.Contains(t, err.Error(), "want bool")
	}
}

func TestRateLimitDeniesInsteadOfQueueing(t *testing.T) {
	b := bus.New(discard(), 16)
	g := newGate(t, b, costgate.WithRateLimit(1, 1))

	mk := func() *contracts.Action {
		return contracts.NewAction(contracts.CategoryWebSearch, map[string]any{"query": "x"}, 5)
	}
	first, err := g.Admit(context.Background(), mk())
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := g.Admit(context.Background(), mk())
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, contracts.ReasonRateLimited, second.Reason)
}

func TestLedgerChainAndExport(t *testing.T) {
	b := bus.New(discard(), 16)
	g := newGate(t, b)

	for i := 0; i < 3; i++ {
		a := contracts.NewAction(contracts.CategoryWebSearch, map[string]any{"query": "x"}, 5)
		_, err := g.Admit(context.Background(), a)
		require.NoError(t, err)
	}

	ok, detail := g.Ledger().Verify()
	assert.True(t, ok, detail)

	var buf bytes.Buffer
	require.NoError(t, g.Ledger().Export(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"decision":"admit"`)
}
