package ownership_test

import (
	"errors"
	"testing"

	"github.com/meridian-labs/aegis/pkg/contracts"
	"github.com/meridian-labs/aegis/pkg/ownership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuplicateOwnerIsAlwaysAConflict(t *testing.T) {
	r := ownership.NewRegistry()
	require.NoError(t, r.Register(ownership.Rule{
		Concern: ownership.ConcernCostChecking, Owner: "cost-gate",
	}))

	err := r.Register(ownership.Rule{
		Concern: ownership.ConcernCostChecking, Owner: "adaptive-router",
	})
	require.Error(t, err)

	var conflict *contracts.OwnershipConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "cost-gate", conflict.Owner)
	assert.Equal(t, "adaptive-router", conflict.Claimed)
}

func TestReRegisteringSameOwnerIsIdempotent(t *testing.T) {
	r := ownership.NewRegistry()
	rule := ownership.Rule{Concern: ownership.ConcernDuplicateChecking, Owner: "knowledge-cache"}
	require.NoError(t, r.Register(rule))
	assert.NoError(t, r.Register(rule))
}

func TestAssertEnforcesOwnerAndForbiddenList(t *testing.T) {
	r := ownership.NewRegistry()
	require.NoError(t, r.Register(ownership.Rule{
		Concern:   ownership.ConcernQualityValidation,
		Owner:     "quality-validator",
		Forbidden: []string{"cost-gate", "orchestrator"},
	}))

	assert.NoError(t, r.Assert(ownership.ConcernQualityValidation, "quality-validator"))
	assert.Error(t, r.Assert(ownership.ConcernQualityValidation, "cost-gate"))
	assert.Error(t, r.Assert(ownership.ConcernQualityValidation, "knowledge-cache"))
	assert.Error(t, r.Assert("unregistered-concern", "anyone"))
}

func TestOwnerOnOwnForbiddenListRejected(t *testing.T) {
	r := ownership.NewRegistry()
	err := r.Register(ownership.Rule{
		Concern:   ownership.ConcernCostChecking,
		Owner:     "cost-gate",
		Forbidden: []string{"cost-gate"},
	})
	assert.Error(t, err)
}

func TestSealedRegistryRejectsLateRules(t *testing.T) {
	r := ownership.NewRegistry()
	require.NoError(t, r.Register(ownership.Rule{
		Concern: ownership.ConcernCostChecking, Owner: "cost-gate",
	}))
	r.Seal()
	assert.Error(t, r.Register(ownership.Rule{
		Concern: ownership.ConcernDuplicateChecking, Owner: "knowledge-cache",
	}))

	owner, ok := r.Owner(ownership.ConcernCostChecking)
	require.True(t, ok)
	assert.Equal(t, "cost-gate", owner)
}
