package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegalStageOrder(t *testing.T) {
	m := newMachine()
	for _, s := range []State{
		StateBootstrapped, StateCostChecked, StateCacheMiss, StateRouted,
		StateExecuted, StateValidated, StateEscalated, StateValidated,
		StateLearned, StateDone,
	} {
		require.NoError(t, m.to(s), "to %s", s)
	}
	assert.Equal(t, StateDone, m.state)
}

func TestCacheHitShortPath(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.to(StateBootstrapped))
	require.NoError(t, m.to(StateCostChecked))
	require.NoError(t, m.to(StateCacheHit))
	require.NoError(t, m.to(StateDone))
}

func TestBlockedReachableOnlyFromGatingStages(t *testing.T) {
	for _, from := range []State{StatePending, StateBootstrapped, StateCostChecked} {
		m := &machine{state: from}
		assert.NoError(t, m.to(StateBlocked), "from %s", from)
	}
	for _, from := range []State{StateRouted, StateExecuted, StateValidated, StateLearned, StateDone} {
		m := &machine{state: from}
		assert.Error(t, m.to(StateBlocked), "from %s", from)
	}
}

func TestSkippingAStageIsIllegal(t *testing.T) {
	m := newMachine()
	err := m.to(StateCostChecked) // skips BOOTSTRAPPED
	require.Error(t, err)

	var illegal *ErrIllegalTransition
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, StatePending, illegal.From)
	assert.Equal(t, StateCostChecked, illegal.To)
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, terminal := range []State{StateDone, StateBlocked} {
		assert.Empty(t, transitions[terminal], "%s is terminal", terminal)
	}
}
