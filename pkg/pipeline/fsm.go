package pipeline

import "fmt"

// State is an action's position in the enforcement sequence. The transition
// table below is the only legal stage order; sequencing is enforced in code,
// not by convention.
type State string

const (
	StatePending      State = "PENDING"
	StateBootstrapped State = "BOOTSTRAPPED"
	StateCostChecked  State = "COST_CHECKED"
	StateCacheMiss    State = "CACHE_MISS"
	StateCacheHit     State = "CACHE_HIT"
	StateRouted       State = "ROUTED"
	StateExecuted     State = "EXECUTED"
	StateValidated    State = "VALIDATED"
	StateEscalated    State = "ESCALATED"
	StateLearned      State = "LEARNED"
	StateDone         State = "DONE"
	StateBlocked      State = "BLOCKED"
)

var transitions = map[State][]State{
	StatePending:      {StateBootstrapped, StateBlocked},
	StateBootstrapped: {StateCostChecked, StateBlocked},
	StateCostChecked:  {StateCacheMiss, StateCacheHit, StateBlocked},
	StateCacheMiss:    {StateRouted, StateCacheHit},
	StateCacheHit:     {StateDone},
	StateRouted:       {StateExecuted},
	StateExecuted:     {StateValidated},
	StateValidated:    {StateEscalated, StateLearned},
	StateEscalated:    {StateValidated},
	StateLearned:      {StateDone},
}

// ErrIllegalTransition reports a stage-order violation. Seeing one means a
// bug in the orchestrator, not bad input.
type ErrIllegalTransition struct {
	From, To State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal pipeline transition %s -> %s", e.From, e.To)
}

// machine tracks one action's state. Not safe for concurrent use; each
// action owns its machine.
type machine struct {
	state State
}

func newMachine() *machine {
	return &machine{state: StatePending}
}

func (m *machine) to(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return &ErrIllegalTransition{From: m.state, To: next}
}

// mustTo panics on an illegal transition. The orchestrator uses it where the
// transition is statically paired with the code path driving it.
func (m *machine) mustTo(next State) {
	if err := m.to(next); err != nil {
		panic(err)
	}
}
