package orchestrator

import "time"

// State names the steps of the per-turn state machine.
type State string

const (
	StateIdle           State = "idle"
	StateRewriting      State = "rewriting"
	StateResolvingScope State = "resolving_scope"
	StateRetrieving     State = "retrieving"
	StateReranking      State = "reranking"
	StateComposing      State = "composing"
	StateGenerating     State = "generating"
	StateEnforcing      State = "enforcing"
	StateRegenerating   State = "regenerating"
	StateCiting         State = "citing"
	StateFormatting     State = "formatting"
	StatePersisting     State = "persisting"

	StateDone         State = "done"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
	StateInsufficient State = "insufficient_evidence"
)

// StateTimeouts bound each step; a zero value means the step runs under
// the global request deadline only.
type StateTimeouts struct {
	Rewriting  time.Duration
	Retrieving time.Duration
	Reranking  time.Duration
	Generating time.Duration
	Enforcing  time.Duration
	Persisting time.Duration
}

// DefaultStateTimeouts returns the stock per-state deadlines.
func DefaultStateTimeouts() StateTimeouts {
	return StateTimeouts{
		Rewriting:  10 * time.Second,
		Retrieving: 15 * time.Second,
		Reranking:  10 * time.Second,
		Generating: 120 * time.Second,
		Enforcing:  20 * time.Second,
		Persisting: 10 * time.Second,
	}
}

func (t StateTimeouts) forState(s State) time.Duration {
	switch s {
	case StateRewriting:
		return t.Rewriting
	case StateRetrieving, StateResolvingScope:
		return t.Retrieving
	case StateReranking:
		return t.Reranking
	case StateGenerating, StateRegenerating:
		return t.Generating
	case StateEnforcing:
		return t.Enforcing
	case StatePersisting:
		return t.Persisting
	}
	return 0
}
