package domain

// LifecycleState is the persisted position of a message in the pipeline.
type LifecycleState string

const (
	StateNew               LifecycleState = "new"
	StateShallowClassified LifecycleState = "shallow_classified"
	StateArchived          LifecycleState = "archived"
	StateDeepPending       LifecycleState = "deep_pending"
	StateDeepAnalyzed      LifecycleState = "deep_analyzed"
	StateAgentDecided      LifecycleState = "agent_decided"
	StateScheduled         LifecycleState = "scheduled"
	StateReminded          LifecycleState = "reminded"
	StateSkipped           LifecycleState = "skipped"
	StateNotifiedPending   LifecycleState = "notified_pending"
	StateNotifiedSent      LifecycleState = "notified_sent"
	StateFailed            LifecycleState = "failed"
)

var transitions = map[LifecycleState][]LifecycleState{
	StateNew:               {StateShallowClassified, StateSkipped},
	StateShallowClassified: {StateArchived, StateDeepPending},
	StateDeepPending:       {StateDeepAnalyzed},
	StateDeepAnalyzed:      {StateAgentDecided},
	StateAgentDecided:      {StateScheduled, StateReminded, StateSkipped},
	StateScheduled:         {StateNotifiedPending},
	StateReminded:          {StateNotifiedPending},
	StateNotifiedPending:   {StateNotifiedSent},
}

// Terminal reports whether no further automatic transition leaves s.
func (s LifecycleState) Terminal() bool {
	switch s {
	case StateArchived, StateSkipped, StateNotifiedSent, StateFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s LifecycleState) Valid() bool {
	if s == StateFailed {
		return true
	}
	if _, ok := transitions[s]; ok {
		return true
	}
	switch s {
	case StateArchived, StateSkipped, StateNotifiedSent:
		return true
	}
	return false
}

// CanTransition reports whether from → to is an edge of the lifecycle.
// Any non-terminal state may fail; a failed message may be resumed at any
// non-terminal state.
func CanTransition(from, to LifecycleState) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	if from == StateFailed {
		return to.Valid() && !to.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
