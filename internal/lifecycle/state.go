package lifecycle

// State is the discrete lifecycle state of an instrument. DORMANT, ACTIVE and
// HOT are activity-driven and reversible; GRADUATED and DEAD are terminal.
type State int32

const (
	StateDormant State = iota
	StateActive
	StateHot
	StateGraduated
	StateDead
)

func (s State) String() string {
	switch s {
	case StateDormant:
		return "DORMANT"
	case StateActive:
		return "ACTIVE"
	case StateHot:
		return "HOT"
	case StateGraduated:
		return "GRADUATED"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateGraduated || s == StateDead
}

// CanTransitionTo validates state transitions.
func (s State) CanTransitionTo(next State) bool {
	if s.Terminal() {
		return false
	}

	validTransitions := map[State][]State{
		StateDormant: {StateActive, StateHot, StateGraduated, StateDead},
		StateActive:  {StateDormant, StateHot, StateGraduated, StateDead},
		StateHot:     {StateDormant, StateActive, StateGraduated, StateDead},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Tier is the leverage/fee tuple a lifecycle state maps to.
type Tier struct {
	MaxLeverage    int64 // Plain integer multiplier
	MinMargin      int64 // Quote scale: minimum collateral to open
	MakerFeeBps    int64
	TakerFeeBps    int64
	MaintenanceBps int64 // Maintenance margin fraction, captured at position open
	TradingEnabled bool
}
