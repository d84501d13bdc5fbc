package types

// transitions is the authoritative lifecycle table. A pair not listed here
// is rejected everywhere: state machine, event validation, replay.
var transitions = map[PositionStatus][]PositionStatus{
	StatusPending:    {StatusOpen, StatusClosed},
	StatusOpen:       {StatusClosed, StatusLiquidated},
	StatusClosed:     {StatusArchived},
	StatusLiquidated: {StatusArchived},
	StatusArchived:   {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to PositionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusForEvent maps a state-changing event type to the status it lands in.
// Events that never change status return "" and false.
func StatusForEvent(et EventType) (PositionStatus, bool) {
	switch et {
	case EventOrderFilled, EventPositionOpened:
		return StatusOpen, true
	case EventPositionClosed, EventStopLossTriggered, EventTakeProfitTriggered:
		return StatusClosed, true
	case EventPositionLiquidated:
		return StatusLiquidated, true
	case EventPositionArchived:
		return StatusArchived, true
	}
	return "", false
}
