package testutils

// -------------------------------------------------------------------------------------------------
// Action payloads
// -------------------------------------------------------------------------------------------------

type ActionA struct {
	Value int
}

func (ActionA) Name() string {
	return "action_a"
}

type ActionB struct {
	Target string
	Rate   float64
}

func (ActionB) Name() string {
	return "action_b"
}

type ActionC struct {
	Flags   []bool
	Counter uint16
}

func (ActionC) Name() string {
	return "action_c"
}

// -------------------------------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------------------------------

type EventA struct {
	Tick uint64
}

func (EventA) Name() string {
	return "event_a"
}

type EventB struct {
	Source string
}

func (EventB) Name() string {
	return "event_b"
}
