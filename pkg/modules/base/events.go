package base

// NewHour is emitted every in-game hour.
type NewHour struct {
	Hour         int64
	TotalMinutes int64
}

func (NewHour) Name() string { return "new_hour" }

// NewDay is emitted once when the date changes.
type NewDay struct {
	Day   int64
	Month int64
	Year  int64
}

func (NewDay) Name() string { return "new_day" }

// RealSecond is emitted once per second of simulated real time, paused or not.
type RealSecond struct {
	GameSeconds int64 // In-game seconds that passed during the real second
	Paused      bool
}

func (RealSecond) Name() string { return "real_second" }

// TaxesCollected is emitted by the economy system on every new day.
type TaxesCollected struct {
	Country string
	Amount  float64
}

func (TaxesCollected) Name() string { return "taxes_collected" }

// ControlRestored is emitted when a region falls back to its owner because its controller no
// longer exists.
type ControlRestored struct {
	Region     int64
	Owner      string
	Controller string // The controller that was removed
}

func (ControlRestored) Name() string { return "control_restored" }
