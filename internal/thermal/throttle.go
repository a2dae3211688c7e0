package thermal

// ThrottleState is the frequency-limit state carried between cycles.
type ThrottleState struct {
	Index     int  `json:"index"`
	Throttled bool `json:"throttled"`
}

// Decision is the outcome of one ThrottleController step.
type Decision struct {
	Index     int
	Throttled bool
	// Fast asks for the shortened poll interval.
	Fast bool
	// Changed is set when Index differs from the previous state and the
	// new limit has to be applied.
	Changed bool
}

// ThrottleController maps temperature samples to a frequency table index.
// It is not safe for concurrent use; the Governor serialises access.
type ThrottleController struct {
	table        *FrequencyTable
	throttleTemp int
	hysteresis   int
	step         int
	maxTemp      int
	coolTemp     int

	state ThrottleState
}

// NewThrottleController starts unthrottled at the highest table index.
func NewThrottleController(table *FrequencyTable, cfg Config) *ThrottleController {
	return &ThrottleController{
		table:        table,
		throttleTemp: cfg.ThrottleTemp,
		hysteresis:   cfg.TempHysteresis,
		step:         cfg.FreqStep,
		maxTemp:      cfg.MaxThrottleTemp,
		coolTemp:     cfg.CoolTemp,
		state:        ThrottleState{Index: table.Highest()},
	}
}

// Step feeds one temperature sample and returns the new limit decision.
//
// Bands, first match wins:
//   - temp >= max throttle temp: clamp to the floor immediately.
//   - temp below throttle temp minus hysteresis: release to the highest index.
//   - temp >= throttle temp: step down by the configured step.
//   - the warning band in between: poll faster, keep a throttled limit in
//     place or stay released.
func (c *ThrottleController) Step(temp float64) Decision {
	release := float64(c.throttleTemp - c.hysteresis)

	switch {
	case temp >= float64(c.maxTemp):
		return c.move(c.table.Floor(), true, true)
	case temp < release:
		return c.move(c.table.Highest(), false, false)
	case temp >= float64(c.throttleTemp):
		return c.move(max(c.state.Index-c.step, c.table.Floor()), true, true)
	case temp >= release:
		if c.state.Throttled {
			return c.move(c.state.Index, true, true)
		}
		return c.move(c.table.Highest(), false, true)
	default:
		// NaN
		return Decision{Index: c.state.Index, Throttled: c.state.Throttled}
	}
}

func (c *ThrottleController) move(index int, throttled, fast bool) Decision {
	changed := index != c.state.Index
	c.state = ThrottleState{Index: index, Throttled: throttled}
	return Decision{
		Index:     index,
		Throttled: throttled,
		Fast:      fast,
		Changed:   changed,
	}
}

// State returns the current index and throttle flag.
func (c *ThrottleController) State() ThrottleState {
	return c.state
}

// Table returns the frequency table in use.
func (c *ThrottleController) Table() *FrequencyTable {
	return c.table
}

// ThrottleTemp returns the temperature at which stepping down starts.
func (c *ThrottleController) ThrottleTemp() int {
	return c.throttleTemp
}

// SetThrottleTemp changes the throttle threshold. Values outside
// [cool temp, max throttle temp] are rejected.
func (c *ThrottleController) SetThrottleTemp(temp int) error {
	if temp < c.coolTemp || temp > c.maxTemp {
		return invalidInputf("throttle temp %d outside [%d, %d]", temp, c.coolTemp, c.maxTemp)
	}
	c.throttleTemp = temp
	return nil
}

// SetFloor changes the lowest index throttling may select. It reports
// whether the current index had to be raised to honour the new floor.
func (c *ThrottleController) SetFloor(floor int) (bool, error) {
	table, err := c.table.withFloor(floor)
	if err != nil {
		return false, invalidInputf("%v", err)
	}
	c.table = table
	if c.state.Index < floor {
		c.state.Index = floor
		return true, nil
	}
	return false, nil
}
