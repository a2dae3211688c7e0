package thermal

import (
	"fmt"
	"slices"
)

// FrequencyTable is the ascending list of frequencies a CPU supports,
// together with the lowest index throttling may drop to.
type FrequencyTable struct {
	freqs []Frequency
	floor int
}

// LoadFrequencyTable queries limiter for its table. Entries after the
// first zero entry are ignored.
func LoadFrequencyTable(limiter FrequencyLimiter, floor int) (*FrequencyTable, error) {
	raw, err := limiter.Table()
	if err != nil {
		return nil, &ConfigError{Field: "frequency_table", Err: fmt.Errorf("%w: %w", ErrNoFrequencyTable, err)}
	}
	if len(raw) == 0 {
		return nil, &ConfigError{Field: "frequency_table", Err: ErrNoFrequencyTable}
	}

	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	if n == 0 {
		return nil, &ConfigError{Field: "frequency_table", Err: ErrNoFrequencyTable}
	}

	freqs := slices.Clone(raw[:n])
	if !slices.IsSorted(freqs) {
		return nil, configErrorf("frequency_table", "frequencies must be ascending: %v", freqs)
	}

	table := &FrequencyTable{freqs: freqs}
	if err := table.checkFloor(floor); err != nil {
		return nil, err
	}
	table.floor = floor
	return table, nil
}

// NewFrequencyTable builds a table from known frequencies.
func NewFrequencyTable(freqs []Frequency, floor int) (*FrequencyTable, error) {
	return LoadFrequencyTable(staticTable(freqs), floor)
}

// At returns the frequency at index.
func (t *FrequencyTable) At(index int) Frequency {
	return t.freqs[index]
}

// Highest is the index of the fastest frequency.
func (t *FrequencyTable) Highest() int {
	return len(t.freqs) - 1
}

// Floor is the lowest index throttling may select.
func (t *FrequencyTable) Floor() int {
	return t.floor
}

// Len returns the number of entries.
func (t *FrequencyTable) Len() int {
	return len(t.freqs)
}

// Frequencies returns a copy of the table.
func (t *FrequencyTable) Frequencies() []Frequency {
	return slices.Clone(t.freqs)
}

func (t *FrequencyTable) checkFloor(floor int) error {
	if floor < 0 || floor >= t.Highest() {
		return configErrorf("min_freq_index", "%d must be in [0, %d) for a %d entry table", floor, t.Highest(), len(t.freqs))
	}
	return nil
}

func (t *FrequencyTable) withFloor(floor int) (*FrequencyTable, error) {
	if err := t.checkFloor(floor); err != nil {
		return nil, err
	}
	return &FrequencyTable{freqs: t.freqs, floor: floor}, nil
}

type staticTable []Frequency

func (s staticTable) SetMax(int, Frequency) error { return nil }

func (s staticTable) Table() ([]Frequency, error) { return s, nil }
