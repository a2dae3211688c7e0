// Package thermal implements a temperature-driven CPU governor: a periodic
// loop that samples one thermal sensor, limits the maximum frequency of
// every CPU through hysteresis bands and powers individual CPUs off and on
// when the package runs too hot.
package thermal

import (
	"errors"
	"time"
)

// Frequency is a CPU clock frequency in kHz, the unit used by cpufreq.
type Frequency uint64

// Unlimited removes any frequency limit previously applied to a CPU.
const Unlimited Frequency = 0

// MHz returns the frequency in megahertz.
func (f Frequency) MHz() float64 {
	return float64(f) / 1000
}

// Sensor reads a temperature in degrees Celsius.
type Sensor interface {
	ReadTemperature(sensorID string) (float64, error)
}

// FrequencyLimiter caps the maximum frequency of individual CPUs.
type FrequencyLimiter interface {
	// SetMax limits cpu to freq; Unlimited lifts the limit.
	SetMax(cpu int, freq Frequency) error
	// Table returns the supported frequencies. A nil table with a nil
	// error means the table does not exist yet.
	Table() ([]Frequency, error)
}

// CoreHotplug powers CPUs on and off.
type CoreHotplug interface {
	SetOnline(cpu int, online bool) error
	IsOnline(cpu int) bool
}

// Band defaults.
const (
	DefaultThrottleTemp    = 70
	DefaultMaxThrottleTemp = 80
	DefaultCoolTemp        = 45
	DefaultCoolOffset      = 250 * time.Millisecond
	DefaultHotOffset       = 250 * time.Millisecond
	DefaultMinPollInterval = 50 * time.Millisecond
)

// Config holds the governor thresholds. ThrottleTemp and MinFreqIndex may
// be changed at runtime through the Governor; everything else is fixed at
// construction.
type Config struct {
	SensorID     string
	PollInterval time.Duration

	ThrottleTemp   int
	TempHysteresis int
	FreqStep       int
	MinFreqIndex   int

	CoreLimitTemp      int
	CoreTempHysteresis int
	CoreControlMask    CPUMask
	CoreControlEnabled bool

	MaxThrottleTemp int
	CoolTemp        int
	CoolOffset      time.Duration
	HotOffset       time.Duration
	MinPollInterval time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		ThrottleTemp:       DefaultThrottleTemp,
		TempHysteresis:     5,
		FreqStep:           1,
		MinFreqIndex:       0,
		CoreLimitTemp:      DefaultMaxThrottleTemp,
		CoreTempHysteresis: 10,
		CoreControlEnabled: true,
		MaxThrottleTemp:    DefaultMaxThrottleTemp,
		CoolTemp:           DefaultCoolTemp,
		CoolOffset:         DefaultCoolOffset,
		HotOffset:          DefaultHotOffset,
		MinPollInterval:    DefaultMinPollInterval,
	}
}

// Validate checks the thresholds and returns a *ConfigError describing the
// first problem found.
func (c Config) Validate() error {
	switch {
	case c.SensorID == "":
		return &ConfigError{Field: "sensor_id", Err: errors.New("must not be empty")}
	case c.PollInterval <= 0:
		return configErrorf("poll_interval", "must be > 0, got %s", c.PollInterval)
	case c.MinPollInterval <= 0:
		return configErrorf("min_poll_interval", "must be > 0, got %s", c.MinPollInterval)
	case c.CoolOffset < 0 || c.HotOffset < 0:
		return configErrorf("poll_offsets", "must not be negative")
	case c.CoolTemp >= c.MaxThrottleTemp:
		return configErrorf("cool_temp", "%d must be below max throttle temp %d", c.CoolTemp, c.MaxThrottleTemp)
	case c.ThrottleTemp < c.CoolTemp || c.ThrottleTemp > c.MaxThrottleTemp:
		return configErrorf("throttle_temp", "%d outside [%d, %d]", c.ThrottleTemp, c.CoolTemp, c.MaxThrottleTemp)
	case c.TempHysteresis < 0:
		return configErrorf("temp_hysteresis", "must not be negative, got %d", c.TempHysteresis)
	case c.FreqStep < 1:
		return configErrorf("freq_step", "must be >= 1, got %d", c.FreqStep)
	case c.MinFreqIndex < 0:
		return configErrorf("min_freq_index", "must not be negative, got %d", c.MinFreqIndex)
	case c.CoreTempHysteresis < 0:
		return configErrorf("core_temp_hysteresis", "must not be negative, got %d", c.CoreTempHysteresis)
	case c.CoreControlMask.Has(0):
		return configErrorf("core_control_mask", "cpu0 cannot be taken offline")
	}
	return nil
}
