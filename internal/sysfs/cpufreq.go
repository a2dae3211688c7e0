package sysfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/skobkin/cputhermal/internal/thermal"
)

const (
	availableFreqsFile = "scaling_available_frequencies"
	scalingMaxFreqFile = "scaling_max_freq"
	cpuinfoMinFreqFile = "cpuinfo_min_freq"
	cpuinfoMaxFreqFile = "cpuinfo_max_freq"
)

// CPUFreq limits CPU frequencies through cpufreq's scaling_max_freq.
type CPUFreq struct {
	sysfsRoot string
	tableCPU  int
	// synthSteps > 1 builds an evenly spaced table between the hardware
	// limits when the driver publishes no frequency list (intel_pstate,
	// amd-pstate).
	synthSteps int
	logger     *slog.Logger
}

// NewCPUFreq builds a limiter that reads its table from tableCPU.
func NewCPUFreq(sysfsRoot string, tableCPU, synthSteps int, logger *slog.Logger) *CPUFreq {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CPUFreq{
		sysfsRoot:  sysfsRoot,
		tableCPU:   tableCPU,
		synthSteps: synthSteps,
		logger:     logger,
	}
}

// Table returns the ascending frequency table in kHz, or nil when the
// cpufreq driver has not published one yet.
func (c *CPUFreq) Table() ([]thermal.Frequency, error) {
	raw, err := readTrim(cpuPath(c.sysfsRoot, c.tableCPU, "cpufreq", availableFreqsFile))
	if err == nil {
		return parseFrequencyList(raw)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read available frequencies: %w", err)
	}

	if c.synthSteps < 2 {
		c.logger.Debug("no frequency table published", "cpu", c.tableCPU)
		return nil, nil
	}

	minFreq, err := readUint(cpuPath(c.sysfsRoot, c.tableCPU, "cpufreq", cpuinfoMinFreqFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cpuinfo min freq: %w", err)
	}
	maxFreq, err := readUint(cpuPath(c.sysfsRoot, c.tableCPU, "cpufreq", cpuinfoMaxFreqFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cpuinfo max freq: %w", err)
	}
	return synthesizeTable(minFreq, maxFreq, c.synthSteps), nil
}

// SetMax writes freq to scaling_max_freq; Unlimited restores the
// hardware maximum.
func (c *CPUFreq) SetMax(cpu int, freq thermal.Frequency) error {
	value := uint64(freq)
	if freq == thermal.Unlimited {
		hwMax, err := readUint(cpuPath(c.sysfsRoot, cpu, "cpufreq", cpuinfoMaxFreqFile))
		if err != nil {
			return fmt.Errorf("read cpuinfo max freq for cpu %d: %w", cpu, err)
		}
		value = hwMax
	}
	if err := writeValue(cpuPath(c.sysfsRoot, cpu, "cpufreq", scalingMaxFreqFile), strconv.FormatUint(value, 10)); err != nil {
		return fmt.Errorf("set max frequency for cpu %d: %w", cpu, err)
	}
	return nil
}

// CurrentMax reads back scaling_max_freq for cpu.
func (c *CPUFreq) CurrentMax(cpu int) (thermal.Frequency, error) {
	value, err := readUint(cpuPath(c.sysfsRoot, cpu, "cpufreq", scalingMaxFreqFile))
	if err != nil {
		return 0, err
	}
	return thermal.Frequency(value), nil
}

func parseFrequencyList(raw string) ([]thermal.Frequency, error) {
	fields := strings.Fields(raw)
	freqs := make([]thermal.Frequency, 0, len(fields))
	for _, field := range fields {
		value, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse frequency %q: %w", field, err)
		}
		if value == 0 {
			continue
		}
		freqs = append(freqs, thermal.Frequency(value))
	}
	// Drivers list frequencies in either order.
	slices.Sort(freqs)
	return slices.Compact(freqs), nil
}

func synthesizeTable(minFreq, maxFreq uint64, steps int) []thermal.Frequency {
	if maxFreq <= minFreq {
		return []thermal.Frequency{thermal.Frequency(maxFreq)}
	}
	freqs := make([]thermal.Frequency, 0, steps)
	span := maxFreq - minFreq
	for i := 0; i < steps; i++ {
		value := minFreq + span*uint64(i)/uint64(steps-1)
		freqs = append(freqs, thermal.Frequency(value))
	}
	return slices.Compact(freqs)
}
