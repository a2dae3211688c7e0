package sysfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
)

// Hotplug powers CPUs on and off through devices/system/cpu/cpuN/online.
type Hotplug struct {
	sysfsRoot string
	logger    *slog.Logger
}

// NewHotplug builds a hotplug controller rooted at sysfsRoot.
func NewHotplug(sysfsRoot string, logger *slog.Logger) *Hotplug {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hotplug{sysfsRoot: sysfsRoot, logger: logger}
}

// IsOnline reports the CPU state. CPUs without an online file cannot be
// hot-unplugged and are always online.
func (h *Hotplug) IsOnline(cpu int) bool {
	value, err := readTrim(cpuPath(h.sysfsRoot, cpu, "online"))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			h.logger.Debug("failed to read cpu online state", "cpu", cpu, "err", err)
		}
		return true
	}
	return value != "0"
}

// SetOnline writes the requested state.
func (h *Hotplug) SetOnline(cpu int, online bool) error {
	value := "0"
	if online {
		value = "1"
	}
	if err := writeValue(cpuPath(h.sysfsRoot, cpu, "online"), value); err != nil {
		return fmt.Errorf("set cpu %d online=%v: %w", cpu, online, err)
	}
	return nil
}
