package sysfs

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
)

// ThermalSensor reads temperatures from thermal zones ("thermal_zone0")
// or hwmon inputs ("hwmon2/temp1").
type ThermalSensor struct {
	sysfsRoot string
	logger    *slog.Logger
}

// NewThermalSensor builds a sensor reader rooted at sysfsRoot.
func NewThermalSensor(sysfsRoot string, logger *slog.Logger) *ThermalSensor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ThermalSensor{sysfsRoot: sysfsRoot, logger: logger}
}

// ReadTemperature returns the sensor value in degrees Celsius.
func (s *ThermalSensor) ReadTemperature(sensorID string) (float64, error) {
	path, err := SensorPath(s.sysfsRoot, sensorID)
	if err != nil {
		return 0, err
	}
	milli, err := readInt(path)
	if err != nil {
		return 0, err
	}
	return float64(milli) / 1000, nil
}

// SensorPath maps a sensor id to the sysfs file holding its millidegree
// reading.
func SensorPath(sysfsRoot, sensorID string) (string, error) {
	if zone, ok := strings.CutPrefix(sensorID, "thermal_zone"); ok && isIndex(zone) {
		return filepath.Join(sysfsRoot, thermalClassPath, sensorID, "temp"), nil
	}

	chip, input, found := strings.Cut(sensorID, "/")
	if found {
		chipIndex, chipOK := strings.CutPrefix(chip, "hwmon")
		inputIndex, inputOK := strings.CutPrefix(input, "temp")
		if chipOK && inputOK && isIndex(chipIndex) && isIndex(inputIndex) {
			return filepath.Join(sysfsRoot, hwmonClassPath, chip, input+"_input"), nil
		}
	}

	return "", fmt.Errorf("unsupported sensor id %q", sensorID)
}

func isIndex(value string) bool {
	if value == "" {
		return false
	}
	_, err := strconv.ParseUint(value, 10, 32)
	return err == nil
}
