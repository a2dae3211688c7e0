// Package sysfs implements the governor collaborators on top of the Linux
// sysfs interfaces: thermal zones and hwmon for temperatures, cpufreq for
// frequency limits and the cpu online files for hotplug.
package sysfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/skobkin/cputhermal/internal/thermal"
)

const (
	cpuDevicesPath   = "devices/system/cpu"
	thermalClassPath = "class/thermal"
	hwmonClassPath   = "class/hwmon"
)

// PossibleCPUs lists the CPU indices the kernel may ever bring online.
func PossibleCPUs(sysfsRoot string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(sysfsRoot, cpuDevicesPath, "possible"))
	if err != nil {
		return nil, fmt.Errorf("read possible cpus: %w", err)
	}
	mask, err := thermal.ParseCPUList(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse possible cpus: %w", err)
	}
	if mask.Empty() {
		return nil, errors.New("no possible cpus reported")
	}
	return mask.CPUs(), nil
}

func cpuPath(sysfsRoot string, cpu int, parts ...string) string {
	elems := append([]string{sysfsRoot, cpuDevicesPath, "cpu" + strconv.Itoa(cpu)}, parts...)
	return filepath.Join(elems...)
}

func readTrim(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("%s: empty value", path)
	}
	return value, nil
}

func readUint(path string) (uint64, error) {
	value, err := readTrim(path)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return parsed, nil
}

func readInt(path string) (int64, error) {
	value, err := readTrim(path)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return parsed, nil
}

func writeValue(path, value string) error {
	// sysfs attributes must be written in place, never created.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
