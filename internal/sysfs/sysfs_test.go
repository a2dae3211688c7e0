package sysfs

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/skobkin/cputhermal/internal/thermal"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.TrimSpace(string(data))
}

func TestPossibleCPUs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, cpuDevicesPath, "possible"), "0-3\n")

	cpus, err := PossibleCPUs(root)
	if err != nil {
		t.Fatalf("PossibleCPUs returned error: %v", err)
	}
	if !slices.Equal(cpus, []int{0, 1, 2, 3}) {
		t.Fatalf("unexpected cpus %v", cpus)
	}

	if _, err := PossibleCPUs(t.TempDir()); err == nil {
		t.Fatalf("expected error for missing possible file")
	}
}

func TestThermalSensorReadsZonesAndHwmon(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, thermalClassPath, "thermal_zone0", "temp"), "71500\n")
	writeFile(t, filepath.Join(root, hwmonClassPath, "hwmon2", "temp1_input"), "-2000\n")

	sensor := NewThermalSensor(root, nil)

	temp, err := sensor.ReadTemperature("thermal_zone0")
	if err != nil {
		t.Fatalf("read thermal zone: %v", err)
	}
	if temp != 71.5 {
		t.Fatalf("expected 71.5, got %v", temp)
	}

	temp, err = sensor.ReadTemperature("hwmon2/temp1")
	if err != nil {
		t.Fatalf("read hwmon: %v", err)
	}
	if temp != -2 {
		t.Fatalf("expected -2, got %v", temp)
	}

	if _, err := sensor.ReadTemperature("thermal_zone9"); err == nil {
		t.Fatalf("expected error for missing zone")
	}
	for _, bad := range []string{"", "zone0", "thermal_zone", "hwmon2/../x", "../thermal_zone0", "hwmon2/fan1"} {
		if _, err := sensor.ReadTemperature(bad); err == nil {
			t.Fatalf("expected error for sensor id %q", bad)
		}
	}
}

func TestCPUFreqTableFromAvailableFrequencies(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, cpuDevicesPath, "cpu0", "cpufreq", availableFreqsFile), "1400000 1000000 600000 1000000 \n")

	table, err := NewCPUFreq(root, 0, 0, nil).Table()
	if err != nil {
		t.Fatalf("Table returned error: %v", err)
	}
	want := []thermal.Frequency{600000, 1000000, 1400000}
	if !slices.Equal(table, want) {
		t.Fatalf("unexpected table %v, want %v", table, want)
	}
}

func TestCPUFreqTableSynthesized(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, cpuDevicesPath, "cpu0", "cpufreq")
	writeFile(t, filepath.Join(dir, cpuinfoMinFreqFile), "400000\n")
	writeFile(t, filepath.Join(dir, cpuinfoMaxFreqFile), "1600000\n")

	table, err := NewCPUFreq(root, 0, 4, nil).Table()
	if err != nil {
		t.Fatalf("Table returned error: %v", err)
	}
	want := []thermal.Frequency{400000, 800000, 1200000, 1600000}
	if !slices.Equal(table, want) {
		t.Fatalf("unexpected table %v, want %v", table, want)
	}

	table, err = NewCPUFreq(root, 0, 0, nil).Table()
	if err != nil || table != nil {
		t.Fatalf("expected absent table without synthesis, got %v, %v", table, err)
	}
}

func TestCPUFreqTableAbsent(t *testing.T) {
	t.Parallel()

	table, err := NewCPUFreq(t.TempDir(), 0, 8, nil).Table()
	if err != nil {
		t.Fatalf("Table returned error: %v", err)
	}
	if table != nil {
		t.Fatalf("expected nil table, got %v", table)
	}
}

func TestCPUFreqSetMax(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, cpuDevicesPath, "cpu1", "cpufreq")
	writeFile(t, filepath.Join(dir, cpuinfoMaxFreqFile), "1400000\n")
	writeFile(t, filepath.Join(dir, scalingMaxFreqFile), "1400000\n")

	freq := NewCPUFreq(root, 0, 0, nil)

	if err := freq.SetMax(1, 800000); err != nil {
		t.Fatalf("SetMax returned error: %v", err)
	}
	if got := readFile(t, filepath.Join(dir, scalingMaxFreqFile)); got != "800000" {
		t.Fatalf("expected 800000 written, got %q", got)
	}
	if current, err := freq.CurrentMax(1); err != nil || current != 800000 {
		t.Fatalf("unexpected current max %v, %v", current, err)
	}

	if err := freq.SetMax(1, thermal.Unlimited); err != nil {
		t.Fatalf("SetMax(Unlimited) returned error: %v", err)
	}
	if got := readFile(t, filepath.Join(dir, scalingMaxFreqFile)); got != "1400000" {
		t.Fatalf("expected hardware max restored, got %q", got)
	}

	if err := freq.SetMax(5, 800000); err == nil {
		t.Fatalf("expected error for cpu without cpufreq")
	}
}

func TestHotplug(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, cpuDevicesPath, "cpu1", "online"), "1\n")
	if err := os.MkdirAll(filepath.Join(root, cpuDevicesPath, "cpu0"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	hotplug := NewHotplug(root, nil)

	if !hotplug.IsOnline(0) {
		t.Fatalf("cpu without online file must be online")
	}
	if !hotplug.IsOnline(1) {
		t.Fatalf("cpu1 should start online")
	}

	if err := hotplug.SetOnline(1, false); err != nil {
		t.Fatalf("SetOnline returned error: %v", err)
	}
	if hotplug.IsOnline(1) {
		t.Fatalf("cpu1 should be offline")
	}
	if err := hotplug.SetOnline(1, true); err != nil {
		t.Fatalf("SetOnline returned error: %v", err)
	}
	if got := readFile(t, filepath.Join(root, cpuDevicesPath, "cpu1", "online")); got != "1" {
		t.Fatalf("expected 1 written, got %q", got)
	}

	if err := hotplug.SetOnline(0, false); err == nil {
		t.Fatalf("expected error for cpu without online file")
	}
}
