package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skobkin/cputhermal/internal/config"
	"github.com/skobkin/cputhermal/internal/thermal"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	return strings.TrimSpace(string(data))
}

func buildSysfs(t *testing.T, milliC string) string {
	t.Helper()
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "devices", "system", "cpu", "possible"), "0-1\n")
	for _, cpu := range []string{"cpu0", "cpu1"} {
		dir := filepath.Join(root, "devices", "system", "cpu", cpu, "cpufreq")
		writeFile(t, filepath.Join(dir, "scaling_available_frequencies"), "1400000 1000000 600000\n")
		writeFile(t, filepath.Join(dir, "cpuinfo_max_freq"), "1400000\n")
		writeFile(t, filepath.Join(dir, "scaling_max_freq"), "1400000\n")
	}
	writeFile(t, filepath.Join(root, "devices", "system", "cpu", "cpu1", "online"), "1\n")

	writeFile(t, filepath.Join(root, "class", "thermal", "thermal_zone0", "type"), "x86_pkg_temp\n")
	writeFile(t, filepath.Join(root, "class", "thermal", "thermal_zone0", "temp"), milliC)
	return root
}

func testConfig(sysfsRoot string) config.Config {
	thermalCfg := thermal.DefaultConfig()
	thermalCfg.SensorID = "auto"
	thermalCfg.PollInterval = 100 * time.Millisecond

	return config.Config{
		ListenAddr:     "127.0.0.1:0",
		AllowedOrigins: []string{"*"},
		SysfsRoot:      sysfsRoot,
		WS: config.WebsocketConfig{
			MaxClients:   4,
			WriteTimeout: time.Second,
			ReadTimeout:  time.Second,
		},
		Governor: config.GovernorConfig{
			Enable:  true,
			Thermal: thermalCfg,
		},
	}
}

func TestRunLimitsAndRestoresFrequencies(t *testing.T) {
	t.Parallel()

	root := buildSysfs(t, "75000\n")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, logger, testConfig(root))
	}()

	cpu1Max := filepath.Join(root, "devices", "system", "cpu", "cpu1", "cpufreq", "scaling_max_freq")
	deadline := time.Now().Add(3 * time.Second)
	for readFile(t, cpu1Max) == "1400000" {
		if time.Now().After(deadline) {
			t.Fatalf("frequency limit was not applied, scaling_max_freq=%s", readFile(t, cpu1Max))
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}

	for _, cpu := range []string{"cpu0", "cpu1"} {
		path := filepath.Join(root, "devices", "system", "cpu", cpu, "cpufreq", "scaling_max_freq")
		if got := readFile(t, path); got != "1400000" {
			t.Fatalf("%s limit not lifted on shutdown, got %s", cpu, got)
		}
	}
}

func TestRunFailsWithoutSensors(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "devices", "system", "cpu", "possible"), "0\n")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := Run(context.Background(), logger, testConfig(root)); err == nil {
		t.Fatalf("expected error without temperature sensors")
	}
}

func TestRunFailsOnUnusableFloor(t *testing.T) {
	t.Parallel()

	root := buildSysfs(t, "40000\n")
	cfg := testConfig(root)
	cfg.Governor.Thermal.MinFreqIndex = 2

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := Run(context.Background(), logger, cfg); err == nil {
		t.Fatalf("expected error for floor at the highest table index")
	}
}
