package thermal

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errFakeSensor = errors.New("sensor offline")

type fakeSensor struct {
	mu   sync.Mutex
	temp float64
	err  error
}

func (s *fakeSensor) set(temp float64) {
	s.mu.Lock()
	s.temp = temp
	s.err = nil
	s.mu.Unlock()
}

func (s *fakeSensor) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSensor) ReadTemperature(string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.temp, nil
}

type fakeLimiter struct {
	mu      sync.Mutex
	table   []Frequency
	tblErr  error
	limits  map[int]Frequency
	failing map[int]bool
	calls   int
}

func newFakeLimiter(table []Frequency) *fakeLimiter {
	return &fakeLimiter{
		table:   table,
		limits:  make(map[int]Frequency),
		failing: make(map[int]bool),
	}
}

func (l *fakeLimiter) SetMax(cpu int, freq Frequency) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failing[cpu] {
		return errors.New("write scaling_max_freq: no such device")
	}
	l.limits[cpu] = freq
	return nil
}

func (l *fakeLimiter) Table() ([]Frequency, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table, l.tblErr
}

func (l *fakeLimiter) limit(cpu int) (Frequency, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	freq, ok := l.limits[cpu]
	return freq, ok
}

func (l *fakeLimiter) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type fakeHotplug struct {
	mu      sync.Mutex
	offline map[int]bool
	downs   []int
	ups     []int
}

func newFakeHotplug() *fakeHotplug {
	return &fakeHotplug{offline: make(map[int]bool)}
}

func (h *fakeHotplug) SetOnline(cpu int, online bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if online {
		h.ups = append(h.ups, cpu)
	} else {
		h.downs = append(h.downs, cpu)
	}
	h.offline[cpu] = !online
	return nil
}

func (h *fakeHotplug) IsOnline(cpu int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.offline[cpu]
}

func (h *fakeHotplug) setExternal(cpu int, online bool) {
	h.mu.Lock()
	h.offline[cpu] = !online
	h.mu.Unlock()
}

// fixtureTable is 600..1400 MHz in kHz.
func fixtureTable() []Frequency {
	return []Frequency{600000, 800000, 1000000, 1200000, 1400000}
}

func fixtureConfig() Config {
	cfg := DefaultConfig()
	cfg.SensorID = "thermal_zone0"
	cfg.PollInterval = time.Second
	cfg.ThrottleTemp = 70
	cfg.TempHysteresis = 5
	cfg.FreqStep = 1
	cfg.MinFreqIndex = 1
	cfg.MaxThrottleTemp = 80
	cfg.CoolTemp = 45
	cfg.CoreLimitTemp = 80
	cfg.CoreTempHysteresis = 10
	cfg.CoreControlMask = MaskOf(1, 2)
	cfg.CoreControlEnabled = true
	return cfg
}

func fixtureThrottle(t *testing.T) *ThrottleController {
	t.Helper()
	table, err := NewFrequencyTable(fixtureTable(), 1)
	if err != nil {
		t.Fatalf("NewFrequencyTable returned error: %v", err)
	}
	return NewThrottleController(table, fixtureConfig())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
