package thermal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Options wires a Governor to its collaborators.
type Options struct {
	Config Config
	// CPUs receive the frequency limit. Offline CPUs may fail to apply;
	// that is logged and ignored.
	CPUs    []int
	Sensor  Sensor
	Limiter FrequencyLimiter
	Hotplug CoreHotplug
	Logger  *slog.Logger
}

// Governor is the polling loop tying sensor reads to the throttle and
// core controllers. It is either running or stopped; Start and Stop move
// between the two and may be called repeatedly.
type Governor struct {
	cpus    []int
	sensor  Sensor
	limiter FrequencyLimiter
	core    *CoreController
	logger  *slog.Logger

	// lifeMu serialises Start, Stop and manual offline-mask writes.
	lifeMu  sync.Mutex
	running atomic.Bool
	gen     uint64
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// cycleMu is held for a whole cycle and by every runtime config write.
	cycleMu    sync.Mutex
	cfg        Config
	throttle   *ThrottleController
	limited    Frequency
	lastTemp   *float64
	lastSensor error
	lastAction CoreAction
	nextPoll   time.Duration

	cycles       atomic.Uint64
	sensorErrors atomic.Uint64
	applyErrors  atomic.Uint64

	errMu sync.Mutex
	err   error

	statusMu    sync.RWMutex
	status      Status
	subscribers map[*subscriber]struct{}
}

// NewGovernor validates the configuration and builds a stopped governor.
func NewGovernor(opts Options) (*Governor, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Sensor == nil || opts.Limiter == nil || opts.Hotplug == nil {
		return nil, fmt.Errorf("sensor, limiter and hotplug are required")
	}
	if len(opts.CPUs) == 0 {
		return nil, &ConfigError{Field: "cpus", Err: errors.New("no cpus to govern")}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	g := &Governor{
		cpus:        slices.Clone(opts.CPUs),
		sensor:      opts.Sensor,
		limiter:     opts.Limiter,
		core:        NewCoreController(opts.Config, opts.Hotplug, logger.With("component", "core_control")),
		logger:      logger,
		cfg:         opts.Config,
		limited:     Unlimited,
		nextPoll:    opts.Config.PollInterval,
		subscribers: make(map[*subscriber]struct{}),
	}
	g.cycleMu.Lock()
	g.publishLocked()
	g.cycleMu.Unlock()
	return g, nil
}

// Run starts the governor, keeps it running until ctx is cancelled and
// then stops it. The governor may be stopped and restarted in between.
func (g *Governor) Run(ctx context.Context) error {
	if err := g.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	g.logger.Info("governor stopping", "reason", ctx.Err())
	g.Stop()
	return g.Err()
}

// Start performs one synchronous cycle and schedules the next. Starting a
// running governor is a no-op.
func (g *Governor) Start() error {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()

	if g.running.Load() {
		return nil
	}

	g.setErr(nil)
	delay, err := g.cycle()
	if err != nil {
		g.setErr(err)
		g.cycleMu.Lock()
		g.publishLocked()
		g.cycleMu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.gen++
	g.running.Store(true)

	g.cycleMu.Lock()
	g.publishLocked()
	g.cycleMu.Unlock()

	g.logger.Info("governor started", "sensor_id", g.sensorID(), "next_poll", delay)

	g.wg.Add(1)
	go g.loop(ctx, g.gen, delay)
	return nil
}

// Stop cancels the pending wakeup, waits for an in-flight cycle and lifts
// the frequency limit on every CPU. CPUs offlined by core control stay
// offline.
func (g *Governor) Stop() {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()
	g.stopLocked()
}

func (g *Governor) stopLocked() {
	if !g.running.Load() {
		return
	}
	g.cancel()
	g.wg.Wait()
	g.running.Store(false)

	g.cycleMu.Lock()
	defer g.cycleMu.Unlock()

	if g.limited != Unlimited {
		g.applyLocked(Unlimited)
	}
	if g.throttle != nil {
		g.throttle.state = ThrottleState{Index: g.throttle.table.Highest()}
	}
	g.nextPoll = 0
	g.publishLocked()
	g.logger.Info("governor stopped")
}

func (g *Governor) stopGeneration(gen uint64) {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()
	if g.gen != gen {
		return
	}
	g.stopLocked()
}

func (g *Governor) loop(ctx context.Context, gen uint64, delay time.Duration) {
	defer g.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next, err := g.cycle()
		if err != nil {
			g.logger.Error("governor halted", "err", err)
			g.setErr(err)
			go g.stopGeneration(gen)
			return
		}
		if ctx.Err() != nil {
			return
		}
		timer.Reset(next)
	}
}

// cycle samples the sensor, runs both controllers and returns the delay
// until the next cycle. Only a fatal configuration problem is returned.
func (g *Governor) cycle() (time.Duration, error) {
	g.cycleMu.Lock()
	defer g.cycleMu.Unlock()

	g.cycles.Add(1)

	temp, err := g.sensor.ReadTemperature(g.cfg.SensorID)
	if err != nil {
		g.sensorErrors.Add(1)
		g.lastSensor = &SensorError{SensorID: g.cfg.SensorID, Err: err}
		g.logger.Debug("unable to read sensor", "err", g.lastSensor)
		g.nextPoll = g.cfg.PollInterval
		g.publishLocked()
		return g.nextPoll, nil
	}
	g.lastSensor = nil
	g.lastTemp = &temp
	g.logger.Debug("current cpu temperature", "sensor_id", g.cfg.SensorID, "temp_c", temp)

	if g.throttle == nil {
		table, err := LoadFrequencyTable(g.limiter, g.cfg.MinFreqIndex)
		if err != nil {
			if errors.Is(err, ErrNoFrequencyTable) {
				g.logger.Debug("frequency table not ready", "err", err)
				g.nextPoll = g.cfg.PollInterval
				g.publishLocked()
				return g.nextPoll, nil
			}
			return 0, err
		}
		g.throttle = NewThrottleController(table, g.cfg)
		g.logger.Info("frequency table loaded",
			"entries", table.Len(),
			"floor_index", table.Floor(),
			"floor_khz", table.At(table.Floor()),
			"highest_khz", table.At(table.Highest()),
		)
	}

	prev := g.throttle.State()
	decision := g.throttle.Step(temp)
	g.logTransition(prev, decision, temp)

	if decision.Changed {
		g.applyLocked(g.throttle.Table().At(decision.Index))
	}

	g.lastAction = g.core.Step(temp)

	g.nextPoll = g.nextDelay(temp, decision.Fast)
	g.logger.Debug("next poll", "delay", g.nextPoll, "fast", decision.Fast)
	g.publishLocked()
	return g.nextPoll, nil
}

func (g *Governor) nextDelay(temp float64, fast bool) time.Duration {
	switch {
	case temp <= float64(g.cfg.CoolTemp):
		return g.cfg.PollInterval + g.cfg.CoolOffset
	case fast:
		return max(g.cfg.PollInterval-g.cfg.HotOffset, g.cfg.MinPollInterval)
	default:
		return g.cfg.PollInterval
	}
}

func (g *Governor) logTransition(prev ThrottleState, d Decision, temp float64) {
	switch {
	case d.Throttled && !prev.Throttled:
		g.logger.Info("throttling on", "throttle_temp", g.throttle.ThrottleTemp(), "temp_c", temp)
	case !d.Throttled && prev.Throttled:
		g.logger.Info("throttling off", "temp_c", temp)
	case d.Throttled:
		g.logger.Debug("throttling", "temp_c", temp, "max_freq_khz", g.limited)
	case d.Fast:
		g.logger.Debug("temperature nearing threshold", "temp_c", temp, "release_temp", g.throttle.ThrottleTemp()-g.cfg.TempHysteresis)
	}
}

// applyLocked fans freq out to every CPU. A failure on one CPU does not
// stop the others.
func (g *Governor) applyLocked(freq Frequency) {
	for _, cpu := range g.cpus {
		if err := g.limiter.SetMax(cpu, freq); err != nil {
			g.applyErrors.Add(1)
			g.logger.Debug("unable to limit cpu max freq", "err", &ApplyError{CPU: cpu, Op: "set max freq", Err: err}, "max_freq_khz", freq)
			continue
		}
		if freq == Unlimited {
			g.logger.Debug("max frequency reset", "cpu", cpu)
		} else {
			g.logger.Debug("limiting max frequency", "cpu", cpu, "max_freq_khz", freq)
		}
	}
	g.limited = freq
}

// Running reports whether the polling loop is active.
func (g *Governor) Running() bool {
	return g.running.Load()
}

// Err returns the fatal error that halted the governor, if any.
func (g *Governor) Err() error {
	g.errMu.Lock()
	defer g.errMu.Unlock()
	return g.err
}

func (g *Governor) setErr(err error) {
	g.errMu.Lock()
	g.err = err
	g.errMu.Unlock()
}

// Config returns the current thresholds.
func (g *Governor) Config() Config {
	g.cycleMu.Lock()
	defer g.cycleMu.Unlock()
	return g.cfg
}

// ConfigUpdate carries optional runtime threshold changes. Nil fields are
// left as they are.
type ConfigUpdate struct {
	ThrottleTemp *int
	MinFreqIndex *int
}

// UpdateConfig validates every field of u before applying any of them, so
// a rejected update leaves the configuration untouched.
func (g *Governor) UpdateConfig(u ConfigUpdate) error {
	g.cycleMu.Lock()
	defer g.cycleMu.Unlock()

	if u.ThrottleTemp != nil {
		if temp := *u.ThrottleTemp; temp < g.cfg.CoolTemp || temp > g.cfg.MaxThrottleTemp {
			return invalidInputf("throttle temp %d outside [%d, %d]", temp, g.cfg.CoolTemp, g.cfg.MaxThrottleTemp)
		}
	}
	if u.MinFreqIndex != nil {
		if err := g.checkFloorLocked(*u.MinFreqIndex); err != nil {
			return err
		}
	}

	if u.ThrottleTemp != nil {
		temp := *u.ThrottleTemp
		if g.throttle != nil {
			if err := g.throttle.SetThrottleTemp(temp); err != nil {
				return err
			}
		}
		g.cfg.ThrottleTemp = temp
		g.logger.Info("throttle temp updated", "throttle_temp", temp)
	}
	if u.MinFreqIndex != nil {
		index := *u.MinFreqIndex
		if g.throttle != nil {
			raised, err := g.throttle.SetFloor(index)
			if err != nil {
				return err
			}
			if raised && g.limited != Unlimited {
				g.applyLocked(g.throttle.Table().At(g.throttle.State().Index))
			}
		}
		g.cfg.MinFreqIndex = index
		g.logger.Info("min freq index updated", "min_freq_index", index)
	}

	g.publishLocked()
	return nil
}

// checkFloorLocked verifies index against the frequency table, querying
// the limiter when no cycle has loaded it yet. Without a table the floor
// cannot be checked and is rejected.
func (g *Governor) checkFloorLocked(index int) error {
	if index < 0 {
		return invalidInputf("min freq index %d must not be negative", index)
	}
	if g.throttle != nil {
		if err := g.throttle.Table().checkFloor(index); err != nil {
			return invalidInputf("%v", err)
		}
		return nil
	}
	if _, err := LoadFrequencyTable(g.limiter, index); err != nil {
		if errors.Is(err, ErrNoFrequencyTable) {
			return invalidInputf("min freq index %d: frequency table not loaded", index)
		}
		return invalidInputf("%v", err)
	}
	return nil
}

// SetThrottleTemp changes the throttle threshold; it must stay within
// [cool temp, max throttle temp].
func (g *Governor) SetThrottleTemp(temp int) error {
	return g.UpdateConfig(ConfigUpdate{ThrottleTemp: &temp})
}

// SetMinFreqIndex changes the lowest table index throttling may select.
// The index must leave room below the highest table entry.
func (g *Governor) SetMinFreqIndex(index int) error {
	return g.UpdateConfig(ConfigUpdate{MinFreqIndex: &index})
}

// SetCoreControlEnabled toggles core control.
func (g *Governor) SetCoreControlEnabled(enabled bool) {
	g.core.SetEnabled(enabled)
	g.cycleMu.Lock()
	g.publishLocked()
	g.cycleMu.Unlock()
}

// CoreControl returns the core controller state.
func (g *Governor) CoreControl() CoreControlState {
	return g.core.State()
}

// OfflineMask returns the CPUs marked offlined by core control.
func (g *Governor) OfflineMask() CPUMask {
	return g.core.OfflineMask()
}

// SetOfflineMask replaces the offlined set by hand and returns the mask
// actually applied, restricted to eligible CPUs. It fails with ErrRunning
// while the polling loop is active.
func (g *Governor) SetOfflineMask(raw CPUMask) (CPUMask, error) {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()

	if g.running.Load() {
		return g.core.OfflineMask(), fmt.Errorf("%w: %w", ErrInvalidInput, ErrRunning)
	}
	applied := g.core.setOfflineMask(raw)
	g.logger.Info("offline mask updated", "requested", raw.String(), "offlined", applied.String())

	g.cycleMu.Lock()
	g.publishLocked()
	g.cycleMu.Unlock()
	return applied, nil
}

// HotplugGate returns the callback the hotplug mechanism must consult
// before bringing a CPU online.
func (g *Governor) HotplugGate() HotplugGate {
	return g.core.AllowOnline
}

// Status returns the latest published snapshot.
func (g *Governor) Status() Status {
	g.statusMu.RLock()
	defer g.statusMu.RUnlock()
	return g.status
}

// Subscribe registers a listener for status updates. The current status
// is delivered immediately. Slow listeners only ever see the newest value.
func (g *Governor) Subscribe() (<-chan Status, func()) {
	sub := newSubscriber()

	g.statusMu.Lock()
	g.subscribers[sub] = struct{}{}
	sub.send(g.status)
	g.statusMu.Unlock()

	unsubscribe := func() {
		g.statusMu.Lock()
		delete(g.subscribers, sub)
		g.statusMu.Unlock()
		sub.close()
	}
	return sub.channel(), unsubscribe
}

func (g *Governor) sensorID() string {
	g.cycleMu.Lock()
	defer g.cycleMu.Unlock()
	return g.cfg.SensorID
}

// publishLocked must be called with cycleMu held.
func (g *Governor) publishLocked() {
	status := Status{
		Timestamp:    time.Now().UTC(),
		Running:      g.running.Load(),
		SensorID:     g.cfg.SensorID,
		MaxFreqKHz:   uint64(g.limited),
		ThrottleTemp: g.cfg.ThrottleTemp,
		NextPollMS:   g.nextPoll.Milliseconds(),
		CoreControl:  g.core.State(),
		Cycles:       g.cycles.Load(),
		SensorErrors: g.sensorErrors.Load(),
		ApplyErrors:  g.applyErrors.Load(),
	}
	if g.lastTemp != nil {
		temp := *g.lastTemp
		status.TempC = &temp
	}
	if g.lastSensor != nil {
		status.SensorError = g.lastSensor.Error()
	}
	if err := g.Err(); err != nil {
		status.Error = err.Error()
	}
	if g.lastAction.Op != CoreNone {
		status.LastAction = fmt.Sprintf("%s cpu%d", g.lastAction.Op, g.lastAction.CPU)
	}
	if g.throttle != nil {
		table := g.throttle.Table()
		status.TableLoaded = true
		status.Throttle = g.throttle.State()
		status.FloorIndex = table.Floor()
		status.HighestIndex = table.Highest()
	}

	g.statusMu.Lock()
	g.status = status
	targets := make([]*subscriber, 0, len(g.subscribers))
	for sub := range g.subscribers {
		targets = append(targets, sub)
	}
	g.statusMu.Unlock()

	for _, sub := range targets {
		sub.send(status)
	}
}
