package thermal

import (
	"io"
	"log/slog"
	"sync"
)

// CoreOp is the hardware action taken by a CoreController step.
type CoreOp int

const (
	CoreNone CoreOp = iota
	CoreOffline
	CoreOnline
)

func (op CoreOp) String() string {
	switch op {
	case CoreOffline:
		return "offline"
	case CoreOnline:
		return "online"
	default:
		return "none"
	}
}

// CoreAction describes what a single step did.
type CoreAction struct {
	Op  CoreOp
	CPU int
}

// GateDecision is the verdict of the hotplug gate.
type GateDecision int

const (
	Allow GateDecision = iota
	Reject
)

func (d GateDecision) String() string {
	if d == Reject {
		return "reject"
	}
	return "allow"
}

// HotplugGate decides whether cpu may come online.
type HotplugGate func(cpu int) GateDecision

// CoreControlState is a snapshot of the core controller.
type CoreControlState struct {
	Enabled  bool    `json:"enabled"`
	Mask     CPUMask `json:"mask"`
	Offlined CPUMask `json:"offlined"`
}

// CoreController powers eligible CPUs off when the temperature crosses
// the core limit and back on once it drops below the core hysteresis.
// At most one CPU changes state per step.
//
// All state is guarded by one mutex shared by the periodic step, manual
// overrides and the hotplug gate.
type CoreController struct {
	mask       CPUMask
	limitTemp  int
	hysteresis int
	hotplug    CoreHotplug
	logger     *slog.Logger

	mu       sync.Mutex
	enabled  bool
	offlined CPUMask
}

// NewCoreController builds a controller for the CPUs in cfg.CoreControlMask.
func NewCoreController(cfg Config, hotplug CoreHotplug, logger *slog.Logger) *CoreController {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CoreController{
		mask:       cfg.CoreControlMask,
		limitTemp:  cfg.CoreLimitTemp,
		hysteresis: cfg.CoreTempHysteresis,
		hotplug:    hotplug,
		logger:     logger,
		enabled:    cfg.CoreControlEnabled,
	}
}

// Step runs one core-control decision for temp.
func (c *CoreController) Step(temp float64) CoreAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || c.mask.Empty() {
		return CoreAction{Op: CoreNone}
	}

	if temp >= float64(c.limitTemp) {
		// Highest CPU first. A CPU we marked earlier that came back
		// online is taken down again.
		for cpu := MaxCPUs - 1; cpu >= 0; cpu-- {
			if !c.mask.Has(cpu) || !c.hotplug.IsOnline(cpu) {
				continue
			}
			c.logger.Info("set offline", "cpu", cpu, "temp_c", temp)
			if err := c.hotplug.SetOnline(cpu, false); err != nil {
				c.logger.Error("offline cpu failed", "err", &ApplyError{CPU: cpu, Op: "offline", Err: err})
			}
			c.offlined = c.offlined.With(cpu)
			return CoreAction{Op: CoreOffline, CPU: cpu}
		}
		return CoreAction{Op: CoreNone}
	}

	if !c.offlined.Empty() && temp <= float64(c.limitTemp-c.hysteresis) {
		for cpu := 0; cpu < MaxCPUs; cpu++ {
			if !c.offlined.Has(cpu) {
				continue
			}
			c.offlined = c.offlined.Without(cpu)
			c.logger.Info("allow online", "cpu", cpu, "temp_c", temp)
			// Already online: drop the stale mark and look at the next one.
			if c.hotplug.IsOnline(cpu) {
				continue
			}
			if err := c.hotplug.SetOnline(cpu, true); err != nil {
				c.logger.Error("online cpu failed", "err", &ApplyError{CPU: cpu, Op: "online", Err: err})
			}
			return CoreAction{Op: CoreOnline, CPU: cpu}
		}
	}

	return CoreAction{Op: CoreNone}
}

// AllowOnline is the hotplug gate: it rejects bringing a CPU online while
// core control is enabled and the CPU is marked offlined by this
// controller.
func (c *CoreController) AllowOnline(cpu int) GateDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled && c.mask.Has(cpu) && c.offlined.Has(cpu) {
		c.logger.Info("preventing cpu from coming online", "cpu", cpu)
		return Reject
	}
	return Allow
}

// SetEnabled toggles core control. Enabling drives every marked CPU
// offline again; disabling keeps the record but stops touching hardware
// and opens the hotplug gate.
func (c *CoreController) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled == enabled {
		return
	}
	c.enabled = enabled
	if enabled {
		c.logger.Info("core control enabled", "offlined", c.offlined.String())
		c.applyOfflinedLocked()
		return
	}
	c.logger.Info("core control disabled")
}

// Enabled reports whether core control is active.
func (c *CoreController) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// OfflineMask returns the CPUs currently marked offlined.
func (c *CoreController) OfflineMask() CPUMask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offlined
}

// State returns a consistent snapshot.
func (c *CoreController) State() CoreControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CoreControlState{Enabled: c.enabled, Mask: c.mask, Offlined: c.offlined}
}

// setOfflineMask replaces the offlined set with raw restricted to the
// eligible CPUs and, when enabled, drives hardware to match. The caller
// is responsible for making sure the polling loop is stopped.
func (c *CoreController) setOfflineMask(raw CPUMask) CPUMask {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := raw & c.mask
	if next == c.offlined {
		return next
	}
	c.offlined = next
	if c.enabled {
		c.applyOfflinedLocked()
	}
	return next
}

func (c *CoreController) applyOfflinedLocked() {
	for _, cpu := range c.offlined.CPUs() {
		if !c.hotplug.IsOnline(cpu) {
			continue
		}
		if err := c.hotplug.SetOnline(cpu, false); err != nil {
			c.logger.Error("unable to offline cpu", "err", &ApplyError{CPU: cpu, Op: "offline", Err: err})
		}
	}
}

// GatedHotplug consults a HotplugGate before bringing a CPU online.
type GatedHotplug struct {
	CoreHotplug
	Gate HotplugGate
}

// SetOnline forwards the request unless the gate rejects an online
// transition, in which case ErrOnlineRejected is returned.
func (g GatedHotplug) SetOnline(cpu int, online bool) error {
	if online && g.Gate != nil && !g.CoreHotplug.IsOnline(cpu) && g.Gate(cpu) == Reject {
		return &ApplyError{CPU: cpu, Op: "online", Err: ErrOnlineRejected}
	}
	return g.CoreHotplug.SetOnline(cpu, online)
}
