package api

import (
	"github.com/skobkin/cputhermal/internal/sensors"
	"github.com/skobkin/cputhermal/internal/thermal"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	SensorID   string          `json:"sensor_id"`
	Sensors    []sensors.Info  `json:"sensors"`
	CPUs       []int           `json:"cpus"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, sensorID string, infos []sensors.Info, cpus []int, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		SensorID:   sensorID,
		Sensors:    infos,
		CPUs:       cpus,
		Features:   features,
	}
}

// StatusMessage wraps a governor snapshot for transport.
type StatusMessage struct {
	Type string `json:"type"`
	thermal.Status
}

// NewStatusMessage constructs a status payload.
func NewStatusMessage(status thermal.Status) StatusMessage {
	return StatusMessage{
		Type:   "status",
		Status: status,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// ConfigMessage answers a client "config" request.
type ConfigMessage struct {
	Type   string     `json:"type"`
	Config ConfigView `json:"config"`
}

// ConfigView is the runtime-tunable part of the governor configuration.
type ConfigView struct {
	SensorID           string          `json:"sensor_id"`
	PollIntervalMS     int64           `json:"poll_interval_ms"`
	ThrottleTemp       int             `json:"throttle_temp"`
	TempHysteresis     int             `json:"temp_hysteresis"`
	FreqStep           int             `json:"freq_step"`
	MinFreqIndex       int             `json:"min_freq_index"`
	MaxThrottleTemp    int             `json:"max_throttle_temp"`
	CoolTemp           int             `json:"cool_temp"`
	CoreLimitTemp      int             `json:"core_limit_temp"`
	CoreTempHysteresis int             `json:"core_temp_hysteresis"`
	CoreControlMask    thermal.CPUMask `json:"core_control_mask"`
}

// NewConfigView projects a governor configuration.
func NewConfigView(cfg thermal.Config) ConfigView {
	return ConfigView{
		SensorID:           cfg.SensorID,
		PollIntervalMS:     cfg.PollInterval.Milliseconds(),
		ThrottleTemp:       cfg.ThrottleTemp,
		TempHysteresis:     cfg.TempHysteresis,
		FreqStep:           cfg.FreqStep,
		MinFreqIndex:       cfg.MinFreqIndex,
		MaxThrottleTemp:    cfg.MaxThrottleTemp,
		CoolTemp:           cfg.CoolTemp,
		CoreLimitTemp:      cfg.CoreLimitTemp,
		CoreTempHysteresis: cfg.CoreTempHysteresis,
		CoreControlMask:    cfg.CoreControlMask,
	}
}

// ConfigUpdate carries a partial runtime configuration write.
type ConfigUpdate struct {
	ThrottleTemp *int `json:"throttle_temp"`
	MinFreqIndex *int `json:"min_freq_index"`
}

// EnabledView reports or requests an on/off switch.
type EnabledView struct {
	Enabled bool `json:"enabled"`
}

// OfflinedView reports or requests the set of CPUs offlined by core control.
type OfflinedView struct {
	Offlined thermal.CPUMask `json:"offlined"`
}

// CPUView reports the hotplug state of one CPU.
type CPUView struct {
	CPU    int  `json:"cpu"`
	Online bool `json:"online"`
}
