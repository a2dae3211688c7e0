package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skobkin/cputhermal/internal/thermal"
)

// Profile carries the per-platform thermal properties. Unset fields keep
// their defaults.
//
//	sensor-id: thermal_zone0
//	poll-ms: 250
//	limit-temp: 60
//	temp-hysteresis: 10
//	freq-step: 2
//	core-limit-temp: 80
//	core-temp-hysteresis: 10
//	core-control-mask: "0xe"
type Profile struct {
	SensorID           *string `yaml:"sensor-id"`
	PollMS             *int    `yaml:"poll-ms"`
	LimitTemp          *int    `yaml:"limit-temp"`
	TempHysteresis     *int    `yaml:"temp-hysteresis"`
	FreqStep           *int    `yaml:"freq-step"`
	MinFreqIndex       *int    `yaml:"min-freq-index"`
	CoreLimitTemp      *int    `yaml:"core-limit-temp"`
	CoreTempHysteresis *int    `yaml:"core-temp-hysteresis"`
	CoreControlMask    *string `yaml:"core-control-mask"`
	CoreControlEnable  *bool   `yaml:"core-control-enable"`
}

// LoadProfile reads and decodes a YAML profile. Unknown keys are rejected.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a YAML profile document.
func ParseProfile(data []byte) (Profile, error) {
	var profile Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&profile); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

func (p Profile) apply(cfg *thermal.Config) error {
	if p.SensorID != nil {
		cfg.SensorID = *p.SensorID
	}
	if p.PollMS != nil {
		if *p.PollMS <= 0 {
			return fmt.Errorf("poll-ms must be > 0")
		}
		cfg.PollInterval = time.Duration(*p.PollMS) * time.Millisecond
	}
	if p.LimitTemp != nil {
		cfg.ThrottleTemp = *p.LimitTemp
	}
	if p.TempHysteresis != nil {
		cfg.TempHysteresis = *p.TempHysteresis
	}
	if p.FreqStep != nil {
		cfg.FreqStep = *p.FreqStep
	}
	if p.MinFreqIndex != nil {
		cfg.MinFreqIndex = *p.MinFreqIndex
	}
	if p.CoreLimitTemp != nil {
		cfg.CoreLimitTemp = *p.CoreLimitTemp
	}
	if p.CoreTempHysteresis != nil {
		cfg.CoreTempHysteresis = *p.CoreTempHysteresis
	}
	if p.CoreControlMask != nil {
		mask, err := thermal.ParseCPUMask(*p.CoreControlMask)
		if err != nil {
			return fmt.Errorf("core-control-mask: %w", err)
		}
		cfg.CoreControlMask = mask
	}
	if p.CoreControlEnable != nil {
		cfg.CoreControlEnabled = *p.CoreControlEnable
	}
	return nil
}
