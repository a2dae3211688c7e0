package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/cputhermal/internal/thermal"
)

// Config represents runtime configuration sourced from an optional profile
// file and environment variables.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	ProfilePath      string
	WS               WebsocketConfig
	Governor         GovernorConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// GovernorConfig holds the thermal governor settings. Thermal.SensorID may
// be "auto" and is resolved against discovered sensors at startup.
type GovernorConfig struct {
	Enable bool
	// FreqSteps > 1 synthesizes a frequency table when cpufreq publishes
	// none.
	FreqSteps int
	Thermal   thermal.Config
}

// Load parses configuration from the profile named by APP_PROFILE and from
// environment variables, applying defaults. Environment variables win over
// the profile.
func Load() (Config, error) {
	thermalCfg := thermal.DefaultConfig()
	thermalCfg.SensorID = "auto"

	cfg := Config{
		ListenAddr:       ":8080",
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		Governor: GovernorConfig{
			Enable:    true,
			FreqSteps: 0,
			Thermal:   thermalCfg,
		},
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROFILE")); value != "" {
		profile, err := LoadProfile(value)
		if err != nil {
			return Config{}, err
		}
		if err := profile.apply(&cfg.Governor.Thermal); err != nil {
			return Config{}, fmt.Errorf("apply profile %s: %w", value, err)
		}
		cfg.ProfilePath = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if err := lookupBool("APP_ENABLE_PROMETHEUS", &cfg.EnablePrometheus); err != nil {
		return Config{}, err
	}
	if err := lookupBool("APP_ENABLE_PPROF", &cfg.EnablePprof); err != nil {
		return Config{}, err
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("APP_SYSFS_ROOT")); value != "" {
		cfg.SysfsRoot = value
	}

	if err := lookupPositiveInt("APP_WS_MAX_CLIENTS", &cfg.WS.MaxClients); err != nil {
		return Config{}, err
	}
	if err := lookupPositiveDuration("APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := lookupPositiveDuration("APP_WS_READ_TIMEOUT", &cfg.WS.ReadTimeout); err != nil {
		return Config{}, err
	}

	if err := loadGovernor(&cfg.Governor); err != nil {
		return Config{}, err
	}

	if err := cfg.Governor.Thermal.Validate(); err != nil {
		return Config{}, fmt.Errorf("governor config: %w", err)
	}

	return cfg, nil
}

func loadGovernor(cfg *GovernorConfig) error {
	th := &cfg.Thermal

	if err := lookupBool("APP_GOVERNOR_ENABLE", &cfg.Enable); err != nil {
		return err
	}

	if value := strings.TrimSpace(os.Getenv("APP_FREQ_STEPS")); value != "" {
		steps, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse APP_FREQ_STEPS: %w", err)
		}
		if steps < 0 {
			return fmt.Errorf("APP_FREQ_STEPS must be >= 0")
		}
		cfg.FreqSteps = steps
	}

	if value := strings.TrimSpace(os.Getenv("APP_SENSOR")); value != "" {
		th.SensorID = value
	}

	if err := lookupPositiveDuration("APP_POLL_INTERVAL", &th.PollInterval); err != nil {
		return err
	}

	if err := lookupInt("APP_THROTTLE_TEMP", &th.ThrottleTemp); err != nil {
		return err
	}
	if err := lookupNonNegativeInt("APP_TEMP_HYSTERESIS", &th.TempHysteresis); err != nil {
		return err
	}
	if err := lookupPositiveInt("APP_FREQ_STEP", &th.FreqStep); err != nil {
		return err
	}
	if err := lookupNonNegativeInt("APP_MIN_FREQ_INDEX", &th.MinFreqIndex); err != nil {
		return err
	}
	if err := lookupInt("APP_CORE_LIMIT_TEMP", &th.CoreLimitTemp); err != nil {
		return err
	}
	if err := lookupNonNegativeInt("APP_CORE_TEMP_HYSTERESIS", &th.CoreTempHysteresis); err != nil {
		return err
	}

	if value := strings.TrimSpace(os.Getenv("APP_CORE_CONTROL_CPUS")); value != "" {
		mask, err := thermal.ParseCPUMask(value)
		if err != nil {
			return fmt.Errorf("parse APP_CORE_CONTROL_CPUS: %w", err)
		}
		th.CoreControlMask = mask
	}

	return lookupBool("APP_CORE_CONTROL_ENABLE", &th.CoreControlEnabled)
}

func lookupBool(key string, dst *bool) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = enabled
	return nil
}

func lookupInt(key string, dst *int) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func lookupNonNegativeInt(key string, dst *int) error {
	before := *dst
	if err := lookupInt(key, dst); err != nil {
		return err
	}
	if *dst < 0 {
		*dst = before
		return fmt.Errorf("%s must be >= 0", key)
	}
	return nil
}

func lookupPositiveInt(key string, dst *int) error {
	before := *dst
	if err := lookupInt(key, dst); err != nil {
		return err
	}
	if *dst <= 0 {
		*dst = before
		return fmt.Errorf("%s must be > 0", key)
	}
	return nil
}

func lookupPositiveDuration(key string, dst *time.Duration) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = duration
	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
