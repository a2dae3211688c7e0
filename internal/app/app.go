// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/cputhermal/internal/config"
	"github.com/skobkin/cputhermal/internal/httpserver"
	"github.com/skobkin/cputhermal/internal/sensors"
	"github.com/skobkin/cputhermal/internal/sysfs"
	"github.com/skobkin/cputhermal/internal/thermal"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	infos, err := sensors.Discover(cfg.SysfsRoot, baseLogger.With("component", "sensor_discovery"))
	if err != nil {
		return fmt.Errorf("discover sensors: %w", err)
	}
	appLogger.Info("discovered sensors", "count", len(infos))

	sensorID, err := sensors.Select(infos, cfg.Governor.Thermal.SensorID)
	if err != nil {
		return fmt.Errorf("select sensor: %w", err)
	}

	cpus, err := sysfs.PossibleCPUs(cfg.SysfsRoot)
	if err != nil {
		return fmt.Errorf("list cpus: %w", err)
	}

	thermalCfg := cfg.Governor.Thermal
	thermalCfg.SensorID = sensorID

	appLogger.Info("governor configuration",
		"sensor_id", sensorID,
		"cpus", len(cpus),
		"poll_interval", thermalCfg.PollInterval,
		"throttle_temp", thermalCfg.ThrottleTemp,
		"core_limit_temp", thermalCfg.CoreLimitTemp,
		"core_control_cpus", thermalCfg.CoreControlMask.String(),
		"profile", cfg.ProfilePath,
	)

	hotplug := sysfs.NewHotplug(cfg.SysfsRoot, baseLogger.With("component", "hotplug"))
	gov, err := thermal.NewGovernor(thermal.Options{
		Config:  thermalCfg,
		CPUs:    cpus,
		Sensor:  sysfs.NewThermalSensor(cfg.SysfsRoot, baseLogger.With("component", "sensor")),
		Limiter: sysfs.NewCPUFreq(cfg.SysfsRoot, cpus[0], cfg.Governor.FreqSteps, baseLogger.With("component", "cpufreq")),
		Hotplug: hotplug,
		Logger:  baseLogger.With("component", "governor"),
	})
	if err != nil {
		return fmt.Errorf("init governor: %w", err)
	}
	// Lifts frequency limits on every exit path; a no-op once stopped.
	defer gov.Stop()

	govCtx, govCancel := context.WithCancel(ctx)
	defer govCancel()

	var govErrCh chan error
	if cfg.Governor.Enable {
		govErrCh = make(chan error, 1)
		go func() {
			govErrCh <- gov.Run(govCtx)
		}()
	} else {
		appLogger.Info("governor disabled at startup")
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), httpserver.Deps{
		Governor: gov,
		Hotplug:  thermal.GatedHotplug{CoreHotplug: hotplug, Gate: gov.HotplugGate()},
		CPUs:     cpus,
		Sensors:  infos,
	})

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			govCancel()
			if err != nil {
				return err
			}
			return waitGovernor(govErrCh, appLogger)
		case err := <-govErrCh:
			govErrCh = nil
			if err != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
					appLogger.Warn("http shutdown", "err", shutdownErr)
				}
				return fmt.Errorf("governor: %w", err)
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			govCancel()
			if err := waitGovernor(govErrCh, appLogger); err != nil {
				return err
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

// waitGovernor collects the governor result after its context was
// cancelled. A halt that happened while running was already published in
// the status and is only logged here.
func waitGovernor(govErrCh <-chan error, logger *slog.Logger) error {
	if govErrCh == nil {
		return nil
	}
	if err := <-govErrCh; err != nil {
		var cfgErr *thermal.ConfigError
		if errors.As(err, &cfgErr) {
			logger.Warn("governor halted earlier", "err", err)
			return nil
		}
		return err
	}
	return nil
}
