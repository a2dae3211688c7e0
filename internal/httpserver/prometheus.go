package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/cputhermal/internal/thermal"
)

const metricsNamespace = "cputhermal"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if s.governor != nil {
		collectors = append(collectors, newGovernorCollector(s.governor))
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

type governorCollector struct {
	governor   Governor
	metrics    []governorMetric
	cpuOffline *prometheus.Desc
}

type governorMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(status thermal.Status) (float64, bool)
}

func newGovernorCollector(governor Governor) *governorCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "governor", name),
			help,
			labels,
			nil,
		)
	}

	gauge := func(name, help string, extract func(thermal.Status) (float64, bool)) governorMetric {
		return governorMetric{desc: desc(name, help), valueType: prometheus.GaugeValue, extract: extract}
	}
	counter := func(name, help string, extract func(thermal.Status) uint64) governorMetric {
		return governorMetric{
			desc:      desc(name, help),
			valueType: prometheus.CounterValue,
			extract: func(status thermal.Status) (float64, bool) {
				return float64(extract(status)), true
			},
		}
	}

	return &governorCollector{
		governor:   governor,
		cpuOffline: desc("cpu_offlined", "Whether core control currently holds the CPU offline.", "cpu"),
		metrics: []governorMetric{
			gauge("running", "Whether the polling loop is active.", func(status thermal.Status) (float64, bool) {
				return boolValue(status.Running), true
			}),
			gauge("temperature_celsius", "Latest temperature read from the governor sensor.", func(status thermal.Status) (float64, bool) {
				if status.TempC == nil {
					return 0, false
				}
				return *status.TempC, true
			}),
			gauge("throttled", "Whether the frequency limit is currently in effect.", func(status thermal.Status) (float64, bool) {
				return boolValue(status.Throttle.Throttled), true
			}),
			gauge("frequency_index", "Current frequency table index selected by the throttle controller.", func(status thermal.Status) (float64, bool) {
				if !status.TableLoaded {
					return 0, false
				}
				return float64(status.Throttle.Index), true
			}),
			gauge("max_frequency_hertz", "Maximum frequency applied to every CPU, 0 when unlimited.", func(status thermal.Status) (float64, bool) {
				return float64(status.MaxFreqKHz) * 1000, true
			}),
			gauge("throttle_temperature_celsius", "Configured throttle threshold.", func(status thermal.Status) (float64, bool) {
				return float64(status.ThrottleTemp), true
			}),
			gauge("next_poll_seconds", "Delay until the next scheduled cycle.", func(status thermal.Status) (float64, bool) {
				if !status.Running {
					return 0, false
				}
				return (time.Duration(status.NextPollMS) * time.Millisecond).Seconds(), true
			}),
			gauge("core_control_enabled", "Whether core control is enabled.", func(status thermal.Status) (float64, bool) {
				return boolValue(status.CoreControl.Enabled), true
			}),
			gauge("offlined_cpus", "Number of CPUs held offline by core control.", func(status thermal.Status) (float64, bool) {
				return float64(status.CoreControl.Offlined.Count()), true
			}),
			counter("cycles_total", "Total governor cycles run.", func(status thermal.Status) uint64 {
				return status.Cycles
			}),
			counter("sensor_errors_total", "Total cycles skipped because the sensor could not be read.", func(status thermal.Status) uint64 {
				return status.SensorErrors
			}),
			counter("apply_errors_total", "Total per-CPU frequency limit writes that failed.", func(status thermal.Status) uint64 {
				return status.ApplyErrors
			}),
		},
	}
}

func (c *governorCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
	ch <- c.cpuOffline
}

func (c *governorCollector) Collect(ch chan<- prometheus.Metric) {
	status := c.governor.Status()
	for _, metric := range c.metrics {
		value, ok := metric.extract(status)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value)
	}

	offlined := status.CoreControl.Offlined
	for _, cpu := range status.CoreControl.Mask.CPUs() {
		ch <- prometheus.MustNewConstMetric(c.cpuOffline, prometheus.GaugeValue, boolValue(offlined.Has(cpu)), strconv.Itoa(cpu))
	}
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
