// thermal-probe prints what the governor would see on this machine: the
// temperature sensors it can pick from, the possible CPUs with their
// online state and current frequency cap, and the frequency table.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/skobkin/cputhermal/internal/sensors"
	"github.com/skobkin/cputhermal/internal/sysfs"
	"github.com/skobkin/cputhermal/internal/thermal"
	"github.com/skobkin/cputhermal/internal/version"
)

type options struct {
	sysfsRoot  string
	sensorID   string
	read       bool
	freqSteps  int
	jsonOutput bool
	verbose    bool
}

type cpuReport struct {
	CPU        int               `json:"cpu"`
	Online     bool              `json:"online"`
	MaxFreqKHz thermal.Frequency `json:"max_freq_khz,omitempty"`
}

type report struct {
	Sensors     []sensors.Info      `json:"sensors"`
	Selected    string              `json:"selected_sensor,omitempty"`
	TempC       *float64            `json:"temp_c,omitempty"`
	CPUs        []cpuReport         `json:"cpus"`
	Frequencies []thermal.Frequency `json:"frequencies_khz"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	opts := options{
		sysfsRoot: envOrDefault("APP_SYSFS_ROOT", "/sys"),
		sensorID:  envOrDefault("APP_SENSOR", sensors.Auto),
	}

	flagSet := pflag.NewFlagSet("thermal-probe", pflag.ContinueOnError)
	flagSet.StringVar(&opts.sysfsRoot, "sysfs", opts.sysfsRoot, "path to sysfs root")
	flagSet.StringVarP(&opts.sensorID, "sensor", "s", opts.sensorID, `sensor to select, or "auto"`)
	flagSet.BoolVarP(&opts.read, "read", "r", false, "read the selected sensor once")
	flagSet.IntVar(&opts.freqSteps, "freq-steps", 0, "synthesize this many steps when the driver lists no frequencies")
	flagSet.BoolVar(&opts.jsonOutput, "json", false, "emit the report as JSON")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log discovery details to stderr")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		version.Print("thermal-probe")
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	rep, err := probe(opts, logger)
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printReport(out, rep)
	return nil
}

func probe(opts options, logger *slog.Logger) (report, error) {
	infos, err := sensors.Discover(opts.sysfsRoot, logger.With("component", "sensor_discovery"))
	if err != nil {
		return report{}, fmt.Errorf("discover sensors: %w", err)
	}
	rep := report{Sensors: infos}

	if selected, err := sensors.Select(infos, opts.sensorID); err != nil {
		logger.Warn("no sensor selected", "err", err)
	} else {
		rep.Selected = selected
	}

	if opts.read && rep.Selected != "" {
		sensor := sysfs.NewThermalSensor(opts.sysfsRoot, logger.With("component", "sensor"))
		temp, err := sensor.ReadTemperature(rep.Selected)
		if err != nil {
			return report{}, fmt.Errorf("read %s: %w", rep.Selected, err)
		}
		rep.TempC = &temp
	}

	cpus, err := sysfs.PossibleCPUs(opts.sysfsRoot)
	if err != nil {
		return report{}, fmt.Errorf("list cpus: %w", err)
	}

	freq := sysfs.NewCPUFreq(opts.sysfsRoot, cpus[0], opts.freqSteps, logger.With("component", "cpufreq"))
	hotplug := sysfs.NewHotplug(opts.sysfsRoot, logger.With("component", "hotplug"))
	for _, cpu := range cpus {
		entry := cpuReport{CPU: cpu, Online: hotplug.IsOnline(cpu)}
		if limit, err := freq.CurrentMax(cpu); err == nil {
			entry.MaxFreqKHz = limit
		}
		rep.CPUs = append(rep.CPUs, entry)
	}

	table, err := freq.Table()
	if err != nil {
		return report{}, fmt.Errorf("frequency table: %w", err)
	}
	rep.Frequencies = table
	return rep, nil
}

func printReport(out io.Writer, rep report) {
	if len(rep.Sensors) == 0 {
		fmt.Fprintln(out, "No temperature sensors detected")
	} else {
		fmt.Fprintln(out, "Sensors:")
	}
	for _, info := range rep.Sensors {
		marker := " "
		if info.ID == rep.Selected {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s (type: %s", marker, info.ID, info.Type)
		if info.Label != "" {
			fmt.Fprintf(out, ", label: %s", info.Label)
		}
		if info.Device != "" {
			fmt.Fprintf(out, ", device: %s", info.Device)
		}
		fmt.Fprintln(out, ")")
	}
	if rep.TempC != nil {
		fmt.Fprintf(out, "Temperature of %s: %.1f C\n", rep.Selected, *rep.TempC)
	}

	fmt.Fprintln(out, "CPUs:")
	for _, cpu := range rep.CPUs {
		state := "online"
		if !cpu.Online {
			state = "offline"
		}
		limit := "unknown"
		if cpu.MaxFreqKHz != 0 {
			limit = fmt.Sprintf("%.0f MHz", cpu.MaxFreqKHz.MHz())
		}
		fmt.Fprintf(out, "  cpu%d %s, max %s\n", cpu.CPU, state, limit)
	}

	if len(rep.Frequencies) == 0 {
		fmt.Fprintln(out, "Frequency table: unavailable")
		return
	}
	fmt.Fprint(out, "Frequency table (MHz):")
	for _, f := range rep.Frequencies {
		fmt.Fprintf(out, " %.0f", f.MHz())
	}
	fmt.Fprintln(out)
}

func envOrDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
