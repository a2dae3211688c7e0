// Package sensors enumerates the temperature sources exposed via sysfs and
// picks the one that best represents CPU temperature.
package sensors

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

const (
	thermalClassPath = "class/thermal"
	hwmonClassPath   = "class/hwmon"

	// Auto asks Select to pick a sensor.
	Auto = "auto"
)

// Kinds of discovered sensors.
const (
	KindThermalZone = "thermal_zone"
	KindHwmon       = "hwmon"
)

// Info describes a single temperature source. ID is the value accepted by
// the governor's sensor setting.
type Info struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Type   string `json:"type"`
	Label  string `json:"label,omitempty"`
	PCI    string `json:"pci,omitempty"`
	PCIID  string `json:"pci_id,omitempty"`
	Device string `json:"device,omitempty"`
}

// preferredTypes are zone types and hwmon chip names that track the CPU
// package, best first.
var preferredTypes = []string{
	"x86_pkg_temp",
	"cpu-thermal",
	"k10temp",
	"coretemp",
	"zenpower",
	"acpitz",
}

// Discover enumerates thermal zones and hwmon temperature inputs under the
// provided sysfs root.
func Discover(root string, logger *slog.Logger) ([]Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	zones, err := discoverZones(sysRoot, logger)
	if err != nil {
		return nil, err
	}
	chips, err := discoverHwmon(sysRoot, logger)
	if err != nil {
		return nil, err
	}
	return append(zones, chips...), nil
}

func discoverZones(sysRoot *os.Root, logger *slog.Logger) ([]Info, error) {
	entries, err := fs.ReadDir(sysRoot.FS(), thermalClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("thermal class path missing", "path", thermalClassPath)
			return nil, nil
		}
		return nil, fmt.Errorf("read thermal class dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		index, ok := strings.CutPrefix(name, "thermal_zone")
		if !ok || !allDigits(index) {
			continue
		}

		zoneRoot, err := sysRoot.OpenRoot(path.Join(thermalClassPath, name))
		if err != nil {
			logger.Warn("failed to open thermal zone", "zone", name, "err", err)
			continue
		}
		if _, err := zoneRoot.Stat("temp"); err != nil {
			zoneRoot.Close()
			continue
		}
		zoneType, _ := readTrim(zoneRoot, "type")
		if err := zoneRoot.Close(); err != nil {
			logger.Debug("failed to close thermal zone root", "zone", name, "err", err)
		}

		infos = append(infos, Info{
			ID:   name,
			Kind: KindThermalZone,
			Type: zoneType,
		})
	}

	slices.SortFunc(infos, func(a, b Info) int { return compareIndexed(a.ID, b.ID) })
	return infos, nil
}

func discoverHwmon(sysRoot *os.Root, logger *slog.Logger) ([]Info, error) {
	entries, err := fs.ReadDir(sysRoot.FS(), hwmonClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("hwmon class path missing", "path", hwmonClassPath)
			return nil, nil
		}
		return nil, fmt.Errorf("read hwmon class dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		index, ok := strings.CutPrefix(name, "hwmon")
		if !ok || !allDigits(index) {
			continue
		}

		chipRoot, err := sysRoot.OpenRoot(path.Join(hwmonClassPath, name))
		if err != nil {
			logger.Warn("failed to open hwmon chip", "chip", name, "err", err)
			continue
		}
		chipInfos, err := loadChipInputs(name, chipRoot)
		if err := chipRoot.Close(); err != nil {
			logger.Debug("failed to close hwmon root", "chip", name, "err", err)
		}
		if err != nil {
			logger.Warn("failed to load hwmon chip", "chip", name, "err", err)
			continue
		}
		infos = append(infos, chipInfos...)
	}

	slices.SortFunc(infos, func(a, b Info) int { return compareIndexed(a.ID, b.ID) })
	return infos, nil
}

func loadChipInputs(chipID string, chipRoot *os.Root) ([]Info, error) {
	entries, err := fs.ReadDir(chipRoot.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("read chip dir: %w", err)
	}

	chipName, _ := readTrim(chipRoot, "name")
	pciSlot, pciID, device := loadPCIDevice(chipRoot)

	var infos []Info
	for _, entry := range entries {
		input, ok := strings.CutSuffix(entry.Name(), "_input")
		if !ok {
			continue
		}
		index, ok := strings.CutPrefix(input, "temp")
		if !ok || !allDigits(index) {
			continue
		}
		label, _ := readTrim(chipRoot, input+"_label")
		infos = append(infos, Info{
			ID:     chipID + "/" + input,
			Kind:   KindHwmon,
			Type:   chipName,
			Label:  label,
			PCI:    pciSlot,
			PCIID:  pciID,
			Device: device,
		})
	}
	return infos, nil
}

// loadPCIDevice resolves the PCI identity of the device backing a hwmon
// chip. Platform devices (coretemp, acpitz) have none.
func loadPCIDevice(chipRoot *os.Root) (slot, pciID, name string) {
	deviceRoot, err := chipRoot.OpenRoot("device")
	if err != nil {
		return "", "", ""
	}
	defer deviceRoot.Close()

	var subsys string
	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		slot = parseKeyValue(text, "PCI_SLOT_NAME")
		pciID = parseKeyValue(text, "PCI_ID")
		subsys = parseKeyValue(text, "PCI_SUBSYS_ID")
	}

	if pciID == "" {
		pciID = readHexPair(deviceRoot, "vendor", "device")
	}
	if subsys == "" {
		subsys = readHexPair(deviceRoot, "subsystem_vendor", "subsystem_device")
	}

	id, ok := parsePCIIdentity(pciID, subsys)
	if !ok {
		return slot, "", ""
	}
	return slot, strings.ToUpper(id.vendor + ":" + id.device), id.name()
}

// Select resolves the configured sensor id. Any value other than Auto is
// returned unchanged so sensors that appear after startup can be used.
func Select(infos []Info, configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" && configured != Auto {
		return configured, nil
	}
	for _, want := range preferredTypes {
		for _, info := range infos {
			if info.Type == want {
				return info.ID, nil
			}
		}
	}
	if len(infos) == 0 {
		return "", errors.New("no temperature sensors found")
	}
	return infos[0].ID, nil
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		if value, ok := strings.CutPrefix(scanner.Text(), prefix); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readHexPair joins two sysfs hex attributes as "vvvv:dddd".
func readHexPair(root *os.Root, first, second string) string {
	a, err := readTrim(root, first)
	if err != nil {
		return ""
	}
	b, err := readTrim(root, second)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(a, "0x") + ":" + strings.TrimPrefix(b, "0x")
}

// compareIndexed orders ids like "hwmon10/temp1" after "hwmon2/temp3".
func compareIndexed(a, b string) int {
	ka, kb := indexKey(a), indexKey(b)
	if c := slices.Compare(ka, kb); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

func indexKey(id string) []int {
	var key []int
	for _, part := range strings.FieldsFunc(id, func(r rune) bool { return !unicode.IsDigit(r) }) {
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		key = append(key, n)
	}
	return key
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
