package sensors

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaypipes/pcidb"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "class", "thermal", "thermal_zone0", "type"), "acpitz\n")
	writeFile(t, filepath.Join(root, "class", "thermal", "thermal_zone0", "temp"), "40000\n")
	writeFile(t, filepath.Join(root, "class", "thermal", "thermal_zone10", "type"), "x86_pkg_temp\n")
	writeFile(t, filepath.Join(root, "class", "thermal", "thermal_zone10", "temp"), "55000\n")
	writeFile(t, filepath.Join(root, "class", "thermal", "thermal_zone2", "type"), "iwlwifi_1\n")
	writeFile(t, filepath.Join(root, "class", "thermal", "thermal_zone2", "temp"), "38000\n")
	writeFile(t, filepath.Join(root, "class", "thermal", "cooling_device0", "type"), "Processor\n")

	writeFile(t, filepath.Join(root, "class", "hwmon", "hwmon3", "name"), "k10temp\n")
	writeFile(t, filepath.Join(root, "class", "hwmon", "hwmon3", "temp1_input"), "61000\n")
	writeFile(t, filepath.Join(root, "class", "hwmon", "hwmon3", "temp1_label"), "Tctl\n")
	writeFile(t, filepath.Join(root, "class", "hwmon", "hwmon3", "temp3_input"), "59000\n")
	writeFile(t, filepath.Join(root, "class", "hwmon", "hwmon3", "fan1_input"), "1200\n")
	writeFile(t, filepath.Join(root, "class", "hwmon", "hwmon3", "device", "uevent"), "PCI_SLOT_NAME=0000:00:18.3\nPCI_ID=1022:1650\n")

	return root
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	root := buildTree(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	infos, err := Discover(root, logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}

	wantIDs := []string{"thermal_zone0", "thermal_zone2", "thermal_zone10", "hwmon3/temp1", "hwmon3/temp3"}
	if len(infos) != len(wantIDs) {
		t.Fatalf("expected %d sensors, got %+v", len(wantIDs), infos)
	}
	for i, id := range wantIDs {
		if infos[i].ID != id {
			t.Fatalf("sensor %d: expected %q, got %q", i, id, infos[i].ID)
		}
	}

	zone := infos[2]
	if zone.Kind != KindThermalZone || zone.Type != "x86_pkg_temp" {
		t.Errorf("unexpected zone info %+v", zone)
	}

	tctl := infos[3]
	if tctl.Kind != KindHwmon || tctl.Type != "k10temp" || tctl.Label != "Tctl" {
		t.Errorf("unexpected hwmon info %+v", tctl)
	}
	if tctl.PCI != "0000:00:18.3" || tctl.PCIID != "1022:1650" {
		t.Errorf("unexpected pci identity %+v", tctl)
	}
	if infos[4].Label != "" {
		t.Errorf("expected empty label for temp3, got %q", infos[4].Label)
	}
}

func TestDiscoverMissingClasses(t *testing.T) {
	t.Parallel()

	infos, err := Discover(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no sensors, got %d", len(infos))
	}
}

func TestDiscoverFollowsSymlinks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	classPath := filepath.Join(root, "class", "hwmon")
	if err := os.MkdirAll(classPath, 0o750); err != nil {
		t.Fatalf("mkdir class: %v", err)
	}

	target := filepath.Join(root, "devices", "platform", "coretemp.0", "hwmon", "hwmon1")
	writeFile(t, filepath.Join(target, "name"), "coretemp\n")
	writeFile(t, filepath.Join(target, "temp1_input"), "47000\n")

	relTarget, err := filepath.Rel(classPath, target)
	if err != nil {
		t.Fatalf("filepath.Rel: %v", err)
	}
	if err := os.Symlink(relTarget, filepath.Join(classPath, "hwmon1")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	infos, err := Discover(root, nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "hwmon1/temp1" || infos[0].Type != "coretemp" {
		t.Fatalf("expected symlinked coretemp input, got %+v", infos)
	}
	if infos[0].PCIID != "" {
		t.Fatalf("platform device should have no pci id, got %q", infos[0].PCIID)
	}
}

func TestDiscoverUsesPCIDatabase(t *testing.T) {
	t.Parallel()

	db, err := pcidb.New()
	if err != nil {
		t.Skipf("pcidb unavailable: %v", err)
	}

	const productKey = "10221650"
	product, ok := db.Products[productKey]
	if !ok || product == nil || product.Name == "" {
		t.Skipf("pcidb missing product for %s", productKey)
	}

	infos, err := Discover(buildTree(t), nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	for _, info := range infos {
		if info.Kind != KindHwmon {
			continue
		}
		if info.Device != product.Name {
			t.Fatalf("expected device name %q, got %q", product.Name, info.Device)
		}
	}
}

func TestSelect(t *testing.T) {
	t.Parallel()

	infos := []Info{
		{ID: "thermal_zone0", Type: "acpitz"},
		{ID: "thermal_zone1", Type: "iwlwifi_1"},
		{ID: "hwmon3/temp1", Type: "k10temp"},
	}

	got, err := Select(infos, Auto)
	if err != nil || got != "hwmon3/temp1" {
		t.Fatalf("expected k10temp input, got %q, %v", got, err)
	}

	got, err = Select(infos, "thermal_zone1")
	if err != nil || got != "thermal_zone1" {
		t.Fatalf("explicit sensor must be kept, got %q, %v", got, err)
	}

	got, err = Select([]Info{{ID: "thermal_zone4", Type: "unknown"}}, "")
	if err != nil || got != "thermal_zone4" {
		t.Fatalf("expected fallback to first sensor, got %q, %v", got, err)
	}

	if _, err := Select(nil, Auto); err == nil {
		t.Fatalf("expected error without sensors")
	}
}

func TestParsePCIIdentity(t *testing.T) {
	t.Parallel()

	id, ok := parsePCIIdentity("1022:1650", "0x17AA:3c")
	if !ok {
		t.Fatalf("expected identity to parse")
	}
	want := pciIdentity{vendor: "1022", device: "1650", subVendor: "17aa", subDevice: "003c"}
	if id != want {
		t.Fatalf("unexpected identity %+v, want %+v", id, want)
	}

	for _, raw := range []string{"", "1022", ":1650", "1022:"} {
		if _, ok := parsePCIIdentity(raw, ""); ok {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
