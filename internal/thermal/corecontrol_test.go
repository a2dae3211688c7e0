package thermal

import (
	"errors"
	"slices"
	"testing"
)

func newFixtureCoreController(hotplug CoreHotplug) *CoreController {
	return NewCoreController(fixtureConfig(), hotplug, discardLogger())
}

func TestCoreControlOfflinesOneCorePerCycle(t *testing.T) {
	t.Parallel()

	hotplug := newFakeHotplug()
	ctrl := newFixtureCoreController(hotplug)

	if action := ctrl.Step(82); action != (CoreAction{Op: CoreOffline, CPU: 2}) {
		t.Fatalf("expected cpu2 offline first, got %+v", action)
	}
	if !hotplug.IsOnline(1) {
		t.Fatalf("cpu1 must stay online in the first cycle")
	}
	if got := ctrl.OfflineMask(); got != MaskOf(2) {
		t.Fatalf("expected offlined {2}, got %s", got)
	}

	if action := ctrl.Step(82); action != (CoreAction{Op: CoreOffline, CPU: 1}) {
		t.Fatalf("expected cpu1 offline second, got %+v", action)
	}
	if action := ctrl.Step(82); action.Op != CoreNone {
		t.Fatalf("expected no action once every eligible cpu is off, got %+v", action)
	}
	if !slices.Equal(hotplug.downs, []int{2, 1}) {
		t.Fatalf("unexpected offline requests %v", hotplug.downs)
	}

	// Between the thresholds nothing happens.
	if action := ctrl.Step(75); action.Op != CoreNone {
		t.Fatalf("expected no action inside core hysteresis, got %+v", action)
	}

	if action := ctrl.Step(68); action != (CoreAction{Op: CoreOnline, CPU: 1}) {
		t.Fatalf("expected cpu1 online first, got %+v", action)
	}
	if hotplug.IsOnline(2) {
		t.Fatalf("cpu2 must stay offline in the same cycle")
	}
	if action := ctrl.Step(68); action != (CoreAction{Op: CoreOnline, CPU: 2}) {
		t.Fatalf("expected cpu2 online second, got %+v", action)
	}
	if !ctrl.OfflineMask().Empty() {
		t.Fatalf("expected empty offlined mask, got %s", ctrl.OfflineMask())
	}
	if action := ctrl.Step(60); action.Op != CoreNone {
		t.Fatalf("expected no action with nothing offlined, got %+v", action)
	}
}

func TestCoreControlSkipsStaleMarks(t *testing.T) {
	t.Parallel()

	hotplug := newFakeHotplug()
	ctrl := newFixtureCoreController(hotplug)
	ctrl.Step(82)
	ctrl.Step(82)

	// cpu1 came back through some other path.
	hotplug.setExternal(1, true)

	if action := ctrl.Step(68); action != (CoreAction{Op: CoreOnline, CPU: 2}) {
		t.Fatalf("expected stale cpu1 mark dropped and cpu2 onlined, got %+v", action)
	}
	if !ctrl.OfflineMask().Empty() {
		t.Fatalf("expected both marks cleared, got %s", ctrl.OfflineMask())
	}
}

func TestCoreControlRedrivesDriftedCore(t *testing.T) {
	t.Parallel()

	hotplug := newFakeHotplug()
	ctrl := newFixtureCoreController(hotplug)
	ctrl.Step(82)
	ctrl.Step(82)

	hotplug.setExternal(2, true)
	if action := ctrl.Step(82); action != (CoreAction{Op: CoreOffline, CPU: 2}) {
		t.Fatalf("expected cpu2 driven down again, got %+v", action)
	}
}

func TestCoreControlDisabled(t *testing.T) {
	t.Parallel()

	hotplug := newFakeHotplug()
	cfg := fixtureConfig()
	cfg.CoreControlEnabled = false
	ctrl := NewCoreController(cfg, hotplug, discardLogger())

	if action := ctrl.Step(95); action.Op != CoreNone {
		t.Fatalf("disabled controller acted: %+v", action)
	}
	if len(hotplug.downs) != 0 {
		t.Fatalf("disabled controller touched hardware: %v", hotplug.downs)
	}
}

func TestHotplugGate(t *testing.T) {
	t.Parallel()

	hotplug := newFakeHotplug()
	ctrl := newFixtureCoreController(hotplug)
	gated := GatedHotplug{CoreHotplug: hotplug, Gate: ctrl.AllowOnline}

	ctrl.Step(82)
	if ctrl.AllowOnline(2) != Reject {
		t.Fatalf("expected gate to reject policy-offlined cpu2")
	}
	err := gated.SetOnline(2, true)
	if !errors.Is(err, ErrOnlineRejected) {
		t.Fatalf("expected ErrOnlineRejected, got %v", err)
	}
	if hotplug.IsOnline(2) {
		t.Fatalf("rejected request brought cpu2 online")
	}
	if ctrl.AllowOnline(1) != Allow || ctrl.AllowOnline(5) != Allow {
		t.Fatalf("expected gate to allow cpus that are not policy-offlined")
	}

	ctrl.SetEnabled(false)
	if ctrl.AllowOnline(2) != Allow {
		t.Fatalf("expected gate open while core control is disabled")
	}
	ctrl.SetEnabled(true)

	ctrl.Step(82) // offlines cpu1
	ctrl.Step(68) // clears cpu1
	ctrl.Step(68) // clears cpu2
	if ctrl.AllowOnline(2) != Allow {
		t.Fatalf("expected gate to allow cpu2 once cleared")
	}
	if err := gated.SetOnline(2, true); err != nil {
		t.Fatalf("gated online returned error: %v", err)
	}
}

func TestCoreControlEnableReappliesMask(t *testing.T) {
	t.Parallel()

	hotplug := newFakeHotplug()
	ctrl := newFixtureCoreController(hotplug)
	ctrl.Step(82)

	ctrl.SetEnabled(false)
	hotplug.setExternal(2, true)
	if ctrl.OfflineMask() != MaskOf(2) {
		t.Fatalf("disabling must keep the offlined record, got %s", ctrl.OfflineMask())
	}

	ctrl.SetEnabled(true)
	if hotplug.IsOnline(2) {
		t.Fatalf("enabling must drive marked cpu2 offline again")
	}
}

func TestCoreControlSetOfflineMask(t *testing.T) {
	t.Parallel()

	hotplug := newFakeHotplug()
	ctrl := newFixtureCoreController(hotplug)

	applied := ctrl.setOfflineMask(MaskOf(0, 1, 2, 7))
	if applied != MaskOf(1, 2) {
		t.Fatalf("expected mask intersected with eligible cpus, got %s", applied)
	}
	if hotplug.IsOnline(1) || hotplug.IsOnline(2) {
		t.Fatalf("expected cpus 1 and 2 driven offline")
	}
	if !hotplug.IsOnline(7) || !hotplug.IsOnline(0) {
		t.Fatalf("ineligible cpus must not be touched")
	}

	ctrl.SetEnabled(false)
	ctrl.setOfflineMask(0)
	ctrl.setOfflineMask(MaskOf(1))
	if ctrl.OfflineMask() != MaskOf(1) {
		t.Fatalf("expected record updated while disabled, got %s", ctrl.OfflineMask())
	}
}
