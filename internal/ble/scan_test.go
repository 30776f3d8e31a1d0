package ble

import (
	"errors"
	"testing"
)

func TestScanStartRequiresPower(t *testing.T) {
	r := newTestRig(t, PowerOff, DefaultOptions(), nil)

	if err := r.m.scan.Start(); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("Start() error = %v, want ErrTransportUnavailable", err)
	}
	if len(r.tr.Calls()) != 0 {
		t.Errorf("transport calls = %v, want none", r.tr.Calls())
	}
	if r.m.scan.Scanning() {
		t.Error("Scanning() = true after refused start")
	}
}

func TestScanStartUsesFilterAndArmsTimeout(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	r.m.registry.OnAdvertisement(wahooTickr, -60)

	if err := r.m.scan.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := r.tr.Calls(); len(got) != 1 || got[0] != "StartScan 180D" {
		t.Errorf("calls = %v, want [StartScan 180D]", got)
	}
	if r.m.registry.Len() != 0 {
		t.Error("registry should be cleared when a scan starts")
	}
	live := r.sched.live()
	if len(live) != 1 || live[0].d != DefaultScanTimeout {
		t.Fatalf("live timers = %d, want one %v timer", len(live), DefaultScanTimeout)
	}
}

func TestScanDoubleStartLeavesOneLiveTimer(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)

	_ = r.m.scan.Start()
	first := r.sched.live()[0]
	_ = r.m.scan.Start()

	if n := len(r.sched.live()); n != 1 {
		t.Fatalf("live timers = %d, want 1", n)
	}

	// A stale timer that fires anyway must not stop the new session.
	first.f()
	if !r.m.scan.Scanning() {
		t.Fatal("stale timeout stopped the scan")
	}
	if n := r.tr.count("StopScan"); n != 0 {
		t.Errorf("StopScan called %d times by stale timer", n)
	}

	r.sched.fireLive()
	if r.m.scan.Scanning() {
		t.Error("current timeout did not stop the scan")
	}
}

func TestScanTimeoutKeepsResults(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	_ = r.m.scan.Start()
	r.m.handle(DeviceDiscovered{Device: wahooTickr, RSSI: -60})

	r.sched.fireLive()

	if r.m.scan.Scanning() {
		t.Fatal("scan still active after timeout")
	}
	if r.tr.count("StopScan") != 1 {
		t.Errorf("StopScan calls = %d, want 1", r.tr.count("StopScan"))
	}
	if r.m.registry.Len() != 1 {
		t.Error("timeout should leave discovered devices visible")
	}
}

func TestScanTimeoutIgnoredDuringConnectAttempt(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	_ = r.m.scan.Start()
	timer := r.sched.live()[0]

	// Simulate an attempt that began without going through StopForConnect.
	r.m.session.current = &polarH10
	timer.f()

	if !r.m.scan.Scanning() {
		t.Error("timeout stopped the scan while a connection attempt was live")
	}
}

func TestScanStopWhenIdleIsNoop(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	r.m.scan.Stop()
	if len(r.tr.Calls()) != 0 {
		t.Errorf("calls = %v, want none", r.tr.Calls())
	}
}

func TestScanStartTransportError(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	r.tr.scanErr = errors.New("busy")

	if err := r.m.scan.Start(); err == nil {
		t.Fatal("Start() should surface transport errors")
	}
	if r.m.scan.Scanning() || len(r.sched.live()) != 0 {
		t.Error("failed start left scan state behind")
	}
}

func TestAdvertisementsOutsideScanIgnored(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	r.m.handle(DeviceDiscovered{Device: wahooTickr, RSSI: -60})
	if r.m.registry.Len() != 0 {
		t.Error("advertisement recorded while not scanning")
	}
}

func TestScanStartedWhileSubscribedTimesOut(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	_ = r.m.session.Connect(polarH10)
	r.handshake(polarH10)
	r.tr.resetCalls()

	if err := r.m.scan.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	r.sched.fireLive()

	if r.m.scan.Scanning() {
		t.Error("scan still active after timeout on a live link")
	}
	if n := r.tr.count("StopScan"); n != 1 {
		t.Errorf("StopScan calls = %d, want 1", n)
	}
	if r.m.session.State() != StateSubscribed {
		t.Errorf("state = %v, timeout must not touch the session", r.m.session.State())
	}
}

func TestScanTimeoutIgnoredAfterConnectBegan(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	_ = r.m.scan.Start()
	pending := r.sched.live()[0]

	// Simulate an attempt beginning while the scan is still reported active.
	r.m.session.attempt++
	pending.f()

	if !r.m.scan.Scanning() || r.tr.count("StopScan") != 0 {
		t.Error("timeout acted after a connection attempt began")
	}
}
