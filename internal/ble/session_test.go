package ble

import (
	"errors"
	"testing"
	"time"
)

func TestConnectPersistsIdentityAndStopsScan(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	_ = r.m.scan.Start()
	r.m.handle(DeviceDiscovered{Device: polarH10, RSSI: -70})
	r.tr.resetCalls()

	if err := r.m.session.Connect(polarH10); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got := r.settings.cached(); got != polarH10.ID {
		t.Errorf("cached identity = %q, want %q", got, polarH10.ID)
	}
	if r.m.registry.Len() != 0 {
		t.Error("registry should be cleared when connecting")
	}
	if r.m.scan.Scanning() {
		t.Error("scan should stop when a connection attempt begins")
	}
	calls := r.tr.Calls()
	want := []string{"StopScan", "Connect " + polarH10.ID}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
	if r.m.session.State() != StateConnecting || !r.m.session.Connecting() {
		t.Errorf("state = %v connecting=%v, want connecting", r.m.session.State(), r.m.session.Connecting())
	}
	if len(r.sched.live()) != 0 {
		t.Error("no timer may guard the connect step")
	}
}

func TestConnectRefusedWhenUnpowered(t *testing.T) {
	r := newTestRig(t, PowerOff, DefaultOptions(), nil)
	if err := r.m.session.Connect(polarH10); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("Connect() error = %v, want ErrTransportUnavailable", err)
	}
	if r.settings.cached() != "" || len(r.tr.Calls()) != 0 {
		t.Error("refused connect changed state")
	}
}

func TestConnectRefusesInvalidIdentifier(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	_ = r.m.scan.Start()
	r.tr.resetCalls()

	err := r.m.session.Connect(DeviceIdentity{ID: "not a device id"})
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("Connect() error = %v, want ErrInvalidIdentifier", err)
	}
	if r.settings.cached() != "" || r.m.session.Cached() != "" {
		t.Error("invalid identifier was persisted")
	}
	if r.m.session.State() != StateDisconnected || r.m.session.Current() != nil {
		t.Errorf("state = %v, want disconnected", r.m.session.State())
	}
	if !r.m.scan.Scanning() || len(r.tr.Calls()) != 0 {
		t.Errorf("calls = %v, refused connect must not touch the scan", r.tr.Calls())
	}
}

func TestConnectRefusedWhileSessionLive(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	_ = r.m.session.Connect(polarH10)

	if err := r.m.session.Connect(wahooTickr); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("Connect() error = %v, want ErrAlreadyConnected", err)
	}
	if r.settings.cached() != polarH10.ID {
		t.Error("second connect overwrote the cached identity")
	}
}

func TestConnectTransportErrorEndsSession(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	r.tr.connectErr = errors.New("radio busy")

	if err := r.m.session.Connect(polarH10); err == nil {
		t.Fatal("Connect() should return the transport error")
	}
	if r.m.session.Current() != nil || r.m.session.State() != StateDisconnected {
		t.Error("session not reset after failed connect request")
	}
}

func TestHandshakeSubscribesAndPublishes(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	sub := r.m.Messages(HeartRateMeasurementUUID)
	defer sub.Close()

	_ = r.m.session.Connect(polarH10)
	r.tr.resetCalls()

	r.m.handle(Connected{DeviceID: polarH10.ID})
	if r.m.session.State() != StateNegotiating {
		t.Fatalf("state = %v, want negotiating", r.m.session.State())
	}
	r.m.handle(ServicesDiscovered{DeviceID: polarH10.ID, Services: []string{"0000180d-0000-1000-8000-00805f9b34fb"}})
	r.m.handle(CharacteristicsDiscovered{
		DeviceID: polarH10.ID,
		Service:  HeartRateServiceUUID,
		Characteristics: []CharacteristicInfo{
			{UUID: HeartRateMeasurementUUID, Properties: PropNotify},
			{UUID: "2A38", Properties: PropRead},
		},
	})

	want := []string{
		"DiscoverServices " + polarH10.ID + " 180D",
		"DiscoverCharacteristics " + polarH10.ID + " 0000180d-0000-1000-8000-00805f9b34fb 2A37",
		"SetNotify " + polarH10.ID + " 2A37 true",
		"ReadValue " + polarH10.ID + " 2A38",
	}
	calls := r.tr.Calls()
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}

	r.m.handle(NotifyStateUpdated{DeviceID: polarH10.ID, Characteristic: HeartRateMeasurementUUID, Enabled: true})
	if r.m.session.State() != StateSubscribed || r.m.session.Connecting() {
		t.Fatalf("state = %v connecting=%v, want subscribed", r.m.session.State(), r.m.session.Connecting())
	}

	r.m.handle(ValueUpdated{DeviceID: polarH10.ID, Characteristic: "2a37", Value: []byte{0x00, 0x48}})
	r.m.handle(ValueUpdated{DeviceID: polarH10.ID, Characteristic: "2A38", Value: []byte{0x01}})

	msg, ok := recv(t, sub)
	if !ok || msg.Channel != HeartRateMeasurementUUID || msg.Payload[1] != 0x48 {
		t.Fatalf("got %+v ok=%v, want heart rate frame", msg, ok)
	}
	if _, ok := recv(t, sub); ok {
		t.Error("value on an unpublished characteristic reached the bus")
	}
}

func TestUnexpectedCharacteristicIsDropped(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	all := r.m.Messages("2A19")
	defer all.Close()
	_ = r.m.session.Connect(polarH10)
	r.handshake(polarH10)

	r.m.handle(ValueUpdated{DeviceID: polarH10.ID, Characteristic: "2A19", Value: []byte{90}})
	if _, ok := recv(t, all); ok {
		t.Error("channel outside the publish set was delivered")
	}
	if r.m.session.State() != StateSubscribed {
		t.Error("unexpected channel changed the session state")
	}
}

func TestNotifyForOtherCharacteristicDoesNotSubscribe(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	_ = r.m.session.Connect(polarH10)
	r.m.handle(Connected{DeviceID: polarH10.ID})
	r.m.handle(NotifyStateUpdated{DeviceID: polarH10.ID, Characteristic: "2A19", Enabled: true})

	if r.m.session.State() != StateNegotiating || !r.m.session.Connecting() {
		t.Errorf("state = %v connecting=%v, want still negotiating", r.m.session.State(), r.m.session.Connecting())
	}
}

func TestNotifyStrictness(t *testing.T) {
	tests := []struct {
		name   string
		strict bool
		err    error
		want   ConnectionState
	}{
		{"lenient accepts failure", false, errors.New("write not permitted"), StateSubscribed},
		{"strict rejects failure", true, errors.New("write not permitted"), StateNegotiating},
		{"strict accepts success", true, nil, StateSubscribed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.RequireNotifySuccess = tt.strict
			r := newTestRig(t, PowerOn, opts, nil)
			_ = r.m.session.Connect(polarH10)
			r.m.handle(Connected{DeviceID: polarH10.ID})
			r.m.handle(NotifyStateUpdated{
				DeviceID:       polarH10.ID,
				Characteristic: HeartRateMeasurementUUID,
				Enabled:        tt.err == nil,
				Err:            tt.err,
			})
			if got := r.m.session.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
			if r.m.session.Connecting() {
				t.Error("connecting flag should clear on any notify result")
			}
		})
	}
}

func TestDisconnectWithoutSessionIsNoop(t *testing.T) {
	settings := newMemSettings()
	settings.values[CachedIdentityKey] = polarH10.ID
	r := newTestRig(t, PowerOn, DefaultOptions(), settings)

	if err := r.m.session.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Disconnect() error = %v, want ErrNotConnected", err)
	}
	if len(r.tr.Calls()) != 0 {
		t.Errorf("calls = %v, want none", r.tr.Calls())
	}
	if settings.cached() != polarH10.ID {
		t.Error("no-op disconnect cleared the cached identity")
	}
}

func TestUserDisconnectForgetsDevice(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	_ = r.m.session.Connect(polarH10)
	r.handshake(polarH10)

	if err := r.m.session.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if r.tr.count("CancelConnection "+polarH10.ID) != 1 {
		t.Error("CancelConnection not requested")
	}
	if r.settings.cached() != "" || r.m.session.Cached() != "" {
		t.Error("user disconnect must clear the cached identity")
	}
	if r.m.session.Current() != nil || r.m.session.State() != StateDisconnected {
		t.Error("session not reset")
	}
}

func TestPeerDisconnectKeepsCache(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	_ = r.m.session.Connect(polarH10)
	r.handshake(polarH10)
	r.m.handle(SignalStrengthRead{DeviceID: polarH10.ID, RSSI: -58})

	r.m.handle(Disconnected{DeviceID: polarH10.ID, Err: errors.New("supervision timeout")})

	if r.m.session.Current() != nil || r.m.session.SignalStrength() != nil {
		t.Error("peer disconnect should clear the device and signal strength")
	}
	if r.settings.cached() != polarH10.ID {
		t.Error("peer disconnect must keep the cached identity")
	}
}

func TestEventsForOtherDevicesIgnored(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	_ = r.m.session.Connect(polarH10)

	r.m.handle(Connected{DeviceID: wahooTickr.ID})
	r.m.handle(Disconnected{DeviceID: wahooTickr.ID})
	r.m.handle(FailedToConnect{DeviceID: wahooTickr.ID})

	if r.m.session.State() != StateConnecting || r.m.session.Current() == nil {
		t.Errorf("state = %v, unrelated events changed the session", r.m.session.State())
	}
}

func TestFailedToConnectReturnsToIdle(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	_ = r.m.session.Connect(polarH10)
	r.m.handle(FailedToConnect{DeviceID: polarH10.ID, Err: errors.New("page timeout")})

	if r.m.session.State() != StateDisconnected || r.m.session.Connecting() {
		t.Error("failed connect should leave the session idle")
	}
	if r.settings.cached() != polarH10.ID {
		t.Error("failed connect should keep the cached identity")
	}
}

func TestSignalStrengthRequiresConnection(t *testing.T) {
	r := newTestRig(t, PowerOn, DefaultOptions(), nil)
	if err := r.m.session.RequestSignalStrength(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("RequestSignalStrength() error = %v, want ErrNotConnected", err)
	}

	_ = r.m.session.Connect(polarH10)
	r.handshake(polarH10)
	if err := r.m.session.RequestSignalStrength(); err != nil {
		t.Fatalf("RequestSignalStrength() error = %v", err)
	}
	r.m.handle(SignalStrengthRead{DeviceID: polarH10.ID, RSSI: -61})
	if got := r.m.session.SignalStrength(); got == nil || *got != -61 {
		t.Errorf("SignalStrength() = %v, want -61", got)
	}
}

func TestNegotiationWatchdog(t *testing.T) {
	opts := DefaultOptions()
	opts.NegotiationTimeout = 10 * time.Second
	r := newTestRig(t, PowerOn, opts, nil)

	_ = r.m.session.Connect(polarH10)
	r.m.handle(Connected{DeviceID: polarH10.ID})
	live := r.sched.live()
	if len(live) != 1 || live[0].d != opts.NegotiationTimeout {
		t.Fatalf("live timers = %d, want the negotiation watchdog", len(live))
	}

	r.sched.fireLive()
	if r.m.session.State() != StateDisconnected {
		t.Errorf("state = %v after watchdog, want disconnected", r.m.session.State())
	}
	if r.tr.count("CancelConnection") != 1 {
		t.Error("watchdog should cancel the stalled connection")
	}
	if r.settings.cached() != polarH10.ID {
		t.Error("watchdog must keep the cached identity")
	}
}

func TestWatchdogCancelledBySubscription(t *testing.T) {
	opts := DefaultOptions()
	opts.NegotiationTimeout = 10 * time.Second
	r := newTestRig(t, PowerOn, opts, nil)
	_ = r.m.session.Connect(polarH10)
	timerCount := len(r.sched.timers)
	r.handshake(polarH10)

	if len(r.sched.live()) != 0 {
		t.Fatal("watchdog still armed after subscription")
	}
	// Fire the cancelled watchdog anyway; a late callback must be a no-op.
	r.sched.timers[timerCount].f()
	if r.m.session.State() != StateSubscribed {
		t.Error("late watchdog tore down a subscribed session")
	}
}
