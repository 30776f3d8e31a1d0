package ble

import (
	"log/slog"
	"time"
)

// LookupResult is the outcome of resolving a cached identity through the
// transport's known-device lookup.
type LookupResult int

const (
	LookupFound LookupResult = iota
	LookupNotFound
	LookupFailed
)

func (r LookupResult) String() string {
	switch r {
	case LookupFound:
		return "found"
	case LookupNotFound:
		return "not-found"
	default:
		return "failed"
	}
}

// ReconnectPolicy decides what to do when the radio changes power state and
// when the cached device shows up in a scan.
type ReconnectPolicy struct {
	transport Transport
	session   *ConnectionSession
	scan      *ScanController
	registry  *DeviceRegistry
	sched     scheduler
	log       *slog.Logger

	autoConnect bool
	delay       time.Duration

	gen    uint64
	cancel func()
}

// OnPowerState reacts to a power transition. Powering on may trigger a
// silent reconnect; anything else drops the session and scan state while
// keeping the cached identity for later.
func (p *ReconnectPolicy) OnPowerState(state PowerState) {
	p.cancelPending()

	if state != PowerOn {
		p.session.forceDisconnected("transport " + state.String())
		p.registry.Clear()
		p.scan.reset()
		return
	}

	if !p.shouldReconnect() {
		return
	}
	if p.delay <= 0 {
		p.reconnect()
		return
	}
	gen := p.gen
	p.log.Info("[BLE] reconnect scheduled", "device", p.session.Cached(), "delay", p.delay)
	p.cancel = p.sched.After(p.delay, func() {
		if gen != p.gen || p.transport.PowerState() != PowerOn || !p.shouldReconnect() {
			return
		}
		p.cancel = nil
		p.reconnect()
	})
}

// OnDiscovered connects to a newly advertised device that matches the cached
// identity, cutting the scan short.
func (p *ReconnectPolicy) OnDiscovered(dev DeviceIdentity) {
	if !p.autoConnect || p.session.Cached() == "" || dev.ID != p.session.Cached() {
		return
	}
	if p.session.attemptActive() {
		return
	}
	p.log.Info("[BLE] cached peripheral advertised, connecting", "device", dev.DisplayName())
	_ = p.session.Connect(dev)
}

func (p *ReconnectPolicy) shouldReconnect() bool {
	return p.autoConnect && !p.session.attemptActive() && p.session.Cached() != ""
}

// reconnect resolves the cached identity and connects directly when the
// stack already knows the device, falling back to a scan otherwise.
func (p *ReconnectPolicy) reconnect() {
	cached := p.session.Cached()
	dev, result := p.lookup(cached)
	p.log.Info("[BLE] cached peripheral lookup", "id", cached, "result", result)

	switch result {
	case LookupFound:
		_ = p.session.Connect(dev)
	default:
		_ = p.scan.Start()
	}
}

func (p *ReconnectPolicy) lookup(id string) (DeviceIdentity, LookupResult) {
	return resolveKnown(p.transport, p.log, id)
}

func (p *ReconnectPolicy) cancelPending() {
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// resolveKnown looks id up through the transport's known-device list.
func resolveKnown(t Transport, log *slog.Logger, id string) (DeviceIdentity, LookupResult) {
	devices, err := t.LookupKnownDevices([]string{id})
	if err != nil {
		log.Warn("[BLE] known device lookup failed", "id", id, "error", err)
		return DeviceIdentity{}, LookupFailed
	}
	for _, d := range devices {
		if d.ID == id {
			return d, LookupFound
		}
	}
	return DeviceIdentity{}, LookupNotFound
}
