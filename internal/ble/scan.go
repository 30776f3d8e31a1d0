package ble

import (
	"log/slog"
	"time"
)

// DefaultScanTimeout bounds a scan session started without a connection.
const DefaultScanTimeout = 30 * time.Second

// ScanController owns the scan session: start and stop, the timeout timer and
// stop-on-connect. Only the timer armed by the most recent Start may fire.
type ScanController struct {
	transport Transport
	registry  *DeviceRegistry
	sched     scheduler
	log       *slog.Logger

	filter  []string
	timeout time.Duration

	// attempts returns the session's connection attempt counter.
	attempts func() uint64

	scanning bool
	gen      uint64
	since    uint64
	cancel   func()
}

func newScanController(t Transport, reg *DeviceRegistry, sched scheduler, log *slog.Logger, filter []string, timeout time.Duration) *ScanController {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return &ScanController{
		transport: t,
		registry:  reg,
		sched:     sched,
		log:       log,
		filter:    filter,
		timeout:   timeout,
		attempts:  func() uint64 { return 0 },
	}
}

// Scanning reports whether a scan session is active.
func (s *ScanController) Scanning() bool {
	return s.scanning
}

// Start begins a filtered scan and arms the timeout. Restarting an active
// scan clears the registry and replaces the timer.
func (s *ScanController) Start() error {
	if s.transport.PowerState() != PowerOn {
		s.log.Warn("[BLE] cannot scan, transport not powered on", "state", s.transport.PowerState())
		return ErrTransportUnavailable
	}

	s.registry.Clear()
	if err := s.transport.StartScan(s.filter); err != nil {
		s.log.Error("[BLE] start scan failed", "error", err)
		return err
	}
	s.scanning = true
	s.armTimeout()
	s.log.Info("[BLE] scanning started", "services", s.filter, "timeout", s.timeout)
	return nil
}

func (s *ScanController) armTimeout() {
	s.cancelTimeout()
	s.gen++
	gen := s.gen
	s.since = s.attempts()
	s.cancel = s.sched.After(s.timeout, func() { s.onTimeout(gen) })
}

func (s *ScanController) cancelTimeout() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// onTimeout runs on the loop. A stale generation, a stopped scan or a
// connection attempt begun since the timer was armed makes it a no-op. An
// attempt that was already running when the scan started does not.
func (s *ScanController) onTimeout(gen uint64) {
	if gen != s.gen || !s.scanning {
		return
	}
	s.cancel = nil
	if s.attempts() != s.since {
		s.log.Debug("[BLE] scan timeout ignored, connection attempt began during scan")
		return
	}
	s.log.Info("[BLE] scan timed out")
	s.Stop()
}

// Stop ends the scan session. The registry is left intact so the last
// results remain visible. It is a no-op when not scanning.
func (s *ScanController) Stop() {
	if !s.scanning {
		return
	}
	s.cancelTimeout()
	s.gen++
	if err := s.transport.StopScan(); err != nil {
		s.log.Warn("[BLE] stop scan failed", "error", err)
	}
	s.scanning = false
	s.log.Info("[BLE] scanning stopped")
}

// StopForConnect ends the scan because a connection attempt began and
// discards the advertisement set.
func (s *ScanController) StopForConnect() {
	s.Stop()
	s.registry.Clear()
}

// reset drops scan state without talking to the transport, used when the
// radio has gone away underneath us.
func (s *ScanController) reset() {
	s.cancelTimeout()
	s.gen++
	s.scanning = false
}
