package ble

import (
	"fmt"
	"log/slog"
	"time"
)

// CachedIdentityKey is the settings key holding the last connected device ID.
const CachedIdentityKey = "cachedPeripheralUUID"

// ConnectionState is the externally visible link state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateScanning
	StateConnecting
	StateNegotiating
	StateSubscribed
)

func (s ConnectionState) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// MarshalText encodes the state by name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionSession drives one connection through connect, service
// discovery, characteristic discovery and notification setup, then forwards
// values on the publish set to the bus. All methods run on the event loop.
type ConnectionSession struct {
	transport Transport
	registry  *DeviceRegistry
	scan      *ScanController
	bus       *ChannelBus
	settings  Settings
	sched     scheduler
	log       *slog.Logger

	services           []string
	publishList        []string
	publish            idSet
	negotiationTimeout time.Duration
	strictNotify       bool

	state      ConnectionState // never StateScanning
	current    *DeviceIdentity
	connecting bool
	rssi       *int
	cached     string

	// attempt increments on every Connect so timers from older attempts can
	// recognise themselves as stale.
	attempt        uint64
	cancelWatchdog func()
}

// State returns the session state: disconnected, connecting, negotiating or subscribed.
func (s *ConnectionSession) State() ConnectionState { return s.state }

// Current returns the device this session is bound to, or nil.
func (s *ConnectionSession) Current() *DeviceIdentity {
	if s.current == nil {
		return nil
	}
	d := *s.current
	return &d
}

// Connecting reports whether the handshake has not yet produced a notify result.
func (s *ConnectionSession) Connecting() bool { return s.connecting }

// SignalStrength returns the last RSSI read for the connected device, or nil.
func (s *ConnectionSession) SignalStrength() *int {
	if s.rssi == nil {
		return nil
	}
	v := *s.rssi
	return &v
}

// Cached returns the cached device identifier ("" when none).
func (s *ConnectionSession) Cached() string { return s.cached }

// attemptActive reports whether a connection attempt has begun and not ended.
func (s *ConnectionSession) attemptActive() bool { return s.current != nil }

// attempts returns how many connection attempts have begun.
func (s *ConnectionSession) attempts() uint64 { return s.attempt }

func (s *ConnectionSession) matches(id string) bool {
	return s.current != nil && (id == "" || id == s.current.ID)
}

// Connect persists dev as the cached identity, clears the advertisement set
// and asks the transport to connect. No timeout applies to this step.
func (s *ConnectionSession) Connect(dev DeviceIdentity) error {
	if s.transport.PowerState() != PowerOn {
		s.log.Warn("[BLE] cannot connect, transport not powered on", "device", dev.DisplayName())
		return ErrTransportUnavailable
	}
	if s.current != nil {
		s.log.Info("[BLE] connect ignored, session already bound", "current", s.current.DisplayName(), "requested", dev.DisplayName())
		return ErrAlreadyConnected
	}
	if !ValidIdentifier(dev.ID) {
		s.log.Warn("[BLE] connect refused, invalid device identifier", "id", dev.ID)
		return fmt.Errorf("ble: connect to %q: %w", dev.ID, ErrInvalidIdentifier)
	}

	s.setCached(dev.ID)
	s.registry.Clear()
	s.current = &dev
	s.connecting = true
	s.state = StateConnecting
	s.attempt++
	s.scan.StopForConnect()

	if err := s.transport.Connect(dev.ID); err != nil {
		s.log.Error("[BLE] connect request failed", "device", dev.DisplayName(), "error", err)
		s.endSession()
		return fmt.Errorf("ble: connect to %s: %w", dev.ID, err)
	}
	s.log.Info("[BLE] connecting", "device", dev.DisplayName(), "id", dev.ID)
	return nil
}

// Disconnect tears down the current connection and forgets the cached
// identity so no automatic reconnect happens.
func (s *ConnectionSession) Disconnect() error {
	if s.current == nil {
		s.log.Info("[BLE] no connected peripheral to disconnect")
		return ErrNotConnected
	}
	dev := *s.current
	if err := s.transport.CancelConnection(dev.ID); err != nil {
		s.log.Warn("[BLE] cancel connection failed", "device", dev.DisplayName(), "error", err)
	}
	s.registry.Clear()
	s.endSession()
	s.setCached("")
	s.log.Info("[BLE] disconnected by request", "device", dev.DisplayName())
	return nil
}

// forceDisconnected drops the session without touching the transport or the
// cached identity. Used when the radio powers off.
func (s *ConnectionSession) forceDisconnected(reason string) {
	if s.current == nil && s.state == StateDisconnected {
		return
	}
	s.log.Warn("[BLE] session dropped", "reason", reason)
	s.endSession()
}

// endSession returns the session to Disconnected. The cached identity is kept.
func (s *ConnectionSession) endSession() {
	s.current = nil
	s.connecting = false
	s.rssi = nil
	s.state = StateDisconnected
	s.stopWatchdog()
}

func (s *ConnectionSession) setCached(id string) {
	s.cached = id
	if s.settings == nil {
		return
	}
	if err := s.settings.SetString(CachedIdentityKey, id); err != nil {
		s.log.Warn("[BLE] failed to persist cached identity", "error", err)
	}
}

// RequestSignalStrength asks the transport for a fresh RSSI reading. The
// result arrives later as a SignalStrengthRead event.
func (s *ConnectionSession) RequestSignalStrength() error {
	if s.current == nil || s.state == StateConnecting {
		return ErrNotConnected
	}
	return s.transport.ReadSignalStrength(s.current.ID)
}

func (s *ConnectionSession) handleConnected(ev Connected) {
	if !s.matches(ev.DeviceID) || s.state != StateConnecting {
		s.log.Debug("[BLE] ignoring connected event", "id", ev.DeviceID)
		return
	}
	dev := *s.current
	s.state = StateNegotiating
	s.log.Info("[BLE] connected", "device", dev.DisplayName())
	s.scan.Stop()
	s.startWatchdog()

	if err := s.transport.DiscoverServices(dev.ID, s.services); err != nil {
		s.log.Error("[BLE] discover services request failed", "device", dev.DisplayName(), "error", err)
	}
}

func (s *ConnectionSession) handleFailedToConnect(ev FailedToConnect) {
	if !s.matches(ev.DeviceID) {
		s.log.Debug("[BLE] ignoring connect failure for unrelated device", "id", ev.DeviceID)
		return
	}
	name := s.current.DisplayName()
	s.endSession()
	s.log.Error("[BLE] failed to connect", "device", name, "error", errorText(ev.Err))
}

func (s *ConnectionSession) handleDisconnected(ev Disconnected) {
	if s.current != nil && ev.DeviceID != "" && ev.DeviceID != s.current.ID {
		s.log.Debug("[BLE] ignoring disconnect for unrelated device", "id", ev.DeviceID)
		return
	}
	name := ev.DeviceID
	if s.current != nil {
		name = s.current.DisplayName()
	}
	s.endSession()
	if ev.Err != nil {
		s.log.Warn("[BLE] disconnected with error", "device", name, "error", ev.Err)
		return
	}
	s.log.Info("[BLE] disconnected normally", "device", name)
}

func (s *ConnectionSession) handleServicesDiscovered(ev ServicesDiscovered) {
	if !s.matches(ev.DeviceID) || s.state < StateNegotiating {
		return
	}
	if ev.Err != nil {
		s.log.Error("[BLE] service discovery failed", "device", s.current.DisplayName(), "error", ev.Err)
		return
	}
	if len(ev.Services) == 0 {
		s.log.Warn("[BLE] no services discovered", "device", s.current.DisplayName())
		return
	}
	for _, svc := range ev.Services {
		s.log.Info("[BLE] discovered service", "uuid", NormalizeUUID(svc))
		if err := s.transport.DiscoverCharacteristics(s.current.ID, svc, s.publishList); err != nil {
			s.log.Error("[BLE] discover characteristics request failed", "service", svc, "error", err)
		}
	}
}

func (s *ConnectionSession) handleCharacteristicsDiscovered(ev CharacteristicsDiscovered) {
	if !s.matches(ev.DeviceID) || s.state < StateNegotiating {
		return
	}
	if ev.Err != nil {
		s.log.Error("[BLE] characteristic discovery failed", "service", ev.Service, "error", ev.Err)
		return
	}
	if len(ev.Characteristics) == 0 {
		s.log.Warn("[BLE] no characteristics discovered", "service", NormalizeUUID(ev.Service))
		return
	}
	id := s.current.ID
	for _, c := range ev.Characteristics {
		s.log.Info("[BLE] discovered characteristic", "service", NormalizeUUID(ev.Service), "uuid", NormalizeUUID(c.UUID), "properties", c.Properties)
		if c.Properties.CanSubscribe() {
			if err := s.transport.SetNotify(id, c.UUID, true); err != nil {
				s.log.Error("[BLE] enable notifications failed", "uuid", c.UUID, "error", err)
			}
		}
		if c.Properties.CanRead() {
			if err := s.transport.ReadValue(id, c.UUID); err != nil {
				s.log.Error("[BLE] read request failed", "uuid", c.UUID, "error", err)
			}
		}
	}
}

func (s *ConnectionSession) handleNotifyStateUpdated(ev NotifyStateUpdated) {
	if !s.matches(ev.DeviceID) {
		return
	}
	if !s.publish.has(ev.Characteristic) {
		s.log.Info("[BLE] notify state for unexpected characteristic", "uuid", NormalizeUUID(ev.Characteristic))
		return
	}
	s.connecting = false
	s.log.Info("[BLE] notify state updated", "uuid", NormalizeUUID(ev.Characteristic), "notifying", ev.Enabled, "error", errorText(ev.Err))

	if s.state != StateNegotiating {
		return
	}
	if s.strictNotify && (ev.Err != nil || !ev.Enabled) {
		s.log.Warn("[BLE] notifications not enabled, staying in negotiation", "uuid", NormalizeUUID(ev.Characteristic))
		return
	}
	s.state = StateSubscribed
	s.stopWatchdog()
	s.log.Info("[BLE] subscribed", "device", s.current.DisplayName())
}

func (s *ConnectionSession) handleValueUpdated(ev ValueUpdated) {
	if !s.matches(ev.DeviceID) {
		return
	}
	channel := NormalizeUUID(ev.Characteristic)
	if ev.Err != nil {
		s.log.Warn("[BLE] value update failed", "uuid", channel, "error", ev.Err)
		return
	}
	s.log.Debug("[BLE] value updated", "uuid", channel, "bytes", ev.Value)
	if !s.publish.has(channel) {
		s.log.Info("[BLE] update for unexpected characteristic", "uuid", channel)
		return
	}
	s.bus.Publish(Message{Channel: ChannelID(channel), Payload: ev.Value})
}

func (s *ConnectionSession) handleSignalStrengthRead(ev SignalStrengthRead) {
	if !s.matches(ev.DeviceID) {
		return
	}
	if ev.Err != nil {
		s.log.Debug("[BLE] RSSI read failed", "error", ev.Err)
		return
	}
	v := ev.RSSI
	s.rssi = &v
}

func (s *ConnectionSession) startWatchdog() {
	s.stopWatchdog()
	if s.negotiationTimeout <= 0 {
		return
	}
	attempt := s.attempt
	s.cancelWatchdog = s.sched.After(s.negotiationTimeout, func() { s.onWatchdog(attempt) })
}

func (s *ConnectionSession) stopWatchdog() {
	if s.cancelWatchdog != nil {
		s.cancelWatchdog()
		s.cancelWatchdog = nil
	}
}

func (s *ConnectionSession) onWatchdog(attempt uint64) {
	if attempt != s.attempt || s.state != StateNegotiating || s.current == nil {
		return
	}
	s.cancelWatchdog = nil
	dev := *s.current
	s.log.Warn("[BLE] handshake stalled, dropping connection", "device", dev.DisplayName(), "timeout", s.negotiationTimeout)
	if err := s.transport.CancelConnection(dev.ID); err != nil {
		s.log.Warn("[BLE] cancel connection failed", "device", dev.DisplayName(), "error", err)
	}
	s.endSession()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
