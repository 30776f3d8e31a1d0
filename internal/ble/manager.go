package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the Manager.
type Options struct {
	ScanServices           []string      // advertisement filter used while scanning
	DiscoverServices       []string      // services discovered after connecting
	PublishCharacteristics []string      // characteristics forwarded to the bus
	ScanTimeout            time.Duration // scan session length (default 30s)
	AutoConnect            bool          // reconnect to the cached device automatically
	ReconnectDelay         time.Duration // wait after power-on before a silent reconnect
	NegotiationTimeout     time.Duration // drop a stalled handshake; 0 disables
	RequireNotifySuccess   bool          // only a successful notify enable counts as subscribed
	SubscriptionBuffer     int           // per-subscriber queue depth
}

// DefaultOptions returns options for a standard heart-rate monitor.
func DefaultOptions() Options {
	return Options{
		ScanServices:           []string{HeartRateServiceUUID},
		DiscoverServices:       []string{HeartRateServiceUUID},
		PublishCharacteristics: []string{HeartRateMeasurementUUID},
		ScanTimeout:            DefaultScanTimeout,
		AutoConnect:            true,
		SubscriptionBuffer:     defaultSubscriptionBuffer,
	}
}

// PermissionState is the derived Bluetooth permission shown to consumers.
type PermissionState int

const (
	PermissionUnknown PermissionState = iota
	PermissionAllowed
	PermissionDenied
)

func (p PermissionState) String() string {
	switch p {
	case PermissionAllowed:
		return "allowed"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// MarshalText encodes the permission by name.
func (p PermissionState) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is a point-in-time copy of everything consumers can observe.
type State struct {
	PoweredOn       bool                 `json:"powered_on"`
	Scanning        bool                 `json:"scanning"`
	Connecting      bool                 `json:"connecting"`
	ConnectionState ConnectionState      `json:"connection_state"`
	Connected       *DeviceIdentity      `json:"connected,omitempty"`
	SignalStrength  *int                 `json:"signal_strength,omitempty"`
	Discovered      []AdvertisementEntry `json:"discovered"`
	Permission      PermissionState      `json:"permission"`
	CachedIdentity  string               `json:"cached_identity,omitempty"`
}

// Manager owns the BLE link. A single goroutine, started with Run, handles
// transport events, commands and timers in order, so none of the core state
// needs locking. Commands block until the loop has processed them.
type Manager struct {
	transport Transport
	log       *slog.Logger

	bus      *ChannelBus
	registry *DeviceRegistry
	scan     *ScanController
	session  *ConnectionSession
	policy   *ReconnectPolicy

	powered    bool
	permission PermissionState

	cmds    chan func()
	done    chan struct{}
	running atomic.Bool

	watchers    map[chan State]struct{}
	last        State
	discoverers map[chan DeviceEvent]struct{}
}

// discoveryBuffer is the queue depth of a Discoveries channel.
const discoveryBuffer = 16

// NewManager creates a Manager. The cached identity is loaded from settings;
// a malformed stored value is discarded. log may be nil.
func NewManager(t Transport, settings Settings, opts Options, log *slog.Logger) (*Manager, error) {
	m := &Manager{
		cmds: make(chan func()),
		done: make(chan struct{}),
	}
	if err := m.init(t, settings, opts, log, loopScheduler{submit: m.submit}); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) init(t Transport, settings Settings, opts Options, log *slog.Logger, sched scheduler) error {
	if t == nil {
		return errors.New("ble: transport is required")
	}
	if len(opts.PublishCharacteristics) == 0 {
		return errors.New("ble: at least one publish characteristic is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	if opts.SubscriptionBuffer <= 0 {
		opts.SubscriptionBuffer = defaultSubscriptionBuffer
	}

	m.transport = t
	m.log = log
	m.watchers = make(map[chan State]struct{})
	m.bus = NewChannelBus(opts.SubscriptionBuffer)
	m.discoverers = make(map[chan DeviceEvent]struct{})
	m.registry = NewDeviceRegistry(log, m.publishDevice)
	m.scan = newScanController(t, m.registry, sched, log, opts.ScanServices, opts.ScanTimeout)
	m.session = &ConnectionSession{
		transport:          t,
		registry:           m.registry,
		scan:               m.scan,
		bus:                m.bus,
		settings:           settings,
		sched:              sched,
		log:                log,
		services:           opts.DiscoverServices,
		publishList:        opts.PublishCharacteristics,
		publish:            newIDSet(opts.PublishCharacteristics),
		negotiationTimeout: opts.NegotiationTimeout,
		strictNotify:       opts.RequireNotifySuccess,
	}
	m.scan.attempts = m.session.attempts
	m.policy = &ReconnectPolicy{
		transport:   t,
		session:     m.session,
		scan:        m.scan,
		registry:    m.registry,
		sched:       sched,
		log:         log,
		autoConnect: opts.AutoConnect,
		delay:       opts.ReconnectDelay,
	}

	m.session.cached = loadCachedIdentity(settings, log)
	m.last = m.snapshot()
	return nil
}

// loadCachedIdentity reads the cached device ID, clearing values that are
// not valid identifiers.
func loadCachedIdentity(settings Settings, log *slog.Logger) string {
	if settings == nil {
		return ""
	}
	id, ok, err := settings.GetString(CachedIdentityKey)
	if err != nil {
		log.Warn("[BLE] failed to read cached identity", "error", err)
		return ""
	}
	if !ok || id == "" {
		return ""
	}
	if !ValidIdentifier(id) {
		log.Warn("[BLE] discarding malformed cached identity", "value", id)
		if err := settings.SetString(CachedIdentityKey, ""); err != nil {
			log.Warn("[BLE] failed to clear cached identity", "error", err)
		}
		return ""
	}
	log.Info("[BLE] cached peripheral", "id", id)
	return id
}

// Run processes events until ctx is cancelled or the transport closes its
// event stream. It may only be called once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("ble: manager already running")
	}
	defer m.shutdown()

	events := m.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				m.log.Warn("[BLE] transport event stream closed")
				return nil
			}
			m.handle(ev)
		case fn := <-m.cmds:
			fn()
		}
		m.notifyWatchers()
	}
}

func (m *Manager) shutdown() {
	m.scan.cancelTimeout()
	m.policy.cancelPending()
	m.session.stopWatchdog()
	for ch := range m.watchers {
		close(ch)
		delete(m.watchers, ch)
	}
	for ch := range m.discoverers {
		close(ch)
		delete(m.discoverers, ch)
	}
	close(m.done)
}

// Done is closed once the event loop has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// submit hands fn to the loop without waiting for it to run.
func (m *Manager) submit(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

// do runs fn on the loop and waits for it to finish.
func (m *Manager) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(finished) }:
	case <-m.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) handle(ev Event) {
	switch e := ev.(type) {
	case PowerStateChanged:
		m.powered = e.State == PowerOn
		m.permission = permissionFrom(m.transport.Authorization())
		m.log.Info("[BLE] power state", "state", e.State, "permission", m.permission)
		m.policy.OnPowerState(e.State)
	case DeviceDiscovered:
		if !m.scan.Scanning() {
			m.log.Debug("[BLE] advertisement outside scan ignored", "id", e.Device.ID)
			return
		}
		if _, isNew := m.registry.OnAdvertisement(e.Device, e.RSSI); isNew {
			m.policy.OnDiscovered(e.Device)
		}
	case Connected:
		m.session.handleConnected(e)
	case FailedToConnect:
		m.session.handleFailedToConnect(e)
	case Disconnected:
		m.session.handleDisconnected(e)
	case ServicesDiscovered:
		m.session.handleServicesDiscovered(e)
	case CharacteristicsDiscovered:
		m.session.handleCharacteristicsDiscovered(e)
	case ValueUpdated:
		m.session.handleValueUpdated(e)
	case NotifyStateUpdated:
		m.session.handleNotifyStateUpdated(e)
	case SignalStrengthRead:
		m.session.handleSignalStrengthRead(e)
	default:
		m.log.Warn("[BLE] unknown transport event", "type", fmt.Sprintf("%T", ev))
	}
}

func permissionFrom(a Authorization) PermissionState {
	if a == AuthorizationDenied {
		return PermissionDenied
	}
	return PermissionAllowed
}

// StartScanning begins a scan session.
func (m *Manager) StartScanning() error {
	var err error
	if derr := m.do(func() { err = m.scan.Start() }); derr != nil {
		return derr
	}
	return err
}

// StopScanning ends the scan session, if any.
func (m *Manager) StopScanning() error {
	return m.do(m.scan.Stop)
}

// Connect connects to dev and caches it for automatic reconnection.
func (m *Manager) Connect(dev DeviceIdentity) error {
	var err error
	if derr := m.do(func() { err = m.session.Connect(dev) }); derr != nil {
		return derr
	}
	return err
}

// ConnectID connects to a device known only by identifier. The identifier is
// resolved through the transport's known devices, then the current scan results.
func (m *Manager) ConnectID(id string) error {
	if !ValidIdentifier(id) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	var err error
	derr := m.do(func() {
		if !m.powered {
			m.log.Warn("[BLE] cannot connect, transport not powered on", "id", id)
			err = ErrTransportUnavailable
			return
		}
		dev, result := resolveKnown(m.transport, m.log, id)
		if result != LookupFound {
			entry, ok := m.registry.Lookup(id)
			if !ok {
				m.log.Error("[BLE] peripheral not found", "id", id)
				err = fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
				return
			}
			dev = entry.Device
		}
		err = m.session.Connect(dev)
	})
	if derr != nil {
		return derr
	}
	return err
}

// Disconnect closes the connection and forgets the cached device.
func (m *Manager) Disconnect() error {
	var err error
	if derr := m.do(func() { err = m.session.Disconnect() }); derr != nil {
		return derr
	}
	return err
}

// RequestSignalStrength asks for a fresh RSSI reading of the connected device.
func (m *Manager) RequestSignalStrength() error {
	var err error
	if derr := m.do(func() { err = m.session.RequestSignalStrength() }); derr != nil {
		return derr
	}
	return err
}

// Messages subscribes to payloads on the given channels.
func (m *Manager) Messages(channels ...ChannelID) *Subscription {
	return m.bus.Subscribe(channels...)
}

// Bus returns the manager's channel bus.
func (m *Manager) Bus() *ChannelBus {
	return m.bus
}

// Snapshot returns the current observable state. After the loop has exited
// it returns the last state the loop published.
func (m *Manager) Snapshot() State {
	var s State
	if err := m.do(func() { s = m.snapshot() }); err != nil {
		return m.last
	}
	return s
}

func (m *Manager) snapshot() State {
	state := m.session.State()
	if state == StateDisconnected && m.scan.Scanning() {
		state = StateScanning
	}
	return State{
		PoweredOn:       m.powered,
		Scanning:        m.scan.Scanning(),
		Connecting:      m.session.Connecting(),
		ConnectionState: state,
		Connected:       m.session.Current(),
		SignalStrength:  m.session.SignalStrength(),
		Discovered:      m.registry.Entries(),
		Permission:      m.permission,
		CachedIdentity:  m.session.Cached(),
	}
}

// Watch returns a channel that receives the latest State whenever it
// changes. Slow readers only ever see the most recent value. The stop
// function unregisters the watcher and closes the channel.
func (m *Manager) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)
	if err := m.do(func() {
		m.watchers[ch] = struct{}{}
		ch <- m.last
	}); err != nil {
		close(ch)
		return ch, func() {}
	}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = m.do(func() {
				if _, ok := m.watchers[ch]; ok {
					delete(m.watchers, ch)
					close(ch)
				}
			})
		})
	}
	return ch, stop
}

// Discoveries returns a channel that receives every advertisement recorded
// during a scan, including RSSI refreshes. A reader that falls behind loses
// the oldest events. The stop function unregisters and closes the channel.
func (m *Manager) Discoveries() (<-chan DeviceEvent, func()) {
	ch := make(chan DeviceEvent, discoveryBuffer)
	if err := m.do(func() { m.discoverers[ch] = struct{}{} }); err != nil {
		close(ch)
		return ch, func() {}
	}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = m.do(func() {
				if _, ok := m.discoverers[ch]; ok {
					delete(m.discoverers, ch)
					close(ch)
				}
			})
		})
	}
	return ch, stop
}

// publishDevice is the registry observer. It runs on the loop.
func (m *Manager) publishDevice(ev DeviceEvent) {
	for ch := range m.discoverers {
		queueDeviceEvent(ch, ev)
	}
}

// queueDeviceEvent sends ev, evicting the oldest queued event when full.
func queueDeviceEvent(ch chan DeviceEvent, ev DeviceEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (m *Manager) notifyWatchers() {
	s := m.snapshot()
	if statesEqual(s, m.last) {
		return
	}
	m.last = s
	for ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func statesEqual(a, b State) bool {
	if a.PoweredOn != b.PoweredOn || a.Scanning != b.Scanning || a.Connecting != b.Connecting ||
		a.ConnectionState != b.ConnectionState || a.Permission != b.Permission ||
		a.CachedIdentity != b.CachedIdentity {
		return false
	}
	if (a.Connected == nil) != (b.Connected == nil) || (a.Connected != nil && *a.Connected != *b.Connected) {
		return false
	}
	if (a.SignalStrength == nil) != (b.SignalStrength == nil) || (a.SignalStrength != nil && *a.SignalStrength != *b.SignalStrength) {
		return false
	}
	if len(a.Discovered) != len(b.Discovered) {
		return false
	}
	for i := range a.Discovered {
		if a.Discovered[i] != b.Discovered[i] {
			return false
		}
	}
	return true
}
