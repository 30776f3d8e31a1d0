package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

const transportEventBuffer = 256

// scanStopWait bounds how long a scan restart waits for the previous scan
// to return.
const scanStopWait = 5 * time.Second

// scanRadio is the part of *bluetooth.Adapter that runs scans.
type scanRadio interface {
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// PlatformHost fills gaps in tinygo's portable API: power changes after
// Enable and the system's list of already known peripherals.
type PlatformHost interface {
	KnownDevices(ids []string) ([]DeviceIdentity, error)
	WatchPower(ctx context.Context, fn func(on bool)) error
}

// TinyGoTransport adapts tinygo-org/bluetooth (CoreBluetooth on macOS, BlueZ
// on Linux) to the Transport interface. Device IDs are whatever the stack's
// Address.String() yields: a CoreBluetooth UUID on macOS, a MAC on Linux.
//
// tinygo does not expose characteristic properties on every platform, so
// every discovered characteristic is reported as notifiable and readable.
// Operations the peripheral does not support fail through the event's Err.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter
	radio   scanRadio
	log     *slog.Logger
	host    PlatformHost

	events chan Event
	work   chan func()
	done   chan struct{}
	once   sync.Once

	// mu protects the fields below.
	mu       sync.Mutex
	power    PowerState
	scanning bool
	scanDone chan struct{} // closed when the running Scan call returns
	peers    map[string]*tinygoPeer
	pending  map[string]bool // connect in flight; false once cancelled
}

type tinygoPeer struct {
	device   bluetooth.Device
	services map[string]bluetooth.DeviceService
	chars    map[string]bluetooth.DeviceCharacteristic
}

// NewTinyGoTransport creates a transport on bluetooth.DefaultAdapter. Call
// Enable before use.
func NewTinyGoTransport(log *slog.Logger) *TinyGoTransport {
	if log == nil {
		log = slog.Default()
	}
	t := &TinyGoTransport{
		adapter: bluetooth.DefaultAdapter,
		radio:   bluetooth.DefaultAdapter,
		log:     log,
		events:  make(chan Event, transportEventBuffer),
		work:    make(chan func(), 32),
		done:    make(chan struct{}),
		peers:   make(map[string]*tinygoPeer),
		pending: make(map[string]bool),
	}
	go t.worker()
	return t
}

// Enable powers up the adapter and reports the resulting power state.
func (t *TinyGoTransport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		t.setPower(PowerUnsupported)
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo reports disconnects through the adapter-level handler with
	// connected=false. Connects are reported from Connect itself.
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		t.mu.Lock()
		_, ok := t.peers[id]
		delete(t.peers, id)
		t.mu.Unlock()
		if ok {
			t.emit(Disconnected{DeviceID: id})
		}
	})

	t.setPower(PowerOn)
	return nil
}

// UseHost attaches a platform host. Power changes it reports are forwarded
// as PowerStateChanged events until ctx is cancelled.
func (t *TinyGoTransport) UseHost(ctx context.Context, h PlatformHost) {
	t.mu.Lock()
	t.host = h
	t.mu.Unlock()
	go func() {
		err := h.WatchPower(ctx, func(on bool) {
			if on {
				t.setPower(PowerOn)
				return
			}
			t.mu.Lock()
			t.scanning = false
			t.peers = make(map[string]*tinygoPeer)
			t.mu.Unlock()
			t.setPower(PowerOff)
		})
		if err != nil && ctx.Err() == nil {
			t.log.Warn("[BLE] power watch stopped", "error", err)
		}
	}()
}

// Close stops the worker and releases blocked senders.
func (t *TinyGoTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *TinyGoTransport) setPower(p PowerState) {
	t.mu.Lock()
	changed := t.power != p
	t.power = p
	t.mu.Unlock()
	if changed {
		t.emit(PowerStateChanged{State: p})
	}
}

func (t *TinyGoTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// worker runs queued GATT operations one at a time so their events keep
// the order the operations were issued in.
func (t *TinyGoTransport) worker() {
	for {
		select {
		case fn := <-t.work:
			fn()
		case <-t.done:
			return
		}
	}
}

func (t *TinyGoTransport) enqueue(fn func()) error {
	select {
	case t.work <- fn:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

func (t *TinyGoTransport) Events() <-chan Event { return t.events }

func (t *TinyGoTransport) PowerState() PowerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.power
}

// Authorization is always allowed: tinygo surfaces a denied permission as an
// Enable failure instead.
func (t *TinyGoTransport) Authorization() Authorization { return AuthorizationAllowed }

func (t *TinyGoTransport) IsScanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning
}

func (t *TinyGoTransport) StartScan(serviceFilter []string) error {
	filter, err := parseTinyGoUUIDs(serviceFilter)
	if err != nil {
		return err
	}

	t.mu.Lock()
	restart := t.scanning
	prev := t.scanDone
	t.mu.Unlock()

	// A restart replaces the running scan. The stack refuses a second scan
	// until the first Scan call has returned.
	if restart {
		if err := t.radio.StopScan(); err != nil {
			t.log.Debug("[BLE] stop scan before restart", "error", err)
		}
	}
	if prev != nil {
		select {
		case <-prev:
		case <-time.After(scanStopWait):
			return errors.New("ble: start scan: previous scan did not stop")
		}
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.scanning = true
	t.scanDone = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		err := t.radio.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !matchesAny(result, filter) {
				return
			}
			t.emit(DeviceDiscovered{
				Device: DeviceIdentity{ID: result.Address.String(), Name: result.LocalName()},
				RSSI:   int(result.RSSI),
			})
		})
		t.mu.Lock()
		if t.scanDone == done {
			t.scanning = false
		}
		t.mu.Unlock()
		if err != nil {
			t.log.Warn("[BLE] scan ended with error", "error", err)
		}
	}()
	return nil
}

func matchesAny(result bluetooth.ScanResult, filter []bluetooth.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range filter {
		if result.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

func (t *TinyGoTransport) StopScan() error {
	t.mu.Lock()
	scanning := t.scanning
	t.scanning = false
	t.mu.Unlock()
	if !scanning {
		return nil
	}
	if err := t.radio.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

func (t *TinyGoTransport) Connect(id string) error {
	var addr bluetooth.Address
	addr.Set(id)

	t.mu.Lock()
	if _, ok := t.pending[id]; ok {
		t.mu.Unlock()
		return fmt.Errorf("ble: connect to %s already in progress", id)
	}
	t.pending[id] = true
	t.mu.Unlock()

	// Connect blocks with the stack's own timeout; it cannot be aborted.
	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})

		t.mu.Lock()
		wanted := t.pending[id]
		delete(t.pending, id)
		if err == nil && wanted {
			t.peers[id] = &tinygoPeer{
				device:   device,
				services: make(map[string]bluetooth.DeviceService),
				chars:    make(map[string]bluetooth.DeviceCharacteristic),
			}
		}
		t.mu.Unlock()

		switch {
		case err != nil:
			t.emit(FailedToConnect{DeviceID: id, Err: err})
		case !wanted:
			t.log.Info("[BLE] connect completed after cancel, dropping", "id", id)
			_ = device.Disconnect()
		default:
			t.emit(Connected{DeviceID: id})
		}
	}()
	return nil
}

func (t *TinyGoTransport) CancelConnection(id string) error {
	t.mu.Lock()
	if _, ok := t.pending[id]; ok {
		t.pending[id] = false
	}
	peer, ok := t.peers[id]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.enqueue(func() {
		if err := peer.device.Disconnect(); err != nil {
			t.log.Warn("[BLE] disconnect failed", "id", id, "error", err)
		}
	})
}

// LookupKnownDevices asks the platform host, when one is attached. tinygo
// itself has no API for retrieving peripherals the system already knows.
func (t *TinyGoTransport) LookupKnownDevices(ids []string) ([]DeviceIdentity, error) {
	t.mu.Lock()
	h := t.host
	t.mu.Unlock()
	if h == nil {
		return nil, nil
	}
	return h.KnownDevices(ids)
}

func (t *TinyGoTransport) peer(id string) (*tinygoPeer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return p, nil
}

func (t *TinyGoTransport) DiscoverServices(id string, filter []string) error {
	p, err := t.peer(id)
	if err != nil {
		return err
	}
	uuids, err := parseTinyGoUUIDs(filter)
	if err != nil {
		return err
	}
	return t.enqueue(func() {
		svcs, err := p.device.DiscoverServices(uuids)
		if err != nil {
			t.emit(ServicesDiscovered{DeviceID: id, Err: fmt.Errorf("ble: discover services: %w", err)})
			return
		}
		names := make([]string, 0, len(svcs))
		t.mu.Lock()
		for _, s := range svcs {
			key := NormalizeUUID(s.UUID().String())
			p.services[key] = s
			names = append(names, key)
		}
		t.mu.Unlock()
		t.emit(ServicesDiscovered{DeviceID: id, Services: names})
	})
}

func (t *TinyGoTransport) DiscoverCharacteristics(id, service string, filter []string) error {
	p, err := t.peer(id)
	if err != nil {
		return err
	}
	uuids, err := parseTinyGoUUIDs(filter)
	if err != nil {
		return err
	}
	key := NormalizeUUID(service)
	t.mu.Lock()
	svc, ok := p.services[key]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: service %s not discovered", key)
	}
	return t.enqueue(func() {
		chars, err := svc.DiscoverCharacteristics(uuids)
		if err != nil {
			t.emit(CharacteristicsDiscovered{DeviceID: id, Service: key, Err: fmt.Errorf("ble: discover characteristics: %w", err)})
			return
		}
		infos := make([]CharacteristicInfo, 0, len(chars))
		t.mu.Lock()
		for _, c := range chars {
			ck := NormalizeUUID(c.UUID().String())
			p.chars[ck] = c
			infos = append(infos, CharacteristicInfo{UUID: ck, Properties: PropNotify | PropRead})
		}
		t.mu.Unlock()
		t.emit(CharacteristicsDiscovered{DeviceID: id, Service: key, Characteristics: infos})
	})
}

func (t *TinyGoTransport) characteristic(id, uuid string) (bluetooth.DeviceCharacteristic, error) {
	p, err := t.peer(id)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := p.chars[NormalizeUUID(uuid)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not discovered", uuid)
	}
	return c, nil
}

func (t *TinyGoTransport) SetNotify(id, characteristic string, enabled bool) error {
	c, err := t.characteristic(id, characteristic)
	if err != nil {
		return err
	}
	key := NormalizeUUID(characteristic)
	return t.enqueue(func() {
		var cb func([]byte)
		if enabled {
			cb = func(buf []byte) {
				value := make([]byte, len(buf))
				copy(value, buf)
				t.emit(ValueUpdated{DeviceID: id, Characteristic: key, Value: value})
			}
		}
		err := c.EnableNotifications(cb)
		t.emit(NotifyStateUpdated{DeviceID: id, Characteristic: key, Enabled: enabled && err == nil, Err: err})
	})
}

func (t *TinyGoTransport) ReadValue(id, characteristic string) error {
	c, err := t.characteristic(id, characteristic)
	if err != nil {
		return err
	}
	key := NormalizeUUID(characteristic)
	return t.enqueue(func() {
		buf := make([]byte, 512)
		n, err := c.Read(buf)
		if err != nil {
			t.emit(ValueUpdated{DeviceID: id, Characteristic: key, Err: err})
			return
		}
		t.emit(ValueUpdated{DeviceID: id, Characteristic: key, Value: buf[:n]})
	})
}

// ReadSignalStrength is not available for connected peripherals through tinygo.
func (t *TinyGoTransport) ReadSignalStrength(_ string) error {
	return fmt.Errorf("ble: read RSSI: %w", errors.ErrUnsupported)
}

func parseTinyGoUUIDs(ids []string) ([]bluetooth.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]bluetooth.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := bluetooth.ParseUUID(ExpandUUID(id))
		if err != nil {
			return nil, fmt.Errorf("ble: parse UUID %q: %w", id, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// Compile-time check that TinyGoTransport implements Transport.
var _ Transport = (*TinyGoTransport)(nil)
