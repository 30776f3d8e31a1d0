//go:build linux || darwin

package ble

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/paypal/gatt"
	"github.com/paypal/gatt/examples/option"
)

// GattTransport adapts paypal/gatt to the Transport interface. On Linux it
// talks HCI directly and needs CAP_NET_ADMIN; device IDs are MAC addresses.
type GattTransport struct {
	device gatt.Device
	log    *slog.Logger

	events chan Event
	work   chan func()
	done   chan struct{}
	once   sync.Once

	// mu protects the fields below.
	mu       sync.Mutex
	state    gatt.State
	scanning bool
	seen     map[string]gatt.Peripheral // every peripheral advertised this process
	peers    map[string]*gattPeer       // connected
}

type gattPeer struct {
	p        gatt.Peripheral
	services map[string]*gatt.Service
	chars    map[string]*gatt.Characteristic
}

// NewGattTransport opens the default HCI device and starts watching its
// power state.
func NewGattTransport(log *slog.Logger) (*GattTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	d, err := gatt.NewDevice(option.DefaultClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("ble: open gatt device: %w", err)
	}
	t := &GattTransport{
		device: d,
		log:    log,
		events: make(chan Event, transportEventBuffer),
		work:   make(chan func(), 32),
		done:   make(chan struct{}),
		seen:   make(map[string]gatt.Peripheral),
		peers:  make(map[string]*gattPeer),
	}

	d.Handle(
		gatt.PeripheralDiscovered(t.onDiscovered),
		gatt.PeripheralConnected(t.onConnected),
		gatt.PeripheralDisconnected(t.onDisconnected),
	)
	go t.worker()

	if err := d.Init(t.onStateChanged); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("ble: init gatt device: %w", err)
	}
	return t, nil
}

// Close stops the worker and releases blocked senders.
func (t *GattTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *GattTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *GattTransport) worker() {
	for {
		select {
		case fn := <-t.work:
			fn()
		case <-t.done:
			return
		}
	}
}

func (t *GattTransport) enqueue(fn func()) error {
	select {
	case t.work <- fn:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

func (t *GattTransport) onStateChanged(_ gatt.Device, s gatt.State) {
	t.mu.Lock()
	t.state = s
	if s != gatt.StatePoweredOn {
		t.scanning = false
		t.peers = make(map[string]*gattPeer)
	}
	t.mu.Unlock()
	t.emit(PowerStateChanged{State: powerFromGatt(s)})
}

func (t *GattTransport) onDiscovered(p gatt.Peripheral, _ *gatt.Advertisement, rssi int) {
	t.mu.Lock()
	t.seen[p.ID()] = p
	t.mu.Unlock()
	t.emit(DeviceDiscovered{Device: DeviceIdentity{ID: p.ID(), Name: p.Name()}, RSSI: rssi})
}

func (t *GattTransport) onConnected(p gatt.Peripheral, err error) {
	if err != nil {
		t.emit(FailedToConnect{DeviceID: p.ID(), Err: err})
		return
	}
	t.mu.Lock()
	t.peers[p.ID()] = &gattPeer{
		p:        p,
		services: make(map[string]*gatt.Service),
		chars:    make(map[string]*gatt.Characteristic),
	}
	t.mu.Unlock()
	t.emit(Connected{DeviceID: p.ID()})
}

func (t *GattTransport) onDisconnected(p gatt.Peripheral, err error) {
	t.mu.Lock()
	delete(t.peers, p.ID())
	t.mu.Unlock()
	t.emit(Disconnected{DeviceID: p.ID(), Err: err})
}

func powerFromGatt(s gatt.State) PowerState {
	switch s {
	case gatt.StateResetting:
		return PowerResetting
	case gatt.StateUnsupported:
		return PowerUnsupported
	case gatt.StateUnauthorized:
		return PowerUnauthorized
	case gatt.StatePoweredOff:
		return PowerOff
	case gatt.StatePoweredOn:
		return PowerOn
	default:
		return PowerUnknown
	}
}

func (t *GattTransport) Events() <-chan Event { return t.events }

func (t *GattTransport) PowerState() PowerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return powerFromGatt(t.state)
}

func (t *GattTransport) Authorization() Authorization {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == gatt.StateUnauthorized {
		return AuthorizationDenied
	}
	return AuthorizationAllowed
}

func (t *GattTransport) IsScanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning
}

func (t *GattTransport) StartScan(serviceFilter []string) error {
	uuids, err := parseGattUUIDs(serviceFilter)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.scanning = true
	t.mu.Unlock()
	// Duplicates are needed so repeated advertisements refresh RSSI.
	t.device.Scan(uuids, true)
	return nil
}

func (t *GattTransport) StopScan() error {
	t.mu.Lock()
	t.scanning = false
	t.mu.Unlock()
	t.device.StopScanning()
	return nil
}

func (t *GattTransport) Connect(id string) error {
	t.mu.Lock()
	p, ok := t.seen[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	t.device.Connect(p)
	return nil
}

func (t *GattTransport) CancelConnection(id string) error {
	t.mu.Lock()
	p, ok := t.seen[id]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	t.device.CancelConnection(p)
	return nil
}

// LookupKnownDevices resolves identifiers against peripherals advertised
// earlier in this process. HCI keeps no persistent device list.
func (t *GattTransport) LookupKnownDevices(ids []string) ([]DeviceIdentity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []DeviceIdentity
	for _, id := range ids {
		if p, ok := t.seen[id]; ok {
			out = append(out, DeviceIdentity{ID: p.ID(), Name: p.Name()})
		}
	}
	return out, nil
}

func (t *GattTransport) peer(id string) (*gattPeer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return p, nil
}

func (t *GattTransport) DiscoverServices(id string, filter []string) error {
	peer, err := t.peer(id)
	if err != nil {
		return err
	}
	uuids, err := parseGattUUIDs(filter)
	if err != nil {
		return err
	}
	return t.enqueue(func() {
		svcs, err := peer.p.DiscoverServices(uuids)
		if err != nil {
			t.emit(ServicesDiscovered{DeviceID: id, Err: fmt.Errorf("ble: discover services: %w", err)})
			return
		}
		names := make([]string, 0, len(svcs))
		t.mu.Lock()
		for _, s := range svcs {
			key := NormalizeUUID(s.UUID().String())
			peer.services[key] = s
			names = append(names, key)
		}
		t.mu.Unlock()
		t.emit(ServicesDiscovered{DeviceID: id, Services: names})
	})
}

func (t *GattTransport) DiscoverCharacteristics(id, service string, filter []string) error {
	peer, err := t.peer(id)
	if err != nil {
		return err
	}
	uuids, err := parseGattUUIDs(filter)
	if err != nil {
		return err
	}
	key := NormalizeUUID(service)
	t.mu.Lock()
	svc, ok := peer.services[key]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: service %s not discovered", key)
	}
	return t.enqueue(func() {
		chars, err := peer.p.DiscoverCharacteristics(uuids, svc)
		if err != nil {
			t.emit(CharacteristicsDiscovered{DeviceID: id, Service: key, Err: fmt.Errorf("ble: discover characteristics: %w", err)})
			return
		}
		infos := make([]CharacteristicInfo, 0, len(chars))
		for _, c := range chars {
			// Descriptors must be known before the CCCD can be written.
			if _, err := peer.p.DiscoverDescriptors(nil, c); err != nil {
				t.log.Warn("[BLE] discover descriptors failed", "uuid", c.UUID().String(), "error", err)
			}
			ck := NormalizeUUID(c.UUID().String())
			t.mu.Lock()
			peer.chars[ck] = c
			t.mu.Unlock()
			infos = append(infos, CharacteristicInfo{UUID: ck, Properties: propsFromGatt(c.Properties())})
		}
		t.emit(CharacteristicsDiscovered{DeviceID: id, Service: key, Characteristics: infos})
	})
}

func propsFromGatt(p gatt.Property) Property {
	var out Property
	if p&gatt.CharRead != 0 {
		out |= PropRead
	}
	if p&gatt.CharWriteNR != 0 {
		out |= PropWriteWithoutResponse
	}
	if p&gatt.CharWrite != 0 {
		out |= PropWrite
	}
	if p&gatt.CharNotify != 0 {
		out |= PropNotify
	}
	if p&gatt.CharIndicate != 0 {
		out |= PropIndicate
	}
	return out
}

func (t *GattTransport) characteristic(id, uuid string) (*gattPeer, *gatt.Characteristic, error) {
	peer, err := t.peer(id)
	if err != nil {
		return nil, nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := peer.chars[NormalizeUUID(uuid)]
	if !ok {
		return nil, nil, fmt.Errorf("ble: characteristic %s not discovered", uuid)
	}
	return peer, c, nil
}

func (t *GattTransport) SetNotify(id, characteristic string, enabled bool) error {
	peer, c, err := t.characteristic(id, characteristic)
	if err != nil {
		return err
	}
	key := NormalizeUUID(characteristic)
	return t.enqueue(func() {
		var f func(*gatt.Characteristic, []byte, error)
		if enabled {
			f = func(_ *gatt.Characteristic, b []byte, err error) {
				value := make([]byte, len(b))
				copy(value, b)
				t.emit(ValueUpdated{DeviceID: id, Characteristic: key, Value: value, Err: err})
			}
		}
		var err error
		if c.Properties()&gatt.CharNotify == 0 && c.Properties()&gatt.CharIndicate != 0 {
			err = peer.p.SetIndicateValue(c, f)
		} else {
			err = peer.p.SetNotifyValue(c, f)
		}
		t.emit(NotifyStateUpdated{DeviceID: id, Characteristic: key, Enabled: enabled && err == nil, Err: err})
	})
}

func (t *GattTransport) ReadValue(id, characteristic string) error {
	peer, c, err := t.characteristic(id, characteristic)
	if err != nil {
		return err
	}
	key := NormalizeUUID(characteristic)
	return t.enqueue(func() {
		b, err := peer.p.ReadCharacteristic(c)
		t.emit(ValueUpdated{DeviceID: id, Characteristic: key, Value: b, Err: err})
	})
}

func (t *GattTransport) ReadSignalStrength(id string) error {
	peer, err := t.peer(id)
	if err != nil {
		return err
	}
	return t.enqueue(func() {
		t.emit(SignalStrengthRead{DeviceID: id, RSSI: peer.p.ReadRSSI()})
	})
}

func parseGattUUIDs(ids []string) ([]gatt.UUID, error) {
	out := make([]gatt.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := gatt.ParseUUID(strings.ReplaceAll(NormalizeUUID(id), "-", ""))
		if err != nil {
			return nil, fmt.Errorf("ble: parse UUID %q: %w", id, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// Compile-time check that GattTransport implements Transport.
var _ Transport = (*GattTransport)(nil)
