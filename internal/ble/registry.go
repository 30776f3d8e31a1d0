package ble

import "log/slog"

// AdvertisementEntry is a device seen advertising during the current scan.
type AdvertisementEntry struct {
	Device DeviceIdentity `json:"device"`
	RSSI   int            `json:"rssi"`
}

// DeviceEventKind distinguishes first sightings from RSSI refreshes.
type DeviceEventKind int

const (
	DeviceAdded DeviceEventKind = iota
	DeviceUpdated
)

func (k DeviceEventKind) String() string {
	if k == DeviceAdded {
		return "added"
	}
	return "updated"
}

// MarshalText encodes the kind by name.
func (k DeviceEventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// DeviceEvent is emitted by the registry for every advertisement it records.
type DeviceEvent struct {
	Kind  DeviceEventKind    `json:"kind"`
	Entry AdvertisementEntry `json:"entry"`
}

// DeviceRegistry tracks advertising devices in first-seen order,
// de-duplicated by DeviceIdentity.ID. It is a cache of the current scan only.
type DeviceRegistry struct {
	entries  []AdvertisementEntry
	index    map[string]int
	observer func(DeviceEvent)
	log      *slog.Logger
}

// NewDeviceRegistry creates an empty registry. observer may be nil.
func NewDeviceRegistry(log *slog.Logger, observer func(DeviceEvent)) *DeviceRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &DeviceRegistry{
		index:    make(map[string]int),
		observer: observer,
		log:      log,
	}
}

// OnAdvertisement records a sighting. It returns the stored entry and whether
// the device was seen for the first time.
func (r *DeviceRegistry) OnAdvertisement(device DeviceIdentity, rssi int) (AdvertisementEntry, bool) {
	if i, ok := r.index[device.ID]; ok {
		r.entries[i].RSSI = rssi
		entry := r.entries[i]
		r.log.Debug("[BLE] updated RSSI", "device", entry.Device.DisplayName(), "rssi", rssi)
		r.emit(DeviceEvent{Kind: DeviceUpdated, Entry: entry})
		return entry, false
	}

	entry := AdvertisementEntry{Device: device, RSSI: rssi}
	r.index[device.ID] = len(r.entries)
	r.entries = append(r.entries, entry)
	r.log.Info("[BLE] discovered", "device", device.DisplayName(), "id", device.ID, "rssi", rssi)
	r.emit(DeviceEvent{Kind: DeviceAdded, Entry: entry})
	return entry, true
}

func (r *DeviceRegistry) emit(ev DeviceEvent) {
	if r.observer != nil {
		r.observer(ev)
	}
}

// Lookup returns the entry for id, if present.
func (r *DeviceRegistry) Lookup(id string) (AdvertisementEntry, bool) {
	i, ok := r.index[id]
	if !ok {
		return AdvertisementEntry{}, false
	}
	return r.entries[i], true
}

// Entries returns a copy of the registry in first-seen order.
func (r *DeviceRegistry) Entries() []AdvertisementEntry {
	out := make([]AdvertisementEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of distinct devices.
func (r *DeviceRegistry) Len() int {
	return len(r.entries)
}

// Clear empties the registry.
func (r *DeviceRegistry) Clear() {
	if len(r.entries) == 0 {
		return
	}
	r.entries = nil
	r.index = make(map[string]int)
}
