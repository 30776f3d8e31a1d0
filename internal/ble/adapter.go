// Package ble manages the Bluetooth Low Energy link to a single heart-rate
// monitor. It handles discovery, connection, the post-connect GATT handshake,
// silent reconnection to a cached device and fan-out of notification payloads
// to subscribers keyed by characteristic.
package ble

// Standard GATT UUIDs used by heart-rate monitors.
const (
	HeartRateServiceUUID     = "180D"
	HeartRateMeasurementUUID = "2A37"
	BatteryServiceUUID       = "180F"
	BatteryLevelUUID         = "2A19"
)

// PowerState mirrors the radio states reported by platform stacks.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerResetting
	PowerUnsupported
	PowerUnauthorized
	PowerOff
	PowerOn
)

func (p PowerState) String() string {
	switch p {
	case PowerResetting:
		return "resetting"
	case PowerUnsupported:
		return "unsupported"
	case PowerUnauthorized:
		return "unauthorized"
	case PowerOff:
		return "poweredOff"
	case PowerOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// Authorization is the platform's Bluetooth permission status for this process.
type Authorization int

const (
	AuthorizationUnknown Authorization = iota
	AuthorizationAllowed
	AuthorizationDenied
)

// Property is a bitmask of GATT characteristic properties.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

// CanSubscribe reports whether the characteristic supports notify or indicate.
func (p Property) CanSubscribe() bool { return p&(PropNotify|PropIndicate) != 0 }

// CanRead reports whether the characteristic supports one-shot reads.
func (p Property) CanRead() bool { return p&PropRead != 0 }

// DeviceIdentity identifies a peripheral. ID is the only equality key; Name
// is informational and may be empty.
type DeviceIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DisplayName returns Name, or ID when the peripheral has no name.
func (d DeviceIdentity) DisplayName() string {
	if d.Name == "" {
		return d.ID
	}
	return d.Name
}

// CharacteristicInfo describes a discovered characteristic.
type CharacteristicInfo struct {
	UUID       string
	Properties Property
}

// Transport abstracts the platform Bluetooth stack. Every operation is
// asynchronous: implementations return immediately and report the outcome
// later on Events(). Events must be delivered in the order the stack produced
// them.
type Transport interface {
	// Events returns the stream of asynchronous transport events.
	Events() <-chan Event
	// PowerState returns the current radio state.
	PowerState() PowerState
	// Authorization returns the platform permission status.
	Authorization() Authorization

	// StartScan begins scanning for peripherals advertising any of the services.
	StartScan(serviceFilter []string) error
	// StopScan ends an active scan.
	StopScan() error
	// IsScanning reports whether the stack is currently scanning.
	IsScanning() bool

	// Connect opens a connection to the peripheral with the given ID.
	Connect(id string) error
	// CancelConnection closes or aborts the connection to the peripheral.
	CancelConnection(id string) error
	// LookupKnownDevices resolves identifiers the stack already knows about
	// without scanning.
	LookupKnownDevices(ids []string) ([]DeviceIdentity, error)

	DiscoverServices(id string, filter []string) error
	DiscoverCharacteristics(id, service string, filter []string) error
	SetNotify(id, characteristic string, enabled bool) error
	ReadValue(id, characteristic string) error
	ReadSignalStrength(id string) error
}

// Settings is the key/value persistence the manager needs.
type Settings interface {
	// GetString returns the stored value and whether the key was present.
	GetString(key string) (string, bool, error)
	// SetString stores value under key. An empty value removes the key.
	SetString(key, value string) error
}
