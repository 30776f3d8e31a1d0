package ble

// Event is a notification produced by a Transport.
type Event interface {
	isEvent()
}

// PowerStateChanged reports a radio power transition.
type PowerStateChanged struct {
	State PowerState
}

// DeviceDiscovered reports one advertisement sighting.
type DeviceDiscovered struct {
	Device DeviceIdentity
	RSSI   int
}

// Connected reports that a connection attempt succeeded.
type Connected struct {
	DeviceID string
}

// FailedToConnect reports that a connection attempt failed.
type FailedToConnect struct {
	DeviceID string
	Err      error
}

// Disconnected reports that a connection closed. Err is nil for a clean close.
type Disconnected struct {
	DeviceID string
	Err      error
}

// ServicesDiscovered carries the result of DiscoverServices.
type ServicesDiscovered struct {
	DeviceID string
	Services []string
	Err      error
}

// CharacteristicsDiscovered carries the result of DiscoverCharacteristics.
type CharacteristicsDiscovered struct {
	DeviceID        string
	Service         string
	Characteristics []CharacteristicInfo
	Err             error
}

// ValueUpdated carries a notification, indication or read result.
type ValueUpdated struct {
	DeviceID       string
	Characteristic string
	Value          []byte
	Err            error
}

// NotifyStateUpdated carries the result of SetNotify.
type NotifyStateUpdated struct {
	DeviceID       string
	Characteristic string
	Enabled        bool
	Err            error
}

// SignalStrengthRead carries the result of ReadSignalStrength.
type SignalStrengthRead struct {
	DeviceID string
	RSSI     int
	Err      error
}

func (PowerStateChanged) isEvent()         {}
func (DeviceDiscovered) isEvent()          {}
func (Connected) isEvent()                 {}
func (FailedToConnect) isEvent()           {}
func (Disconnected) isEvent()              {}
func (ServicesDiscovered) isEvent()        {}
func (CharacteristicsDiscovered) isEvent() {}
func (ValueUpdated) isEvent()              {}
func (NotifyStateUpdated) isEvent()        {}
func (SignalStrengthRead) isEvent()        {}
