//go:build linux

package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"
)

// BlueZ queries the BlueZ daemon over the system D-Bus. It implements
// PlatformHost for the tinygo transport.
type BlueZ struct {
	conn *dbus.Conn
	log  *slog.Logger
}

// NewBlueZ connects to the system bus.
func NewBlueZ(log *slog.Logger) (*BlueZ, error) {
	if log == nil {
		log = slog.Default()
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect system bus: %w", err)
	}
	return &BlueZ{conn: c, log: log}, nil
}

// Close releases the bus connection.
func (b *BlueZ) Close() error {
	return b.conn.Close()
}

func (b *BlueZ) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := b.conn.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("ble: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("ble: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// KnownDevices returns the devices BlueZ already has objects for whose
// address matches one of ids. Matching ignores case.
func (b *BlueZ) KnownDevices(ids []string) ([]DeviceIdentity, error) {
	objs, err := b.managedObjects()
	if err != nil {
		return nil, err
	}
	var out []DeviceIdentity
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		dev := identityFromProps(path, props)
		for _, id := range ids {
			if strings.EqualFold(dev.ID, id) {
				dev.ID = id
				out = append(out, dev)
				break
			}
		}
	}
	return out, nil
}

// Powered reports whether the first adapter BlueZ knows about is powered.
func (b *BlueZ) Powered() (bool, error) {
	objs, err := b.managedObjects()
	if err != nil {
		return false, err
	}
	for _, ifaces := range objs {
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		on, _ := props["Powered"].Value().(bool)
		return on, nil
	}
	return false, fmt.Errorf("ble: no bluetooth adapter found")
}

// WatchPower calls fn with the adapter's power state whenever BlueZ reports
// a change, until ctx is done.
func (b *BlueZ) WatchPower(ctx context.Context, fn func(on bool)) error {
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, adapterIface),
	}
	if err := b.conn.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("ble: AddMatchSignal: %w", err)
	}
	defer func() { _ = b.conn.RemoveMatchSignal(match...) }()

	sigCh := make(chan *dbus.Signal, 16)
	b.conn.Signal(sigCh)
	defer b.conn.RemoveSignal(sigCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-sigCh:
			if !ok {
				return fmt.Errorf("ble: D-Bus signal channel closed")
			}
			if on, ok := poweredFromSignal(sig); ok {
				b.log.Info("[BLE] adapter power changed", "powered", on)
				fn(on)
			}
		}
	}
}

// poweredFromSignal extracts Adapter1.Powered from a PropertiesChanged signal.
func poweredFromSignal(sig *dbus.Signal) (bool, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return false, false
	}
	iface, _ := sig.Body[0].(string)
	if iface != adapterIface {
		return false, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, ok := changed["Powered"]
	if !ok {
		return false, false
	}
	on, ok := v.Value().(bool)
	return on, ok
}

func identityFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) DeviceIdentity {
	var addr, name string
	if v, ok := props["Address"]; ok {
		addr, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if name == "" {
		if v, ok := props["Alias"]; ok {
			name, _ = v.Value().(string)
		}
	}
	if addr == "" {
		addr = macFromPath(path)
	}
	return DeviceIdentity{ID: addr, Name: name}
}

// macFromPath recovers the address from a .../dev_XX_XX_XX_XX_XX_XX path.
func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

var _ PlatformHost = (*BlueZ)(nil)
