//go:build !linux && !darwin

package ble

import (
	"errors"
	"log/slog"
)

// GattTransport is only available on Linux and macOS.
type GattTransport struct{ Transport }

// NewGattTransport reports that the HCI transport is unsupported here.
func NewGattTransport(_ *slog.Logger) (*GattTransport, error) {
	return nil, errors.New("ble: gatt transport requires linux or darwin")
}

// Close is a no-op.
func (t *GattTransport) Close() error { return nil }
