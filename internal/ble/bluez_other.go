//go:build !linux

package ble

import (
	"context"
	"errors"
	"log/slog"
)

var errNoBlueZ = errors.New("ble: BlueZ is only available on linux")

// BlueZ is unavailable off Linux.
type BlueZ struct{}

// NewBlueZ always fails on this platform.
func NewBlueZ(_ *slog.Logger) (*BlueZ, error) { return nil, errNoBlueZ }

func (b *BlueZ) Close() error { return nil }

func (b *BlueZ) Powered() (bool, error) { return false, errNoBlueZ }

func (b *BlueZ) KnownDevices(_ []string) ([]DeviceIdentity, error) { return nil, errNoBlueZ }

func (b *BlueZ) WatchPower(_ context.Context, _ func(on bool)) error { return errNoBlueZ }
