package ble

import "errors"

// Errors returned by Manager commands. State is left unchanged whenever one
// of these is returned.
var (
	// ErrTransportUnavailable is returned when the radio is not powered on.
	ErrTransportUnavailable = errors.New("ble: transport not powered on")

	// ErrNotConnected is returned by commands that need a live connection.
	ErrNotConnected = errors.New("ble: no connected peripheral")

	// ErrAlreadyConnected is returned when a session is already live.
	ErrAlreadyConnected = errors.New("ble: a peripheral is already connected")

	// ErrDeviceNotFound is returned when an identifier cannot be resolved.
	ErrDeviceNotFound = errors.New("ble: peripheral not found")

	// ErrInvalidIdentifier is returned for identifiers that are neither a UUID nor a MAC.
	ErrInvalidIdentifier = errors.New("ble: invalid peripheral identifier")

	// ErrClosed is returned once the manager's event loop has stopped.
	ErrClosed = errors.New("ble: manager closed")
)
