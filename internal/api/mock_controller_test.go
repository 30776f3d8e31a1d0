package api

import (
	"io"
	"log/slog"
	"sync"

	"github.com/chaz8081/pulselink/internal/ble"
)

type mockController struct {
	mu    sync.Mutex
	state ble.State
	calls []string
	err   error
}

func (c *mockController) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.err
}

func (c *mockController) Snapshot() ble.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *mockController) StartScanning() error         { return c.record("scan") }
func (c *mockController) StopScanning() error          { return c.record("stop") }
func (c *mockController) ConnectID(id string) error    { return c.record("connect " + id) }
func (c *mockController) Disconnect() error            { return c.record("disconnect") }
func (c *mockController) RequestSignalStrength() error { return c.record("rssi") }

func (c *mockController) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var _ Controller = (*ble.Manager)(nil)
