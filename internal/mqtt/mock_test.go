package mqtt

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/chaz8081/pulselink/internal/ble"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type mockPublisher struct {
	mu       sync.Mutex
	msgs     []published
	handlers map[string]MessageHandler
	subErr   error
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{handlers: make(map[string]MessageHandler)}
}

func (p *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic, payload, qos, retained})
	return nil
}

func (p *mockPublisher) Subscribe(topic string, qos byte, h MessageHandler) error {
	if p.subErr != nil {
		return p.subErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = h
	return nil
}

func (p *mockPublisher) published() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type mockController struct {
	calls []string
	err   error
}

func (c *mockController) record(s string) error {
	c.calls = append(c.calls, s)
	return c.err
}

func (c *mockController) StartScanning() error         { return c.record("scan") }
func (c *mockController) StopScanning() error          { return c.record("stop") }
func (c *mockController) ConnectID(id string) error    { return c.record("connect " + id) }
func (c *mockController) Disconnect() error            { return c.record("disconnect") }
func (c *mockController) RequestSignalStrength() error { return c.record("rssi") }

var errMock = errors.New("mock failure")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var _ Controller = (*ble.Manager)(nil)
