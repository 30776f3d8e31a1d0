package influx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chaz8081/pulselink/internal/ble"
	"github.com/chaz8081/pulselink/internal/config"
)

type mockWriter struct {
	points  []*write.Point
	flushed int
}

func (w *mockWriter) WritePoint(p *write.Point) { w.points = append(w.points, p) }
func (w *mockWriter) Flush()                    { w.flushed++ }

type fixedSnapshot struct{ state ble.State }

func (f *fixedSnapshot) Snapshot() ble.State { return f.state }

var _ Snapshotter = (*ble.Manager)(nil)

func newTestSink() (*Sink, *mockWriter) {
	w := &mockWriter{}
	s := newSink(w, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s, w
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestConnectDisabled(t *testing.T) {
	if _, err := Connect(config.InfluxDBConfig{}, nil, nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestSinkWritesFramesTaggedWithDevice(t *testing.T) {
	s, w := newTestSink()
	frames := make(chan ble.Message, 1)
	states := make(chan ble.State, 1)

	states <- ble.State{Connected: &ble.DeviceIdentity{ID: "AA:BB:CC:DD:EE:01"}}
	close(states)
	s.Run(context.Background(), nil, states)

	frames <- ble.Message{Channel: ble.HeartRateMeasurementUUID, Payload: []byte{0x00, 0x48}}
	close(frames)
	s.Run(context.Background(), frames, nil)

	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}
	p := w.points[0]
	if p.Name() != measurementFrame {
		t.Errorf("measurement = %q", p.Name())
	}
	tg := tags(p)
	if tg["device_id"] != "AA:BB:CC:DD:EE:01" || tg["channel"] != "2A37" {
		t.Errorf("tags = %v", tg)
	}
	f := fields(p)
	if f["payload"] != "0048" {
		t.Errorf("payload field = %v", f["payload"])
	}
	if size, ok := f["size"].(int64); !ok || size != 2 {
		t.Errorf("size field = %v (%T)", f["size"], f["size"])
	}
}

func TestSinkTagsFramesWithCurrentDevice(t *testing.T) {
	s, w := newTestSink()
	src := &fixedSnapshot{}
	s.source = src

	// The state stream still reports the previous device.
	s.observe(ble.State{Connected: &ble.DeviceIdentity{ID: "AA:BB:CC:DD:EE:01"}})
	src.state = ble.State{Connected: &ble.DeviceIdentity{ID: "AA:BB:CC:DD:EE:02"}}

	s.writeFrame(ble.Message{Channel: ble.HeartRateMeasurementUUID, Payload: []byte{0x00, 0x50}})
	if got := tags(w.points[0])["device_id"]; got != "AA:BB:CC:DD:EE:02" {
		t.Errorf("device_id = %q, want the device connected at write time", got)
	}

	// A frame racing a disconnect keeps the last known device.
	src.state = ble.State{}
	s.writeFrame(ble.Message{Channel: ble.HeartRateMeasurementUUID, Payload: []byte{0x00, 0x51}})
	if got := tags(w.points[1])["device_id"]; got != "AA:BB:CC:DD:EE:01" {
		t.Errorf("device_id = %q, want fallback to the state stream", got)
	}
}

func TestSinkWritesSignalChangesOnly(t *testing.T) {
	s, w := newTestSink()
	a, b := -60, -55
	dev := &ble.DeviceIdentity{ID: "AA:BB:CC:DD:EE:01"}

	s.observe(ble.State{Connected: dev})
	s.observe(ble.State{Connected: dev, SignalStrength: &a})
	s.observe(ble.State{Connected: dev, SignalStrength: &a})
	s.observe(ble.State{Connected: dev, SignalStrength: &b})
	s.observe(ble.State{})
	s.observe(ble.State{Connected: dev, SignalStrength: &b})

	if len(w.points) != 3 {
		t.Fatalf("points = %d, want 3", len(w.points))
	}
	for _, p := range w.points {
		if p.Name() != measurementSignal {
			t.Errorf("measurement = %q", p.Name())
		}
	}
	if rssi := fields(w.points[1])["rssi"]; rssi != int64(-55) {
		t.Errorf("rssi = %v", rssi)
	}
}

func TestSinkRunStopsOnContext(t *testing.T) {
	s, _ := newTestSink()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx, make(chan ble.Message), make(chan ble.State))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSinkCloseFlushes(t *testing.T) {
	s, w := newTestSink()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if w.flushed != 1 {
		t.Errorf("flushed = %d, want 1", w.flushed)
	}
}
