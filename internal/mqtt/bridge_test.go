package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/pulselink/internal/ble"
)

func TestTopics(t *testing.T) {
	tp := Topics{Prefix: "gym/hr"}
	tests := []struct{ got, want string }{
		{tp.Status(), "gym/hr/status"},
		{tp.State(), "gym/hr/state"},
		{tp.Command(), "gym/hr/command"},
		{tp.Frame(ble.HeartRateMeasurementUUID), "gym/hr/frames/2A37"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestBridgeForwardsFramesAndState(t *testing.T) {
	pub := newMockPublisher()
	b := NewBridge(pub, &mockController{}, "pulselink", 1, discardLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	frames := make(chan ble.Message, 1)
	states := make(chan ble.State, 1)
	frames <- ble.Message{Channel: ble.HeartRateMeasurementUUID, Payload: []byte{0x00, 0x48}}
	states <- ble.State{PoweredOn: true, Scanning: true}
	close(frames)
	close(states)

	if err := b.Run(context.Background(), frames, states); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := pub.handlers["pulselink/command"]; !ok {
		t.Error("command topic not subscribed")
	}

	msgs := pub.published()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		switch m.topic {
		case "pulselink/frames/2A37":
			var f Frame
			if err := json.Unmarshal(m.payload, &f); err != nil {
				t.Fatal(err)
			}
			if f.Payload != "0048" || !f.Time.Equal(fixed) || m.retained {
				t.Errorf("frame = %+v retained=%v", f, m.retained)
			}
		case "pulselink/state":
			if !m.retained || m.qos != 1 {
				t.Errorf("state published retained=%v qos=%d", m.retained, m.qos)
			}
			var s map[string]any
			if err := json.Unmarshal(m.payload, &s); err != nil {
				t.Fatal(err)
			}
			if s["scanning"] != true || s["powered_on"] != true {
				t.Errorf("state payload = %s", m.payload)
			}
		default:
			t.Errorf("unexpected topic %q", m.topic)
		}
	}
}

func TestBridgeRunStopsOnContext(t *testing.T) {
	b := NewBridge(newMockPublisher(), &mockController{}, "p", 0, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Run(ctx, make(chan ble.Message), make(chan ble.State)); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestBridgeRunSubscribeFailure(t *testing.T) {
	pub := newMockPublisher()
	pub.subErr = ErrNotConnected
	b := NewBridge(pub, &mockController{}, "p", 0, discardLogger())
	if err := b.Run(context.Background(), nil, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Run() error = %v, want ErrNotConnected", err)
	}
}

func TestHandleCommand(t *testing.T) {
	tests := []struct {
		payload string
		want    string
		wantErr error
	}{
		{`{"action":"scan"}`, "scan", nil},
		{`{"action":"STOP"}`, "stop", nil},
		{`{"action":"connect","id":"AA:BB:CC:DD:EE:01"}`, "connect AA:BB:CC:DD:EE:01", nil},
		{`{"action":"disconnect"}`, "disconnect", nil},
		{`{"action":"rssi"}`, "rssi", nil},
		{`{"action":"pair"}`, "", ErrUnknownCommand},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			ctrl := &mockController{}
			b := NewBridge(newMockPublisher(), ctrl, "p", 0, discardLogger())
			err := b.HandleCommand("p/command", []byte(tt.payload))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("HandleCommand() error = %v, want %v", err, tt.wantErr)
			}
			if tt.want == "" {
				if len(ctrl.calls) != 0 {
					t.Errorf("calls = %v, want none", ctrl.calls)
				}
				return
			}
			if len(ctrl.calls) != 1 || ctrl.calls[0] != tt.want {
				t.Errorf("calls = %v, want [%s]", ctrl.calls, tt.want)
			}
		})
	}
}

func TestHandleCommandErrors(t *testing.T) {
	ctrl := &mockController{err: errMock}
	b := NewBridge(newMockPublisher(), ctrl, "p", 0, discardLogger())
	if err := b.HandleCommand("p/command", []byte(`{"action":"scan"}`)); !errors.Is(err, errMock) {
		t.Errorf("controller error not returned: %v", err)
	}
	if err := b.HandleCommand("p/command", []byte(`not json`)); err == nil {
		t.Error("malformed payload should fail")
	}
}
