package mqtt

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/pulselink/internal/ble"
)

// Publisher is the part of Client the bridge needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, h MessageHandler) error
}

// Controller is the part of ble.Manager that commands can drive.
type Controller interface {
	StartScanning() error
	StopScanning() error
	ConnectID(id string) error
	Disconnect() error
	RequestSignalStrength() error
}

// Frame is the JSON published for each received payload.
type Frame struct {
	Channel ble.ChannelID `json:"channel"`
	Payload string        `json:"payload"` // hex
	Time    time.Time     `json:"time"`
}

// Command is the JSON accepted on the command topic.
type Command struct {
	Action string `json:"action"` // scan, stop, connect, disconnect, rssi
	ID     string `json:"id,omitempty"`
}

// Bridge mirrors manager output to MQTT and feeds commands back in.
type Bridge struct {
	pub    Publisher
	ctrl   Controller
	topics Topics
	qos    byte
	log    *slog.Logger
	now    func() time.Time
}

// NewBridge creates a bridge publishing under prefix.
func NewBridge(pub Publisher, ctrl Controller, prefix string, qos byte, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		pub:    pub,
		ctrl:   ctrl,
		topics: Topics{Prefix: prefix},
		qos:    qos,
		log:    log,
		now:    time.Now,
	}
}

// Run subscribes to the command topic and forwards frames and states until
// ctx is done or both inputs are closed.
func (b *Bridge) Run(ctx context.Context, frames <-chan ble.Message, states <-chan ble.State) error {
	if err := b.pub.Subscribe(b.topics.Command(), b.qos, b.HandleCommand); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	b.log.Info("[MQTT] bridge running", "prefix", b.topics.Prefix)

	for frames != nil || states != nil {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if err := b.publishFrame(msg); err != nil {
				b.log.Debug("[MQTT] frame not published", "channel", msg.Channel, "error", err)
			}
		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			if err := b.publishState(s); err != nil {
				b.log.Warn("[MQTT] state not published", "error", err)
			}
		}
	}
	return nil
}

func (b *Bridge) publishFrame(msg ble.Message) error {
	data, err := json.Marshal(Frame{
		Channel: msg.Channel,
		Payload: hex.EncodeToString(msg.Payload),
		Time:    b.now().UTC(),
	})
	if err != nil {
		return err
	}
	return b.pub.Publish(b.topics.Frame(msg.Channel), data, b.qos, false)
}

func (b *Bridge) publishState(s ble.State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.pub.Publish(b.topics.State(), data, b.qos, true)
}

// HandleCommand executes one command payload. It is registered as the
// command topic handler; errors are logged by the client wrapper.
func (b *Bridge) HandleCommand(topic string, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decoding command: %w", err)
	}
	b.log.Info("[MQTT] command", "action", cmd.Action, "id", cmd.ID)

	switch strings.ToLower(cmd.Action) {
	case "scan":
		return b.ctrl.StartScanning()
	case "stop":
		return b.ctrl.StopScanning()
	case "connect":
		return b.ctrl.ConnectID(cmd.ID)
	case "disconnect":
		return b.ctrl.Disconnect()
	case "rssi":
		return b.ctrl.RequestSignalStrength()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Action)
	}
}
