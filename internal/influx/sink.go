// Package influx records received frames and signal strength samples in
// InfluxDB.
package influx

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chaz8081/pulselink/internal/ble"
	"github.com/chaz8081/pulselink/internal/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	millisecondsPerSecond = 1000

	measurementFrame  = "ble_frame"
	measurementSignal = "ble_signal"
)

var (
	// ErrDisabled is returned by Connect when the sink is turned off.
	ErrDisabled = errors.New("influx: disabled in configuration")

	// ErrConnectionFailed is returned when the server cannot be reached.
	ErrConnectionFailed = errors.New("influx: connection failed")
)

// pointWriter is the subset of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Snapshotter reports the current link state. *ble.Manager implements it.
type Snapshotter interface {
	Snapshot() ble.State
}

// Sink turns manager output into points. Writes are batched by the client.
type Sink struct {
	client influxdb2.Client
	writer pointWriter
	source Snapshotter
	log    *slog.Logger
	now    func() time.Time

	device   string
	lastRSSI *int
}

// Connect creates a sink writing to cfg.Org/cfg.Bucket. Frames are tagged
// with the device src reports at write time; with a nil src the last device
// seen on the state stream is used.
func Connect(cfg config.InfluxDBConfig, src Snapshotter, log *slog.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if log == nil {
		log = slog.Default()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn("[INFLUX] write failed", "error", err)
		}
	}()

	s := newSink(writeAPI, src, log)
	s.client = client
	return s, nil
}

func newSink(w pointWriter, src Snapshotter, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{writer: w, source: src, log: log, now: time.Now}
}

// Run writes points until ctx is done or both inputs are closed.
func (s *Sink) Run(ctx context.Context, frames <-chan ble.Message, states <-chan ble.State) {
	s.log.Info("[INFLUX] sink running")
	for frames != nil || states != nil {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			s.writeFrame(msg)
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			s.observe(st)
		}
	}
}

// observe tracks the connected device for tagging and records RSSI changes.
func (s *Sink) observe(st ble.State) {
	s.device = ""
	if st.Connected != nil {
		s.device = st.Connected.ID
	}
	if st.SignalStrength == nil {
		s.lastRSSI = nil
		return
	}
	if s.lastRSSI != nil && *s.lastRSSI == *st.SignalStrength {
		return
	}
	rssi := *st.SignalStrength
	s.lastRSSI = &rssi
	s.writer.WritePoint(write.NewPoint(
		measurementSignal,
		map[string]string{"device_id": s.device},
		map[string]interface{}{"rssi": rssi},
		s.now(),
	))
}

// frameDevice returns the device a frame belongs to. Frames and states
// arrive on separate channels, so the state stream can lag behind a new
// connection.
func (s *Sink) frameDevice() string {
	if s.source == nil {
		return s.device
	}
	if st := s.source.Snapshot(); st.Connected != nil {
		return st.Connected.ID
	}
	return s.device
}

func (s *Sink) writeFrame(msg ble.Message) {
	s.writer.WritePoint(write.NewPoint(
		measurementFrame,
		map[string]string{
			"device_id": s.frameDevice(),
			"channel":   string(msg.Channel),
		},
		map[string]interface{}{
			"size":    len(msg.Payload),
			"payload": hex.EncodeToString(msg.Payload),
		},
		s.now(),
	))
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() error {
	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
