package main

import (
	"testing"
	"time"

	"github.com/chaz8081/pulselink/internal/ble"
	"github.com/chaz8081/pulselink/internal/config"
)

func TestParseHeartRate(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		bpm     int
		contact *bool
		rr      []int
		ok      bool
	}{
		{"uint8", []byte{0x00, 0x48}, 72, nil, nil, true},
		{"uint16", []byte{0x01, 0x2c, 0x01}, 300, nil, nil, true},
		{"contact detected", []byte{0x06, 0x50}, 80, boolPtr(true), nil, true},
		{"contact lost", []byte{0x04, 0x50}, 80, boolPtr(false), nil, true},
		{"rr intervals", []byte{0x10, 0x3c, 0x00, 0x04, 0x00, 0x02}, 60, nil, []int{1000, 500}, true},
		{"energy then rr", []byte{0x18, 0x3c, 0x10, 0x00, 0x00, 0x04}, 60, nil, []int{1000}, true},
		{"empty", nil, 0, nil, nil, false},
		{"truncated uint16", []byte{0x01, 0x2c}, 0, nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := parseHeartRate(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if m.BPM != tt.bpm {
				t.Errorf("BPM = %d, want %d", m.BPM, tt.bpm)
			}
			if (m.Contact == nil) != (tt.contact == nil) || (m.Contact != nil && *m.Contact != *tt.contact) {
				t.Errorf("Contact = %v, want %v", m.Contact, tt.contact)
			}
			if len(m.RRIntervals) != len(tt.rr) {
				t.Fatalf("RR = %v, want %v", m.RRIntervals, tt.rr)
			}
			for i := range tt.rr {
				if m.RRIntervals[i] != tt.rr[i] {
					t.Errorf("RR = %v, want %v", m.RRIntervals, tt.rr)
				}
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }

func TestBLEOptions(t *testing.T) {
	c := config.Default().BLE
	c.ReconnectDelay = time.Second
	c.NegotiationTimeout = 15 * time.Second
	c.RequireNotifySuccess = true

	opts := bleOptions(c)
	if opts.ScanTimeout != 30*time.Second || !opts.AutoConnect || opts.SubscriptionBuffer != 64 {
		t.Errorf("defaults not carried: %+v", opts)
	}
	if opts.ReconnectDelay != time.Second || opts.NegotiationTimeout != 15*time.Second || !opts.RequireNotifySuccess {
		t.Errorf("overrides not carried: %+v", opts)
	}
	if len(opts.PublishCharacteristics) != 1 || opts.PublishCharacteristics[0] != ble.HeartRateMeasurementUUID {
		t.Errorf("PublishCharacteristics = %v", opts.PublishCharacteristics)
	}
}

func TestPublishChannelsNormalized(t *testing.T) {
	got := publishChannels([]string{"2a37", "00002A19-0000-1000-8000-00805F9B34FB"})
	if len(got) != 2 || got[0] != "2A37" || got[1] != "2A19" {
		t.Errorf("publishChannels() = %v", got)
	}
}

func TestEnabled(t *testing.T) {
	if enabled(false, "x") != "off" || enabled(true, "x") != "x" {
		t.Error("enabled() formatting")
	}
}
