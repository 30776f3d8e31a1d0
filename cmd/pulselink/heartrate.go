package main

import "encoding/binary"

// HeartRate is a decoded Heart Rate Measurement (0x2A37) value.
type HeartRate struct {
	BPM         int
	Contact     *bool // nil when the sensor does not report skin contact
	EnergyKJ    *int
	RRIntervals []int // milliseconds
}

const (
	hrFlagUint16    = 1 << 0
	hrFlagContact   = 1 << 1
	hrFlagSupport   = 1 << 2
	hrFlagEnergy    = 1 << 3
	hrFlagRRPresent = 1 << 4
)

// parseHeartRate decodes a measurement. It reports false for truncated input.
func parseHeartRate(b []byte) (HeartRate, bool) {
	var m HeartRate
	if len(b) < 2 {
		return m, false
	}
	flags := b[0]
	i := 1

	if flags&hrFlagUint16 != 0 {
		if len(b) < i+2 {
			return m, false
		}
		m.BPM = int(binary.LittleEndian.Uint16(b[i:]))
		i += 2
	} else {
		m.BPM = int(b[i])
		i++
	}

	if flags&hrFlagSupport != 0 {
		c := flags&hrFlagContact != 0
		m.Contact = &c
	}

	if flags&hrFlagEnergy != 0 {
		if len(b) < i+2 {
			return m, false
		}
		e := int(binary.LittleEndian.Uint16(b[i:]))
		m.EnergyKJ = &e
		i += 2
	}

	if flags&hrFlagRRPresent != 0 {
		for ; i+1 < len(b); i += 2 {
			// RR intervals are in 1/1024 s.
			rr := int(binary.LittleEndian.Uint16(b[i:]))
			m.RRIntervals = append(m.RRIntervals, rr*1000/1024)
		}
	}
	return m, true
}
