package ble

import (
	"net"
	"strings"

	"github.com/google/uuid"
)

// baseUUIDSuffix is the tail shared by every SIG-assigned 16-bit UUID.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// ChannelID identifies a payload stream. It is a normalized characteristic UUID.
type ChannelID string

// NormalizeUUID returns the canonical form used for comparisons: SIG-assigned
// UUIDs collapse to four uppercase hex digits ("2A37"), everything else is the
// lowercase hyphenated 128-bit form. Unparseable input is returned trimmed.
func NormalizeUUID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) == 4 && isHex(s) {
		return strings.ToUpper(s)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return s
	}
	full := u.String()
	if strings.HasPrefix(full, "0000") && strings.HasSuffix(full, baseUUIDSuffix) {
		return strings.ToUpper(full[4:8])
	}
	return full
}

// ExpandUUID returns the lowercase 128-bit form of a UUID, expanding 16-bit
// SIG short forms against the Bluetooth base UUID.
func ExpandUUID(s string) string {
	n := NormalizeUUID(s)
	if len(n) == 4 {
		return "0000" + strings.ToLower(n) + baseUUIDSuffix
	}
	return n
}

// ValidIdentifier reports whether s is a syntactically valid peripheral
// identifier: a UUID (CoreBluetooth) or a 48-bit MAC address (BlueZ, HCI).
func ValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	if _, err := uuid.Parse(s); err == nil {
		return true
	}
	hw, err := net.ParseMAC(s)
	return err == nil && len(hw) == 6
}

// idSet is a set of normalized UUIDs.
type idSet map[string]struct{}

func newIDSet(ids []string) idSet {
	set := make(idSet, len(ids))
	for _, id := range ids {
		set[NormalizeUUID(id)] = struct{}{}
	}
	return set
}

func (s idSet) has(id string) bool {
	_, ok := s[NormalizeUUID(id)]
	return ok
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
