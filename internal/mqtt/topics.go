package mqtt

import "github.com/chaz8081/pulselink/internal/ble"

// Topics builds the topic tree under a configured prefix.
//
//	<prefix>/status            online/offline, retained, also the LWT
//	<prefix>/state             manager state JSON, retained
//	<prefix>/frames/<channel>  one message per received payload
//	<prefix>/command           inbound commands
type Topics struct {
	Prefix string
}

func (t Topics) Status() string  { return t.Prefix + "/status" }
func (t Topics) State() string   { return t.Prefix + "/state" }
func (t Topics) Command() string { return t.Prefix + "/command" }

// Frame returns the topic for a data channel.
func (t Topics) Frame(ch ble.ChannelID) string {
	return t.Prefix + "/frames/" + string(ch)
}
