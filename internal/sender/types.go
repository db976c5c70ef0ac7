package sender

import (
	"net"
	"time"

	"sacn2mqtt/internal/packet"
	"sacn2mqtt/internal/transport"
)

// ChannelValue defines a universe and the value of one of its DMX channels.
type ChannelValue struct {
	Universe uint16 // Universe: sACN universe, 1-63999.
	Channel  uint16 // Channel: zero-based slot, 0-511.
	Value    uint8  // Value: channel level.
}

// Conf configures a Sender.
type Conf struct {
	CID                packet.CID
	SourceName         string
	FPS                int
	KeepAlive          time.Duration // KeepAlive - resend interval for unchanged outputs.
	Discovery          bool
	DiscoveryInterval  time.Duration
	DiscoveryMulticast bool // DiscoveryMulticast - send discovery to 239.255.250.214 instead of broadcast.
	ManualFlush        bool
}

// output is one activated universe; it only lives inside the send loop.
type output struct {
	packet   *packet.DataPacket
	mode     transport.Mode
	dest     *net.UDPAddr
	ttl      int
	dirty    bool
	lastSent time.Time
}

// state is everything the send loop owns.
type state struct {
	outputs       map[uint16]*output
	manualFlush   bool
	syncSequence  uint8
	lastDiscovery time.Time
}

type command struct {
	fn  func(st *state) error
	res chan error
}
