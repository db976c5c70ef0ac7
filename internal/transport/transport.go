// Package transport moves sACN datagrams over UDP: unicast, multicast and
// broadcast sends plus timeout-bounded receives.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"sacn2mqtt/internal/packet"
)

var (
	ErrTimeout = errors.New("transport: receive timeout")
	ErrClosed  = errors.New("transport: closed")
)

// Mode is how a datagram is addressed.
type Mode int

const (
	Unicast Mode = iota
	Multicast
	Broadcast
)

func (m Mode) String() string {
	switch m {
	case Unicast:
		return "unicast"
	case Multicast:
		return "multicast"
	case Broadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Datagram is one received UDP payload.
type Datagram struct {
	Payload []byte
	Source  *net.UDPAddr
}

// Transport is implemented by UDP and by Mock.
type Transport interface {
	// Receive waits at most timeout for a datagram. It returns ErrTimeout when
	// nothing arrived and ErrClosed once Close was called.
	Receive(timeout time.Duration) (Datagram, error)
	SendUnicast(b []byte, dest *net.UDPAddr) error
	SendMulticast(b []byte, group net.IP, ttl int) error
	SendBroadcast(b []byte) error
	JoinGroup(group net.IP) error
	LeaveGroup(group net.IP) error
	Close() error
}

// MulticastIP returns the group 239.255.hi.lo of a universe.
func MulticastIP(universe uint16) net.IP {
	return net.IPv4(239, 255, byte(universe>>8), byte(universe))
}

// MulticastAddr returns the group address of a universe on the sACN port.
func MulticastAddr(universe uint16) *net.UDPAddr {
	return &net.UDPAddr{IP: MulticastIP(universe), Port: packet.Port}
}

// ResolveUnicast parses "host" or "host:port"; the sACN port is the default.
func ResolveUnicast(host string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, fmt.Sprint(packet.Port))
	}
	addr, err := net.ResolveUDPAddr("udp4", host)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", host, err)
	}
	return addr, nil
}
