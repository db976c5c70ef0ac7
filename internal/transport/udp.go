package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"sacn2mqtt/internal/packet"
)

const maxDatagram = 1500

// UDPConf describes the local socket.
type UDPConf struct {
	BindAddress string // BindAddress - local IP, empty for all interfaces.
	Port        int    // Port - local port, 0 picks an ephemeral one.
	Interface   string // Interface - multicast interface name, empty for the system default.
	Loopback    bool   // Loopback - receive our own multicast traffic.
}

// UDP is the network Transport.
type UDP struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	ifi  *net.Interface
	port int

	mu     sync.Mutex // serialises TTL changes with the write that uses them
	buf    []byte
	closed chan struct{}
	once   sync.Once
}

// NewUDP binds the socket. Bind failures are returned to the caller.
func NewUDP(cfg UDPConf) (*UDP, error) {
	var ip net.IP
	if cfg.BindAddress != "" {
		if ip = net.ParseIP(cfg.BindAddress); ip == nil {
			return nil, fmt.Errorf("transport: invalid bind address %q", cfg.BindAddress)
		}
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s:%d: %w", cfg.BindAddress, cfg.Port, err)
	}

	u := &UDP{
		conn:   conn,
		pc:     ipv4.NewPacketConn(conn),
		port:   packet.Port,
		buf:    make([]byte, maxDatagram),
		closed: make(chan struct{}),
	}
	if cfg.Interface != "" {
		if u.ifi, err = net.InterfaceByName(cfg.Interface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: interface %q: %w", cfg.Interface, err)
		}
		if err = u.pc.SetMulticastInterface(u.ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: set multicast interface: %w", err)
		}
	}
	if err = u.pc.SetMulticastLoopback(cfg.Loopback); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set multicast loopback: %w", err)
	}
	return u, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) Receive(timeout time.Duration) (Datagram, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Datagram{}, u.wrap(err)
	}
	n, src, err := u.conn.ReadFromUDP(u.buf)
	if err != nil {
		return Datagram{}, u.wrap(err)
	}
	payload := make([]byte, n)
	copy(payload, u.buf[:n])
	return Datagram{Payload: payload, Source: src}, nil
}

func (u *UDP) SendUnicast(b []byte, dest *net.UDPAddr) error {
	_, err := u.conn.WriteToUDP(b, dest)
	return u.wrap(err)
}

func (u *UDP) SendMulticast(b []byte, group net.IP, ttl int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.pc.SetMulticastTTL(ttl); err != nil {
		return u.wrap(err)
	}
	_, err := u.conn.WriteToUDP(b, &net.UDPAddr{IP: group, Port: u.port})
	return u.wrap(err)
}

func (u *UDP) SendBroadcast(b []byte) error {
	_, err := u.conn.WriteToUDP(b, &net.UDPAddr{IP: net.IPv4bcast, Port: u.port})
	return u.wrap(err)
}

func (u *UDP) JoinGroup(group net.IP) error {
	return u.wrap(u.pc.JoinGroup(u.ifi, &net.UDPAddr{IP: group}))
}

func (u *UDP) LeaveGroup(group net.IP) error {
	return u.wrap(u.pc.LeaveGroup(u.ifi, &net.UDPAddr{IP: group}))
}

func (u *UDP) Close() error {
	err := ErrClosed
	u.once.Do(func() {
		close(u.closed)
		err = u.conn.Close()
	})
	return err
}

func (u *UDP) wrap(err error) error {
	if err == nil {
		return nil
	}
	select {
	case <-u.closed:
		return ErrClosed
	default:
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}
