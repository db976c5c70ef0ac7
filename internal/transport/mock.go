package transport

import (
	"net"
	"sync"
	"time"
)

// Sent is one datagram recorded by Mock.
type Sent struct {
	Mode    Mode
	Payload []byte
	Dest    net.IP
	Port    int
	TTL     int
}

// Mock is an in-memory Transport for tests. Like UDP it refuses sends once closed.
type Mock struct {
	mu      sync.Mutex
	sent    []Sent
	groups  map[string]int
	inbox   chan Datagram
	closed  chan struct{}
	once    sync.Once
	SendErr error // returned by every send when set
}

func NewMock() *Mock {
	return &Mock{
		groups: map[string]int{},
		inbox:  make(chan Datagram, 64),
		closed: make(chan struct{}),
	}
}

// Inject queues a datagram for Receive.
func (m *Mock) Inject(b []byte) {
	m.inbox <- Datagram{Payload: b, Source: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5568}}
}

// Sent returns a copy of everything sent so far.
func (m *Mock) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sent, len(m.sent))
	copy(out, m.sent)
	return out
}

// Reset forgets recorded sends.
func (m *Mock) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

// Joined reports whether group is currently joined.
func (m *Mock) Joined(group net.IP) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[group.String()] > 0
}

func (m *Mock) Receive(timeout time.Duration) (Datagram, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-m.closed:
		return Datagram{}, ErrClosed
	case d := <-m.inbox:
		return d, nil
	case <-t.C:
		return Datagram{}, ErrTimeout
	}
}

func (m *Mock) record(s Sent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	payload := make([]byte, len(s.Payload))
	copy(payload, s.Payload)
	s.Payload = payload
	m.sent = append(m.sent, s)
	return nil
}

func (m *Mock) SendUnicast(b []byte, dest *net.UDPAddr) error {
	return m.record(Sent{Mode: Unicast, Payload: b, Dest: dest.IP, Port: dest.Port})
}

func (m *Mock) SendMulticast(b []byte, group net.IP, ttl int) error {
	return m.record(Sent{Mode: Multicast, Payload: b, Dest: group, Port: 5568, TTL: ttl})
}

func (m *Mock) SendBroadcast(b []byte) error {
	return m.record(Sent{Mode: Broadcast, Payload: b, Dest: net.IPv4bcast, Port: 5568})
}

func (m *Mock) JoinGroup(group net.IP) error {
	m.mu.Lock()
	m.groups[group.String()]++
	m.mu.Unlock()
	return nil
}

func (m *Mock) LeaveGroup(group net.IP) error {
	m.mu.Lock()
	if m.groups[group.String()] > 0 {
		m.groups[group.String()]--
	}
	m.mu.Unlock()
	return nil
}

func (m *Mock) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
