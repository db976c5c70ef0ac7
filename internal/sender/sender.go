// Package sender schedules outbound sACN: per-universe outputs, a fixed-rate
// send loop, universe discovery and synchronized flushes.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"sacn2mqtt/internal/logger"
	"sacn2mqtt/internal/metrics"
	"sacn2mqtt/internal/packet"
	"sacn2mqtt/internal/transport"
)

const (
	DefaultFPS               = 30
	DefaultKeepAlive         = time.Second
	DefaultDiscoveryInterval = 10 * time.Second
	DefaultTTL               = 8
	// SyncTTL is the TTL of every sync packet.
	SyncTTL = 255
	// terminationPackets is how many stream-terminated packets end a stream.
	terminationPackets = 3
)

var (
	ErrNotActive = errors.New("sender: universe not active")
	ErrStopped   = errors.New("sender: stopped")
	ErrStarted   = errors.New("sender: already started")
)

// Sender is the outbound half of the protocol. All mutators are safe for
// concurrent use; once the loop runs they are executed on it.
type Sender struct {
	log logger.Logger
	tr  transport.Transport
	cfg Conf
	now func() time.Time

	mu      sync.Mutex
	started bool // the loop was launched; done closes when it returns
	running bool
	stopped bool
	st      *state
	cmds    chan command
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New returns a sender writing to tr. Zero values in cfg take the defaults.
func New(log logger.Logger, tr transport.Transport, cfg Conf) (*Sender, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if _, err := packet.NewUniverseDiscoveryPacket(cfg.CID, cfg.SourceName, 0, 0, nil); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	return &Sender{
		log: log,
		tr:  tr,
		cfg: cfg,
		now: time.Now,
		st: &state{
			outputs:     map[uint16]*output{},
			manualFlush: cfg.ManualFlush,
		},
		cmds: make(chan command),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// exec runs fn on the send loop, or directly when the loop is not running.
func (s *Sender) exec(fn func(st *state) error) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if !s.running {
		defer s.mu.Unlock()
		return fn(s.st)
	}
	s.mu.Unlock()

	c := command{fn: fn, res: make(chan error, 1)}
	select {
	case s.cmds <- c:
	case <-s.done:
		return ErrStopped
	}
	return <-c.res
}

func (st *state) get(universe uint16) (*output, error) {
	o, ok := st.outputs[universe]
	if !ok {
		return nil, fmt.Errorf("universe %d: %w", universe, ErrNotActive)
	}
	return o, nil
}

func (st *state) universes() []uint16 {
	list := make([]uint16, 0, len(st.outputs))
	for u := range st.outputs {
		list = append(list, u)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// Activate creates an output for universe. It unicasts to 127.0.0.1 until a
// destination or multicast is set. Activating an active universe is a no-op.
func (s *Sender) Activate(universe uint16) error {
	p, err := packet.NewDataPacket(s.cfg.CID, s.cfg.SourceName, universe, nil)
	if err != nil {
		return err
	}
	return s.exec(func(st *state) error {
		if _, ok := st.outputs[universe]; ok {
			return nil
		}
		st.outputs[universe] = &output{
			packet: p,
			mode:   transport.Unicast,
			dest:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: packet.Port},
			ttl:    DefaultTTL,
		}
		metrics.SetActiveOutputs(len(st.outputs))
		return nil
	})
}

// Deactivate terminates the stream of universe and removes its output.
func (s *Sender) Deactivate(universe uint16) error {
	return s.exec(func(st *state) error {
		o, err := st.get(universe)
		if err != nil {
			return err
		}
		s.terminate(o, s.now())
		delete(st.outputs, universe)
		metrics.SetActiveOutputs(len(st.outputs))
		return nil
	})
}

// ActiveUniverses returns the activated universes in ascending order.
func (s *Sender) ActiveUniverses() []uint16 {
	var list []uint16
	_ = s.exec(func(st *state) error {
		list = st.universes()
		return nil
	})
	return list
}

// SetData replaces the channel buffer of universe; short data is zero-padded.
func (s *Sender) SetData(universe uint16, data []byte) error {
	return s.exec(func(st *state) error {
		o, err := st.get(universe)
		if err != nil {
			return err
		}
		if err = o.packet.SetData(data); err != nil {
			return err
		}
		o.dirty = true
		return nil
	})
}

// SetChannelValues applies all values or, if any is invalid, none.
func (s *Sender) SetChannelValues(values []ChannelValue) error {
	return s.exec(func(st *state) error {
		for _, v := range values {
			if _, err := st.get(v.Universe); err != nil {
				return err
			}
			if int(v.Channel) >= packet.Channels {
				return fmt.Errorf("universe %d channel %d: %w", v.Universe, v.Channel, packet.ErrOutOfRange)
			}
		}
		for _, v := range values {
			o := st.outputs[v.Universe]
			_ = o.packet.SetChannel(v.Channel, v.Value)
			o.dirty = true
		}
		return nil
	})
}

func (s *Sender) SetPriority(universe uint16, priority uint8) error {
	return s.exec(func(st *state) error {
		o, err := st.get(universe)
		if err != nil {
			return err
		}
		if err = o.packet.SetPriority(priority); err != nil {
			return err
		}
		o.dirty = true
		return nil
	})
}

func (s *Sender) SetPreview(universe uint16, on bool) error {
	return s.exec(func(st *state) error {
		o, err := st.get(universe)
		if err != nil {
			return err
		}
		o.packet.SetPreviewData(on)
		o.dirty = true
		return nil
	})
}

// SetDestination switches universe to unicast towards dest.
func (s *Sender) SetDestination(universe uint16, dest *net.UDPAddr) error {
	if dest == nil {
		return fmt.Errorf("sender: nil destination for universe %d", universe)
	}
	return s.exec(func(st *state) error {
		o, err := st.get(universe)
		if err != nil {
			return err
		}
		o.dest = dest
		o.mode = transport.Unicast
		return nil
	})
}

// SetMulticast switches universe between its multicast group and unicast.
func (s *Sender) SetMulticast(universe uint16, on bool) error {
	return s.setMode(universe, transport.Multicast, on)
}

// SetBroadcast switches universe between broadcast and unicast.
func (s *Sender) SetBroadcast(universe uint16, on bool) error {
	return s.setMode(universe, transport.Broadcast, on)
}

func (s *Sender) setMode(universe uint16, mode transport.Mode, on bool) error {
	return s.exec(func(st *state) error {
		o, err := st.get(universe)
		if err != nil {
			return err
		}
		if on {
			o.mode = mode
		} else if o.mode == mode {
			o.mode = transport.Unicast
		}
		return nil
	})
}

// SetTTL sets the multicast TTL of universe.
func (s *Sender) SetTTL(universe uint16, ttl int) error {
	if ttl < 0 || ttl > 255 {
		return fmt.Errorf("ttl %d: %w", ttl, packet.ErrOutOfRange)
	}
	return s.exec(func(st *state) error {
		o, err := st.get(universe)
		if err != nil {
			return err
		}
		o.ttl = ttl
		return nil
	})
}

// SetManualFlush stops periodic sending; outputs then only leave on Flush or SyncFlush.
func (s *Sender) SetManualFlush(on bool) error {
	return s.exec(func(st *state) error {
		st.manualFlush = on
		return nil
	})
}

// Flush sends the given universes, or all of them, immediately.
func (s *Sender) Flush(universes ...uint16) error {
	return s.exec(func(st *state) error {
		outputs, err := st.selectOutputs(universes)
		if err != nil {
			return err
		}
		now := s.now()
		for _, o := range outputs {
			s.send(o, now)
		}
		return nil
	})
}

// SyncFlush sends the given universes (or all) stamped with syncUniverse and
// then one sync packet to the sync universe's multicast group.
func (s *Sender) SyncFlush(syncUniverse uint16, universes ...uint16) error {
	if syncUniverse < packet.MinUniverse || syncUniverse > packet.MaxUniverse {
		return fmt.Errorf("sync universe %d: %w", syncUniverse, packet.ErrOutOfRange)
	}
	return s.exec(func(st *state) error {
		outputs, err := st.selectOutputs(universes)
		if err != nil {
			return err
		}
		now := s.now()
		for _, o := range outputs {
			_ = o.packet.SetSyncUniverse(syncUniverse)
			s.send(o, now)
			_ = o.packet.SetSyncUniverse(0)
		}

		sp, err := packet.NewSyncPacket(s.cfg.CID, syncUniverse, st.syncSequence)
		if err != nil {
			return err
		}
		st.syncSequence++
		if err = s.tr.SendMulticast(sp.Bytes(), transport.MulticastIP(syncUniverse), SyncTTL); err != nil {
			metrics.RecordSendError(packet.KindSync.String())
			return fmt.Errorf("sender: sync packet: %w", err)
		}
		metrics.RecordSent(packet.KindSync.String(), transport.Multicast.String())
		return nil
	})
}

func (st *state) selectOutputs(universes []uint16) ([]*output, error) {
	if len(universes) == 0 {
		universes = st.universes()
	}
	outputs := make([]*output, 0, len(universes))
	for _, u := range universes {
		o, err := st.get(u)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, o)
	}
	return outputs, nil
}

// Start runs the send loop until ctx is done or Stop is called.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return ErrStarted
	}
	s.started = true
	s.running = true
	go s.loop(ctx)
	return nil
}

// Stop terminates every active stream, waits for the loop and closes the transport.
// The loop may already be shutting down after its context ended.
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.once.Do(func() { close(s.stop) })
		<-s.done
	} else {
		if !s.stopped {
			s.stopped = true
			s.terminateAll(s.now())
		}
		s.mu.Unlock()
	}
	if err := s.tr.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		s.log.With(logger.Fields{"module": "sender"}).Warnf("close transport: %v", err)
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	log := s.log.With(logger.Fields{"module": "sender"})
	log.Infof("send loop started at %d fps", s.cfg.FPS)
	defer log.Info("send loop stopped")

	period := time.Second / time.Duration(s.cfg.FPS)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.stop:
			s.shutdown()
			return
		case c := <-s.cmds:
			c.res <- c.fn(s.st)
		case <-timer.C:
			start := s.now()
			s.tick(start)
			wait := period - s.now().Sub(start)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		}
	}
}

func (s *Sender) shutdown() {
	s.mu.Lock()
	s.running = false
	s.stopped = true
	s.mu.Unlock()
	s.terminateAll(s.now())
}

// tick sends every output that is dirty or due for a keep-alive, and the
// discovery announcement when its interval elapsed.
func (s *Sender) tick(now time.Time) {
	st := s.st
	if !st.manualFlush {
		for _, u := range st.universes() {
			o := st.outputs[u]
			if o.dirty || now.Sub(o.lastSent) >= s.cfg.KeepAlive {
				s.send(o, now)
			}
		}
	}
	if s.cfg.Discovery && now.Sub(st.lastDiscovery) >= s.cfg.DiscoveryInterval {
		s.sendDiscovery(now)
	}
}

// send transmits one output and advances its sequence even when the write fails.
func (s *Sender) send(o *output, now time.Time) {
	b := o.packet.Bytes()
	var err error
	switch o.mode {
	case transport.Multicast:
		err = s.tr.SendMulticast(b, transport.MulticastIP(o.packet.Universe()), o.ttl)
	case transport.Broadcast:
		err = s.tr.SendBroadcast(b)
	default:
		err = s.tr.SendUnicast(b, o.dest)
	}
	if err != nil {
		s.log.With(logger.Fields{"module": "sender", "universe": o.packet.Universe()}).Warnf("send %s: %v", o.mode, err)
		metrics.RecordSendError(packet.KindData.String())
	} else {
		metrics.RecordSent(packet.KindData.String(), o.mode.String())
	}
	o.packet.NextSequence()
	o.dirty = false
	o.lastSent = now
}

func (s *Sender) sendDiscovery(now time.Time) {
	s.st.lastDiscovery = now
	log := s.log.With(logger.Fields{"module": "sender"})
	packets, err := packet.NewUniverseDiscoveryPackets(s.cfg.CID, s.cfg.SourceName, s.st.universes())
	if err != nil {
		log.Errorf("build discovery: %v", err)
		return
	}
	mode := transport.Broadcast
	if s.cfg.DiscoveryMulticast {
		mode = transport.Multicast
	}
	for _, p := range packets {
		if mode == transport.Multicast {
			err = s.tr.SendMulticast(p.Bytes(), transport.MulticastIP(packet.DiscoveryUniverse), DefaultTTL)
		} else {
			err = s.tr.SendBroadcast(p.Bytes())
		}
		if err != nil {
			log.Warnf("send discovery page %d: %v", p.Page(), err)
			metrics.RecordSendError(packet.KindDiscovery.String())
			continue
		}
		metrics.RecordSent(packet.KindDiscovery.String(), mode.String())
	}
}

// terminate sends the stream-terminated packets that end an output's stream.
func (s *Sender) terminate(o *output, now time.Time) {
	o.packet.SetStreamTerminated(true)
	for i := 0; i < terminationPackets; i++ {
		s.send(o, now)
	}
}

func (s *Sender) terminateAll(now time.Time) {
	for _, u := range s.st.universes() {
		s.terminate(s.st.outputs[u], now)
		delete(s.st.outputs, u)
	}
	metrics.SetActiveOutputs(0)
}
