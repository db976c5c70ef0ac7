// Package receiver tracks inbound sACN universes: availability, priority
// arbitration, sequence checks and change detection.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sacn2mqtt/internal/logger"
	"sacn2mqtt/internal/metrics"
	"sacn2mqtt/internal/packet"
	"sacn2mqtt/internal/transport"
)

const (
	// DataLossTimeout is how long a universe or its priority stays valid without packets.
	DataLossTimeout = 2500 * time.Millisecond
	// receiveTimeout bounds each socket read so timeouts are checked often.
	receiveTimeout = 100 * time.Millisecond
	// sequenceWindow is how far back a sequence number still counts as stale.
	sequenceWindow = 20
)

var ErrStarted = errors.New("receiver: already started")

// universeState is owned by the receive loop.
type universeState struct {
	lastSeen    time.Time
	priority    uint8
	priorityAt  time.Time
	hasPriority bool
	sequence    uint8
	hasSequence bool
	data        [packet.Channels]byte
	delivered   bool
}

// announcement collects the pages of one source's discovery packets.
type announcement struct {
	name     string
	lastPage uint8
	pages    map[uint8][]uint16
	updated  time.Time
}

// Receiver is the inbound half of the protocol.
type Receiver struct {
	log  logger.Logger
	tr   transport.Transport
	now  func() time.Time
	subs registry

	// owned by the receive loop
	universes     map[uint16]*universeState
	announcements map[packet.CID]*announcement

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New returns a receiver reading from tr. tr is closed by Stop.
func New(log logger.Logger, tr transport.Transport) *Receiver {
	return &Receiver{
		log:           log,
		tr:            tr,
		now:           time.Now,
		universes:     map[uint16]*universeState{},
		announcements: map[packet.CID]*announcement{},
		stop:          make(chan struct{}),
	}
}

// Subscribe registers fn for events of kind on universe (or AnyUniverse).
// The same handler may be registered more than once.
func (r *Receiver) Subscribe(kind EventKind, universe uint16, fn Handler) Handle {
	return r.subs.add(kind, universe, fn)
}

// Unsubscribe removes a subscription and reports whether it existed.
func (r *Receiver) Unsubscribe(h Handle) bool {
	return r.subs.remove(h)
}

// OnAvailability subscribes to availability changes of every universe.
func (r *Receiver) OnAvailability(fn func(universe uint16, status Status)) Handle {
	return r.Subscribe(Availability, AnyUniverse, func(ev Event) { fn(ev.Universe, ev.Status) })
}

// OnUniverse subscribes to data changes of one universe.
func (r *Receiver) OnUniverse(universe uint16, fn func(p *packet.DataPacket)) Handle {
	return r.Subscribe(UniverseData, universe, func(ev Event) { fn(ev.Data) })
}

// JoinMulticast joins the multicast group of universe.
func (r *Receiver) JoinMulticast(universe uint16) error {
	if universe < packet.MinUniverse || universe > packet.MaxUniverse {
		return fmt.Errorf("receiver: join universe %d: %w", universe, packet.ErrOutOfRange)
	}
	return r.tr.JoinGroup(transport.MulticastIP(universe))
}

// LeaveMulticast leaves the multicast group of universe.
func (r *Receiver) LeaveMulticast(universe uint16) error {
	if universe < packet.MinUniverse || universe > packet.MaxUniverse {
		return fmt.Errorf("receiver: leave universe %d: %w", universe, packet.ErrOutOfRange)
	}
	return r.tr.LeaveGroup(transport.MulticastIP(universe))
}

// JoinDiscovery joins the universe discovery group.
func (r *Receiver) JoinDiscovery() error {
	return r.tr.JoinGroup(transport.MulticastIP(packet.DiscoveryUniverse))
}

// Start runs the receive loop until ctx is done or Stop is called.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrStarted
	}
	r.started = true
	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop closes the transport and waits for the loop to return.
func (r *Receiver) Stop() {
	r.mu.Lock()
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.mu.Unlock()
	if err := r.tr.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		r.log.With(logger.Fields{"module": "receiver"}).Warnf("close transport: %v", err)
	}
	r.wg.Wait()
}

func (r *Receiver) loop(ctx context.Context) {
	defer r.wg.Done()
	log := r.log.With(logger.Fields{"module": "receiver"})
	log.Info("receive loop started")
	defer log.Info("receive loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		r.checkTimeouts(r.now())

		d, err := r.tr.Receive(receiveTimeout)
		switch {
		case err == nil:
			r.handle(d.Payload, r.now())
		case errors.Is(err, transport.ErrTimeout):
		case errors.Is(err, transport.ErrClosed):
			return
		default:
			log.Warnf("receive: %v", err)
		}
	}
}

// handle parses one datagram and runs it through the state machine.
func (r *Receiver) handle(b []byte, now time.Time) {
	p, err := packet.Parse(b)
	if err != nil {
		r.log.With(logger.Fields{"module": "receiver"}).Debugf("dropped malformed packet: %v", err)
		metrics.RecordReceived("unknown", metrics.ResultMalformed)
		return
	}
	switch p := p.(type) {
	case *packet.DataPacket:
		metrics.RecordReceived(p.Kind().String(), r.handleData(p, now))
		metrics.SetAvailableUniverses(len(r.universes))
	case *packet.SyncPacket:
		metrics.RecordReceived(p.Kind().String(), metrics.ResultAccepted)
		r.subs.dispatch(Event{Kind: Synchronization, Universe: p.SyncUniverse(), Sync: p})
	case *packet.UniverseDiscoveryPacket:
		metrics.RecordReceived(p.Kind().String(), metrics.ResultAccepted)
		r.handleDiscovery(p, now)
	}
}

// handleData applies availability, priority, sequence and change rules in
// that order and returns the outcome.
func (r *Receiver) handleData(p *packet.DataPacket, now time.Time) string {
	u := p.Universe()
	st, known := r.universes[u]

	if p.StreamTerminated() {
		if known {
			delete(r.universes, u)
			r.subs.dispatch(Event{Kind: Availability, Universe: u, Status: TimedOut})
		}
		return metrics.ResultTerminated
	}

	if !known {
		st = &universeState{}
		r.universes[u] = st
		r.subs.dispatch(Event{Kind: Availability, Universe: u, Status: Available})
	}
	st.lastSeen = now

	if !st.hasPriority || now.Sub(st.priorityAt) > DataLossTimeout || p.Priority() >= st.priority {
		st.priority = p.Priority()
		st.priorityAt = now
		st.hasPriority = true
	} else {
		return metrics.ResultPriority
	}

	if st.hasSequence && staleSequence(st.sequence, p.Sequence()) {
		return metrics.ResultSequence
	}
	st.sequence = p.Sequence()
	st.hasSequence = true

	// Alternate start codes (0xDD per-address priority, text, ...) keep the
	// universe alive but are not levels.
	if p.StartCode() != packet.StartCodeDMX {
		return metrics.ResultAccepted
	}
	data := p.Data()
	if st.delivered && data == st.data {
		return metrics.ResultAccepted
	}
	st.data = data
	st.delivered = true
	r.subs.dispatch(Event{Kind: UniverseData, Universe: u, Data: p})
	return metrics.ResultAccepted
}

// staleSequence reports whether next is a duplicate or at most
// sequenceWindow behind last. The difference is taken on the plain numbers,
// so a wrap from 255 to 0 is a jump of -255 and is accepted.
func staleSequence(last, next uint8) bool {
	diff := int(next) - int(last)
	return diff <= 0 && diff >= -sequenceWindow
}

func (r *Receiver) handleDiscovery(p *packet.UniverseDiscoveryPacket, now time.Time) {
	if p.Page() > p.LastPage() {
		return
	}
	a, ok := r.announcements[p.CID()]
	if !ok || a.lastPage != p.LastPage() {
		a = &announcement{lastPage: p.LastPage(), pages: map[uint8][]uint16{}}
		r.announcements[p.CID()] = a
	}
	a.name = p.SourceName()
	a.pages[p.Page()] = p.Universes()
	a.updated = now
	if len(a.pages) != int(a.lastPage)+1 {
		return
	}

	delete(r.announcements, p.CID())
	var universes []uint16
	for page := 0; page <= int(a.lastPage); page++ {
		universes = append(universes, a.pages[uint8(page)]...)
	}
	sort.Slice(universes, func(i, j int) bool { return universes[i] < universes[j] })
	r.subs.dispatch(Event{
		Kind:   Discovery,
		Source: &Source{CID: p.CID(), Name: a.name, Universes: universes},
	})
}

// checkTimeouts drops every universe unseen for longer than DataLossTimeout
// and every discovery announcement left incomplete for as long.
func (r *Receiver) checkTimeouts(now time.Time) {
	var expired []uint16
	for u, st := range r.universes {
		if now.Sub(st.lastSeen) > DataLossTimeout {
			expired = append(expired, u)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, u := range expired {
		delete(r.universes, u)
		r.subs.dispatch(Event{Kind: Availability, Universe: u, Status: TimedOut})
	}
	if len(expired) > 0 {
		metrics.SetAvailableUniverses(len(r.universes))
	}

	for cid, a := range r.announcements {
		if now.Sub(a.updated) > DataLossTimeout {
			delete(r.announcements, cid)
		}
	}
}
