package receiver

import (
	"sort"
	"sync"

	"sacn2mqtt/internal/packet"
)

// EventKind selects what a subscription is notified about.
type EventKind int

const (
	// Availability fires when a universe starts or stops receiving data.
	Availability EventKind = iota
	// UniverseData fires when the accepted channel data of a universe changes.
	UniverseData
	// Synchronization fires when a sync packet arrives for a sync universe.
	Synchronization
	// Discovery fires when every page of a source's discovery announcement arrived.
	Discovery
)

func (k EventKind) String() string {
	switch k {
	case Availability:
		return "availability"
	case UniverseData:
		return "universe"
	case Synchronization:
		return "sync"
	case Discovery:
		return "discovery"
	default:
		return "unknown"
	}
}

// Status is the availability of a universe.
type Status int

const (
	Available Status = iota
	TimedOut
)

func (s Status) String() string {
	if s == Available {
		return "available"
	}
	return "timeout"
}

// AnyUniverse subscribes to every universe.
const AnyUniverse uint16 = 0

// Source is a sender announced by universe discovery.
type Source struct {
	CID       packet.CID
	Name      string
	Universes []uint16
}

// Event is delivered to subscribers on the receive goroutine.
type Event struct {
	Kind     EventKind
	Universe uint16 // data or sync universe; 0 for Discovery
	Status   Status
	Data     *packet.DataPacket
	Sync     *packet.SyncPacket
	Source   *Source
}

// Handler must return quickly: it delays the receive loop.
type Handler func(Event)

// Handle identifies a subscription for Unsubscribe.
type Handle uint64

type subscription struct {
	id       Handle
	kind     EventKind
	universe uint16
	fn       Handler
}

func (s subscription) matches(ev Event) bool {
	if s.kind != ev.Kind {
		return false
	}
	if s.universe == AnyUniverse {
		return true
	}
	if ev.Kind == Discovery {
		i := sort.Search(len(ev.Source.Universes), func(i int) bool { return ev.Source.Universes[i] >= s.universe })
		return i < len(ev.Source.Universes) && ev.Source.Universes[i] == s.universe
	}
	return s.universe == ev.Universe
}

// registry holds subscriptions; it is safe for concurrent use.
type registry struct {
	mu     sync.Mutex
	nextID Handle
	subs   []subscription
}

func (r *registry) add(kind EventKind, universe uint16, fn Handler) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.subs = append(r.subs, subscription{id: r.nextID, kind: kind, universe: universe, fn: fn})
	return r.nextID
}

func (r *registry) remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == h {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// dispatch calls matching handlers in subscription order without holding the lock.
func (r *registry) dispatch(ev Event) {
	r.mu.Lock()
	var fns []Handler
	for _, s := range r.subs {
		if s.matches(ev) {
			fns = append(fns, s.fn)
		}
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
