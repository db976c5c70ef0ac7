package receiver

import (
	"context"
	"sync"
	"testing"
	"time"

	"sacn2mqtt/internal/logger"
	"sacn2mqtt/internal/metrics"
	"sacn2mqtt/internal/packet"
	"sacn2mqtt/internal/transport"
)

var (
	sourceA = packet.CID{0xa}
	sourceB = packet.CID{0xb}
	t0      = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (rec *recorder) add(ev Event) {
	rec.mu.Lock()
	rec.events = append(rec.events, ev)
	rec.mu.Unlock()
}

func (rec *recorder) kinds(kind EventKind) []Event {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []Event
	for _, ev := range rec.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestReceiver(t *testing.T) (*Receiver, *recorder) {
	t.Helper()
	r := New(logger.NewDiscard(), transport.NewMock())
	rec := &recorder{}
	r.Subscribe(Availability, AnyUniverse, rec.add)
	r.Subscribe(UniverseData, AnyUniverse, rec.add)
	r.Subscribe(Synchronization, AnyUniverse, rec.add)
	r.Subscribe(Discovery, AnyUniverse, rec.add)
	return r, rec
}

func dataBytes(t *testing.T, cid packet.CID, universe uint16, priority, seq uint8, data []byte) []byte {
	t.Helper()
	p, err := packet.NewDataPacket(cid, "test", universe, data)
	if err != nil {
		t.Fatalf("new data packet: %v", err)
	}
	if err := p.SetPriority(priority); err != nil {
		t.Fatalf("set priority: %v", err)
	}
	p.SetSequence(seq)
	return p.Bytes()
}

func terminatedBytes(t *testing.T, universe uint16, seq uint8) []byte {
	t.Helper()
	p, _ := packet.NewDataPacket(sourceA, "test", universe, nil)
	p.SetSequence(seq)
	p.SetStreamTerminated(true)
	return p.Bytes()
}

func TestAvailabilityLifecycle(t *testing.T) {
	r, rec := newTestReceiver(t)

	r.handle(dataBytes(t, sourceA, 1, 100, 0, []byte{1}), t0)
	avail := rec.kinds(Availability)
	if len(avail) != 1 || avail[0].Universe != 1 || avail[0].Status != Available {
		t.Fatalf("availability = %+v", avail)
	}

	r.handle(dataBytes(t, sourceA, 1, 100, 1, []byte{2}), t0.Add(time.Second))
	if len(rec.kinds(Availability)) != 1 {
		t.Fatalf("second packet fired availability again")
	}

	r.handle(terminatedBytes(t, 1, 2), t0.Add(2*time.Second))
	avail = rec.kinds(Availability)
	if len(avail) != 2 || avail[1].Status != TimedOut {
		t.Fatalf("termination availability = %+v", avail)
	}
	if _, ok := r.universes[1]; ok {
		t.Fatalf("record not removed on termination")
	}
	if len(rec.kinds(UniverseData)) != 2 {
		t.Fatalf("terminated packet delivered data")
	}

	r.handle(dataBytes(t, sourceA, 1, 100, 3, []byte{3}), t0.Add(3*time.Second))
	if avail = rec.kinds(Availability); len(avail) != 3 || avail[2].Status != Available {
		t.Fatalf("re-availability = %+v", avail)
	}
}

func TestTerminationOfUnknownUniverseIsSilent(t *testing.T) {
	r, rec := newTestReceiver(t)
	r.handle(terminatedBytes(t, 9, 0), t0)
	if len(rec.events) != 0 {
		t.Fatalf("events = %+v", rec.events)
	}
}

func TestTimeoutScan(t *testing.T) {
	r, rec := newTestReceiver(t)
	r.handle(dataBytes(t, sourceA, 1, 100, 0, nil), t0)
	r.handle(dataBytes(t, sourceA, 2, 100, 0, nil), t0.Add(time.Second))

	r.checkTimeouts(t0.Add(DataLossTimeout))
	if len(rec.kinds(Availability)) != 2 {
		t.Fatalf("timed out too early")
	}

	r.checkTimeouts(t0.Add(DataLossTimeout + time.Millisecond))
	avail := rec.kinds(Availability)
	if len(avail) != 3 || avail[2].Universe != 1 || avail[2].Status != TimedOut {
		t.Fatalf("availability = %+v", avail)
	}
	if _, ok := r.universes[1]; ok {
		t.Fatalf("universe 1 not removed")
	}
	if _, ok := r.universes[2]; !ok {
		t.Fatalf("universe 2 removed")
	}
}

func TestStaleSequence(t *testing.T) {
	cases := []struct {
		last, next uint8
		stale      bool
	}{
		{100, 80, true},
		{100, 99, true},
		{100, 100, true},
		{100, 101, false},
		{100, 0, false},
		{100, 79, false},
		{0, 255, false},
		{255, 0, false},
		{10, 200, false},
	}
	for _, tc := range cases {
		if got := staleSequence(tc.last, tc.next); got != tc.stale {
			t.Fatalf("staleSequence(%d, %d) = %v, want %v", tc.last, tc.next, got, tc.stale)
		}
	}
}

func TestSequenceValidation(t *testing.T) {
	r, rec := newTestReceiver(t)
	r.handle(dataBytes(t, sourceA, 1, 100, 100, []byte{1}), t0)

	r.handle(dataBytes(t, sourceA, 1, 100, 80, []byte{2}), t0)
	r.handle(dataBytes(t, sourceA, 1, 100, 99, []byte{3}), t0)
	if n := len(rec.kinds(UniverseData)); n != 1 {
		t.Fatalf("stale packets delivered: %d events", n)
	}

	r.handle(dataBytes(t, sourceA, 1, 100, 101, []byte{4}), t0)
	r.handle(dataBytes(t, sourceA, 1, 100, 0, []byte{5}), t0)
	r.handle(dataBytes(t, sourceA, 1, 100, 255, []byte{6}), t0)
	data := rec.kinds(UniverseData)
	if len(data) != 4 {
		t.Fatalf("accepted packets = %d, want 4", len(data))
	}
	if got := data[3].Data.Data()[0]; got != 6 {
		t.Fatalf("last delivered = %d", got)
	}
	if r.universes[1].sequence != 255 {
		t.Fatalf("stored sequence = %d", r.universes[1].sequence)
	}
}

func TestPriorityArbitration(t *testing.T) {
	r, rec := newTestReceiver(t)
	r.handle(dataBytes(t, sourceA, 1, 100, 0, []byte{1}), t0)
	r.handle(dataBytes(t, sourceB, 1, 99, 50, []byte{2}), t0.Add(time.Second))
	if n := len(rec.kinds(UniverseData)); n != 1 {
		t.Fatalf("lower priority delivered: %d events", n)
	}
	if r.universes[1].sequence != 0 {
		t.Fatalf("rejected packet touched sequence")
	}

	r.handle(dataBytes(t, sourceB, 1, 150, 51, []byte{3}), t0.Add(2*time.Second))
	if n := len(rec.kinds(UniverseData)); n != 2 {
		t.Fatalf("higher priority not delivered: %d events", n)
	}

	// The 150 record was observed at t0+2s; it goes stale after 2500 ms.
	r.handle(dataBytes(t, sourceA, 1, 100, 52, []byte{4}), t0.Add(4*time.Second))
	if n := len(rec.kinds(UniverseData)); n != 2 {
		t.Fatalf("lower priority delivered inside window")
	}
	r.handle(dataBytes(t, sourceA, 1, 100, 53, []byte{5}), t0.Add(4*time.Second+600*time.Millisecond))
	data := rec.kinds(UniverseData)
	if len(data) != 3 || data[2].Data.Priority() != 100 {
		t.Fatalf("stale priority not replaced: %+v", data)
	}
	if r.universes[1].priority != 100 {
		t.Fatalf("baseline priority = %d", r.universes[1].priority)
	}
}

func TestChangeSuppression(t *testing.T) {
	r, rec := newTestReceiver(t)
	r.handle(dataBytes(t, sourceA, 1, 100, 0, []byte{1, 2}), t0)
	r.handle(dataBytes(t, sourceA, 1, 100, 1, []byte{1, 2}), t0)
	if n := len(rec.kinds(UniverseData)); n != 1 {
		t.Fatalf("unchanged data delivered: %d events", n)
	}
	if r.universes[1].sequence != 1 {
		t.Fatalf("suppressed packet did not advance sequence")
	}
	r.handle(dataBytes(t, sourceA, 1, 100, 2, []byte{1, 3}), t0)
	if n := len(rec.kinds(UniverseData)); n != 2 {
		t.Fatalf("changed data not delivered")
	}
}

func TestAlternateStartCodeIsNotDelivered(t *testing.T) {
	r, rec := newTestReceiver(t)
	r.handle(dataBytes(t, sourceA, 1, 100, 0, []byte{255, 255}), t0)

	p, err := packet.NewDataPacket(sourceA, "test", 1, []byte{100, 100})
	if err != nil {
		t.Fatalf("new data packet: %v", err)
	}
	p.SetSequence(1)
	p.SetStartCode(0xdd)
	r.handle(p.Bytes(), t0.Add(10*time.Millisecond))

	r.handle(dataBytes(t, sourceA, 1, 100, 2, []byte{255, 255}), t0.Add(20*time.Millisecond))

	events := rec.kinds(UniverseData)
	if len(events) != 1 {
		t.Fatalf("got %d data events, want 1", len(events))
	}
	if events[0].Data.Data()[0] != 255 {
		t.Fatalf("delivered level %d", events[0].Data.Data()[0])
	}
	if got := r.universes[1].lastSeen; !got.Equal(t0.Add(20 * time.Millisecond)) {
		t.Fatalf("lastSeen %v", got)
	}
	if r.universes[1].sequence != 2 {
		t.Fatalf("sequence %d, want 2", r.universes[1].sequence)
	}
}

func TestMalformedIsDropped(t *testing.T) {
	r, rec := newTestReceiver(t)
	good := dataBytes(t, sourceA, 1, 100, 0, nil)
	bad := append([]byte{}, good...)
	bad[4] = 'X'
	r.handle(bad, t0)
	r.handle(good[:50], t0)
	r.handle(nil, t0)
	if len(rec.events) != 0 || len(r.universes) != 0 {
		t.Fatalf("malformed packet processed: %+v", rec.events)
	}
}

func TestSubscriptions(t *testing.T) {
	r := New(logger.NewDiscard(), transport.NewMock())
	var one, dup, other int
	h := r.OnUniverse(1, func(*packet.DataPacket) { one++ })
	r.OnUniverse(1, func(*packet.DataPacket) { dup++ })
	r.OnUniverse(2, func(*packet.DataPacket) { other++ })
	var statuses []Status
	r.OnAvailability(func(u uint16, s Status) { statuses = append(statuses, s) })

	r.handle(dataBytes(t, sourceA, 1, 100, 0, []byte{1}), t0)
	if one != 1 || dup != 1 || other != 0 {
		t.Fatalf("counts = %d %d %d", one, dup, other)
	}
	if !r.Unsubscribe(h) || r.Unsubscribe(h) {
		t.Fatalf("unsubscribe result wrong")
	}
	r.handle(dataBytes(t, sourceA, 1, 100, 1, []byte{2}), t0)
	if one != 1 || dup != 2 {
		t.Fatalf("after unsubscribe = %d %d", one, dup)
	}
	if len(statuses) != 1 || statuses[0] != Available {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestSynchronizationEvent(t *testing.T) {
	r, rec := newTestReceiver(t)
	p, _ := packet.NewSyncPacket(sourceA, 7000, 3)
	r.handle(p.Bytes(), t0)
	syncs := rec.kinds(Synchronization)
	if len(syncs) != 1 || syncs[0].Universe != 7000 || syncs[0].Sync.Sequence() != 3 {
		t.Fatalf("sync events = %+v", syncs)
	}
}

func TestDiscoveryAssembly(t *testing.T) {
	r, rec := newTestReceiver(t)
	var filtered int
	r.Subscribe(Discovery, 600, func(Event) { filtered++ })

	universes := make([]uint16, 600)
	for i := range universes {
		universes[i] = uint16(i + 1)
	}
	pages, err := packet.NewUniverseDiscoveryPackets(sourceA, "desk", universes)
	if err != nil {
		t.Fatalf("pages: %v", err)
	}
	r.handle(pages[1].Bytes(), t0)
	if len(rec.kinds(Discovery)) != 0 {
		t.Fatalf("fired before all pages arrived")
	}
	r.handle(pages[0].Bytes(), t0)
	disc := rec.kinds(Discovery)
	if len(disc) != 1 {
		t.Fatalf("discovery events = %d", len(disc))
	}
	src := disc[0].Source
	if src.Name != "desk" || src.CID != sourceA || len(src.Universes) != 600 || src.Universes[599] != 600 {
		t.Fatalf("source = %s %v %d", src.Name, src.CID, len(src.Universes))
	}
	if filtered != 1 {
		t.Fatalf("universe-filtered discovery subscriber called %d times", filtered)
	}

	r.handle(pages[0].Bytes(), t0)
	r.checkTimeouts(t0.Add(DataLossTimeout + time.Millisecond))
	if len(r.announcements) != 0 {
		t.Fatalf("stale announcement kept")
	}
}

func TestJoinMulticast(t *testing.T) {
	m := transport.NewMock()
	r := New(logger.NewDiscard(), m)
	if err := r.JoinMulticast(5); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !m.Joined(transport.MulticastIP(5)) {
		t.Fatalf("group not joined")
	}
	if err := r.LeaveMulticast(5); err != nil || m.Joined(transport.MulticastIP(5)) {
		t.Fatalf("leave: %v", err)
	}
	if err := r.JoinMulticast(0); err == nil {
		t.Fatalf("expected range error")
	}
	if err := r.JoinDiscovery(); err != nil || !m.Joined(transport.MulticastIP(packet.DiscoveryUniverse)) {
		t.Fatalf("join discovery: %v", err)
	}
}

func TestLoopDeliversAndTimesOut(t *testing.T) {
	metrics.RegisterMetrics()
	m := transport.NewMock()
	r := New(logger.NewDiscard(), m)

	var clockMu sync.Mutex
	now := t0
	r.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	statuses := make(chan Status, 4)
	r.OnAvailability(func(u uint16, s Status) { statuses <- s })
	data := make(chan byte, 4)
	r.OnUniverse(1, func(p *packet.DataPacket) { data <- p.Data()[0] })

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()
	if err := r.Start(context.Background()); err != ErrStarted {
		t.Fatalf("second start: %v", err)
	}

	m.Inject(dataBytes(t, sourceA, 1, 100, 0, []byte{42}))
	expectStatus(t, statuses, Available)
	select {
	case v := <-data:
		if v != 42 {
			t.Fatalf("data = %d", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("no data event")
	}

	clockMu.Lock()
	now = now.Add(3 * time.Second)
	clockMu.Unlock()
	expectStatus(t, statuses, TimedOut)
}

func expectStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	select {
	case s := <-ch:
		if s != want {
			t.Fatalf("status = %v, want %v", s, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("no %v event", want)
	}
}

func TestStopEndsLoop(t *testing.T) {
	r := New(logger.NewDiscard(), transport.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		r.Stop()
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("stop did not return")
	}
}
