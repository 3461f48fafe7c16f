package dhcp

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"netlease/pkg/wire"
	"netlease/services/dhcpd/internal/config"
	"netlease/services/dhcpd/internal/probe"
)

// fakeOracle reports addresses in its inUse set as taken.
type fakeOracle struct {
	mu     sync.Mutex
	inUse  map[string]bool
	err    error
	probes []string
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{inUse: make(map[string]bool)}
}

func (o *fakeOracle) Available(_ context.Context, ip net.IP) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.probes = append(o.probes, ip.String())
	if o.err != nil {
		return false, o.err
	}
	return !o.inUse[ip.String()], nil
}

func (o *fakeOracle) set(ip string, used bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inUse[ip] = used
}

func (o *fakeOracle) probeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.probes)
}

// gatedOracle holds the first check of gate until release is closed.
type gatedOracle struct {
	*fakeOracle
	gate    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedOracle(gate string) *gatedOracle {
	return &gatedOracle{
		fakeOracle: newFakeOracle(),
		gate:       gate,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (o *gatedOracle) Available(ctx context.Context, ip net.IP) (bool, error) {
	if ip.String() == o.gate {
		first := false
		o.once.Do(func() {
			first = true
			close(o.entered)
		})
		if first {
			select {
			case <-o.release:
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}
	return o.fakeOracle.Available(ctx, ip)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []wire.LeaseEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, evt wire.LeaseEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return n.err
}

func testConfig() config.DHCPConfig {
	return config.DHCPConfig{
		RangeStart:   net.IPv4(192, 168, 1, 100),
		RangeEnd:     net.IPv4(192, 168, 1, 200),
		SubnetMask:   net.IPv4Mask(255, 255, 255, 0),
		Router:       net.IPv4(192, 168, 1, 1),
		DNSServers:   []net.IP{net.IPv4(192, 168, 1, 1)},
		LeaseTime:    24 * time.Hour,
		OfferTimeout: time.Minute,
		ServerIP:     net.IPv4(192, 168, 1, 1),
	}
}

func newTestAllocator(t *testing.T, oracle probe.Oracle, notifiers ...Notifier) *Allocator {
	t.Helper()
	a, err := NewAllocator(testConfig(), oracle, log.New(io.Discard, "", 0), nil, notifiers...)
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}
	return a
}

func discoverMsg(hw net.HardwareAddr, xid wire.TransactionID) *wire.Message {
	m := wire.NewMessage(wire.OpRequest, dhcpv4.MessageTypeDiscover, xid)
	m.ClientHWAddr = hw
	m.Flags = wire.FlagBroadcast
	return m
}

func requestMsg(hw net.HardwareAddr, xid wire.TransactionID, ip net.IP) *wire.Message {
	m := wire.NewMessage(wire.OpRequest, dhcpv4.MessageTypeRequest, xid)
	m.ClientHWAddr = hw
	m.Flags = wire.FlagBroadcast
	m.Options.Update(dhcpv4.OptRequestedIPAddress(ip))
	m.Options.Update(dhcpv4.OptServerIdentifier(net.IPv4(192, 168, 1, 1)))
	return m
}

func markRange(o *fakeOracle, from, to byte) {
	for i := from; i <= to; i++ {
		o.set(net.IPv4(192, 168, 1, i).String(), true)
	}
}

func TestOfferSkipsInUseThenAck(t *testing.T) {
	oracle := newFakeOracle()
	markRange(oracle, 100, 149)
	a := newTestAllocator(t, oracle)
	ctx := context.Background()
	hw := hwAddr(1)
	xid := wire.TransactionID{0xca, 0xfe, 0x00, 0x01}

	offer := a.Handle(ctx, discoverMsg(hw, xid))
	if offer == nil || offer.Type != dhcpv4.MessageTypeOffer {
		t.Fatalf("discover reply = %+v, want OFFER", offer)
	}
	want := net.IPv4(192, 168, 1, 150)
	if !offer.YourIP.Equal(want) {
		t.Fatalf("offered %s, want %s", offer.YourIP, want)
	}
	if offer.TransactionID != xid {
		t.Fatalf("offer xid = %s, want %s", offer.TransactionID, xid)
	}
	if got := offer.ServerIdentifier(); !got.Equal(net.IPv4(192, 168, 1, 1)) {
		t.Fatalf("server identifier = %v", got)
	}

	ack := a.Handle(ctx, requestMsg(hw, xid, offer.YourIP))
	if ack == nil || ack.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("request reply = %+v, want ACK", ack)
	}
	if !ack.YourIP.Equal(want) {
		t.Fatalf("assigned %s, want %s", ack.YourIP, want)
	}
	if l, ok := a.Pool().Lookup(hw); !ok || !l.IP.Equal(want) {
		t.Fatalf("Lookup() = %+v, %v", l, ok)
	}
}

func TestNakWhenClaimedBeforeRequest(t *testing.T) {
	oracle := newFakeOracle()
	markRange(oracle, 100, 149)
	a := newTestAllocator(t, oracle)
	ctx := context.Background()
	hw := hwAddr(1)
	xid := wire.TransactionID{1, 1, 1, 1}

	offer := a.Handle(ctx, discoverMsg(hw, xid))
	if offer == nil || !offer.YourIP.Equal(net.IPv4(192, 168, 1, 150)) {
		t.Fatalf("offer = %+v", offer)
	}

	oracle.set("192.168.1.150", true)
	nak := a.Handle(ctx, requestMsg(hw, xid, offer.YourIP))
	if nak == nil || nak.Type != dhcpv4.MessageTypeNak {
		t.Fatalf("request reply = %+v, want NAK", nak)
	}
	if nak.TransactionID != xid {
		t.Fatalf("nak xid = %s, want %s", nak.TransactionID, xid)
	}
	if got := a.Pool().Allocated(); got != 0 {
		t.Fatalf("Allocated() = %d after NAK, want 0", got)
	}

	oracle.set("192.168.1.150", false)
	other := a.Handle(ctx, discoverMsg(hwAddr(2), wire.TransactionID{2}))
	if other == nil || !other.YourIP.Equal(net.IPv4(192, 168, 1, 150)) {
		t.Fatalf("second client offer = %+v, want .150", other)
	}
}

func TestInUseAddressNeverOffered(t *testing.T) {
	oracle := newFakeOracle()
	oracle.set("192.168.1.100", true)
	a := newTestAllocator(t, oracle)
	ctx := context.Background()

	for i := byte(1); i <= 5; i++ {
		offer := a.Handle(ctx, discoverMsg(hwAddr(i), wire.TransactionID{i}))
		if offer == nil {
			t.Fatalf("client %d got no offer", i)
		}
		if offer.YourIP.Equal(net.IPv4(192, 168, 1, 100)) {
			t.Fatalf("client %d offered in-use address", i)
		}
	}

	oracle.set("192.168.1.100", false)
	offer := a.Handle(ctx, discoverMsg(hwAddr(9), wire.TransactionID{9}))
	if offer == nil || !offer.YourIP.Equal(net.IPv4(192, 168, 1, 100)) {
		t.Fatalf("offer after address freed = %+v, want .100", offer)
	}
}

func TestDiscoverExhausted(t *testing.T) {
	oracle := newFakeOracle()
	markRange(oracle, 100, 200)
	metrics := NewMetrics(nil)
	a, err := NewAllocator(testConfig(), oracle, log.New(io.Discard, "", 0), metrics)
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	if reply := a.Handle(context.Background(), discoverMsg(hwAddr(1), wire.TransactionID{1})); reply != nil {
		t.Fatalf("reply = %+v, want none", reply)
	}
	if got := testutil.ToFloat64(metrics.exhausted); got != 1 {
		t.Fatalf("exhausted counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.inUse); got != 101 {
		t.Fatalf("in-use counter = %v, want 101", got)
	}
}

func TestProbeErrorTreatedAsFree(t *testing.T) {
	oracle := newFakeOracle()
	oracle.err = errors.New("icmp socket: permission denied")
	a := newTestAllocator(t, oracle)

	offer := a.Handle(context.Background(), discoverMsg(hwAddr(1), wire.TransactionID{1}))
	if offer == nil || !offer.YourIP.Equal(net.IPv4(192, 168, 1, 100)) {
		t.Fatalf("offer = %+v, want .100", offer)
	}
	if got := testutil.ToFloat64(a.metrics.probeErrors); got != 1 {
		t.Fatalf("probe error counter = %v, want 1", got)
	}
}

func TestRequestWithoutOfferNaks(t *testing.T) {
	a := newTestAllocator(t, newFakeOracle())
	ctx := context.Background()

	tests := []struct {
		name string
		req  *wire.Message
	}{
		{name: "never offered", req: requestMsg(hwAddr(1), wire.TransactionID{1}, net.IPv4(192, 168, 1, 120))},
		{name: "out of range", req: requestMsg(hwAddr(1), wire.TransactionID{1}, net.IPv4(10, 0, 0, 1))},
		{name: "no address", req: func() *wire.Message {
			m := wire.NewMessage(wire.OpRequest, dhcpv4.MessageTypeRequest, wire.TransactionID{1})
			m.ClientHWAddr = hwAddr(1)
			return m
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := a.Handle(ctx, tt.req)
			if reply == nil || reply.Type != dhcpv4.MessageTypeNak {
				t.Fatalf("reply = %+v, want NAK", reply)
			}
		})
	}
}

func TestRequestForOtherClientsOfferNaks(t *testing.T) {
	a := newTestAllocator(t, newFakeOracle())
	ctx := context.Background()

	offer := a.Handle(ctx, discoverMsg(hwAddr(1), wire.TransactionID{1}))
	reply := a.Handle(ctx, requestMsg(hwAddr(2), wire.TransactionID{2}, offer.YourIP))
	if reply == nil || reply.Type != dhcpv4.MessageTypeNak {
		t.Fatalf("reply = %+v, want NAK", reply)
	}
	ack := a.Handle(ctx, requestMsg(hwAddr(1), wire.TransactionID{1}, offer.YourIP))
	if ack == nil || ack.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("first client reply = %+v, want ACK", ack)
	}
}

func TestRequestForAnotherServerReleasesOffer(t *testing.T) {
	a := newTestAllocator(t, newFakeOracle())
	ctx := context.Background()

	offer := a.Handle(ctx, discoverMsg(hwAddr(1), wire.TransactionID{1}))
	req := requestMsg(hwAddr(1), wire.TransactionID{1}, offer.YourIP)
	req.Options.Update(dhcpv4.OptServerIdentifier(net.IPv4(192, 168, 1, 254)))

	if reply := a.Handle(ctx, req); reply != nil {
		t.Fatalf("reply = %+v, want none", reply)
	}
	if got := a.Pool().Allocated(); got != 0 {
		t.Fatalf("Allocated() = %d, want 0", got)
	}
}

func TestRenewalSkipsProbe(t *testing.T) {
	oracle := newFakeOracle()
	a := newTestAllocator(t, oracle)
	ctx := context.Background()
	hw := hwAddr(1)

	offer := a.Handle(ctx, discoverMsg(hw, wire.TransactionID{1}))
	if ack := a.Handle(ctx, requestMsg(hw, wire.TransactionID{1}, offer.YourIP)); ack == nil || ack.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("first request reply = %+v", ack)
	}

	// The bound client now answers pings itself.
	oracle.set(offer.YourIP.String(), true)
	probes := oracle.probeCount()

	renew := requestMsg(hw, wire.TransactionID{2}, offer.YourIP)
	ack := a.Handle(ctx, renew)
	if ack == nil || ack.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("renewal reply = %+v, want ACK", ack)
	}
	if oracle.probeCount() != probes {
		t.Fatalf("renewal probed the bound address")
	}

	again := a.Handle(ctx, discoverMsg(hw, wire.TransactionID{3}))
	if again == nil || !again.YourIP.Equal(offer.YourIP) {
		t.Fatalf("re-discover offer = %+v, want existing lease %s", again, offer.YourIP)
	}
}

func TestAckNotifies(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("connection refused")}
	a := newTestAllocator(t, newFakeOracle(), failing, ok)
	ctx := context.Background()
	hw := hwAddr(0x22)

	offer := a.Handle(ctx, discoverMsg(hw, wire.TransactionID{1}))
	if ack := a.Handle(ctx, requestMsg(hw, wire.TransactionID{1}, offer.YourIP)); ack == nil || ack.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("reply = %+v, want ACK despite notifier failure", ack)
	}

	if len(ok.events) != 1 {
		t.Fatalf("events = %d, want 1", len(ok.events))
	}
	evt := ok.events[0]
	if evt.Address != "192.168.1.100" || evt.ClientID != "020000000022" || evt.HWAddr != hw.String() {
		t.Fatalf("event = %+v", evt)
	}
	if got := testutil.ToFloat64(a.metrics.notifyErrors); got != 1 {
		t.Fatalf("notify error counter = %v, want 1", got)
	}
}

func TestReleaseFreesAddress(t *testing.T) {
	a := newTestAllocator(t, newFakeOracle())
	ctx := context.Background()
	hw := hwAddr(1)

	offer := a.Handle(ctx, discoverMsg(hw, wire.TransactionID{1}))
	a.Handle(ctx, requestMsg(hw, wire.TransactionID{1}, offer.YourIP))

	rel := wire.NewMessage(wire.OpRequest, dhcpv4.MessageTypeRelease, wire.TransactionID{2})
	rel.ClientHWAddr = hw
	if reply := a.Handle(ctx, rel); reply != nil {
		t.Fatalf("release reply = %+v, want none", reply)
	}
	if _, ok := a.Pool().Lookup(hw); ok {
		t.Fatalf("lease survived release")
	}
}

func TestIgnoresRepliesAndUnknownTypes(t *testing.T) {
	a := newTestAllocator(t, newFakeOracle())
	ctx := context.Background()

	offer := wire.NewMessage(wire.OpReply, dhcpv4.MessageTypeOffer, wire.TransactionID{1})
	offer.ClientHWAddr = hwAddr(1)
	inform := wire.NewMessage(wire.OpRequest, dhcpv4.MessageTypeInform, wire.TransactionID{1})
	inform.ClientHWAddr = hwAddr(1)
	noHW := wire.NewMessage(wire.OpRequest, dhcpv4.MessageTypeDiscover, wire.TransactionID{1})

	for _, m := range []*wire.Message{offer, inform, noHW} {
		if reply := a.Handle(ctx, m); reply != nil {
			t.Fatalf("Handle(%s) = %+v, want none", m.Type, reply)
		}
	}
}

func TestConcurrentDiscoversGetDistinctAddresses(t *testing.T) {
	a := newTestAllocator(t, newFakeOracle())
	ctx := context.Background()

	const clients = 40
	offers := make([]net.IP, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply := a.Handle(ctx, discoverMsg(hwAddr(byte(i)), wire.TransactionID{byte(i)}))
			if reply != nil {
				offers[i] = reply.YourIP
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	for i, ip := range offers {
		if ip == nil {
			t.Fatalf("client %d got no offer", i)
		}
		if prev, dup := seen[ip.String()]; dup {
			t.Fatalf("clients %d and %d both offered %s", prev, i, ip)
		}
		seen[ip.String()] = i
	}
}

func TestDiscoverCancelled(t *testing.T) {
	oracle := newFakeOracle()
	oracle.err = context.Canceled
	a := newTestAllocator(t, oracle)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if reply := a.Handle(ctx, discoverMsg(hwAddr(1), wire.TransactionID{1})); reply != nil {
		t.Fatalf("reply = %+v, want none after cancellation", reply)
	}
	if got := a.Pool().Allocated(); got != 0 {
		t.Fatalf("Allocated() = %d, want 0", got)
	}
}

func TestRequestWithForeignTransactionNaks(t *testing.T) {
	a := newTestAllocator(t, newFakeOracle())
	ctx := context.Background()
	hw := hwAddr(1)
	xid := wire.TransactionID{0x10, 0x20, 0x30, 0x40}

	offer := a.Handle(ctx, discoverMsg(hw, xid))
	if offer == nil {
		t.Fatalf("no offer")
	}

	nak := a.Handle(ctx, requestMsg(hw, wire.TransactionID{0xde, 0xad, 0xbe, 0xef}, offer.YourIP))
	if nak == nil || nak.Type != dhcpv4.MessageTypeNak {
		t.Fatalf("foreign xid reply = %+v, want NAK", nak)
	}
	if got := a.Pool().Allocated(); got != 1 {
		t.Fatalf("Allocated() = %d, want the offer kept", got)
	}

	ack := a.Handle(ctx, requestMsg(hw, xid, offer.YourIP))
	if ack == nil || ack.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("matching xid reply = %+v, want ACK", ack)
	}
}

func TestInterleavedDiscoversFromOneClient(t *testing.T) {
	oracle := newGatedOracle("192.168.1.101")
	oracle.set("192.168.1.100", true)
	a := newTestAllocator(t, oracle)
	ctx := context.Background()
	hwA, hwB := hwAddr(0x0a), hwAddr(0x0b)
	xid := wire.TransactionID{0x0a, 0, 0, 1}

	stalled := make(chan *wire.Message, 1)
	go func() {
		stalled <- a.Handle(ctx, discoverMsg(hwA, xid))
	}()
	<-oracle.entered

	// A retransmitted DISCOVER and another client run while the first scan waits on .101.
	retry := a.Handle(ctx, discoverMsg(hwA, xid))
	other := a.Handle(ctx, discoverMsg(hwB, wire.TransactionID{0x0b}))
	close(oracle.release)
	first := <-stalled

	if first == nil || retry == nil || other == nil {
		t.Fatalf("offers = %+v, %+v, %+v", first, retry, other)
	}
	if !first.YourIP.Equal(net.IPv4(192, 168, 1, 101)) {
		t.Fatalf("stalled scan offered %s, want .101", first.YourIP)
	}
	if other.YourIP.Equal(first.YourIP) || other.YourIP.Equal(retry.YourIP) {
		t.Fatalf("client B offered %s, shared with client A (%s, %s)", other.YourIP, first.YourIP, retry.YourIP)
	}

	// The later offer to A supersedes the retry's.
	if reply := a.Handle(ctx, requestMsg(hwA, xid, retry.YourIP)); reply == nil || reply.Type != dhcpv4.MessageTypeNak {
		t.Fatalf("request for superseded offer = %+v, want NAK", reply)
	}
	if reply := a.Handle(ctx, requestMsg(hwA, xid, first.YourIP)); reply == nil || reply.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("client A reply = %+v, want ACK", reply)
	}
	if reply := a.Handle(ctx, requestMsg(hwB, wire.TransactionID{0x0b}, other.YourIP)); reply == nil || reply.Type != dhcpv4.MessageTypeAck {
		t.Fatalf("client B reply = %+v, want ACK", reply)
	}

	leases := a.Pool().Leases()
	if len(leases) != 2 || leases[0].IP.Equal(leases[1].IP) {
		t.Fatalf("leases = %+v, want two distinct addresses", leases)
	}
	if got := a.Pool().Allocated(); got != 2 {
		t.Fatalf("Allocated() = %d, want 2", got)
	}
}
