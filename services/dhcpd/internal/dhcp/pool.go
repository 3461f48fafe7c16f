package dhcp

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"

	"netlease/pkg/wire"
)

// holding describes what a client currently holds for a given address.
type holding int

const (
	holdsNothing holding = iota
	holdsReservation
	holdsLease
)

// NewPool returns a pool covering start..end inclusive.
func NewPool(start, end net.IP, leaseTime, offerTimeout time.Duration) (*Pool, error) {
	if start.To4() == nil || end.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 range [%s,%s]", start, end)
	}
	if compareIP(start, end) > 0 {
		return nil, fmt.Errorf("range start %s is after range end %s", start, end)
	}
	if leaseTime <= 0 {
		return nil, fmt.Errorf("lease time must be positive, got %s", leaseTime)
	}
	if offerTimeout <= 0 {
		offerTimeout = time.Minute
	}
	s, e := ipToUint32(start), ipToUint32(end)
	return &Pool{
		start:        s,
		end:          e,
		allocated:    bitset.New(uint(e-s) + 1),
		reservations: make(map[uint]reservation),
		leases:       make(map[string]Lease),
		leaseTime:    leaseTime,
		offerTimeout: offerTimeout,
		now:          time.Now,
	}, nil
}

// Size is the number of addresses in the range.
func (p *Pool) Size() uint {
	return uint(p.end-p.start) + 1
}

// Contains reports whether ip lies within the range.
func (p *Pool) Contains(ip net.IP) bool {
	if ip.To4() == nil {
		return false
	}
	v := ipToUint32(ip)
	return v >= p.start && v <= p.end
}

func (p *Pool) offset(ip net.IP) (uint, bool) {
	if !p.Contains(ip) {
		return 0, false
	}
	return uint(ipToUint32(ip) - p.start), true
}

// ReserveNext marks the lowest free address strictly above after (or the range start when after
// is nil) as reserved for hw and returns the ticket that owns the reservation. Reservations made
// by other scans, including earlier scans for the same hw, are left alone.
func (p *Pool) ReserveNext(hw net.HardwareAddr, xid wire.TransactionID, after net.IP) (net.IP, Ticket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var from uint
	if after != nil {
		off, ok := p.offset(after)
		if !ok {
			return nil, 0, fmt.Errorf("%w: cursor %s outside range", ErrPoolExhausted, after)
		}
		from = off + 1
	}
	if from >= p.Size() {
		return nil, 0, ErrPoolExhausted
	}
	next, ok := p.allocated.NextClear(from)
	if !ok || next >= p.Size() {
		return nil, 0, ErrPoolExhausted
	}

	p.allocated.Set(next)
	p.lastTicket++
	ip := uint32ToIP(p.start + uint32(next))
	p.reservations[next] = reservation{
		ticket:   p.lastTicket,
		hw:       hw.String(),
		xid:      xid,
		ip:       ip,
		deadline: p.now().Add(p.offerTimeout),
	}
	return cloneIP(ip), p.lastTicket, nil
}

// Unreserve drops the reservation of ip made under t. It is a no-op once the reservation has
// been offered, bound, pruned or superseded.
func (p *Pool) Unreserve(t Ticket, ip net.IP) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, ok := p.offset(ip)
	if !ok {
		return false
	}
	r, ok := p.reservations[off]
	if !ok || r.ticket != t || r.offered {
		return false
	}
	p.dropReservationLocked(off)
	return true
}

// Offer marks the reservation of ip made under t as offered. An offer supersedes any earlier
// offer made to the same client, whose addresses go back to the pool. It reports false when the
// reservation is gone.
func (p *Pool) Offer(t Ticket, ip net.IP) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, ok := p.offset(ip)
	if !ok {
		return false
	}
	r, ok := p.reservations[off]
	if !ok || r.ticket != t || r.offered {
		return false
	}
	now := p.now()
	if !r.deadline.After(now) {
		p.dropReservationLocked(off)
		return false
	}
	for o, other := range p.reservations {
		if o != off && other.offered && other.hw == r.hw {
			p.dropReservationLocked(o)
		}
	}
	r.offered = true
	r.deadline = now.Add(p.offerTimeout)
	p.reservations[off] = r
	return true
}

// Withdraw drops the offer of ip made to hw in transaction xid.
func (p *Pool) Withdraw(hw net.HardwareAddr, xid wire.TransactionID, ip net.IP) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, ok := p.offeredLocked(hw, xid, ip)
	if !ok {
		return false
	}
	p.dropReservationLocked(off)
	return true
}

// offeredLocked finds the unexpired offer of ip made to hw in transaction xid.
func (p *Pool) offeredLocked(hw net.HardwareAddr, xid wire.TransactionID, ip net.IP) (uint, bool) {
	off, ok := p.offset(ip)
	if !ok {
		return 0, false
	}
	r, ok := p.reservations[off]
	if !ok || !r.offered || r.hw != hw.String() || r.xid != xid || !r.deadline.After(p.now()) {
		return 0, false
	}
	return off, true
}

func (p *Pool) dropReservationLocked(off uint) {
	if _, ok := p.reservations[off]; !ok {
		return
	}
	delete(p.reservations, off)
	p.allocated.Clear(off)
}

// Lookup returns hw's active lease.
func (p *Pool) Lookup(hw net.HardwareAddr) (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.leases[hw.String()]
	if !ok || !l.ExpiresAt.After(p.now()) {
		return Lease{}, false
	}
	return l, true
}

func (p *Pool) holds(hw net.HardwareAddr, xid wire.TransactionID, ip net.IP) holding {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.leases[hw.String()]; ok && l.IP.Equal(ip) && l.ExpiresAt.After(p.now()) {
		return holdsLease
	}
	if _, ok := p.offeredLocked(hw, xid, ip); ok {
		return holdsReservation
	}
	return holdsNothing
}

// Bind turns the offer of ip made to hw in transaction xid into a lease, or renews hw's existing
// lease of ip. Renewals carry a fresh xid, so xid is only checked against offers.
func (p *Pool) Bind(hw net.HardwareAddr, xid wire.TransactionID, clientID string, ip net.IP) (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := hw.String()
	now := p.now()

	if l, ok := p.leases[key]; ok && l.IP.Equal(ip) && l.ExpiresAt.After(now) {
		l.ExpiresAt = now.Add(p.leaseTime)
		l.ClientID = clientID
		p.leases[key] = l
		return l, nil
	}

	off, ok := p.offeredLocked(hw, xid, ip)
	if !ok {
		return Lease{}, fmt.Errorf("%w: %s is not offered to %s in transaction %s", ErrAddressUnavailable, ip, hw, xid)
	}
	r := p.reservations[off]
	delete(p.reservations, off)
	for o, other := range p.reservations {
		if other.offered && other.hw == key {
			p.dropReservationLocked(o)
		}
	}

	if old, ok := p.leases[key]; ok && !old.IP.Equal(ip) {
		p.releaseLeaseLocked(key)
	}

	l := Lease{
		ID:         uuid.New(),
		HWAddr:     append(net.HardwareAddr(nil), hw...),
		ClientID:   clientID,
		IP:         cloneIP(r.ip),
		AssignedAt: now,
		ExpiresAt:  now.Add(p.leaseTime),
	}
	p.leases[key] = l
	return l, nil
}

// Release returns hw's lease to the pool.
func (p *Pool) Release(hw net.HardwareAddr) (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := hw.String()
	l, ok := p.leases[key]
	if !ok {
		return Lease{}, false
	}
	p.releaseLeaseLocked(key)
	return l, true
}

func (p *Pool) releaseLeaseLocked(key string) {
	l, ok := p.leases[key]
	if !ok {
		return
	}
	delete(p.leases, key)
	if off, ok := p.offset(l.IP); ok {
		p.allocated.Clear(off)
	}
}

// Prune drops expired reservations and leases and returns how many were removed.
func (p *Pool) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed := 0
	for off, r := range p.reservations {
		if !r.deadline.After(now) {
			p.dropReservationLocked(off)
			removed++
		}
	}
	for key, l := range p.leases {
		if !l.ExpiresAt.After(now) {
			p.releaseLeaseLocked(key)
			removed++
		}
	}
	return removed
}

// Leases returns the active leases ordered by address.
func (p *Pool) Leases() []Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]Lease, 0, len(p.leases))
	for _, l := range p.leases {
		if l.ExpiresAt.After(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return compareIP(out[i].IP, out[j].IP) < 0
	})
	return out
}

// Allocated returns the number of addresses currently reserved or leased.
func (p *Pool) Allocated() uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated.Count()
}
