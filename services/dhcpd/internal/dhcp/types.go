package dhcp

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"

	"netlease/pkg/wire"
	"netlease/services/dhcpd/internal/config"
	"netlease/services/dhcpd/internal/probe"
)

var (
	// ErrPoolExhausted is returned when every address in the range is allocated or in use.
	ErrPoolExhausted = errors.New("address pool exhausted")
	// ErrAddressUnavailable is returned when a requested address cannot be bound to the client.
	ErrAddressUnavailable = errors.New("address unavailable")
)

// Server runs the allocator on a UDP socket.
type Server struct {
	cfg       config.DHCPConfig
	logger    *log.Logger
	allocator *Allocator
}

// Allocator answers DHCP messages against a Pool. It is safe for concurrent use.
type Allocator struct {
	cfg       config.DHCPConfig
	logger    *log.Logger
	pool      *Pool
	oracle    probe.Oracle
	notifiers []Notifier
	metrics   *Metrics
}

// Pool tracks which addresses of an IPv4 range are reserved or leased.
type Pool struct {
	mu           sync.Mutex
	start        uint32
	end          uint32
	allocated    *bitset.BitSet
	reservations map[uint]reservation
	leases       map[string]Lease
	lastTicket   Ticket
	leaseTime    time.Duration
	offerTimeout time.Duration
	now          func() time.Time
}

// Ticket identifies the reservation made by one step of one DISCOVER scan.
type Ticket uint64

// reservation is a tentative hold on an address, keyed by its range offset. It is made before
// the address is probed, marked offered once the probe comes back free, and turned into a lease
// by a REQUEST carrying the same transaction id.
type reservation struct {
	ticket   Ticket
	hw       string
	xid      wire.TransactionID
	ip       net.IP
	deadline time.Time
	offered  bool
}

// Lease is an address bound to a client after ACK.
type Lease struct {
	ID         uuid.UUID        `json:"id"`
	HWAddr     net.HardwareAddr `json:"-"`
	ClientID   string           `json:"client_id"`
	IP         net.IP           `json:"address"`
	AssignedAt time.Time        `json:"assigned_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// Event converts l into the notification published on ACK.
func (l Lease) Event() wire.LeaseEvent {
	return wire.LeaseEvent{
		ID:         l.ID,
		ClientID:   l.ClientID,
		HWAddr:     l.HWAddr.String(),
		Address:    l.IP.String(),
		AssignedAt: l.AssignedAt,
		ExpiresAt:  l.ExpiresAt,
	}
}
