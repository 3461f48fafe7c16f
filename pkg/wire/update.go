package wire

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
)

// ErrMalformedUpdate is returned for update-channel payloads that cannot be applied.
var ErrMalformedUpdate = errors.New("malformed update")

// UpdateKind distinguishes the two payload shapes on the update channel.
type UpdateKind int

const (
	// UpdateRecord is an explicit "domain,address" update.
	UpdateRecord UpdateKind = iota
	// UpdateLease is a "lease,<client-id>,<address>" lease-assignment notification.
	UpdateLease
)

const leaseKeyword = "lease"

// Update is a decoded cache mutation.
type Update struct {
	Kind     UpdateKind
	Name     string
	ClientID string
	Address  net.IP
}

// LeaseHostname is the hostname lease-derived entries are published under.
func LeaseHostname(clientID string) string {
	return "client-" + clientID
}

// Hostname returns the domain the update applies to, in absolute form.
func (u Update) Hostname() string {
	if u.Kind == UpdateLease {
		return CanonicalName(LeaseHostname(u.ClientID))
	}
	return CanonicalName(u.Name)
}

// MarshalText renders u in the plain-text update channel format.
func (u Update) MarshalText() ([]byte, error) {
	ip := u.Address.To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: address %v is not IPv4", ErrMalformedUpdate, u.Address)
	}
	switch u.Kind {
	case UpdateLease:
		if u.ClientID == "" {
			return nil, fmt.Errorf("%w: empty client id", ErrMalformedUpdate)
		}
		return []byte(fmt.Sprintf("%s,%s,%s", leaseKeyword, u.ClientID, ip)), nil
	default:
		if u.Name == "" {
			return nil, fmt.Errorf("%w: empty domain", ErrMalformedUpdate)
		}
		return []byte(fmt.Sprintf("%s,%s", u.Name, ip)), nil
	}
}

// ParseUpdate decodes a plain-text update payload.
func ParseUpdate(payload []byte) (Update, error) {
	text := strings.TrimSpace(string(payload))
	fields := strings.Split(text, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var u Update
	var addr string
	switch {
	case len(fields) == 3 && strings.EqualFold(fields[0], leaseKeyword):
		u.Kind = UpdateLease
		u.ClientID = fields[1]
		addr = fields[2]
		if u.ClientID == "" || strings.ContainsAny(u.ClientID, ". ") {
			return Update{}, fmt.Errorf("%w: invalid client id %q", ErrMalformedUpdate, u.ClientID)
		}
	case len(fields) == 2:
		u.Kind = UpdateRecord
		u.Name = fields[0]
		addr = fields[1]
		if u.Name == "" {
			return Update{}, fmt.Errorf("%w: empty domain", ErrMalformedUpdate)
		}
		if _, ok := dns.IsDomainName(u.Name); !ok {
			return Update{}, fmt.Errorf("%w: invalid domain %q", ErrMalformedUpdate, u.Name)
		}
	default:
		return Update{}, fmt.Errorf("%w: %q", ErrMalformedUpdate, text)
	}

	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return Update{}, fmt.Errorf("%w: invalid IPv4 address %q", ErrMalformedUpdate, addr)
	}
	u.Address = ip
	return u, nil
}

// LeaseEvent is published on the bus when the allocator acknowledges a lease.
type LeaseEvent struct {
	ID         uuid.UUID `json:"id"`
	ClientID   string    `json:"client_id"`
	HWAddr     string    `json:"hw_addr"`
	Address    string    `json:"address"`
	AssignedAt time.Time `json:"assigned_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Update converts the event into the equivalent update-channel mutation.
func (e LeaseEvent) Update() (Update, error) {
	ip := net.ParseIP(e.Address).To4()
	if ip == nil {
		return Update{}, fmt.Errorf("%w: invalid IPv4 address %q", ErrMalformedUpdate, e.Address)
	}
	if e.ClientID == "" {
		return Update{}, fmt.Errorf("%w: empty client id", ErrMalformedUpdate)
	}
	return Update{Kind: UpdateLease, ClientID: e.ClientID, Address: ip}, nil
}
