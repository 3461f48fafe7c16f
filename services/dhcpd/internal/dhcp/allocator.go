package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"netlease/pkg/wire"
	"netlease/services/dhcpd/internal/config"
	"netlease/services/dhcpd/internal/probe"
)

const notifyTimeout = 2 * time.Second

// NewAllocator builds an allocator over the configured range. A nil oracle disables probing and
// a nil metrics value gets an unregistered set of collectors.
func NewAllocator(cfg config.DHCPConfig, oracle probe.Oracle, logger *log.Logger, metrics *Metrics, notifiers ...Notifier) (*Allocator, error) {
	if logger == nil {
		logger = log.Default()
	}
	if oracle == nil {
		oracle = probe.Always(true)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.ServerIP.To4() == nil {
		return nil, fmt.Errorf("server ip %v is not IPv4", cfg.ServerIP)
	}
	pool, err := NewPool(cfg.RangeStart, cfg.RangeEnd, cfg.LeaseTime, cfg.OfferTimeout)
	if err != nil {
		return nil, err
	}
	return &Allocator{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		oracle:    oracle,
		notifiers: notifiers,
		metrics:   metrics,
	}, nil
}

// Pool exposes the allocator's address pool.
func (a *Allocator) Pool() *Pool {
	return a.pool
}

// Handle processes one request and returns the reply to send, or nil when nothing should be sent.
func (a *Allocator) Handle(ctx context.Context, req *wire.Message) *wire.Message {
	if req.Op != wire.OpRequest {
		a.logger.Printf("DEBUG [xid %s] ignoring op %d", req.TransactionID, req.Op)
		return nil
	}
	if len(req.ClientHWAddr) == 0 {
		a.logger.Printf("WARN [xid %s] %s without client hardware address", req.TransactionID, req.Type)
		return nil
	}
	a.metrics.observeReceived(req.Type)

	var reply *wire.Message
	switch req.Type {
	case dhcpv4.MessageTypeDiscover:
		reply = a.discover(ctx, req)
	case dhcpv4.MessageTypeRequest:
		reply = a.request(ctx, req)
	case dhcpv4.MessageTypeRelease:
		a.release(req)
	default:
		a.logger.Printf("DEBUG [xid %s] ignoring %s from %s", req.TransactionID, req.Type, req.ClientHWAddr)
	}
	if reply != nil {
		a.metrics.observeSent(reply.Type)
	}
	return reply
}

func (a *Allocator) discover(ctx context.Context, req *wire.Message) *wire.Message {
	hw := req.ClientHWAddr
	a.pool.Prune()

	if l, ok := a.pool.Lookup(hw); ok {
		a.logger.Printf("INFO [xid %s] re-offering leased %s to %s", req.TransactionID, l.IP, hw)
		return a.reply(req, dhcpv4.MessageTypeOffer, l.IP)
	}

	ip, err := a.reserveFree(ctx, hw, req.TransactionID)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			a.metrics.exhausted.Inc()
			a.logger.Printf("WARN [xid %s] no free address for %s: %v", req.TransactionID, hw, err)
		} else {
			a.logger.Printf("WARN [xid %s] discover from %s abandoned: %v", req.TransactionID, hw, err)
		}
		return nil
	}

	a.logger.Printf("INFO [xid %s] offering %s to %s", req.TransactionID, ip, hw)
	return a.reply(req, dhcpv4.MessageTypeOffer, ip)
}

// reserveFree scans the range upward, reserving each candidate under its own ticket before
// probing it so that concurrent discovers never settle on the same address, even when they come
// from the same client.
func (a *Allocator) reserveFree(ctx context.Context, hw net.HardwareAddr, xid wire.TransactionID) (net.IP, error) {
	var cursor net.IP
	for {
		ip, ticket, err := a.pool.ReserveNext(hw, xid, cursor)
		if err != nil {
			return nil, err
		}
		free, err := a.available(ctx, ip)
		if err != nil {
			a.pool.Unreserve(ticket, ip)
			return nil, err
		}
		if free && a.pool.Offer(ticket, ip) {
			return ip, nil
		}
		if free {
			a.logger.Printf("WARN [xid %s] reservation of %s for %s lapsed while checking it", xid, ip, hw)
		} else {
			a.pool.Unreserve(ticket, ip)
		}
		cursor = ip
	}
}

// available probes ip. A failed probe counts as free; only cancellation is returned as an error.
func (a *Allocator) available(ctx context.Context, ip net.IP) (bool, error) {
	free, err := a.oracle.Available(ctx, ip)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		a.metrics.probeErrors.Inc()
		a.logger.Printf("WARN probe %s failed, treating as free: %v", ip, err)
		return true, nil
	}
	if !free {
		a.metrics.inUse.Inc()
		a.logger.Printf("INFO %s answered probe, skipping", ip)
	}
	return free, nil
}

func (a *Allocator) request(ctx context.Context, req *wire.Message) *wire.Message {
	hw := req.ClientHWAddr
	ip := req.RequestedIP()
	if ip == nil {
		a.logger.Printf("WARN [xid %s] request from %s names no address", req.TransactionID, hw)
		return a.nak(req)
	}
	if sid := req.ServerIdentifier(); sid != nil && !sid.Equal(a.cfg.ServerIP) {
		// The client picked another server's offer.
		if a.pool.Withdraw(hw, req.TransactionID, ip) {
			a.logger.Printf("INFO [xid %s] %s chose server %s, released %s", req.TransactionID, hw, sid, ip)
		}
		return nil
	}
	if !a.pool.Contains(ip) {
		a.logger.Printf("WARN [xid %s] %s requested %s outside range", req.TransactionID, hw, ip)
		return a.nak(req)
	}

	a.pool.Prune()
	switch a.pool.holds(hw, req.TransactionID, ip) {
	case holdsNothing:
		a.logger.Printf("WARN [xid %s] %s requested %s without a matching offer", req.TransactionID, hw, ip)
		return a.nak(req)
	case holdsReservation:
		free, err := a.available(ctx, ip)
		if err != nil {
			a.logger.Printf("WARN [xid %s] request from %s abandoned: %v", req.TransactionID, hw, err)
			return nil
		}
		if !free {
			a.pool.Withdraw(hw, req.TransactionID, ip)
			a.logger.Printf("WARN [xid %s] %s claimed by another host, released reservation for %s", req.TransactionID, ip, hw)
			return a.nak(req)
		}
	case holdsLease:
		// Renewal: the only host that would answer a probe is the client itself.
	}

	l, err := a.pool.Bind(hw, req.TransactionID, req.ClientID(), ip)
	if err != nil {
		a.logger.Printf("WARN [xid %s] bind %s to %s: %v", req.TransactionID, ip, hw, err)
		return a.nak(req)
	}

	a.logger.Printf("INFO [xid %s] acknowledged %s for %s until %s", req.TransactionID, l.IP, hw, l.ExpiresAt.Format(time.RFC3339))
	a.notify(ctx, l)
	return a.reply(req, dhcpv4.MessageTypeAck, l.IP)
}

func (a *Allocator) release(req *wire.Message) {
	if l, ok := a.pool.Release(req.ClientHWAddr); ok {
		a.logger.Printf("INFO [xid %s] %s released %s", req.TransactionID, req.ClientHWAddr, l.IP)
	}
}

func (a *Allocator) notify(ctx context.Context, l Lease) {
	if len(a.notifiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	evt := l.Event()
	for _, n := range a.notifiers {
		if err := n.Notify(ctx, evt); err != nil {
			a.metrics.notifyErrors.Inc()
			a.logger.Printf("ERROR notify lease %s for %s: %v", evt.Address, evt.ClientID, err)
		}
	}
}

func (a *Allocator) reply(req *wire.Message, msgType dhcpv4.MessageType, ip net.IP) *wire.Message {
	reply := wire.NewReply(req, msgType, a.cfg.ServerIP)
	reply.YourIP = cloneIP(ip)
	if a.cfg.SubnetMask != nil {
		reply.Options.Update(dhcpv4.OptSubnetMask(a.cfg.SubnetMask))
	}
	if a.cfg.Router != nil {
		reply.Options.Update(dhcpv4.OptRouter(a.cfg.Router))
	}
	if len(a.cfg.DNSServers) > 0 {
		reply.Options.Update(dhcpv4.OptDNS(a.cfg.DNSServers...))
	}
	reply.Options.Update(dhcpv4.OptIPAddressLeaseTime(a.cfg.LeaseTime))
	return reply
}

func (a *Allocator) nak(req *wire.Message) *wire.Message {
	return wire.NewReply(req, dhcpv4.MessageTypeNak, a.cfg.ServerIP)
}
