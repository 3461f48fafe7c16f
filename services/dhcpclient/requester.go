// Package dhcpclient negotiates a single IPv4 lease with a netlease allocator.
package dhcpclient

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/rs/zerolog"

	"netlease/pkg/wire"
)

// DefaultReceiveTimeout bounds each wait for an allocator reply.
const DefaultReceiveTimeout = 5 * time.Second

// State is the requester's position in the DISCOVER/OFFER/REQUEST/ACK exchange.
type State int

const (
	StateInit State = iota
	StateDiscoverSent
	StateRequestSent
	StateBound
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateDiscoverSent:
		return "DISCOVER_SENT"
	case StateRequestSent:
		return "REQUEST_SENT"
	case StateBound:
		return "BOUND"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transport moves encoded DHCP messages between the requester and the allocators on the segment.
type Transport interface {
	// Send broadcasts payload to the allocator port.
	Send(ctx context.Context, payload []byte) error
	// Receive blocks for the next datagram until ctx is done.
	Receive(ctx context.Context, buf []byte) (int, error)
}

// Binding is the outcome of a completed negotiation.
type Binding struct {
	Address       net.IP
	ServerID      net.IP
	TransactionID wire.TransactionID
	SubnetMask    net.IPMask
	Router        net.IP
	DNSServers    []net.IP
	LeaseTime     time.Duration
}

// Requester runs the client side of the handshake. It is not safe for concurrent use.
type Requester struct {
	hw        net.HardwareAddr
	transport Transport
	logger    zerolog.Logger
	timeout   time.Duration
	newXID    func() (wire.TransactionID, error)

	state   State
	xid     wire.TransactionID
	offer   *wire.Message
	binding *Binding
	buf     []byte
}

// Option customises a Requester.
type Option func(*Requester)

// WithLogger sets the requester's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Requester) { r.logger = l }
}

// WithReceiveTimeout overrides DefaultReceiveTimeout.
func WithReceiveTimeout(d time.Duration) Option {
	return func(r *Requester) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func New(hw net.HardwareAddr, transport Transport, opts ...Option) (*Requester, error) {
	if len(hw) == 0 || len(hw) > 16 {
		return nil, fmt.Errorf("invalid hardware address %q", hw)
	}
	if transport == nil {
		return nil, errors.New("nil transport")
	}
	r := &Requester{
		hw:        append(net.HardwareAddr(nil), hw...),
		transport: transport,
		logger:    zerolog.Nop(),
		timeout:   DefaultReceiveTimeout,
		newXID:    randomXID,
		state:     StateInit,
		buf:       make([]byte, 1500),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func randomXID() (wire.TransactionID, error) {
	var xid wire.TransactionID
	if _, err := rand.Read(xid[:]); err != nil {
		return xid, fmt.Errorf("generate transaction id: %w", err)
	}
	return xid, nil
}

// State reports the current state.
func (r *Requester) State() State {
	return r.state
}

// Binding returns the negotiated lease once the requester is bound.
func (r *Requester) Binding() (Binding, bool) {
	if r.state != StateBound || r.binding == nil {
		return Binding{}, false
	}
	return *r.binding, true
}

// Run steps the machine until it is bound or ctx is done.
func (r *Requester) Run(ctx context.Context) (Binding, error) {
	for r.state != StateBound {
		if err := r.Step(ctx); err != nil {
			return Binding{}, err
		}
	}
	return *r.binding, nil
}

// Step performs one transition. Socket failures and timeouts restart the negotiation and are not
// returned; the only error is ctx's.
func (r *Requester) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch r.state {
	case StateInit:
		r.sendDiscover(ctx)
	case StateDiscoverSent:
		r.awaitOffer(ctx)
	case StateRequestSent:
		r.awaitAck(ctx)
	case StateBound:
	}
	return ctx.Err()
}

func (r *Requester) sendDiscover(ctx context.Context) {
	xid, err := r.newXID()
	if err != nil {
		r.logger.Error().Err(err).Msg("discover")
		return
	}
	r.xid = xid
	r.offer = nil

	msg := wire.NewMessage(wire.OpRequest, dhcpv4.MessageTypeDiscover, xid)
	msg.ClientHWAddr = r.hw
	msg.Flags = wire.FlagBroadcast
	msg.Options.Update(dhcpv4.OptParameterRequestList(
		dhcpv4.OptionSubnetMask,
		dhcpv4.OptionRouter,
		dhcpv4.OptionDomainNameServer,
	))

	if err := r.send(ctx, msg); err != nil {
		r.logger.Warn().Err(err).Str("xid", xid.String()).Msg("send discover")
		return
	}
	r.transition(StateDiscoverSent)
}

func (r *Requester) awaitOffer(ctx context.Context) {
	reply, err := r.receive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Str("xid", r.xid.String()).Msg("waiting for offer")
		}
		r.transition(StateInit)
		return
	}
	if reply == nil {
		return
	}
	if reply.TransactionID != r.xid || reply.Op != wire.OpReply || reply.Type != dhcpv4.MessageTypeOffer {
		r.logger.Debug().
			Str("xid", reply.TransactionID.String()).
			Str("type", reply.Type.String()).
			Msg("ignoring message while waiting for offer")
		return
	}

	r.offer = reply
	req := wire.NewMessage(wire.OpRequest, dhcpv4.MessageTypeRequest, r.xid)
	req.ClientHWAddr = r.hw
	req.Flags = wire.FlagBroadcast
	req.YourIP = reply.YourIP
	req.Options.Update(dhcpv4.OptRequestedIPAddress(reply.YourIP))
	if sid := reply.ServerIdentifier(); sid != nil {
		req.ServerIP = sid
		req.Options.Update(dhcpv4.OptServerIdentifier(sid))
	}

	r.logger.Info().Str("xid", r.xid.String()).Str("offered", reply.YourIP.String()).Msg("requesting offered address")
	if err := r.send(ctx, req); err != nil {
		r.logger.Warn().Err(err).Str("xid", r.xid.String()).Msg("send request")
		r.transition(StateInit)
		return
	}
	r.transition(StateRequestSent)
}

func (r *Requester) awaitAck(ctx context.Context) {
	reply, err := r.receive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Str("xid", r.xid.String()).Msg("waiting for ack")
		}
		r.transition(StateInit)
		return
	}
	if reply == nil || reply.TransactionID != r.xid || reply.Op != wire.OpReply || reply.Type != dhcpv4.MessageTypeAck {
		evt := r.logger.Warn().Str("xid", r.xid.String())
		if reply != nil {
			evt = evt.Str("type", reply.Type.String()).Str("reply_xid", reply.TransactionID.String())
		}
		evt.Msg("request not acknowledged, restarting")
		r.transition(StateInit)
		return
	}

	b := &Binding{
		Address:       reply.YourIP.To4(),
		ServerID:      reply.ServerIdentifier(),
		TransactionID: r.xid,
		Router:        firstIP(reply.Options.Get(dhcpv4.OptionRouter)),
		DNSServers:    ipList(reply.Options.Get(dhcpv4.OptionDomainNameServer)),
	}
	if mask := reply.Options.Get(dhcpv4.OptionSubnetMask); len(mask) == net.IPv4len {
		b.SubnetMask = net.IPMask(mask)
	}
	if lt := reply.Options.Get(dhcpv4.OptionIPAddressLeaseTime); len(lt) == 4 {
		secs := uint32(lt[0])<<24 | uint32(lt[1])<<16 | uint32(lt[2])<<8 | uint32(lt[3])
		b.LeaseTime = time.Duration(secs) * time.Second
	}
	r.binding = b
	r.logger.Info().Str("xid", r.xid.String()).Str("address", b.Address.String()).Dur("lease", b.LeaseTime).Msg("bound")
	r.transition(StateBound)
}

func (r *Requester) send(ctx context.Context, msg *wire.Message) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return r.transport.Send(ctx, payload)
}

// receive waits for one datagram. It returns (nil, nil) for payloads that do not decode.
func (r *Requester) receive(ctx context.Context) (*wire.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.transport.Receive(ctx, r.buf)
	if err != nil {
		return nil, err
	}
	msg, err := wire.Decode(r.buf[:n])
	if err != nil {
		r.logger.Debug().Err(err).Int("bytes", n).Msg("undecodable datagram")
		return nil, nil
	}
	return msg, nil
}

func (r *Requester) transition(next State) {
	if next != r.state {
		r.logger.Debug().Str("from", r.state.String()).Str("to", next.String()).Msg("state change")
	}
	r.state = next
}

func firstIP(raw []byte) net.IP {
	if len(raw) < net.IPv4len {
		return nil
	}
	return net.IP(append([]byte(nil), raw[:net.IPv4len]...))
}

func ipList(raw []byte) []net.IP {
	var out []net.IP
	for len(raw) >= net.IPv4len {
		out = append(out, net.IP(append([]byte(nil), raw[:net.IPv4len]...)))
		raw = raw[net.IPv4len:]
	}
	return out
}
