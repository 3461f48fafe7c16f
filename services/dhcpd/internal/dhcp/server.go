package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"netlease/pkg/sockopt"
	"netlease/pkg/wire"
	"netlease/services/dhcpd/internal/config"
)

const maxDatagram = 1500

var broadcastAddr = &net.UDPAddr{IP: net.IPv4bcast, Port: wire.ClientPort}

func NewServer(cfg config.DHCPConfig, allocator *Allocator, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	if allocator == nil {
		return nil, errors.New("nil allocator")
	}
	return &Server{cfg: cfg, logger: logger, allocator: allocator}, nil
}

// Run binds the DHCP port and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	conn, err := sockopt.ListenBroadcastUDP4(ctx, s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}

	var pc net.PacketConn = conn
	if s.cfg.Interface != "" {
		iface, err := net.InterfaceByName(s.cfg.Interface)
		if err != nil {
			conn.Close()
			return fmt.Errorf("lookup interface %s: %w", s.cfg.Interface, err)
		}
		pc, err = newInterfaceConn(conn, iface.Index)
		if err != nil {
			conn.Close()
			return fmt.Errorf("filter interface %s: %w", s.cfg.Interface, err)
		}
	}

	s.logger.Printf("INFO dhcp listening on %s (range %s-%s)", conn.LocalAddr(), s.cfg.RangeStart, s.cfg.RangeEnd)
	if ready != nil {
		ready.Store(true)
	}
	return s.Serve(ctx, pc)
}

// Serve reads requests from conn until ctx is cancelled or conn fails. conn is closed on return.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			conn.Close()
			return fmt.Errorf("dhcp read: %w", err)
		}
		if n == 0 {
			continue
		}

		req, err := wire.Decode(buf[:n])
		if err != nil {
			s.logger.Printf("WARN dropping datagram from %s: %v", peer, err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.respond(ctx, conn, peer, req)
		}()
	}
}

func (s *Server) respond(ctx context.Context, conn net.PacketConn, peer net.Addr, req *wire.Message) {
	reply := s.allocator.Handle(ctx, req)
	if reply == nil {
		return
	}
	payload, err := wire.Encode(reply)
	if err != nil {
		s.logger.Printf("ERROR [xid %s] encode %s: %v", reply.TransactionID, reply.Type, err)
		return
	}
	dst := replyAddr(req, peer)
	if _, err := conn.WriteTo(payload, dst); err != nil {
		s.logger.Printf("ERROR [xid %s] send %s to %s: %v", reply.TransactionID, reply.Type, dst, err)
	}
}

// replyAddr picks the destination for a reply: broadcast when the client asked for it or has no
// address to reach yet, otherwise the datagram's source.
func replyAddr(req *wire.Message, peer net.Addr) net.Addr {
	if req.Broadcast() {
		return broadcastAddr
	}
	udp, ok := peer.(*net.UDPAddr)
	if !ok || udp.IP == nil || udp.IP.IsUnspecified() {
		return broadcastAddr
	}
	return peer
}

// interfaceConn drops datagrams that did not arrive on the configured interface.
type interfaceConn struct {
	net.PacketConn
	pc      *ipv4.PacketConn
	ifIndex int
}

func newInterfaceConn(conn net.PacketConn, ifIndex int) (*interfaceConn, error) {
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		return nil, err
	}
	return &interfaceConn{PacketConn: conn, pc: pc, ifIndex: ifIndex}, nil
}

func (c *interfaceConn) ReadFrom(buf []byte) (int, net.Addr, error) {
	n, cm, peer, err := c.pc.ReadFrom(buf)
	if err != nil {
		return n, peer, err
	}
	if cm != nil && cm.IfIndex != c.ifIndex {
		return 0, peer, nil
	}
	return n, peer, nil
}

func (c *interfaceConn) WriteTo(buf []byte, dst net.Addr) (int, error) {
	return c.pc.WriteTo(buf, &ipv4.ControlMessage{IfIndex: c.ifIndex}, dst)
}
