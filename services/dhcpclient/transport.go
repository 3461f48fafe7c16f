package dhcpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"netlease/pkg/sockopt"
	"netlease/pkg/wire"
)

// UDPTransport broadcasts on the client port and listens for allocator replies on it.
type UDPTransport struct {
	conn   net.PacketConn
	server net.Addr
}

// ListenUDP binds laddr (normally ":68") with broadcast enabled. server is where messages are
// sent; nil means the limited broadcast address on the allocator port.
func ListenUDP(ctx context.Context, laddr string, server net.Addr) (*UDPTransport, error) {
	conn, err := sockopt.ListenBroadcastUDP4(ctx, laddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", laddr, err)
	}
	if server == nil {
		server = &net.UDPAddr{IP: net.IPv4bcast, Port: wire.ServerPort}
	}
	return &UDPTransport{conn: conn, server: server}, nil
}

func (t *UDPTransport) Send(ctx context.Context, payload []byte) error {
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := t.conn.WriteTo(payload, t.server)
	return err
}

func (t *UDPTransport) Receive(ctx context.Context, buf []byte) (int, error) {
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, _, err := t.conn.ReadFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, context.DeadlineExceeded
		}
		return 0, err
	}
	return n, nil
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
