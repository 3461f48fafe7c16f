package sockopt

import (
	"context"
	"net"
)

// ListenBroadcastUDP4 opens an IPv4 UDP socket on addr with broadcast and address reuse enabled.
func ListenBroadcastUDP4(ctx context.Context, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: Broadcast()}
	return lc.ListenPacket(ctx, "udp4", addr)
}
