package dhcp

import (
	"context"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"netlease/pkg/wire"
)

func TestReplyAddr(t *testing.T) {
	unicastPeer := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 150), Port: 68}

	tests := []struct {
		name      string
		broadcast bool
		peer      net.Addr
		want      string
	}{
		{name: "broadcast flag", broadcast: true, peer: unicastPeer, want: "255.255.255.255:68"},
		{name: "unspecified source", peer: &net.UDPAddr{IP: net.IPv4zero, Port: 68}, want: "255.255.255.255:68"},
		{name: "unicast", peer: unicastPeer, want: "192.168.1.150:68"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := wire.NewMessage(wire.OpRequest, dhcpv4.MessageTypeDiscover, wire.TransactionID{})
			if tt.broadcast {
				req.Flags = wire.FlagBroadcast
			}
			if got := replyAddr(req, tt.peer).String(); got != tt.want {
				t.Fatalf("replyAddr() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestServeLoopbackHandshake(t *testing.T) {
	oracle := newFakeOracle()
	markRange(oracle, 100, 149)
	a := newTestAllocator(t, oracle)
	srv, err := NewServer(testConfig(), a, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, conn) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	}()

	client, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	defer client.Close()

	exchange := func(req *wire.Message) *wire.Message {
		t.Helper()
		req.Flags = 0
		payload, err := wire.Encode(req)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if _, err := client.WriteTo(payload, conn.LocalAddr()); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("deadline: %v", err)
		}
		buf := make([]byte, maxDatagram)
		n, _, err := client.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		reply, err := wire.Decode(buf[:n])
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		return reply
	}

	// Garbage is dropped without stopping the loop.
	if _, err := client.WriteTo([]byte("hello"), conn.LocalAddr()); err != nil {
		t.Fatalf("write: %v", err)
	}

	hw := hwAddr(7)
	xid := wire.TransactionID{0xab, 0xcd, 0xef, 0x01}
	offer := exchange(discoverMsg(hw, xid))
	if offer.Type != dhcpv4.MessageTypeOffer || offer.Op != wire.OpReply {
		t.Fatalf("reply = %s op %d, want OFFER", offer.Type, offer.Op)
	}
	if !offer.YourIP.Equal(net.IPv4(192, 168, 1, 150)) {
		t.Fatalf("offered %s, want .150", offer.YourIP)
	}

	ack := exchange(requestMsg(hw, xid, offer.YourIP))
	if ack.Type != dhcpv4.MessageTypeAck || !ack.YourIP.Equal(offer.YourIP) {
		t.Fatalf("reply = %s %s, want ACK .150", ack.Type, ack.YourIP)
	}
	if ack.TransactionID != xid {
		t.Fatalf("ack xid = %s, want %s", ack.TransactionID, xid)
	}
	if got := ack.Options.Get(dhcpv4.OptionIPAddressLeaseTime); len(got) != 4 {
		t.Fatalf("lease time option = %v", got)
	}
}
