package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"

	"netlease/pkg/wire"
)

func TestResolveHardwareAddr(t *testing.T) {
	tests := []struct {
		name    string
		hw      string
		iface   string
		want    string
		wantErr bool
	}{
		{name: "explicit", hw: "02:00:5e:10:20:30", want: "02:00:5e:10:20:30"},
		{name: "dashes", hw: "02-00-5E-10-20-31", want: "02:00:5e:10:20:31"},
		{name: "bad address", hw: "02:00", wantErr: true},
		{name: "missing interface", iface: "does-not-exist0", wantErr: true},
		{name: "neither", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveHardwareAddr(tt.hw, tt.iface)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveHardwareAddr() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got.String() != tt.want {
				t.Fatalf("resolveHardwareAddr() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSendUpdate(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tests := []struct {
		name   string
		update wire.Update
		want   string
	}{
		{
			name:   "record",
			update: wire.Update{Kind: wire.UpdateRecord, Name: "host-7", Address: net.IPv4(10, 0, 0, 7)},
			want:   "host-7,10.0.0.7",
		},
		{
			name:   "lease",
			update: wire.Update{Kind: wire.UpdateLease, ClientID: "aabbcc001122", Address: net.IPv4(192, 168, 1, 150)},
			want:   "lease,aabbcc001122,192.168.1.150",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := sendUpdate(ctx, pc.LocalAddr().String(), tt.update); err != nil {
				t.Fatalf("sendUpdate() error = %v", err)
			}
			_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
			buf := make([]byte, 512)
			n, _, err := pc.ReadFrom(buf)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if got := string(buf[:n]); got != tt.want {
				t.Fatalf("payload = %q, want %q", got, tt.want)
			}
		})
	}

	err = sendUpdate(ctx, pc.LocalAddr().String(), wire.Update{Name: "host-7"})
	if !errors.Is(err, wire.ErrMalformedUpdate) {
		t.Fatalf("sendUpdate() without address error = %v", err)
	}
}

func TestQueryCommand(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		if req.Question[0].Name != "host-7." {
			_ = w.WriteMsg(wire.NewNameError(req))
			return
		}
		_ = w.WriteMsg(wire.NewAnswer(req, "host-7.", net.IPv4(10, 0, 0, 7), wire.AnswerTTL))
	})}
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ActivateAndServe() }()
	defer srv.Shutdown()
	<-started

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{name: "answer", args: []string{"query", "Host-7", "--dns", pc.LocalAddr().String()}, want: "host-7.\t300\t10.0.0.7\n"},
		{name: "nxdomain", args: []string{"query", "missing", "--dns", pc.LocalAddr().String()}, wantErr: "NXDOMAIN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := newRootCommand()
			cmd.SetOut(&out)
			cmd.SetArgs(tt.args)
			err := cmd.ExecuteContext(context.Background())
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Execute() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if out.String() != tt.want {
				t.Fatalf("output = %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestLeaseCommandRequiresHardwareAddr(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"lease", "--listen", "127.0.0.1:0"})
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("Execute() succeeded without --hw")
	}
}
