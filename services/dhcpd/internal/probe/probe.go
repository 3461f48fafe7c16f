package probe

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-ping/ping"
)

// DefaultTimeout bounds a single echo probe.
const DefaultTimeout = 200 * time.Millisecond

// Oracle reports whether an address is free to hand out. A non-nil error means the probe
// itself failed; callers decide how to treat the address in that case.
type Oracle interface {
	Available(ctx context.Context, ip net.IP) (bool, error)
}

// Always is an Oracle that answers the same way for every address.
type Always bool

func (a Always) Available(context.Context, net.IP) (bool, error) {
	return bool(a), nil
}

// ICMPOracle sends one ICMP echo and treats any reply as "in use".
type ICMPOracle struct {
	Timeout    time.Duration
	Privileged bool

	newPinger pingerFunc
}

// pinger is the part of *ping.Pinger the oracle drives.
type pinger interface {
	Run() error
	Stop()
}

type pingerFunc func(addr string, timeout time.Duration, privileged bool, onReply func()) (pinger, error)

func newEchoPinger(addr string, timeout time.Duration, privileged bool, onReply func()) (pinger, error) {
	p, err := ping.NewPinger(addr)
	if err != nil {
		return nil, err
	}
	p.SetPrivileged(privileged)
	p.Timeout = timeout
	p.Count = 1
	p.OnRecv = func(_ *ping.Packet) {
		onReply()
	}
	return p, nil
}

func NewICMPOracle(timeout time.Duration, privileged bool) *ICMPOracle {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ICMPOracle{Timeout: timeout, Privileged: privileged, newPinger: newEchoPinger}
}

func (o *ICMPOracle) Available(ctx context.Context, ip net.IP) (bool, error) {
	if ip.To4() == nil {
		return false, fmt.Errorf("probe %v: not an IPv4 address", ip)
	}

	newPinger := o.newPinger
	if newPinger == nil {
		newPinger = newEchoPinger
	}
	var reply atomic.Bool
	p, err := newPinger(ip.String(), o.Timeout, o.Privileged, func() {
		reply.Store(true)
	})
	if err != nil {
		return true, fmt.Errorf("new pinger for %s: %w", ip, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.Run()
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		p.Stop()
		<-done
		return false, ctx.Err()
	}
	if err != nil {
		return true, fmt.Errorf("ping %s: %w", ip, err)
	}
	return !reply.Load(), nil
}
