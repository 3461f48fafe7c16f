// Package updates applies name updates and lease notifications to the cache.
package updates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"

	"netlease/pkg/bus"
	"netlease/pkg/wire"
	"netlease/services/dnsd/internal/cache"
)

// MaxPayload is the largest update datagram accepted. Longer datagrams are dropped.
const MaxPayload = 512

// LeaseConsumer is the durable consumer name used on the lease subject.
const LeaseConsumer = "dnsd-leases"

// Applier writes updates into the cache.
type Applier struct {
	cache  *cache.Cache
	logger *log.Logger
	count  atomic.Uint64
}

func NewApplier(c *cache.Cache, logger *log.Logger) *Applier {
	if logger == nil {
		logger = log.Default()
	}
	return &Applier{cache: c, logger: logger}
}

// Apply stores u. Explicit updates are static; lease notifications are lease-derived.
func (a *Applier) Apply(u wire.Update) cache.Entry {
	p := cache.Static
	if u.Kind == wire.UpdateLease {
		p = cache.LeaseDerived
	}
	e := a.cache.Set(u.Hostname(), u.Address, p)
	a.count.Add(1)
	a.logger.Printf("INFO %s -> %s (%s)", e.Name, e.Address, e.Provenance)
	return e
}

// ApplyPayload parses and applies a plain-text update.
func (a *Applier) ApplyPayload(payload []byte) (cache.Entry, error) {
	u, err := wire.ParseUpdate(payload)
	if err != nil {
		return cache.Entry{}, err
	}
	return a.Apply(u), nil
}

// Applied reports how many updates have been stored.
func (a *Applier) Applied() uint64 {
	return a.count.Load()
}

// Listener reads plain-text updates from a UDP socket.
type Listener struct {
	addr    string
	applier *Applier
	logger  *log.Logger
}

func NewListener(addr string, applier *Applier, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{addr: addr, applier: applier, logger: logger}
}

// Run binds the update port and serves until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, ready *atomic.Bool) error {
	pc, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}
	l.logger.Printf("INFO dns updates on %s", pc.LocalAddr())
	if ready != nil {
		ready.Store(true)
	}
	return l.Serve(ctx, pc)
}

// Serve applies datagrams from pc until ctx is cancelled. pc is closed on return.
func (l *Listener) Serve(ctx context.Context, pc net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() {
		pc.Close()
	})
	defer stop()

	// One spare byte tells a full-size datagram from one the read cut short.
	buf := make([]byte, MaxPayload+1)
	for {
		n, peer, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			pc.Close()
			return fmt.Errorf("update read: %w", err)
		}
		if n > MaxPayload {
			l.logger.Printf("WARN dropping update from %s: larger than %d bytes", peer, MaxPayload)
			continue
		}
		if _, err := l.applier.ApplyPayload(buf[:n]); err != nil {
			l.logger.Printf("WARN dropping update from %s: %v", peer, err)
		}
	}
}

type subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// SubscribeLeases applies lease events published by the allocator. Undecodable events are
// acknowledged and dropped so they are not redelivered forever.
func SubscribeLeases(ctx context.Context, sub subscriber, applier *Applier, logger *log.Logger) (io.Closer, error) {
	if sub == nil {
		return nil, errors.New("nil subscriber")
	}
	if logger == nil {
		logger = log.Default()
	}
	return sub.Subscribe(ctx, bus.LeaseAssignedSubject, LeaseConsumer, func(_ context.Context, data []byte) error {
		var evt wire.LeaseEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			logger.Printf("WARN dropping lease event: %v", err)
			return nil
		}
		u, err := evt.Update()
		if err != nil {
			logger.Printf("WARN dropping lease event %s: %v", evt.ID, err)
			return nil
		}
		applier.Apply(u)
		return nil
	})
}
