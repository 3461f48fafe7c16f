package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// Listener serves DNS over UDP.
type Listener struct {
	addr    string
	handler dns.Handler
	logger  *log.Logger
}

func NewListener(addr string, handler dns.Handler, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{addr: addr, handler: handler, logger: logger}
}

// Run binds the query port and serves until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, ready *atomic.Bool) error {
	pc, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}
	l.logger.Printf("INFO dns queries on %s", pc.LocalAddr())
	return l.Serve(ctx, pc, ready)
}

// Serve answers queries arriving on pc until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context, pc net.PacketConn, ready *atomic.Bool) error {
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn: pc,
		Handler:    l.handler,
		NotifyStartedFunc: func() {
			if ready != nil {
				ready.Store(true)
			}
			close(started)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ActivateAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("dns serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	select {
	case <-started:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.ShutdownContext(shutdownCtx); err != nil {
			l.logger.Printf("WARN dns shutdown: %v", err)
		}
	default:
		pc.Close()
	}
	<-errCh
	return nil
}
