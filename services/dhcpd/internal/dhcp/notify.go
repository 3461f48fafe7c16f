package dhcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"netlease/pkg/bus"
	"netlease/pkg/wire"
)

// Notifier is told about every acknowledged lease.
type Notifier interface {
	Notify(ctx context.Context, evt wire.LeaseEvent) error
}

// UDPNotifier sends "lease,<client-id>,<address>" datagrams to a resolver's update port.
type UDPNotifier struct {
	conn    net.Conn
	timeout time.Duration
}

func NewUDPNotifier(addr string) (*UDPNotifier, error) {
	conn, err := net.Dial("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("dial dns update channel %s: %w", addr, err)
	}
	return &UDPNotifier{conn: conn, timeout: time.Second}, nil
}

func (n *UDPNotifier) Notify(_ context.Context, evt wire.LeaseEvent) error {
	u, err := evt.Update()
	if err != nil {
		return err
	}
	payload, err := u.MarshalText()
	if err != nil {
		return err
	}
	if err := n.conn.SetWriteDeadline(time.Now().Add(n.timeout)); err != nil {
		return err
	}
	if _, err := n.conn.Write(payload); err != nil {
		return fmt.Errorf("send lease update: %w", err)
	}
	return nil
}

func (n *UDPNotifier) Close() error {
	return n.conn.Close()
}

type publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// BusNotifier publishes lease events as JSON on the lease-assigned subject.
type BusNotifier struct {
	pub publisher
}

func NewBusNotifier(pub publisher) *BusNotifier {
	return &BusNotifier{pub: pub}
}

func (n *BusNotifier) Notify(ctx context.Context, evt wire.LeaseEvent) error {
	if n.pub == nil {
		return errors.New("nil publisher")
	}
	if err := n.pub.Publish(ctx, bus.LeaseAssignedSubject, evt); err != nil {
		return fmt.Errorf("publish %s: %w", bus.LeaseAssignedSubject, err)
	}
	return nil
}
