// Package resolver forwards queries the local cache cannot answer.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNameNotFound is returned when the upstream answers NXDOMAIN.
	ErrNameNotFound = errors.New("name not found")
	// ErrUpstreamFailure covers transport errors and any rcode other than NOERROR or NXDOMAIN.
	ErrUpstreamFailure = errors.New("upstream failure")
)

// Forwarder sends queries to a list of upstream servers, first success wins.
type Forwarder struct {
	upstreams []string
	udp       *dns.Client
	tcp       *dns.Client
	group     singleflight.Group
}

func New(upstreams []string, timeout time.Duration) (*Forwarder, error) {
	if len(upstreams) == 0 {
		return nil, errors.New("no upstream resolvers configured")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Forwarder{
		upstreams: append([]string(nil), upstreams...),
		udp:       &dns.Client{Net: "udp", Timeout: timeout},
		tcp:       &dns.Client{Net: "tcp", Timeout: timeout},
	}, nil
}

// Exchange resolves req upstream. On NXDOMAIN the upstream response is returned along with an
// error wrapping ErrNameNotFound. Identical questions in flight at the same time share one
// upstream round trip; every caller gets its own copy carrying its own message id.
func (f *Forwarder) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if req == nil || len(req.Question) == 0 {
		return nil, fmt.Errorf("%w: empty question", ErrUpstreamFailure)
	}

	v, err, _ := f.group.Do(flightKey(req), func() (any, error) {
		return f.exchange(context.WithoutCancel(ctx), req)
	})

	var resp *dns.Msg
	if m, ok := v.(*dns.Msg); ok && m != nil {
		resp = m.Copy()
		resp.Id = req.Id
		resp.Question = append([]dns.Question(nil), req.Question...)
	}
	return resp, err
}

func (f *Forwarder) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	var errs []error
	for _, upstream := range f.upstreams {
		resp, _, err := f.udp.ExchangeContext(ctx, req, upstream)
		if err == nil && resp.Truncated {
			resp, _, err = f.tcp.ExchangeContext(ctx, req, upstream)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", upstream, err))
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp, nil
		case dns.RcodeNameError:
			return resp, fmt.Errorf("%w: %s", ErrNameNotFound, req.Question[0].Name)
		default:
			errs = append(errs, fmt.Errorf("%s: rcode %s", upstream, dns.RcodeToString[resp.Rcode]))
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrUpstreamFailure, errors.Join(errs...))
}

// flightKey covers everything in req that shapes the upstream answer, so callers only share a
// response they could have received verbatim themselves.
func flightKey(req *dns.Msg) string {
	q := req.Question[0]
	var (
		udpSize uint16
		dnssec  bool
	)
	if opt := req.IsEdns0(); opt != nil {
		udpSize, dnssec = opt.UDPSize(), opt.Do()
	}
	return fmt.Sprintf("%s/%d/%d/rd=%t/cd=%t/edns=%d/do=%t",
		q.Name, q.Qtype, q.Qclass, req.RecursionDesired, req.CheckingDisabled, udpSize, dnssec)
}
