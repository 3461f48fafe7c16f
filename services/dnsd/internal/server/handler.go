// Package server answers DNS queries from the cache, forwarding misses upstream.
package server

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"netlease/pkg/wire"
	"netlease/services/dnsd/internal/cache"
	"netlease/services/dnsd/internal/resolver"
)

// Forwarder resolves queries the cache cannot answer.
type Forwarder interface {
	Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
}

// Handler turns queries into replies. It is safe for concurrent use.
type Handler struct {
	cache         *cache.Cache
	upstream      Forwarder
	logger        *log.Logger
	metrics       *Metrics
	tracer        trace.Tracer
	cacheUpstream bool
}

// Option customises a Handler.
type Option func(*Handler)

// WithUpstreamCaching controls whether upstream A answers are cached until their TTL runs out.
func WithUpstreamCaching(enabled bool) Option {
	return func(h *Handler) { h.cacheUpstream = enabled }
}

// WithMetrics attaches collectors.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func NewHandler(c *cache.Cache, upstream Forwarder, logger *log.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{
		cache:         c,
		upstream:      upstream,
		logger:        logger,
		tracer:        otel.Tracer("netlease/dnsd"),
		cacheUpstream: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}
	return h
}

// ServeDNS implements dns.Handler.
func (h *Handler) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	resp := h.Answer(context.Background(), req)
	if resp == nil {
		return
	}
	if err := w.WriteMsg(resp); err != nil {
		h.logger.Printf("ERROR [id %d] write reply to %s: %v", req.Id, w.RemoteAddr(), err)
	}
}

// Answer returns the reply for req, or nil when no reply should be sent.
func (h *Handler) Answer(ctx context.Context, req *dns.Msg) *dns.Msg {
	ctx, span := h.tracer.Start(ctx, "dns.query", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if len(req.Question) == 0 {
		h.metrics.observe(resultDropped)
		span.SetStatus(codes.Error, "no question")
		return nil
	}
	q := req.Question[0]
	span.SetAttributes(
		attribute.String("dns.question.name", q.Name),
		attribute.String("dns.question.type", dns.TypeToString[q.Qtype]),
	)

	if len(req.Question) == 1 && q.Qtype == dns.TypeA && q.Qclass == dns.ClassINET {
		if e, ok := h.cache.Lookup(q.Name); ok {
			h.metrics.observe(resultHit)
			span.SetAttributes(attribute.String("dns.cache", string(e.Provenance)))
			return wire.NewAnswer(req, e.Name, e.Address, answerTTL(e, time.Now()))
		}
	}

	resp, err := h.upstream.Exchange(ctx, req)
	switch {
	case err == nil:
		h.metrics.observe(resultForwarded)
		if h.cacheUpstream {
			h.remember(q, resp)
		}
		return resp
	case errors.Is(err, resolver.ErrNameNotFound):
		h.metrics.observe(resultNameError)
		return wire.NewNameError(req)
	default:
		h.metrics.observe(resultDropped)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream failure")
		h.logger.Printf("WARN [id %d] %s %s: %v", req.Id, q.Name, dns.TypeToString[q.Qtype], err)
		return nil
	}
}

// remember caches the A record an upstream returned for q, expiring with the smallest TTL in
// the answer section.
func (h *Handler) remember(q dns.Question, resp *dns.Msg) {
	if q.Qtype != dns.TypeA || q.Qclass != dns.ClassINET || resp == nil || len(resp.Answer) == 0 {
		return
	}
	minTTL := uint32(math.MaxUint32)
	var addr *dns.A
	for _, rr := range resp.Answer {
		if ttl := rr.Header().Ttl; ttl < minTTL {
			minTTL = ttl
		}
		if a, ok := rr.(*dns.A); ok && addr == nil && wire.CanonicalName(a.Hdr.Name) == wire.CanonicalName(q.Name) {
			addr = a
		}
	}
	if addr == nil || minTTL == 0 {
		return
	}
	h.cache.SetExpiring(q.Name, addr.A, cache.Upstream, time.Duration(minTTL)*time.Second)
}

// answerTTL is the fixed TTL for non-expiring entries and the remaining lifetime otherwise.
func answerTTL(e cache.Entry, now time.Time) uint32 {
	if e.ExpiresAt.IsZero() {
		return wire.AnswerTTL
	}
	remaining := e.ExpiresAt.Sub(now).Seconds()
	if remaining < 1 {
		return 1
	}
	return uint32(remaining)
}
