package wire

import (
	"net"

	"github.com/miekg/dns"
)

// AnswerTTL is the TTL advertised for static and lease-derived answers.
const AnswerTTL uint32 = 300

// CanonicalName returns name in absolute, lower-case form ("Host-7" -> "host-7.").
func CanonicalName(name string) string {
	return dns.CanonicalName(name)
}

// NewA builds an A record of class IN for name.
func NewA(name string, ip net.IP, ttl uint32) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   CanonicalName(name),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: ip.To4(),
	}
}

// NewNameError builds an NXDOMAIN reply that keeps the query's id and question section.
func NewNameError(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeNameError)
	resp.RecursionAvailable = true
	return resp
}

// NewAnswer builds an authoritative reply carrying a single A record.
func NewAnswer(req *dns.Msg, name string, ip net.IP, ttl uint32) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.RecursionAvailable = true
	resp.Answer = []dns.RR{NewA(name, ip, ttl)}
	return resp
}
