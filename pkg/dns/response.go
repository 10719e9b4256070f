package dns

import (
	"net"
	"net/netip"

	"github.com/miekg/dns"
)

func newReply(req *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Authoritative = true
	msg.RecursionAvailable = true
	return msg
}

// answerA builds a NOERROR response with a single A record owned by the name
// exactly as the client spelled it.
func answerA(req *dns.Msg, addr netip.Addr, ttl uint32) *dns.Msg {
	msg := newReply(req)
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   req.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: net.IP(addr.AsSlice()),
	})
	return msg
}

func answerNXDomain(req *dns.Msg) *dns.Msg {
	msg := newReply(req)
	msg.SetRcode(req, dns.RcodeNameError)
	return msg
}

// stampReply rewrites a cached response for a new request: transaction id,
// header flags, question and answer owner names follow req.
func stampReply(cached, req *dns.Msg) *dns.Msg {
	question := req.Question[0]

	cached.Id = req.Id
	cached.RecursionDesired = req.RecursionDesired
	cached.CheckingDisabled = req.CheckingDisabled
	cached.Question = []dns.Question{question}
	for _, rr := range cached.Answer {
		rr.Header().Name = question.Name
	}
	return cached
}
