package dns

import (
	"net/netip"

	"github.com/miekg/dns"
)

// admit applies the packet-level checks. It returns the decoded request, or
// nil and the reason for dropping it. Oversized packets are never decoded.
func (h *Handler) admit(client netip.Addr, packet []byte) (*dns.Msg, Verdict) {
	if len(packet) > h.maxPacketSize {
		h.Logger.Info("Dropped oversized packet",
			"client", client,
			"size", len(packet),
			"limit", h.maxPacketSize,
		)
		return nil, VerdictOversized
	}

	req, err := h.unpack(packet)
	if err != nil {
		h.Logger.Info("Dropped malformed packet", "client", client, "size", len(packet), "error", err)
		return nil, VerdictMalformed
	}

	// Only plain queries are served; a response arriving here is either
	// misdirected or a poisoning attempt.
	switch {
	case req.Response:
		h.Logger.Info("Dropped unsolicited response", "client", client, "id", req.Id)
		return nil, VerdictNotQuery
	case req.Opcode != dns.OpcodeQuery:
		h.Logger.Info("Dropped packet with unsupported opcode",
			"client", client,
			"opcode", dns.OpcodeToString[req.Opcode],
		)
		return nil, VerdictNotQuery
	case len(req.Question) != 1:
		h.Logger.Info("Dropped packet with unexpected question count",
			"client", client,
			"questions", len(req.Question),
		)
		return nil, VerdictNotQuery
	}

	if h.requireRecursion && !req.RecursionDesired {
		h.Logger.Info("Dropped non-recursive query", "client", client, "domain", req.Question[0].Name)
		return nil, VerdictNoRecursion
	}

	return req, VerdictAnswered
}
