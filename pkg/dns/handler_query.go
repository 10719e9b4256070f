package dns

import (
	"context"
	"strings"
	"time"

	"small-dns/pkg/cache"
	"small-dns/pkg/config"

	"github.com/miekg/dns"
)

// isReverseQuery matches PTR queries and anything under the .arpa tree.
func isReverseQuery(q dns.Question) bool {
	if q.Qtype == dns.TypePTR {
		return true
	}
	return strings.HasSuffix(config.NormalizeDomain(q.Name), ".arpa")
}

// serveFromCache returns the cached response adapted to req, or nil on a miss.
func (h *Handler) serveFromCache(ctx context.Context, req *dns.Msg, now time.Time, outcome *serveDNSOutcome) *dns.Msg {
	if h.Cache == nil {
		return nil
	}

	question := req.Question[0]
	cached, ok := h.Cache.Lookup(ctx, cache.NewKey(question.Name, question.Qtype), now)
	if !ok {
		h.Logger.Debug("Cache miss", "domain", question.Name, "type", dnsTypeLabel(question.Qtype))
		return nil
	}

	h.Logger.Debug("Cache hit", "domain", question.Name, "type", dnsTypeLabel(question.Qtype))
	outcome.cached = true
	outcome.responseCode = cached.Rcode
	return stampReply(cached, req)
}

// resolve builds the response from the allowlist and stores it in the cache.
// Negative answers are cached too.
func (h *Handler) resolve(ctx context.Context, req *dns.Msg, now time.Time, outcome *serveDNSOutcome) *dns.Msg {
	question := req.Question[0]

	addr, found := h.Resolver.Resolve(question.Name, question.Qtype)
	var msg *dns.Msg
	if found {
		msg = answerA(req, addr, h.answerTTL)
	} else {
		msg = answerNXDomain(req)
	}
	outcome.responseCode = msg.Rcode

	if h.Cache != nil {
		h.Cache.Store(ctx, cache.NewKey(question.Name, question.Qtype), msg, now)
	}
	return msg
}
