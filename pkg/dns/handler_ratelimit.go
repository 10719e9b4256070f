package dns

import (
	"context"
	"net/netip"
	"time"

	"small-dns/pkg/ratelimit"
)

func (h *Handler) enforceRateLimit(ctx context.Context, client netip.Addr, now time.Time, outcome *serveDNSOutcome) (Verdict, bool) {
	if h.RateLimiter == nil {
		return VerdictAnswered, false
	}

	switch h.RateLimiter.Check(client, now) {
	case ratelimit.Blocked:
		h.Logger.Info("Dropped request from blocked client",
			"client", client,
			"domain", outcome.domain,
		)
		return VerdictBlocked, true

	case ratelimit.Tripped:
		until, _ := h.RateLimiter.BlockedUntil(client)
		h.Logger.Warn("Client blocked due to rate limit",
			"client", client,
			"domain", outcome.domain,
			"blocked_until", until,
		)
		if h.Metrics != nil && h.Metrics.RateLimitTrips != nil {
			h.Metrics.RateLimitTrips.Add(ctx, 1)
		}
		return VerdictRateLimited, true
	}

	return VerdictAnswered, false
}
