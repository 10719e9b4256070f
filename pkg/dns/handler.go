// Package dns contains the request pipeline of the allowlist responder and the
// UDP listener that feeds it.
package dns

import (
	"context"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"small-dns/pkg/cache"
	"small-dns/pkg/config"
	"small-dns/pkg/logging"
	"small-dns/pkg/ratelimit"
	"small-dns/pkg/storage"
	"small-dns/pkg/telemetry"

	"github.com/miekg/dns"
)

// Resolver answers allowlisted names.
type Resolver interface {
	Resolve(name string, qtype uint16) (netip.Addr, bool)
}

// Handler runs every inbound packet through the gate sequence: ingress
// bucket, admission, per-client rate limit, reverse filter, cache, resolver.
// Any gate may drop the packet, in which case no response is sent.
type Handler struct {
	Resolver    Resolver
	Cache       cache.Interface
	RateLimiter *ratelimit.Manager
	Ingress     *ratelimit.Ingress
	Storage     storage.Storage
	Metrics     *telemetry.Metrics
	Logger      *logging.Logger

	maxPacketSize    int
	requireRecursion bool
	answerTTL        uint32

	now    func() time.Time
	unpack func([]byte) (*dns.Msg, error)
}

// NewHandler creates a handler for the allowlist resolver using the packet
// limits and answer TTL from cfg.
func NewHandler(cfg *config.Config, resolver Resolver) *Handler {
	return &Handler{
		Resolver:         resolver,
		Logger:           logging.NewDiscard(),
		maxPacketSize:    cfg.Server.MaxPacketSize,
		requireRecursion: cfg.Server.RecursionDesiredRequired(),
		answerTTL:        uint32(cfg.AnswerTTL / time.Second),
		now:              time.Now,
		unpack:           unpackMsg,
	}
}

// SetCache sets the DNS response cache
func (h *Handler) SetCache(c cache.Interface) {
	h.Cache = c
}

// SetRateLimiter wires the per-client limiter.
func (h *Handler) SetRateLimiter(rl *ratelimit.Manager) {
	h.RateLimiter = rl
}

// SetIngress wires the global packet rate bucket.
func (h *Handler) SetIngress(in *ratelimit.Ingress) {
	h.Ingress = in
}

// SetStorage sets the query logging storage
func (h *Handler) SetStorage(s storage.Storage) {
	h.Storage = s
}

// SetMetrics sets the metrics collector
func (h *Handler) SetMetrics(m *telemetry.Metrics) {
	h.Metrics = m
}

// SetLogger sets the logger
func (h *Handler) SetLogger(l *logging.Logger) {
	if l == nil {
		l = logging.NewDiscard()
	}
	h.Logger = l
}

func unpackMsg(packet []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil {
		return nil, err
	}
	return msg, nil
}

// Handle processes one packet from src and returns the encoded response, or
// nil when the packet is dropped. The verdict says why.
func (h *Handler) Handle(ctx context.Context, src netip.AddrPort, packet []byte) (resp []byte, verdict Verdict) {
	start := h.now()
	client := src.Addr().Unmap()
	outcome := &serveDNSOutcome{}

	if h.Metrics != nil && h.Metrics.PacketsReceived != nil {
		h.Metrics.PacketsReceived.Add(ctx, 1)
		h.Metrics.ActiveQueries.Add(ctx, 1)
		defer h.Metrics.ActiveQueries.Add(ctx, -1)
	}

	defer func() {
		if r := recover(); r != nil {
			h.Logger.Error("Recovered from panic while handling packet",
				"client", client,
				"domain", outcome.domain,
				"panic", r,
			)
			resp, verdict = nil, VerdictInternalError
		}
		h.finish(ctx, start, client, outcome, verdict)
	}()

	if !h.Ingress.Allow(start) {
		h.Logger.Debug("Dropped packet, ingress rate exceeded", "client", client)
		return nil, VerdictOverloaded
	}

	req, verdict := h.admit(client, packet)
	if req == nil {
		return nil, verdict
	}

	question := req.Question[0]
	outcome.domain = question.Name
	outcome.qtype = question.Qtype
	h.Logger.Debug("Query received",
		"client", client,
		"domain", question.Name,
		"type", dnsTypeLabel(question.Qtype),
	)

	if v, dropped := h.enforceRateLimit(ctx, client, start, outcome); dropped {
		return nil, v
	}
	if isReverseQuery(question) {
		h.Logger.Debug("Ignored reverse lookup", "client", client, "domain", question.Name)
		return nil, VerdictReverse
	}

	msg := h.serveFromCache(ctx, req, start, outcome)
	if msg == nil {
		msg = h.resolve(ctx, req, start, outcome)
	}

	out, err := msg.Pack()
	if err != nil {
		h.Logger.Error("Failed to encode response", "domain", question.Name, "error", err)
		return nil, VerdictInternalError
	}
	return out, VerdictAnswered
}

// finish records metrics and the query log once the verdict is known.
func (h *Handler) finish(ctx context.Context, start time.Time, client netip.Addr, outcome *serveDNSOutcome, verdict Verdict) {
	elapsed := h.now().Sub(start)
	if verdict.Dropped() {
		h.Metrics.RecordDrop(ctx, verdict.String())
		return
	}

	h.Metrics.RecordAnswer(ctx, dns.RcodeToString[outcome.responseCode], outcome.cached, elapsed)
	h.logQuery(ctx, start, client, outcome, elapsed)
}

func (h *Handler) logQuery(ctx context.Context, start time.Time, client netip.Addr, outcome *serveDNSOutcome, elapsed time.Duration) {
	if h.Storage == nil {
		return
	}

	entry := &storage.QueryLog{
		Timestamp:      start,
		ClientIP:       client.String(),
		Domain:         strings.TrimSuffix(outcome.domain, "."),
		QueryType:      dnsTypeLabel(outcome.qtype),
		ResponseCode:   outcome.responseCode,
		Cached:         outcome.cached,
		ResponseTimeMs: float64(elapsed.Microseconds()) / 1000,
	}
	if err := h.Storage.LogQuery(ctx, entry); err != nil {
		h.Logger.Debug("Failed to log query to storage",
			"domain", entry.Domain,
			"client_ip", entry.ClientIP,
			"error", err)
	}
}

// dnsTypeLabel returns a human-readable string for the query type, falling back to TYPE#### per RFC 3597 when unknown.
func dnsTypeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}
