package allowlist

import (
	"fmt"
	"net/netip"
	"sort"

	"small-dns/pkg/config"

	"github.com/miekg/dns"
)

// Entry is a single allowlisted name and the address served for it.
type Entry struct {
	Domain string
	Addr   netip.Addr
}

// Resolver answers A queries for a fixed set of names. It is built once at
// startup and never mutated, so lookups need no locking.
type Resolver struct {
	records map[string]netip.Addr
}

// New builds a resolver from a domain → IPv4 map.
// Domains are normalized to lower case without the trailing dot.
func New(entries map[string]string) (*Resolver, error) {
	records := make(map[string]netip.Addr, len(entries))
	for domain, ip := range entries {
		name := config.NormalizeDomain(domain)
		if name == "" {
			return nil, ErrInvalidDomain
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil || !addr.Is4() {
			return nil, fmt.Errorf("%w: %s -> %q", ErrInvalidIP, name, ip)
		}
		records[name] = addr
	}
	return &Resolver{records: records}, nil
}

// NewFromConfig builds a resolver from the allowlist section of cfg.
func NewFromConfig(cfg *config.Config) (*Resolver, error) {
	return New(cfg.Allowlist)
}

// Resolve returns the address for name when qtype is A and name is allowlisted.
// Matching ignores case and a trailing dot.
func (r *Resolver) Resolve(name string, qtype uint16) (netip.Addr, bool) {
	if r == nil || qtype != dns.TypeA {
		return netip.Addr{}, false
	}
	addr, ok := r.records[config.NormalizeDomain(name)]
	return addr, ok
}

// Len returns the number of allowlisted names.
func (r *Resolver) Len() int {
	if r == nil {
		return 0
	}
	return len(r.records)
}

// Entries returns all entries sorted by domain.
func (r *Resolver) Entries() []Entry {
	if r == nil {
		return nil
	}
	out := make([]Entry, 0, len(r.records))
	for domain, addr := range r.records {
		out = append(out, Entry{Domain: domain, Addr: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
