package ratelimit

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"small-dns/pkg/config"
	"small-dns/pkg/logging"

	"github.com/yl2chen/cidranger"
)

// Decision is the outcome of a rate limit check.
type Decision int

const (
	// Allowed means the request was counted and may proceed.
	Allowed Decision = iota
	// Blocked means the client is serving a temporary block; the request was not counted.
	Blocked
	// Tripped means this request reached the limit and started a block.
	Tripped
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Blocked:
		return "blocked"
	case Tripped:
		return "tripped"
	default:
		return "unknown"
	}
}

// Manager enforces a per-client sliding-window request limit. A client that
// reaches the limit is blocked for a fixed duration; the block is lifted on the
// client's first request at or after its expiry.
//
//nolint:fieldalignment // Layout favors logical grouping; padding impact is minimal.
type Manager struct {
	limit         int
	window        time.Duration
	blockDuration time.Duration
	cleanup       time.Duration
	logger        *logging.Logger
	exempt        cidranger.Ranger

	mu      sync.Mutex
	clients map[netip.Addr]*clientState

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type clientState struct {
	// hits holds request times in arrival order
	hits         []time.Time
	blockedUntil time.Time
}

// NewManager creates a rate limit manager. It returns nil when rate limiting is
// disabled; a nil *Manager allows everything.
func NewManager(cfg *config.RateLimitConfig, logger *logging.Logger) *Manager {
	if cfg == nil || !cfg.IsEnabled() {
		return nil
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	m := &Manager{
		limit:         cfg.Requests,
		window:        cfg.Window,
		blockDuration: cfg.BlockDuration,
		cleanup:       cfg.CleanupInterval,
		logger:        logger,
		exempt:        cidranger.NewPCTrieRanger(),
		clients:       make(map[netip.Addr]*clientState, 128),
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}

	m.parseExemptions(cfg.ExemptCIDRs)

	if m.cleanup > 0 {
		go m.cleanupLoop()
	}

	return m
}

// Check records a request from addr at now and reports whether it may proceed.
func (m *Manager) Check(addr netip.Addr, now time.Time) Decision {
	if m == nil {
		return Allowed
	}
	addr = addr.Unmap()
	if m.isExempt(addr) {
		return Allowed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.clients[addr]
	if !ok {
		state = &clientState{}
		m.clients[addr] = state
	}

	if !state.blockedUntil.IsZero() {
		if now.Before(state.blockedUntil) {
			return Blocked
		}
		state.blockedUntil = time.Time{}
		state.hits = state.hits[:0]
	}

	state.prune(now, m.window)

	if len(state.hits) >= m.limit {
		state.blockedUntil = now.Add(m.blockDuration)
		return Tripped
	}

	state.hits = append(state.hits, now)
	return Allowed
}

// BlockedUntil reports when addr's current block ends.
func (m *Manager) BlockedUntil(addr netip.Addr) (time.Time, bool) {
	if m == nil {
		return time.Time{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.clients[addr.Unmap()]
	if !ok || state.blockedUntil.IsZero() {
		return time.Time{}, false
	}
	return state.blockedUntil, true
}

// Tracked returns the number of clients with state in memory.
func (m *Manager) Tracked() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Stop terminates background cleanup goroutines.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// prune drops timestamps that fell out of the window ending at now.
func (s *clientState) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(s.hits) && now.Sub(s.hits[i]) >= window {
		i++
	}
	if i > 0 {
		s.hits = append(s.hits[:0], s.hits[i:]...)
	}
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := m.Sweep(m.now()); removed > 0 {
				m.logger.Debug("Forgot idle rate limit clients", "removed", removed)
			}
		case <-m.stopCh:
			return
		}
	}
}

// Sweep forgets clients that are not blocked and have no request inside the
// window. Their next request behaves exactly as for a new client.
func (m *Manager) Sweep(now time.Time) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for addr, state := range m.clients {
		if !state.blockedUntil.IsZero() {
			if now.Before(state.blockedUntil) {
				continue
			}
			// an expired block clears the history on next contact anyway
			delete(m.clients, addr)
			removed++
			continue
		}
		state.prune(now, m.window)
		if len(state.hits) == 0 {
			delete(m.clients, addr)
			removed++
		}
	}
	return removed
}

func (m *Manager) isExempt(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	ok, err := m.exempt.Contains(net.IP(addr.AsSlice()))
	return err == nil && ok
}

func (m *Manager) parseExemptions(cidrs []string) {
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			m.logger.Warn("Invalid rate limit exempt CIDR", "value", cidr, "error", err)
			continue
		}
		if err := m.exempt.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			m.logger.Warn("Failed to add rate limit exemption", "value", cidr, "error", err)
		}
	}
}
