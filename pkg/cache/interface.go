package cache

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// Interface is what the request handler needs from a response cache.
type Interface interface {
	// Lookup returns a private copy of the response stored under key if it
	// has not expired at now.
	Lookup(ctx context.Context, key Key, now time.Time) (*dns.Msg, bool)

	// Store saves resp under key, replacing any previous entry, expiring at now+TTL.
	Store(ctx context.Context, key Key, resp *dns.Msg, now time.Time)

	// Stats returns current cache statistics
	Stats() Stats

	// Clear removes all entries from the cache
	Clear()
}

var _ Interface = (*ShardedCache)(nil)
