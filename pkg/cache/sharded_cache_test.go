package cache

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"small-dns/pkg/config"
	"small-dns/pkg/logging"

	"github.com/miekg/dns"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testCache(t *testing.T) *ShardedCache {
	t.Helper()
	sc, err := NewSharded(&config.CacheConfig{TTL: 300 * time.Second, Shards: 4}, logging.NewDiscard(), nil)
	if err != nil {
		t.Fatalf("NewSharded() failed: %v", err)
	}
	return sc
}

func testResponse(domain string, ip string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	m.Response = true
	if ip == "" {
		m.Rcode = dns.RcodeNameError
		return m
	}
	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(domain), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP(ip).To4(),
	})
	return m
}

func TestNewSharded_InvalidConfig(t *testing.T) {
	tests := []struct {
		cfg  *config.CacheConfig
		name string
	}{
		{name: "nil config", cfg: nil},
		{name: "zero ttl", cfg: &config.CacheConfig{Shards: 4}},
		{name: "zero shards", cfg: &config.CacheConfig{TTL: time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSharded(tt.cfg, nil, nil); err != ErrInvalidConfig {
				t.Errorf("NewSharded() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLookupMiss(t *testing.T) {
	sc := testCache(t)

	if msg, ok := sc.Lookup(context.Background(), NewKey("example.com.", dns.TypeA), epoch); ok || msg != nil {
		t.Fatal("Lookup() on empty cache should miss")
	}
	if stats := sc.Stats(); stats.Misses != 1 || stats.Hits != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestStoreThenLookupIsIdempotent(t *testing.T) {
	sc := testCache(t)
	ctx := context.Background()
	key := NewKey("example.com.", dns.TypeA)

	sc.Store(ctx, key, testResponse("example.com", "1.2.3.4"), epoch)

	first, ok := sc.Lookup(ctx, key, epoch.Add(time.Second))
	if !ok {
		t.Fatal("expected hit")
	}
	second, ok := sc.Lookup(ctx, key, epoch.Add(2*time.Second))
	if !ok {
		t.Fatal("expected second hit")
	}

	a, err := first.Pack()
	if err != nil {
		t.Fatalf("Pack() failed: %v", err)
	}
	b, err := second.Pack()
	if err != nil {
		t.Fatalf("Pack() failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("consecutive lookups returned different bytes")
	}

	if stats := sc.Stats(); stats.Hits != 2 || stats.Entries != 1 || stats.HitRate != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	sc := testCache(t)
	ctx := context.Background()
	key := NewKey("example.com", dns.TypeA)
	sc.Store(ctx, key, testResponse("example.com", "1.2.3.4"), epoch)

	got, _ := sc.Lookup(ctx, key, epoch)
	got.Id = 0xBEEF
	got.Answer = nil

	again, _ := sc.Lookup(ctx, key, epoch)
	if again.Id == 0xBEEF || len(again.Answer) != 1 {
		t.Error("mutating a lookup result changed the cached entry")
	}
}

func TestExpiryIsStrict(t *testing.T) {
	sc := testCache(t)
	ctx := context.Background()
	key := NewKey("example.com", dns.TypeA)
	sc.Store(ctx, key, testResponse("example.com", "1.2.3.4"), epoch)

	expires, ok := sc.Expires(key)
	if !ok || !expires.Equal(epoch.Add(300*time.Second)) {
		t.Fatalf("Expires() = %v, %v", expires, ok)
	}

	if _, ok := sc.Lookup(ctx, key, expires.Add(-time.Nanosecond)); !ok {
		t.Error("lookup just before expiry should hit")
	}
	if _, ok := sc.Lookup(ctx, key, expires); ok {
		t.Error("lookup at exactly expires should miss")
	}
	if _, ok := sc.Lookup(ctx, key, expires.Add(time.Second)); ok {
		t.Error("lookup after expiry should miss")
	}

	// Expired entries stay until overwritten
	if stats := sc.Stats(); stats.Entries != 1 {
		t.Errorf("expired entry should not be evicted, entries=%d", stats.Entries)
	}
}

func TestStoreOverwritesAndResetsExpiry(t *testing.T) {
	sc := testCache(t)
	ctx := context.Background()
	key := NewKey("example.com", dns.TypeA)

	sc.Store(ctx, key, testResponse("example.com", "1.2.3.4"), epoch)
	later := epoch.Add(301 * time.Second)
	if _, ok := sc.Lookup(ctx, key, later); ok {
		t.Fatal("entry should have expired")
	}

	sc.Store(ctx, key, testResponse("example.com", "5.6.7.8"), later)

	got, ok := sc.Lookup(ctx, key, later.Add(299*time.Second))
	if !ok {
		t.Fatal("entry should be live relative to new store time")
	}
	if a := got.Answer[0].(*dns.A); !a.A.Equal(net.ParseIP("5.6.7.8")) {
		t.Errorf("expected overwritten answer 5.6.7.8, got %s", a.A)
	}
	if stats := sc.Stats(); stats.Entries != 1 || stats.Sets != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestNegativeResponsesAreCached(t *testing.T) {
	sc := testCache(t)
	ctx := context.Background()
	key := NewKey("unknown.test", dns.TypeA)
	sc.Store(ctx, key, testResponse("unknown.test", ""), epoch)

	got, ok := sc.Lookup(ctx, key, epoch.Add(time.Minute))
	if !ok {
		t.Fatal("negative response should be cached")
	}
	if got.Rcode != dns.RcodeNameError || len(got.Answer) != 0 {
		t.Errorf("unexpected cached negative response: %v", got)
	}
}

func TestKeyNormalization(t *testing.T) {
	if NewKey("Example.COM.", dns.TypeA) != NewKey("example.com", dns.TypeA) {
		t.Error("keys differing in case and trailing dot should be equal")
	}
	if NewKey("example.com", dns.TypeA) == NewKey("example.com", dns.TypeAAAA) {
		t.Error("keys with different types should differ")
	}
	if got := NewKey("example.com.", dns.TypeA).String(); got != "example.com:A" {
		t.Errorf("String() = %q", got)
	}
	if got := (Key{Name: "x", Qtype: 65280}).String(); got != "x:TYPE65280" {
		t.Errorf("String() = %q", got)
	}
}

func TestClear(t *testing.T) {
	sc := testCache(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		sc.Store(ctx, NewKey(fmt.Sprintf("host%d.test", i), dns.TypeA), testResponse("x.test", ""), epoch)
	}
	if sc.Stats().Entries != 20 {
		t.Fatalf("expected 20 entries, got %d", sc.Stats().Entries)
	}
	sc.Clear()
	if sc.Stats().Entries != 0 {
		t.Errorf("expected 0 entries after Clear, got %d", sc.Stats().Entries)
	}
}

func TestConcurrentAccess(t *testing.T) {
	sc := testCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := NewKey(fmt.Sprintf("host%d.test", i%16), dns.TypeA)
				if i%3 == 0 {
					sc.Store(ctx, key, testResponse("host.test", "1.2.3.4"), epoch)
				} else {
					sc.Lookup(ctx, key, epoch)
				}
			}
		}(g)
	}
	wg.Wait()

	stats := sc.Stats()
	if stats.Entries != 16 {
		t.Errorf("expected 16 distinct keys, got %d", stats.Entries)
	}
	if stats.Hits+stats.Misses+stats.Sets != 8*200 {
		t.Errorf("lost updates: %+v", stats)
	}
}
