package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"small-dns/pkg/config"
	"small-dns/pkg/logging"
)

func testStorageConfig(t *testing.T) *config.StorageConfig {
	t.Helper()
	return &config.StorageConfig{
		Enabled:       true,
		DatabasePath:  filepath.Join(t.TempDir(), "queries.db"),
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
		RetentionDays: 7,
	}
}

func setupTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(testStorageConfig(t), logging.NewDiscard(), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitForQueries polls until the flush worker has written want rows.
func waitForQueries(t *testing.T, s *SQLiteStorage, want int) []*QueryLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := s.GetRecentQueries(context.Background(), 1000, 0)
		if err != nil {
			t.Fatalf("GetRecentQueries() error = %v", err)
		}
		if len(got) >= want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d queries, have %d", want, len(got))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewSQLiteStorage(t *testing.T) {
	s := setupTestStorage(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestNewSQLiteStorage_InvalidConfig(t *testing.T) {
	tests := []struct {
		cfg  *config.StorageConfig
		name string
	}{
		{name: "nil", cfg: nil},
		{name: "no path", cfg: &config.StorageConfig{BufferSize: 1, BatchSize: 1, FlushInterval: time.Second}},
		{name: "no buffer", cfg: &config.StorageConfig{DatabasePath: ":memory:", BatchSize: 1, FlushInterval: time.Second}},
		{name: "no interval", cfg: &config.StorageConfig{DatabasePath: ":memory:", BufferSize: 1, BatchSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSQLiteStorage(tt.cfg, nil, nil); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLogQueryAndReadBack(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 1, 12, 0, 0, 123, time.UTC)

	err := s.LogQuery(ctx, &QueryLog{
		Timestamp:      ts,
		ClientIP:       "192.0.2.1",
		Domain:         "example.com",
		QueryType:      "A",
		ResponseCode:   0,
		Cached:         true,
		ResponseTimeMs: 0.25,
	})
	if err != nil {
		t.Fatalf("LogQuery() error = %v", err)
	}

	got := waitForQueries(t, s, 1)[0]
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ts)
	}
	if got.ClientIP != "192.0.2.1" || got.Domain != "example.com" || got.QueryType != "A" {
		t.Errorf("unexpected row: %+v", got)
	}
	if !got.Cached || got.ResponseTimeMs != 0.25 || got.ID == 0 {
		t.Errorf("unexpected row: %+v", got)
	}
}

func TestLogQuerySetsTimestamp(t *testing.T) {
	s := setupTestStorage(t)
	before := time.Now()
	q := &QueryLog{ClientIP: "192.0.2.1", Domain: "a.test", QueryType: "A"}
	if err := s.LogQuery(context.Background(), q); err != nil {
		t.Fatalf("LogQuery() error = %v", err)
	}
	if q.Timestamp.Before(before) {
		t.Error("timestamp should default to now")
	}
}

func TestRecentQueriesOrderAndPaging(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 25; i++ {
		_ = s.LogQuery(ctx, &QueryLog{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			ClientIP:  "192.0.2.1",
			Domain:    fmt.Sprintf("host%02d.test", i),
			QueryType: "A",
		})
	}
	waitForQueries(t, s, 25)

	page, err := s.GetRecentQueries(ctx, 5, 0)
	if err != nil {
		t.Fatalf("GetRecentQueries() error = %v", err)
	}
	if len(page) != 5 || page[0].Domain != "host24.test" || page[4].Domain != "host20.test" {
		t.Errorf("unexpected first page: %v", domains(page))
	}

	page, _ = s.GetRecentQueries(ctx, 5, 20)
	if len(page) != 5 || page[4].Domain != "host00.test" {
		t.Errorf("unexpected last page: %v", domains(page))
	}
}

func TestStatistics(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	entries := []*QueryLog{
		{ClientIP: "192.0.2.1", Domain: "example.com", QueryType: "A", ResponseTimeMs: 1},
		{ClientIP: "192.0.2.1", Domain: "example.com", QueryType: "A", Cached: true, ResponseTimeMs: 1},
		{ClientIP: "192.0.2.2", Domain: "nope.test", QueryType: "A", ResponseCode: 3, ResponseTimeMs: 4},
		{ClientIP: "192.0.2.3", Domain: "old.test", QueryType: "A", Timestamp: now.Add(-48 * time.Hour)},
	}
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		_ = s.LogQuery(ctx, e)
	}
	waitForQueries(t, s, 4)

	stats, err := s.GetStatistics(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetStatistics() error = %v", err)
	}
	if stats.TotalQueries != 3 || stats.CachedQueries != 1 || stats.NXDomainQueries != 1 {
		t.Errorf("unexpected counts: %+v", stats)
	}
	if stats.UniqueDomains != 2 || stats.UniqueClients != 2 {
		t.Errorf("unexpected distinct counts: %+v", stats)
	}
	if stats.AvgResponseTimeMs != 2 {
		t.Errorf("AvgResponseTimeMs = %v, want 2", stats.AvgResponseTimeMs)
	}

	empty, err := s.GetStatistics(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetStatistics() on empty range error = %v", err)
	}
	if empty.TotalQueries != 0 || empty.CacheHitRate != 0 {
		t.Errorf("unexpected empty stats: %+v", empty)
	}
}

func TestCleanup(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.LogQuery(ctx, &QueryLog{Timestamp: now.AddDate(0, 0, -10), ClientIP: "192.0.2.1", Domain: "old.test", QueryType: "A"})
	_ = s.LogQuery(ctx, &QueryLog{Timestamp: now, ClientIP: "192.0.2.1", Domain: "new.test", QueryType: "A"})
	waitForQueries(t, s, 2)

	removed, err := s.Cleanup(ctx, now.AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}

	left, _ := s.GetRecentQueries(ctx, 10, 0)
	if len(left) != 1 || left[0].Domain != "new.test" {
		t.Errorf("unexpected rows after cleanup: %v", domains(left))
	}
}

type countingRecorder struct {
	dropped atomic.Int64
}

func (c *countingRecorder) AddDroppedQuery(_ context.Context, n int64) {
	c.dropped.Add(n)
}

func TestBufferFull(t *testing.T) {
	rec := &countingRecorder{}
	// No flush worker, so nothing drains the buffer
	s := &SQLiteStorage{
		cfg:     testStorageConfig(t),
		metrics: rec,
		buffer:  make(chan *QueryLog, 1),
	}

	if err := s.LogQuery(context.Background(), &QueryLog{Domain: "x.test"}); err != nil {
		t.Fatalf("first LogQuery() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := s.LogQuery(context.Background(), &QueryLog{Domain: "x.test"}); !errors.Is(err, ErrBufferFull) {
			t.Fatalf("LogQuery() error = %v, want ErrBufferFull", err)
		}
	}
	if rec.dropped.Load() != 5 {
		t.Errorf("recorded %d drops, want 5", rec.dropped.Load())
	}
}

func TestCloseFlushesBuffer(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.FlushInterval = time.Hour
	cfg.BatchSize = 1000

	s, err := NewSQLiteStorage(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = s.LogQuery(context.Background(), &QueryLog{ClientIP: "192.0.2.1", Domain: "a.test", QueryType: "A"})
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := s.LogQuery(context.Background(), &QueryLog{}); !errors.Is(err, ErrClosed) {
		t.Errorf("LogQuery() after close error = %v, want ErrClosed", err)
	}

	reopened, err := NewSQLiteStorage(cfg, nil, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() { _ = reopened.Close() }()

	rows, _ := reopened.GetRecentQueries(context.Background(), 10, 0)
	if len(rows) != 3 {
		t.Errorf("expected 3 flushed rows after close, got %d", len(rows))
	}
}

func domains(rows []*QueryLog) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Domain
	}
	return out
}
