package storage

import (
	"context"
	"time"
)

// Storage persists answered queries.
// Implementations must be thread-safe and support concurrent access
type Storage interface {
	// LogQuery enqueues a log entry. It never blocks on the database.
	LogQuery(ctx context.Context, query *QueryLog) error
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
	Ping(ctx context.Context) error
}

// MetricsRecorder defines the interface for recording storage metrics
// This interface breaks the import cycle between storage and telemetry packages
type MetricsRecorder interface {
	AddDroppedQuery(ctx context.Context, count int64)
}

// QueryLog represents a single answered DNS query
type QueryLog struct {
	Timestamp      time.Time `json:"timestamp"`
	ClientIP       string    `json:"client_ip"`
	Domain         string    `json:"domain"`
	QueryType      string    `json:"query_type"`
	ID             int64     `json:"id"`
	ResponseCode   int       `json:"response_code"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Cached         bool      `json:"cached"`
}

// Statistics represents aggregated query statistics
type Statistics struct {
	Since             time.Time `json:"since"`
	Until             time.Time `json:"until"`
	TotalQueries      int64     `json:"total_queries"`
	CachedQueries     int64     `json:"cached_queries"`
	NXDomainQueries   int64     `json:"nxdomain_queries"`
	UniqueDomains     int64     `json:"unique_domains"`
	UniqueClients     int64     `json:"unique_clients"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	CacheHitRate      float64   `json:"cache_hit_rate"` // Percentage of cached responses
}
