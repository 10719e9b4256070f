package storage

import (
	"context"
	"time"

	"small-dns/pkg/config"
	"small-dns/pkg/logging"
)

// New creates the query log backend for cfg.
// A disabled configuration yields a no-op storage.
func New(cfg *config.StorageConfig, logger *logging.Logger, metrics MetricsRecorder) (Storage, error) {
	if cfg == nil || !cfg.Enabled {
		return NewNoOpStorage(), nil
	}
	return NewSQLiteStorage(cfg, logger, metrics)
}

// RunRetention deletes entries older than retentionDays once per interval
// until ctx is cancelled.
func RunRetention(ctx context.Context, s Storage, retentionDays int, interval time.Duration, logger *logging.Logger) {
	if retentionDays < 1 || interval <= 0 {
		return
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cutoff := now.AddDate(0, 0, -retentionDays)
			removed, err := s.Cleanup(ctx, cutoff)
			if err != nil {
				logger.Warn("Query log retention failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("Pruned query log", "removed", removed, "older_than", cutoff)
			}
		}
	}
}

// NoOpStorage is a no-op storage that does nothing
// Used when storage is disabled
type NoOpStorage struct{}

// NewNoOpStorage creates a new no-op storage
func NewNoOpStorage() *NoOpStorage {
	return &NoOpStorage{}
}

// LogQuery does nothing
func (n *NoOpStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	return nil
}

// GetRecentQueries returns an empty slice
func (n *NoOpStorage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	return []*QueryLog{}, nil
}

// GetStatistics returns empty statistics
func (n *NoOpStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	return &Statistics{
		Since: since,
		Until: time.Now(),
	}, nil
}

// Cleanup does nothing
func (n *NoOpStorage) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

// Close does nothing
func (n *NoOpStorage) Close() error {
	return nil
}

// Ping does nothing
func (n *NoOpStorage) Ping(ctx context.Context) error {
	return nil
}
