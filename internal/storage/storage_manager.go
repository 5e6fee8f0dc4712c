/**
 * Storage Manager for the Captcha Worker
 *
 * Coordinates the recognition history (PostgreSQL) and the result cache (Redis).
 * Both backends are optional; a worker without them solves captchas statelessly.
 */

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/adverant/nexus/captcha-worker/internal/logging"
)

// ErrHistoryDisabled is returned by reads when no database is configured.
var ErrHistoryDisabled = errors.New("recognition history is not configured")

// StorageManager coordinates PostgreSQL and Redis operations
type StorageManager struct {
	postgres *PostgresClient
	cache    *ResultCache
	logger   *logging.Logger
}

// NewStorageManager wires the optional backends. Either may be nil.
func NewStorageManager(postgres *PostgresClient, cache *ResultCache) *StorageManager {
	return &StorageManager{
		postgres: postgres,
		cache:    cache,
		logger:   logging.NewLogger("Storage"),
	}
}

// HistoryEnabled reports whether recognitions are persisted.
func (sm *StorageManager) HistoryEnabled() bool { return sm != nil && sm.postgres != nil }

// CacheEnabled reports whether results are cached.
func (sm *StorageManager) CacheEnabled() bool { return sm != nil && sm.cache != nil }

// RecordRecognition persists rec when history is enabled.
func (sm *StorageManager) RecordRecognition(ctx context.Context, rec *Recognition) error {
	if !sm.HistoryEnabled() {
		return nil
	}
	return sm.postgres.UpsertRecognition(ctx, rec)
}

// GetRecognition reads one recognition from history
func (sm *StorageManager) GetRecognition(ctx context.Context, id string) (*Recognition, error) {
	if !sm.HistoryEnabled() {
		return nil, ErrHistoryDisabled
	}
	return sm.postgres.GetRecognition(ctx, id)
}

// LookupResult reads a cached result for hash into dst. Cache failures are
// logged and reported as a miss so a Redis outage never fails a recognition.
func (sm *StorageManager) LookupResult(ctx context.Context, hash string, dst interface{}) bool {
	if !sm.CacheEnabled() {
		return false
	}
	hit, err := sm.cache.Get(ctx, hash, dst)
	if err != nil {
		sm.logger.Warn("Result cache lookup failed", "hash", hash, "error", err)
		return false
	}
	return hit
}

// StoreResult caches v for hash. Failures are logged only.
func (sm *StorageManager) StoreResult(ctx context.Context, hash string, v interface{}) {
	if !sm.CacheEnabled() {
		return
	}
	if err := sm.cache.Set(ctx, hash, v); err != nil {
		sm.logger.Warn("Result cache store failed", "hash", hash, "error", err)
	}
}

// Ping checks every configured backend
func (sm *StorageManager) Ping(ctx context.Context) error {
	if sm.HistoryEnabled() {
		if err := sm.postgres.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if sm.CacheEnabled() {
		if err := sm.cache.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"history_enabled": sm.HistoryEnabled(),
		"cache_enabled":   sm.CacheEnabled(),
	}

	if sm.HistoryEnabled() {
		pgStats := sm.postgres.GetStats()
		stats["postgres"] = map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		}
	}

	if sm.CacheEnabled() {
		poolStats := sm.cache.client.PoolStats()
		stats["redis"] = map[string]interface{}{
			"hits":        poolStats.Hits,
			"misses":      poolStats.Misses,
			"total_conns": poolStats.TotalConns,
			"idle_conns":  poolStats.IdleConns,
		}
	}

	return stats
}

// Close closes the database connection. The Redis client is owned by the caller.
func (sm *StorageManager) Close() error {
	if sm.HistoryEnabled() {
		if err := sm.postgres.Close(); err != nil {
			return fmt.Errorf("failed to close PostgreSQL: %w", err)
		}
	}
	return nil
}
