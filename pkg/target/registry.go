package target

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver

	"github.com/durlabhjain/sql-browser/pkg/apperrors"
	"github.com/durlabhjain/sql-browser/pkg/logging"
	"github.com/durlabhjain/sql-browser/pkg/models"
)

const (
	// DefaultMaxOpenConns bounds each pool.
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns keeps warm connections for reuse.
	DefaultMaxIdleConns = 2
	// DefaultIdleTimeout releases idle connections inside a pool.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultEvictAfter drops pools no caller has touched recently.
	DefaultEvictAfter = 5 * time.Minute

	cleanupInterval   = time.Minute
	healthPingTimeout = 5 * time.Second
)

// Connector establishes a sized connection pool for decrypted connection
// parameters. Tests inject their own; production uses the mssql connector.
type Connector func(ctx context.Context, cfg *models.TargetConfig) (*sql.DB, error)

// RegistrySettings bounds every pool the registry creates.
type RegistrySettings struct {
	MaxOpenConns int
	MaxIdleConns int
	IdleTimeout  time.Duration
	EvictAfter   time.Duration
}

// PoolRegistry is a keyed cache of live connection pools, one per
// (server, database) identity. Pools are created lazily on first use, shared
// across callers, health-checked on reuse, and evicted when idle.
//
// Synchronization is key-scoped: the registry-wide lock is held only for map
// insert/lookup, while the (potentially slow) connect happens under a per-key
// lock so independent targets never block on each other and concurrent first
// use of one key resolves to a single winner.
type PoolRegistry struct {
	mu      sync.RWMutex
	pools   map[string]*poolEntry
	connect Connector

	settings RegistrySettings
	logger   *zap.Logger

	stopped  bool
	stopChan chan struct{}
}

type poolEntry struct {
	mu       sync.Mutex
	db       *sql.DB // nil after a failed connect; next Acquire retries
	lastUsed time.Time
	// removed is set under mu when the entry leaves the map. An Acquire that
	// locked a stale pointer sees it and retries against the live mapping.
	// Lock ordering is registry lock before entry lock, never the reverse.
	removed bool
}

// NewPoolRegistry creates a registry using the SQL Server connector. A
// background goroutine evicts idle pools until CloseAll is called.
func NewPoolRegistry(settings RegistrySettings, logger *zap.Logger) *PoolRegistry {
	return NewPoolRegistryWithConnector(settings, nil, logger)
}

// NewPoolRegistryWithConnector is NewPoolRegistry with an injected connector.
func NewPoolRegistryWithConnector(settings RegistrySettings, connect Connector, logger *zap.Logger) *PoolRegistry {
	if settings.MaxOpenConns <= 0 {
		settings.MaxOpenConns = DefaultMaxOpenConns
	}
	if settings.MaxIdleConns <= 0 {
		settings.MaxIdleConns = DefaultMaxIdleConns
	}
	if settings.IdleTimeout <= 0 {
		settings.IdleTimeout = DefaultIdleTimeout
	}
	if settings.EvictAfter <= 0 {
		settings.EvictAfter = DefaultEvictAfter
	}

	r := &PoolRegistry{
		pools:    make(map[string]*poolEntry),
		settings: settings,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	if connect == nil {
		connect = r.mssqlConnect
	}
	r.connect = connect

	go r.evictIdlePools()
	return r
}

// Acquire returns the live pool for the target identified by cfg, creating
// it on first use. Concurrent calls for the same key converge on one pool; a
// failed connect leaves nothing registered, so the next call retries fresh.
func (r *PoolRegistry) Acquire(ctx context.Context, cfg *models.TargetConfig) (*sql.DB, error) {
	key := PoolKey(cfg)

	var entry *poolEntry
	for {
		candidate, err := r.entryFor(key)
		if err != nil {
			return nil, err
		}
		candidate.mu.Lock()
		// The evictor or CloseAll may have dropped this entry between lookup
		// and lock; they flag it while holding the entry lock, so the flag is
		// authoritative here. Holding the entry lock pins a live entry:
		// eviction uses TryLock and skips locked entries.
		if !candidate.removed {
			entry = candidate
			break
		}
		candidate.mu.Unlock()
	}
	defer entry.mu.Unlock()

	if entry.db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
		err := entry.db.PingContext(pingCtx)
		cancel()
		if err == nil {
			entry.lastUsed = time.Now()
			return entry.db, nil
		}
		r.logger.Warn("pool unhealthy, reconnecting",
			zap.String("pool_key", key),
			zap.String("error", logging.SanitizeError(err)),
		)
		entry.db.Close()
		entry.db = nil
	}

	db, err := r.connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrConnectionUnavailable, logging.SanitizeError(err))
	}

	entry.db = db
	entry.lastUsed = time.Now()
	r.logger.Info("created connection pool",
		zap.String("pool_key", key),
		zap.Int("max_open", r.settings.MaxOpenConns),
	)
	return db, nil
}

// entryFor returns the entry for key, inserting an empty one if absent. The
// registry lock is held only for the map operation.
func (r *PoolRegistry) entryFor(key string) (*poolEntry, error) {
	r.mu.RLock()
	entry, ok := r.pools[key]
	stopped := r.stopped
	r.mu.RUnlock()
	if stopped {
		return nil, fmt.Errorf("%w: pool registry is shut down", apperrors.ErrConnectionUnavailable)
	}
	if ok {
		return entry, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, fmt.Errorf("%w: pool registry is shut down", apperrors.ErrConnectionUnavailable)
	}
	if entry, ok = r.pools[key]; ok {
		return entry, nil
	}
	entry = &poolEntry{}
	r.pools[key] = entry
	return entry, nil
}

// mssqlConnect opens and sizes a SQL Server pool, verifying connectivity
// before handing it out.
func (r *PoolRegistry) mssqlConnect(ctx context.Context, cfg *models.TargetConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	db.SetMaxOpenConns(r.settings.MaxOpenConns)
	db.SetMaxIdleConns(r.settings.MaxIdleConns)
	db.SetConnMaxIdleTime(r.settings.IdleTimeout)

	connectTimeout := time.Duration(cfg.ConnectTimeoutSec) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeoutSec * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return db, nil
}

// evictIdlePools periodically closes pools nobody has used within EvictAfter.
func (r *PoolRegistry) evictIdlePools() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.performEviction()
		case <-r.stopChan:
			return
		}
	}
}

func (r *PoolRegistry) performEviction() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	now := time.Now()
	for key, entry := range r.pools {
		if !entry.mu.TryLock() {
			// In use right now; it is not idle.
			continue
		}
		idle := entry.db == nil || now.Sub(entry.lastUsed) > r.settings.EvictAfter
		if idle {
			if entry.db != nil {
				entry.db.Close()
				entry.db = nil
				r.logger.Debug("evicted idle pool", zap.String("pool_key", key))
			}
			entry.removed = true
			delete(r.pools, key)
		}
		entry.mu.Unlock()
	}
}

// CloseAll closes every pool and clears the registry. Idempotent; called
// once at process shutdown.
func (r *PoolRegistry) CloseAll() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopChan)
	entries := make([]*poolEntry, 0, len(r.pools))
	for _, entry := range r.pools {
		entries = append(entries, entry)
	}
	r.pools = make(map[string]*poolEntry)
	r.mu.Unlock()

	// Entry locks are taken with the registry lock released: an in-flight
	// Acquire may hold one through a slow connect, and must not find us
	// holding the registry lock it needs next.
	for _, entry := range entries {
		entry.mu.Lock()
		entry.removed = true
		if entry.db != nil {
			entry.db.Close()
			entry.db = nil
		}
		entry.mu.Unlock()
	}
	r.logger.Info("pool registry closed")
}

// Stats reports the live pool count and keys, for operational visibility.
type Stats struct {
	LivePools int      `json:"live_pools"`
	Keys      []string `json:"keys"`
}

// GetStats returns a snapshot of the registry. Safe to call concurrently.
func (r *PoolRegistry) GetStats() Stats {
	r.mu.RLock()
	snapshot := make(map[string]*poolEntry, len(r.pools))
	for key, entry := range r.pools {
		snapshot[key] = entry
	}
	r.mu.RUnlock()

	stats := Stats{Keys: make([]string, 0, len(snapshot))}
	for key, entry := range snapshot {
		entry.mu.Lock()
		live := entry.db != nil && !entry.removed
		entry.mu.Unlock()
		if live {
			stats.LivePools++
			stats.Keys = append(stats.Keys, key)
		}
	}
	return stats
}
