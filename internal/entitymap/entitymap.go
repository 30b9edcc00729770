// Package entitymap maintains the persistent bidirectional mapping between
// local record ids and remote ERP ids, with an in-process read cache and a
// content hash used to detect no-op updates during polling.
package entitymap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaypoint/erpsync/internal/store"
)

// ErrNotFound is returned when no mapping exists for the requested key.
var ErrNotFound = errors.New("entity mapping not found")

// Entry is one row of the identity map.
//
// INVARIANT: the mapping is a bijection per (tenant, module, entity_type) -
// at most one remote id per local id and vice versa. Save enforces this.
type Entry struct {
	TenantID    string
	Module      string
	EntityType  string
	LocalID     int64
	RemoteID    int64
	RemoteModel string
	SyncHash    string
	UpdatedAt   time.Time
}

type cacheKey struct {
	tenant, module, entity string
	localID                int64
}

type remoteKey struct {
	tenant, module, entity string
	remoteID               int64
}

// Map is the entity map. Reads go through an in-process cache that is
// invalidated explicitly (FlushCache), never by time: long-running workers
// must not serve stale mappings across process-level flushes.
type Map struct {
	db  *sql.DB
	now func() time.Time

	mu       sync.RWMutex
	byLocal  map[cacheKey]Entry
	byRemote map[remoteKey]Entry
}

// Option configures a Map.
type Option func(*Map)

// WithNow overrides the wall clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Map) {
		m.now = now
	}
}

// New creates an entity map backed by the given store.
func New(st *store.Store, opts ...Option) *Map {
	m := &Map{
		db:       st.DB(),
		now:      time.Now,
		byLocal:  make(map[cacheKey]Entry),
		byRemote: make(map[remoteKey]Entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save upserts a mapping, maintaining the bijection: any other row claiming
// the same remote id is removed, and an existing row for the local id is
// overwritten in place. Called on every successful create- or update-sync.
func (m *Map) Save(ctx context.Context, e Entry) error {
	if e.TenantID == "" || e.Module == "" || e.EntityType == "" {
		return fmt.Errorf("save mapping: tenant, module, and entity_type are required")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save mapping: begin tx: %w", err)
	}
	defer tx.Rollback()

	// A remote id can only point at one local record; evict any other
	// claimant before the upsert so the unique index never trips.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM entity_map
		WHERE tenant_id = ? AND module = ? AND entity_type = ?
		  AND remote_id = ? AND local_id != ?
	`, e.TenantID, e.Module, e.EntityType, e.RemoteID, e.LocalID)
	if err != nil {
		return fmt.Errorf("save mapping: evict remote claimant: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entity_map
		(tenant_id, module, entity_type, local_id, remote_id, remote_model, sync_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, module, entity_type, local_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			remote_model = excluded.remote_model,
			sync_hash = excluded.sync_hash,
			updated_at = excluded.updated_at
	`, e.TenantID, e.Module, e.EntityType, e.LocalID, e.RemoteID,
		e.RemoteModel, e.SyncHash, m.now().Unix())
	if err != nil {
		return fmt.Errorf("save mapping: upsert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save mapping: commit: %w", err)
	}

	m.mu.Lock()
	// The evicted claimant (if any) and the previous remote id for this
	// local id are both unknown here; drop the whole cache slice for
	// correctness over cleverness.
	m.byLocal = make(map[cacheKey]Entry)
	m.byRemote = make(map[remoteKey]Entry)
	m.mu.Unlock()

	return nil
}

// GetByLocal returns the mapping for a local id.
func (m *Map) GetByLocal(ctx context.Context, tenant, module, entity string, localID int64) (Entry, error) {
	key := cacheKey{tenant, module, entity, localID}

	m.mu.RLock()
	if e, ok := m.byLocal[key]; ok {
		m.mu.RUnlock()
		return e, nil
	}
	m.mu.RUnlock()

	e, err := m.queryOne(ctx, "local_id", localID, tenant, module, entity)
	if err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	m.byLocal[key] = e
	m.byRemote[remoteKey{tenant, module, entity, e.RemoteID}] = e
	m.mu.Unlock()

	return e, nil
}

// GetByRemote returns the mapping for a remote id.
func (m *Map) GetByRemote(ctx context.Context, tenant, module, entity string, remoteID int64) (Entry, error) {
	key := remoteKey{tenant, module, entity, remoteID}

	m.mu.RLock()
	if e, ok := m.byRemote[key]; ok {
		m.mu.RUnlock()
		return e, nil
	}
	m.mu.RUnlock()

	e, err := m.queryOne(ctx, "remote_id", remoteID, tenant, module, entity)
	if err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	m.byRemote[key] = e
	m.byLocal[cacheKey{tenant, module, entity, e.LocalID}] = e
	m.mu.Unlock()

	return e, nil
}

// RemoteID resolves local → remote. Returns (0, false, nil) when unmapped.
func (m *Map) RemoteID(ctx context.Context, tenant, module, entity string, localID int64) (int64, bool, error) {
	e, err := m.GetByLocal(ctx, tenant, module, entity, localID)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return e.RemoteID, true, nil
}

// LocalID resolves remote → local. Returns (0, false, nil) when unmapped.
func (m *Map) LocalID(ctx context.Context, tenant, module, entity string, remoteID int64) (int64, bool, error) {
	e, err := m.GetByRemote(ctx, tenant, module, entity, remoteID)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return e.LocalID, true, nil
}

// Delete removes a mapping. Called on successful delete-sync; deleting a
// nonexistent mapping is a no-op.
func (m *Map) Delete(ctx context.Context, tenant, module, entity string, localID int64) error {
	_, err := m.db.ExecContext(ctx, `
		DELETE FROM entity_map
		WHERE tenant_id = ? AND module = ? AND entity_type = ? AND local_id = ?
	`, tenant, module, entity, localID)
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}

	m.FlushCache()
	return nil
}

// FlushCache drops the in-process cache. Exposed for tests and for
// long-running workers that need a process-level flush.
func (m *Map) FlushCache() {
	m.mu.Lock()
	m.byLocal = make(map[cacheKey]Entry)
	m.byRemote = make(map[remoteKey]Entry)
	m.mu.Unlock()
}

func (m *Map) queryOne(ctx context.Context, idColumn string, id int64, tenant, module, entity string) (Entry, error) {
	var e Entry
	var updatedAt int64
	err := m.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT tenant_id, module, entity_type, local_id, remote_id,
		       remote_model, sync_hash, updated_at
		FROM entity_map
		WHERE tenant_id = ? AND module = ? AND entity_type = ? AND %s = ?
	`, idColumn), tenant, module, entity, id).Scan(
		&e.TenantID, &e.Module, &e.EntityType, &e.LocalID, &e.RemoteID,
		&e.RemoteModel, &e.SyncHash, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("query mapping: %w", err)
	}
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return e, nil
}
