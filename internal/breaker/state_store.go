package breaker

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/relaypoint/erpsync/internal/store"
)

// stateKey is the single row key in the breaker_state table; the whole
// module map is one JSON blob, absent when every module is healthy.
const stateKey = "modules"

// SQLStateStore persists breaker state in the shared SQLite store.
type SQLStateStore struct {
	db *sql.DB
}

// NewSQLStateStore creates a state store on the given store's database.
func NewSQLStateStore(st *store.Store) *SQLStateStore {
	return &SQLStateStore{db: st.DB()}
}

// Load reads the persisted state blob. A missing row means all healthy.
func (s *SQLStateStore) Load() (map[string]ModuleState, error) {
	var blob string
	err := s.db.QueryRow(
		"SELECT value FROM breaker_state WHERE key = ?", stateKey,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]ModuleState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read breaker state: %w", err)
	}

	states := make(map[string]ModuleState)
	if err := json.Unmarshal([]byte(blob), &states); err != nil {
		return nil, fmt.Errorf("decode breaker state: %w", err)
	}
	return states, nil
}

// Save writes the state blob, deleting the row when the map is empty so the
// table stays empty in the healthy steady state.
func (s *SQLStateStore) Save(states map[string]ModuleState) error {
	if len(states) == 0 {
		if _, err := s.db.Exec("DELETE FROM breaker_state WHERE key = ?", stateKey); err != nil {
			return fmt.Errorf("clear breaker state: %w", err)
		}
		return nil
	}

	blob, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("encode breaker state: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO breaker_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, stateKey, string(blob))
	if err != nil {
		return fmt.Errorf("write breaker state: %w", err)
	}
	return nil
}

// MemStateStore is an in-memory StateStore for tests.
type MemStateStore struct {
	mu     sync.Mutex
	states map[string]ModuleState
}

// NewMemStateStore creates an empty in-memory state store.
func NewMemStateStore() *MemStateStore {
	return &MemStateStore{states: map[string]ModuleState{}}
}

// Load returns a copy of the held state.
func (s *MemStateStore) Load() (map[string]ModuleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ModuleState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

// Save replaces the held state with a copy of states.
func (s *MemStateStore) Save(states map[string]ModuleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]ModuleState, len(states))
	for k, v := range states {
		s.states[k] = v
	}
	return nil
}
