package breaker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/erpsync/internal/store"
	"github.com/relaypoint/erpsync/internal/testutil"
)

func createTestBreaker(t *testing.T, opts ...Option) (*Breaker, *MemStateStore) {
	t.Helper()
	st := NewMemStateStore()
	b, err := New(st, opts...)
	require.NoError(t, err)
	return b, st
}

// tripModule records threshold unhealthy batches for module.
func tripModule(t *testing.T, b *Breaker, module string) {
	t.Helper()
	for i := 0; i < DefaultThreshold; i++ {
		require.NoError(t, b.RecordBatch(module, 1, 9))
	}
}

func TestRecordBatch_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := createTestBreaker(t)

	for i := 0; i < DefaultThreshold-1; i++ {
		require.NoError(t, b.RecordBatch("crm", 1, 9))
		assert.True(t, b.Available("crm"), "still closed after %d batches", i+1)
	}

	require.NoError(t, b.RecordBatch("crm", 1, 9))
	assert.False(t, b.Available("crm"))
}

func TestRecordBatch_HealthyBatchClosesAndClearsState(t *testing.T) {
	b, st := createTestBreaker(t)
	tripModule(t, b, "crm")
	require.False(t, b.Available("crm"))

	// Failure ratio below threshold: closes immediately, state deleted.
	require.NoError(t, b.RecordBatch("crm", 5, 5))
	assert.True(t, b.Available("crm"))

	persisted, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestRecordBatch_HealthyBatchResetsCounter(t *testing.T) {
	b, _ := createTestBreaker(t)

	for i := 0; i < DefaultThreshold-1; i++ {
		require.NoError(t, b.RecordBatch("crm", 1, 9))
	}
	require.NoError(t, b.RecordBatch("crm", 10, 0))

	// The streak restarted: threshold-1 more unhealthy batches don't open.
	for i := 0; i < DefaultThreshold-1; i++ {
		require.NoError(t, b.RecordBatch("crm", 1, 9))
	}
	assert.True(t, b.Available("crm"))
}

func TestRecordBatch_EmptyBatchIgnored(t *testing.T) {
	b, st := createTestBreaker(t)

	require.NoError(t, b.RecordBatch("crm", 0, 0))
	assert.True(t, b.Available("crm"))

	persisted, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestRecordBatch_RatioBoundary(t *testing.T) {
	b, _ := createTestBreaker(t)

	// Exactly at the ratio counts as unhealthy.
	for i := 0; i < DefaultThreshold; i++ {
		require.NoError(t, b.RecordBatch("crm", 2, 8))
	}
	assert.False(t, b.Available("crm"))
}

func TestAvailable_ModuleIsolation(t *testing.T) {
	b, _ := createTestBreaker(t)
	tripModule(t, b, "crm")

	assert.False(t, b.Available("crm"))
	assert.True(t, b.Available("catalog"))
	assert.True(t, b.Available("billing"))
}

func TestAvailable_RecoveryProbe(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	b, _ := createTestBreaker(t, WithNow(clock.Now))
	tripModule(t, b, "crm")
	require.False(t, b.Available("crm"))

	// Recovery delay elapses: the module is offered a probe.
	clock.Advance(DefaultRecovery)
	assert.True(t, b.Available("crm"))

	// The probe fails: timer re-arms, module gated again.
	require.NoError(t, b.RecordBatch("crm", 0, 10))
	assert.False(t, b.Available("crm"))

	// A later healthy probe closes it for good.
	clock.Advance(DefaultRecovery)
	require.True(t, b.Available("crm"))
	require.NoError(t, b.RecordBatch("crm", 10, 0))
	assert.True(t, b.Available("crm"))
	assert.Empty(t, b.OpenModules())
}

func TestAvailable_StaleStateDiscarded(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	st := NewMemStateStore()
	b, err := New(st, WithNow(clock.Now))
	require.NoError(t, err)
	tripModule(t, b, "crm")

	clock.Advance(DefaultStaleness)
	assert.True(t, b.Available("crm"))

	// The discard persisted: state gone, not just bypassed.
	persisted, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestOpenModules(t *testing.T) {
	b, _ := createTestBreaker(t)
	tripModule(t, b, "crm")
	require.NoError(t, b.RecordBatch("catalog", 1, 9)) // counting, not open

	open := b.OpenModules()
	require.Len(t, open, 1)
	assert.Contains(t, open, "crm")
	assert.Equal(t, DefaultThreshold, open["crm"].Failures)
}

func TestReset(t *testing.T) {
	b, st := createTestBreaker(t)
	tripModule(t, b, "crm")
	require.False(t, b.Available("crm"))

	require.NoError(t, b.Reset("crm"))
	assert.True(t, b.Available("crm"))

	persisted, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, persisted)

	// No state: no-op.
	require.NoError(t, b.Reset("unknown"))
}

func TestNew_LoadsPersistedState(t *testing.T) {
	st := NewMemStateStore()
	b1, err := New(st)
	require.NoError(t, err)
	tripModule(t, b1, "crm")

	// A fresh breaker over the same store sees the open circuit.
	b2, err := New(st)
	require.NoError(t, err)
	assert.False(t, b2.Available("crm"))
}

func TestSQLStateStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	st := NewSQLStateStore(s)

	states, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, states)

	want := map[string]ModuleState{
		"crm": {Failures: 5, OpenedAt: 1_700_000_000},
	}
	require.NoError(t, st.Save(want))

	got, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Saving an empty map deletes the row.
	require.NoError(t, st.Save(map[string]ModuleState{}))
	var count int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM breaker_state").Scan(&count))
	assert.Zero(t, count)
}
