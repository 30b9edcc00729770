package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/erpsync/internal/breaker"
	"github.com/relaypoint/erpsync/internal/entitymap"
	"github.com/relaypoint/erpsync/internal/job"
	"github.com/relaypoint/erpsync/internal/module"
	"github.com/relaypoint/erpsync/internal/queue"
	"github.com/relaypoint/erpsync/internal/store"
	"github.com/relaypoint/erpsync/internal/testutil"
)

const testTenant = "t1"

// testEnv wires a real store under t.TempDir to a full engine stack.
type testEnv struct {
	clock    *testutil.FakeClock
	queue    *queue.Queue
	entities *entitymap.Map
	breaker  *breaker.Breaker
	registry *module.Registry
}

func createTestEnv(t *testing.T) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	br, err := breaker.New(breaker.NewSQLStateStore(s), breaker.WithNow(clock.Now))
	require.NoError(t, err)

	return &testEnv{
		clock:    clock,
		queue:    queue.New(s, queue.WithNow(clock.Now)),
		entities: entitymap.New(s, entitymap.WithNow(clock.Now)),
		breaker:  br,
		registry: module.NewRegistry(),
	}
}

func (env *testEnv) engine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithRunTokenGenerator(FixedGenerator{Token: "test-run"})}, opts...)
	return New(testTenant, env.queue, env.entities, env.breaker, env.registry, opts...)
}

func (env *testEnv) enqueue(t *testing.T, j job.Job) int64 {
	t.Helper()
	if j.TenantID == "" {
		j.TenantID = testTenant
	}
	id, err := env.queue.Enqueue(context.Background(), j)
	require.NoError(t, err)
	return id
}

func (env *testEnv) jobStatus(t *testing.T, id int64) job.Status {
	t.Helper()
	j, err := env.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return j.Status
}

// fakeHandler is a scriptable module handler.
type fakeHandler struct {
	name      string
	pushFn    func(ctx context.Context, req module.Request) job.Outcome
	pullFn    func(ctx context.Context, req module.Request) job.Outcome
	pushCalls []module.Request
	pullCalls []module.Request
}

func (h *fakeHandler) Name() string { return h.name }

func (h *fakeHandler) Push(ctx context.Context, req module.Request) job.Outcome {
	h.pushCalls = append(h.pushCalls, req)
	if h.pushFn != nil {
		return h.pushFn(ctx, req)
	}
	return job.Success()
}

func (h *fakeHandler) Pull(ctx context.Context, req module.Request) job.Outcome {
	h.pullCalls = append(h.pullCalls, req)
	if h.pullFn != nil {
		return h.pullFn(ctx, req)
	}
	return job.Success()
}

// batchHandler adds the bulk-create capability to fakeHandler.
type batchHandler struct {
	fakeHandler
	batchFn    func(ctx context.Context, tenant, entityType string, items []module.BatchItem) (map[int64]job.Outcome, error)
	batchCalls [][]module.BatchItem
}

func (h *batchHandler) PushBatchCreates(ctx context.Context, tenant, entityType string, items []module.BatchItem) (map[int64]job.Outcome, error) {
	h.batchCalls = append(h.batchCalls, items)
	if h.batchFn != nil {
		return h.batchFn(ctx, tenant, entityType, items)
	}
	outcomes := make(map[int64]job.Outcome, len(items))
	for _, item := range items {
		outcomes[item.LocalID] = job.Success()
	}
	return outcomes, nil
}

func TestProcessQueue_EmptyQueue(t *testing.T) {
	env := createTestEnv(t)
	e := env.engine(t)

	n, err := e.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessQueue_CreateRecordsMapping(t *testing.T) {
	env := createTestEnv(t)
	h := &fakeHandler{
		name: "crm",
		pushFn: func(ctx context.Context, req module.Request) job.Outcome {
			return job.Outcome{OK: true, RemoteID: 505, RemoteModel: "res.partner"}
		},
	}
	require.NoError(t, env.registry.Register(h))

	payload := []byte(`{"name":"Acme"}`)
	id := env.enqueue(t, job.Job{
		Module: "crm", EntityType: "contact",
		Direction: job.LocalToRemote, Action: job.ActionCreate,
		LocalID: 5, Payload: payload,
	})

	e := env.engine(t)
	n, err := e.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, job.StatusDone, env.jobStatus(t, id))

	entry, err := env.entities.GetByLocal(context.Background(), testTenant, "crm", "contact", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(505), entry.RemoteID)
	assert.Equal(t, "res.partner", entry.RemoteModel)
	assert.Equal(t, entitymap.SyncHash(payload), entry.SyncHash)
}

func TestProcessQueue_DeleteRemovesMapping(t *testing.T) {
	env := createTestEnv(t)
	require.NoError(t, env.registry.Register(&fakeHandler{name: "crm"}))
	require.NoError(t, env.entities.Save(context.Background(), entitymap.Entry{
		TenantID: testTenant, Module: "crm", EntityType: "contact",
		LocalID: 5, RemoteID: 505,
	}))

	id := env.enqueue(t, job.Job{
		Module: "crm", EntityType: "contact",
		Direction: job.LocalToRemote, Action: job.ActionDelete,
		LocalID: 5, RemoteID: 505,
	})

	e := env.engine(t)
	n, err := e.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, job.StatusDone, env.jobStatus(t, id))

	_, err = env.entities.GetByLocal(context.Background(), testTenant, "crm", "contact", 5)
	assert.ErrorIs(t, err, entitymap.ErrNotFound)
}

func TestProcessQueue_TransientFailureSchedulesRetry(t *testing.T) {
	env := createTestEnv(t)
	require.NoError(t, env.registry.Register(&fakeHandler{
		name: "crm",
		pushFn: func(ctx context.Context, req module.Request) job.Outcome {
			return job.Failure(job.KindTransient, "remote timed out")
		},
	}))

	id := env.enqueue(t, job.Job{
		Module: "crm", EntityType: "contact",
		Direction: job.LocalToRemote, Action: job.ActionUpdate,
		LocalID: 5, RemoteID: 505,
	})

	e := env.engine(t)
	n, err := e.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	j, err := env.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, "remote timed out", j.LastError)
	assert.True(t, j.NotBefore.After(env.clock.Now()))
}

func TestProcessQueue_PermanentFailureDeadLetters(t *testing.T) {
	env := createTestEnv(t)
	require.NoError(t, env.registry.Register(&fakeHandler{
		name: "crm",
		pushFn: func(ctx context.Context, req module.Request) job.Outcome {
			return job.Failure(job.KindPermanent, "validation rejected")
		},
	}))

	id := env.enqueue(t, job.Job{
		Module: "crm", EntityType: "contact",
		Direction: job.LocalToRemote, Action: job.ActionUpdate,
		LocalID: 5, RemoteID: 505,
	})

	e := env.engine(t)
	_, err := e.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.StatusDead, env.jobStatus(t, id))
}

func TestProcessQueue_HandlerPanicIsTransient(t *testing.T) {
	env := createTestEnv(t)
	require.NoError(t, env.registry.Register(&fakeHandler{
		name: "crm",
		pushFn: func(ctx context.Context, req module.Request) job.Outcome {
			panic("nil map write in field mapper")
		},
	}))

	id := env.enqueue(t, job.Job{
		Module: "crm", EntityType: "contact",
		Direction: job.LocalToRemote, Action: job.ActionUpdate,
		LocalID: 5,
	})

	e := env.engine(t)
	n, err := e.ProcessQueue(context.Background())
	require.NoError(t, err, "a panicking handler must not abort the pass")
	assert.Zero(t, n)

	j, err := env.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.LastError, "handler panic")
}

func TestProcessQueue_UnregisteredModuleDeferred(t *testing.T) {
	env := createTestEnv(t)
	id := env.enqueue(t, job.Job{
		Module: "legacy", EntityType: "asset",
		Direction: job.LocalToRemote, Action: job.ActionUpdate,
		LocalID: 5,
	})

	e := env.engine(t)
	n, err := e.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// Deferred, not failed: no attempt consumed.
	j, err := env.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Zero(t, j.Attempts)
}

func TestProcessQueue_CircuitOpenDefers(t *testing.T) {
	env := createTestEnv(t)
	h := &fakeHandler{name: "crm"}
	require.NoError(t, env.registry.Register(h))

	for i := 0; i < breaker.DefaultThreshold; i++ {
		require.NoError(t, env.breaker.RecordBatch("crm", 0, 10))
	}
	require.False(t, env.breaker.Available("crm"))

	id := env.enqueue(t, job.Job{
		Module: "crm", EntityType: "contact",
		Direction: job.LocalToRemote, Action: job.ActionUpdate,
		LocalID: 5,
	})

	e := env.engine(t)
	n, err := e.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, job.StatusPending, env.jobStatus(t, id))
	assert.Empty(t, h.pushCalls)
}

func TestProcessQueue_RepeatedFailuresOpenCircuit(t *testing.T) {
	env := createTestEnv(t)
	require.NoError(t, env.registry.Register(&fakeHandler{
		name: "crm",
		pushFn: func(ctx context.Context, req module.Request) job.Outcome {
			return job.Failure(job.KindTransient, "remote down")
		},
	}))
	e := env.engine(t)

	// Each pass processes one all-failure page; the streak opens the circuit.
	for i := 0; i < breaker.DefaultThreshold; i++ {
		env.enqueue(t, job.Job{
			Module: "crm", EntityType: "contact",
			Direction: job.LocalToRemote, Action: job.ActionUpdate,
			LocalID: int64(100 + i),
		})
		_, err := e.ProcessQueue(context.Background())
		require.NoError(t, err)
	}

	assert.False(t, env.breaker.Available("crm"))
}

func TestProcessQueue_PullSetsImportGuard(t *testing.T) {
	env := createTestEnv(t)
	e := env.engine(t)

	var duringPull, afterPull bool
	require.NoError(t, env.registry.Register(&fakeHandler{
		name: "crm",
		pullFn: func(ctx context.Context, req module.Request) job.Outcome {
			duringPull = e.Guard().Importing(testTenant, "crm")
			return job.Success()
		},
	}))

	env.enqueue(t, job.Job{
		Module: "crm", EntityType: "contact",
		Direction: job.RemoteToLocal, Action: job.ActionUpdate,
		RemoteID: 505,
	})

	n, err := e.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	afterPull = e.Guard().Importing(testTenant, "crm")
	assert.True(t, duringPull, "guard must be set while the pull runs")
	assert.False(t, afterPull, "guard must be cleared after the pull")
}

func TestProcessQueue_DryRunChangesNothing(t *testing.T) {
	env := createTestEnv(t)
	h := &fakeHandler{name: "crm"}
	require.NoError(t, env.registry.Register(h))

	id := env.enqueue(t, job.Job{
		Module: "crm", EntityType: "contact",
		Direction: job.LocalToRemote, Action: job.ActionUpdate,
		LocalID: 5,
	})

	e := env.engine(t, WithDryRun(true))
	n, err := e.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, job.StatusPending, env.jobStatus(t, id))
	assert.Empty(t, h.pushCalls)
}
