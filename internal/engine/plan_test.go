package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/erpsync/internal/breaker"
	"github.com/relaypoint/erpsync/internal/job"
)

func TestPreview_Golden(t *testing.T) {
	env := createTestEnv(t)
	require.NoError(t, env.registry.Register(&batchHandler{fakeHandler: fakeHandler{name: "catalog"}}))
	require.NoError(t, env.registry.Register(&fakeHandler{name: "crm"}))
	require.NoError(t, env.registry.Register(&fakeHandler{name: "billing"}))

	for i := 0; i < breaker.DefaultThreshold; i++ {
		require.NoError(t, env.breaker.RecordBatch("billing", 0, 10))
	}

	env.enqueue(t, job.Job{
		Module: "catalog", EntityType: "product",
		Direction: job.LocalToRemote, Action: job.ActionCreate, LocalID: 10,
	})
	env.enqueue(t, job.Job{
		Module: "catalog", EntityType: "product",
		Direction: job.LocalToRemote, Action: job.ActionCreate, LocalID: 20,
	})
	env.enqueue(t, job.Job{
		Module: "crm", EntityType: "contact",
		Direction: job.LocalToRemote, Action: job.ActionUpdate,
		LocalID: 5, RemoteID: 505,
	})
	env.enqueue(t, job.Job{
		Module: "billing", EntityType: "invoice",
		Direction: job.LocalToRemote, Action: job.ActionCreate, LocalID: 7,
	})
	env.enqueue(t, job.Job{
		Module: "legacy", EntityType: "asset",
		Direction: job.LocalToRemote, Action: job.ActionCreate, LocalID: 9,
	})

	plan, err := env.engine(t).Preview(context.Background())
	require.NoError(t, err)

	data, err := json.MarshalIndent(plan, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "plan", append(data, '\n'))
}

func TestPreview_DoesNotClaim(t *testing.T) {
	env := createTestEnv(t)
	require.NoError(t, env.registry.Register(&fakeHandler{name: "crm"}))

	id := env.enqueue(t, job.Job{
		Module: "crm", EntityType: "contact",
		Direction: job.LocalToRemote, Action: job.ActionUpdate, LocalID: 5,
	})

	e := env.engine(t)
	_, err := e.Preview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, env.jobStatus(t, id))

	// A real pass afterwards still sees the job.
	jobs, err := env.queue.ClaimDue(context.Background(), testTenant, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestPreview_BatchOfOneFallsToSingles(t *testing.T) {
	env := createTestEnv(t)
	require.NoError(t, env.registry.Register(&batchHandler{fakeHandler: fakeHandler{name: "catalog"}}))

	env.enqueue(t, job.Job{
		Module: "catalog", EntityType: "product",
		Direction: job.LocalToRemote, Action: job.ActionCreate, LocalID: 10,
	})

	plan, err := env.engine(t).Preview(context.Background())
	require.NoError(t, err)
	assert.Empty(t, plan.Batches)
	require.Len(t, plan.Singles, 1)
	assert.Equal(t, int64(10), plan.Singles[0].LocalID)
}
