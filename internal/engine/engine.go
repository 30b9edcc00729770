// Package engine implements the sync orchestration loop: claim a page of
// due jobs, gate them through the per-module circuit breaker, dispatch them
// to module handlers (batched where possible), and write back per-job
// outcomes.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/relaypoint/erpsync/internal/breaker"
	"github.com/relaypoint/erpsync/internal/entitymap"
	"github.com/relaypoint/erpsync/internal/job"
	"github.com/relaypoint/erpsync/internal/module"
	"github.com/relaypoint/erpsync/internal/queue"
)

// DefaultPageSize bounds how many jobs one ProcessQueue pass claims.
const DefaultPageSize = 50

// Engine drives one tenant's queue. It is designed for a single active
// worker per tenant at any instant, invoked by an external scheduler;
// within a pass, job processing is sequential - batching is the concurrency
// strategy, not threading.
type Engine struct {
	tenant   string
	queue    *queue.Queue
	entities *entitymap.Map
	breaker  *breaker.Breaker
	registry *module.Registry
	guard    *module.ImportGuard
	runGen   RunTokenGenerator
	pageSize int
	dryRun   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize sets the claim page size.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithDryRun previews routing decisions without claiming jobs or invoking
// handlers. No job state changes in dry-run mode.
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) { e.dryRun = dryRun }
}

// WithRunTokenGenerator overrides the run token generator (for testing).
func WithRunTokenGenerator(gen RunTokenGenerator) Option {
	return func(e *Engine) { e.runGen = gen }
}

// New creates an Engine for one tenant's queue.
func New(
	tenant string,
	q *queue.Queue,
	entities *entitymap.Map,
	br *breaker.Breaker,
	registry *module.Registry,
	opts ...Option,
) *Engine {
	e := &Engine{
		tenant:   tenant,
		queue:    q,
		entities: entities,
		breaker:  br,
		registry: registry,
		guard:    module.NewImportGuard(),
		runGen:   UUIDv7Generator{},
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Guard returns the import reentrancy guard. Content-save hooks consult it
// to suppress re-enqueueing during pull-triggered local writes.
func (e *Engine) Guard() *module.ImportGuard {
	return e.guard
}

// tally accumulates one module's aggregate outcome for a pass. Reported to
// the breaker after the module's work so breaker state reflects real
// throughput, not just batched calls.
type tally struct {
	successes int
	failures  int
}

// ProcessQueue runs one pass: claim a page of due jobs, dispatch them, and
// return the number of jobs successfully completed. One job's failure never
// aborts the pass, and a pass that encounters only failures still returns
// normally.
func (e *Engine) ProcessQueue(ctx context.Context) (int, error) {
	runToken := e.runGen.Generate()
	log := slog.With("run", runToken, "tenant", e.tenant)

	if e.dryRun {
		plan, err := e.Preview(ctx)
		if err != nil {
			return 0, err
		}
		log.Info("dry run",
			"batches", len(plan.Batches),
			"singles", len(plan.Singles),
			"deferred", len(plan.Deferred),
		)
		return 0, nil
	}

	jobs, err := e.queue.ClaimDue(ctx, e.tenant, e.pageSize)
	if err != nil {
		return 0, fmt.Errorf("process queue: %w", err)
	}
	if len(jobs) == 0 {
		log.Debug("queue empty")
		return 0, nil
	}
	log.Info("claimed jobs", "count", len(jobs))

	batches, singles := e.route(ctx, jobs, log)

	completed := 0
	tallies := make(map[string]*tally)

	// Batch groups first (creates land before updates that may reference
	// them), then singles in original claim order.
	keys := make([]job.GroupKey, 0, len(batches))
	for key := range batches {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Module != keys[j].Module {
			return keys[i].Module < keys[j].Module
		}
		return keys[i].EntityType < keys[j].EntityType
	})
	for _, key := range keys {
		completed += e.processGroup(ctx, key, batches[key], tallies, log)
	}

	for i := range singles {
		completed += e.dispatchOne(ctx, &singles[i], tallies, log)
	}

	for mod, tl := range tallies {
		if err := e.breaker.RecordBatch(mod, tl.successes, tl.failures); err != nil {
			log.Error("record breaker batch", "module", mod, "error", err)
		}
	}

	log.Info("pass complete", "completed", completed)
	return completed, nil
}

// route partitions claimed jobs into batch groups and singles, deferring
// jobs whose module is gated or unregistered. Deferred jobs are released
// back to pending without consuming an attempt.
func (e *Engine) route(ctx context.Context, jobs []job.Job, log *slog.Logger) (map[job.GroupKey][]job.Job, []job.Job) {
	batches := make(map[job.GroupKey][]job.Job)
	var singles []job.Job

	for _, j := range jobs {
		handler, ok := e.registry.Get(j.Module)
		if !ok {
			// A handler may be registered in a later deployment; defer
			// rather than dead-letter.
			log.Warn("no handler registered, deferring", "module", j.Module, "job", j.ID)
			e.release(ctx, j.ID, log)
			continue
		}
		if !e.breaker.Available(j.Module) {
			log.Debug("circuit open, deferring", "module", j.Module, "job", j.ID)
			e.release(ctx, j.ID, log)
			continue
		}

		if j.Batchable() {
			if _, canBatch := handler.(module.BatchCreator); canBatch {
				batches[j.Group()] = append(batches[j.Group()], j)
				continue
			}
		}
		singles = append(singles, j)
	}

	return batches, singles
}

// dispatchOne pushes or pulls a single job and writes back its outcome.
// Returns 1 if the job completed successfully.
func (e *Engine) dispatchOne(ctx context.Context, j *job.Job, tallies map[string]*tally, log *slog.Logger) int {
	handler, ok := e.registry.Get(j.Module)
	if !ok {
		e.release(ctx, j.ID, log)
		return 0
	}

	outcome := e.invoke(ctx, handler, j)
	return e.applyOutcome(ctx, j, outcome, tallies, log)
}

// invoke calls the handler, converting a panic into a transient failure:
// one misbehaving field mapper must not take down the whole pass.
func (e *Engine) invoke(ctx context.Context, handler module.Handler, j *job.Job) (outcome job.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = job.Failure(job.KindTransient, "handler panic: %v", r)
		}
	}()

	req := module.Request{
		TenantID:   j.TenantID,
		EntityType: j.EntityType,
		Action:     j.Action,
		LocalID:    j.LocalID,
		RemoteID:   j.RemoteID,
		Payload:    j.Payload,
	}

	if j.Direction == job.RemoteToLocal {
		e.guard.Enter(j.TenantID, j.Module)
		defer e.guard.Exit(j.TenantID, j.Module)
		return handler.Pull(ctx, req)
	}
	return handler.Push(ctx, req)
}

// applyOutcome writes one job's result back to the queue and entity map and
// feeds the module tally. Returns 1 on success.
func (e *Engine) applyOutcome(ctx context.Context, j *job.Job, outcome job.Outcome, tallies map[string]*tally, log *slog.Logger) int {
	tl := tallyFor(tallies, j.Module)

	if !outcome.OK {
		tl.failures++
		log.Warn("job failed",
			"job", j.ID, "module", j.Module, "entity", j.EntityType,
			"kind", outcome.Kind.String(), "error", outcome.Err,
		)
		if err := e.queue.MarkRetry(ctx, j.ID, outcome.Err, outcome.Kind); err != nil {
			log.Error("mark retry", "job", j.ID, "error", err)
		}
		return 0
	}

	if err := e.recordMapping(ctx, j, outcome); err != nil {
		// The remote call succeeded but the mapping write didn't; retry
		// the job so the mapping lands (dedup on the remote side rides
		// on at-least-once semantics).
		tl.failures++
		log.Error("record mapping", "job", j.ID, "error", err)
		if err := e.queue.MarkRetry(ctx, j.ID, err.Error(), job.KindTransient); err != nil {
			log.Error("mark retry", "job", j.ID, "error", err)
		}
		return 0
	}

	tl.successes++
	if err := e.queue.MarkDone(ctx, j.ID); err != nil {
		log.Error("mark done", "job", j.ID, "error", err)
	}
	log.Debug("job done", "job", j.ID, "module", j.Module, "action", string(j.Action))
	return 1
}

// recordMapping maintains the entity map after a successful sync:
// create/update save the mapping with a refreshed content hash, delete
// removes it.
func (e *Engine) recordMapping(ctx context.Context, j *job.Job, outcome job.Outcome) error {
	switch j.Action {
	case job.ActionDelete:
		return e.entities.Delete(ctx, j.TenantID, j.Module, j.EntityType, j.LocalID)

	case job.ActionCreate, job.ActionUpdate:
		localID := j.LocalID
		if localID == 0 {
			localID = outcome.LocalID
		}
		remoteID := outcome.RemoteID
		if remoteID == 0 {
			remoteID = j.RemoteID
		}
		if localID == 0 || remoteID == 0 {
			// Nothing to map yet (e.g. an update whose ids are resolved
			// by the handler internally).
			return nil
		}
		return e.entities.Save(ctx, entitymap.Entry{
			TenantID:    j.TenantID,
			Module:      j.Module,
			EntityType:  j.EntityType,
			LocalID:     localID,
			RemoteID:    remoteID,
			RemoteModel: outcome.RemoteModel,
			SyncHash:    entitymap.SyncHash(j.Payload),
		})
	}
	return nil
}

func (e *Engine) release(ctx context.Context, id int64, log *slog.Logger) {
	if err := e.queue.Release(ctx, id); err != nil {
		log.Error("release job", "job", id, "error", err)
	}
}
