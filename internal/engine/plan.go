package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/relaypoint/erpsync/internal/job"
	"github.com/relaypoint/erpsync/internal/module"
)

// Plan describes what one ProcessQueue pass would do without doing it.
// Ordering is deterministic so plans can be diffed across runs.
type Plan struct {
	Tenant   string      `json:"tenant"`
	Batches  []PlanBatch `json:"batches"`
	Singles  []PlanJob   `json:"singles"`
	Deferred []PlanJob   `json:"deferred"`
}

// PlanBatch is one group of creates that would go through the bulk path.
type PlanBatch struct {
	Module     string  `json:"module"`
	EntityType string  `json:"entity_type"`
	LocalIDs   []int64 `json:"local_ids"`
}

// PlanJob is one job that would be dispatched individually or deferred.
type PlanJob struct {
	ID         int64  `json:"id"`
	Module     string `json:"module"`
	EntityType string `json:"entity_type"`
	Direction  string `json:"direction"`
	Action     string `json:"action"`
	LocalID    int64  `json:"local_id,omitempty"`
	RemoteID   int64  `json:"remote_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Preview builds the plan for the current page of due jobs. It reads the
// queue without claiming, so the jobs stay available for a real pass.
func (e *Engine) Preview(ctx context.Context) (*Plan, error) {
	jobs, err := e.queue.PeekDue(ctx, e.tenant, e.pageSize)
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}

	plan := &Plan{
		Tenant:   e.tenant,
		Batches:  []PlanBatch{},
		Singles:  []PlanJob{},
		Deferred: []PlanJob{},
	}

	groups := make(map[job.GroupKey][]int64)
	for _, j := range jobs {
		handler, ok := e.registry.Get(j.Module)
		if !ok {
			plan.Deferred = append(plan.Deferred, planJob(j, "no handler registered"))
			continue
		}
		if !e.breaker.Available(j.Module) {
			plan.Deferred = append(plan.Deferred, planJob(j, "circuit open"))
			continue
		}

		if j.Batchable() {
			if _, canBatch := handler.(module.BatchCreator); canBatch {
				groups[j.Group()] = append(groups[j.Group()], j.LocalID)
				continue
			}
		}
		plan.Singles = append(plan.Singles, planJob(j, ""))
	}

	// Groups of one fall back to the single path, matching the real pass.
	for key, localIDs := range groups {
		if len(uniqueIDs(localIDs)) > 1 {
			plan.Batches = append(plan.Batches, PlanBatch{
				Module:     key.Module,
				EntityType: key.EntityType,
				LocalIDs:   localIDs,
			})
			continue
		}
		for _, j := range jobs {
			if j.Group() == key && j.Batchable() {
				plan.Singles = append(plan.Singles, planJob(j, ""))
			}
		}
	}

	sort.Slice(plan.Batches, func(i, j int) bool {
		if plan.Batches[i].Module != plan.Batches[j].Module {
			return plan.Batches[i].Module < plan.Batches[j].Module
		}
		return plan.Batches[i].EntityType < plan.Batches[j].EntityType
	})
	sort.Slice(plan.Singles, func(i, j int) bool {
		return plan.Singles[i].ID < plan.Singles[j].ID
	})
	sort.Slice(plan.Deferred, func(i, j int) bool {
		return plan.Deferred[i].ID < plan.Deferred[j].ID
	})

	return plan, nil
}

func planJob(j job.Job, reason string) PlanJob {
	return PlanJob{
		ID:         j.ID,
		Module:     j.Module,
		EntityType: j.EntityType,
		Direction:  string(j.Direction),
		Action:     string(j.Action),
		LocalID:    j.LocalID,
		RemoteID:   j.RemoteID,
		Reason:     reason,
	}
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
