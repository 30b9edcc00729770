package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/relaypoint/erpsync/internal/job"
	"github.com/relaypoint/erpsync/internal/module"
)

// processGroup sends one (module, entity_type) group of creates through the
// handler's bulk path. Returns the number of jobs completed, superseded
// duplicates included.
//
// Two jobs for the same local record can land in one page when an earlier
// attempt failed and the record changed again before the retry came due.
// The later snapshot supersedes the earlier one: only the last job per
// local_id is sent, the rest are marked done without a remote call.
func (e *Engine) processGroup(ctx context.Context, key job.GroupKey, jobs []job.Job, tallies map[string]*tally, log *slog.Logger) int {
	handler, ok := e.registry.Get(key.Module)
	if !ok {
		for i := range jobs {
			e.release(ctx, jobs[i].ID, log)
		}
		return 0
	}
	creator, ok := handler.(module.BatchCreator)
	if !ok {
		completed := 0
		for i := range jobs {
			completed += e.dispatchOne(ctx, &jobs[i], tallies, log)
		}
		return completed
	}

	completed := 0
	live, superseded := dedupByLocalID(jobs)
	for i := range superseded {
		log.Debug("superseded by later snapshot",
			"job", superseded[i].ID, "local", superseded[i].LocalID)
		if err := e.queue.MarkDone(ctx, superseded[i].ID); err != nil {
			log.Error("mark done", "job", superseded[i].ID, "error", err)
			continue
		}
		completed++
	}

	// Malformed snapshots would be rejected by the remote on every retry;
	// dead-letter them before the call. These failures are local, so they
	// stay out of the module's health tally.
	valid := live[:0]
	for i := range live {
		if len(live[i].Payload) > 0 && !json.Valid(live[i].Payload) {
			log.Warn("malformed payload", "job", live[i].ID, "local", live[i].LocalID)
			err := e.queue.MarkRetry(ctx, live[i].ID, "malformed payload", job.KindPermanent)
			if err != nil {
				log.Error("mark retry", "job", live[i].ID, "error", err)
			}
			continue
		}
		valid = append(valid, live[i])
	}

	switch len(valid) {
	case 0:
		return completed
	case 1:
		// A group of one gains nothing from the bulk path.
		return completed + e.dispatchOne(ctx, &valid[0], tallies, log)
	}

	items := make([]module.BatchItem, len(valid))
	for i := range valid {
		items[i] = module.BatchItem{LocalID: valid[i].LocalID, Payload: valid[i].Payload}
	}

	log.Info("batch create",
		"module", key.Module, "entity", key.EntityType, "count", len(items))

	outcomes, err := creator.PushBatchCreates(ctx, valid[0].TenantID, key.EntityType, items)
	if err != nil {
		// The call itself failed; no item reached the remote, so every
		// job retries as transient.
		log.Warn("batch create failed",
			"module", key.Module, "entity", key.EntityType, "error", err)
		for i := range valid {
			tallyFor(tallies, key.Module).failures++
			if err := e.queue.MarkRetry(ctx, valid[i].ID, err.Error(), job.KindTransient); err != nil {
				log.Error("mark retry", "job", valid[i].ID, "error", err)
			}
		}
		return completed
	}

	for i := range valid {
		outcome, ok := outcomes[valid[i].LocalID]
		if !ok {
			outcome = job.Failure(job.KindTransient, "no result returned for local id %d", valid[i].LocalID)
		}
		completed += e.applyOutcome(ctx, &valid[i], outcome, tallies, log)
	}
	return completed
}

// dedupByLocalID splits jobs into the last job per local_id (in claim order)
// and the jobs they supersede.
func dedupByLocalID(jobs []job.Job) (live, superseded []job.Job) {
	last := make(map[int64]int, len(jobs))
	for i := range jobs {
		last[jobs[i].LocalID] = i
	}
	for i := range jobs {
		if last[jobs[i].LocalID] == i {
			live = append(live, jobs[i])
		} else {
			superseded = append(superseded, jobs[i])
		}
	}
	return live, superseded
}

func tallyFor(tallies map[string]*tally, mod string) *tally {
	tl := tallies[mod]
	if tl == nil {
		tl = &tally{}
		tallies[mod] = tl
	}
	return tl
}
