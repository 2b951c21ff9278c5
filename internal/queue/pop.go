package queue

import (
	"context"
	"log/slog"

	"github.com/beadqueue/engine/internal/kv"
)

// popScanLimit is the "up to 100 entries" bound on the candidate scan
// (§4.7 step 1).
const popScanLimit = 100

// PoppedJob is what PopNextJob hands back to a winning caller.
type PoppedJob struct {
	Job            Job
	QueueKeyHandle string
}

// PopNextJob attempts to claim the single highest-priority eligible job
// for team. Candidates whose crawlId is in blockedCrawlIDs are skipped
// even when they would otherwise be the best match (§4.7 step 2, §8
// blocked-crawl avoidance).
//
// Returns (nil, false, nil) if no job could be claimed.
func PopNextJob(ctx context.Context, store kv.Store, log *slog.Logger, now int64, team, workerID string, blockedCrawlIDs map[string]struct{}) (*PoppedJob, bool, error) {
	var candidates []queueCandidate
	var expired []queueCandidate

	err := store.ReadTransact(ctx, func(ctx context.Context, tx kv.Tx) error {
		rows, err := scanTeamQueue(ctx, tx, team, popScanLimit)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.Job.TimesOutAt != nil && *row.Job.TimesOutAt <= now {
				expired = append(expired, row)
				continue
			}
			if row.Job.CrawlID != nil {
				if _, blocked := blockedCrawlIDs[*row.Job.CrawlID]; blocked {
					continue
				}
			}
			candidates = append(candidates, row)
		}
		return nil
	})
	if err != nil {
		return nil, false, wrapOp("pop scan", err)
	}

	if len(expired) > 0 {
		cleanExpiredCandidates(ctx, store, log, expired)
	}

	for _, cand := range candidates {
		won, queueKey, err := attemptClaim(ctx, store, team, workerID, cand, now)
		if err != nil {
			return nil, false, wrapOp("pop claim", err)
		}
		if won {
			return &PoppedJob{Job: cand.Job, QueueKeyHandle: queueKeyHandle(queueKey)}, true, nil
		}
	}

	return nil, false, nil
}

// attemptClaim runs §4.7 step 4 for a single candidate: probe, blind
// claim write, verify.
func attemptClaim(ctx context.Context, store kv.Store, team, workerID string, cand queueCandidate, now int64) (won bool, queueKey []byte, err error) {
	qKey := queueKey(team, cand.Job.Priority, cand.Job.CreatedAt, cand.Job.ID)

	var alreadyClaimed bool
	err = store.ReadTransact(ctx, func(ctx context.Context, tx kv.Tx) error {
		prefix := claimPrefix(cand.Job.ID)
		rows, err := tx.GetRange(ctx, prefix, endKey(prefix), 1, true)
		if err != nil {
			return err
		}
		alreadyClaimed = len(rows) > 0
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	if alreadyClaimed {
		return false, nil, nil
	}

	err = store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
		var werr error
		won, werr = tryClaim(ctx, tx, cand.Job.ID, workerID, qKey, now)
		return werr
	})
	if err != nil {
		return false, nil, err
	}
	return won, qKey, nil
}

// cleanExpiredCandidates is §4.7 step 3: best-effort, errors swallowed and
// logged, never fails the enclosing pop.
func cleanExpiredCandidates(ctx context.Context, store kv.Store, log *slog.Logger, expired []queueCandidate) {
	for _, cand := range expired {
		err := store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
			clearQueuedJob(ctx, tx, cand.Job.TeamID, cand.Job.Priority, cand.Job.CreatedAt, cand.Job.ID, cand.Job.TimesOutAt, cand.Job.CrawlID)
			return nil
		})
		if err != nil {
			if log != nil {
				log.Warn("pop: inline expired cleanup failed, leaving for janitor",
					"jobId", cand.Job.ID, "team", cand.Job.TeamID, "error", err)
			}
		}
	}
}
