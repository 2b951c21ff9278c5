package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/beadqueue/engine/internal/kv"
)

// PushJob writes the job record, bumps the team-queued counter, and
// conditionally writes the TTL entry and crawl-index entry (+crawl-queued
// counter), all in one transaction (§4.3).
//
// A TTL entry is written only when the job has no crawl and a positive
// finite timeout: crawl-grouped jobs are deliberately swept at crawl
// teardown instead of by TTL (§9).
func PushJob(ctx context.Context, store kv.Store, now int64, teamID, jobID string, data json.RawMessage, priority int32, opts PushOptions) error {
	return store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
		job := &Job{
			ID:              jobID,
			TeamID:          teamID,
			Data:            data,
			Priority:        priority,
			Listenable:      opts.Listenable,
			CreatedAt:       now,
			ListenChannelID: opts.ListenChannelID,
			CrawlID:         opts.CrawlID,
		}

		if opts.CrawlID == nil && opts.TimeoutMillis != nil && *opts.TimeoutMillis > 0 {
			timesOutAt := now + *opts.TimeoutMillis
			job.TimesOutAt = &timesOutAt
		}

		jobBytes, err := json.Marshal(job)
		if err != nil {
			return wrapOp("marshal job", err)
		}

		qKey := queueKey(teamID, priority, now, jobID)
		tx.Set(ctx, qKey, jobBytes)
		counterAdd(ctx, tx, CounterTeamQueued, teamID, 1)

		if job.TimesOutAt != nil {
			ttlVal, err := json.Marshal(ttlIndexValue{Priority: priority, CreatedAt: now, CrawlID: opts.CrawlID})
			if err != nil {
				return wrapOp("marshal ttl entry", err)
			}
			tx.Set(ctx, ttlKey(*job.TimesOutAt, teamID, jobID), ttlVal)
		}

		if opts.CrawlID != nil {
			xVal, err := json.Marshal(crawlIndexValue{TeamID: teamID, Priority: priority, CreatedAt: now})
			if err != nil {
				return wrapOp("marshal crawl index entry", err)
			}
			tx.Set(ctx, crawlIndexKey(*opts.CrawlID, jobID), xVal)
			counterAdd(ctx, tx, CounterCrawlQueued, *opts.CrawlID, 1)
		}

		return nil
	})
}

// queueCandidate is one row read off a team's queue prefix, decoded enough
// for the pop engine to filter and act on it.
type queueCandidate struct {
	Key job
	Job Job
}

type job = []byte // the raw queue key, kept opaque outside this file

// scanTeamQueue snapshot-reads up to limit entries from team's queue
// prefix, in key order (priority, then createdAt, then jobId — exactly the
// order pop must honor, since that's how the key sorts) (§4.3 step 1, §5).
func scanTeamQueue(ctx context.Context, tx kv.Tx, teamID string, limit int) ([]queueCandidate, error) {
	begin := queuePrefix(teamID)
	end := endKey(begin)
	rows, err := tx.GetRange(ctx, begin, end, limit, true)
	if err != nil {
		return nil, wrapOp("scan team queue", err)
	}

	out := make([]queueCandidate, 0, len(rows))
	for _, row := range rows {
		var j Job
		if err := json.Unmarshal(row.Value, &j); err != nil {
			// Malformed value: treated as absent, skipped (§7 kind (c)).
			continue
		}
		out = append(out, queueCandidate{Key: row.Key, Job: j})
	}
	return out, nil
}

// GetTeamQueuedJobIDs returns up to limit queued job ids for team in
// natural key order (priority, createdAt, jobId), bounded at 100000 (§4.3).
func GetTeamQueuedJobIDs(ctx context.Context, store kv.Store, teamID string, limit int) ([]string, error) {
	if limit > 100000 {
		limit = 100000
	}
	if limit <= 0 {
		limit = 100000
	}

	var ids []string
	err := store.ReadTransact(ctx, func(ctx context.Context, tx kv.Tx) error {
		begin := queuePrefix(teamID)
		end := endKey(begin)
		rows, err := tx.GetRange(ctx, begin, end, limit, true)
		if err != nil {
			return err
		}
		ids = make([]string, 0, len(rows))
		for _, row := range rows {
			if _, _, _, jobID, ok := decodeQueueKey(row.Key); ok {
				ids = append(ids, jobID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapOp("get team queued job ids", err)
	}
	return ids, nil
}

// GetTeamQueueCount returns the team-queued counter's current value
// (§6). It is denormalized and may transiently drift; see
// ReconcileTeamQueueCounter.
func GetTeamQueueCount(ctx context.Context, store kv.Store, teamID string) (int64, error) {
	var count int64
	err := store.ReadTransact(ctx, func(ctx context.Context, tx kv.Tx) error {
		var err error
		count, err = counterGet(ctx, tx, CounterTeamQueued, teamID)
		return err
	})
	return count, err
}

// GetCrawlQueueCount returns the crawl-queued counter's current value (§6).
func GetCrawlQueueCount(ctx context.Context, store kv.Store, crawlID string) (int64, error) {
	var count int64
	err := store.ReadTransact(ctx, func(ctx context.Context, tx kv.Tx) error {
		var err error
		count, err = counterGet(ctx, tx, CounterCrawlQueued, crawlID)
		return err
	})
	return count, err
}

// clearQueuedJob removes a queue record, its TTL entry (if any) and crawl
// index entry (if any), and decrements the corresponding counters, all
// within the caller's transaction. Shared by CompleteJob (§6),
// expired-candidate cleanup during pop (§4.7 step 3), and the janitor's
// TTL sweep (§4.8).
func clearQueuedJob(ctx context.Context, tx kv.Tx, team string, priority int32, createdAt int64, jobID string, timesOutAt *int64, crawlID *string) {
	tx.Clear(ctx, queueKey(team, priority, createdAt, jobID))
	counterAdd(ctx, tx, CounterTeamQueued, team, -1)

	if timesOutAt != nil {
		tx.Clear(ctx, ttlKey(*timesOutAt, team, jobID))
	}

	if crawlID != nil {
		tx.Clear(ctx, crawlIndexKey(*crawlID, jobID))
		counterAdd(ctx, tx, CounterCrawlQueued, *crawlID, -1)
	}
}

// queueKeyHandle base64-encodes a raw queue key into the opaque handle
// CompleteJob requires (§6, Glossary: "Queue key handle").
func queueKeyHandle(key []byte) string {
	return b64Encode(key)
}

func parseQueueKeyHandle(handle string) ([]byte, error) {
	key, err := b64Decode(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueueKeyHandle, err)
	}
	return key, nil
}
