package queue

import (
	"context"
	"encoding/binary"

	"github.com/beadqueue/engine/internal/kv"
)

// activeIndexValue is the little-endian-encoded expiresAt stamped on an
// active-job entry. Unlike key-embedded integers (which must be
// big-endian so byte order matches numeric order for range scans), this
// value is never used as a scan bound itself, only read back whole — so
// it follows the counters' little-endian convention (§3, §9 decision).
func encodeActiveValue(expiresAt int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(expiresAt))
	return buf
}

func decodeActiveValue(buf []byte) (int64, bool) {
	if len(buf) < 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(buf)), true
}

// PushActiveJob records jobID as active for team, due to expire at
// expiresAt, and bumps the team-active counter (§4.5).
func PushActiveJob(ctx context.Context, tx kv.Tx, team, jobID string, expiresAt int64) {
	tx.Set(ctx, activeTeamKey(team, jobID), encodeActiveValue(expiresAt))
	counterAdd(ctx, tx, CounterTeamActive, team, 1)
}

// PushActiveCrawlJob is PushActiveJob's crawl-scoped counterpart (§4.5).
func PushActiveCrawlJob(ctx context.Context, tx kv.Tx, crawlID, jobID string, expiresAt int64) {
	tx.Set(ctx, activeCrawlKey(crawlID, jobID), encodeActiveValue(expiresAt))
	counterAdd(ctx, tx, CounterCrawlActive, crawlID, 1)
}

// RemoveActiveJob clears jobID's active-team entry and decrements the
// team-active counter, but only if the entry was actually present:
// callers may call this more than once for the same job (e.g. complete
// racing a janitor sweep), and a second call must be a no-op (§4.5,
// idempotence).
func RemoveActiveJob(ctx context.Context, tx kv.Tx, team, jobID string) error {
	key := activeTeamKey(team, jobID)
	_, ok, err := tx.Get(ctx, key)
	if err != nil {
		return wrapOp("remove active job", err)
	}
	if !ok {
		return nil
	}
	tx.Clear(ctx, key)
	counterAdd(ctx, tx, CounterTeamActive, team, -1)
	return nil
}

// RemoveActiveCrawlJob is RemoveActiveJob's crawl-scoped counterpart.
func RemoveActiveCrawlJob(ctx context.Context, tx kv.Tx, crawlID, jobID string) error {
	key := activeCrawlKey(crawlID, jobID)
	_, ok, err := tx.Get(ctx, key)
	if err != nil {
		return wrapOp("remove active crawl job", err)
	}
	if !ok {
		return nil
	}
	tx.Clear(ctx, key)
	counterAdd(ctx, tx, CounterCrawlActive, crawlID, -1)
	return nil
}

// GetActiveJobCount returns the team-active counter's current value (§6).
func GetActiveJobCount(ctx context.Context, store kv.Store, team string) (int64, error) {
	var count int64
	err := store.ReadTransact(ctx, func(ctx context.Context, tx kv.Tx) error {
		var err error
		count, err = counterGet(ctx, tx, CounterTeamActive, team)
		return err
	})
	return count, err
}

// GetActiveCrawlJobCount returns the crawl-active counter's current value
// (§6).
func GetActiveCrawlJobCount(ctx context.Context, store kv.Store, crawlID string) (int64, error) {
	var count int64
	err := store.ReadTransact(ctx, func(ctx context.Context, tx kv.Tx) error {
		var err error
		count, err = counterGet(ctx, tx, CounterCrawlActive, crawlID)
		return err
	})
	return count, err
}

// GetActiveJobs returns every team-active entry not yet expired as of now
// (§4.5, §6). Entries with expiresAt <= now are live in the index but
// stale: they are filtered here rather than eagerly swept, since sweeping
// is the janitor's job (§4.8), not a read path's.
func GetActiveJobs(ctx context.Context, store kv.Store, team string, now int64) ([]ActiveJob, error) {
	return scanActive(ctx, store, activeTeamPrefix(team), now)
}

// GetActiveCrawlJobs is GetActiveJobs's crawl-scoped counterpart.
func GetActiveCrawlJobs(ctx context.Context, store kv.Store, crawlID string, now int64) ([]ActiveJob, error) {
	return scanActive(ctx, store, activeCrawlPrefix(crawlID), now)
}

// activeScanLimit bounds a single active-index scan. Unbounded active sets
// are not expected in practice (the janitor keeps them reconciled), but a
// scan still needs a concrete limit since GetRange takes one literally.
const activeScanLimit = 100000

func scanActive(ctx context.Context, store kv.Store, prefix []byte, now int64) ([]ActiveJob, error) {
	var out []ActiveJob
	err := store.ReadTransact(ctx, func(ctx context.Context, tx kv.Tx) error {
		rows, err := tx.GetRange(ctx, prefix, endKey(prefix), activeScanLimit, true)
		if err != nil {
			return err
		}
		out = make([]ActiveJob, 0, len(rows))
		for _, row := range rows {
			_, jobID, ok := decodeActiveKey(row.Key)
			if !ok {
				continue
			}
			expiresAt, ok := decodeActiveValue(row.Value)
			if !ok || expiresAt <= now {
				continue
			}
			out = append(out, ActiveJob{JobID: jobID, ExpiresAt: expiresAt})
		}
		return nil
	})
	if err != nil {
		return nil, wrapOp("scan active jobs", err)
	}
	return out, nil
}
