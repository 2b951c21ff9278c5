package queue

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/beadqueue/engine/internal/kv"
)

// defaultJanitorBatchSize and janitorMaxBatches bound each periodic
// routine's work per invocation: up to janitorMaxBatches batches, so a
// single call never blocks a caller indefinitely on a large backlog
// (§4.8). defaultJanitorBatchSize is used whenever a caller passes
// batchSize <= 0, matching config.Default's JanitorBatchSize.
const (
	defaultJanitorBatchSize = 100
	janitorMaxBatches       = 10
)

// reconcileScanLimit bounds the cardinality scan a reconcile_* routine
// performs when recomputing a single counter from its authoritative set.
const reconcileScanLimit = 100000

func resolveBatchSize(batchSize int) int {
	if batchSize <= 0 {
		return defaultJanitorBatchSize
	}
	return batchSize
}

// CleanExpiredJobs sweeps the TTL index for entries with expiresAt <= now,
// clearing the queue/TTL/crawl-index entries and decrementing counters for
// each, one transaction per batch, up to janitorMaxBatches batches of
// batchSize entries (§4.8). batchSize <= 0 uses defaultJanitorBatchSize.
func CleanExpiredJobs(ctx context.Context, store kv.Store, now int64, batchSize int) (int, error) {
	batchSize = resolveBatchSize(batchSize)
	total := 0
	for batch := 0; batch < janitorMaxBatches; batch++ {
		n, err := cleanExpiredJobsBatch(ctx, store, now, batchSize)
		if err != nil {
			return total, wrapOp("clean expired jobs", err)
		}
		total += n
		if n < batchSize {
			break
		}
	}
	return total, nil
}

func cleanExpiredJobsBatch(ctx context.Context, store kv.Store, now int64, batchSize int) (int, error) {
	n := 0
	err := store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
		begin := ttlPrefix()
		end := ttlScanEnd(now)
		rows, err := tx.GetRange(ctx, begin, end, batchSize, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			expiresAt, team, jobID, ok := decodeTTLKey(row.Key)
			if !ok {
				continue
			}
			var val ttlIndexValue
			if decodeErr := unmarshalOrZero(row.Value, &val); decodeErr != nil {
				// Malformed TTL value: still clear the dangling entry itself.
				tx.Clear(ctx, row.Key)
				continue
			}
			clearQueuedJob(ctx, tx, team, val.Priority, val.CreatedAt, jobID, &expiresAt, val.CrawlID)
			n++
		}
		return nil
	})
	return n, err
}

// CleanExpiredActiveJobs scans both active subspaces for entries whose
// stored expiresAt < now, clearing and decrementing each (§4.8). Team and
// crawl subspaces are swept as two independent passes. batchSize <= 0
// uses defaultJanitorBatchSize.
func CleanExpiredActiveJobs(ctx context.Context, store kv.Store, now int64, batchSize int) (int, error) {
	batchSize = resolveBatchSize(batchSize)
	teamN, err := sweepExpiredActive(ctx, store, activeTeamAllPrefix(), now, true, batchSize)
	if err != nil {
		return teamN, wrapOp("clean expired team active jobs", err)
	}
	crawlN, err := sweepExpiredActive(ctx, store, activeCrawlAllPrefix(), now, false, batchSize)
	if err != nil {
		return teamN + crawlN, wrapOp("clean expired crawl active jobs", err)
	}
	return teamN + crawlN, nil
}

func sweepExpiredActive(ctx context.Context, store kv.Store, allPrefix []byte, now int64, isTeam bool, batchSize int) (int, error) {
	total := 0
	for batch := 0; batch < janitorMaxBatches; batch++ {
		n, err := sweepExpiredActiveBatch(ctx, store, allPrefix, now, isTeam, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < batchSize {
			break
		}
	}
	return total, nil
}

func sweepExpiredActiveBatch(ctx context.Context, store kv.Store, allPrefix []byte, now int64, isTeam bool, batchSize int) (int, error) {
	n := 0
	err := store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
		rows, err := tx.GetRange(ctx, allPrefix, endKey(allPrefix), batchSize, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			expiresAt, ok := decodeActiveValue(row.Value)
			if !ok || expiresAt >= now {
				continue
			}
			id, _, ok := decodeActiveKey(row.Key)
			if !ok {
				continue
			}
			tx.Clear(ctx, row.Key)
			if isTeam {
				counterAdd(ctx, tx, CounterTeamActive, id, -1)
			} else {
				counterAdd(ctx, tx, CounterCrawlActive, id, -1)
			}
			n++
		}
		return nil
	})
	return n, err
}

// CleanOrphanedClaims scans the claims subspace and clears any claim
// whose referenced queue key no longer exists: the worker that held it
// crashed, or the job's queue record was removed by an expiry sweep
// (which leaves claims in place), so nothing else will ever free the slot
// (§4.8). batchSize <= 0
// uses defaultJanitorBatchSize.
func CleanOrphanedClaims(ctx context.Context, store kv.Store, batchSize int) (int, error) {
	batchSize = resolveBatchSize(batchSize)
	total := 0
	for batch := 0; batch < janitorMaxBatches; batch++ {
		n, err := cleanOrphanedClaimsBatch(ctx, store, batchSize)
		if err != nil {
			return total, wrapOp("clean orphaned claims", err)
		}
		total += n
		if n < batchSize {
			break
		}
	}
	return total, nil
}

func cleanOrphanedClaimsBatch(ctx context.Context, store kv.Store, batchSize int) (int, error) {
	n := 0
	err := store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
		prefix := []byte{tagClaim}
		rows, err := tx.GetRange(ctx, prefix, endKey(prefix), batchSize, false)
		if err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(rows))
		for _, row := range rows {
			jobID, _, ok := decodeClaimKey(row.Key)
			if !ok {
				continue
			}
			if _, already := seen[jobID]; already {
				continue
			}

			var val claimValue
			if decodeErr := unmarshalOrZero(row.Value, &val); decodeErr != nil {
				// Malformed claim value: treated as orphaned (§7 kind (c)).
				seen[jobID] = struct{}{}
				cleanOrphanedClaim(ctx, tx, jobID)
				n++
				continue
			}
			queueKey, err := parseQueueKeyHandle(val.QueueKeyB64)
			if err != nil {
				seen[jobID] = struct{}{}
				cleanOrphanedClaim(ctx, tx, jobID)
				n++
				continue
			}
			_, ok, err := tx.Get(ctx, queueKey)
			if err != nil {
				return err
			}
			if !ok {
				seen[jobID] = struct{}{}
				cleanOrphanedClaim(ctx, tx, jobID)
				n++
			}
		}
		return nil
	})
	return n, err
}

// ReconcileTeamQueueCounter recomputes team's queued counter from the
// queue prefix's actual cardinality and overwrites the counter if it
// disagrees (§4.8). This is the only code path that ever overwrites a
// counter outright.
func ReconcileTeamQueueCounter(ctx context.Context, store kv.Store, team string) (int64, error) {
	return reconcileCounter(ctx, store, CounterTeamQueued, team, queuePrefix(team), nil)
}

// ReconcileCrawlQueueCounter is ReconcileTeamQueueCounter's crawl-index
// counterpart.
func ReconcileCrawlQueueCounter(ctx context.Context, store kv.Store, crawlID string) (int64, error) {
	return reconcileCounter(ctx, store, CounterCrawlQueued, crawlID, crawlIndexPrefix(crawlID), nil)
}

// ReconcileTeamActiveCounter recomputes team's active counter, counting
// only entries with expiresAt > now.
func ReconcileTeamActiveCounter(ctx context.Context, store kv.Store, team string, now int64) (int64, error) {
	return reconcileCounter(ctx, store, CounterTeamActive, team, activeTeamPrefix(team), &now)
}

// ReconcileCrawlActiveCounter is ReconcileTeamActiveCounter's crawl-scoped
// counterpart.
func ReconcileCrawlActiveCounter(ctx context.Context, store kv.Store, crawlID string, now int64) (int64, error) {
	return reconcileCounter(ctx, store, CounterCrawlActive, crawlID, activeCrawlPrefix(crawlID), &now)
}

func reconcileCounter(ctx context.Context, store kv.Store, typ byte, id string, prefix []byte, activeFilterNow *int64) (int64, error) {
	var observed int64
	err := store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
		rows, err := tx.GetRange(ctx, prefix, endKey(prefix), reconcileScanLimit, false)
		if err != nil {
			return err
		}
		if activeFilterNow == nil {
			observed = int64(len(rows))
		} else {
			for _, row := range rows {
				if expiresAt, ok := decodeActiveValue(row.Value); ok && expiresAt > *activeFilterNow {
					observed++
				}
			}
		}
		counterSet(ctx, tx, typ, id, observed)
		return nil
	})
	if err != nil {
		return 0, wrapOp("reconcile counter", err)
	}
	return observed, nil
}

// SampleTeamCounters / SampleCrawlCounters enumerate counter ids so the
// janitor can drive reconciliation in bounded slices (§4.2, §4.8).
func SampleTeamCounters(ctx context.Context, store kv.Store, limit int, afterID string) ([]string, error) {
	return sampleCounterType(ctx, store, CounterTeamQueued, limit, afterID)
}

func SampleCrawlCounters(ctx context.Context, store kv.Store, limit int, afterID string) ([]string, error) {
	return sampleCounterType(ctx, store, CounterCrawlQueued, limit, afterID)
}

func sampleCounterType(ctx context.Context, store kv.Store, typ byte, limit int, afterID string) ([]string, error) {
	var ids []string
	err := store.ReadTransact(ctx, func(ctx context.Context, tx kv.Tx) error {
		var err error
		ids, err = counterSample(ctx, tx, typ, limit, afterID)
		return err
	})
	return ids, err
}

// CleanStaleCounters is intentionally unimplemented: spec.md leaves its
// semantics unspecified (no definition of "stale" beyond what reconcile_*
// already corrects), so this engine carries the operation's name for
// interface completeness without inventing behavior for it. Always
// returns (0, nil); see DESIGN.md for the recorded decision.
func CleanStaleCounters(ctx context.Context, store kv.Store) (int, error) {
	return 0, nil
}

// RunJanitorPass runs every sweep once, logging a summary. Intended to be
// invoked on a fixed interval by the caller (e.g. cmd/beadqd's janitor
// loop); the engine itself schedules nothing (§5). batchSize <= 0 uses
// defaultJanitorBatchSize.
func RunJanitorPass(ctx context.Context, store kv.Store, log *slog.Logger, now int64, batchSize int) {
	// The three sweeps touch disjoint subspaces (TTL, active, claims), so
	// they run concurrently via errgroup rather than sequentially,
	// mirroring the teacher's own use of golang.org/x/sync in its daemon
	// event loop. A swept subspace's own errors never cancel the others'
	// progress — each step logs and swallows rather than returning an
	// error into the group, since these are all best-effort (§4.8, §7).
	var g errgroup.Group

	g.Go(func() error {
		expired, err := CleanExpiredJobs(ctx, store, now, batchSize)
		logJanitorStep(log, "clean_expired_jobs", expired, err)
		return nil
	})
	g.Go(func() error {
		expiredActive, err := CleanExpiredActiveJobs(ctx, store, now, batchSize)
		logJanitorStep(log, "clean_expired_active_jobs", expiredActive, err)
		return nil
	})
	g.Go(func() error {
		orphaned, err := CleanOrphanedClaims(ctx, store, batchSize)
		logJanitorStep(log, "clean_orphaned_claims", orphaned, err)
		return nil
	})

	_ = g.Wait()
}

func logJanitorStep(log *slog.Logger, step string, n int, err error) {
	if log == nil {
		return
	}
	if err != nil {
		log.Warn("janitor step failed", "step", step, "cleaned", n, "error", err)
		return
	}
	log.Info("janitor step complete", "step", step, "cleaned", n)
}
