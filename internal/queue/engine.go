package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/beadqueue/engine/internal/kv"
)

// Engine is the caller-visible contract (§6): every external
// collaborator — transport, worker runtime, scheduler — talks to the
// queue exclusively through this type.
type Engine struct {
	store     kv.Store
	log       *slog.Logger
	batchSize int
}

// NewEngine wires a queue Engine atop store. A nil logger is replaced
// with slog.Default() so callers are never required to pass one.
// batchSize is the janitor's per-batch page size (config.Config's
// JanitorBatchSize); <= 0 falls back to defaultJanitorBatchSize.
func NewEngine(store kv.Store, log *slog.Logger, batchSize int) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, log: log, batchSize: batchSize}
}

// PushJob enqueues a job for team (§4.3, §6).
func (e *Engine) PushJob(ctx context.Context, now int64, team, jobID string, data json.RawMessage, priority int32, opts PushOptions) error {
	return PushJob(ctx, e.store, now, team, jobID, data, priority, opts)
}

// PopNextJob attempts to claim the next eligible job for team (§4.7, §6).
func (e *Engine) PopNextJob(ctx context.Context, now int64, team, workerID string, blockedCrawlIDs map[string]struct{}) (*PoppedJob, bool, error) {
	return PopNextJob(ctx, e.store, e.log, now, team, workerID, blockedCrawlIDs)
}

// CompleteJob clears a claimed job's queue record, both indexes, every
// claim for it, and decrements its counters, all atomically. Returns
// false (not an error) if the job was already gone — completing a job
// twice, or completing one the janitor already swept, is a valid no-op
// (§6, §7 kind (d) for the handle-decode failure path).
func (e *Engine) CompleteJob(ctx context.Context, handle string) (bool, error) {
	key, err := parseQueueKeyHandle(handle)
	if err != nil {
		return false, err
	}

	found := false
	err = e.store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
		val, ok, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		var j Job
		if unmarshalErr := unmarshalOrZero(val, &j); unmarshalErr != nil {
			// Malformed record: still clear the dangling key itself so it
			// doesn't linger, but report "already gone" to the caller.
			tx.Clear(ctx, key)
			return nil
		}

		found = true
		clearQueuedJob(ctx, tx, j.TeamID, j.Priority, j.CreatedAt, j.ID, j.TimesOutAt, j.CrawlID)
		releaseClaim(ctx, tx, j.ID)
		return nil
	})
	if err != nil {
		return false, wrapOp("complete job", err)
	}
	return found, nil
}

// ReleaseJob clears every claim for jobID without touching the queue
// record: used when a claim winner declines to process (e.g. a crawl
// concurrency limit), leaving the job available for a future pop (§4.6,
// §6).
func (e *Engine) ReleaseJob(ctx context.Context, jobID string) error {
	err := e.store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
		releaseClaim(ctx, tx, jobID)
		return nil
	})
	if err != nil {
		return wrapOp("release job", err)
	}
	return nil
}

// PushActiveJob / RemoveActiveJob / GetActiveJobCount / GetActiveJobs and
// their crawl-scoped twins (§4.4, §6).
func (e *Engine) PushActiveJob(ctx context.Context, team, jobID string, expiresAt int64) error {
	return e.store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
		PushActiveJob(ctx, tx, team, jobID, expiresAt)
		return nil
	})
}

func (e *Engine) PushActiveCrawlJob(ctx context.Context, crawlID, jobID string, expiresAt int64) error {
	return e.store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
		PushActiveCrawlJob(ctx, tx, crawlID, jobID, expiresAt)
		return nil
	})
}

func (e *Engine) RemoveActiveJob(ctx context.Context, team, jobID string) error {
	return e.store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
		return RemoveActiveJob(ctx, tx, team, jobID)
	})
}

func (e *Engine) RemoveActiveCrawlJob(ctx context.Context, crawlID, jobID string) error {
	return e.store.Transact(ctx, func(ctx context.Context, tx kv.Tx) error {
		return RemoveActiveCrawlJob(ctx, tx, crawlID, jobID)
	})
}

func (e *Engine) GetActiveJobCount(ctx context.Context, team string) (int64, error) {
	return GetActiveJobCount(ctx, e.store, team)
}

func (e *Engine) GetActiveCrawlJobCount(ctx context.Context, crawlID string) (int64, error) {
	return GetActiveCrawlJobCount(ctx, e.store, crawlID)
}

func (e *Engine) GetActiveJobs(ctx context.Context, team string, now int64) ([]ActiveJob, error) {
	return GetActiveJobs(ctx, e.store, team, now)
}

func (e *Engine) GetActiveCrawlJobs(ctx context.Context, crawlID string, now int64) ([]ActiveJob, error) {
	return GetActiveCrawlJobs(ctx, e.store, crawlID, now)
}

// GetTeamQueueCount / GetCrawlQueueCount / GetTeamQueuedJobIDs (§6).
func (e *Engine) GetTeamQueueCount(ctx context.Context, team string) (int64, error) {
	return GetTeamQueueCount(ctx, e.store, team)
}

func (e *Engine) GetCrawlQueueCount(ctx context.Context, crawlID string) (int64, error) {
	return GetCrawlQueueCount(ctx, e.store, crawlID)
}

func (e *Engine) GetTeamQueuedJobIDs(ctx context.Context, team string, limit int) ([]string, error) {
	return GetTeamQueuedJobIDs(ctx, e.store, team, limit)
}

// Janitor operations (§4.8, §6), paginated at the Engine's configured
// batchSize (config.Config.JanitorBatchSize).
func (e *Engine) CleanExpiredJobs(ctx context.Context, now int64) (int, error) {
	return CleanExpiredJobs(ctx, e.store, now, e.batchSize)
}

func (e *Engine) CleanExpiredActiveJobs(ctx context.Context, now int64) (int, error) {
	return CleanExpiredActiveJobs(ctx, e.store, now, e.batchSize)
}

func (e *Engine) CleanOrphanedClaims(ctx context.Context) (int, error) {
	return CleanOrphanedClaims(ctx, e.store, e.batchSize)
}

// CleanStaleCounters is unimplemented by design; see DESIGN.md.
func (e *Engine) CleanStaleCounters(ctx context.Context) (int, error) {
	return CleanStaleCounters(ctx, e.store)
}

func (e *Engine) SampleTeamCounters(ctx context.Context, limit int, afterID string) ([]string, error) {
	return SampleTeamCounters(ctx, e.store, limit, afterID)
}

func (e *Engine) SampleCrawlCounters(ctx context.Context, limit int, afterID string) ([]string, error) {
	return SampleCrawlCounters(ctx, e.store, limit, afterID)
}

func (e *Engine) ReconcileTeamQueueCounter(ctx context.Context, team string) (int64, error) {
	return ReconcileTeamQueueCounter(ctx, e.store, team)
}

func (e *Engine) ReconcileCrawlQueueCounter(ctx context.Context, crawlID string) (int64, error) {
	return ReconcileCrawlQueueCounter(ctx, e.store, crawlID)
}

func (e *Engine) ReconcileTeamActiveCounter(ctx context.Context, team string, now int64) (int64, error) {
	return ReconcileTeamActiveCounter(ctx, e.store, team, now)
}

func (e *Engine) ReconcileCrawlActiveCounter(ctx context.Context, crawlID string, now int64) (int64, error) {
	return ReconcileCrawlActiveCounter(ctx, e.store, crawlID, now)
}

// RunJanitorPass runs every sweep once. Scheduling the interval is the
// caller's job (cmd/beadqd wires it to a ticker); the engine imposes no
// internal timers (§5).
func (e *Engine) RunJanitorPass(ctx context.Context, now int64) {
	RunJanitorPass(ctx, e.store, e.log, now, e.batchSize)
}

// HealthCheck performs a single no-op read against the KV substrate
// (§6).
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.store.ReadTransact(ctx, func(ctx context.Context, tx kv.Tx) error {
		_, _, err := tx.Get(ctx, []byte{0x00})
		return err
	})
}
