package queue

import (
	"context"
	"encoding/json"

	"github.com/beadqueue/engine/internal/kv"
)

// tryClaim blind-writes a versionstamped claim entry for jobID/workerID,
// then (within the same transaction) reads the smallest key under
// the job's claim prefix: since the versionstamp precedes workerId in the
// key and versionstamps sort in commit order, that smallest key names the
// transaction that committed first, i.e. the unique winner (§4.6).
//
// Every worker's pre-commit key differs only in its own workerId suffix,
// so two workers racing the same job never touch the same row and the
// write itself can never conflict; only the post-write read decides who
// won.
func tryClaim(ctx context.Context, tx kv.Tx, jobID, workerID string, queueKey []byte, claimedAt int64) (won bool, err error) {
	val, err := json.Marshal(claimValue{
		WorkerID:    workerID,
		QueueKeyB64: queueKeyHandle(queueKey),
		ClaimedAt:   claimedAt,
	})
	if err != nil {
		return false, wrapOp("marshal claim value", err)
	}

	template, offset := claimPreCommitKey(jobID, workerID)
	tx.SetVersionstamped(ctx, template, offset, val)

	prefix := claimPrefix(jobID)
	rows, rerr := tx.GetRange(ctx, prefix, endKey(prefix), 1, false)
	if rerr != nil {
		return false, wrapOp("read claim winner", rerr)
	}
	if len(rows) == 0 {
		return false, nil
	}

	_, winnerWorkerID, ok := decodeClaimKey(rows[0].Key)
	if !ok {
		return false, nil
	}
	return winnerWorkerID == workerID, nil
}

// releaseClaim clears every claim entry under jobID's prefix, returning
// the job to an unclaimed state so a future pop can win it again (§4.6,
// §6 ReleaseJob).
func releaseClaim(ctx context.Context, tx kv.Tx, jobID string) {
	prefix := claimPrefix(jobID)
	tx.ClearRange(ctx, prefix, endKey(prefix))
}

// cleanOrphanedClaim clears every claim for a job whose queue record no
// longer exists: a worker crashed after claiming but the janitor, not the
// missing completion, is what actually frees the slot (§4.8).
func cleanOrphanedClaim(ctx context.Context, tx kv.Tx, jobID string) {
	releaseClaim(ctx, tx, jobID)
}
