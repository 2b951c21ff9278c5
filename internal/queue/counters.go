package queue

import (
	"context"
	"encoding/binary"

	"github.com/beadqueue/engine/internal/kv"
)

// counterAdd applies delta to the counter of the given type and id via a
// blind atomic add: no prior read, no possibility of conflicting with a
// concurrent push/pop/complete touching the same counter key (§4.2).
func counterAdd(ctx context.Context, tx kv.Tx, typ byte, id string, delta int64) {
	tx.AtomicAdd(ctx, counterKey(typ, id), delta)
}

// counterGet returns the current value of a counter, or zero if absent
// (§4.2, §7 kind (c): a malformed value is treated as zero rather than
// raised as an error).
func counterGet(ctx context.Context, tx kv.Tx, typ byte, id string) (int64, error) {
	val, ok, err := tx.Get(ctx, counterKey(typ, id))
	if err != nil {
		return 0, wrapOp("counter get", err)
	}
	if !ok || len(val) < 8 {
		return 0, nil
	}
	return int64(binary.LittleEndian.Uint64(val)), nil
}

// counterSet overwrites a counter's stored value. This is the only path
// that ever replaces a counter value outright rather than adding to it;
// reserved for the janitor's reconciliation routines (§4.8).
func counterSet(ctx context.Context, tx kv.Tx, typ byte, id string, value int64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(value))
	tx.Set(ctx, counterKey(typ, id), buf)
}

// counterSample enumerates up to limit counter ids of the given type, in
// key order, starting strictly after afterID when non-empty. Used by the
// janitor to drive reconciliation in bounded slices (§4.2, §4.8).
func counterSample(ctx context.Context, tx kv.Tx, typ byte, limit int, afterID string) ([]string, error) {
	begin := counterPrefix(typ)
	if afterID != "" {
		begin = nextKey(counterKey(typ, afterID))
	}
	end := endKey(counterPrefix(typ))

	rows, err := tx.GetRange(ctx, begin, end, limit, true)
	if err != nil {
		return nil, wrapOp("counter sample", err)
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		id, ok := decodeCounterKey(row.Key)
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
