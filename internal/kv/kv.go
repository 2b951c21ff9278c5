// Package kv defines the ordered key-value substrate the queue engine is
// built on: byte-ordered keys, ACID transactions with snapshot and
// serializable reads, atomic add on little-endian integers, and a
// versionstamped-key write that splices a 10-byte commit-time token into a
// key at a caller-chosen offset. Any store satisfying this contract can back
// the engine in internal/queue.
package kv

import "context"

// VersionstampLen is the width, in bytes, of a commit-time versionstamp.
const VersionstampLen = 10

// KeyValue is a single row from a range read.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Tx is a single KV transaction. All methods are suspension points; no
// lock is held across them by the caller, and none should be held by the
// implementation either.
type Tx interface {
	// Get returns the value at key, or ok=false if absent.
	Get(ctx context.Context, key []byte) (value []byte, ok bool, err error)

	// GetRange returns up to limit key-value pairs with begin <= key < end,
	// in ascending key order. When snapshot is true the read establishes no
	// conflict with concurrent writers.
	GetRange(ctx context.Context, begin, end []byte, limit int, snapshot bool) ([]KeyValue, error)

	// Set writes value at key unconditionally.
	Set(ctx context.Context, key, value []byte)

	// Clear removes key, if present.
	Clear(ctx context.Context, key []byte)

	// ClearRange removes every key with begin <= key < end.
	ClearRange(ctx context.Context, begin, end []byte)

	// AtomicAdd adds delta to the little-endian int64 stored at key,
	// treating an absent key as zero. The add never reads the prior value
	// back into application code and never conflicts with a concurrent
	// AtomicAdd on the same key.
	AtomicAdd(ctx context.Context, key []byte, delta int64)

	// SetVersionstamped writes a key built by splicing the transaction's
	// commit-time versionstamp into keyTemplate at byteOffset, replacing
	// VersionstampLen placeholder bytes there. The final key written is
	// keyTemplate with those bytes overwritten by the versionstamp;
	// everything after the placeholder is left in place.
	SetVersionstamped(ctx context.Context, keyTemplate []byte, byteOffset int, value []byte)
}

// Store opens transactions against the underlying ordered keyspace.
type Store interface {
	// Transact runs fn in a read-write transaction, retrying transient
	// commit failures internally up to the store's own policy and
	// returning the first error fn returns (or a transport error).
	Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ReadTransact runs fn in a snapshot read-only transaction.
	ReadTransact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Close releases resources held by the store.
	Close() error
}
