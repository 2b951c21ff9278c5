package kv

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// schema is the KV substrate's physical layout: one ordered table for
// arbitrary byte keys/values, and a single-row sequence used to mint
// versionstamps at commit time.
const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key   BLOB PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_seq (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO kv_seq (id, value) VALUES (1, 0);
`

var sqlTracer = otel.Tracer("github.com/beadqueue/engine/kv")

var sqlMetrics struct {
	retryCount metric.Int64Counter
	txDuration metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/beadqueue/engine/kv")
	sqlMetrics.retryCount, _ = m.Int64Counter("beadqueue.kv.retry_count",
		metric.WithDescription("KV transactions retried due to a transient SQLITE_BUSY/locked error"),
		metric.WithUnit("{retry}"),
	)
	sqlMetrics.txDuration, _ = m.Float64Histogram("beadqueue.kv.tx_duration_ms",
		metric.WithDescription("Wall-clock duration of a KV transaction, commit included"),
		metric.WithUnit("ms"),
	)
}

// SQLStore implements Store atop a SQL database reachable through
// database/sql, using a dedicated connection per transaction so raw
// "BEGIN IMMEDIATE"/"COMMIT"/"ROLLBACK" statements land on the same
// connection (database/sql's pool would otherwise split them across
// connections).
type SQLStore struct {
	db *sql.DB
}

// defaultBusyTimeoutMillis is used when OpenSQLite is called with
// busyTimeoutMillis <= 0, matching config.Default's BusyTimeoutMillis.
const defaultBusyTimeoutMillis = 5000

// OpenSQLite opens (creating if absent) a SQLite-backed ordered KV store
// at path. Pass ":memory:" for an ephemeral store, as used by tests.
// busyTimeoutMillis sets SQLite's busy_timeout pragma (the time a
// connection blocks waiting for another transaction's lock before
// reporting "database is locked"); a value <= 0 falls back to
// defaultBusyTimeoutMillis.
func OpenSQLite(path string, busyTimeoutMillis int) (*SQLStore, error) {
	if busyTimeoutMillis <= 0 {
		busyTimeoutMillis = defaultBusyTimeoutMillis
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)", path, busyTimeoutMillis)
	if path == ":memory:" {
		// No cache=shared: the pool below is capped at one connection, so
		// every transaction already lands on the same private in-memory
		// database. Shared-cache mode would instead key the database by
		// this literal URI process-wide, causing unrelated OpenSQLite(":memory:")
		// callers (e.g. independent tests) to silently share one database.
		dsn = fmt.Sprintf("file::memory:?_pragma=busy_timeout(%d)", busyTimeoutMillis)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open kv sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping kv sqlite store: %w", err)
	}

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init kv schema: %w\nSQL: %s", err, stmt)
		}
	}

	return &SQLStore{db: db}, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return bo
}

// Transact implements Store.
func (s *SQLStore) Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.runTx(ctx, "BEGIN IMMEDIATE", fn)
}

// ReadTransact implements Store.
func (s *SQLStore) ReadTransact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.runTx(ctx, "BEGIN", fn)
}

func (s *SQLStore) runTx(ctx context.Context, beginStmt string, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := sqlTracer.Start(ctx, "kv.transact", trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
	))
	defer span.End()

	start := time.Now()
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := s.attemptTx(ctx, beginStmt, fn)
		if err != nil && isBusyErr(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(newRetryBackoff(), ctx))

	if attempts > 1 {
		sqlMetrics.retryCount.Add(ctx, int64(attempts-1))
	}
	sqlMetrics.txDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *SQLStore) attemptTx(ctx context.Context, beginStmt string, fn func(ctx context.Context, tx Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire kv connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, beginStmt); err != nil {
		return fmt.Errorf("begin kv transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	tx := &sqlTx{conn: conn}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit kv transaction: %w", err)
	}
	committed = true
	return nil
}

// sqlTx implements Tx against a single *sql.Conn already inside a
// BEGIN [IMMEDIATE]/COMMIT block.
type sqlTx struct {
	conn *sql.Conn
}

func (t *sqlTx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := t.conn.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	return value, true, nil
}

func (t *sqlTx) GetRange(ctx context.Context, begin, end []byte, limit int, _ bool) ([]KeyValue, error) {
	rows, err := t.conn.QueryContext(ctx,
		`SELECT key, value FROM kv_entries WHERE key >= ? AND key < ? ORDER BY key LIMIT ?`,
		begin, end, limit)
	if err != nil {
		return nil, fmt.Errorf("kv get_range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []KeyValue
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kv get_range scan: %w", err)
		}
		out = append(out, KeyValue{Key: k, Value: v})
	}
	return out, rows.Err()
}

func (t *sqlTx) Set(ctx context.Context, key, value []byte) {
	_, _ = t.conn.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
}

func (t *sqlTx) Clear(ctx context.Context, key []byte) {
	_, _ = t.conn.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
}

func (t *sqlTx) ClearRange(ctx context.Context, begin, end []byte) {
	_, _ = t.conn.ExecContext(ctx, `DELETE FROM kv_entries WHERE key >= ? AND key < ?`, begin, end)
}

// AtomicAdd reads-modifies-writes the little-endian int64 at key within
// the already-open transaction. A real FDB atomic add never round-trips
// to application code and never conflicts with a concurrent add on the
// same key; this SQL adapter preserves "never conflicts" (the second
// writer waits for the first to finish rather than aborting, since the
// store's single pooled connection runs one BEGIN IMMEDIATE transaction at
// a time) but not
// "never round-trips" — a documented trade-off of layering the engine's
// KV contract over a SQL engine instead of a true versioned store.
func (t *sqlTx) AtomicAdd(ctx context.Context, key []byte, delta int64) {
	var cur []byte
	err := t.conn.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&cur)
	var curVal int64
	if err == nil && len(cur) >= 8 {
		curVal = int64(binary.LittleEndian.Uint64(cur))
	}
	next := make([]byte, 8)
	binary.LittleEndian.PutUint64(next, uint64(curVal+delta))
	t.Set(ctx, key, next)
}

// SetVersionstamped mints the next commit-time versionstamp from kv_seq
// (an 8-byte monotonic counter followed by a 2-byte zero batch-order
// field, mirroring real FoundationDB versionstamp layout) and splices it
// into keyTemplate at byteOffset before writing. keyTemplate carries a
// trailing 4-byte little-endian copy of byteOffset (per the FDB
// set-versionstamped-key convention); those trailing bytes are metadata
// for locating the placeholder and are stripped from the committed key,
// which is exactly byteOffset+VersionstampLen+trailer-minus-four bytes:
// everything up to but not including the trailing offset suffix.
func (t *sqlTx) SetVersionstamped(ctx context.Context, keyTemplate []byte, byteOffset int, value []byte) {
	var seq int64
	row := t.conn.QueryRowContext(ctx, `UPDATE kv_seq SET value = value + 1 WHERE id = 1 RETURNING value`)
	if err := row.Scan(&seq); err != nil {
		return
	}

	vs := make([]byte, VersionstampLen)
	binary.BigEndian.PutUint64(vs[0:8], uint64(seq))
	// bytes 8:10 (batch order) stay zero: this adapter commits one
	// transaction at a time, so there is never more than one versionstamp
	// per commit to order within.

	committedLen := len(keyTemplate) - 4
	key := make([]byte, committedLen)
	copy(key, keyTemplate[:committedLen])
	copy(key[byteOffset:byteOffset+VersionstampLen], vs)

	t.Set(ctx, key, value)
}

var _ Store = (*SQLStore)(nil)
var _ Tx = (*sqlTx)(nil)
