package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLite(":memory:", 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.Transact(ctx, func(ctx context.Context, tx Tx) error {
		tx.Set(ctx, []byte("hello"), []byte("world"))
		return nil
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}

	err = store.ReadTransact(ctx, func(ctx context.Context, tx Tx) error {
		val, ok, err := tx.Get(ctx, []byte("hello"))
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("expected key to be present")
		}
		if !bytes.Equal(val, []byte("world")) {
			t.Errorf("expected 'world', got %q", val)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read transact: %v", err)
	}
}

// TestOpenSQLiteAppliesBusyTimeout verifies cfg.BusyTimeoutMillis actually
// reaches the underlying connection's busy_timeout pragma rather than
// being silently dropped.
func TestOpenSQLiteAppliesBusyTimeout(t *testing.T) {
	store, err := OpenSQLite(":memory:", 1234)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	var got int
	if err := store.db.QueryRow(`PRAGMA busy_timeout`).Scan(&got); err != nil {
		t.Fatalf("query busy_timeout: %v", err)
	}
	if got != 1234 {
		t.Errorf("busy_timeout = %d, want 1234", got)
	}
}

// TestOpenSQLiteDefaultsBusyTimeout verifies a non-positive value falls
// back to defaultBusyTimeoutMillis instead of disabling the pragma.
func TestOpenSQLiteDefaultsBusyTimeout(t *testing.T) {
	store, err := OpenSQLite(":memory:", 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	var got int
	if err := store.db.QueryRow(`PRAGMA busy_timeout`).Scan(&got); err != nil {
		t.Fatalf("query busy_timeout: %v", err)
	}
	if got != defaultBusyTimeoutMillis {
		t.Errorf("busy_timeout = %d, want default %d", got, defaultBusyTimeoutMillis)
	}
}

func TestGetAbsentKey(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.ReadTransact(ctx, func(ctx context.Context, tx Tx) error {
		_, ok, err := tx.Get(ctx, []byte("missing"))
		if err != nil {
			return err
		}
		if ok {
			t.Error("expected absent key to report ok=false")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read transact: %v", err)
	}
}

func TestClearRemovesKey(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_ = store.Transact(ctx, func(ctx context.Context, tx Tx) error {
		tx.Set(ctx, []byte("k"), []byte("v"))
		return nil
	})
	_ = store.Transact(ctx, func(ctx context.Context, tx Tx) error {
		tx.Clear(ctx, []byte("k"))
		return nil
	})

	err := store.ReadTransact(ctx, func(ctx context.Context, tx Tx) error {
		_, ok, err := tx.Get(ctx, []byte("k"))
		if err != nil {
			return err
		}
		if ok {
			t.Error("expected key to be cleared")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read transact: %v", err)
	}
}

func TestGetRangeOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	_ = store.Transact(ctx, func(ctx context.Context, tx Tx) error {
		for _, k := range keys {
			tx.Set(ctx, k, k)
		}
		return nil
	})

	err := store.ReadTransact(ctx, func(ctx context.Context, tx Tx) error {
		rows, err := tx.GetRange(ctx, []byte("a"), []byte("d"), 2, true)
		if err != nil {
			return err
		}
		if len(rows) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(rows))
		}
		if !bytes.Equal(rows[0].Key, []byte("a")) || !bytes.Equal(rows[1].Key, []byte("b")) {
			t.Errorf("expected [a, b], got [%s, %s]", rows[0].Key, rows[1].Key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read transact: %v", err)
	}
}

func TestAtomicAddAccumulates(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	key := []byte("counter")

	for _, delta := range []int64{5, -2, 10} {
		err := store.Transact(ctx, func(ctx context.Context, tx Tx) error {
			tx.AtomicAdd(ctx, key, delta)
			return nil
		})
		if err != nil {
			t.Fatalf("atomic add %d: %v", delta, err)
		}
	}

	err := store.ReadTransact(ctx, func(ctx context.Context, tx Tx) error {
		val, ok, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("expected counter key to be present")
		}
		got := int64(binary.LittleEndian.Uint64(val))
		if got != 13 {
			t.Errorf("expected 13, got %d", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read transact: %v", err)
	}
}

// TestAtomicAddConcurrentNeverConflicts mirrors claim_test.go's concurrency
// idiom: many goroutines adding to the same counter must all succeed (no
// commit ever aborts outright), converging on the correct total.
func TestAtomicAddConcurrentNeverConflicts(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	key := []byte("concurrent-counter")

	const n = 25
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Transact(ctx, func(ctx context.Context, tx Tx) error {
				tx.AtomicAdd(ctx, key, 1)
				return nil
			})
			if err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("expected no failed atomic adds, got %d", failures.Load())
	}

	err := store.ReadTransact(ctx, func(ctx context.Context, tx Tx) error {
		val, ok, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("expected counter key to be present")
		}
		got := int64(binary.LittleEndian.Uint64(val))
		if got != n {
			t.Errorf("expected %d, got %d", n, got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read transact: %v", err)
	}
}

// TestSetVersionstampedOrdersByCommit verifies the versionstamp's
// defining property: later commits produce larger keys, so the smallest
// key under a shared prefix always names the first committer.
func TestSetVersionstampedOrdersByCommit(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	write := func(workerID string) []byte {
		template := []byte("prefix-")
		offset := len(template)
		placeholder := make([]byte, VersionstampLen)
		for i := range placeholder {
			placeholder[i] = 0xff
		}
		template = append(template, placeholder...)
		template = append(template, []byte(workerID)...)
		var off [4]byte
		binary.LittleEndian.PutUint32(off[:], uint32(offset))
		template = append(template, off[:]...)

		_ = store.Transact(ctx, func(ctx context.Context, tx Tx) error {
			tx.SetVersionstamped(ctx, template, offset, []byte(workerID))
			return nil
		})
		return template
	}

	write("worker-a")
	write("worker-b")

	err := store.ReadTransact(ctx, func(ctx context.Context, tx Tx) error {
		rows, err := tx.GetRange(ctx, []byte("prefix-"), []byte("prefix."), 10, true)
		if err != nil {
			return err
		}
		if len(rows) != 2 {
			t.Fatalf("expected 2 committed keys, got %d", len(rows))
		}
		if !bytes.Equal(rows[0].Value, []byte("worker-a")) {
			t.Errorf("expected the first committer (worker-a) to sort first, got %q", rows[0].Value)
		}
		// The committed key must not carry the trailing 4-byte offset
		// suffix present in the pre-commit template.
		if bytes.HasSuffix(rows[0].Key, []byte{7, 0, 0, 0}) {
			t.Errorf("committed key retained the pre-commit offset suffix: %x", rows[0].Key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read transact: %v", err)
	}
}
