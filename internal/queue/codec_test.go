package queue

import (
	"bytes"
	"testing"
)

func TestQueueKeyRoundTrip(t *testing.T) {
	key := queueKey("team-a", 7, 1234, "job-1")
	team, priority, createdAt, jobID, ok := decodeQueueKey(key)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if team != "team-a" || priority != 7 || createdAt != 1234 || jobID != "job-1" {
		t.Errorf("got team=%s priority=%d createdAt=%d jobID=%s", team, priority, createdAt, jobID)
	}
}

// Priority is inverted in the key so a higher-priority job's key sorts
// before a lower-priority job's key, matching pop's ascending scan order.
func TestQueueKeyOrdersByPriorityThenTime(t *testing.T) {
	low := queueKey("t", 1, 100, "a")
	high := queueKey("t", 5, 50, "a")
	if bytes.Compare(high, low) >= 0 {
		t.Errorf("expected higher priority key to sort before lower priority key byte-wise, got high=%x low=%x", high, low)
	}

	// Within one priority, the earlier createdAt sorts first.
	earlier := queueKey("t", 1, 50, "b")
	later := queueKey("t", 1, 100, "a")
	if bytes.Compare(earlier, later) >= 0 {
		t.Errorf("expected earlier createdAt to sort first within a priority, got earlier=%x later=%x", earlier, later)
	}
}

func TestPriorityKeyOrderRoundTrip(t *testing.T) {
	for _, p := range []int32{0, 1, -1, 5, -5, 2147483647, -2147483648} {
		got := priorityFromKeyOrder(priorityKeyOrder(p))
		if got != p {
			t.Errorf("priority %d round-tripped to %d", p, got)
		}
	}
}

func TestCrawlIndexKeyPrefixing(t *testing.T) {
	k1 := crawlIndexKey("crawl-1", "job-a")
	k2 := crawlIndexKey("crawl-1", "job-b")
	prefix := crawlIndexPrefix("crawl-1")
	if !bytes.HasPrefix(k1, prefix) || !bytes.HasPrefix(k2, prefix) {
		t.Error("expected both keys to share the crawl index prefix")
	}
}

func TestCounterKeyRoundTrip(t *testing.T) {
	key := counterKey(CounterTeamQueued, "team-a")
	id, ok := decodeCounterKey(key)
	if !ok || id != "team-a" {
		t.Errorf("expected id='team-a' ok=true, got id=%s ok=%v", id, ok)
	}
}

func TestTTLKeyOrdersByExpiry(t *testing.T) {
	earlier := ttlKey(100, "t", "a")
	later := ttlKey(200, "t", "a")
	if bytes.Compare(earlier, later) >= 0 {
		t.Error("expected earlier expiry to sort before later expiry")
	}

	end := ttlScanEnd(150)
	if bytes.Compare(earlier, end) >= 0 {
		t.Error("expected entry expiring at 100 to fall within a sweep up to 150")
	}
	if bytes.Compare(later, end) < 0 {
		t.Error("expected entry expiring at 200 to fall outside a sweep up to 150")
	}
}

func TestClaimPreCommitKeyLayout(t *testing.T) {
	template, offset := claimPreCommitKey("job-1", "worker-a")
	if offset <= 0 {
		t.Fatalf("expected a positive placeholder offset, got %d", offset)
	}
	placeholder := template[offset : offset+kvVersionstampLenForTest()]
	for _, b := range placeholder {
		if b != 0xff {
			t.Fatalf("expected placeholder to be all 0xff, got %x", placeholder)
		}
	}
	// Trailing 4 bytes are the little-endian offset.
	trailer := template[len(template)-4:]
	if int(trailer[0]) != offset {
		t.Errorf("expected trailer to encode offset %d, got %v", offset, trailer)
	}
}

func TestDecodeClaimKeyRecoversJobAndWorker(t *testing.T) {
	template, offset := claimPreCommitKey("job-xyz", "worker-1")
	// Simulate what SetVersionstamped does: strip the trailing 4-byte
	// offset suffix and splice a versionstamp into the placeholder.
	committed := make([]byte, len(template)-4)
	copy(committed, template[:len(template)-4])
	for i := 0; i < kvVersionstampLenForTest(); i++ {
		committed[offset+i] = byte(i)
	}

	jobID, workerID, ok := decodeClaimKey(committed)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if jobID != "job-xyz" || workerID != "worker-1" {
		t.Errorf("got jobID=%s workerID=%s", jobID, workerID)
	}
}

func kvVersionstampLenForTest() int {
	return 10
}
