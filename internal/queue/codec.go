// Package queue implements the storage/queue engine: deterministic key
// encoding (C1), denormalized counters (C2), the queue and secondary-index
// stores (C3/C4), the active-job tracker (C5), the versionstamp-based claim
// protocol (C6), the pop engine (C7), and the janitor (C8). Every operation
// is expressed purely in terms of the kv.Store/kv.Tx contract, so the engine
// never assumes a particular backend.
package queue

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/beadqueue/engine/internal/kv"
)

// Subspace tags. A single byte distinguishes each of the seven logical
// keyspaces sharing one ordered KV namespace.
const (
	tagQueue       byte = 0x01 // Q
	tagCrawlIndex  byte = 0x02 // X
	tagCounter     byte = 0x03 // C
	tagActiveTeam  byte = 0x04 // A
	tagActiveCrawl byte = 0x05 // AC
	tagTTL         byte = 0x06 // T
	tagClaim       byte = 0x07 // M
)

// Counter type bytes, distinguishing the four denormalized counters.
const (
	CounterTeamQueued  byte = 0x01
	CounterCrawlQueued byte = 0x02
	CounterTeamActive  byte = 0x03
	CounterCrawlActive byte = 0x04
)

// putLenPrefixed appends a 4-byte big-endian length followed by s's bytes.
func putLenPrefixed(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

// putBEInt32/putBEInt64 append n as 4 or 8 big-endian bytes.
func putBEInt32(buf []byte, n int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	return append(buf, b[:]...)
}

func putBEInt64(buf []byte, n int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return append(buf, b[:]...)
}

// readLenPrefixed reads a length-prefixed string starting at offset off,
// returning the string and the offset just past it.
func readLenPrefixed(buf []byte, off int) (string, int, bool) {
	if off+4 > len(buf) {
		return "", off, false
	}
	n := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	if off+n > len(buf) {
		return "", off, false
	}
	return string(buf[off : off+n]), off + n, true
}

func readBEInt32(buf []byte, off int) (int32, int, bool) {
	if off+4 > len(buf) {
		return 0, off, false
	}
	return int32(binary.BigEndian.Uint32(buf[off : off+4])), off + 4, true
}

func readBEInt64(buf []byte, off int) (int64, int, bool) {
	if off+8 > len(buf) {
		return 0, off, false
	}
	return int64(binary.BigEndian.Uint64(buf[off : off+8])), off + 8, true
}

// nextKey is the smallest key strictly greater than k under a prefix scan:
// appending a 0x00 byte. Used as an exclusive-begin bound.
func nextKey(k []byte) []byte {
	out := make([]byte, len(k)+1)
	copy(out, k)
	return out
}

// endKey is the exclusive upper bound for "every key under prefix":
// appending 0xff. Safe because the byte immediately after any prefix here
// is always the high byte of a 4-byte length, which is 0 for any id under
// roughly 16MB.
func endKey(prefix []byte) []byte {
	out := make([]byte, len(prefix)+1)
	copy(out, prefix)
	out[len(prefix)] = 0xff
	return out
}

// --- Queue (C3) ---

// priorityKeyOrder maps priority onto a uint32 such that ascending
// byte-wise key order yields descending priority: first flip the sign bit
// so unsigned comparison matches signed comparison, then invert every bit
// so higher priorities produce smaller sortable values. Pop always scans
// keys ascending (§4.7), and the candidate order must be highest-priority
// first, so this inversion belongs in the key, not at the scan call site.
func priorityKeyOrder(priority int32) uint32 {
	return ^(uint32(priority) ^ 0x80000000)
}

func priorityFromKeyOrder(order uint32) int32 {
	return int32(^order ^ 0x80000000)
}

func queueKey(team string, priority int32, createdAt int64, jobID string) []byte {
	buf := []byte{tagQueue}
	buf = putLenPrefixed(buf, team)
	buf = putBEInt32(buf, int32(priorityKeyOrder(priority)))
	buf = putBEInt64(buf, createdAt)
	buf = putLenPrefixed(buf, jobID)
	return buf
}

func queuePrefix(team string) []byte {
	buf := []byte{tagQueue}
	return putLenPrefixed(buf, team)
}

// decodeQueueKey recovers the fields embedded in a queue key.
func decodeQueueKey(key []byte) (team string, priority int32, createdAt int64, jobID string, ok bool) {
	if len(key) == 0 || key[0] != tagQueue {
		return "", 0, 0, "", false
	}
	off := 1
	team, off, ok = readLenPrefixed(key, off)
	if !ok {
		return
	}
	var rawOrder int32
	rawOrder, off, ok = readBEInt32(key, off)
	if !ok {
		return
	}
	priority = priorityFromKeyOrder(uint32(rawOrder))
	createdAt, off, ok = readBEInt64(key, off)
	if !ok {
		return
	}
	jobID, _, ok = readLenPrefixed(key, off)
	return
}

// --- Crawl index (C4) ---

func crawlIndexKey(crawlID, jobID string) []byte {
	buf := []byte{tagCrawlIndex}
	buf = putLenPrefixed(buf, crawlID)
	return putLenPrefixed(buf, jobID)
}

func crawlIndexPrefix(crawlID string) []byte {
	buf := []byte{tagCrawlIndex}
	return putLenPrefixed(buf, crawlID)
}

// --- Counters (C2) ---

func counterKey(typ byte, id string) []byte {
	buf := []byte{tagCounter, typ}
	return putLenPrefixed(buf, id)
}

func counterPrefix(typ byte) []byte {
	return []byte{tagCounter, typ}
}

func decodeCounterKey(key []byte) (id string, ok bool) {
	if len(key) < 2 || key[0] != tagCounter {
		return "", false
	}
	id, _, ok = readLenPrefixed(key, 2)
	return
}

// --- Active-job tracker (C5) ---

func activeTeamKey(team, jobID string) []byte {
	buf := []byte{tagActiveTeam}
	buf = putLenPrefixed(buf, team)
	return putLenPrefixed(buf, jobID)
}

func activeTeamPrefix(team string) []byte {
	buf := []byte{tagActiveTeam}
	return putLenPrefixed(buf, team)
}

// activeTeamAllPrefix is the prefix spanning every team's active entries,
// used by the janitor's cross-team expired-active sweep.
func activeTeamAllPrefix() []byte {
	return []byte{tagActiveTeam}
}

// activeCrawlAllPrefix is activeTeamAllPrefix's crawl-scoped counterpart.
func activeCrawlAllPrefix() []byte {
	return []byte{tagActiveCrawl}
}

func activeCrawlKey(crawlID, jobID string) []byte {
	buf := []byte{tagActiveCrawl}
	buf = putLenPrefixed(buf, crawlID)
	return putLenPrefixed(buf, jobID)
}

func activeCrawlPrefix(crawlID string) []byte {
	buf := []byte{tagActiveCrawl}
	return putLenPrefixed(buf, crawlID)
}

func decodeActiveKey(key []byte) (id, jobID string, ok bool) {
	if len(key) == 0 {
		return "", "", false
	}
	off := 1
	id, off, ok = readLenPrefixed(key, off)
	if !ok {
		return
	}
	jobID, _, ok = readLenPrefixed(key, off)
	return
}

// --- TTL index (C4) ---

func ttlKey(expiresAt int64, team, jobID string) []byte {
	buf := []byte{tagTTL}
	buf = putBEInt64(buf, expiresAt)
	buf = putLenPrefixed(buf, team)
	return putLenPrefixed(buf, jobID)
}

// ttlScanEnd is the exclusive upper bound for "every TTL entry with
// expiresAt <= at": the TTL prefix followed by at+1 encoded big-endian,
// since key order on the big-endian expiresAt field matches numeric order.
func ttlScanEnd(at int64) []byte {
	buf := []byte{tagTTL}
	return putBEInt64(buf, at+1)
}

func ttlPrefix() []byte {
	return []byte{tagTTL}
}

func decodeTTLKey(key []byte) (expiresAt int64, team, jobID string, ok bool) {
	if len(key) == 0 || key[0] != tagTTL {
		return 0, "", "", false
	}
	off := 1
	expiresAt, off, ok = readBEInt64(key, off)
	if !ok {
		return
	}
	team, off, ok = readLenPrefixed(key, off)
	if !ok {
		return
	}
	jobID, _, ok = readLenPrefixed(key, off)
	return
}

// --- Claims (C6) ---

// claimPreCommitKey builds the pre-commit claim key: the versionstamp
// placeholder (ten 0xff bytes) followed by workerId and a trailing 4-byte
// little-endian offset telling the store where the placeholder sits. The
// byteOffset returned is where the 10-byte placeholder begins, for passing
// to kv.Tx.SetVersionstamped.
func claimPreCommitKey(jobID, workerID string) (keyTemplate []byte, byteOffset int) {
	buf := []byte{tagClaim}
	buf = putLenPrefixed(buf, jobID)
	byteOffset = len(buf)
	placeholder := make([]byte, kv.VersionstampLen)
	for i := range placeholder {
		placeholder[i] = 0xff
	}
	buf = append(buf, placeholder...)
	buf = putLenPrefixed(buf, workerID)
	var off [4]byte
	binary.LittleEndian.PutUint32(off[:], uint32(byteOffset))
	buf = append(buf, off[:]...)
	return buf, byteOffset
}

func claimPrefix(jobID string) []byte {
	buf := []byte{tagClaim}
	return putLenPrefixed(buf, jobID)
}

func decodeClaimKey(key []byte) (jobID, workerID string, ok bool) {
	if len(key) == 0 || key[0] != tagClaim {
		return "", "", false
	}
	off := 1
	jobID, off, ok = readLenPrefixed(key, off)
	if !ok {
		return
	}
	off += kv.VersionstampLen
	workerID, _, ok = readLenPrefixed(key, off)
	return
}

// b64Encode/b64Decode implement the opaque "queue key handle" CompleteJob
// takes from callers: a raw queue key, base64-encoded so it can travel
// through JSON without further escaping.
func b64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func b64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
