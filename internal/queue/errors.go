package queue

import (
	"encoding/json"
	"errors"
)

// Sentinel errors for the engine's caller-visible contract (§7). Matching
// the teacher's internal/storage/sqlite/errors.go convention of small
// wrapped sentinels checked with errors.Is rather than typed errors.
var (
	// ErrInvalidQueueKeyHandle is returned by CompleteJob when the supplied
	// handle is not valid base64 (§7, error kind (d)).
	ErrInvalidQueueKeyHandle = errors.New("invalid queue key handle")
)

// wrapOp annotates err with an operation name, following wrapDBError's
// shape in the teacher repo, but without any sql.ErrNoRows translation:
// "not found" here is a valid outcome (e.g. CompleteJob on an already-gone
// job), not an error, so callers test for it via boolean return values
// instead of a sentinel.
func wrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &opError{op: op, err: err}
}

type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return e.op + ": " + e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

// unmarshalOrZero decodes a JSON value into dst, returning an error so
// callers can treat a malformed stored value as absent/orphaned rather
// than surfacing a decode error to the caller (§7 kind (c)).
func unmarshalOrZero(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}
