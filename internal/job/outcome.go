package job

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a sync failure for retry routing.
//
// Transient failures (network blips, remote 5xx, timeouts) are retried with
// backoff. Permanent failures (validation, malformed payloads, business-rule
// rejections) reproduce on retry and go straight to dead.
type ErrorKind int

const (
	// KindTransient is the default: an unrecognized error is more likely
	// infrastructure trouble than a guaranteed-repeat business error.
	KindTransient ErrorKind = iota
	// KindPermanent failures are never retried.
	KindPermanent
)

// String returns the kind's wire name.
func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Outcome is the tagged result of one push/pull/batch-item attempt.
// On success, RemoteID (push create) or LocalID (pull create) carries the
// id assigned by the receiving side; RemoteModel names the concrete remote
// schema the record landed in.
type Outcome struct {
	OK          bool
	RemoteID    int64
	LocalID     int64
	RemoteModel string
	Err         string
	Kind        ErrorKind
}

// Success builds a successful outcome.
func Success() Outcome {
	return Outcome{OK: true}
}

// Failure builds a failed outcome with an explicit classification.
func Failure(kind ErrorKind, format string, args ...any) Outcome {
	return Outcome{OK: false, Kind: kind, Err: fmt.Sprintf(format, args...)}
}

// SyncError is an error carrying an explicit classification. Module handlers
// return it (or wrap it) when they know whether a failure is worth retrying.
type SyncError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a permanently-failing sync error.
func Permanent(msg string, err error) *SyncError {
	return &SyncError{Kind: KindPermanent, Msg: msg, Err: err}
}

// Transient wraps err as a retryable sync error.
func Transient(msg string, err error) *SyncError {
	return &SyncError{Kind: KindTransient, Msg: msg, Err: err}
}

// Classify extracts the error kind from err. Errors that do not carry a
// classification are Transient: the orchestration core fails open toward
// retrying.
func Classify(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}
