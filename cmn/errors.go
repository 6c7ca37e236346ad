package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors surfaced to callers per spec §7's taxonomy. Compared with
// errors.Is; wrapped with github.com/pkg/errors at each package boundary so
// a stack trace survives to the top-level caller, exactly as the teacher's
// xact/xs error constructors do.
var (
	ErrNoSpace       = errors.New("no space")                  // ENOSPC
	ErrPanicRecover  = errors.New("panic-recover")              // fatal invariant, permissive mode
	ErrLabelCorrupt  = errors.New("vdev label checksum mismatch")
	ErrLabelBadNvlist = errors.New("vdev label nvlist malformed")
	ErrDeviceGone    = errors.New("device removed")
	ErrNotSupported  = errors.New("operation not supported")
	ErrAborted       = errors.New("aborted")
	ErrQuiesceTimeout = errors.New("quiesce timeout")
)

// ErrXactUsePrev reports that a renewable xaction factory found an existing,
// compatible xaction in flight and the caller should join it instead of
// starting a new one — same shape as the teacher's cmn.NewErrXactUsePrev.
type ErrXactUsePrev struct{ Name string }

func (e *ErrXactUsePrev) Error() string { return fmt.Sprintf("%s: use previous", e.Name) }

func NewErrXactUsePrev(name string) error { return errors.WithStack(&ErrXactUsePrev{Name: name}) }

// ErrAbortedDetail wraps an underlying cause with the name of the xaction
// that aborted, mirroring cmn.NewErrAborted(name, reason, cause).
type ErrAbortedDetail struct {
	Name   string
	Reason string
	Cause  error
}

func (e *ErrAbortedDetail) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s aborted (%s): %v", e.Name, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s aborted (%s)", e.Name, e.Reason)
}

func (e *ErrAbortedDetail) Unwrap() error { return e.Cause }

func NewErrAborted(name, reason string, cause error) error {
	return errors.WithStack(&ErrAbortedDetail{Name: name, Reason: reason, Cause: cause})
}

// IsErrOOS reports whether err indicates the out-of-space condition (the
// teacher's cos.IsErrOOS), used by callers deciding whether to hard-abort
// a multi-step operation.
func IsErrOOS(err error) bool { return errors.Is(err, ErrNoSpace) }
