package vdev

// Type is the zio operation kind dispatched by io_start (spec §4.B).
type Type uint8

const (
	TypeRead Type = iota
	TypeWrite
	TypeFlush
	TypeTrim
)

// Flag is the zio flag bitset named in spec §3 ("ZIO (request) — contract
// used by core").
type Flag uint32

const (
	FlagFailFast Flag = 1 << iota
	FlagScanThread
	FlagRaw
	FlagCanFail
	FlagResilver
	FlagIoRetry
	FlagTrimSecure // distinguishes secure-erase from plain discard
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Priority is a zio's scheduling class. It is carried on the zio only:
// no dispatch path in this module orders I/O by it, and NewZio leaves it
// at PrioritySync, which is what the rebuild targets issue.
type Priority uint8

const (
	PrioritySync Priority = iota
	PriorityAsync
	PriorityScan
)

// Result is the errno-flavored outcome of a completed zio (spec §4.B
// "Result mapping").
type Result uint8

const (
	ResultOK Result = iota
	ResultNotSupported
	ResultTimedOut
	ResultNoSpace
	ResultTransportDown
	ResultTargetBusy
	ResultReservationConflict
	ResultMediumError
	ResultProtection
	ResultOutOfMemory
	ResultAgain
	ResultIO // generic, including "success with residual bytes"
)

func (r Result) Error() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultNotSupported:
		return "operation not supported"
	case ResultTimedOut:
		return "timed out"
	case ResultNoSpace:
		return "no space"
	case ResultTransportDown:
		return "transport down"
	case ResultTargetBusy:
		return "target busy"
	case ResultReservationConflict:
		return "reservation conflict"
	case ResultMediumError:
		return "medium error"
	case ResultProtection:
		return "protection error"
	case ResultOutOfMemory:
		return "out of memory"
	case ResultAgain:
		return "resource temporarily unavailable"
	default:
		return "i/o error"
	}
}

// Zio is one in-flight request against a single leaf. Every IoStart call
// pairs with exactly one completion (spec §4.B contract); the Done
// channel is closed by the leaf's completion path so callers that chose
// to suspend (IoStart returned Stop) can select on it.
type Zio struct {
	Type   Type
	Offset uint64
	Size   uint64
	Data   []byte // nil for Flush/Trim
	Flags  Flag
	Prio   Priority

	// Group selects the dRAID redundancy group this I/O targets. Unused
	// for mirror/raidz, where every child participates in every I/O.
	Group int

	Vdev Id

	Result   Result
	Residual int
	Err      error

	Done chan struct{}
}

func NewZio(typ Type, vd Id, offset, size uint64, data []byte, flags Flag) *Zio {
	return &Zio{Type: typ, Vdev: vd, Offset: offset, Size: size, Data: data, Flags: flags, Done: make(chan struct{})}
}

// Disposition is io_start's return value: Continue lets the caller
// advance its own pipeline synchronously; Stop means the leaf will close
// Done asynchronously on completion.
type Disposition uint8

const (
	Continue Disposition = iota
	Stop
)

func (z *Zio) complete(res Result, residual int, err error) {
	z.Result = res
	z.Residual = residual
	z.Err = err
	close(z.Done)
}

// classify turns a raw transport error into a Result, folding in the
// "successful transport with residual bytes is IO" rule (spec §4.B).
func classify(transportErr error, residual int) Result {
	if transportErr == nil {
		if residual != 0 {
			return ResultIO
		}
		return ResultOK
	}
	if te, ok := transportErr.(*TransportError); ok {
		return te.Result
	}
	return ResultIO
}

// TransportError carries a leaf transport's native errno-equivalent
// classification through to classify(), letting test/fake transports
// report any Result without depending on real OS error codes.
type TransportError struct {
	Result Result
	Cause  error
}

func (e *TransportError) Error() string { return e.Result.Error() }
func (e *TransportError) Unwrap() error { return e.Cause }
