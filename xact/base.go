// Package xact is the generic long-running-task base the rebuild
// controller and the condense xactions embed: a Start/Run/Finish/
// Abort state machine with atomic status, accumulated non-fatal errors,
// and a snapshot for progress reporting, grounded on the teacher's
// xact/xs xaction pattern (XactTCB/XactTCObjs embedding a shared Base).
package xact

import (
	"fmt"
	"sync"

	"github.com/zfscore/spa/cmn/atomic"
	"github.com/zfscore/spa/cmn/debug"
	"github.com/zfscore/spa/cmn/mono"
)

// Status is the xaction lifecycle state.
type Status int32

const (
	StatusIdle Status = iota
	StatusRunning
	StatusAborted
	StatusFinished
)

// Snap is the point-in-time progress report exposed to callers polling
// an xaction (CLI, tests), mirroring the teacher's cluster.Snap shape.
type Snap struct {
	Kind     string
	ID       string
	Status   Status
	Err      error
	StartTS  int64
	EndTS    int64
}

// Base is the embeddable xaction skeleton. It does not know how to do
// any work itself; embedders call Finish/Abort/AddErr from their own
// Run loop.
type Base struct {
	kind    string
	id      string
	status  atomic.Int32
	startTS int64
	endTS   atomic.Int64

	errMu sync.Mutex
	err   error
	nerrs atomic.Int32

	abortCh chan struct{}
	abortOnce sync.Once
}

func (b *Base) Init(kind, id string) {
	b.kind = kind
	b.id = id
	b.status.Store(int32(StatusIdle))
	b.startTS = mono.NanoTime()
	b.abortCh = make(chan struct{})
}

func (b *Base) Kind() string { return b.kind }
func (b *Base) ID() string   { return b.id }
func (b *Base) Name() string { return fmt.Sprintf("%s[%s]", b.kind, b.id) }
func (b *Base) String() string { return b.Name() }

// Run transitions Idle -> Running. Embedders call this once before
// entering their own work loop.
func (b *Base) Run() {
	ok := b.status.CAS(int32(StatusIdle), int32(StatusRunning))
	debug.Assert(ok, "xact: Run called on a non-idle xaction")
}

// AddErr accumulates a non-fatal error without aborting the xaction
// (spec §4.F "persisted sr_ms... so a restart resumes" implies the
// rebuild controller keeps going past recoverable per-extent errors).
func (b *Base) AddErr(err error) {
	if err == nil {
		return
	}
	b.nerrs.Inc()
	b.errMu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.errMu.Unlock()
}

func (b *Base) ErrCnt() int32 { return b.nerrs.Load() }

func (b *Base) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// Abort requests cooperative termination: it sets status and closes
// AbortCh; the caller's own loop must observe AbortCh at its next
// boundary (spec §5 "Rebuild exit is cooperative").
func (b *Base) Abort(err error) {
	b.AddErr(err)
	b.abortOnce.Do(func() { close(b.abortCh) })
	b.status.CAS(int32(StatusRunning), int32(StatusAborted))
}

func (b *Base) AbortCh() <-chan struct{} { return b.abortCh }

func (b *Base) IsAborted() bool { return Status(b.status.Load()) == StatusAborted }

// Finish transitions Running -> Finished unless already Aborted.
func (b *Base) Finish() {
	b.endTS.Store(mono.NanoTime())
	b.status.CAS(int32(StatusRunning), int32(StatusFinished))
}

func (b *Base) Status() Status { return Status(b.status.Load()) }

func (b *Base) IsFinished() bool {
	s := Status(b.status.Load())
	return s == StatusFinished || s == StatusAborted
}

func (b *Base) Snap() Snap {
	return Snap{
		Kind: b.kind, ID: b.id, Status: b.Status(), Err: b.Err(),
		StartTS: b.startTS, EndTS: b.endTS.Load(),
	}
}
