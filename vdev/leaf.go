package vdev

import (
	"sync"
	"sync/atomic"

	"github.com/zfscore/spa/cmn/metrics"
	"github.com/zfscore/spa/cmn/nlog"
)

// LeafState is the device-level state machine of spec §4.B.
type LeafState uint8

const (
	StateUnknown LeafState = iota
	StateClosed
	StateOffline
	StateRemoved
	StateCantOpen
	StateFaulted
	StateDegraded
	StateHealthy
)

func (s LeafState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOffline:
		return "offline"
	case StateRemoved:
		return "removed"
	case StateCantOpen:
		return "cant_open"
	case StateFaulted:
		return "faulted"
	case StateDegraded:
		return "degraded"
	case StateHealthy:
		return "healthy"
	default:
		return "unknown"
	}
}

// CantOpenReason distinguishes why StateCantOpen was entered.
type CantOpenReason uint8

const (
	ReasonNone CantOpenReason = iota
	ReasonBadLabel
	ReasonOpenFailed
	ReasonCorruptData
	ReasonSplitPool
)

// Transport is the physical-I/O backend a Leaf drives: a real disk, a
// loopback file, or (see transport_cloud.go) an S3 object treated as a flat
// addressable blob. Implementations report a *TransportError wrapping a
// Result so classify() never needs to special-case real OS errnos.
type Transport interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	Trim(off, size int64, secure bool) error
	// Gone reports whether the transport itself has disappeared (as
	// opposed to returning a plain I/O error) — spec §4.B's ENXIO +
	// "transport reports gone" distinction.
	Gone() bool
	// DiscardCapable and HasWriteCache are queried once at open.
	DiscardCapable() bool
	HasWriteCache() bool
	PageAligned(p []byte) bool
}

// errorCounters classifies the causes the leaf's healthy->degraded->
// faulted transitions accumulate against (spec §4.B state machine note).
type errorCounters struct {
	read, write, checksum, slowIO atomic.Int64
}

// Leaf is one physical device at the bottom of the vdev tree.
type Leaf struct {
	Path      string
	Ashift    uint8  // log2 of minimum block size
	Asize     uint64 // addressable bytes

	transport Transport

	mu            sync.Mutex
	state         LeafState
	cantOpenWhy   CantOpenReason
	nowritecache  bool // latched once a flush reports not-supported
	delayedClose  bool
	scanRemoving  bool
	resilverDeferred bool
	noalloc       bool

	errs errorCounters

	onRemove func(*Leaf) // async-removal hook, invoked outside mu
}

func NewLeaf(path string, ashift uint8, asize uint64, tr Transport) *Leaf {
	return &Leaf{Path: path, Ashift: ashift, Asize: asize, transport: tr, state: StateUnknown}
}

func (l *Leaf) SetRemoveHook(fn func(*Leaf)) { l.onRemove = fn }

func (l *Leaf) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transport == nil {
		l.state = StateCantOpen
		l.cantOpenWhy = ReasonOpenFailed
		return ResultIO
	}
	l.state = StateHealthy
	return nil
}

func (l *Leaf) Close() {
	l.mu.Lock()
	l.state = StateClosed
	l.mu.Unlock()
}

func (l *Leaf) State() LeafState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Leaf) setState(s LeafState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// IoStart dispatches one zio against this leaf (spec §4.B "Type
// dispatch"). It always runs synchronously in this implementation (no
// asynchronous transport queue beneath Transport), so it always returns
// Continue, but still closes z.Done so callers written against the
// suspend/Stop protocol work unmodified.
func (l *Leaf) IoStart(z *Zio) Disposition {
	switch z.Type {
	case TypeRead:
		l.ioReadWrite(z, false)
	case TypeWrite:
		l.ioReadWrite(z, true)
	case TypeFlush:
		l.ioFlush(z)
	case TypeTrim:
		l.ioTrim(z)
	}
	return Continue
}

func (l *Leaf) ioReadWrite(z *Zio, write bool) {
	// direct I/O requires a page-aligned, whole-page buffer; otherwise a
	// bounce copy is used and pages are pinned for the request lifetime
	// (spec §4.B) -- here "pinning" is simply holding the slice, since Go
	// buffers are never paged out from under us.
	direct := l.transport.PageAligned(z.Data)
	buf := z.Data
	if !direct {
		buf = make([]byte, len(z.Data))
		if write {
			copy(buf, z.Data)
		}
	}

	var n int
	var err error
	if write {
		n, err = l.transport.WriteAt(buf, int64(z.Offset))
	} else {
		n, err = l.transport.ReadAt(buf, int64(z.Offset))
		if err == nil && !direct {
			copy(z.Data, buf)
		}
	}

	residual := len(z.Data) - n
	res := classify(err, residual)
	l.onIoResult(z.Type, res)
	z.complete(res, residual, err)
}

func (l *Leaf) ioFlush(z *Zio) {
	l.mu.Lock()
	cached := l.nowritecache
	hasCache := l.transport.HasWriteCache()
	l.mu.Unlock()

	if !hasCache || cached {
		z.complete(ResultNotSupported, 0, nil)
		return
	}
	err := l.transport.Flush()
	res := classify(err, 0)
	if res == ResultNotSupported {
		l.mu.Lock()
		l.nowritecache = true
		l.mu.Unlock()
	}
	z.complete(res, 0, err)
}

func (l *Leaf) ioTrim(z *Zio) {
	if !l.transport.DiscardCapable() {
		z.complete(ResultNotSupported, 0, nil)
		return
	}
	secure := z.Flags.Has(FlagTrimSecure)
	err := l.transport.Trim(int64(z.Offset), int64(z.Size), secure)
	res := classify(err, 0)
	z.complete(res, 0, err)
}

// onIoResult applies the failure policy of spec §4.B to a completed
// read/write, including the healthy/degraded/faulted error-accumulation
// state machine.
func (l *Leaf) onIoResult(typ Type, res Result) {
	if res == ResultOK {
		return
	}
	switch res {
	case ResultTransportDown:
		if l.transport.Gone() {
			l.requestRemoval()
			return
		}
		l.mu.Lock()
		l.delayedClose = true
		l.mu.Unlock()
	case ResultMediumError:
		if typ == TypeRead {
			// Every medium error on a read is treated as a media
			// change: removal is requested. No separate check that the
			// device behind the transport changed is made.
			l.requestRemoval()
			return
		}
	}

	var count int64
	var kind string
	switch typ {
	case TypeRead:
		count = l.errs.read.Add(1)
		kind = "read"
	case TypeWrite:
		count = l.errs.write.Add(1)
		kind = "write"
	default:
		count = l.errs.checksum.Add(1)
		kind = "checksum"
	}
	metrics.VdevErrors.WithLabelValues(l.Path, kind).Inc()
	l.accumulate(count)
}

const (
	degradeThreshold = 8
	faultThreshold   = 32
)

func (l *Leaf) accumulate(count int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case count >= faultThreshold:
		l.state = StateFaulted
	case count >= degradeThreshold && l.state == StateHealthy:
		l.state = StateDegraded
	}
}

func (l *Leaf) requestRemoval() {
	l.mu.Lock()
	l.state = StateRemoved
	l.mu.Unlock()
	nlog.Warningln("vdev: async removal requested for", l.Path)
	if l.onRemove != nil {
		l.onRemove(l)
	}
}

func (l *Leaf) DiscardCapable() bool { return l.transport != nil && l.transport.DiscardCapable() }
func (l *Leaf) HasWriteCache() bool  { return l.transport != nil && l.transport.HasWriteCache() }

// Offline is operator-initiated and never triggered by the error
// accumulation path.
func (l *Leaf) Offline() { l.setState(StateOffline) }
