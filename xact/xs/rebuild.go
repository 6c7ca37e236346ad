package xs

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zfscore/spa/cmn"
	"github.com/zfscore/spa/cmn/atomic"
	"github.com/zfscore/spa/cmn/debug"
	"github.com/zfscore/spa/cmn/metrics"
	"github.com/zfscore/spa/cmn/mono"
	"github.com/zfscore/spa/cmn/nlog"
	"github.com/zfscore/spa/metaslab"
	"github.com/zfscore/spa/poolmeta"
	"github.com/zfscore/spa/spacemap"
	"github.com/zfscore/spa/txg"
	"github.com/zfscore/spa/vdev"
	"github.com/zfscore/spa/xact"
)

// Target is where rebuild reconstruction I/O lands: either the mirror's
// other leg or a dRAID group's spare column, both satisfying the same
// leaf-write contract.
type Target interface {
	// Reconstruct issues a synthetic read/repair covering [offset,
	// offset+size) and blocks until it completes.
	Reconstruct(ctx context.Context, offset, size uint64) error
	// CriticallyDegraded reports whether this vdev has no further
	// redundancy left, in which case rebuild runs at full speed (spec
	// §4.F.5).
	CriticallyDegraded() bool
}

// XactRebuild is the sequential rebuild/resilver controller of spec
// §4.F: it walks the allocated space of a source vdev metaslab by
// metaslab and issues throttled reconstruction I/O to Target.
type XactRebuild struct {
	xact.Base

	sourceVd   *vdev.Node
	oldVdGUID  string
	dtlMaxTxg  txg.Id
	metaslabs  []*metaslab.Metaslab
	ops        spacemap.ObjectOps
	target     Target
	dir        *poolmeta.Dir
	engine     *txg.Engine

	nextMS    uint64
	synced    atomic.Uint64 // count of metaslabs 0..synced-1 known contiguously complete
	done      []bool

	watermark *semaphore.Weighted
	outstanding atomic.Int64

	delayTicks int
	idleTicks  int
	lastImportantIO atomic.Int64

	examined   atomic.Int64
	passIssued atomic.Int64
}

// New constructs a rebuild controller bound to one source vdev's
// metaslab array. The outstanding-bytes watermark is cmn.GCO's
// Rebuild.MaxOutstandingBytes, taken as is; no per-vdev bound is
// computed.
func New(sourceVd *vdev.Node, metaslabs []*metaslab.Metaslab, ops spacemap.ObjectOps,
	target Target, dir *poolmeta.Dir, engine *txg.Engine) *XactRebuild {
	cfg := cmn.GCO.Get()
	r := &XactRebuild{
		sourceVd:   sourceVd,
		metaslabs:  metaslabs,
		ops:        ops,
		target:     target,
		dir:        dir,
		engine:     engine,
		done:       make([]bool, len(metaslabs)),
		watermark:  semaphore.NewWeighted(cfg.Rebuild.MaxOutstandingBytes),
		delayTicks: cfg.Rebuild.Delay,
		idleTicks:  cfg.Rebuild.Idle,
	}
	r.Init("rebuild", sourceVd.GUID+":"+newRebuildID())
	return r
}

var rebuildSeq atomic.Int64

func newRebuildID() string {
	return itoa64(rebuildSeq.Inc())
}

func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Start waits synchronously for dtlMaxTxg so DTL propagation is visible
// (spec §4.F "Start"), then spawns the rebuild thread.
func (r *XactRebuild) Start(startMS uint64, dtlMaxTxg txg.Id) error {
	r.nextMS = startMS
	r.dtlMaxTxg = dtlMaxTxg
	// Metaslabs below startMS are either fresh (startMS==0) or were
	// already completed by a prior run (restart case, spec §4.F
	// "Restart") — mark them done so advanceSynced's contiguous-run
	// check doesn't stall on an index this run never touches.
	for ms := uint64(0); ms < startMS && ms < uint64(len(r.done)); ms++ {
		r.done[ms] = true
	}
	r.synced.Store(startMS)
	r.Base.Run()
	r.engine.WaitSynced(dtlMaxTxg)
	go r.run()
	return nil
}

func (r *XactRebuild) run() {
	for ms := r.nextMS; ms < uint64(len(r.metaslabs)); ms++ {
		select {
		case <-r.Base.AbortCh():
			return
		default:
		}
		if err := r.processMetaslab(ms); err != nil {
			r.Base.AddErr(err)
		}
		r.done[ms] = true
		r.advanceSynced()
		r.persistCursor(ms)
	}
	if err := r.dir.ClearRebuildCursor(); err != nil {
		r.Base.AddErr(err)
	}
	nlog.Infof("rebuild_finish: %s", r.Base.Name())
	r.Base.Finish()
}

// advanceSynced grows the contiguously-completed count past every index
// that has finished since the last call (spec §4.F.7).
func (r *XactRebuild) advanceSynced() {
	cur := r.synced.Load()
	for cur < uint64(len(r.done)) && r.done[cur] {
		cur++
	}
	r.synced.Store(cur)
	metrics.RebuildMetaslabsDone.WithLabelValues(r.sourceVd.GUID).Set(float64(cur))
}

// persistCursor writes the last fully-completed metaslab index, so a
// restart resumes at +1 and never re-reads anything <= it.
func (r *XactRebuild) persistCursor(ms uint64) {
	synced := r.synced.Load()
	if synced == 0 {
		return
	}
	err := r.dir.PutRebuildCursor(&poolmeta.RebuildCursor{
		MS:          synced - 1,
		VdevGUID:    guidToUint64(r.sourceVd.GUID),
		OldVdevGUID: guidToUint64(r.oldVdGUID),
	})
	if err != nil {
		r.Base.AddErr(err)
	}
	_ = ms
}

func guidToUint64(guid string) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(guid); i++ {
		h ^= uint64(guid[i])
		h *= 1099511628211
	}
	return h
}

// processMetaslab implements spec §4.F.2-4: lock, load a fresh allocated
// set, drop locks, then walk extents issuing reconstruction I/O.
func (r *XactRebuild) processMetaslab(msID uint64) error {
	ms := r.metaslabs[msID]

	strictness := debug.Permissive
	if cmn.GCO.Get().Strict {
		strictness = debug.Strict
	}
	release := ms.BeginRebuild()
	fresh, err := ms.FreshAllocatedSet(r.ops, strictness)
	release()
	if err != nil {
		return err
	}

	var extents []spacemap.Segment
	fresh.Walk(func(s spacemap.Segment) bool {
		extents = append(extents, s)
		return true
	})

	for _, ext := range extents {
		select {
		case <-r.Base.AbortCh():
			return nil
		default:
		}
		if err := r.issueExtent(ext); err != nil {
			r.Base.AddErr(err)
		}
		r.examined.Add(1)
	}
	return nil
}

// issueExtent blocks on the outstanding-watermark semaphore, applies the
// optional per-IO delay, then reconstructs one extent.
func (r *XactRebuild) issueExtent(ext spacemap.Segment) error {
	size := ext.Len()
	if err := r.watermark.Acquire(context.Background(), int64(size)); err != nil {
		return err
	}
	outstanding := r.outstanding.Add(int64(size))
	metrics.RebuildOutstandingBytes.WithLabelValues(r.sourceVd.GUID).Set(float64(outstanding))
	defer func() {
		outstanding = r.outstanding.Add(-int64(size))
		metrics.RebuildOutstandingBytes.WithLabelValues(r.sourceVd.GUID).Set(float64(outstanding))
		r.watermark.Release(int64(size))
	}()

	r.applyDelay()

	ctx := context.Background()
	err := r.target.Reconstruct(ctx, ext.Start, size)
	r.passIssued.Add(1)
	return err
}

func (r *XactRebuild) applyDelay() {
	if r.target.CriticallyDegraded() {
		return
	}
	since := mono.Since(r.lastImportantIO.Load())
	if since < mono.Ticks(r.idleTicks) {
		return
	}
	time.Sleep(mono.Ticks(r.delayTicks))
}

// NoteImportantIO is called by the ordinary I/O pipeline whenever a
// non-rebuild request touches this vdev, resetting the idle clock the
// delay throttle checks (spec §4.F.5 "important I/O").
func (r *XactRebuild) NoteImportantIO() {
	r.lastImportantIO.Store(mono.NanoTime())
}

func (r *XactRebuild) Examined() int64   { return r.examined.Load() }
func (r *XactRebuild) PassIssued() int64 { return r.passIssued.Load() }

// SyncedMS returns the last fully-completed metaslab index. Only
// meaningful once at least one metaslab has completed.
func (r *XactRebuild) SyncedMS() uint64 {
	synced := r.synced.Load()
	if synced == 0 {
		return 0
	}
	return synced - 1
}

// Restart implements spec §4.F "Restart": given a persisted cursor,
// verify preconditions and resume at last_ms+1.
func Restart(dir *poolmeta.Dir, msCount int, oldVdevHasSpareParentWithTwoChildren, spareStillNeedsResilver bool) (startMS uint64, ok bool, err error) {
	c, err := dir.GetRebuildCursor()
	if err != nil {
		return 0, false, err
	}
	if c == nil {
		return 0, false, nil
	}
	if c.MS >= uint64(msCount-1) {
		return 0, false, nil
	}
	if !oldVdevHasSpareParentWithTwoChildren || !spareStillNeedsResilver {
		return 0, false, nil
	}
	debug.Assert(msCount > 0, "rebuild restart: metaslab count must be positive")
	return c.MS + 1, true, nil
}
