package spacemap

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/zfscore/spa/cmn"
	"github.com/zfscore/spa/cmn/debug"
	"github.com/zfscore/spa/cmn/metrics"
)

// BlockShift sizes the growable I/O buffer Load/Sync chunk their object
// access into (spec §4.A: "BLOCKSHIFT-sized chunk"); 128KiB matches the
// source's recordsize-scale block I/O granularity.
const (
	BlockShift = 17
	BlockSize  = 1 << BlockShift
	entrySize  = 8
	entriesPerBlock = BlockSize / entrySize
)

type ObjectID uint64

// SpaceMapObject is the persisted {object_id, objsize, alloc} triple (spec
// §3); objsize only ever grows by append, alloc tracks live allocated
// bytes.
type SpaceMapObject struct {
	ObjectID ObjectID
	ObjSize  uint64
	Alloc    uint64
}

type MapType int

const (
	MapAlloc MapType = iota
	MapFree
)

// ObjectOps is the boundary interface into the object set (DMU), which is
// out of this core's scope (spec §1 Non-goals) but whose block-level
// contract the space map depends on.
type ObjectOps interface {
	// ReadBlock returns the raw bytes of block index blk of obj, or
	// io.EOF once blk is past the object's current length.
	ReadBlock(obj ObjectID, blk int) ([]byte, error)
	// AppendBlock appends data (a whole BLOCKSHIFT-sized or smaller final
	// chunk) to obj, returning the new object size.
	AppendBlock(obj ObjectID, data []byte) (newSize uint64, err error)
	// Truncate frees obj's entire on-disk content.
	Truncate(obj ObjectID) error
}

// LoadState serializes concurrent Load calls against one Tree via a
// "loading" flag + condition variable, per spec §4.A.
type LoadState struct {
	mu      sync.Mutex
	cv      *sync.Cond
	loading bool
}

func NewLoadState() *LoadState {
	ls := &LoadState{}
	ls.cv = sync.NewCond(&ls.mu)
	return ls
}

func (ls *LoadState) begin() {
	ls.mu.Lock()
	for ls.loading {
		ls.cv.Wait()
	}
	ls.loading = true
	ls.mu.Unlock()
}

func (ls *LoadState) end() {
	ls.mu.Lock()
	ls.loading = false
	ls.cv.Broadcast()
	ls.mu.Unlock()
}

// Load replays obj's on-disk log into t, dropping lock across each block
// I/O (spec §4.A). For MapFree, the full [t.Start, t.Start+t.Size) region
// is added first so that replaying free entries yields the allocated set.
// Any error empties t before returning, so a partial load is never
// observable (spec §4.A "Failure semantics").
func Load(t *Tree, ls *LoadState, ops ObjectOps, obj *SpaceMapObject, maptype MapType, lock sync.Locker, strict debug.Strictness) (err error) {
	ls.begin()
	defer ls.end()

	if maptype == MapFree {
		if e := t.Add(t.Start, t.Size, strict); e != nil {
			_ = t.Vacate(nil, strict)
			return e
		}
	}

	nblocks := int((obj.ObjSize + BlockSize - 1) / BlockSize)
	for blk := 0; blk < nblocks; blk++ {
		lock.Unlock()
		data, rerr := ops.ReadBlock(obj.ObjectID, blk)
		lock.Lock()
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			_ = t.Vacate(nil, strict)
			return rerr
		}
		if len(data)%entrySize != 0 {
			_ = t.Vacate(nil, strict)
			return fmt.Errorf("spacemap: block %d of object %d has trailing partial entry", blk, obj.ObjectID)
		}
		for off := 0; off < len(data); off += entrySize {
			v := cmn.GetUint64LE(data[off : off+entrySize])
			ent := unpack(v)
			if ent.IsDebug {
				continue
			}
			offset := (ent.Run.Offset) << t.Shift
			size := ent.Run.Run << t.Shift
			var aerr error
			switch ent.Run.Action {
			case ActionAlloc:
				aerr = t.Add(offset, size, strict)
			case ActionFree:
				aerr = t.Remove(offset, size)
			}
			if aerr != nil {
				_ = t.Vacate(nil, strict)
				return aerr
			}
		}
	}
	return nil
}

// Sync appends one debug entry (syncpass, txg) followed by run-encoded
// entries for every segment currently in t, splitting any run longer than
// SmRunMax into multiple consecutive run entries covering the same
// logical segment (spec §4.A, grounded on space_map.c's
// space_map_sync, which performs the identical split at the
// SM_RUN_MAX boundary). The tree is left untouched; callers vacate
// separately once sync has committed, matching "the tree is the dirty
// set" lifecycle in spec §3.
func Sync(t *Tree, maptype MapType, obj *SpaceMapObject, ops ObjectOps, syncpass, txg uint64, action Action) error {
	buf := make([]byte, 0, BlockSize)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		newSize, err := ops.AppendBlock(obj.ObjectID, buf)
		if err != nil {
			return err
		}
		obj.ObjSize = newSize
		buf = buf[:0]
		return nil
	}
	appendEntry := func(v uint64) error {
		var b [entrySize]byte
		cmn.PutUint64LE(b[:], v)
		buf = append(buf, b[:]...)
		if len(buf) >= BlockSize {
			return flush()
		}
		return nil
	}

	if err := appendEntry(packDebug(DebugEntry{Action: action, SyncPass: syncpass, Txg: txg})); err != nil {
		return err
	}

	var walkErr error
	t.Walk(func(seg Segment) bool {
		offset := seg.Start >> t.Shift
		remaining := seg.Len() >> t.Shift
		for remaining > 0 {
			run := remaining
			if run > SmRunMax {
				run = SmRunMax
			}
			if err := appendEntry(packRun(RunEntry{Offset: offset, Action: action, Run: run})); err != nil {
				walkErr = err
				return false
			}
			offset += run
			remaining -= run
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	if err := flush(); err != nil {
		return err
	}

	switch action {
	case ActionAlloc:
		obj.Alloc += t.Space()
	case ActionFree:
		if obj.Alloc < t.Space() {
			obj.Alloc = 0
		} else {
			obj.Alloc -= t.Space()
		}
	}
	_ = maptype

	label := strconv.FormatUint(uint64(obj.ObjectID), 10)
	metrics.SpaceMapAllocBytes.WithLabelValues(label).Set(float64(obj.Alloc))
	metrics.SpaceMapObjSize.WithLabelValues(label).Set(float64(obj.ObjSize))
	return nil
}

// Truncate frees obj's on-disk content and resets its accounting.
func Truncate(obj *SpaceMapObject, ops ObjectOps) error {
	if err := ops.Truncate(obj.ObjectID); err != nil {
		return err
	}
	label := strconv.FormatUint(uint64(obj.ObjectID), 10)
	obj.ObjSize = 0
	obj.Alloc = 0
	metrics.SpaceMapAllocBytes.WithLabelValues(label).Set(0)
	metrics.SpaceMapObjSize.WithLabelValues(label).Set(0)
	return nil
}

// EntriesPerBlock exposes the block-to-entry-count ratio used by tests
// validating the sync boundary behavior: with one 64-bit word per entry,
// sync emits ceil((num_segments+1)/entries_per_block) block I/Os for
// segments no longer than SmRunMax, the +1 being the leading debug entry.
func EntriesPerBlock() int { return entriesPerBlock }
