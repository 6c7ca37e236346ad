package metaslab

import (
	"sync"

	"github.com/zfscore/spa/cmn"
	"github.com/zfscore/spa/cmn/debug"
	"github.com/zfscore/spa/spacemap"
)

// Metaslab is a fixed-size region of a top-level vdev owning its own free
// tree and space-map object (spec §4.E). Tree holds FREE segments, the
// same convention as the source's ms_allocatable.
type Metaslab struct {
	ID     uint64
	Start  uint64
	Size   uint64
	Shift  uint8

	Tree   *spacemap.Tree
	Obj    spacemap.SpaceMapObject
	ls     *spacemap.LoadState
	policy Policy

	mu     sync.Mutex // ms_lock: guards Tree mutation and alloc/claim/free
	syncMu sync.Mutex // ms_sync_lock: guards sync vs. concurrent load

	loaded      bool
	rebuilding  bool
	condensing  bool
	condenseCV  *sync.Cond
}

func New(id, start, size uint64, shift uint8, obj spacemap.ObjectID) *Metaslab {
	ms := &Metaslab{
		ID:     id,
		Start:  start,
		Size:   size,
		Shift:  shift,
		Tree:   spacemap.NewTree(start, size, shift),
		Obj:    spacemap.SpaceMapObject{ObjectID: obj},
		ls:     spacemap.NewLoadState(),
		policy: NewCursorPolicy(),
	}
	ms.condenseCV = sync.NewCond(&ms.mu)
	ms.policy.Load(ms.Tree)
	return ms
}

// Load replays this metaslab's free-space map into Tree and attaches the
// allocation policy to it.
func (ms *Metaslab) Load(ops spacemap.ObjectOps, maptype spacemap.MapType, strict debug.Strictness) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := spacemap.Load(ms.Tree, ms.ls, ops, &ms.Obj, maptype, &ms.mu, strict); err != nil {
		return err
	}
	ms.policy.Load(ms.Tree)
	ms.loaded = true
	return nil
}

// Unload discards the in-memory free tree, retaining only the space-map
// object accounting.
func (ms *Metaslab) Unload() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.policy.Unload()
	_ = ms.Tree.Vacate(nil, debug.Permissive)
	ms.loaded = false
}

// waitNotCondensingLocked blocks until condensing clears. ms.mu must be
// held; it is released across the wait as sync.Cond requires.
func (ms *Metaslab) waitNotCondensingLocked() {
	for ms.condensing {
		ms.condenseCV.Wait()
	}
}

// BeginRebuild marks the metaslab rebuilding, blocking out a concurrent
// condense (spec §4.F.1: "wait out any condensing; assert not already
// rebuilding"). Returns a release func.
func (ms *Metaslab) BeginRebuild() (release func()) {
	ms.mu.Lock()
	ms.waitNotCondensingLocked()
	debug.Assert(!ms.rebuilding, "metaslab already rebuilding")
	ms.rebuilding = true
	ms.mu.Unlock()
	return func() {
		ms.mu.Lock()
		ms.rebuilding = false
		ms.condenseCV.Broadcast()
		ms.mu.Unlock()
	}
}

// BeginCondense is condensing's mirror image; exclusive with rebuilding.
func (ms *Metaslab) BeginCondense() (release func()) {
	ms.mu.Lock()
	for ms.rebuilding {
		ms.condenseCV.Wait() // reuse the same CV: any state change broadcasts it
	}
	ms.condensing = true
	ms.mu.Unlock()
	return func() {
		ms.mu.Lock()
		ms.condensing = false
		ms.condenseCV.Broadcast()
		ms.mu.Unlock()
	}
}

// Alloc selects and removes a free range of at least size bytes.
func (ms *Metaslab) Alloc(size uint64) (offset uint64, err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.waitNotCondensingLocked()
	off, ok := ms.policy.Alloc(size)
	if !ok {
		return 0, cmn.ErrNoSpace
	}
	if rerr := ms.Tree.Remove(off, size); rerr != nil {
		return 0, rerr
	}
	return off, nil
}

// Claim removes a specific, caller-known range (e.g. replaying an intent
// log), asserting it is currently free.
func (ms *Metaslab) Claim(offset, size uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !ms.Tree.Contains(offset, size) {
		return cmn.ErrNoSpace
	}
	return ms.Tree.Remove(offset, size)
}

// Free returns a previously allocated range to the free tree.
func (ms *Metaslab) Free(offset, size uint64, strict debug.Strictness) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.Tree.Add(offset, size, strict)
}

func (ms *Metaslab) MaxAvailable() uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.policy.MaxAvailable()
}

// IsRebuilding reports the current rebuild-exclusion flag, consulted by
// the rebuild controller before selecting this metaslab as its unit
// (spec §4.F.1).
func (ms *Metaslab) IsRebuilding() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.rebuilding
}

// FreshAllocatedSet opens an independent view of this metaslab's on-disk
// space map and returns the allocated set (the complement of the free
// set), per spec §4.F.2: the rebuild controller must not reuse the
// in-memory free tree because it may reflect in-progress sync state — it
// instead replays the same on-disk object fresh and complements it.
//
// The object is always written by XactCondense as a MapAlloc/ActionAlloc
// snapshot (the one pairing that reproduces the free tree's exact content
// on reload, see condense.go), so reloading it already yields the free
// tree, not its complement; asking Load itself for the complement would
// require every entry to be tagged ActionFree, which they are not. The
// complement is computed explicitly instead: start from the full region
// and remove every segment the freshly-loaded free tree reports.
func (ms *Metaslab) FreshAllocatedSet(ops spacemap.ObjectOps, strict debug.Strictness) (*spacemap.Tree, error) {
	free := spacemap.NewTree(ms.Start, ms.Size, ms.Shift)
	freshLS := spacemap.NewLoadState()
	var lk sync.Mutex
	lk.Lock()
	obj := ms.Obj
	err := spacemap.Load(free, freshLS, ops, &obj, spacemap.MapAlloc, &lk, strict)
	lk.Unlock()
	if err != nil {
		return nil, err
	}

	allocated := spacemap.NewTree(ms.Start, ms.Size, ms.Shift)
	if err := allocated.Add(ms.Start, ms.Size, strict); err != nil {
		return nil, err
	}
	var walkErr error
	free.Walk(func(seg spacemap.Segment) bool {
		if rerr := allocated.Remove(seg.Start, seg.Len()); rerr != nil {
			walkErr = rerr
			return false
		}
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return allocated, nil
}
