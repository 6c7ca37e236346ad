// Package spacemap implements the segment tree and on-disk log format
// described in spec.md §3/§4.A: an in-memory ordered set of non-overlapping,
// non-touching [start, end) segments backed by a log-structured on-disk
// record of alloc/free run entries.
//
// The in-memory tree is the teacher's "ordered tree keyed by start" given a
// concrete backing structure: github.com/tidwall/btree's generic BTreeG,
// the same family of embedded ordered-index structure buntdb itself is
// built on (see poolmeta), promoted here from an indirect dependency of
// buntdb to a direct one because the segment tree is exactly the ordered
// index buntdb's storage layer already gives us a tuned implementation of.
package spacemap

import (
	"fmt"

	"github.com/tidwall/btree"

	"github.com/zfscore/spa/cmn"
	"github.com/zfscore/spa/cmn/debug"
)

// Segment is a half-open byte range [Start, End), shift-aligned by
// construction (callers are responsible for already-aligned offsets, as in
// the source).
type Segment struct {
	Start uint64
	End   uint64
}

func (s Segment) Len() uint64 { return s.End - s.Start }

func segLess(a, b Segment) bool { return a.Start < b.Start }

// Tree is the in-memory sorted segment set plus its covered-byte total.
// Mutations are not internally locked: per spec §5, the caller supplies
// the locking discipline (the metaslab's own mutex), except during Load,
// which this package serializes itself (see object.go).
type Tree struct {
	Start uint64
	Size  uint64
	Shift uint8

	items *btree.BTreeG[Segment]
	space uint64
}

func NewTree(start, size uint64, shift uint8) *Tree {
	return &Tree{
		Start: start,
		Size:  size,
		Shift: shift,
		items: btree.NewBTreeG[Segment](segLess),
	}
}

// Destroy asserts the tree is empty, matching space_map_destroy's
// VERIFY3U(sm_space, ==, 0).
func (t *Tree) Destroy() {
	debug.AssertMsg(t.space == 0, "space_map_destroy: sm_space=%d != 0", t.space)
}

func (t *Tree) Space() uint64 { return t.space }
func (t *Tree) Count() int    { return t.items.Len() }

// findOverlap returns a segment overlapping [start, end), if any: the
// nearest segment at-or-before start when it extends past start,
// otherwise the first segment starting inside [start, end). Mere
// adjacency is not an overlap.
func (t *Tree) findOverlap(start, end uint64) (ss Segment, found bool) {
	// An overlapping segment either starts at-or-before `end` and ends
	// after `start`. Scanning ascending from (start,0) catches a segment
	// that starts inside [start,end) directly; a segment starting before
	// start that might still overlap is found by scanning the one
	// immediately preceding it.
	var hit Segment
	okHit := false
	t.items.Descend(Segment{Start: start}, func(item Segment) bool {
		hit = item
		okHit = true
		return false // only want the nearest at-or-before start
	})
	if okHit && hit.End > start {
		return hit, true
	}
	okHit = false
	t.items.Ascend(Segment{Start: start}, func(item Segment) bool {
		if item.Start < end {
			hit = item
			okHit = true
		}
		return false
	})
	if okHit {
		return hit, true
	}
	return Segment{}, false
}

func (t *Tree) before(start uint64) (Segment, bool) {
	var hit Segment
	ok := false
	t.items.Descend(Segment{Start: start}, func(item Segment) bool {
		if item.Start < start {
			hit = item
			ok = true
		}
		return false
	})
	return hit, ok
}

// Add inserts [start, start+size) into the tree, coalescing with any
// segment it touches on either side. If the range overlaps an existing
// allocated segment this is a fatal invariant violation (space_map_add's
// "allocating allocated segment") routed through cmn/debug.Recover rather
// than crashing outright, per spec §7/§9.
func (t *Tree) Add(start, size uint64, strict debug.Strictness) error {
	if size == 0 {
		return fmt.Errorf("spacemap: zero-size add at %d", start)
	}
	end := start + size
	if start < t.Start || end > t.Start+t.Size {
		return fmt.Errorf("spacemap: add [%d,%d) outside region [%d,%d)", start, end, t.Start, t.Start+t.Size)
	}
	if t.space+size > t.Size {
		return fmt.Errorf("spacemap: add would overcommit region (space=%d size=%d region=%d)", t.space, size, t.Size)
	}
	if ov, found := t.findOverlap(start, end); found {
		debug.Recover(strict, "spacemap: allocating allocated segment (offset=%d size=%d) overlaps [%d,%d)", start, size, ov.Start, ov.End)
		return cmn.ErrPanicRecover
	}

	before, hasBefore := t.before(start)
	after, hasAfter := t.exactAfter(end)

	mergeBefore := hasBefore && before.End == start
	mergeAfter := hasAfter && after.Start == end

	switch {
	case mergeBefore && mergeAfter:
		t.items.Delete(before)
		t.items.Delete(after)
		merged := Segment{Start: before.Start, End: after.End}
		t.items.Set(merged)
	case mergeBefore:
		t.items.Delete(before)
		merged := Segment{Start: before.Start, End: end}
		t.items.Set(merged)
	case mergeAfter:
		t.items.Delete(after)
		merged := Segment{Start: start, End: after.End}
		t.items.Set(merged)
	default:
		t.items.Set(Segment{Start: start, End: end})
	}
	t.space += size
	return nil
}

func (t *Tree) exactAfter(start uint64) (Segment, bool) {
	return t.items.Get(Segment{Start: start})
}

// Remove deletes [start, start+size) from the tree. The range must be
// fully contained within exactly one existing segment; removing a strict
// subrange splits that segment into up to two remainders (or zero, when
// start/size exactly match it).
func (t *Tree) Remove(start, size uint64) error {
	if size == 0 {
		return fmt.Errorf("spacemap: zero-size remove at %d", start)
	}
	end := start + size
	var host Segment
	ok := false
	t.items.Descend(Segment{Start: start}, func(item Segment) bool {
		host = item
		ok = true
		return false
	})
	if !ok || host.Start > start || host.End < end {
		return fmt.Errorf("spacemap: remove [%d,%d) not contained in any segment", start, end)
	}

	t.items.Delete(host)
	if host.Start < start {
		left := Segment{Start: host.Start, End: start}
		t.items.Set(left)
	}
	if host.End > end {
		right := Segment{Start: end, End: host.End}
		t.items.Set(right)
	}
	t.space -= size
	return nil
}

// Contains reports whether [start, start+size) is fully covered by a
// single segment in the tree.
func (t *Tree) Contains(start, size uint64) bool {
	if size == 0 {
		return false
	}
	end := start + size
	var host Segment
	ok := false
	t.items.Descend(Segment{Start: start}, func(item Segment) bool {
		host = item
		ok = true
		return false
	})
	return ok && host.Start <= start && host.End >= end
}

// Walk visits every segment in ascending start order. fn returning false
// stops the walk early.
func (t *Tree) Walk(fn func(Segment) bool) {
	t.items.Scan(fn)
}

// Vacate empties the tree, optionally forwarding every segment to dest
// first (dest may be nil to simply discard), matching space_map_vacate's
// dual role as "drain" and "drain into".
func (t *Tree) Vacate(dest *Tree, strict debug.Strictness) error {
	var walkErr error
	t.items.Scan(func(seg Segment) bool {
		if dest != nil {
			if err := dest.Add(seg.Start, seg.Len(), strict); err != nil && walkErr == nil {
				walkErr = err
			}
		}
		return true
	})
	t.items = btree.NewBTreeG[Segment](segLess)
	t.space = 0
	return walkErr
}
