// Package metaslab implements the per-region allocator of spec §4.E: a
// metaslab owns a space map of free segments plus a pluggable allocation
// policy, matching the source's selectable metaslab_ops_t (cursor,
// dynamic, ndf, ...).
package metaslab

import "github.com/zfscore/spa/spacemap"

// Policy is the allocator hook set load/unload/alloc/max_available,
// operating over the metaslab's free-segment tree. Claim and free act on
// the tree directly (Metaslab.Claim/Free) and do not call the policy.
type Policy interface {
	Load(t *spacemap.Tree)
	Unload()
	// Alloc selects a free range of at least size bytes, returning its
	// offset. It does not mutate the tree; the caller removes the chosen
	// range.
	Alloc(size uint64) (offset uint64, ok bool)
	MaxAvailable() uint64
}

// CursorPolicy is the source's "cursor" metaslab_ops_t: first-fit search
// starting from a rotating cursor, wrapping to the region start once the
// cursor runs past the last segment. Chosen as the default here because it
// requires no secondary index beyond the segment tree itself, matching the
// metaslab's existing space map structure.
type CursorPolicy struct {
	tree   *spacemap.Tree
	cursor uint64
}

func NewCursorPolicy() *CursorPolicy { return &CursorPolicy{} }

func (p *CursorPolicy) Load(t *spacemap.Tree) { p.tree = t; p.cursor = t.Start }
func (p *CursorPolicy) Unload()               { p.tree = nil; p.cursor = 0 }

func (p *CursorPolicy) Alloc(size uint64) (uint64, bool) {
	if p.tree == nil {
		return 0, false
	}
	var found uint64
	ok := false
	// first pass: from cursor to the end of the region
	p.tree.Walk(func(s spacemap.Segment) bool {
		if s.Start < p.cursor {
			return true
		}
		if s.Len() >= size {
			found = s.Start
			ok = true
			return false
		}
		return true
	})
	if !ok {
		// wrap: from region start up to cursor
		p.tree.Walk(func(s spacemap.Segment) bool {
			if s.Start >= p.cursor {
				return false
			}
			if s.Len() >= size {
				found = s.Start
				ok = true
				return false
			}
			return true
		})
	}
	if ok {
		p.cursor = found + size
	}
	return found, ok
}

func (p *CursorPolicy) MaxAvailable() uint64 {
	if p.tree == nil {
		return 0
	}
	var max uint64
	p.tree.Walk(func(s spacemap.Segment) bool {
		if l := s.Len(); l > max {
			max = l
		}
		return true
	})
	return max
}
