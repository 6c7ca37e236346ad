package spacemap

import "sort"

// RefTree implements the spec §3/§4.A reference tree: an ordered sequence
// of {offset, refcnt_delta} pairs whose running sum at a given minref
// threshold reconstructs the union (minref=1) or intersection (minref=k)
// of the k space maps that contributed segments to it.
type RefTree struct {
	pts []refPoint
}

type refPoint struct {
	offset uint64
	delta  int64
}

// AddSeg emits (start,+delta) and (end,-delta) for the half-open range
// [start,end), matching add_seg in the spec.
func (rt *RefTree) AddSeg(start, end uint64, delta int64) {
	rt.pts = append(rt.pts, refPoint{offset: start, delta: delta})
	rt.pts = append(rt.pts, refPoint{offset: end, delta: -delta})
}

// AddMap folds every segment of m into rt with the given per-map weight,
// the building block for generating unions/intersections across several
// space maps (spec scenario 2).
func (rt *RefTree) AddMap(m *Tree, delta int64) {
	m.Walk(func(seg Segment) bool {
		rt.AddSeg(seg.Start, seg.End, delta)
		return true
	})
}

// GenerateMap scans the accumulated points in offset order, accumulating
// refcnt, and emits the segments where refcnt >= minref — the union for
// minref=1, the intersection of k unit-weighted maps for minref=k.
func (rt *RefTree) GenerateMap(minref int64) []Segment {
	pts := make([]refPoint, len(rt.pts))
	copy(pts, rt.pts)
	sort.SliceStable(pts, func(i, j int) bool {
		if pts[i].offset != pts[j].offset {
			return pts[i].offset < pts[j].offset
		}
		// Process closing deltas (negative) before opening deltas at an
		// identical offset so that a segment ending exactly where another
		// begins is not spuriously counted as overlapping.
		return pts[i].delta < pts[j].delta
	})

	var out []Segment
	var refcnt int64
	var segStart uint64
	inSeg := false
	for _, p := range pts {
		wasIn := refcnt >= minref
		refcnt += p.delta
		isIn := refcnt >= minref
		switch {
		case !wasIn && isIn:
			segStart = p.offset
			inSeg = true
		case wasIn && !isIn:
			if inSeg {
				out = append(out, Segment{Start: segStart, End: p.offset})
				inSeg = false
			}
		}
	}
	return out
}
