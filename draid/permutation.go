// Package draid builds base permutation rows for a parity-protected,
// declustered vdev (spec §4.C) via simulated annealing, grounded on
// original_source/cmd/draidcfg/draid_permutation.c's algorithm.
package draid

import (
	"math"
	"math/rand"

	"github.com/zfscore/spa/cmn/debug"
)

const (
	MaxGroupSize = 32
	MaxGroups    = 128
	MaxSpares    = 100
	MaxRows      = 16384
)

// EvalMode selects how per-device worst-case I/O counts are reduced to a
// single score.
type EvalMode int

const (
	EvalWorst EvalMode = iota
	EvalMean
	EvalRMS
)

// Map is a flat nrows x ndevs matrix of device indices: the first
// ndevs-nspares positions of every row are data/parity columns (split
// into GroupSizes groups), the last nspares are spares (spec §3 "dRAID
// permutation map").
type Map struct {
	NDevs      int
	NGroups    int
	GroupSizes []int
	NSpares    int
	NRows      int
	Rows       [][]int // Rows[r][c] = device index at row r, column c

	Seed int64
}

// Config is the input to Generate.
type Config struct {
	NDevs   int
	NGroups int
	NSpares int
	Seed    int64 // 0 means "caller did not pin a seed"; Generate derives one
}

func rowsFor(dataDevs int) int {
	switch {
	case dataDevs <= 40:
		return 32
	case dataDevs <= 80:
		return 64
	default:
		return 128
	}
}

// groupSizes splits ndevs-nspares data/parity columns as evenly as
// possible across ngroups groups.
func groupSizes(cols, ngroups int) []int {
	base := cols / ngroups
	rem := cols % ngroups
	sizes := make([]int, ngroups)
	for i := range sizes {
		sizes[i] = base
		if i < rem {
			sizes[i]++
		}
	}
	return sizes
}

func identityRow(n int) []int {
	row := make([]int, n)
	for i := range row {
		row[i] = i
	}
	return row
}

func permuteRow(rng *rand.Rand, in []int) []int {
	out := make([]int, len(in))
	copy(out, in)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func newMap(cfg Config, seed int64) *Map {
	debug.Assert(cfg.NDevs > cfg.NSpares, "draid: ndevs must exceed nspares")
	cols := cfg.NDevs - cfg.NSpares
	nrows := rowsFor(cols)

	m := &Map{
		NDevs:      cfg.NDevs,
		NGroups:    cfg.NGroups,
		GroupSizes: groupSizes(cols, cfg.NGroups),
		NSpares:    cfg.NSpares,
		NRows:      nrows,
		Seed:       seed,
	}
	rng := rand.New(rand.NewSource(seed))
	m.Rows = make([][]int, nrows)
	m.Rows[0] = identityRow(cfg.NDevs)
	for r := 1; r < nrows; r++ {
		m.Rows[r] = permuteRow(rng, m.Rows[r-1])
	}
	return m
}

func (m *Map) clone() *Map {
	cp := *m
	cp.Rows = make([][]int, len(m.Rows))
	for i, row := range m.Rows {
		cp.Rows[i] = append([]int(nil), row...)
	}
	cp.GroupSizes = append([]int(nil), m.GroupSizes...)
	return &cp
}

// permuteRange mutates a contiguous run of nrows rows starting at a
// random offset by re-permuting the columns within a random contiguous
// column range, mirroring permute_map's "pick a column window, shuffle
// it, for a random row window" mutation. Row 0 is never mutated, so it
// stays the identity permutation.
func permuteRange(rng *rand.Rand, m *Map, temperature float64) {
	avail := m.NRows - 1 // rows 1..NRows-1
	if avail < 1 {
		return
	}
	nrows := avail
	if temperature < 1 {
		nrows = 1
	} else if temperature < 100 {
		nrows = 1
		if span := int(float64(m.NRows) * temperature / 100); span > 0 {
			nrows += rng.Intn(span)
		}
	}
	if nrows > avail {
		nrows = avail
	}
	startRow := rng.Intn(avail)

	ncols := 2 + rng.Intn(m.NDevs-2+1)
	if ncols > m.NDevs {
		ncols = m.NDevs
	}
	startCol := rng.Intn(m.NDevs)

	for i := 0; i < nrows; i++ {
		r := 1 + (startRow+i)%avail
		row := m.Rows[r]
		window := make([]int, ncols)
		for j := 0; j < ncols; j++ {
			window[j] = row[(startCol+j)%m.NDevs]
		}
		rng.Shuffle(len(window), func(a, b int) { window[a], window[b] = window[b], window[a] })
		for j := 0; j < ncols; j++ {
			row[(startCol+j)%m.NDevs] = window[j]
		}
	}
}

// groupOf returns the group index a data/parity column belongs to, or
// -1 if col is a spare column.
func (m *Map) groupOf(col int) int {
	dataCols := m.NDevs - m.NSpares
	if col >= dataCols {
		return -1
	}
	acc := 0
	for g, sz := range m.GroupSizes {
		if col < acc+sz {
			return g
		}
		acc += sz
	}
	return -1
}

// ColumnsForGroup returns the physical device indices occupying group g's
// data/parity columns in row r, in column order — the fan-out a parent
// vdev's io_start permutes an I/O across for that (row, group) (spec §4.C
// "rows[nrows][ndevs]... consumed by B when the vdev type is dRAID").
func (m *Map) ColumnsForGroup(row, g int) []int {
	acc := 0
	for gi := 0; gi < g; gi++ {
		acc += m.GroupSizes[gi]
	}
	sz := m.GroupSizes[g]
	cols := make([]int, sz)
	copy(cols, m.Rows[row][acc:acc+sz])
	return cols
}

// SpareDevices returns the physical device indices occupying row r's spare
// columns, in column order.
func (m *Map) SpareDevices(row int) []int {
	dataCols := m.NDevs - m.NSpares
	spares := make([]int, m.NSpares)
	copy(spares, m.Rows[row][dataCols:])
	return spares
}

// simulateResilver replays spec §4.C step 5 for one failed-device set:
// for every row, for every group containing a failed disk, read every
// surviving member of that group and write one reconstructed column per
// broken member into the lowest-indexed still-healthy spare column.
func simulateResilver(m *Map, broken []int) (reads, writes []int64) {
	reads = make([]int64, m.NDevs)
	writes = make([]int64, m.NDevs)
	brokenSet := make(map[int]bool, len(broken))
	for _, b := range broken {
		brokenSet[b] = true
	}
	dataCols := m.NDevs - m.NSpares

	for _, row := range m.Rows {
		affectedGroups := make(map[int]bool)
		brokenPos := make(map[int]int) // column -> device
		for col := 0; col < dataCols; col++ {
			dev := row[col]
			if brokenSet[dev] {
				affectedGroups[m.groupOf(col)] = true
				brokenPos[col] = dev
			}
		}
		if len(affectedGroups) == 0 {
			continue
		}

		usedSpare := make(map[int]bool)
		for g := range affectedGroups {
			acc := 0
			for gi := 0; gi < g; gi++ {
				acc += m.GroupSizes[gi]
			}
			sz := m.GroupSizes[g]

			var brokenInGroup []int
			for col := acc; col < acc+sz; col++ {
				if brokenSet[row[col]] {
					brokenInGroup = append(brokenInGroup, col)
					continue
				}
				reads[row[col]]++
			}

			for range brokenInGroup {
				for sp := dataCols; sp < m.NDevs; sp++ {
					dev := row[sp]
					if brokenSet[dev] || usedSpare[sp] {
						continue
					}
					writes[dev]++
					usedSpare[sp] = true
					break
				}
			}
		}
	}
	return reads, writes
}

// score implements eval_decluster: normalized (worst|mean|rms) per-device
// max(reads+writes) across single (and, if pairs is true, double) device
// failures, scaled as (score/nrows)*ngroups.
func score(m *Map, mode EvalMode, pairs bool) float64 {
	var worst float64
	var sum float64
	var sumSq float64
	n := 0

	evalSet := func(broken []int) {
		reads, writes := simulateResilver(m, broken)
		var maxIO int64
		for i := range reads {
			if io := reads[i] + writes[i]; io > maxIO {
				maxIO = io
			}
		}
		v := float64(maxIO)
		if v > worst {
			worst = v
		}
		sum += v
		sumSq += v * v
		n++
	}

	for d := 0; d < m.NDevs; d++ {
		evalSet([]int{d})
	}
	if pairs {
		for d1 := 0; d1 < m.NDevs; d1++ {
			for d2 := d1 + 1; d2 < m.NDevs; d2++ {
				evalSet([]int{d1, d2})
			}
		}
	}

	var raw float64
	switch mode {
	case EvalMean:
		raw = sum / float64(n)
	case EvalRMS:
		raw = math.Sqrt(sumSq / float64(n))
	default:
		raw = worst
	}
	return (raw / float64(m.NRows)) * float64(m.NGroups)
}

const (
	startTemp   = 100.0
	coolRate    = 0.995
	epsilon     = 0.001
	restarts    = 16
)

// anneal runs one simulated-annealing pass starting from map m, mutating
// a clone and accepting/rejecting per spec §4.C step 3.
func anneal(rng *rand.Rand, m *Map) *Map {
	best := m
	bestScore := score(best, EvalWorst, false)
	temp := startTemp
	for temp > epsilon {
		cand := best.clone()
		permuteRange(rng, cand, temp)
		candScore := score(cand, EvalWorst, false)
		delta := candScore - bestScore
		if delta < 0 || math.Exp(-10000*delta/temp) > rng.Float64() {
			best = cand
			bestScore = candScore
		}
		temp *= coolRate
	}
	return best
}

// Generate runs `restarts` seeded annealing passes and keeps the best
// map across restarts (spec §4.C steps 4-5). If cfg.Seed is zero a seed
// is derived from seedSource (normally ReadSystemSeed, see seed.go).
func Generate(cfg Config, seedSource func() (int64, error)) (*Map, error) {
	best := (*Map)(nil)
	bestScore := math.Inf(1)

	for i := 0; i < restarts; i++ {
		seed := cfg.Seed
		if seed == 0 {
			s, err := seedSource()
			if err != nil {
				return nil, err
			}
			seed = s
		} else {
			seed += int64(i) // distinct per restart while staying derivable from a pinned seed
		}
		rng := rand.New(rand.NewSource(seed))
		m := newMap(cfg, seed)
		m = anneal(rng, m)
		s := score(m, EvalWorst, false)
		if s < bestScore {
			bestScore = s
			best = m
		}
	}
	return best, nil
}

// Score exposes the worst-case imbalance score for a finished map, used
// by tests and the CLI's warning thresholds (spec §4.C "Output").
func Score(m *Map) float64 { return score(m, EvalWorst, false) }
