package vdev

import (
	"github.com/klauspost/reedsolomon"

	"github.com/zfscore/spa/cmn/debug"
)

// draidColumns resolves which physical children participate in z's I/O
// against a KindDRaid node: the row is chosen by logical offset mod nrows
// (spec §4.C "Output" — "Row selection at runtime is by
// (logical_offset_block mod nrows)"), the group by z.Group, and the
// permutation table then maps that (row, group) to physical device
// indices, which are also Children indices since Children is built in
// physical device order.
func draidColumns(n *Node, z *Zio) []Id {
	m := n.DraidMap
	debug.Assert(m != nil, "draidColumns: no permutation map on draid node")
	unit := n.StripeUnit
	if unit == 0 {
		unit = 1 << 20
	}
	row := int((z.Offset / unit) % uint64(len(m.Rows)))
	cols := m.ColumnsForGroup(row, z.Group)
	ids := make([]Id, len(cols))
	for i, dev := range cols {
		ids[i] = n.Children[dev]
	}
	return ids
}

// ParentOps is the capability table spec §9 describes for non-leaf kinds:
// matched once at pipeline entry, never dispatched through a vtable per
// call.
type ParentOps struct {
	tree *Tree
}

func NewParentOps(t *Tree) *ParentOps { return &ParentOps{tree: t} }

// IoStart routes a zio addressed to a mirror/raidz/draid node to its
// children, applying the redundancy scheme's read/write fan-out. Offset
// here is already the parent-relative logical offset; child striping is
// the concern of Encoder below for raidz/draid.
func (p *ParentOps) IoStart(n *Node, z *Zio) Disposition {
	switch n.Kind {
	case KindMirror:
		return p.ioMirror(n, z)
	case KindRaidZ, KindDRaid:
		return p.ioParity(n, z)
	default:
		debug.Assert(false, "IoStart: not a parent kind", n.Kind)
		return Continue
	}
}

// ioMirror writes to every child, reads from the first healthy one.
func (p *ParentOps) ioMirror(n *Node, z *Zio) Disposition {
	if z.Type == TypeWrite {
		var lastErr error
		var lastRes Result
		ok := false
		for _, cid := range n.Children {
			c := p.tree.Node(cid)
			if c == nil || c.Leaf == nil {
				continue
			}
			cz := *z
			cz.Done = make(chan struct{})
			c.Leaf.IoStart(&cz)
			<-cz.Done
			if cz.Result == ResultOK {
				ok = true
			} else {
				lastErr, lastRes = cz.Err, cz.Result
			}
		}
		if ok {
			z.complete(ResultOK, 0, nil)
		} else {
			z.complete(lastRes, 0, lastErr)
		}
		return Continue
	}
	for _, cid := range n.Children {
		c := p.tree.Node(cid)
		if c == nil || c.Leaf == nil || c.Leaf.State() != StateHealthy {
			continue
		}
		cz := *z
		cz.Done = make(chan struct{})
		c.Leaf.IoStart(&cz)
		<-cz.Done
		z.complete(cz.Result, cz.Residual, cz.Err)
		return Continue
	}
	z.complete(ResultTransportDown, 0, nil)
	return Continue
}

// Encoder wraps klauspost/reedsolomon for raidz{2,3} and dRAID parity:
// dataShards data columns, parityShards P/Q(/R) columns, systematic so
// the data shards are the plaintext columns verbatim.
type Encoder struct {
	enc  reedsolomon.Encoder
	data int
	par  int
}

func NewEncoder(dataShards, parityShards int) (*Encoder, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Encoder{enc: enc, data: dataShards, par: parityShards}, nil
}

// EncodeParity computes parity shards in place for a row of equally
// sized data+parity shards (shards[:dataShards] filled in by the
// caller, shards[dataShards:] are computed).
func (e *Encoder) EncodeParity(shards [][]byte) error {
	return e.enc.Encode(shards)
}

// Reconstruct fills in any nil shards given enough surviving ones,
// the read-side of rebuild's "read all non-broken drives of the group"
// step (spec §4.F.4).
func (e *Encoder) Reconstruct(shards [][]byte) error {
	return e.enc.Reconstruct(shards)
}

// ioParity performs a row read/reconstruct or a row write/encode across a
// raidz/draid node's data+parity columns, given a parity width derived
// from n.Parity. For raidz the column list is simply n.Children, static
// across every I/O; for draid it is draidColumns(n, z) — the row/group
// permuted subset of n.Children the spec's permutation table selects for
// this particular offset (spec §4.C "Output").
func (p *ParentOps) ioParity(n *Node, z *Zio) Disposition {
	cols := n.Children
	if n.Kind == KindDRaid {
		cols = draidColumns(n, z)
	}
	ndata := len(cols) - n.Parity
	debug.Assert(ndata > 0, "ioParity: no data columns")
	enc, err := NewEncoder(ndata, n.Parity)
	if err != nil {
		z.complete(ResultIO, 0, err)
		return Continue
	}

	shardSize := int(z.Size) / ndata
	shards := make([][]byte, len(cols))

	if z.Type == TypeWrite {
		for i := 0; i < ndata; i++ {
			lo, hi := i*shardSize, (i+1)*shardSize
			shards[i] = z.Data[lo:hi]
		}
		for i := ndata; i < len(shards); i++ {
			shards[i] = make([]byte, shardSize)
		}
		if err := enc.EncodeParity(shards); err != nil {
			z.complete(ResultIO, 0, err)
			return Continue
		}
		return p.writeShards(cols, z, shards, shardSize)
	}

	missing := 0
	for i, cid := range cols {
		c := p.tree.Node(cid)
		if c == nil || c.Leaf == nil || c.Leaf.State() == StateFaulted || c.Leaf.State() == StateRemoved {
			shards[i] = nil
			missing++
			continue
		}
		buf := make([]byte, shardSize)
		cz := NewZio(TypeRead, cid, z.Offset+uint64(i*shardSize), uint64(shardSize), buf, z.Flags)
		c.Leaf.IoStart(cz)
		<-cz.Done
		if cz.Result != ResultOK {
			shards[i] = nil
			missing++
			continue
		}
		shards[i] = buf
	}
	if missing > n.Parity {
		z.complete(ResultMediumError, 0, nil)
		return Continue
	}
	if missing > 0 {
		if err := enc.Reconstruct(shards); err != nil {
			z.complete(ResultMediumError, 0, err)
			return Continue
		}
	}
	out := z.Data[:0]
	for i := 0; i < ndata; i++ {
		out = append(out, shards[i]...)
	}
	copy(z.Data, out)
	z.complete(ResultOK, 0, nil)
	return Continue
}

func (p *ParentOps) writeShards(cols []Id, z *Zio, shards [][]byte, shardSize int) Disposition {
	var lastErr error
	var lastRes Result = ResultOK
	for i, cid := range cols {
		c := p.tree.Node(cid)
		if c == nil || c.Leaf == nil {
			continue
		}
		cz := NewZio(TypeWrite, cid, z.Offset+uint64(i*shardSize), uint64(shardSize), shards[i], z.Flags)
		c.Leaf.IoStart(cz)
		<-cz.Done
		if cz.Result != ResultOK {
			lastErr, lastRes = cz.Err, cz.Result
		}
	}
	z.complete(lastRes, 0, lastErr)
	return Continue
}
