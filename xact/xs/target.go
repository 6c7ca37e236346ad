package xs

import (
	"context"

	"github.com/zfscore/spa/draid"
	"github.com/zfscore/spa/vdev"
)

// MirrorTarget implements Target against a real mirror vdev.Node: spec
// §4.F.4 "for a mirror parent, issue a synthetic read/repair I/O covering
// the full extent" — read through the mirror's parent ops (which already
// fans out to the first healthy leg, vdev/parent.go's ioMirror), then
// write the reconstructed extent directly to the replacement leaf.
type MirrorTarget struct {
	Tree       *vdev.Tree
	Ops        *vdev.ParentOps
	MirrorNode vdev.Id
	TargetLeaf vdev.Id
	Degraded   func() bool
}

func (t *MirrorTarget) Reconstruct(ctx context.Context, offset, size uint64) error {
	mn := t.Tree.Node(t.MirrorNode)
	buf := make([]byte, size)
	rz := vdev.NewZio(vdev.TypeRead, t.MirrorNode, offset, size, buf, vdev.FlagResilver)
	t.Ops.IoStart(mn, rz)
	<-rz.Done
	if rz.Result != vdev.ResultOK {
		return rz.Err
	}

	leaf := t.Tree.Node(t.TargetLeaf)
	wz := vdev.NewZio(vdev.TypeWrite, t.TargetLeaf, offset, size, buf, vdev.FlagResilver)
	leaf.Leaf.IoStart(wz)
	<-wz.Done
	if wz.Result != vdev.ResultOK {
		return wz.Err
	}
	return nil
}

// CriticallyDegraded reports whether the mirror has no further redundancy
// (spec §4.F.5: "unless the vdev is critically degraded... in which case
// run at full speed"). The caller supplies the policy (e.g. "fewer than
// two healthy legs remain") since counting healthy legs is a tree-shape
// question the controller doesn't otherwise need to know.
func (t *MirrorTarget) CriticallyDegraded() bool {
	if t.Degraded == nil {
		return false
	}
	return t.Degraded()
}

// DraidTarget implements Target against a dRAID parent vdev.Node,
// restricting reconstruction to the redundancy groups that actually touch
// the failed device and skipping the rest (spec §4.F.4 "for a dRAID
// parent, restrict the work to the redundancy group boundary derived from
// the extent's offset, and skip groups that are not actually degraded
// with respect to the failed leaf").
type DraidTarget struct {
	Tree         *vdev.Tree
	Ops          *vdev.ParentOps
	DraidNode    vdev.Id
	FailedDevice int // physical device index (column value) being rebuilt
	Degraded     func() bool
}

func (t *DraidTarget) Reconstruct(ctx context.Context, offset, size uint64) error {
	n := t.Tree.Node(t.DraidNode)
	m := n.DraidMap
	unit := n.StripeUnit
	if unit == 0 {
		unit = 1 << 20
	}
	row := int((offset / unit) % uint64(len(m.Rows)))

	for g := 0; g < m.NGroups; g++ {
		if !t.groupDegraded(m, row, g) {
			continue
		}
		buf := make([]byte, size)
		rz := vdev.NewZio(vdev.TypeRead, t.DraidNode, offset, size, buf, vdev.FlagResilver)
		rz.Group = g
		t.Ops.IoStart(n, rz)
		<-rz.Done
		if rz.Result != vdev.ResultOK {
			return rz.Err
		}

		wz := vdev.NewZio(vdev.TypeWrite, t.DraidNode, offset, size, buf, vdev.FlagResilver)
		wz.Group = g
		t.Ops.IoStart(n, wz)
		<-wz.Done
		if wz.Result != vdev.ResultOK {
			return wz.Err
		}
	}
	return nil
}

// groupDegraded reports whether group g in row row actually contains the
// failed device's column, the "redundancy group boundary" check spec
// §4.F.4 names.
func (t *DraidTarget) groupDegraded(m *draid.Map, row, g int) bool {
	for _, dev := range m.ColumnsForGroup(row, g) {
		if dev == t.FailedDevice {
			return true
		}
	}
	return false
}

func (t *DraidTarget) CriticallyDegraded() bool {
	if t.Degraded == nil {
		return false
	}
	return t.Degraded()
}
