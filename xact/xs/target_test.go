package xs_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/zfscore/spa/draid"
	"github.com/zfscore/spa/vdev"
	"github.com/zfscore/spa/xact/xs"
)

// memTransport is a minimal in-memory vdev.Transport, enough to drive
// MirrorTarget/DraidTarget through real read/write zios.
type memTransport struct{ buf []byte }

func (m *memTransport) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.buf[off:]), nil }
func (m *memTransport) WriteAt(p []byte, off int64) (int, error) { return copy(m.buf[off:], p), nil }
func (m *memTransport) Flush() error                             { return nil }
func (m *memTransport) Trim(off, size int64, secure bool) error  { return nil }
func (m *memTransport) Gone() bool                               { return false }
func (m *memTransport) DiscardCapable() bool                     { return false }
func (m *memTransport) HasWriteCache() bool                      { return false }
func (m *memTransport) PageAligned([]byte) bool                  { return false }

func newLeafNode(t *vdev.Tree, parent vdev.Id, bufSize int, payload string) vdev.Id {
	id := t.AddNode(parent, true, vdev.KindLeaf)
	n := t.Node(id)
	buf := make([]byte, bufSize)
	copy(buf, payload)
	n.Leaf = vdev.NewLeaf("/mem", 9, uint64(bufSize), &memTransport{buf: buf})
	Expect(n.Leaf.Open()).To(Succeed())
	return id
}

var _ = Describe("MirrorTarget", func() {
	It("reads the surviving leg and writes the reconstructed extent to the replacement leaf", func() {
		tree := vdev.NewTree()
		mirrorID := tree.AddNode(0, false, vdev.KindMirror)
		newLeafNode(tree, mirrorID, 4096, "surviving-data")
		replLeaf := newLeafNode(tree, mirrorID, 4096, "")

		target := &xs.MirrorTarget{
			Tree:       tree,
			Ops:        vdev.NewParentOps(tree),
			MirrorNode: mirrorID,
			TargetLeaf: replLeaf,
		}
		Expect(target.CriticallyDegraded()).To(BeFalse())
		Expect(target.Reconstruct(context.Background(), 0, 4096)).To(Succeed())

		out := make([]byte, len("surviving-data"))
		rz := vdev.NewZio(vdev.TypeRead, replLeaf, 0, uint64(len(out)), out, 0)
		tree.Node(replLeaf).Leaf.IoStart(rz)
		<-rz.Done
		Expect(rz.Result).To(Equal(vdev.ResultOK))
		Expect(string(out)).To(Equal("surviving-data"))
	})
})

var _ = Describe("DraidTarget", func() {
	// A single-group, 6-device, 1-parity, 1-spare map: every data/parity
	// device belongs to the one group, so group-degraded is trivially
	// true whenever the failed device isn't a spare column.
	newSingleGroupMap := func() *draid.Map {
		m, err := draid.Generate(draid.Config{NDevs: 6, NGroups: 1, NSpares: 1, Seed: 11}, draid.ReadSystemSeed)
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	It("skips reconstruction entirely when the failed device is a spare column, not a data/parity column", func() {
		m := newSingleGroupMap()
		tree := vdev.NewTree()
		draidID := tree.AddNode(0, false, vdev.KindDRaid)
		dn := tree.Node(draidID)
		dn.Parity, dn.NGroups, dn.DraidMap, dn.StripeUnit = 1, m.NGroups, m, 4096
		for i := 0; i < m.NDevs; i++ {
			newLeafNode(tree, draidID, 8192, "")
		}

		spareDevice := m.SpareDevices(0)[0]
		target := &xs.DraidTarget{Tree: tree, Ops: vdev.NewParentOps(tree), DraidNode: draidID, FailedDevice: spareDevice}
		Expect(target.Reconstruct(context.Background(), 0, 4096)).To(Succeed())
	})

	It("reconstructs the one group covering a failed data/parity device", func() {
		m := newSingleGroupMap()
		tree := vdev.NewTree()
		draidID := tree.AddNode(0, false, vdev.KindDRaid)
		dn := tree.Node(draidID)
		dn.Parity, dn.NGroups, dn.DraidMap, dn.StripeUnit = 1, m.NGroups, m, 4096
		for i := 0; i < m.NDevs; i++ {
			newLeafNode(tree, draidID, 8192, "")
		}

		failedDevice := m.Rows[0][0] // row 0 is identity: device 0, a data column
		target := &xs.DraidTarget{Tree: tree, Ops: vdev.NewParentOps(tree), DraidNode: draidID, FailedDevice: failedDevice}
		Expect(target.CriticallyDegraded()).To(BeFalse())
		Expect(target.Reconstruct(context.Background(), 0, 4096)).To(Succeed())
	})
})
