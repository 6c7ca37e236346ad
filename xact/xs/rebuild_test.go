package xs_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/zfscore/spa/cmn"
	"github.com/zfscore/spa/metaslab"
	"github.com/zfscore/spa/poolmeta"
	"github.com/zfscore/spa/spacemap"
	"github.com/zfscore/spa/txg"
	"github.com/zfscore/spa/vdev"
	"github.com/zfscore/spa/xact/xs"
)

func TestXactXs(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "xact/xs suite")
}

// emptyOps is an ObjectOps with no backing blocks: every object loads as
// empty, which is enough to exercise the rebuild controller's metaslab
// walk and cursor bookkeeping without real allocated extents.
type emptyOps struct{}

func (emptyOps) ReadBlock(spacemap.ObjectID, int) ([]byte, error)     { return nil, io.EOF }
func (emptyOps) AppendBlock(spacemap.ObjectID, []byte) (uint64, error) { return 0, nil }
func (emptyOps) Truncate(spacemap.ObjectID) error                     { return nil }

type noopTarget struct{}

func (noopTarget) Reconstruct(context.Context, uint64, uint64) error { return nil }
func (noopTarget) CriticallyDegraded() bool                          { return true } // skip the delay throttle in tests

func newMetaslabs(n int) []*metaslab.Metaslab {
	out := make([]*metaslab.Metaslab, n)
	for i := range out {
		out[i] = metaslab.New(uint64(i), uint64(i)<<20, 1<<20, 9, spacemap.ObjectID(i+1))
	}
	return out
}

func fastConfig() *cmn.Config {
	c := cmn.DefaultConfig()
	c.TXG.SyncTimeout = 30 * time.Millisecond
	c.TXG.Size = 4
	return c
}

// openTxg drives one holder through the full open->quiesce->sync path and
// returns its txg id once WaitSynced on it would return promptly.
func openTxg(e *txg.Engine) txg.Id {
	id, h := e.HoldOpen()
	e.ReleToQuiesce(h)
	e.ReleToSync(h)
	return id
}

var _ = Describe("XactRebuild", func() {
	var (
		dir    *poolmeta.Dir
		vd     *vdev.Node
		tree   *vdev.Tree
		engine *txg.Engine
		once   sync.Once
	)

	BeforeEach(func() {
		var err error
		dir, err = poolmeta.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())

		tree = vdev.NewTree()
		id := tree.AddNode(0, false, vdev.KindMirror)
		vd = tree.Node(id)

		engine = txg.New(fastConfig(), func(txg.Id) error { return nil }, 2)
		engine.Start()
		once = sync.Once{}
	})

	AfterEach(func() {
		once.Do(func() { engine.Shutdown() })
		Expect(dir.Close()).To(Succeed())
	})

	waitFinished := func(r *xs.XactRebuild) {
		Eventually(func() bool { return r.IsFinished() }, 2*time.Second, 5*time.Millisecond).Should(BeTrue())
	}

	It("resumes at the persisted cursor+1 and never re-touches earlier metaslabs (scenario 6)", func() {
		mss := newMetaslabs(16)
		r := xs.New(vd, mss, emptyOps{}, noopTarget{}, dir, engine)
		Expect(r.Start(0, openTxg(engine))).To(Succeed())
		waitFinished(r)
		Expect(r.SyncedMS()).To(BeEquivalentTo(15))

		// simulate a mid-rebuild export: persist a cursor as if only
		// metaslabs 0-3 completed, then build a fresh controller that
		// restarts from it.
		Expect(dir.PutRebuildCursor(&poolmeta.RebuildCursor{MS: 3})).To(Succeed())
		startMS, ok, err := xs.Restart(dir, 16, true, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(startMS).To(BeEquivalentTo(4))

		mss2 := newMetaslabs(16)
		r2 := xs.New(vd, mss2, emptyOps{}, noopTarget{}, dir, engine)
		Expect(r2.Start(startMS, openTxg(engine))).To(Succeed())
		waitFinished(r2)
		Expect(r2.SyncedMS()).To(BeEquivalentTo(15))
	})

	It("keeps the synced cursor monotonically non-decreasing as metaslabs complete", func() {
		mss := newMetaslabs(8)
		r := xs.New(vd, mss, emptyOps{}, noopTarget{}, dir, engine)
		Expect(r.Start(0, openTxg(engine))).To(Succeed())

		last := uint64(0)
		for i := 0; i < 50 && !r.IsFinished(); i++ {
			cur := r.SyncedMS()
			Expect(cur >= last || cur == 0).To(BeTrue())
			last = cur
			time.Sleep(time.Millisecond)
		}
		waitFinished(r)
		Expect(r.SyncedMS()).To(BeEquivalentTo(7))
	})

	It("reports no restart when the completed cursor already covers the last metaslab", func() {
		Expect(dir.PutRebuildCursor(&poolmeta.RebuildCursor{MS: 15})).To(Succeed())
		_, ok, err := xs.Restart(dir, 16, true, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
})
