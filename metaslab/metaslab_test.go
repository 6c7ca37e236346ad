package metaslab_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/zfscore/spa/cmn"
	"github.com/zfscore/spa/cmn/debug"
	"github.com/zfscore/spa/metaslab"
)

func TestMetaslab(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "metaslab suite")
}

var _ = Describe("Metaslab", func() {
	var ms *metaslab.Metaslab

	BeforeEach(func() {
		ms = metaslab.New(0, 0, 1<<16, 9, 1)
		Expect(ms.Free(0, 1<<16, debug.Permissive)).To(Succeed())
	})

	It("allocates then removes the chosen range from the free tree", func() {
		off, err := ms.Alloc(4096)
		Expect(err).NotTo(HaveOccurred())
		Expect(off).To(BeEquivalentTo(0))

		off2, err := ms.Alloc(4096)
		Expect(err).NotTo(HaveOccurred())
		Expect(off2).To(BeEquivalentTo(4096))
	})

	It("fails with ENOSPC-equivalent when no range fits", func() {
		_, err := ms.Alloc(1 << 17)
		Expect(err).To(MatchError(cmn.ErrNoSpace))
	})

	It("claim requires the range to be currently free", func() {
		Expect(ms.Claim(0, 4096)).To(Succeed())
		Expect(ms.Claim(0, 4096)).To(HaveOccurred())
	})

	It("free returns a range and makes it available again", func() {
		off, err := ms.Alloc(4096)
		Expect(err).NotTo(HaveOccurred())
		Expect(ms.Free(off, 4096, debug.Permissive)).To(Succeed())
		Expect(ms.MaxAvailable()).To(BeEquivalentTo(1 << 16))
	})

	It("excludes concurrent rebuild and condense", func() {
		relRebuild := ms.BeginRebuild()
		Expect(ms.IsRebuilding()).To(BeTrue())
		relRebuild()
		Expect(ms.IsRebuilding()).To(BeFalse())

		relCondense := ms.BeginCondense()
		relCondense()
	})
})
