package spacemap_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/zfscore/spa/cmn/debug"
	"github.com/zfscore/spa/spacemap"
)

var _ = Describe("Tree", func() {
	var t *spacemap.Tree

	BeforeEach(func() {
		t = spacemap.NewTree(0, 1<<20, 9)
	})

	Describe("add", func() {
		It("coalesces adjoining segments from both sides", func() {
			Expect(t.Add(512, 1024, debug.Permissive)).To(Succeed()) // [512, 1536)
			Expect(t.Add(2048, 512, debug.Permissive)).To(Succeed()) // [2048, 2560)
			Expect(t.Add(1536, 512, debug.Permissive)).To(Succeed()) // bridges the two

			Expect(t.Space()).To(BeEquivalentTo(2560 - 512))
			Expect(t.Count()).To(Equal(1))

			var got []spacemap.Segment
			t.Walk(func(s spacemap.Segment) bool {
				got = append(got, s)
				return true
			})
			Expect(got).To(Equal([]spacemap.Segment{{Start: 512, End: 2560}}))
		})

		It("allows add at both edges of the managed region", func() {
			Expect(t.Add(0, 512, debug.Permissive)).To(Succeed())
			Expect(t.Add((1<<20)-512, 512, debug.Permissive)).To(Succeed())
			Expect(t.Count()).To(Equal(2))
		})

		It("routes an overlapping add through panic-recover instead of corrupting state", func() {
			Expect(t.Add(0, 1024, debug.Permissive)).To(Succeed())
			err := t.Add(512, 1024, debug.Permissive)
			Expect(err).To(HaveOccurred())
			// space is unaffected by the rejected add
			Expect(t.Space()).To(BeEquivalentTo(1024))
		})
	})

	Describe("remove", func() {
		BeforeEach(func() {
			Expect(t.Add(1000, 1000, debug.Permissive)).To(Succeed()) // [1000,2000)
		})

		It("removes the entire segment", func() {
			Expect(t.Remove(1000, 1000)).To(Succeed())
			Expect(t.Space()).To(BeZero())
			Expect(t.Count()).To(Equal(0))
		})

		It("removes a left edge, leaving the right remainder", func() {
			Expect(t.Remove(1000, 200)).To(Succeed())
			Expect(t.Contains(1200, 800)).To(BeTrue())
			Expect(t.Contains(1000, 200)).To(BeFalse())
		})

		It("removes a right edge, leaving the left remainder", func() {
			Expect(t.Remove(1800, 200)).To(Succeed())
			Expect(t.Contains(1000, 800)).To(BeTrue())
		})

		It("splits the segment on an interior remove", func() {
			Expect(t.Remove(1400, 200)).To(Succeed())
			Expect(t.Count()).To(Equal(2))
			Expect(t.Contains(1000, 400)).To(BeTrue())
			Expect(t.Contains(1600, 400)).To(BeTrue())
			Expect(t.Contains(1400, 200)).To(BeFalse())
		})

		It("rejects removal not fully contained in one segment", func() {
			Expect(t.Remove(1500, 1000)).To(HaveOccurred())
		})
	})

	Describe("vacate", func() {
		It("empties the tree and optionally forwards to another", func() {
			Expect(t.Add(0, 100, debug.Permissive)).To(Succeed())
			dest := spacemap.NewTree(0, 1<<20, 9)
			Expect(t.Vacate(dest, debug.Permissive)).To(Succeed())
			Expect(t.Space()).To(BeZero())
			Expect(dest.Space()).To(BeEquivalentTo(100))
		})
	})
})
