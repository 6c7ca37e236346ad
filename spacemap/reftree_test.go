package spacemap_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/zfscore/spa/cmn/debug"
	"github.com/zfscore/spa/spacemap"
)

var _ = Describe("RefTree", func() {
	It("reconstructs the intersection and union of two maps (scenario 2)", func() {
		m1 := spacemap.NewTree(0, 1000, 0)
		Expect(m1.Add(0, 100, debug.Permissive)).To(Succeed()) // [0,100)
		m2 := spacemap.NewTree(0, 1000, 0)
		Expect(m2.Add(50, 100, debug.Permissive)).To(Succeed()) // [50,150)

		var rt spacemap.RefTree
		rt.AddMap(m1, 1)
		rt.AddMap(m2, 1)

		inter := rt.GenerateMap(2)
		Expect(inter).To(Equal([]spacemap.Segment{{Start: 50, End: 100}}))

		union := rt.GenerateMap(1)
		Expect(union).To(Equal([]spacemap.Segment{{Start: 0, End: 150}}))
	})
})
