package draid_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/zfscore/spa/draid"
)

func TestDraid(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "draid suite")
}

var _ = Describe("permutation map", func() {
	It("produces a valid map even in the degenerate one-data-device case (nspares = ndevs-1)", func() {
		cfg := draid.Config{NDevs: 4, NGroups: 1, NSpares: 3, Seed: 42}
		m, err := draid.Generate(cfg, draid.ReadSystemSeed)
		Expect(err).NotTo(HaveOccurred())
		Expect(draid.Validate(m)).To(Succeed())
	})

	It("generates a map whose optimized score is no worse than the unoptimized identity-derived map", func() {
		cfg := draid.Config{NDevs: 6, NGroups: 2, NSpares: 1, Seed: 7}
		m, err := draid.Generate(cfg, draid.ReadSystemSeed)
		Expect(err).NotTo(HaveOccurred())
		Expect(draid.Validate(m)).To(Succeed())

		optimized := draid.Score(m)

		unopt := &draid.Map{NDevs: m.NDevs, NGroups: m.NGroups, GroupSizes: m.GroupSizes, NSpares: m.NSpares, NRows: m.NRows}
		unopt.Rows = make([][]int, m.NRows)
		for r := range unopt.Rows {
			row := make([]int, m.NDevs)
			for i := range row {
				row[i] = i
			}
			unopt.Rows[r] = row
		}
		baseline := draid.Score(unopt)

		Expect(optimized).To(BeNumerically("<=", baseline+1e-9))
	})

	It("keeps row 0 as the identity permutation and every other row a valid permutation", func() {
		cfg := draid.Config{NDevs: 8, NGroups: 2, NSpares: 2, Seed: 99}
		m, err := draid.Generate(cfg, draid.ReadSystemSeed)
		Expect(err).NotTo(HaveOccurred())
		for i, dev := range m.Rows[0] {
			Expect(dev).To(Equal(i))
		}
		Expect(draid.Validate(m)).To(Succeed())
	})
})
