package spacemap_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestSpacemap(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "spacemap suite")
}
