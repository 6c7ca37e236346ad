package sstream_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/zfscore/spa/sstream"
)

func TestSstream(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "sstream suite")
}

var _ = Describe("stream framing", func() {
	It("round-trips begin/object/write/end records with a verified checksum", func() {
		w := sstream.NewWriter()
		w.PutRecord(sstream.TypeBegin, [16]byte{}, []byte("pool-name"))
		w.PutRecord(sstream.TypeObject, [16]byte{}, []byte{1, 2, 3, 4, 5})
		w.PutRecord(sstream.TypeWrite, [16]byte{}, []byte("some object bytes, not block aligned"))
		buf := w.Close()

		r := sstream.NewReader(buf)
		var types []sstream.RecordType
		var sawEnd bool
		for {
			h, _, ok, err := r.Next()
			Expect(err).NotTo(HaveOccurred())
			if !ok {
				break
			}
			types = append(types, h.Type)
			if h.Type == sstream.TypeEnd {
				sawEnd = true
			}
		}
		Expect(sawEnd).To(BeTrue())
		Expect(types).To(Equal([]sstream.RecordType{
			sstream.TypeBegin, sstream.TypeObject, sstream.TypeWrite, sstream.TypeEnd,
		}))
	})

	It("detects a corrupted payload via the end-record checksum", func() {
		w := sstream.NewWriter()
		w.PutRecord(sstream.TypeObject, [16]byte{}, []byte{9, 9, 9, 9})
		buf := w.Close()
		buf[sstream.HeaderSize] ^= 0xff // corrupt the object record's payload

		r := sstream.NewReader(buf)
		var lastErr error
		for {
			_, _, ok, err := r.Next()
			if err != nil {
				lastErr = err
			}
			if !ok {
				break
			}
		}
		Expect(lastErr).To(HaveOccurred())
	})
})
