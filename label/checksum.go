package label

import "github.com/zfscore/spa/cmn"

// ckBlock is the 64-bit-word checksum trailer appended after an nvlist
// blob: a Fletcher-style running sum over every 64-bit word of the blob,
// with the trailer's own checksum field zeroed during computation and a
// verifier salted by the label's own byte offset (spec §6).
type ckBlock struct {
	Magic uint64 // byteswap-detection magic word
	A, B, C, D uint64
}

const labelMagic = 0x0cb1ba00

// fletcher4 computes the classic four-accumulator running checksum over
// a little-endian-interpreted stream of 64-bit words.
func fletcher4(words []uint64) (a, b, c, d uint64) {
	for _, w := range words {
		a += w
		b += a
		c += b
		d += c
	}
	return
}

func blobWords(blob []byte) []uint64 {
	n := len(blob) / 8
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = cmn.GetUint64LE(blob[i*8 : i*8+8])
	}
	return out
}

// computeChecksum derives the trailer for blob, salting the verifier
// with byteOffset so two labels with byte-identical payloads at
// different offsets never collide (spec §6 "verifier salted by its
// byte-offset").
func computeChecksum(blob []byte, byteOffset uint64) ckBlock {
	words := blobWords(blob)
	a, b, c, d := fletcher4(words)
	a += byteOffset
	return ckBlock{Magic: labelMagic, A: a, B: b, C: c, D: d}
}

func (ck ckBlock) swap() ckBlock {
	return ckBlock{
		Magic: cmn.SwapUint64(ck.Magic),
		A:     cmn.SwapUint64(ck.A),
		B:     cmn.SwapUint64(ck.B),
		C:     cmn.SwapUint64(ck.C),
		D:     cmn.SwapUint64(ck.D),
	}
}

func encodeCkBlock(ck ckBlock) []byte {
	out := make([]byte, 40)
	cmn.PutUint64LE(out[0:8], ck.Magic)
	cmn.PutUint64LE(out[8:16], ck.A)
	cmn.PutUint64LE(out[16:24], ck.B)
	cmn.PutUint64LE(out[24:32], ck.C)
	cmn.PutUint64LE(out[32:40], ck.D)
	return out
}

func decodeCkBlock(b []byte) ckBlock {
	return ckBlock{
		Magic: cmn.GetUint64LE(b[0:8]),
		A:     cmn.GetUint64LE(b[8:16]),
		B:     cmn.GetUint64LE(b[16:24]),
		C:     cmn.GetUint64LE(b[24:32]),
		D:     cmn.GetUint64LE(b[32:40]),
	}
}

// verify detects byteswap via the magic word (spec §6): if the
// straightforward comparison mismatches and the stored trailer's magic
// word is the byte-swapped form of labelMagic, the stored checksum was
// written by an opposite-endian writer -- swap it into this reader's
// native order and compare again, rather than assuming the reader's
// endianness always matches the writer's.
func verify(blob []byte, byteOffset uint64, stored ckBlock) bool {
	want := computeChecksum(blob, byteOffset)
	if stored == want {
		return true
	}
	if stored.Magic != labelMagic && stored.Magic == cmn.SwapUint64(labelMagic) {
		return want == stored.swap()
	}
	return false
}
