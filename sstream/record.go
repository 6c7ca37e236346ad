// Package sstream implements the send-stream record framing of spec §6
// (framing only, not the dataset-level stream semantics, which are
// explicitly out of scope per spec §1 Non-goals): a fixed-size
// replay_record header, a type-specific payload, and an incremental
// Fletcher-4 checksum an `end` record closes out.
package sstream

import (
	"github.com/pkg/errors"

	"github.com/zfscore/spa/cmn"
)

// RecordType enumerates replay_record's type tag.
type RecordType uint32

const (
	TypeBegin RecordType = iota
	TypeEnd
	TypeObject
	TypeFreeObjects
	TypeWrite
	TypeWriteByRef
	TypeFree
	TypeSpill
	TypeWriteEmbedded
	NumTypes
)

const magicWord uint64 = 0x2f5bacbac

// HeaderSize is the fixed size of a replay_record header: magic(8) +
// type(4) + payload length(4) + 16 reserved bytes for type-specific
// fixed fields callers overlay (object id, offset, length, ...).
const HeaderSize = 8 + 4 + 4 + 16

// Header is the fixed-size record header. Every field is host-endian at
// emit time; byteswap is signaled by the first record's magic word not
// matching (spec §6).
type Header struct {
	Magic      uint64
	Type       RecordType
	PayloadLen uint32
	Fixed      [16]byte // type-specific fixed fields (object id, offset, length, ...)
}

func (h *Header) encode() []byte {
	b := make([]byte, HeaderSize)
	cmn.PutUint64LE(b[0:8], h.Magic)
	putU32LE(b[8:12], uint32(h.Type))
	putU32LE(b[12:16], h.PayloadLen)
	copy(b[16:], h.Fixed[:])
	return b
}

func decodeHeader(b []byte, swap bool) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.New("sstream: short header")
	}
	var h Header
	h.Magic = cmn.GetUint64LE(b[0:8])
	typ := getU32LE(b[8:12])
	plen := getU32LE(b[12:16])
	if swap {
		h.Magic = cmn.SwapUint64(h.Magic)
		typ = swap32(typ)
		plen = swap32(plen)
	}
	h.Type = RecordType(typ)
	h.PayloadLen = plen
	copy(h.Fixed[:], b[16:HeaderSize])
	return h, nil
}

func putU32LE(b []byte, v uint32) {
	_ = b[3]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32LE(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func swap32(v uint32) uint32 {
	return v>>24 | (v>>8)&0xff00 | (v<<8)&0xff0000 | v<<24
}

// Checksum is the running Fletcher-4 accumulator carried across an
// entire stream; an `end` record's payload holds the expected final
// value of everything preceding it.
type Checksum struct {
	a, b, c, d uint64
}

func (ck *Checksum) Update(words []uint64) {
	for _, w := range words {
		ck.a += w
		ck.b += ck.a
		ck.c += ck.b
		ck.d += ck.c
	}
}

func (ck Checksum) Equal(other Checksum) bool {
	return ck.a == other.a && ck.b == other.b && ck.c == other.c && ck.d == other.d
}

// Writer emits a framed stream of records, tracking the running
// checksum so Close can stamp an `end` record.
type Writer struct {
	out []byte
	ck  Checksum
}

func NewWriter() *Writer { return &Writer{} }

// PutRecord appends one record's header + payload and folds it into the
// running checksum.
func (w *Writer) PutRecord(typ RecordType, fixed [16]byte, payload []byte) {
	h := Header{Magic: magicWord, Type: typ, PayloadLen: uint32(len(payload)), Fixed: fixed}
	hb := h.encode()
	w.out = append(w.out, hb...)
	w.out = append(w.out, payload...)
	w.ck.Update(wordsOf(hb))
	w.ck.Update(wordsOf(payload))
}

// Close appends the terminating `end` record carrying the checksum of
// everything preceding it, and returns the full stream.
func (w *Writer) Close() []byte {
	ckBytes := make([]byte, 32)
	cmn.PutUint64LE(ckBytes[0:8], w.ck.a)
	cmn.PutUint64LE(ckBytes[8:16], w.ck.b)
	cmn.PutUint64LE(ckBytes[16:24], w.ck.c)
	cmn.PutUint64LE(ckBytes[24:32], w.ck.d)
	w.PutRecord(TypeEnd, [16]byte{}, ckBytes)
	return w.out
}

func wordsOf(b []byte) []uint64 {
	n := len(b) / 8
	out := make([]uint64, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, cmn.GetUint64LE(b[i*8:i*8+8]))
	}
	if rem := len(b) % 8; rem != 0 {
		var last [8]byte
		copy(last[:], b[n*8:])
		out = append(out, cmn.GetUint64LE(last[:]))
	}
	return out
}

// Reader walks a framed stream, swapping 32/64-bit integer fields once
// the first record's magic word signals the opposite endianness.
type Reader struct {
	buf  []byte
	pos  int
	swap bool
	init bool
	ck   Checksum // running checksum of every record consumed so far, excluding `end` itself
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Next returns the next record's header and payload, or (zero, nil,
// false, nil) at end of stream. An `end` record's payload is verified
// against the running checksum of every record that preceded it.
func (r *Reader) Next() (Header, []byte, bool, error) {
	if r.pos >= len(r.buf) {
		return Header{}, nil, false, nil
	}
	if !r.init {
		r.init = true
		peek := cmn.GetUint64LE(r.buf[r.pos : r.pos+8])
		r.swap = peek != magicWord
	}
	h, err := decodeHeader(r.buf[r.pos:], r.swap)
	if err != nil {
		return Header{}, nil, false, err
	}
	if h.Magic != magicWord {
		return Header{}, nil, false, errors.New("sstream: bad magic word after byteswap correction")
	}
	start := r.pos + HeaderSize
	end := start + int(h.PayloadLen)
	if end > len(r.buf) {
		return Header{}, nil, false, errors.New("sstream: payload exceeds buffer")
	}
	payload := r.buf[start:end]
	r.pos = end

	if h.Type == TypeEnd {
		if len(payload) < 32 {
			return h, payload, true, errors.New("sstream: end record payload too short")
		}
		var want Checksum
		want.a = cmn.GetUint64LE(payload[0:8])
		want.b = cmn.GetUint64LE(payload[8:16])
		want.c = cmn.GetUint64LE(payload[16:24])
		want.d = cmn.GetUint64LE(payload[24:32])
		if !r.ck.Equal(want) {
			return h, payload, true, errors.New("sstream: stream checksum mismatch")
		}
		return h, payload, true, nil
	}

	r.ck.Update(wordsOf(r.buf[r.pos-HeaderSize-len(payload) : r.pos]))
	return h, payload, true, nil
}
