//go:build linux

package vdev

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// isPageAligned backs the page-aligned-vs-bounce-copy decision of spec
// §4.B (direct I/O when the source buffer is page-aligned and whole
// pages).
func isPageAligned(p []byte) bool {
	if len(p) == 0 || len(p)%pageSize != 0 {
		return false
	}
	addr := uintptr(unsafe.Pointer(&p[0]))
	return addr%pageSize == 0
}

func fdatasync(f *os.File) error {
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return &TransportError{Result: ResultNotSupported, Cause: err}
	}
	return nil
}

// fallocPunchHole issues a discard via FALLOC_FL_PUNCH_HOLE, the Linux
// equivalent of the spec's "plain discard" trim path.
func fallocPunchHole(f *os.File, off, size int64) error {
	const mode = unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE
	if err := unix.Fallocate(int(f.Fd()), mode, off, size); err != nil {
		return &TransportError{Result: ResultNotSupported, Cause: err}
	}
	return nil
}

// adviseDontNeed releases the page-cache copy of a range after a direct
// write, letting ARC (out of this core's scope) own caching decisions
// exclusively.
func adviseDontNeed(f *os.File, off, size int64) error {
	return unix.Fadvise(int(f.Fd()), off, size, unix.FADV_DONTNEED)
}
