//go:build !linux

package vdev

import "os"

const pageSize = 4096

func isPageAligned(p []byte) bool { return false } // bounce copy everywhere off Linux

func fdatasync(f *os.File) error { return f.Sync() }

func fallocPunchHole(f *os.File, off, size int64) error {
	return &TransportError{Result: ResultNotSupported}
}
