package draid

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ReadSystemSeed reads an 8-byte seed from /dev/random, falling back to
// /dev/urandom on short read or error (spec §4.C "Determinism").
func ReadSystemSeed() (int64, error) {
	if seed, err := readSeedFrom("/dev/random"); err == nil {
		return seed, nil
	}
	seed, err := readSeedFrom("/dev/urandom")
	if err != nil {
		return 0, errors.Wrap(err, "draid: no seed source available")
	}
	return seed, nil
}

func readSeedFrom(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var buf [8]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// Validate checks the invariants spec §8 names for a finished map: every
// row is a permutation of 0..ndevs-1, row 0 is the identity, and every
// device appears exactly once per row (the third clause is implied by
// "permutation" but checked explicitly since it is the actual failure
// mode a buggy mutation operator produces).
func Validate(m *Map) error {
	for i, dev := range m.Rows[0] {
		if dev != i {
			return errors.Errorf("draid: row 0 is not identity at column %d (got %d)", i, dev)
		}
	}
	for r, row := range m.Rows {
		seen := make([]bool, m.NDevs)
		for _, dev := range row {
			if dev < 0 || dev >= m.NDevs {
				return errors.Errorf("draid: row %d has out-of-range device %d", r, dev)
			}
			if seen[dev] {
				return errors.Errorf("draid: row %d has duplicate device %d", r, dev)
			}
			seen[dev] = true
		}
	}
	return nil
}
