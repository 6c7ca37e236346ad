package label

import (
	"github.com/pkg/errors"
)

// NumCopies is the four-per-leaf label count of spec §6.
const NumCopies = 4

// ckOffset is the byte offset of the checksum trailer within one label
// region, immediately following the nvlist blob.
const ckOffset = PhysSize

// LabelSize is the total footprint of one label copy on disk.
const LabelSize = PhysSize + 40 // nvlist blob + ckBlock trailer

// Offset computes vdev_label_offset(size, l, 0): labels 0 and 1 sit near
// the start of the device, labels 2 and 3 near the end, each mirrored at
// its own fixed slot.
func Offset(deviceSize uint64, l int) uint64 {
	switch l {
	case 0, 1:
		return uint64(l) * LabelSize
	default:
		return deviceSize - uint64(NumCopies-l)*LabelSize
	}
}

// LeafIO is the minimal read/write-at-offset contract label needs from a
// leaf's transport, kept narrow so label does not import vdev and create
// a cycle; vdev.Leaf's transport satisfies it directly.
type LeafIO interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Write encodes nv and its checksum trailer into label slot l.
func Write(io LeafIO, deviceSize uint64, l int, nv *NVList) error {
	if err := nv.Validate(); err != nil {
		return errors.Wrap(err, "label: refuse to write invalid nvlist")
	}
	blob, err := encode(nv)
	if err != nil {
		return err
	}
	off := Offset(deviceSize, l)
	ck := computeChecksum(blob, off)

	buf := append(blob, encodeCkBlock(ck)...)
	if _, err := io.WriteAt(buf, int64(off)); err != nil {
		return errors.Wrapf(err, "label: write slot %d", l)
	}
	return nil
}

// ErrChecksum distinguishes a verification failure from a decode error,
// so Repair knows which slots are merely unreadable versus corrupt.
var ErrChecksum = errors.New("label: checksum verification failed")

// Read loads and verifies one label slot.
func Read(io LeafIO, deviceSize uint64, l int) (*NVList, error) {
	off := Offset(deviceSize, l)
	buf := make([]byte, LabelSize)
	if _, err := io.ReadAt(buf, int64(off)); err != nil {
		return nil, errors.Wrapf(err, "label: read slot %d", l)
	}
	blob := buf[:PhysSize]
	ck := decodeCkBlock(buf[ckOffset:])
	if !verify(blob, off, ck) {
		return nil, errors.Wrapf(ErrChecksum, "slot %d", l)
	}
	return decode(blob)
}

// RepairResult records one slot's outcome for the CLI/tests (spec
// scenario 3: "labels 0,1,3 reported skipped, label 2 reported
// repaired").
type RepairResult struct {
	Slot    int
	Repaired bool
	Err      error
}

// Repair reads every slot; any slot that fails verification is
// rewritten from the first slot that verifies successfully. A slot that
// already verifies is left untouched ("skipped"), per spec scenario 3 --
// Repair never overwrites bytes outside a corrupt slot's own region.
func Repair(io LeafIO, deviceSize uint64) ([]RepairResult, error) {
	var good *NVList
	results := make([]RepairResult, NumCopies)
	bad := make([]int, 0, NumCopies)

	for l := 0; l < NumCopies; l++ {
		nv, err := Read(io, deviceSize, l)
		if err != nil {
			bad = append(bad, l)
			continue
		}
		if good == nil {
			good = nv
		}
		results[l] = RepairResult{Slot: l}
	}
	if good == nil {
		return nil, errors.New("label: no valid label found to repair from")
	}
	for _, l := range bad {
		if err := Write(io, deviceSize, l, good); err != nil {
			results[l] = RepairResult{Slot: l, Err: err}
			continue
		}
		results[l] = RepairResult{Slot: l, Repaired: true}
	}
	return results, nil
}
