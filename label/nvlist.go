// Package label implements the vdev label persistence of spec §6: four
// copies per leaf at fixed offsets, each an nvlist blob trailed by a
// Fletcher-style checksum, with magic-word byteswap detection.
package label

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/pkg/errors"
)

// PhysSize is VDEV_PHYS_SIZE: the fixed size of the nvlist blob region
// within one label, excluding the trailing checksum block.
const PhysSize = 112 * 1024

// NVList is the label payload. Required keys per spec §6: version,
// pool_state, guid. Arbitrary additional keys ride along for forward
// compatibility, mirrored from the source's "extra properties" nvlist
// convention.
type NVList struct {
	Version   uint64            `json:"version"`
	PoolState uint64            `json:"pool_state"`
	GUID      uint64            `json:"guid"`
	Extra     map[string]string `json:"extra,omitempty"`
}

var errMissingKey = errors.New("label: nvlist missing a required key")

func (nv *NVList) Validate() error {
	if nv.GUID == 0 {
		return errors.Wrap(errMissingKey, "guid")
	}
	return nil
}

// DebugJSON renders an nvlist for human inspection (label dump / CLI
// tooling), using the same fast json-compatible encoder the teacher uses
// for its own API bodies rather than encoding/json.
func DebugJSON(nv *NVList) (string, error) {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(nv)
	if err != nil {
		return "", errors.Wrap(err, "label: encode nvlist for debug dump")
	}
	return string(b), nil
}

// encode packs an NVList into a fixed-size, zero-padded blob via the
// same encoder (not meant to be a portable on-disk format on its own --
// see computeChecksum/Write for the trailer that makes a full label).
func encode(nv *NVList) ([]byte, error) {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(nv)
	if err != nil {
		return nil, errors.Wrap(err, "label: encode nvlist")
	}
	if len(b) > PhysSize {
		return nil, errors.Errorf("label: encoded nvlist %d bytes exceeds PhysSize %d", len(b), PhysSize)
	}
	out := make([]byte, PhysSize)
	copy(out, b)
	return out, nil
}

func decode(blob []byte) (*NVList, error) {
	end := len(blob)
	for end > 0 && blob[end-1] == 0 {
		end--
	}
	var nv NVList
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(blob[:end], &nv); err != nil {
		return nil, errors.Wrap(err, "label: decode nvlist")
	}
	return &nv, nil
}
