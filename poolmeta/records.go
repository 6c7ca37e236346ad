// Package poolmeta persists the pool's meta-object directory: the
// rebuild-progress cursor and per-object space-map records named in
// spec §6 ("Persisted state consumed/produced by the core"), backed by
// an embedded ordered KV store.
package poolmeta

import (
	"github.com/tinylib/msgp/msgp"
)

// RebuildCursor is the rebuild progress record persisted under key
// "rebuilding": {ms, vdev_guid, oldvd_guid} as a uint64 array (spec §6).
type RebuildCursor struct {
	MS          uint64
	VdevGUID    uint64
	OldVdevGUID uint64
}

// MarshalMsg hand-implements msgp.Marshaler for RebuildCursor: a
// three-element array, matching the on-disk "array of uint64" layout
// spec §6 specifies rather than a generic map encoding.
func (c *RebuildCursor) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendUint64(b, c.MS)
	b = msgp.AppendUint64(b, c.VdevGUID)
	b = msgp.AppendUint64(b, c.OldVdevGUID)
	return b, nil
}

func (c *RebuildCursor) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	if n != 3 {
		return b, msgp.ArrayError{Wanted: 3, Got: n}
	}
	if c.MS, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if c.VdevGUID, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if c.OldVdevGUID, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	return b, nil
}

func (c *RebuildCursor) Msgsize() int { return 1 + 3*9 }

// SpaceMapRecord is the directory entry for one metaslab's space-map
// object: {object_id, objsize, alloc} (spec §3 "Space-map object").
type SpaceMapRecord struct {
	ObjectID uint64
	ObjSize  uint64
	Alloc    uint64
}

func (r *SpaceMapRecord) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendUint64(b, r.ObjectID)
	b = msgp.AppendUint64(b, r.ObjSize)
	b = msgp.AppendUint64(b, r.Alloc)
	return b, nil
}

func (r *SpaceMapRecord) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	if n != 3 {
		return b, msgp.ArrayError{Wanted: 3, Got: n}
	}
	if r.ObjectID, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if r.ObjSize, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if r.Alloc, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	return b, nil
}

func (r *SpaceMapRecord) Msgsize() int { return 1 + 3*9 }

func encodeToString(m msgp.Marshaler) (string, error) {
	b, err := m.MarshalMsg(nil)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeFromString(m msgp.Unmarshaler, s string) error {
	_, err := m.UnmarshalMsg([]byte(s))
	return err
}
