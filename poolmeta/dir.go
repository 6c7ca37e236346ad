package poolmeta

import (
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/zfscore/spa/cmn/nlog"
)

const rebuildKey = "rebuilding"

// spaceMapKey zero-pads msID to 20 digits so that the store's string key
// order equals ascending metaslab index.
func spaceMapKey(msID uint64) string {
	s := itoa(msID)
	for len(s) < 20 {
		s = "0" + s
	}
	return "spacemap:" + s
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Dir is the pool's meta-object directory: an embedded ordered KV store
// holding the rebuild cursor and one space-map record per metaslab
// (spec §6). buntdb's atomic read/write transactions give every Put/Get
// pair the same all-or-nothing guarantee spec §7 requires of persisted
// state ("a sync task is either fully applied in a single txg or not at
// all").
type Dir struct {
	db *buntdb.DB
}

// Open opens (creating if absent) the directory at path. ":memory:"
// opens an in-process, non-persisted instance, used by tests.
func Open(path string) (*Dir, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "poolmeta: open directory")
	}
	return &Dir{db: db}, nil
}

func (d *Dir) Close() error { return d.db.Close() }

// PutRebuildCursor persists {ms, vdev_guid, oldvd_guid} atomically.
func (d *Dir) PutRebuildCursor(c *RebuildCursor) error {
	s, err := encodeToString(c)
	if err != nil {
		return errors.Wrap(err, "poolmeta: encode rebuild cursor")
	}
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(rebuildKey, s, nil)
		return err
	})
}

// GetRebuildCursor returns (nil, nil) if no rebuild is in progress.
func (d *Dir) GetRebuildCursor() (*RebuildCursor, error) {
	var raw string
	err := d.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(rebuildKey)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "poolmeta: read rebuild cursor")
	}
	var c RebuildCursor
	if err := decodeFromString(&c, raw); err != nil {
		return nil, errors.Wrap(err, "poolmeta: decode rebuild cursor")
	}
	return &c, nil
}

// ClearRebuildCursor removes the cursor on clean rebuild completion
// (spec §4.F.7 "rebuild_finish").
func (d *Dir) ClearRebuildCursor() error {
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(rebuildKey)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (d *Dir) PutSpaceMapRecord(msID uint64, r *SpaceMapRecord) error {
	s, err := encodeToString(r)
	if err != nil {
		return errors.Wrap(err, "poolmeta: encode space-map record")
	}
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(spaceMapKey(msID), s, nil)
		return err
	})
}

func (d *Dir) GetSpaceMapRecord(msID uint64) (*SpaceMapRecord, error) {
	var raw string
	err := d.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(spaceMapKey(msID))
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "poolmeta: read space-map record")
	}
	var r SpaceMapRecord
	if err := decodeFromString(&r, raw); err != nil {
		return nil, errors.Wrap(err, "poolmeta: decode space-map record")
	}
	return &r, nil
}

// Walk visits every persisted space-map record in key order (ascending
// metaslab index), used by pool-import to rebuild the in-memory
// metaslab array.
func (d *Dir) Walk(fn func(msID uint64, r *SpaceMapRecord) bool) error {
	return d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("spacemap:*", func(key, value string) bool {
			var r SpaceMapRecord
			if err := decodeFromString(&r, value); err != nil {
				nlog.Errorln("poolmeta: skip corrupt record", key, err)
				return true
			}
			msID := parseSpaceMapKey(key)
			return fn(msID, &r)
		})
	})
}

func parseSpaceMapKey(key string) uint64 {
	const prefix = "spacemap:"
	var v uint64
	for i := len(prefix); i < len(key); i++ {
		v = v*10 + uint64(key[i]-'0')
	}
	return v
}
