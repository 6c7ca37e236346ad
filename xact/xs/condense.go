package xs

import (
	"github.com/zfscore/spa/cmn/nlog"
	"github.com/zfscore/spa/metaslab"
	"github.com/zfscore/spa/spacemap"
	"github.com/zfscore/spa/xact"
)

// XactCondense rewrites one metaslab's on-disk space-map log from scratch:
// it truncates the object and re-syncs the current free tree as a single
// fresh run-encoded log, collapsing however many alloc/free entries have
// accumulated across prior syncs into one. It is the single-metaslab unit
// of work a pool-wide condense sweep (XactCondenseAll) fans out across,
// grounded on the single-bucket-copy shape of the teacher's XactTCB
// (xact/xs/tcb.go): one xact.Base-embedding unit, started once, running
// to completion on its own, reporting through the same Snap/Err surface.
type XactCondense struct {
	xact.Base

	ms  *metaslab.Metaslab
	ops spacemap.ObjectOps
}

func NewCondense(ms *metaslab.Metaslab, ops spacemap.ObjectOps) *XactCondense {
	c := &XactCondense{ms: ms, ops: ops}
	c.Init("condense", itoa64(int64(ms.ID)))
	return c
}

// Run executes synchronously: condensing is cheap enough (one metaslab's
// free tree, already in memory) that, unlike rebuild, it does not need
// its own background goroutine — callers that want concurrency across
// many metaslabs use XactCondenseAll instead.
func (c *XactCondense) Run() error {
	c.Base.Run()
	release := c.ms.BeginCondense()
	defer release()

	err := c.condenseLocked()
	if err != nil {
		c.Base.AddErr(err)
	}
	c.Base.Finish()
	return err
}

// condenseLocked implements the rewrite: spec §4.A's sync format is
// debug-entry-then-run-entries, appended to whatever the object already
// holds; condensing truncates first so the result is the minimal encoding
// of the metaslab's current free set instead of an ever-growing log.
//
// Sync tags every entry in one call with a single uniform action, so the
// only pairing that reproduces the tree's exact content on a later Load
// is MapAlloc/ActionAlloc: MapAlloc's replay starts from an empty tree
// and applies each entry as a plain Add, which is an identity transform
// regardless of what the tree conceptually holds (spec §8's
// "load(sync(M)) == M" proof, object_test.go's round-trip case).
// metaslab.FreshAllocatedSet reloads this same object with this same
// MapAlloc pairing (so it sees the free tree, not some other
// interpretation) and complements it itself in memory, rather than
// relying on Load's MapFree preseed -- that preseed only helps when
// every entry is tagged ActionFree, which these condensed entries are
// not.
func (c *XactCondense) condenseLocked() error {
	tree := c.ms.Tree
	obj := &c.ms.Obj

	if err := spacemap.Truncate(obj, c.ops); err != nil {
		return err
	}
	if err := spacemap.Sync(tree, spacemap.MapAlloc, obj, c.ops, 0, 0, spacemap.ActionAlloc); err != nil {
		return err
	}
	nlog.Infof("condense: %s rewrote metaslab %d (%d bytes free)", c.Name(), c.ms.ID, tree.Space())
	return nil
}
