// Package cmn holds cross-package types, error constructors, and the
// global configuration singleton, mirroring the teacher's own `cmn`
// package (cmn.Config, cmn.GCO, cmn.NewErrAborted, cmn.NewErrXactUsePrev
// as seen in xact/xs/tcb.go and tcobjs.go).
package cmn

import (
	"sync"
	"time"

	"github.com/zfscore/spa/cmn/mono"
)

// Config holds every module parameter named or implied by the spec:
// TXG timeout (§4.D), rebuild delay/idle tunables (§4.F, §6), and the
// metaslab/rebuild watermark bound.
type Config struct {
	TXG struct {
		// SyncTimeout is zfs_txg_timeout: the soft wake that forces a sync
		// even with no waiter. Default 5s (module/zfs/txg.c).
		SyncTimeout time.Duration
		// Size is TXG_SIZE, the number of live per-CPU slots a generation
		// rotates through; must be a power of two.
		Size uint64
	}
	Rebuild struct {
		// Delay is spa_vdev_scan_delay in ticks (default 64).
		Delay int
		// Idle is spa_vdev_scan_idle in ticks (default 512).
		Idle int
		// MaxOutstandingBytes is the rebuild watermark: every rebuild
		// xaction uses this value as is for its outstanding-I/O bound; no
		// per-vdev min(ArcMax, 4*MaxBlock*NChildren) value is computed.
		MaxOutstandingBytes int64
	}
	Strict bool // debug-mount strictness flag consumed by cmn/debug.Recover
}

// DefaultConfig returns the parameter set the spec names as defaults.
func DefaultConfig() *Config {
	c := &Config{}
	c.TXG.SyncTimeout = 5 * time.Second
	c.TXG.Size = 4
	c.Rebuild.Delay = 64
	c.Rebuild.Idle = 512
	c.Rebuild.MaxOutstandingBytes = 1 << 30
	return c
}

// globalConfigOwner is the teacher's cmn.GCO singleton pattern: one
// process-wide, atomically-swappable configuration, scoped per open pool
// in this codebase (spec §9 "global mutable state... scope by pool
// handle").
type globalConfigOwner struct {
	mtx sync.RWMutex
	cfg *Config
}

func (o *globalConfigOwner) Get() *Config {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	if o.cfg == nil {
		return DefaultConfig()
	}
	return o.cfg
}

func (o *globalConfigOwner) Put(c *Config) {
	o.mtx.Lock()
	o.cfg = c
	o.mtx.Unlock()
}

// GCO is the global config owner, set once during pool load.
var GCO = &globalConfigOwner{}

// Rom mirrors the teacher's cmn.Rom ("read-only mirror" of select runtime
// config) used by xactions for quiescence timing decisions.
var Rom rom

type rom struct{}

func (rom) MaxKeepalive() time.Duration     { return 2 * mono.Tick * 1000 }
func (rom) CplaneOperation() time.Duration  { return 2 * time.Second }
