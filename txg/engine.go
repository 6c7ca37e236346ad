// Package txg implements the transaction-group engine of spec §4.D: three
// live generations (open, quiescing, syncing) advanced by a dedicated
// quiesce thread and sync thread, with per-CPU holder counters forming the
// quiesce barrier and a lazily-created worker pool dispatching commit
// callbacks after each sync.
package txg

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zfscore/spa/cmn"
	cmnatomic "github.com/zfscore/spa/cmn/atomic"
	"github.com/zfscore/spa/cmn/debug"
	"github.com/zfscore/spa/cmn/metrics"
	"github.com/zfscore/spa/cmn/mono"
	"github.com/zfscore/spa/cmn/nlog"
)

// Id is a monotonic transaction-group number.
type Id uint64

// CommitCB is a commit callback registered against a specific txg,
// dispatched strictly after SyncFunc(txg) returns (spec §5 "Ordering
// guarantees").
type CommitCB func(txg Id)

// SyncFunc is spa_sync: the DMU-side work performed while a txg is
// syncing. Out of this core's scope (spec §1 Non-goals) but its single
// call site belongs to the TXG engine.
type SyncFunc func(txg Id) error

type cpuSlot struct {
	mu        sync.Mutex
	cv        *sync.Cond
	count     [64]int64 // indexed by txg % TXG_SIZE; 64 is this engine's max TXG_SIZE
	callbacks [64][]CommitCB
}

func newCPUSlot() *cpuSlot {
	s := &cpuSlot{}
	s.cv = sync.NewCond(&s.mu)
	return s
}

// Handle is the per-holder binding returned by HoldOpen; it must be
// released via ReleToQuiesce then ReleToSync, in that order, exactly once.
type Handle struct {
	txg Id
	cpu int
}

// Engine owns the tx_state and tx_cpu[] singletons for exactly one open
// pool (spec §9 "global mutable state... scope by pool handle").
type Engine struct {
	cfg *cmn.Config
	sync SyncFunc

	cpus   []*cpuSlot
	nextCPU cmnatomic.Int64 // round-robin holder-to-CPU assignment

	stateMu sync.Mutex
	stateCV *sync.Cond
	wake    chan struct{} // non-blocking nudge for the sync thread's timed wait

	open, quiescing, quiesced, syncing, synced Id
	quiesceWanted, syncWanted                  Id
	exiting                                    bool
	threadsDone                                sync.WaitGroup

	sem *semaphore.Weighted // commit-callback task pool, created lazily
}

func (e *Engine) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// New creates an Engine bound to ncpu per-CPU slots (runtime.GOMAXPROCS(0)
// if ncpu<=0) starting at txg 1, matching the source's first-open-txg
// convention.
func New(cfg *cmn.Config, sf SyncFunc, ncpu int) *Engine {
	if ncpu <= 0 {
		ncpu = runtime.GOMAXPROCS(0)
	}
	if cfg.TXG.Size == 0 || cfg.TXG.Size > 64 {
		cfg.TXG.Size = 4
	}
	e := &Engine{cfg: cfg, sync: sf}
	e.stateCV = sync.NewCond(&e.stateMu)
	e.wake = make(chan struct{}, 1)
	e.cpus = make([]*cpuSlot, ncpu)
	for i := range e.cpus {
		e.cpus[i] = newCPUSlot()
	}
	e.open = 1
	return e
}

func (e *Engine) slotOf(txg Id) int { return int(uint64(txg) % e.cfg.TXG.Size) }

// Start launches the quiesce and sync threads.
func (e *Engine) Start() {
	e.threadsDone.Add(2)
	go e.quiesceThread()
	go e.syncThread()
}

// Shutdown sets the exiting flag, wakes both threads, and waits for them
// to exit (spec §5 "Cancellation/timeouts").
func (e *Engine) Shutdown() {
	e.stateMu.Lock()
	e.exiting = true
	e.stateCV.Broadcast()
	e.stateMu.Unlock()
	e.nudge()
	e.threadsDone.Wait()
}

// HoldOpen binds the caller to the current open txg on a round-robin CPU
// slot, incrementing that slot's holder counter. The per-CPU lock remains
// held until ReleToQuiesce; this is what lets the quiesce thread "freeze"
// new holders by acquiring every per-CPU lock in order.
func (e *Engine) HoldOpen() (Id, *Handle) {
	cpu := int(uint64(e.nextCPU.Inc())-1) % len(e.cpus)
	slot := e.cpus[cpu]
	slot.mu.Lock()

	e.stateMu.Lock()
	txg := e.open
	e.stateMu.Unlock()

	slot.count[e.slotOf(txg)]++
	return txg, &Handle{txg: txg, cpu: cpu}
}

// ReleToQuiesce releases the per-CPU lock while keeping the holder's
// counter intact, so the holder still participates in the quiesce barrier
// for its txg.
func (e *Engine) ReleToQuiesce(h *Handle) {
	e.cpus[h.cpu].mu.Unlock()
}

// RegisterCallbacks appends commit callbacks to this txg's per-CPU list.
// Must be called after ReleToQuiesce (the per-CPU lock is reacquired
// independently here).
func (e *Engine) RegisterCallbacks(h *Handle, cbs []CommitCB) {
	slot := e.cpus[h.cpu]
	slot.mu.Lock()
	s := e.slotOf(h.txg)
	slot.callbacks[s] = append(slot.callbacks[s], cbs...)
	slot.mu.Unlock()
}

// ReleToSync decrements the holder counter; when it reaches zero the slot
// broadcasts, waking a quiesce thread waiting on this txg's drain.
func (e *Engine) ReleToSync(h *Handle) {
	slot := e.cpus[h.cpu]
	slot.mu.Lock()
	s := e.slotOf(h.txg)
	slot.count[s]--
	debug.Assert(slot.count[s] >= 0, "txg holder count went negative")
	if slot.count[s] == 0 {
		slot.cv.Broadcast()
	}
	slot.mu.Unlock()

	e.stateMu.Lock()
	if h.txg > e.syncWanted {
		e.syncWanted = h.txg
	}
	if h.txg > e.quiesceWanted {
		e.quiesceWanted = h.txg
	}
	e.stateCV.Broadcast()
	e.stateMu.Unlock()
	e.nudge()
}

// WaitOpen blocks until txg is no longer the open generation (i.e.
// quiescing has begun for it or a later generation).
func (e *Engine) WaitOpen(txg Id) {
	e.stateMu.Lock()
	for e.open <= txg && !e.exiting {
		e.stateCV.Wait()
	}
	e.stateMu.Unlock()
}

// WaitSynced blocks until txg has fully synced.
func (e *Engine) WaitSynced(txg Id) {
	e.stateMu.Lock()
	if txg > e.syncWanted {
		e.syncWanted = txg
	}
	e.stateCV.Broadcast()
	e.stateMu.Unlock()
	e.nudge()

	e.stateMu.Lock()
	for e.synced < txg && !e.exiting {
		e.stateCV.Wait()
	}
	e.stateMu.Unlock()
}

// Stalled reports whether the open txg is backed up behind an
// already-quiescing-or-quiesced generation, the condition Delay throttles
// against.
func (e *Engine) Stalled() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.quiescing != 0 || e.quiesced != 0
}

// Delay short-sleeps the caller if its txg is still open and a
// quiescing/quiesced generation already exists (back-pressure), aborting
// early if the caller's txg begins to quiesce while sleeping.
func (e *Engine) Delay(txg Id, ticks int) {
	e.stateMu.Lock()
	shouldDelay := e.open == txg && (e.quiescing != 0 || e.quiesced != 0)
	e.stateMu.Unlock()
	if !shouldDelay {
		return
	}
	deadline := time.After(mono.Ticks(ticks))
	for {
		select {
		case <-deadline:
			return
		case <-time.After(mono.Tick):
			e.stateMu.Lock()
			begunQuiesce := e.open > txg
			e.stateMu.Unlock()
			if begunQuiesce {
				return
			}
		}
	}
}

func (e *Engine) quiesceThread() {
	defer e.threadsDone.Done()
	for {
		e.stateMu.Lock()
		for !e.exiting && !(e.quiesceWanted >= e.open && e.quiesced == 0) {
			e.stateCV.Wait()
		}
		if e.exiting {
			e.stateMu.Unlock()
			return
		}
		txg := e.open
		e.quiescing = txg
		e.stateMu.Unlock()

		e.quiesceOnce(txg)
	}
}

// quiesceOnce implements txg_quiesce (module/zfs/txg.c): acquire every
// per-CPU lock in ascending index order (freezing new holders for txg),
// bump the open generation, release the locks in the same order, then
// wait for each CPU's holder count for txg to drain.
func (e *Engine) quiesceOnce(txg Id) {
	for _, slot := range e.cpus {
		slot.mu.Lock()
	}

	e.stateMu.Lock()
	e.open = txg + 1
	metrics.TxgOpen.Set(float64(e.open))
	e.stateMu.Unlock()

	for _, slot := range e.cpus {
		slot.mu.Unlock()
	}

	s := e.slotOf(txg)
	for _, slot := range e.cpus {
		slot.mu.Lock()
		for slot.count[s] != 0 {
			slot.cv.Wait()
		}
		slot.mu.Unlock()
	}

	e.stateMu.Lock()
	e.quiescing = 0
	e.quiesced = txg
	metrics.TxgQuiescing.Set(0)
	e.stateCV.Broadcast()
	e.stateMu.Unlock()
	e.nudge()
	nlog.Infof("txg %d quiesced", txg)
}

// syncThread implements txg_sync_thread: it wakes on whichever comes
// first of (a) a quiesced generation ready to sync, (b) an explicit
// syncWanted request, or (c) the zfs_txg_timeout soft wake that forces
// bounded durability latency even with no waiter (spec §5
// "Cancellation/timeouts").
func (e *Engine) syncThread() {
	defer e.threadsDone.Done()
	timer := time.NewTimer(e.cfg.TXG.SyncTimeout)
	defer timer.Stop()

	for {
		e.stateMu.Lock()
		ready := e.exiting || e.quiesced != 0 || e.syncWanted > e.synced
		e.stateMu.Unlock()

		if !ready {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.cfg.TXG.SyncTimeout)
			select {
			case <-e.wake:
			case <-timer.C:
				// Soft wake: ask for the open txg to be quiesced so that
				// it syncs even with no waiter.
				e.stateMu.Lock()
				if e.quiesceWanted < e.open {
					e.quiesceWanted = e.open
				}
				e.stateCV.Broadcast()
				e.stateMu.Unlock()
			}
			continue
		}

		e.stateMu.Lock()
		if e.exiting {
			e.stateMu.Unlock()
			return
		}
		txg := e.quiesced
		if txg == 0 {
			// Soft wake or an explicit wait with nothing quiesced yet:
			// nothing concrete to sync this iteration.
			e.stateMu.Unlock()
			time.Sleep(mono.Tick)
			continue
		}
		e.quiesced = 0
		e.syncing = txg
		metrics.TxgSyncing.Set(float64(txg))
		e.stateMu.Unlock()

		start := mono.NanoTime()
		err := e.sync(txg)
		metrics.TxgSyncDuration.Observe(mono.Since(start).Seconds())
		if err != nil {
			nlog.Errorln("spa_sync", txg, err)
		}

		e.stateMu.Lock()
		e.synced = txg
		e.syncing = 0
		metrics.TxgSynced.Set(float64(txg))
		metrics.TxgSyncing.Set(0)
		e.stateCV.Broadcast()
		e.stateMu.Unlock()

		e.dispatchCallbacks(txg)
	}
}

// dispatchCallbacks runs every commit callback registered against txg,
// fanned out across a lazily-created worker pool bounded by GOMAXPROCS
// (spec §4.D "task-pool, bounded by max_ncpus"). Dispatch order within one
// CPU's list is FIFO (spec §5 "Ordering guarantees").
func (e *Engine) dispatchCallbacks(txg Id) {
	if e.sem == nil {
		e.sem = semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0)))
	}
	s := e.slotOf(txg)
	var wg sync.WaitGroup
	ctx := context.Background()
	for _, slot := range e.cpus {
		slot.mu.Lock()
		cbs := slot.callbacks[s]
		slot.callbacks[s] = nil
		slot.mu.Unlock()
		if len(cbs) == 0 {
			continue
		}
		wg.Add(1)
		_ = e.sem.Acquire(ctx, 1)
		go func(list []CommitCB) {
			defer wg.Done()
			defer e.sem.Release(1)
			for _, cb := range list {
				cb(txg)
			}
		}(cbs)
	}
	wg.Wait()
}
