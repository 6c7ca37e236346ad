package xs

import (
	"runtime"
	"sync"

	"github.com/zfscore/spa/cmn/atomic"
	"github.com/zfscore/spa/cmn/nlog"
	"github.com/zfscore/spa/metaslab"
	"github.com/zfscore/spa/spacemap"
	"github.com/zfscore/spa/xact"
)

const condenseWorkChCap = 64

// XactCondenseAll sweeps every metaslab of a top-level vdev through
// XactCondense, fanning work out across a small fixed worker pool rather
// than one goroutine per metaslab, grounded on the teacher's
// XactTCObjs (xact/xs/tcobjs.go): a bounded work channel fed by Do(),
// drained by Run()'s dispatch loop, with the same "poor man's throttle"
// (Gosched when the channel passes half full) guarding against a sweep
// of thousands of metaslabs stalling the submitter.
type XactCondenseAll struct {
	xact.Base

	ops      spacemap.ObjectOps
	workCh   chan *metaslab.Metaslab
	nworkers int

	pending  atomic.Int64
	chanFull atomic.Int64

	wg sync.WaitGroup
}

func NewCondenseAll(ops spacemap.ObjectOps) *XactCondenseAll {
	c := &XactCondenseAll{
		ops:      ops,
		workCh:   make(chan *metaslab.Metaslab, condenseWorkChCap),
		nworkers: runtime.NumCPU(),
	}
	c.Init("condense-all", newRebuildID())
	return c
}

// Do submits one metaslab for condensing, mirroring tcobjs.go's Do():
// IncPending before the send, throttling the submitter once the channel
// is more than half full.
func (c *XactCondenseAll) Do(ms *metaslab.Metaslab) {
	c.pending.Inc()
	c.workCh <- ms

	if l, capacity := len(c.workCh), cap(c.workCh); l > capacity/2 {
		runtime.Gosched()
		if l == capacity {
			cnt := c.chanFull.Inc()
			if cnt >= 10 && cnt <= 20 {
				nlog.Errorf("condense-all: work channel full, %s", c.Name())
			}
		}
	}
}

// Close signals no further Do() calls will arrive; workers drain the
// channel and exit once it is closed and empty.
func (c *XactCondenseAll) Close() { close(c.workCh) }

// Run starts nworkers goroutines pulling from workCh until it is closed
// and drained, then finishes. Each worker runs XactCondense units
// serially; BeginCondense on the individual metaslab still serializes
// against any in-flight rebuild of that same metaslab.
func (c *XactCondenseAll) Run() {
	c.Base.Run()
	for i := 0; i < c.nworkers; i++ {
		c.wg.Add(1)
		go c.work()
	}
	go func() {
		c.wg.Wait()
		c.Base.Finish()
	}()
}

func (c *XactCondenseAll) work() {
	defer c.wg.Done()
	for {
		select {
		case ms, ok := <-c.workCh:
			if !ok {
				return
			}
			unit := NewCondense(ms, c.ops)
			if err := unit.Run(); err != nil {
				c.Base.AddErr(err)
			}
			c.pending.Dec()
		case <-c.Base.AbortCh():
			return
		}
	}
}

// Pending reports the number of submitted-but-not-yet-condensed metaslabs.
func (c *XactCondenseAll) Pending() int64 { return c.pending.Load() }
