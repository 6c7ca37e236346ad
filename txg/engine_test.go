package txg_test

import (
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/zfscore/spa/cmn"
	"github.com/zfscore/spa/txg"
)

func TestTxg(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "txg suite")
}

func fastConfig() *cmn.Config {
	c := cmn.DefaultConfig()
	c.TXG.SyncTimeout = 30 * time.Millisecond
	c.TXG.Size = 4
	return c
}

var _ = Describe("Engine", func() {
	It("hands a waiter off after a quiesce+sync cycle (scenario 4)", func() {
		var synced []txg.Id
		var mu sync.Mutex
		e := txg.New(fastConfig(), func(id txg.Id) error {
			mu.Lock()
			synced = append(synced, id)
			mu.Unlock()
			return nil
		}, 2)
		e.Start()
		defer e.Shutdown()

		txgID, h := e.HoldOpen()
		e.ReleToQuiesce(h)

		done := make(chan struct{})
		go func() {
			e.WaitSynced(txgID)
			close(done)
		}()

		e.ReleToSync(h)

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			Fail("WaitSynced did not unblock within 2s")
		}

		mu.Lock()
		defer mu.Unlock()
		found := false
		for _, s := range synced {
			if s >= txgID {
				found = true
			}
		}
		Expect(found).To(BeTrue())
	})

	It("hands out strictly increasing txgs across repeated hold/release/wait-synced cycles (monotonicity)", func() {
		e := txg.New(fastConfig(), func(id txg.Id) error { return nil }, 2)
		e.Start()
		defer e.Shutdown()

		var prev txg.Id
		for i := 0; i < 20; i++ {
			txgID, h := e.HoldOpen()
			Expect(txgID).To(BeNumerically(">", prev))
			prev = txgID
			e.ReleToQuiesce(h)
			e.ReleToSync(h)
			e.WaitSynced(txgID)
		}
	})

	It("dispatches commit callbacks strictly after sync completes", func() {
		var lastSynced txg.Id
		var syncedBeforeCB bool
		e := txg.New(fastConfig(), func(id txg.Id) error {
			time.Sleep(5 * time.Millisecond)
			lastSynced = id
			return nil
		}, 1)
		e.Start()
		defer e.Shutdown()

		cbDone := make(chan struct{})
		txgID, h := e.HoldOpen()
		e.ReleToQuiesce(h)
		e.RegisterCallbacks(h, []txg.CommitCB{func(id txg.Id) {
			syncedBeforeCB = lastSynced >= id
			close(cbDone)
		}})
		e.ReleToSync(h)

		e.WaitSynced(txgID)
		select {
		case <-cbDone:
		case <-time.After(2 * time.Second):
			Fail("commit callback never ran")
		}
		Expect(syncedBeforeCB).To(BeTrue())
	})
})
