package spacemap

// The on-disk log is a sequence of 64-bit packed entries (spec §3): a debug
// entry opens every sync pass, followed by run entries describing the
// segments touched in that pass. Bit widths below are this implementation's
// own choice (the spec does not pin an exact on-disk layout, only the
// logical fields); they are sized generously enough for realistic pool
// sizes while keeping entries a single machine word.

const (
	tagRun   = 0
	tagDebug = 1

	offsetBits = 37               // in units of 1<<shift
	runBits    = 25               // run length, in units of 1<<shift
	SmRunMax   = (1 << runBits) - 1

	syncPassBits = 28
	txgBits      = 31
)

type Action uint8

const (
	ActionAlloc Action = iota
	ActionFree
)

// RunEntry is {offset, type, run_length}; Offset and Run are expressed in
// units of 1<<shift, matching the source's on-disk encoding.
type RunEntry struct {
	Offset uint64
	Action Action
	Run    uint64
}

// DebugEntry is {tag=1, action, syncpass, txg}, emitted once at the start
// of every sync pass's run of entries.
type DebugEntry struct {
	Action   Action
	SyncPass uint64
	Txg      uint64
}

func packRun(e RunEntry) uint64 {
	var v uint64
	v |= uint64(tagRun) << 63
	if e.Action == ActionFree {
		v |= 1 << 62
	}
	v |= (e.Run & SmRunMax) << offsetBits
	v |= e.Offset & ((1 << offsetBits) - 1)
	return v
}

func packDebug(e DebugEntry) uint64 {
	var v uint64
	v |= uint64(tagDebug) << 63
	if e.Action == ActionFree {
		v |= 1 << 62
	}
	const syncPassMask = (1 << syncPassBits) - 1
	const txgMask = (1 << txgBits) - 1
	v |= (e.SyncPass & syncPassMask) << txgBits
	v |= e.Txg & txgMask
	return v
}

// Entry is the decoded union of either a DebugEntry or RunEntry.
type Entry struct {
	IsDebug bool
	Debug   DebugEntry
	Run     RunEntry
}

func unpack(v uint64) Entry {
	if v>>63 == tagDebug {
		action := ActionAlloc
		if v&(1<<62) != 0 {
			action = ActionFree
		}
		const syncPassMask = (1 << syncPassBits) - 1
		const txgMask = (1 << txgBits) - 1
		return Entry{
			IsDebug: true,
			Debug: DebugEntry{
				Action:   action,
				SyncPass: (v >> txgBits) & syncPassMask,
				Txg:      v & txgMask,
			},
		}
	}
	action := ActionAlloc
	if v&(1<<62) != 0 {
		action = ActionFree
	}
	return Entry{
		Run: RunEntry{
			Offset: v & ((1 << offsetBits) - 1),
			Action: action,
			Run:    (v >> offsetBits) & SmRunMax,
		},
	}
}
