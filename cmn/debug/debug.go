// Package debug implements the two-tier assertion model the source uses:
// VERIFY/ASSERT for "cannot happen" internal-consistency bugs, and a
// separate recoverable-panic path (zfs_panic_recover) for conditions that
// indicate on-disk or caller misuse but which a pool running in permissive
// ("read-only debug mount") mode should log and continue past rather than
// crash on.
package debug

import (
	"fmt"
	"os"

	"github.com/zfscore/spa/cmn/nlog"
)

// Enabled gates Assert/AssertNoErr; it is true when the SPA_DEBUG
// environment variable is set to a non-empty value at process start.
var Enabled = os.Getenv("SPA_DEBUG") != ""

// Assert panics with msg if cond is false and debug assertions are enabled.
// Intended for invariants that must never be false regardless of on-disk
// state; an input-dependent condition must use Recover instead.
func Assert(cond bool, msg ...interface{}) {
	if !Enabled || cond {
		return
	}
	panic(fmt.Sprint(msg...))
}

// AssertNoErr panics if err != nil and debug assertions are enabled.
func AssertNoErr(err error) {
	if !Enabled || err == nil {
		return
	}
	panic(err)
}

// AssertMsg is Assert with a format string, matching the source's fmt-style
// VERIFY3U/VERIFYF call sites.
func AssertMsg(cond bool, format string, args ...interface{}) {
	if !Enabled || cond {
		return
	}
	panic(fmt.Sprintf(format, args...))
}

// Strictness controls Recover's behavior; a pool opened with the strict
// flag set aborts on a recoverable violation instead of logging past it
// (the debug-mount use case named in spec §9).
type Strictness int32

const (
	Permissive Strictness = iota
	Strict
)

// Recover implements zfs_panic_recover: under Permissive it logs and
// returns so the caller can take its own recovery action (e.g. space_map_add
// refusing the operation); under Strict it panics. Never silently
// swallowed either way: Recover returns nothing, so a caller that reaches
// the next line is in Permissive mode and reports its own error (e.g.
// cmn.ErrPanicRecover).
func Recover(mode Strictness, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if mode == Strict {
		panic("panic-recover (strict): " + msg)
	}
	nlog.Errorln("panic-recover:", msg)
}
