// Package mono supplies monotonic-clock helpers used for throttling and
// idle-detection, where wall-clock adjustments must never perturb timing
// decisions (rebuild delay/idle tunables, TXG sync timeout).
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since process start, monotonic.
func NanoTime() int64 { return int64(time.Since(start)) }

// Since returns the duration elapsed since a NanoTime reading.
func Since(ts int64) time.Duration { return time.Duration(NanoTime() - ts) }

// Ticks converts a duration expressed in the spec's abstract "ticks" into a
// time.Duration, holding one tick equal to one millisecond as the original's
// HZ-scaled values do not cross module boundaries in Go.
const Tick = time.Millisecond

func Ticks(n int) time.Duration { return time.Duration(n) * Tick }
