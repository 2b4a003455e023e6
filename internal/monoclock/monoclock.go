// Package monoclock provides nanosecond timestamps for sensor samples.
//
// The tracker only looks at differences between timestamps on one stream, so
// the epoch does not matter, but the clock must never jump with wall time.
package monoclock

import "time"

var start = time.Now()

func fallbackNS() uint64 {
	// start carries a monotonic reading; Since uses it.
	return uint64(time.Since(start)) + 1
}

// Since returns the duration from an earlier NowNS reading to now. A reading
// from the future yields zero.
func Since(ns uint64) time.Duration {
	now := NowNS()
	if now <= ns {
		return 0
	}
	return time.Duration(now - ns)
}
