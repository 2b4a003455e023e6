//go:build linux

package monoclock

import "golang.org/x/sys/unix"

// NowNS returns CLOCK_MONOTONIC in nanoseconds. It matches the timestamps the
// kernel attaches to IIO and input events, so samples from different sources
// can be mixed on one stream.
func NowNS() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return fallbackNS()
	}
	return uint64(ts.Nano())
}
