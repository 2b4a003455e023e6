//go:build !linux

package monoclock

// NowNS returns nanoseconds since process start on the Go monotonic clock.
func NowNS() uint64 { return fallbackNS() }
