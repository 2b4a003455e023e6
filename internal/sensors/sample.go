// Package sensors defines the motion samples fed to the tracker and the
// sources that produce them.
package sensors

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

type Kind uint8

const (
	Gyro Kind = iota + 1
	Accel
)

func (k Kind) String() string {
	switch k {
	case Gyro:
		return "gyro"
	case Accel:
		return "accel"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Sample is one reading in controller axes. Gyro vectors are in rad/s.
// Accel vectors may use any unit; only the direction is used.
type Sample struct {
	Kind        Kind
	TimestampNS uint64
	Vec         r3.Vec
}

// Source produces samples until ctx is done or it fails.
//
// Run calls emit from a single goroutine. Timestamps on one Kind must come from
// one monotonic clock.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(Sample)) error
}
