package tracker

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Canonical axes of the controller, in SDL's convention: +Y points up out of
// the face buttons and -Z points out of the USB port, away from the player.
var (
	UnitX = r3.Vec{X: 1}
	UnitY = r3.Vec{Y: 1}
	UnitZ = r3.Vec{Z: 1}

	Forward = r3.Vec{Z: -1}
	Down    = r3.Vec{Y: -1}
)

var identity = quat.Number{Real: 1}

// AxisAngle returns the rotation of angle radians about axis.
// A zero axis yields the identity rotation.
func AxisAngle(axis r3.Vec, angle float64) quat.Number {
	n := r3.Norm(axis)
	if n == 0 {
		return identity
	}
	sin, cos := math.Sincos(angle / 2)
	k := sin / n
	return quat.Number{Real: cos, Imag: axis.X * k, Jmag: axis.Y * k, Kmag: axis.Z * k}
}

// Rotate applies q to v (q v q⁻¹). q need not be exactly unit length.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Inv(q))
	return r3.Vec{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return q
	}
	return quat.Scale(1/n, q)
}

// eulerIncrement composes per-axis rotations X·Y·Z, so Z is applied first.
//
// This is only exact for rotations about a single axis. Sample intervals are
// short and the accelerometer correction bounds the error that accumulates.
func eulerIncrement(e r3.Vec) quat.Number {
	q := AxisAngle(UnitX, e.X)
	q = quat.Mul(q, AxisAngle(UnitY, e.Y))
	return quat.Mul(q, AxisAngle(UnitZ, e.Z))
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
