// Package tracker integrates gyroscope and accelerometer samples from a
// handheld controller into an aim direction.
//
// Four reference frames are involved:
//
//   - Initial: the controller's axes when the first gyro sample arrived. The
//     controller is assumed to have been level then. That is rarely true, but
//     it does not affect the output and it gives the accelerometer a reference
//     to correct gyro drift against.
//   - Current: the controller's axes right now.
//   - Recentre: the controller's axes at the last Recentre call.
//   - World: only observed through the direction of gravity in the Current frame.
//
// The output is the rotation between the Recentre and Current frames applied
// to the controller's forward axis.
//
// A Tracker is not safe for concurrent use; callers serialise access.
package tracker

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// MaxSampleGap is the largest gap between two samples on one stream that is
// still integrated. Anything longer (a dropped connection, a paused app, a
// timestamp that went backwards) only updates the bookkeeping.
const MaxSampleGap = 500 * time.Millisecond

// renormEvery bounds floating point drift of the rotation state.
const renormEvery = 256

// Stats counts what happened to the samples pushed so far.
type Stats struct {
	GyroIntegrated      uint64
	GyroDiscontinuities uint64
	AccelCorrections    uint64
	AccelSkipped        uint64
	Recentres           uint64
}

type Tracker struct {
	// Rotates a vector from the Current frame into the Initial frame.
	currentToInitial quat.Number

	// Rotates a vector from the Initial frame into the Recentre frame. It is
	// kept inverted (rather than recentre-to-initial) because every read
	// needs it in this direction.
	initialToRecentre quat.Number

	lastAngVel  r3.Vec
	lastGyroNS  uint64
	lastAccelNS uint64

	gyroBias r3.Vec

	sinceRenorm int
	stats       Stats
}

// New returns a tracker with both rotations at identity.
func New() *Tracker {
	return &Tracker{
		currentToInitial:  identity,
		initialToRecentre: identity,
	}
}

// PushGyroEvent integrates one angular velocity sample (rad/s, controller axes).
func (t *Tracker) PushGyroEvent(timestampNS uint64, angularVelocity r3.Vec) {
	deltaNS := timestampNS - t.lastGyroNS
	t.lastGyroNS = timestampNS
	if deltaNS > uint64(MaxSampleGap) {
		t.lastAngVel = angularVelocity
		t.stats.GyroDiscontinuities++
		return
	}

	// The true angular velocity is taken to ramp linearly from the previous
	// sample to this one. The integral of a(1-t/T)+b(t/T) over T is the mean
	// of a and b times T.
	deltaS := float64(deltaNS) / 1e9
	averageAngVel := r3.Sub(r3.Scale(0.5, r3.Add(t.lastAngVel, angularVelocity)), t.gyroBias)
	integratedEuler := r3.Scale(deltaS, averageAngVel)

	// Latest changes go on the right: they are relative to the current frame.
	t.currentToInitial = quat.Mul(t.currentToInitial, eulerIncrement(integratedEuler))
	t.lastAngVel = angularVelocity
	t.stats.GyroIntegrated++
	t.touch()
}

// PushAccelerometerEvent nudges the rotation state so that the expected
// direction of gravity agrees with the measured acceleration. The nudge is
// proportional to the angular error and to the time since the previous
// sample, which makes it a first order low pass on the error.
//
// Rotation about the gravity axis cannot be observed this way and is never
// corrected.
func (t *Tracker) PushAccelerometerEvent(timestampNS uint64, acceleration r3.Vec) {
	deltaNS := timestampNS - t.lastAccelNS
	t.lastAccelNS = timestampNS
	if deltaNS > uint64(MaxSampleGap) {
		t.stats.AccelSkipped++
		return
	}
	deltaS := float64(deltaNS) / 1e9

	magnitude := r3.Norm(acceleration)
	if magnitude == 0 {
		t.stats.AccelSkipped++
		return
	}
	// Shaking the controller is assumed to average out, leaving gravity.
	gravity := r3.Scale(1/magnitude, acceleration)

	// Where gravity should be if the Initial frame really was level.
	down := Rotate(quat.Inv(t.currentToInitial), Down)

	cross := r3.Cross(down, gravity)
	length := r3.Norm(cross)
	if length == 0 {
		t.stats.AccelSkipped++
		return
	}
	angle := math.Asin(clampUnit(length))
	axis := r3.Scale(1/length, cross)

	correction := AxisAngle(axis, angle*deltaS)
	t.currentToInitial = quat.Mul(t.currentToInitial, correction)
	t.stats.AccelCorrections++
	t.touch()
}

// Recentre makes the current pointing direction the new zero for Forwards.
// Only yaw and pitch are captured, so recentring always levels the horizon.
func (t *Tracker) Recentre() {
	yaw, pitch := YawPitch(Rotate(t.currentToInitial, Forward))

	// Yaw has to be on the left: the plane the pitch acts in depends on the
	// yaw, and leaving it out stops recentring from restoring the horizon.
	recentreToInitial := quat.Mul(AxisAngle(UnitY, yaw), AxisAngle(UnitX, pitch))
	t.initialToRecentre = quat.Inv(recentreToInitial)
	t.stats.Recentres++
}

// YawPitch splits a forward vector into yaw and pitch in radians. +ve yaw is
// counter-clockwise seen from above; +ve pitch is above the horizon.
func YawPitch(forwards r3.Vec) (yaw, pitch float64) {
	return math.Atan2(-forwards.X, -forwards.Z), math.Asin(clampUnit(forwards.Y))
}

// Forwards returns the controller's forward axis in the Recentre frame.
//
// With currentToInitial = q1·q2·…·qn and a recentre taken after qm,
// initialToRecentre·currentToInitial reduces to qm+1·…·qn: only the rotation
// since the last recentre remains. Before any sample it is (0,0,-1).
func (t *Tracker) Forwards() r3.Vec {
	return Rotate(t.CurrentToRecentre(), Forward)
}

// CurrentToRecentre returns the rotation accumulated since the last recentre.
func (t *Tracker) CurrentToRecentre() quat.Number {
	return quat.Mul(t.initialToRecentre, t.currentToInitial)
}

// CurrentToInitial returns the integrated rotation since the first sample.
func (t *Tracker) CurrentToInitial() quat.Number {
	return t.currentToInitial
}

// SetGyroBias sets the angular velocity subtracted from every averaged gyro
// sample before integration.
func (t *Tracker) SetGyroBias(bias r3.Vec) {
	t.gyroBias = bias
}

// GyroBias returns the bias currently applied.
func (t *Tracker) GyroBias() r3.Vec {
	return t.gyroBias
}

func (t *Tracker) Stats() Stats {
	return t.stats
}

func (t *Tracker) touch() {
	t.sinceRenorm++
	if t.sinceRenorm >= renormEvery {
		t.currentToInitial = normalize(t.currentToInitial)
		t.sinceRenorm = 0
	}
}
