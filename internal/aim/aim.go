// Package aim turns the tracker's orientation into per-frame look deltas for
// a game camera: gyro mode gating, soft tightening of small motions and
// sensitivity scaling.
package aim

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"gyroaim/internal/tracker"
)

const radToDeg = 180 / math.Pi

// AnglesFromForwards returns yaw and pitch of a forward vector in degrees.
func AnglesFromForwards(f r3.Vec) (yawDeg, pitchDeg float64) {
	yaw, pitch := tracker.YawPitch(f)
	return yaw * radToDeg, pitch * radToDeg
}

// Tighten shrinks inputs whose magnitude is below threshold, scaling them by
// magnitude/threshold. Units are whatever the caller uses for both.
func Tighten(yaw, pitch, threshold float64) (float64, float64) {
	if threshold <= 0 {
		return yaw, pitch
	}
	magnitude := math.Hypot(yaw, pitch)
	if magnitude < threshold {
		scale := magnitude / threshold
		return yaw * scale, pitch * scale
	}
	return yaw, pitch
}

type Mode int

const (
	ModeOff Mode = iota
	ModeHoldToEnable
	ModeHoldToDisable
	ModeAlwaysOn
)

var modeNames = []string{"off", "hold_to_enable", "hold_to_disable", "always_on"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range modeNames {
		if s == n {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown gyro mode %q", s)
}

// Gate decides whether gyro input reaches the camera. The gyro action
// button enables the gyro while held in ModeHoldToEnable and disables it while
// held in ModeHoldToDisable. It is safe for concurrent use.
type Gate struct {
	mu     sync.Mutex
	mode   Mode
	active bool
}

func NewGate(mode Mode) *Gate {
	g := &Gate{}
	g.SetMode(mode)
	return g
}

// SetMode switches mode and resets the button state as if released.
func (g *Gate) SetMode(mode Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
	g.active = mode == ModeHoldToDisable
}

func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

func (g *Gate) Press() {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.mode {
	case ModeHoldToEnable:
		g.active = true
	case ModeHoldToDisable:
		g.active = false
	}
}

func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.mode {
	case ModeHoldToEnable:
		g.active = false
	case ModeHoldToDisable:
		g.active = true
	}
}

func (g *Gate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.mode {
	case ModeOff:
		return false
	case ModeAlwaysOn:
		return true
	default:
		return g.active
	}
}

// TurningAxis selects which controller rotation turns the camera left/right.
type TurningAxis string

const (
	TurnYaw  TurningAxis = "yaw"
	TurnRoll TurningAxis = "roll"
)

type Config struct {
	TurningAxis      TurningAxis
	YawSensitivity   float64
	PitchSensitivity float64
	// TighteningDegS is the angular speed below which motion is softened.
	TighteningDegS float64
}

func DefaultConfig() Config {
	return Config{
		TurningAxis:      TurnYaw,
		YawSensitivity:   1,
		PitchSensitivity: 1,
		TighteningDegS:   3.5,
	}
}

// Look is the camera change for one frame. +ve yaw turns left, +ve pitch
// looks up.
type Look struct {
	DeltaYawDeg   float64 `json:"delta_yaw_deg"`
	DeltaPitchDeg float64 `json:"delta_pitch_deg"`
}

// Shaper derives per-frame look deltas from successive orientations.
// It is not safe for concurrent use.
type Shaper struct {
	cfg  Config
	gate *Gate

	prev     quat.Number
	havePrev bool
}

func NewShaper(cfg Config, gate *Gate) *Shaper {
	if gate == nil {
		gate = NewGate(ModeAlwaysOn)
	}
	return &Shaper{cfg: cfg, gate: gate}
}

func (s *Shaper) Gate() *Gate { return s.gate }

// Step consumes the tracker's current-to-initial rotation for this frame.
// That rotation is unaffected by recentring, so a recentre never shows up as
// a camera jump.
func (s *Shaper) Step(currentToInitial quat.Number, frameTime time.Duration) Look {
	prev, had := s.prev, s.havePrev
	s.prev, s.havePrev = currentToInitial, true
	if !had || frameTime <= 0 || !s.gate.Active() {
		return Look{}
	}

	// Rotation since the previous frame, in controller axes.
	delta := rotationVector(quat.Mul(quat.Inv(prev), currentToInitial))
	dt := frameTime.Seconds()
	rate := r3.Scale(1/dt, delta)

	yawRate := rate.Y
	if s.cfg.TurningAxis == TurnRoll {
		yawRate = -rate.Z
	}
	pitchRate := rate.X

	yawRate, pitchRate = Tighten(yawRate, pitchRate, s.cfg.TighteningDegS/radToDeg)
	return Look{
		DeltaYawDeg:   s.cfg.YawSensitivity * yawRate * dt * radToDeg,
		DeltaPitchDeg: s.cfg.PitchSensitivity * pitchRate * dt * radToDeg,
	}
}

// Reset forgets the previous frame; the next Step returns no motion.
func (s *Shaper) Reset() { s.havePrev = false }

// rotationVector returns axis*angle for a unit quaternion, taking the short
// way round.
func rotationVector(q quat.Number) r3.Vec {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vec{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := r3.Norm(v)
	if n == 0 {
		return r3.Vec{}
	}
	angle := 2 * math.Atan2(n, q.Real)
	return r3.Scale(angle/n, v)
}
