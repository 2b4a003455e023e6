package aim

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"gyroaim/internal/tracker"
)

func TestAnglesFromForwards(t *testing.T) {
	cases := []struct {
		name       string
		f          r3.Vec
		yaw, pitch float64
	}{
		{"ahead", tracker.Forward, 0, 0},
		{"left", r3.Vec{X: -1}, 90, 0},
		{"right", r3.Vec{X: 1}, -90, 0},
		{"up", r3.Vec{Y: 1}, 0, 90},
		{"down-left", r3.Vec{X: -0.5, Y: -math.Sqrt2 / 2, Z: -0.5}, 45, -45},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			yaw, pitch := AnglesFromForwards(tc.f)
			assert.InDelta(t, tc.yaw, yaw, 1e-9)
			assert.InDelta(t, tc.pitch, pitch, 1e-9)
		})
	}
}

func TestTighten(t *testing.T) {
	y, p := Tighten(3, 4, 10)
	assert.InDelta(t, 1.5, y, 1e-12)
	assert.InDelta(t, 2.0, p, 1e-12)

	y, p = Tighten(6, 8, 10)
	assert.Equal(t, 6.0, y)
	assert.Equal(t, 8.0, p)

	y, p = Tighten(0.1, 0, 0)
	assert.Equal(t, 0.1, y)
	assert.Equal(t, 0.0, p)
}

func TestParseMode(t *testing.T) {
	for i, n := range []string{"off", "hold_to_enable", "HOLD_TO_DISABLE", " always_on "} {
		m, err := ParseMode(n)
		require.NoError(t, err)
		assert.Equal(t, Mode(i), m)
	}
	_, err := ParseMode("sometimes")
	assert.Error(t, err)
	assert.Equal(t, "hold_to_disable", ModeHoldToDisable.String())
}

func TestGate(t *testing.T) {
	t.Run("off", func(t *testing.T) {
		g := NewGate(ModeOff)
		g.Press()
		assert.False(t, g.Active())
	})
	t.Run("always on", func(t *testing.T) {
		g := NewGate(ModeAlwaysOn)
		g.Press()
		assert.True(t, g.Active())
	})
	t.Run("hold to enable", func(t *testing.T) {
		g := NewGate(ModeHoldToEnable)
		assert.False(t, g.Active())
		g.Press()
		assert.True(t, g.Active())
		g.Release()
		assert.False(t, g.Active())
	})
	t.Run("hold to disable starts active", func(t *testing.T) {
		g := NewGate(ModeHoldToDisable)
		assert.True(t, g.Active())
		g.Press()
		assert.False(t, g.Active())
		g.Release()
		assert.True(t, g.Active())
	})
	t.Run("set mode resets", func(t *testing.T) {
		g := NewGate(ModeHoldToEnable)
		g.Press()
		g.SetMode(ModeHoldToDisable)
		assert.True(t, g.Active())
		assert.Equal(t, ModeHoldToDisable, g.Mode())
	})
}

const frame = 10 * time.Millisecond

func yawBy(deg float64) quat.Number {
	return tracker.AxisAngle(tracker.UnitY, deg/radToDeg)
}

func TestShaper_FirstStepIsStill(t *testing.T) {
	s := NewShaper(DefaultConfig(), nil)
	assert.Equal(t, Look{}, s.Step(yawBy(30), frame))
}

func TestShaper_YawAboveThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.YawSensitivity = 2
	s := NewShaper(cfg, nil)
	s.Step(yawBy(0), frame)

	// 1 degree in 10 ms is 100 deg/s, well above tightening.
	look := s.Step(yawBy(1), frame)
	assert.InDelta(t, 2, look.DeltaYawDeg, 1e-9)
	assert.InDelta(t, 0, look.DeltaPitchDeg, 1e-9)
}

func TestShaper_PitchUpIsPositive(t *testing.T) {
	s := NewShaper(DefaultConfig(), nil)
	s.Step(quat.Number{Real: 1}, frame)
	look := s.Step(tracker.AxisAngle(tracker.UnitX, 0.5/radToDeg), frame)
	assert.InDelta(t, 0.5, look.DeltaPitchDeg, 1e-9)
}

func TestShaper_TighteningSoftensSlowMotion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TighteningDegS = 10
	s := NewShaper(cfg, nil)
	s.Step(yawBy(0), time.Second)

	// 5 deg/s is half the threshold, so it is scaled by one half.
	look := s.Step(yawBy(5), time.Second)
	assert.InDelta(t, 2.5, look.DeltaYawDeg, 1e-9)
}

func TestShaper_RollTurningAxis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TurningAxis = TurnRoll
	s := NewShaper(cfg, nil)
	s.Step(quat.Number{Real: 1}, frame)

	// Rolling right (negative Z) turns the camera left.
	look := s.Step(tracker.AxisAngle(tracker.UnitZ, -1/radToDeg), frame)
	assert.InDelta(t, 1, look.DeltaYawDeg, 1e-9)
}

func TestShaper_InactiveGateStillTracks(t *testing.T) {
	g := NewGate(ModeHoldToEnable)
	s := NewShaper(DefaultConfig(), g)
	s.Step(yawBy(0), frame)
	assert.Equal(t, Look{}, s.Step(yawBy(20), frame))

	// Motion while disabled is not replayed once enabled.
	g.Press()
	look := s.Step(yawBy(21), frame)
	assert.InDelta(t, 1, look.DeltaYawDeg, 1e-9)
}

func TestShaper_Reset(t *testing.T) {
	s := NewShaper(DefaultConfig(), nil)
	s.Step(yawBy(0), frame)
	s.Reset()
	assert.Equal(t, Look{}, s.Step(yawBy(45), frame))
}

func TestRotationVector_ShortWay(t *testing.T) {
	q := quat.Scale(-1, tracker.AxisAngle(tracker.UnitY, 0.3))
	v := rotationVector(q)
	assert.InDelta(t, 0.3, v.Y, 1e-12)
	assert.Equal(t, r3.Vec{}, rotationVector(quat.Number{Real: 1}))
}
