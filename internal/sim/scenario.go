package sim

import (
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"gyroaim/internal/sensors"
	"gyroaim/internal/tracker"
)

// ScenarioScript is a deterministic, script-driven motion description.
//
// Time is expressed as Go duration strings (e.g. "250ms", "2s"). Rates are
// body-frame angular velocities in deg/s, constant within a segment.
//
// YAML schema (v1):
//
//	version: 1
//	rate_hz: 200
//	gyro_bias_deg_s: [0.5, 0, 0]
//	segments:
//	  - duration: 1s
//	    rate_deg_s: [0, 90, 0]
//	  - duration: 500ms
//	    rate_deg_s: [0, 0, 0]
//
// Keep this struct stable: scripts are test fixtures.
type ScenarioScript struct {
	Version      int        `yaml:"version"`
	RateHz       int        `yaml:"rate_hz"`
	GyroBiasDegS [3]float64 `yaml:"gyro_bias_deg_s"`
	Segments     []Segment  `yaml:"segments"`
}

type Segment struct {
	Duration time.Duration `yaml:"duration"`
	RateDegS [3]float64    `yaml:"rate_deg_s"`
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	script ScenarioScript
	ends   []time.Duration
	step   time.Duration
	bias   r3.Vec
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioYAML(b)
}

// ParseScenarioYAML parses a YAML scenario script.
func ParseScenarioYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if script.RateHz == 0 {
		script.RateHz = 200
	}
	if script.RateHz < 1 || script.RateHz > 10000 {
		return nil, fmt.Errorf("rate_hz must be 1..10000")
	}
	if len(script.Segments) == 0 {
		return nil, fmt.Errorf("segments is required")
	}

	ends := make([]time.Duration, len(script.Segments))
	var total time.Duration
	for i, seg := range script.Segments {
		if seg.Duration <= 0 {
			return nil, fmt.Errorf("segments[%d].duration must be > 0", i)
		}
		total += seg.Duration
		ends[i] = total
	}

	return &Scenario{
		script: script,
		ends:   ends,
		step:   time.Second / time.Duration(script.RateHz),
		bias:   degToRad(script.GyroBiasDegS),
	}, nil
}

// Duration returns the total scripted time.
func (s *Scenario) Duration() time.Duration {
	if s == nil || len(s.ends) == 0 {
		return 0
	}
	return s.ends[len(s.ends)-1]
}

// Step is the interval between sample pairs.
func (s *Scenario) Step() time.Duration { return s.step }

// RateAt returns the true body rate in rad/s at elapsed. The controller is at
// rest before 0 and after Duration().
func (s *Scenario) RateAt(elapsed time.Duration) r3.Vec {
	if elapsed < 0 {
		return r3.Vec{}
	}
	idx := sort.Search(len(s.ends), func(i int) bool { return s.ends[i] > elapsed })
	if idx >= len(s.ends) {
		return r3.Vec{}
	}
	return degToRad(s.script.Segments[idx].RateDegS)
}

// Samples generates the gyro and accelerometer streams, one pair per step
// from 0 through Duration() inclusive, with timestamps starting at 0.
//
// The true orientation follows the trapezoidal rate between steps. The
// reported gyro adds the scripted bias. The accelerometer reads the reaction
// to gravity, +1 g on +Y when level.
func (s *Scenario) Samples() []sensors.Sample {
	out := make([]sensors.Sample, 0, 2*(s.steps()+1))
	s.walk(func(ts uint64, rate r3.Vec, q quat.Number) {
		out = append(out,
			sensors.Sample{Kind: sensors.Gyro, TimestampNS: ts, Vec: r3.Add(rate, s.bias)},
			sensors.Sample{Kind: sensors.Accel, TimestampNS: ts, Vec: tracker.Rotate(quat.Inv(q), up)},
		)
	})
	return out
}

// Truth returns the true controller-to-level rotation at the end of the
// scenario.
func (s *Scenario) Truth() quat.Number {
	var end quat.Number
	s.walk(func(_ uint64, _ r3.Vec, q quat.Number) { end = q })
	return end
}

// TruthForwards returns where the controller really points at the end,
// relative to its starting attitude.
func (s *Scenario) TruthForwards() r3.Vec {
	return tracker.Rotate(s.Truth(), tracker.Forward)
}

var up = r3.Vec{Y: 1}

func (s *Scenario) steps() int {
	return int(s.Duration() / s.step)
}

func (s *Scenario) walk(fn func(ts uint64, rate r3.Vec, q quat.Number)) {
	q := quat.Number{Real: 1}
	dt := s.step.Seconds()
	n := s.steps()
	for k := 0; k <= n; k++ {
		at := time.Duration(k) * s.step
		rate := s.RateAt(at)
		fn(uint64(at), rate, q)

		mean := r3.Scale(0.5, r3.Add(rate, s.RateAt(at+s.step)))
		q = quat.Mul(q, tracker.AxisAngle(mean, r3.Norm(mean)*dt))
	}
}

func degToRad(v [3]float64) r3.Vec {
	k := math.Pi / 180
	return r3.Vec{X: v[0] * k, Y: v[1] * k, Z: v[2] * k}
}
