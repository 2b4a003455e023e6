package main

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"gyroaim/internal/replay"
	"gyroaim/internal/sensors"
	"gyroaim/internal/tracker"
)

type traceOptions struct {
	// Recentres are offsets from the first sample on the rebased clock.
	Recentres []time.Duration
	Every     time.Duration
	Bias      r3.Vec
}

type tracePoint struct {
	At       time.Duration
	YawDeg   float64
	PitchDeg float64
}

type traceResult struct {
	Sessions []string
	Segments int
	Gyro     int
	Accel    int
	Duration time.Duration
	Stats    tracker.Stats

	FinalForwards r3.Vec
	FinalYawDeg   float64
	FinalPitchDeg float64

	Points []tracePoint
}

func runTrace(recs []replay.Record, opt traceOptions) traceResult {
	recentres := append([]time.Duration(nil), opt.Recentres...)
	sort.Slice(recentres, func(i, j int) bool { return recentres[i] < recentres[j] })

	tr := tracker.New()
	tr.SetGyroBias(opt.Bias)
	var res traceResult
	var rb replay.Rebaser
	var first uint64
	var haveFirst bool
	var nextPoint time.Duration

	point := func(at time.Duration) {
		yaw, pitch := tracker.YawPitch(tr.Forwards())
		res.Points = append(res.Points, tracePoint{At: at, YawDeg: yaw * 180 / math.Pi, PitchDeg: pitch * 180 / math.Pi})
	}

	for _, r := range recs {
		if r.IsStart() {
			res.Segments++
			continue
		}
		s := rb.Sample(r)
		if !haveFirst {
			first, haveFirst = s.TimestampNS, true
		}
		at := time.Duration(s.TimestampNS - first)

		for len(recentres) > 0 && at >= recentres[0] {
			tr.Recentre()
			recentres = recentres[1:]
		}

		switch s.Kind {
		case sensors.Gyro:
			tr.PushGyroEvent(s.TimestampNS, s.Vec)
			res.Gyro++
		case sensors.Accel:
			tr.PushAccelerometerEvent(s.TimestampNS, s.Vec)
			res.Accel++
		}
		if at > res.Duration {
			res.Duration = at
		}

		if opt.Every <= 0 || at >= nextPoint {
			point(at)
			nextPoint = at + opt.Every
		}
	}
	if res.Segments == 0 && haveFirst {
		res.Segments = 1
	}

	res.Stats = tr.Stats()
	res.FinalForwards = tr.Forwards()
	yaw, pitch := tracker.YawPitch(res.FinalForwards)
	res.FinalYawDeg = yaw * 180 / math.Pi
	res.FinalPitchDeg = pitch * 180 / math.Pi
	return res
}

func printSummary(w io.Writer, res traceResult) {
	fmt.Fprintf(w, "sessions: %d\n", len(res.Sessions))
	fmt.Fprintf(w, "segments: %d\n", res.Segments)
	fmt.Fprintf(w, "samples: gyro=%d accel=%d\n", res.Gyro, res.Accel)
	fmt.Fprintf(w, "duration: %s\n", res.Duration)
	fmt.Fprintf(w, "gyro: integrated=%d discontinuities=%d\n", res.Stats.GyroIntegrated, res.Stats.GyroDiscontinuities)
	fmt.Fprintf(w, "accel: corrections=%d skipped=%d\n", res.Stats.AccelCorrections, res.Stats.AccelSkipped)
	fmt.Fprintf(w, "recentres: %d\n", res.Stats.Recentres)
	f := res.FinalForwards
	fmt.Fprintf(w, "final: forwards=(%.4f, %.4f, %.4f) yaw=%.2f° pitch=%.2f°\n", f.X, f.Y, f.Z, res.FinalYawDeg, res.FinalPitchDeg)
}

func writePlot(res traceResult, path string) error {
	if len(res.Points) == 0 {
		return fmt.Errorf("no samples to plot")
	}
	p := plot.New()
	p.Title.Text = "Aim trace"
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = "degrees"
	p.Add(plotter.NewGrid())

	yawPts := make(plotter.XYs, 0, len(res.Points))
	pitchPts := make(plotter.XYs, 0, len(res.Points))
	for _, pt := range res.Points {
		x := pt.At.Seconds()
		yawPts = append(yawPts, plotter.XY{X: x, Y: pt.YawDeg})
		pitchPts = append(pitchPts, plotter.XY{X: x, Y: pt.PitchDeg})
	}

	yawLine, err := plotter.NewLine(yawPts)
	if err != nil {
		return fmt.Errorf("yaw line: %w", err)
	}
	yawLine.Color = color.RGBA{R: 200, G: 40, B: 40, A: 255}
	yawLine.Width = vg.Points(1)

	pitchLine, err := plotter.NewLine(pitchPts)
	if err != nil {
		return fmt.Errorf("pitch line: %w", err)
	}
	pitchLine.Color = color.RGBA{R: 40, G: 80, B: 200, A: 255}
	pitchLine.Width = vg.Points(1)

	p.Add(yawLine, pitchLine)
	p.Legend.Add("yaw", yawLine)
	p.Legend.Add("pitch", pitchLine)
	p.Legend.Top = true

	return p.Save(10*vg.Inch, 4*vg.Inch, path)
}
