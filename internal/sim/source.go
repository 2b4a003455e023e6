package sim

import (
	"context"
	"time"

	"gyroaim/internal/monoclock"
	"gyroaim/internal/sensors"
)

var nowNS = monoclock.NowNS

// Source plays a scenario in real time. A looped scenario restarts after a
// gap long enough for the tracker to treat as a discontinuity.
type Source struct {
	Scenario *Scenario
	Loop     bool

	sleep func(time.Duration)
}

func (s *Source) Name() string { return "sim" }

func (s *Source) Run(ctx context.Context, emit func(sensors.Sample)) error {
	samples := s.Scenario.Samples()
	sleep := s.sleep
	if sleep == nil {
		sleep = func(d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		}
	}

	base := nowNS()
	for {
		var last uint64
		for _, smp := range samples {
			if ctx.Err() != nil {
				return nil
			}
			if wait := time.Duration(smp.TimestampNS - last); wait > 0 {
				sleep(wait)
			}
			last = smp.TimestampNS
			smp.TimestampNS += base
			emit(smp)
		}
		if !s.Loop {
			return nil
		}
		base += last + uint64(time.Second)
		sleep(time.Second)
	}
}
