package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gyroaim/internal/monoclock"
	"gyroaim/internal/sensors"
	"gyroaim/internal/tracker"
)

var nowNS = monoclock.NowNS

// Rebaser maps record times onto the sample clock.
//
// Each segment, and each pass of a looped replay, starts one second past the
// latest sample so the tracker sees a discontinuity rather than integrating
// across the seam. Within a segment record times map one to one, including
// a sample of one stream that is older than the last sample of the other.
type Rebaser struct {
	// Start is the timestamp given to the first sample.
	Start uint64

	base    uint64
	last    uint64
	seg     int
	pass    int
	started bool
}

var segmentGap = uint64(2 * tracker.MaxSampleGap)

func (rb *Rebaser) Sample(r Record) sensors.Sample {
	switch {
	case !rb.started:
		rb.base = rb.Start - uint64(r.At)
		rb.last = rb.Start
		rb.started = true
	case r.Segment != rb.seg || r.Pass != rb.pass:
		rb.base = rb.last + segmentGap - uint64(r.At)
	}
	rb.seg = r.Segment
	rb.pass = r.Pass

	// Unsigned wraparound keeps per-stream deltas exact for negative times.
	ts := rb.base + uint64(r.At)
	if int64(ts-rb.last) > 0 {
		rb.last = ts
	}
	return sensors.Sample{Kind: r.Kind, TimestampNS: ts, Vec: r.Vec}
}

// Source replays a recording as a live sample stream.
type Source struct {
	Path  string
	Speed float64
	Loop  bool

	// Clock stamps the first sample; defaults to the monotonic clock.
	Clock   func() uint64
	sleeper Sleeper
}

func (s *Source) Name() string { return "replay" }

func (s *Source) Run(ctx context.Context, emit func(sensors.Sample)) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	recs, err := NewReader(f).ReadAll()
	_ = f.Close()
	if err != nil {
		return err
	}

	speed := s.Speed
	if speed <= 0 {
		speed = 1
	}
	rb := &Rebaser{}
	if s.Clock != nil {
		rb.Start = s.Clock()
	} else {
		rb.Start = nowNS()
	}

	errStopped := errors.New("stopped")
	err = Play(recs, speed, s.Loop, ctxSleeper{ctx: ctx, next: s.sleeper}, func(r Record) error {
		if ctx.Err() != nil {
			return errStopped
		}
		emit(rb.Sample(r))
		return nil
	})
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

// ctxSleeper sleeps until d elapses or ctx is done.
type ctxSleeper struct {
	ctx  context.Context
	next Sleeper
}

func (c ctxSleeper) Sleep(d time.Duration) {
	if c.next != nil {
		c.next.Sleep(d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
	case <-t.C:
	}
}
