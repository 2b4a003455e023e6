package ahrs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"gyroaim/internal/sensors"
	"gyroaim/internal/tracker"
)

type Config struct {
	// AutoBias runs the stationary bias detector on the gyro stream.
	AutoBias bool
	// ZeroDriftWindow is how long ZeroDrift averages the gyro.
	ZeroDriftWindow time.Duration
	// StaleAfter marks the snapshot invalid when no sample arrived for this long.
	StaleAfter time.Duration
	// StartupCal recentres and zeroes drift shortly after the first samples.
	StartupCal bool
	// OnSample is called for every ingested sample, outside the lock.
	OnSample func(sensors.Sample)
}

type Snapshot struct {
	Valid  bool
	Source string

	Forwards [3]float64
	YawDeg   float64
	PitchDeg float64

	GyroSamples      uint64
	AccelSamples     uint64
	Discontinuities  uint64
	AccelCorrections uint64

	Bias       [3]float64
	BiasSource string

	RecentredAt  time.Time
	LastSampleAt time.Time

	LastError string
	UpdatedAt time.Time
}

var ErrZeroDriftBusy = errors.New("ahrs: zero drift already in progress")

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("ahrs: already started")

type Service struct {
	cfg Config
	now func() time.Time

	// mu guards the tracker (both rotations and both timestamps), snap and
	// started.
	mu      sync.RWMutex
	tr      *tracker.Tracker
	snap    Snapshot
	started bool

	bias *tracker.BiasDetector
	cal  *zeroDriftCal

	startupOnce sync.Once
	stopOnce    sync.Once
	stopCh      chan struct{}
	done        chan struct{}
}

type zeroDriftCal struct {
	startNS uint64
	sum     r3.Vec
	n       int
	done    chan error
}

func New(cfg Config) *Service {
	if cfg.ZeroDriftWindow <= 0 {
		cfg.ZeroDriftWindow = 2 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Second
	}
	s := &Service{
		cfg:    cfg,
		now:    time.Now,
		tr:     tracker.New(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.AutoBias {
		s.bias = &tracker.BiasDetector{}
	}
	s.snap.Forwards = vec3(tracker.Forward)
	return s
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done is closed when the source started by Start has returned.
func (s *Service) Done() <-chan struct{} { return s.done }

// Start runs src in the background, feeding every sample to Ingest, until ctx
// is done or Close is called.
func (s *Service) Start(ctx context.Context, src sensors.Source) error {
	if s == nil {
		return fmt.Errorf("ahrs: service is nil")
	}
	if src == nil {
		return fmt.Errorf("ahrs: source is nil")
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.snap.Source = src.Name()
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stopCh:
		case <-runCtx.Done():
		}
		cancel()
	}()
	go func() {
		defer close(s.done)
		defer cancel()
		err := src.Run(runCtx, s.Ingest)
		if err != nil && runCtx.Err() == nil {
			log.Printf("ahrs: source %s stopped: %v", src.Name(), err)
			s.setErr(fmt.Sprintf("%s: %v", src.Name(), err))
			return
		}
		log.Printf("ahrs: source %s stopped", src.Name())
	}()
	if s.cfg.StartupCal {
		go s.startupCal(runCtx)
	}
	return nil
}

// Ingest feeds one sample to the tracker.
func (s *Service) Ingest(smp sensors.Sample) {
	now := s.now().UTC()

	s.mu.Lock()
	var finished *zeroDriftCal
	switch smp.Kind {
	case sensors.Gyro:
		s.tr.PushGyroEvent(smp.TimestampNS, smp.Vec)
		s.snap.GyroSamples++
		finished = s.calibrateLocked(smp)
		if s.bias != nil && s.cal == nil {
			if b, ok := s.bias.Add(smp.Vec); ok {
				s.tr.SetGyroBias(b)
				s.snap.BiasSource = "auto"
				log.Printf("ahrs: auto bias %.5f %.5f %.5f rad/s", b.X, b.Y, b.Z)
			}
		}
	case sensors.Accel:
		s.tr.PushAccelerometerEvent(smp.TimestampNS, smp.Vec)
		s.snap.AccelSamples++
	default:
		s.mu.Unlock()
		return
	}
	s.snap.LastSampleAt = now
	s.snap.UpdatedAt = now
	s.snap.LastError = ""
	s.mu.Unlock()

	if finished != nil {
		finished.finish(s)
	}
	if s.cfg.OnSample != nil {
		s.cfg.OnSample(smp)
	}
}

// calibrateLocked accumulates a running zero-drift window and returns it
// once it has covered ZeroDriftWindow.
func (s *Service) calibrateLocked(smp sensors.Sample) *zeroDriftCal {
	c := s.cal
	if c == nil {
		return nil
	}
	if c.n == 0 {
		c.startNS = smp.TimestampNS
	}
	c.sum = r3.Add(c.sum, smp.Vec)
	c.n++
	if smp.TimestampNS-c.startNS < uint64(s.cfg.ZeroDriftWindow) {
		return nil
	}
	s.cal = nil
	avg := r3.Scale(1/float64(c.n), c.sum)
	s.tr.SetGyroBias(avg)
	s.snap.BiasSource = "zero-drift"
	if s.bias != nil {
		s.bias.Reset()
	}
	return c
}

func (c *zeroDriftCal) finish(s *Service) {
	b := s.GyroBias()
	log.Printf("ahrs: zero drift %.5f %.5f %.5f rad/s from %d samples", b.X, b.Y, b.Z, c.n)
	c.done <- nil
}

// Forwards returns the aim direction in the recentre frame.
func (s *Service) Forwards() r3.Vec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tr.Forwards()
}

// CurrentToInitial returns the integrated rotation, unaffected by recentring.
func (s *Service) CurrentToInitial() quat.Number {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tr.CurrentToInitial()
}

// Recentre makes the current pointing direction straight ahead.
func (s *Service) Recentre() error {
	if s == nil {
		return fmt.Errorf("ahrs: service is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tr.Recentre()
	s.snap.RecentredAt = s.now().UTC()
	return nil
}

// ZeroDrift averages the gyro over ZeroDriftWindow and uses the mean as the
// gyro bias. The controller must be kept still meanwhile.
func (s *Service) ZeroDrift(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("ahrs: service is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ahrs: ctx is nil")
	}
	s.mu.Lock()
	if s.snap.GyroSamples == 0 {
		s.mu.Unlock()
		return fmt.Errorf("ahrs: no gyro samples yet")
	}
	if s.cal != nil {
		s.mu.Unlock()
		return ErrZeroDriftBusy
	}
	c := &zeroDriftCal{done: make(chan error, 1)}
	s.cal = c
	s.mu.Unlock()

	select {
	case err := <-c.done:
		return err
	case <-s.stopCh:
		s.abandon(c)
		return fmt.Errorf("ahrs: closed")
	case <-ctx.Done():
		s.abandon(c)
		return ctx.Err()
	}
}

func (s *Service) abandon(c *zeroDriftCal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cal == c {
		s.cal = nil
	}
}

func (s *Service) SetGyroBias(b r3.Vec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tr.SetGyroBias(b)
	s.snap.BiasSource = "manual"
}

func (s *Service) GyroBias() r3.Vec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tr.GyroBias()
}

// Snapshot returns the current state. Derived fields are computed on read so
// they are never older than the last sample.
func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	snap := s.snap
	f := s.tr.Forwards()
	st := s.tr.Stats()
	bias := s.tr.GyroBias()
	s.mu.RUnlock()

	snap.Forwards = vec3(f)
	yaw, pitch := tracker.YawPitch(f)
	snap.YawDeg = yaw * 180 / math.Pi
	snap.PitchDeg = pitch * 180 / math.Pi
	snap.Discontinuities = st.GyroDiscontinuities
	snap.AccelCorrections = st.AccelCorrections
	snap.Bias = vec3(bias)
	snap.Valid = snap.GyroSamples > 0 && snap.LastError == "" &&
		s.now().Sub(snap.LastSampleAt) <= s.cfg.StaleAfter
	return snap
}

func (s *Service) setErr(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastError = msg
	s.snap.UpdatedAt = s.now().UTC()
}

var (
	startupSettle  = 1500 * time.Millisecond
	startupTimeout = 10 * time.Second
)

// startupCal waits for the stream to settle, then recentres and zeroes drift.
// Best effort: a controller that is moving just keeps its first frame.
func (s *Service) startupCal(ctx context.Context) {
	s.startupOnce.Do(func() {
		settle := time.NewTimer(startupSettle)
		defer settle.Stop()
		select {
		case <-ctx.Done():
			return
		case <-settle.C:
		}

		if !s.Snapshot().Valid {
			log.Printf("ahrs: startup calibration skipped, no samples")
			return
		}
		_ = s.Recentre()

		zdCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		defer cancel()
		if err := s.ZeroDrift(zdCtx); err != nil {
			log.Printf("ahrs: startup zero drift: %v", err)
			return
		}
		// Drift accumulated while calibrating.
		_ = s.Recentre()
	})
}

func vec3(v r3.Vec) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }
