package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"gyroaim/internal/ahrs"
	"gyroaim/internal/aim"
	"gyroaim/internal/button"
	"gyroaim/internal/config"
	"gyroaim/internal/i2c"
	"gyroaim/internal/mqttpub"
	"gyroaim/internal/replay"
	"gyroaim/internal/sensors"
	"gyroaim/internal/sensors/icm20948"
	"gyroaim/internal/sensors/iio"
	"gyroaim/internal/sensors/netimu"
	"gyroaim/internal/sensors/serialimu"
	"gyroaim/internal/sim"
	"gyroaim/internal/udp"
	"gyroaim/internal/web"
)

// runtime owns the tracker service and every output. The frame loop is the
// only caller of the shaper; everything else goes through the service or
// the gate, which do their own locking.
type runtime struct {
	cfg    config.Config
	status *web.Status
	logs   *web.LogBuffer

	svc    *ahrs.Service
	gate   *aim.Gate
	shaper *aim.Shaper
	frames *web.AimBroadcaster

	rec       *replay.Writer
	recErrMu  sync.Mutex
	recFailed uint64

	mq  *mqttpub.Publisher
	udp *udp.Broadcaster
	btn *button.Button

	seq        uint64
	lastStatus time.Time
	lastMQTT   time.Time
}

func buildSource(c config.SourceConfig) (sensors.Source, error) {
	switch c.Kind {
	case "icm20948":
		return &icm20948.Source{
			BusPath: i2c.BusPath(c.ICM20948.Bus),
			Addr:    c.ICM20948.Addr,
			Options: icm20948.Options{GyroRangeDPS: c.ICM20948.GyroRangeDPS, RateHz: c.ICM20948.RateHz},
		}, nil
	case "iio":
		return &iio.Source{Path: c.IIO.Path, DeviceName: c.IIO.Name, RateHz: c.IIO.RateHz}, nil
	case "serial":
		return &serialimu.Source{Port: c.Serial.Port, BaudRate: c.Serial.BaudRate}, nil
	case "tcp":
		return &netimu.Source{Addr: c.TCP.Addr, ReconnectDelay: c.TCP.ReconnectDelay}, nil
	case "replay":
		return &replay.Source{Path: c.Replay.Path, Speed: c.Replay.Speed, Loop: c.Replay.Loop}, nil
	case "sim":
		script, err := sim.LoadScenarioScript(c.Sim.Scenario)
		if err != nil {
			return nil, fmt.Errorf("sim scenario: %w", err)
		}
		sc, err := sim.NewScenario(script)
		if err != nil {
			return nil, fmt.Errorf("sim scenario: %w", err)
		}
		return &sim.Source{Scenario: sc, Loop: c.Sim.Loop}, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", c.Kind)
}

// newRuntime wires everything up without starting the source; Start does.
// Optional outputs that fail to initialise are logged and skipped.
func newRuntime(ctx context.Context, cfg config.Config, logs *web.LogBuffer) (*runtime, error) {
	src, err := buildSource(cfg.Source)
	if err != nil {
		return nil, err
	}

	r := &runtime{
		cfg:    cfg,
		status: web.NewStatus(),
		logs:   logs,
		gate:   aim.NewGate(cfg.Aim.GateMode()),
		frames: web.NewAimBroadcaster(),
	}
	r.shaper = aim.NewShaper(cfg.Aim.ShaperConfig(), r.gate)

	if cfg.Record.Enable {
		w, err := replay.CreateWriter(cfg.Record.Path)
		if err != nil {
			return nil, fmt.Errorf("record: %w", err)
		}
		r.rec = w
		log.Printf("recording samples to %s (session %s)", cfg.Record.Path, w.Session())
	}

	r.svc = ahrs.New(ahrs.Config{
		AutoBias:        cfg.AHRS.AutoBias,
		ZeroDriftWindow: cfg.AHRS.ZeroDriftWindow,
		StaleAfter:      cfg.AHRS.StaleAfter,
		StartupCal:      cfg.AHRS.StartupCal,
		OnSample:        r.record,
	})
	if b := cfg.AHRS.GyroBiasRadS; len(b) == 3 {
		r.svc.SetGyroBias(r3.Vec{X: b[0], Y: b[1], Z: b[2]})
	}

	outputs := map[string]any{"web": !cfg.Web.Disable}
	if cfg.UDP.Enable {
		u, err := udp.NewBroadcaster(cfg.UDP.Dest)
		if err != nil {
			log.Printf("udp init failed: %v", err)
		} else {
			r.udp = u
		}
	}
	outputs["udp"] = r.udp != nil

	if cfg.MQTT.Enable {
		mq, err := mqttpub.Connect(mqttpub.Config{
			Broker:           cfg.MQTT.Broker,
			ClientID:         cfg.MQTT.ClientID,
			Username:         cfg.MQTT.Username,
			Password:         cfg.MQTT.Password,
			TopicPrefix:      cfg.MQTT.TopicPrefix,
			ZeroDriftTimeout: cfg.AHRS.ZeroDriftWindow + 5*time.Second,
		}, r)
		if err != nil {
			log.Printf("mqtt init failed: %v", err)
		} else {
			r.mq = mq
		}
	}
	outputs["mqtt"] = r.mq != nil

	if cfg.Button.Enable {
		btn, err := button.Open(button.Config{
			Chip:     cfg.Button.Chip,
			Line:     cfg.Button.Line,
			Debounce: cfg.Button.Debounce,
		}, r.buttonHandler())
		if err != nil {
			log.Printf("button init failed: %v", err)
		} else {
			r.btn = btn
		}
	}
	outputs["button"] = r.btn != nil
	outputs["record"] = r.rec != nil

	r.status.SetStatic(src.Name(), cfg.Aim.Mode, outputs)

	if err := r.svc.Start(ctx, src); err != nil {
		r.Close()
		return nil, err
	}

	if !cfg.Web.Disable {
		opt := web.Options{
			Status:           r.status,
			Logs:             r.logs,
			Controller:       r,
			Aim:              r.frames,
			ZeroDriftTimeout: cfg.AHRS.ZeroDriftWindow + 5*time.Second,
		}
		go func() {
			log.Printf("web listening on %s", cfg.Web.Listen)
			if err := web.Serve(ctx, cfg.Web.Listen, opt); err != nil && ctx.Err() == nil {
				log.Printf("web server stopped: %v", err)
			}
		}()
	}
	return r, nil
}

// Recentre, ZeroDrift and GyroAction serve the web UI, MQTT commands and
// the button alike.
func (r *runtime) Recentre() error {
	log.Printf("recentre")
	return r.svc.Recentre()
}

func (r *runtime) ZeroDrift(ctx context.Context) error {
	log.Printf("zero drift: keep the controller still")
	return r.svc.ZeroDrift(ctx)
}

func (r *runtime) GyroAction(down bool) {
	if down {
		r.gate.Press()
	} else {
		r.gate.Release()
	}
}

func (r *runtime) buttonHandler() func(down bool) {
	if r.cfg.Button.Action == "gyro" {
		return r.GyroAction
	}
	return func(down bool) {
		if down {
			_ = r.Recentre()
		}
	}
}

func (r *runtime) record(s sensors.Sample) {
	if r.rec == nil {
		return
	}
	if err := r.rec.WriteSample(s); err != nil {
		r.recErrMu.Lock()
		r.recFailed++
		first := r.recFailed == 1
		r.recErrMu.Unlock()
		if first {
			log.Printf("record: %v", err)
		}
	}
}

// Run drives the frame loop until ctx is done.
func (r *runtime) Run(ctx context.Context) {
	period := time.Second / time.Duration(r.cfg.Aim.FrameRateHz)
	t := time.NewTicker(period)
	defer t.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.step(now, now.Sub(last))
			last = now
		}
	}
}

// step produces one frame: read the tracker once, shape the look delta and
// fan the frame out.
func (r *runtime) step(now time.Time, frameTime time.Duration) web.AimFrame {
	snap := r.svc.Snapshot()
	look := r.shaper.Step(r.svc.CurrentToInitial(), frameTime)

	r.seq++
	frame := aimFrame(r.seq, snap, look, r.gate.Active(), now)
	r.frames.Publish(frame)

	if r.udp != nil {
		if err := r.udp.SendJSON(frame); err != nil {
			if _, failed := r.udp.Counts(); failed == 1 {
				log.Printf("udp send failed: %v", err)
			}
		}
	}
	if r.mq != nil {
		if err := r.mq.PublishAim(frame); err != nil {
			log.Printf("%v", err)
		}
	}
	r.status.MarkTick(now.UTC(), 1)

	if now.Sub(r.lastStatus) >= time.Second {
		r.lastStatus = now
		st := ahrsStatus(snap)
		r.status.SetAHRS(st)
		if r.rec != nil {
			if err := r.rec.Flush(); err != nil {
				log.Printf("record flush: %v", err)
			}
		}
		if r.mq != nil && now.Sub(r.lastMQTT) >= r.cfg.MQTT.StatusInterval {
			r.lastMQTT = now
			if err := r.mq.PublishStatus(r.status.Snapshot(now.UTC())); err != nil {
				log.Printf("%v", err)
			}
		}
	}
	return frame
}

func aimFrame(seq uint64, snap ahrs.Snapshot, look aim.Look, active bool, now time.Time) web.AimFrame {
	return web.AimFrame{
		Seq:           seq,
		Valid:         snap.Valid,
		Forwards:      snap.Forwards,
		YawDeg:        snap.YawDeg,
		PitchDeg:      snap.PitchDeg,
		Look:          web.LookDelta{DeltaYawDeg: look.DeltaYawDeg, DeltaPitchDeg: look.DeltaPitchDeg},
		GyroActive:    active,
		LastUpdateUTC: now.UTC().Format(time.RFC3339Nano),
	}
}

func ahrsStatus(snap ahrs.Snapshot) web.AHRSStatus {
	st := web.AHRSStatus{
		Valid:            snap.Valid,
		Source:           snap.Source,
		Forwards:         snap.Forwards,
		YawDeg:           snap.YawDeg,
		PitchDeg:         snap.PitchDeg,
		GyroSamples:      snap.GyroSamples,
		AccelSamples:     snap.AccelSamples,
		Discontinuities:  snap.Discontinuities,
		AccelCorrections: snap.AccelCorrections,
		BiasRadS:         snap.Bias,
		BiasSource:       snap.BiasSource,
		LastError:        snap.LastError,
	}
	if !snap.RecentredAt.IsZero() {
		st.RecentredUTC = snap.RecentredAt.UTC().Format(time.RFC3339Nano)
	}
	if !snap.LastSampleAt.IsZero() {
		st.LastSampleUTC = snap.LastSampleAt.UTC().Format(time.RFC3339Nano)
	}
	return st
}

func (r *runtime) Close() {
	if r == nil {
		return
	}
	if r.svc != nil {
		r.svc.Close()
		// The recorder is fed from the source goroutine.
		select {
		case <-r.svc.Done():
		case <-time.After(2 * time.Second):
		}
	}
	if r.btn != nil {
		_ = r.btn.Close()
		r.btn = nil
	}
	if r.mq != nil {
		r.mq.Close()
		r.mq = nil
	}
	if r.udp != nil {
		_ = r.udp.Close()
		r.udp = nil
	}
	if r.rec != nil {
		if err := r.rec.Close(); err != nil {
			log.Printf("record close: %v", err)
		}
		log.Printf("recorded %d samples", r.rec.Samples())
	}
}
