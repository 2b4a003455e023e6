package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"
)

type Status struct {
	startUnixNano int64
	framesSent    uint64
	lastTickNano  int64
	source        atomic.Value // string
	outputs       atomic.Value // map[string]any
	ahrs          atomic.Value // AHRSStatus
	gyroMode      atomic.Value // string
}

func NewStatus() *Status {
	s := &Status{}
	now := time.Now().UTC()
	atomic.StoreInt64(&s.startUnixNano, now.UnixNano())
	s.source.Store("")
	s.outputs.Store(map[string]any{})
	s.ahrs.Store(AHRSStatus{})
	s.gyroMode.Store("")
	return s
}

// AHRSStatus is the UI view of the tracker service state.
type AHRSStatus struct {
	Valid            bool       `json:"valid"`
	Source           string     `json:"source"`
	Forwards         [3]float64 `json:"forwards"`
	YawDeg           float64    `json:"yaw_deg"`
	PitchDeg         float64    `json:"pitch_deg"`
	GyroSamples      uint64     `json:"gyro_samples"`
	AccelSamples     uint64     `json:"accel_samples"`
	Discontinuities  uint64     `json:"discontinuities"`
	AccelCorrections uint64     `json:"accel_corrections"`
	BiasRadS         [3]float64 `json:"bias_rad_s"`
	BiasSource       string     `json:"bias_source,omitempty"`
	RecentredUTC     string     `json:"recentred_utc,omitempty"`
	LastSampleUTC    string     `json:"last_sample_utc,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

func (s *Status) SetAHRS(st AHRSStatus) {
	s.ahrs.Store(st)
}

// SetStatic records configuration that does not change while running.
func (s *Status) SetStatic(source string, gyroMode string, outputs map[string]any) {
	if source != "" {
		s.source.Store(source)
	}
	if gyroMode != "" {
		s.gyroMode.Store(gyroMode)
	}
	if outputs != nil {
		s.outputs.Store(outputs)
	}
}

func (s *Status) MarkTick(nowUTC time.Time, framesSentThisTick int) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	atomic.StoreInt64(&s.lastTickNano, nowUTC.UnixNano())
	if framesSentThisTick > 0 {
		atomic.AddUint64(&s.framesSent, uint64(framesSentThisTick))
	}
}

type BuildInfo struct {
	GoVersion string `json:"go_version"`
	Version   string `json:"version,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
}

type StatusSnapshot struct {
	Service         string         `json:"service"`
	NowUTC          string         `json:"now_utc"`
	UptimeSec       int64          `json:"uptime_sec"`
	Source          string         `json:"source"`
	GyroMode        string         `json:"gyro_mode"`
	FramesSentTotal uint64         `json:"frames_sent_total"`
	LastTickUTC     string         `json:"last_tick_utc,omitempty"`
	Outputs         map[string]any `json:"outputs"`
	AHRS            AHRSStatus     `json:"ahrs"`
	Build           BuildInfo      `json:"build"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	uptime := nowUTC.Sub(start)
	lastTick := atomic.LoadInt64(&s.lastTickNano)

	snap := StatusSnapshot{
		Service:         "gyroaim",
		NowUTC:          nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:       int64(uptime.Seconds()),
		Source:          s.source.Load().(string),
		GyroMode:        s.gyroMode.Load().(string),
		FramesSentTotal: atomic.LoadUint64(&s.framesSent),
		Outputs:         s.outputs.Load().(map[string]any),
		AHRS:            s.ahrs.Load().(AHRSStatus),
		Build:           buildInfo(),
	}
	if lastTick != 0 {
		snap.LastTickUTC = time.Unix(0, lastTick).UTC().Format(time.RFC3339Nano)
	}
	return snap
}

func buildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		}
	}
	return out
}
