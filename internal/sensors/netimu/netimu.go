// Package netimu reads the serialimu line protocol from a TCP endpoint, such
// as a phone app or a Wi-Fi IMU bridge, reconnecting whenever the link drops.
//
// Timestamps come from the remote clock. A reconnect shows up to the tracker
// as a gap or a backwards step, both of which it treats as a discontinuity.
package netimu

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gyroaim/internal/sensors"
	"gyroaim/internal/sensors/serialimu"
)

type Source struct {
	Addr           string
	ReconnectDelay time.Duration
	DialTimeout    time.Duration

	stats serialimu.Stats

	mu       sync.RWMutex
	state    string
	lastErr  string
	connects uint64
}

type Snapshot struct {
	Addr      string `json:"addr"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
	Connects  uint64 `json:"connects"`
	Samples   uint64 `json:"samples"`
	Malformed uint64 `json:"malformed"`
}

func (s *Source) Name() string { return "tcp" }

func (s *Source) Run(ctx context.Context, emit func(sensors.Sample)) error {
	if s.Addr == "" {
		return fmt.Errorf("netimu: addr is required")
	}
	reconnect := s.ReconnectDelay
	if reconnect <= 0 {
		reconnect = 1 * time.Second
	}
	dialer := &net.Dialer{Timeout: s.DialTimeout}
	if dialer.Timeout <= 0 {
		dialer.Timeout = 2 * time.Second
	}

	for {
		if ctx.Err() != nil {
			s.setState("stopped", "")
			return ctx.Err()
		}

		s.setState("connecting", "")
		conn, err := dialer.DialContext(ctx, "tcp", s.Addr)
		if err != nil {
			s.setState("error", err.Error())
		} else {
			s.mu.Lock()
			s.connects++
			first := s.connects == 1
			s.mu.Unlock()
			if first {
				log.Printf("netimu: connected to %s", s.Addr)
			}
			s.setState("connected", "")
			err = s.read(ctx, conn, emit)
			if err != nil {
				s.setState("disconnected", err.Error())
			} else {
				s.setState("disconnected", "")
			}
		}

		if !sleepCtx(ctx, reconnect) {
			s.setState("stopped", "")
			return ctx.Err()
		}
	}
}

func (s *Source) read(ctx context.Context, conn net.Conn, emit func(sensors.Sample)) error {
	// Closing the connection unblocks the pending read.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		if stop() {
			_ = conn.Close()
		}
	}()
	return serialimu.Scan(ctx, conn, emit, &s.stats)
}

func (s *Source) setState(state, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	} else if state == "connected" || state == "stopped" {
		s.lastErr = ""
	}
}

func (s *Source) Snapshot() Snapshot {
	st := s.Stats()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Addr:      s.Addr,
		State:     s.state,
		LastError: s.lastErr,
		Connects:  s.connects,
		Samples:   st.Samples,
		Malformed: st.Malformed,
	}
}

func (s *Source) Stats() serialimu.Stats {
	return serialimu.Stats{
		Samples:   atomic.LoadUint64(&s.stats.Samples),
		Malformed: atomic.LoadUint64(&s.stats.Malformed),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
