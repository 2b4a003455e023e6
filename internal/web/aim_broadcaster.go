package web

import (
	"sync"
	"time"
)

// AimFrame is one output frame of the aim loop.
type AimFrame struct {
	Seq           uint64     `json:"seq"`
	Valid         bool       `json:"valid"`
	Forwards      [3]float64 `json:"forwards"`
	YawDeg        float64    `json:"yaw_deg"`
	PitchDeg      float64    `json:"pitch_deg"`
	Look          LookDelta  `json:"look"`
	GyroActive    bool       `json:"gyro_active"`
	LastUpdateUTC string     `json:"last_update_utc,omitempty"`
}

type LookDelta struct {
	DeltaYawDeg   float64 `json:"delta_yaw_deg"`
	DeltaPitchDeg float64 `json:"delta_pitch_deg"`
}

// AimBroadcaster fans out aim frames to any listeners (SSE, websocket).
// It keeps the most recent frame so new subscribers get an immediate one.
// Slow subscribers miss frames rather than stall the aim loop.
type AimBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan AimFrame
	nextID   int
	last     AimFrame
	haveLast bool
}

func NewAimBroadcaster() *AimBroadcaster {
	return &AimBroadcaster{
		subs: make(map[int]chan AimFrame),
	}
}

func (b *AimBroadcaster) Subscribe(buffer int) (int, <-chan AimFrame) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan AimFrame, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last := b.last
	have := b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *AimBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *AimBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *AimBroadcaster) Publish(f AimFrame) {
	if b == nil {
		return
	}
	if f.LastUpdateUTC == "" {
		f.LastUpdateUTC = time.Now().UTC().Format(time.RFC3339Nano)
	}
	// Sending under the read lock keeps Unsubscribe from closing a channel
	// mid-send.
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	b.last = f
	b.haveLast = true
	b.mu.Unlock()
}

// Last returns the most recently published frame.
func (b *AimBroadcaster) Last() (AimFrame, bool) {
	if b == nil {
		return AimFrame{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.haveLast
}
