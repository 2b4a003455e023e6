// Package button reads a momentary push button wired between a GPIO line and
// ground, using the line's internal pull-up.
package button

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	// Chip is a gpiochip name ("gpiochip0") or path.
	Chip     string
	Line     int
	Debounce time.Duration
}

// Button reports press and release. Repeated edges in the same direction
// (contact bounce that slips past the kernel debounce) are dropped.
type Button struct {
	cfg      Config
	onChange func(down bool)

	mu     sync.Mutex
	down   bool
	closer io.Closer

	presses uint64
}

// Open requests the GPIO line. onChange runs on the GPIO event goroutine.
func Open(cfg Config, onChange func(down bool)) (*Button, error) {
	if cfg.Line < 0 {
		return nil, fmt.Errorf("button: invalid line %d", cfg.Line)
	}
	if onChange == nil {
		return nil, fmt.Errorf("button: onChange is nil")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	b := &Button{cfg: cfg, onChange: onChange}
	closer, err := openLine(b)
	if err != nil {
		return nil, err
	}
	b.closer = closer
	log.Printf("button: listening on %s line %d", cfg.Chip, cfg.Line)
	return b, nil
}

// edge handles one debounced transition. The button is active low, so a
// falling edge is a press.
func (b *Button) edge(falling bool) {
	b.mu.Lock()
	if falling == b.down {
		b.mu.Unlock()
		return
	}
	b.down = falling
	b.mu.Unlock()

	if falling {
		atomic.AddUint64(&b.presses, 1)
	}
	b.onChange(falling)
}

func (b *Button) Presses() uint64 { return atomic.LoadUint64(&b.presses) }

func (b *Button) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	c := b.closer
	b.closer = nil
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
