//go:build linux

package button

import (
	"fmt"
	"io"

	"github.com/warthog618/go-gpiocdev"
)

func openLine(b *Button) (io.Closer, error) {
	line, err := gpiocdev.RequestLine(b.cfg.Chip, b.cfg.Line,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithDebounce(b.cfg.Debounce),
		gpiocdev.WithConsumer("gyroaim-button"),
		gpiocdev.WithEventHandler(func(ev gpiocdev.LineEvent) {
			b.edge(ev.Type == gpiocdev.LineEventFallingEdge)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("button: request %s line %d: %w", b.cfg.Chip, b.cfg.Line, err)
	}
	return line, nil
}
