//go:build !linux

package button

import (
	"fmt"
	"io"
)

func openLine(b *Button) (io.Closer, error) {
	return nil, fmt.Errorf("button: gpio unsupported on this platform")
}
