// Package serialimu reads motion samples streamed as text lines over a serial
// port, as emitted by small microcontroller IMU bridges:
//
//	G,<t_ns>,<x>,<y>,<z>   gyro, rad/s
//	A,<t_ns>,<x>,<y>,<z>   accelerometer, any unit
//
// A timestamp of 0 means "stamp on arrival". Lines starting with '#' are
// comments.
package serialimu

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync/atomic"

	"go.bug.st/serial"
	"gonum.org/v1/gonum/spatial/r3"

	"gyroaim/internal/monoclock"
	"gyroaim/internal/sensors"
)

var nowNS = monoclock.NowNS

// ParseLine decodes one line. ok is false for blank lines and comments.
func ParseLine(line string) (s sensors.Sample, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return sensors.Sample{}, false, nil
	}
	parts := strings.Split(line, ",")
	if len(parts) != 5 {
		return sensors.Sample{}, false, fmt.Errorf("serialimu: want 5 fields, got %d", len(parts))
	}
	switch strings.ToUpper(strings.TrimSpace(parts[0])) {
	case "G":
		s.Kind = sensors.Gyro
	case "A":
		s.Kind = sensors.Accel
	default:
		return sensors.Sample{}, false, fmt.Errorf("serialimu: unknown sample kind %q", parts[0])
	}
	s.TimestampNS, err = strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return sensors.Sample{}, false, fmt.Errorf("serialimu: timestamp: %w", err)
	}
	var v [3]float64
	for i := range v {
		v[i], err = strconv.ParseFloat(strings.TrimSpace(parts[2+i]), 64)
		if err != nil {
			return sensors.Sample{}, false, fmt.Errorf("serialimu: component %d: %w", i, err)
		}
	}
	s.Vec = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	return s, true, nil
}

// Stats counts lines seen by Scan.
type Stats struct {
	Samples   uint64
	Malformed uint64
}

// Scan decodes lines from r until EOF, a read error, or ctx is done.
// Malformed lines are counted and skipped; the first one is logged.
func Scan(ctx context.Context, r io.Reader, emit func(sensors.Sample), stats *Stats) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		s, ok, err := ParseLine(sc.Text())
		if err != nil {
			if atomic.AddUint64(&stats.Malformed, 1) == 1 {
				log.Printf("%v (line %q)", err, sc.Text())
			}
			continue
		}
		if !ok {
			continue
		}
		if s.TimestampNS == 0 {
			s.TimestampNS = nowNS()
		}
		atomic.AddUint64(&stats.Samples, 1)
		emit(s)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serialimu: read: %w", err)
	}
	return nil
}

// Source reads the line protocol from a serial port.
type Source struct {
	Port     string
	BaudRate int

	stats Stats
}

func (s *Source) Name() string { return "serial" }

func (s *Source) Stats() Stats {
	return Stats{
		Samples:   atomic.LoadUint64(&s.stats.Samples),
		Malformed: atomic.LoadUint64(&s.stats.Malformed),
	}
}

func (s *Source) mode() *serial.Mode {
	baud := s.BaudRate
	if baud <= 0 {
		baud = 115200
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

func (s *Source) Run(ctx context.Context, emit func(sensors.Sample)) error {
	port, err := serial.Open(s.Port, s.mode())
	if err != nil {
		return fmt.Errorf("serialimu: open %s: %w", s.Port, err)
	}
	// Closing the port unblocks the pending Read.
	stop := context.AfterFunc(ctx, func() { _ = port.Close() })
	defer func() {
		if stop() {
			_ = port.Close()
		}
	}()
	if err := Scan(ctx, port, emit, &s.stats); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return fmt.Errorf("serialimu: %s: port closed", s.Port)
	}
	return nil
}
