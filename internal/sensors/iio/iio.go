// Package iio reads gyro and accelerometer channels from a Linux Industrial
// I/O device through sysfs.
package iio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"gyroaim/internal/monoclock"
	"gyroaim/internal/sensors"
)

const DevicesDir = "/sys/bus/iio/devices"

var nowNS = monoclock.NowNS

type channel struct {
	raw   [3]string
	scale r3.Vec
}

// Device is an opened IIO device. raw * scale gives rad/s for anglvel and
// m/s^2 for accel.
type Device struct {
	Base  string
	Name  string
	gyro  *channel
	accel *channel
}

// Find returns the first device under dir whose name contains name (case
// insensitive) and that has a gyro. An empty name matches any device.
func Find(dir, name string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("iio: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "iio:device") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	want := strings.ToLower(strings.TrimSpace(name))
	for _, n := range names {
		base := filepath.Join(dir, n)
		if !fileExists(filepath.Join(base, "in_anglvel_x_raw")) {
			continue
		}
		devName := strings.ToLower(readTrim(filepath.Join(base, "name")))
		if want == "" || strings.Contains(devName, want) {
			return base, nil
		}
	}
	return "", fmt.Errorf("iio: no gyro device matching %q in %s", name, dir)
}

func Open(base string) (*Device, error) {
	d := &Device{Base: base, Name: readTrim(filepath.Join(base, "name"))}
	var err error
	if d.gyro, err = openChannel(base, "anglvel"); err != nil {
		return nil, err
	}
	if d.gyro == nil {
		return nil, fmt.Errorf("iio: %s has no anglvel channels", base)
	}
	if d.accel, err = openChannel(base, "accel"); err != nil {
		return nil, err
	}
	return d, nil
}

func openChannel(base, kind string) (*channel, error) {
	c := &channel{}
	for i, axis := range []string{"x", "y", "z"} {
		c.raw[i] = filepath.Join(base, fmt.Sprintf("in_%s_%s_raw", kind, axis))
		if !fileExists(c.raw[i]) {
			return nil, nil
		}
	}
	// Per-axis scale wins over the shared one.
	shared, sharedOK := readFloatIfExists(filepath.Join(base, fmt.Sprintf("in_%s_scale", kind)))
	scale := [3]float64{}
	for i, axis := range []string{"x", "y", "z"} {
		v, ok := readFloatIfExists(filepath.Join(base, fmt.Sprintf("in_%s_%s_scale", kind, axis)))
		switch {
		case ok:
			scale[i] = v
		case sharedOK:
			scale[i] = shared
		default:
			return nil, fmt.Errorf("iio: %s: no scale for %s %s", base, kind, axis)
		}
	}
	c.scale = r3.Vec{X: scale[0], Y: scale[1], Z: scale[2]}
	return c, nil
}

// HasAccel reports whether the device also exposes accelerometer channels.
func (d *Device) HasAccel() bool { return d.accel != nil }

// Read returns a gyro sample and, when available, an accel sample sharing
// one timestamp.
func (d *Device) Read() ([]sensors.Sample, error) {
	g, err := d.gyro.read()
	if err != nil {
		return nil, err
	}
	ts := nowNS()
	out := []sensors.Sample{{Kind: sensors.Gyro, TimestampNS: ts, Vec: g}}
	if d.accel != nil {
		a, err := d.accel.read()
		if err != nil {
			return nil, err
		}
		out = append(out, sensors.Sample{Kind: sensors.Accel, TimestampNS: ts, Vec: a})
	}
	return out, nil
}

func (c *channel) read() (r3.Vec, error) {
	var v [3]float64
	for i, p := range c.raw {
		raw, err := readInt(p)
		if err != nil {
			return r3.Vec{}, err
		}
		v[i] = float64(raw)
	}
	return r3.Vec{X: v[0] * c.scale.X, Y: v[1] * c.scale.Y, Z: v[2] * c.scale.Z}, nil
}

// Source polls an IIO device. Path wins over DeviceName when both are set.
type Source struct {
	Dir        string
	Path       string
	DeviceName string
	RateHz     int
}

func (s *Source) Name() string { return "iio" }

func (s *Source) Run(ctx context.Context, emit func(sensors.Sample)) error {
	base := s.Path
	if base == "" {
		dir := s.Dir
		if dir == "" {
			dir = DevicesDir
		}
		var err error
		if base, err = Find(dir, s.DeviceName); err != nil {
			return err
		}
	}
	dev, err := Open(base)
	if err != nil {
		return err
	}
	rate := s.RateHz
	if rate <= 0 {
		rate = 200
	}
	return sensors.Poll(ctx, s.Name(), time.Second/time.Duration(rate), dev.Read, emit)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func readTrim(p string) string {
	b, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func readFloatIfExists(p string) (float64, bool) {
	s := readTrim(p)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func readInt(p string) (int64, error) {
	fields := strings.Fields(readTrim(p))
	if len(fields) == 0 {
		return 0, fmt.Errorf("iio: %s: %w", p, errEmpty)
	}
	v, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("iio: %s: %w", p, err)
	}
	return v, nil
}

var errEmpty = errors.New("empty or unreadable")
