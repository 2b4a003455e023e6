package iio

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gyroaim/internal/sensors"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body+"\n"), 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}
}

func fakeDevices(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, filepath.Join(root, "iio:device0"), map[string]string{
		"name":           "bmi260-accel",
		"in_accel_x_raw": "1",
		"in_accel_y_raw": "2",
		"in_accel_z_raw": "3",
		"in_accel_scale": "0.1",
	})
	writeFiles(t, filepath.Join(root, "iio:device1"), map[string]string{
		"name":               "bmi260",
		"in_anglvel_x_raw":   "100",
		"in_anglvel_y_raw":   "-200",
		"in_anglvel_z_raw":   "0",
		"in_anglvel_scale":   "0.001",
		"in_anglvel_z_scale": "0.002",
		"in_accel_x_raw":     "0",
		"in_accel_y_raw":     "9810",
		"in_accel_z_raw":     "0",
		"in_accel_scale":     "0.001",
	})
	return root
}

func TestFind_SkipsDevicesWithoutGyro(t *testing.T) {
	root := fakeDevices(t)
	got, err := Find(root, "")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if want := filepath.Join(root, "iio:device1"); got != want {
		t.Fatalf("Find=%q want %q", got, want)
	}
	if _, err := Find(root, "lsm6"); err == nil {
		t.Fatalf("expected no match for lsm6")
	}
}

func TestOpenRead_AppliesScales(t *testing.T) {
	old := nowNS
	nowNS = func() uint64 { return 7 }
	t.Cleanup(func() { nowNS = old })

	root := fakeDevices(t)
	d, err := Open(filepath.Join(root, "iio:device1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d.Name != "bmi260" || !d.HasAccel() {
		t.Fatalf("name=%q accel=%v", d.Name, d.HasAccel())
	}

	samples, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("len=%d want 2", len(samples))
	}
	g := samples[0]
	if g.Kind != sensors.Gyro || g.TimestampNS != 7 {
		t.Fatalf("gyro sample=%+v", g)
	}
	if math.Abs(g.Vec.X-0.1) > 1e-12 || math.Abs(g.Vec.Y+0.2) > 1e-12 || g.Vec.Z != 0 {
		t.Fatalf("gyro=%v want (0.1,-0.2,0)", g.Vec)
	}
	a := samples[1]
	if a.Kind != sensors.Accel || math.Abs(a.Vec.Y-9.81) > 1e-9 {
		t.Fatalf("accel sample=%+v want y=9.81", a)
	}
}

func TestOpen_AccelOnlyDeviceFails(t *testing.T) {
	root := fakeDevices(t)
	if _, err := Open(filepath.Join(root, "iio:device0")); err == nil {
		t.Fatalf("expected error for accel-only device")
	}
}

func TestSourceRun_MissingDirFails(t *testing.T) {
	s := &Source{Dir: filepath.Join(t.TempDir(), "missing")}
	if err := s.Run(context.Background(), func(sensors.Sample) {}); err == nil {
		t.Fatalf("expected error")
	}
}
