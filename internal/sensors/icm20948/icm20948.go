package icm20948

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"gyroaim/internal/i2c"
	"gyroaim/internal/monoclock"
	"gyroaim/internal/sensors"
)

var (
	sleep = time.Sleep
	nowNS = monoclock.NowNS
)

// Minimal ICM-20948 driver: probe, configure full-scale ranges and sample
// rate, then burst-read accel and gyro.
// WHO_AM_I at 0x00 should return 0xEA.

const (
	addrDefault = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	regIntEnable  = 0x10
	regAccelXoutH = 0x2D // contiguous accel+gyro block

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig1  = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	fsAccel4g = 0x02

	baseRateHz = 1125
)

// Full-scale gyro ranges in deg/s. Aiming needs more headroom than attitude
// work, so the default is the widest.
var gyroRanges = map[int]byte{250: 0, 500: 1, 1000: 2, 2000: 3}

type Options struct {
	GyroRangeDPS int
	RateHz       int
}

func (o Options) withDefaults() Options {
	if o.GyroRangeDPS == 0 {
		o.GyroRangeDPS = 2000
	}
	if o.RateHz == 0 {
		o.RateHz = 250
	}
	return o
}

// Reading is one burst read. Accel is in G, gyro in rad/s, both in chip axes.
type Reading struct {
	TimestampNS uint64
	Accel       r3.Vec
	Gyro        r3.Vec
}

// Samples splits r into the two tracker streams.
func (r Reading) Samples() []sensors.Sample {
	return []sensors.Sample{
		{Kind: sensors.Gyro, TimestampNS: r.TimestampNS, Vec: r.Gyro},
		{Kind: sensors.Accel, TimestampNS: r.TimestampNS, Vec: r.Accel},
	}
}

type Device struct {
	dev i2c.RegIO
	opt Options

	curBank    byte
	scaleAccel float64
	scaleGyro  float64 // rad/s per LSB
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev, opt Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	return newWithIO(dev, opt)
}

func newWithIO(dev i2c.RegIO, opt Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	opt = opt.withDefaults()
	sel, ok := gyroRanges[opt.GyroRangeDPS]
	if !ok {
		return nil, fmt.Errorf("icm20948: unsupported gyro range %d dps", opt.GyroRangeDPS)
	}
	if opt.RateHz < 5 || opt.RateHz > baseRateHz {
		return nil, fmt.Errorf("icm20948: rate %d Hz out of range", opt.RateHz)
	}
	d := &Device{dev: dev, opt: opt, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(sel); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) init(gyroSel byte) error {
	if err := d.setBank(0); err != nil {
		return err
	}
	_ = d.dev.WriteReg(regIntEnable, 0x00)

	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// Reset returns the chip to bank 0.
	d.curBank = 0

	// CLKSEL=1: PLL when available.
	if err := d.dev.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	if err := d.setBank(bank2); err != nil {
		return err
	}

	// rate = 1125/(div+1)
	div := byte(baseRateHz/d.opt.RateHz - 1)
	if err := d.dev.WriteReg(regGyroSmplrt, div); err != nil {
		return fmt.Errorf("icm20948: gyro rate failed: %w", err)
	}
	_ = d.dev.WriteReg(regAccelSmplrt2, div)

	if err := d.dev.WriteReg(regGyroConfig1, gyroSel<<1); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, fsAccel4g); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}

	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = 4.0 / 32768.0
	d.scaleGyro = float64(d.opt.GyroRangeDPS) / 32768.0 * math.Pi / 180
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func (d *Device) Read() (Reading, error) {
	if d == nil {
		return Reading{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Reading{}, err
	}

	var buf [12]byte
	if err := d.dev.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return Reading{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}
	ts := nowNS()

	word := func(i int) float64 { return float64(i2c.Int16BE(buf[:], i)) }
	return Reading{
		TimestampNS: ts,
		Accel:       r3.Vec{X: word(0) * d.scaleAccel, Y: word(2) * d.scaleAccel, Z: word(4) * d.scaleAccel},
		Gyro:        r3.Vec{X: word(6) * d.scaleGyro, Y: word(8) * d.scaleGyro, Z: word(10) * d.scaleGyro},
	}, nil
}

// Source polls an ICM-20948 on a Linux I2C bus.
type Source struct {
	BusPath string
	Addr    uint16
	Options Options
}

func (s *Source) Name() string { return "icm20948" }

func (s *Source) Run(ctx context.Context, emit func(sensors.Sample)) error {
	addr := s.Addr
	if addr == 0 {
		addr = addrDefault
	}
	bus, err := i2c.Open(s.BusPath)
	if err != nil {
		return fmt.Errorf("icm20948: %w", err)
	}
	defer bus.Close()

	dev, err := New(bus.Dev(addr), s.Options)
	if err != nil {
		return err
	}
	interval := time.Second / time.Duration(dev.opt.RateHz)
	return sensors.Poll(ctx, s.Name(), interval, func() ([]sensors.Sample, error) {
		r, err := dev.Read()
		if err != nil {
			return nil, err
		}
		return r.Samples(), nil
	}, emit)
}
