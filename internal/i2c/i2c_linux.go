//go:build linux

package i2c

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linux/i2c.h and linux/i2c-dev.h.
const (
	flagRead   = 0x0001
	ioctlRdwr  = 0x0707
	maxRetries = 3
)

// i2cMsg mirrors struct i2c_msg.
type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

// rdwrIoctlData mirrors struct i2c_rdwr_ioctl_data.
type rdwrIoctlData struct {
	msgs  uintptr
	nmsgs uint32
}

// Bus is an opened /dev/i2c-N. Transfers from any number of Devs are
// serialised, so an IMU and a second sensor can share one bus.
type Bus struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func Open(path string) (*Bus, error) {
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("i2c: open %s: %w", path, err)
	}
	return &Bus{f: f, path: path}, nil
}

func (b *Bus) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

func (b *Bus) Dev(addr uint16) *Dev {
	if b == nil {
		return nil
	}
	return &Dev{bus: b, addr: addr}
}

// Dev is a register-mapped device at a 7-bit address.
type Dev struct {
	bus  *Bus
	addr uint16
}

func (d *Dev) Addr() uint16 { return d.addr }

// ReadReg reads len(dst) bytes starting at reg. The register write and the
// read share one I2C_RDWR transaction with a repeated start, which burst
// reads of sensor output registers rely on.
func (d *Dev) ReadReg(reg byte, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	w := [1]byte{reg}
	err := d.transfer(reg, []i2cMsg{
		{addr: d.addr, len: 1, buf: uintptr(unsafe.Pointer(&w[0]))},
		{addr: d.addr, flags: flagRead, len: uint16(len(dst)), buf: uintptr(unsafe.Pointer(&dst[0]))},
	})
	// The kernel only sees the buffers as integers.
	runtime.KeepAlive(&w)
	runtime.KeepAlive(dst)
	return err
}

func (d *Dev) ReadRegU8(reg byte) (byte, error) {
	var b [1]byte
	if err := d.ReadReg(reg, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Dev) WriteReg(reg, value byte) error {
	w := [2]byte{reg, value}
	err := d.transfer(reg, []i2cMsg{
		{addr: d.addr, len: 2, buf: uintptr(unsafe.Pointer(&w[0]))},
	})
	runtime.KeepAlive(&w)
	return err
}

func (d *Dev) transfer(reg byte, msgs []i2cMsg) error {
	if d == nil || d.bus == nil {
		return errors.New("i2c: device is nil")
	}
	if d.addr == 0 || d.addr > 0x7F {
		return fmt.Errorf("i2c: invalid i2c addr 0x%X", d.addr)
	}

	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	if d.bus.f == nil {
		return fmt.Errorf("i2c: %s is closed", d.bus.path)
	}

	data := rdwrIoctlData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(len(msgs))}
	var errno unix.Errno
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, d.bus.f.Fd(), uintptr(ioctlRdwr), uintptr(unsafe.Pointer(&data)))
		if !retryable(errno) {
			break
		}
	}
	if errno != 0 {
		return fmt.Errorf("i2c: %s addr 0x%02X reg 0x%02X: %w", d.bus.path, d.addr, reg, errno)
	}
	return nil
}

// retryable reports transient failures: a signal during the ioctl, or a
// controller that was momentarily busy.
func retryable(errno unix.Errno) bool {
	return errno == unix.EINTR || errno == unix.EAGAIN
}
