// Package i2c talks to register-mapped sensors on a Linux I2C bus.
package i2c

import "fmt"

// BusPath returns the character device for bus number n.
func BusPath(n int) string {
	return fmt.Sprintf("/dev/i2c-%d", n)
}

// RegIO is the register access a sensor driver needs. *Dev implements it.
type RegIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

// Int16BE decodes the signed big-endian word at b[i:i+2], the layout of
// most IMU output registers.
func Int16BE(b []byte, i int) int16 {
	return int16(b[i])<<8 | int16(b[i+1])
}
