// Package udp sends one JSON datagram per aim frame, for game-side
// listeners that would rather not speak HTTP or MQTT.
package udp

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync/atomic"
)

// Datagrams above this are likely to fragment on a typical LAN.
const maxDatagram = 1400

type udpConn interface {
	io.Writer
	io.Closer
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

type Broadcaster struct {
	dest string
	conn udpConn

	sent   uint64
	failed uint64
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		// DialUDP selects a suitable local address automatically; Go enables
		// SO_BROADCAST on UDP sockets so a broadcast dest works too.
		return net.DialUDP(network, laddr, raddr)
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve dest: %w", err)
	}
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial: %w", err)
	}
	return &Broadcaster{dest: dest, conn: conn}, nil
}

func (b *Broadcaster) Dest() string { return b.dest }

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if len(payload) > maxDatagram {
		atomic.AddUint64(&b.failed, 1)
		return fmt.Errorf("udp: payload too large (%d bytes)", len(payload))
	}
	if _, err := b.conn.Write(payload); err != nil {
		atomic.AddUint64(&b.failed, 1)
		return err
	}
	atomic.AddUint64(&b.sent, 1)
	return nil
}

// SendJSON marshals v and sends it as one datagram.
func (b *Broadcaster) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("udp: marshal: %w", err)
	}
	return b.Send(payload)
}

// Counts returns datagrams sent and failed.
func (b *Broadcaster) Counts() (sent, failed uint64) {
	return atomic.LoadUint64(&b.sent), atomic.LoadUint64(&b.failed)
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
