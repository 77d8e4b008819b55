// Package netio provides the layer-2 frame I/O used for inter-node traffic.
//
// A Port sends and receives raw Ethernet frames. The on-wire layout is
// always header-first with an optional page-sized body as a second
// scatter/gather segment; ports that cannot do scatter/gather coalesce the
// two segments into one buffer before transmit.
package netio

import (
	"errors"
	"fmt"
)

// EthHeaderLen is the size of an Ethernet header: dst(6) + src(6) + type(2).
const EthHeaderLen = 14

// MaxBodyLen caps the second frame segment at one guest page.
const MaxBodyLen = 4096

// MAC is a layer-2 hardware address.
type MAC [6]byte

// BroadcastMAC addresses every node on the segment.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is the all-ones broadcast address.
func (m MAC) IsBroadcast() bool {
	return m == BroadcastMAC
}

// ParseMAC parses the usual colon-separated form.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&m[0], &m[1], &m[2], &m[3], &m[4], &m[5])
	if err != nil || n != 6 {
		return MAC{}, fmt.Errorf("parsing mac %q: %w", s, err)
	}
	return m, nil
}

// RecvFunc is invoked for every frame addressed to the port (or broadcast).
// It runs on the port's delivery goroutine — the moral equivalent of IRQ
// context. The payload and body slices are only valid for the duration of
// the call; receivers that keep data must copy it out or take ownership of
// a body that was handed over explicitly.
type RecvFunc func(src MAC, etherType uint16, payload []byte, body []byte)

// ErrPortClosed is returned by Xmit after Close.
var ErrPortClosed = errors.New("netio: port closed")

// Port is one attachment point to the inter-node segment.
type Port interface {
	// HWAddr returns the port's own address.
	HWAddr() MAC

	// Xmit sends a single frame: Ethernet header, the given payload, and
	// an optional body segment. Non-blocking; the frame is never duplicated.
	Xmit(dst MAC, etherType uint16, payload []byte, body []byte) error

	// Bind installs the receive callback. Must be called before any frame
	// can be delivered; calling it twice is a programming error.
	Bind(fn RecvFunc)

	// Close detaches the port and stops delivery.
	Close() error
}
