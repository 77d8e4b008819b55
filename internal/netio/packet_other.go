//go:build !linux

package netio

import "fmt"

// PacketPort requires AF_PACKET; only Linux hosts can join a real segment.
type PacketPort struct{}

// OpenPacketPort is unsupported off Linux; single-host clusters over the
// in-memory switch still work everywhere.
func OpenPacketPort(ifname string) (*PacketPort, error) {
	return nil, fmt.Errorf("netio: raw Ethernet ports require linux")
}

func (p *PacketPort) HWAddr() MAC  { return MAC{} }
func (p *PacketPort) Bind(RecvFunc) {}
func (p *PacketPort) Xmit(dst MAC, etherType uint16, payload, body []byte) error {
	return fmt.Errorf("netio: raw Ethernet ports require linux")
}
func (p *PacketPort) Close() error { return nil }
