//go:build linux

package netio

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// etherMTU is the largest frame we ever see: header segment plus one page.
const etherMTU = EthHeaderLen + 512 + MaxBodyLen

// PacketPort attaches to a real NIC through an AF_PACKET raw socket. Frames
// are transmitted with sendmsg scatter/gather so the page body is never
// copied into the header buffer.
type PacketPort struct {
	fd      int
	ifindex int
	mac     MAC

	mu     sync.Mutex
	recv   RecvFunc
	closed bool
	wg     sync.WaitGroup
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// OpenPacketPort binds a raw socket to the named interface.
func OpenPacketPort(ifname string) (*PacketPort, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", ifname, err)
	}
	if len(ifi.HardwareAddr) != 6 {
		return nil, fmt.Errorf("%s has no usable hardware address", ifname)
	}
	var mac MAC
	copy(mac[:], ifi.HardwareAddr)

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("opening packet socket: %w", err)
	}

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding %s: %w", ifname, err)
	}

	return &PacketPort{fd: fd, ifindex: ifi.Index, mac: mac}, nil
}

func (p *PacketPort) HWAddr() MAC { return p.mac }

func (p *PacketPort) Bind(fn RecvFunc) {
	p.mu.Lock()
	if p.recv != nil {
		p.mu.Unlock()
		panic("netio: port already bound")
	}
	p.recv = fn
	p.mu.Unlock()

	p.wg.Add(1)
	go p.recvLoop()
}

func (p *PacketPort) Xmit(dst MAC, etherType uint16, payload, body []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPortClosed
	}
	if len(body) > MaxBodyLen {
		return fmt.Errorf("netio: body %d exceeds %d", len(body), MaxBodyLen)
	}

	hdr := make([]byte, EthHeaderLen, EthHeaderLen+len(payload))
	copy(hdr[0:6], dst[:])
	copy(hdr[6:12], p.mac[:])
	hdr[12] = byte(etherType >> 8)
	hdr[13] = byte(etherType)
	hdr = append(hdr, payload...)

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(uint16(etherType)),
		Ifindex:  p.ifindex,
		Halen:    6,
	}
	copy(sll.Addr[:], dst[:])

	bufs := [][]byte{hdr}
	if len(body) > 0 {
		bufs = append(bufs, body)
	}
	if _, err := unix.SendmsgBuffers(p.fd, bufs, nil, sll, 0); err != nil {
		return fmt.Errorf("xmit to %s: %w", dst, err)
	}
	return nil
}

func (p *PacketPort) recvLoop() {
	defer p.wg.Done()
	buf := make([]byte, etherMTU)
	for {
		n, _, err := unix.Recvfrom(p.fd, buf, 0)
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed || err == unix.EBADF {
				return
			}
			continue
		}
		if n < EthHeaderLen {
			continue
		}

		var dst, src MAC
		copy(dst[:], buf[0:6])
		copy(src[:], buf[6:12])
		if dst != p.mac && !dst.IsBroadcast() {
			continue
		}
		etherType := uint16(buf[12])<<8 | uint16(buf[13])

		p.mu.Lock()
		fn := p.recv
		p.mu.Unlock()
		if fn != nil {
			// Header/body split happens in the transport, which knows the
			// per-type header length. The slice dies with this call.
			fn(src, etherType, buf[EthHeaderLen:n], nil)
		}
	}
}

func (p *PacketPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := unix.Close(p.fd)
	p.wg.Wait()
	return err
}
