package bridge

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var errNotIP = errors.New("not an IP packet")

// packetDst checks that b starts with a well-formed IPv4 or IPv6 header no
// longer than b and returns the destination address.
func packetDst(b []byte) (netip.Addr, error) {
	if len(b) == 0 {
		return netip.Addr{}, errNotIP
	}
	switch b[0] >> 4 {
	case ipv4.Version:
		h, err := ipv4.ParseHeader(b)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: %v", errNotIP, err)
		}
		if h.Len < ipv4.HeaderLen || h.TotalLen < h.Len || h.TotalLen > len(b) {
			return netip.Addr{}, fmt.Errorf("%w: bad ipv4 lengths hdr=%d total=%d have=%d", errNotIP, h.Len, h.TotalLen, len(b))
		}
		dst, ok := netip.AddrFromSlice(h.Dst.To4())
		if !ok {
			return netip.Addr{}, fmt.Errorf("%w: bad ipv4 destination", errNotIP)
		}
		return dst, nil
	case ipv6.Version:
		h, err := ipv6.ParseHeader(b)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: %v", errNotIP, err)
		}
		if ipv6.HeaderLen+h.PayloadLen > len(b) {
			return netip.Addr{}, fmt.Errorf("%w: ipv6 payload length %d exceeds packet", errNotIP, h.PayloadLen)
		}
		dst, ok := netip.AddrFromSlice(h.Dst.To16())
		if !ok {
			return netip.Addr{}, fmt.Errorf("%w: bad ipv6 destination", errNotIP)
		}
		return dst, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: version %d", errNotIP, b[0]>>4)
}

// broadcastAddr returns the directed broadcast address of an IPv4 prefix.
// Point-to-point /31 links and host /32 prefixes have none (RFC 3021).
func broadcastAddr(p netip.Prefix) netip.Addr {
	if !p.Addr().Is4() || p.Bits() >= 31 {
		return netip.Addr{}
	}
	a := p.Masked().Addr().As4()
	host := 32 - p.Bits()
	for i := 3; i >= 0 && host > 0; i-- {
		n := min(host, 8)
		a[i] |= byte(1<<n - 1)
		host -= n
	}
	return netip.AddrFrom4(a)
}
