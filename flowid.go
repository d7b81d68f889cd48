package dummynet

//
// Flow identifiers
//

import (
	"fmt"
	"net/netip"
)

// FlowID identifies the flow a packet belongs to.
type FlowID struct {
	// SrcIP is the IPv4 source address in host byte order.
	SrcIP uint32 `json:"src_ip" yaml:"src_ip"`

	// DstIP is the IPv4 destination address in host byte order.
	DstIP uint32 `json:"dst_ip" yaml:"dst_ip"`

	// SrcPort is the transport source port.
	SrcPort uint16 `json:"src_port" yaml:"src_port"`

	// DstPort is the transport destination port.
	DstPort uint16 `json:"dst_port" yaml:"dst_port"`

	// Proto is the transport protocol number.
	Proto uint8 `json:"proto" yaml:"proto"`

	// Flags contains flags derived from the packet (e.g., TCP flags). The
	// classifier clears them before looking up the flow queue.
	Flags uint8 `json:"flags" yaml:"flags"`
}

// FlowMask selects which [FlowID] bits participate in classification. The
// zero value means that all the packets belong to the same flow.
type FlowMask FlowID

// String implements fmt.Stringer.
func (id FlowID) String() string {
	return fmt.Sprintf(
		"%s:%d %s:%d/%d",
		ipv4String(id.SrcIP),
		id.SrcPort,
		ipv4String(id.DstIP),
		id.DstPort,
		id.Proto,
	)
}

// ipv4String formats an IPv4 address in host byte order.
func ipv4String(addr uint32) string {
	return netip.AddrFrom4([4]byte{
		byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr),
	}).String()
}

// IPv4 converts an IPv4 address to the host byte order representation
// used by [FlowID]. IPv6 addresses are folded by XORing their 32-bit words,
// and IPv4-mapped IPv6 addresses are unmapped first.
func IPv4(addr netip.Addr) uint32 {
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	}
	b := addr.As16()
	var folded uint32
	for idx := 0; idx < 16; idx += 4 {
		folded ^= uint32(b[idx])<<24 | uint32(b[idx+1])<<16 | uint32(b[idx+2])<<8 | uint32(b[idx+3])
	}
	return folded
}

// IsZero returns whether the mask is all zero.
func (m FlowMask) IsZero() bool {
	return m == FlowMask{}
}

// apply returns the masked flow id with cleared flags.
func (m FlowMask) apply(id FlowID) FlowID {
	return FlowID{
		SrcIP:   id.SrcIP & m.SrcIP,
		DstIP:   id.DstIP & m.DstIP,
		SrcPort: id.SrcPort & m.SrcPort,
		DstPort: id.DstPort & m.DstPort,
		Proto:   id.Proto & m.Proto,
		Flags:   0,
	}
}

// hash maps a masked flow id into [0, size).
func (id FlowID) hash(size int) int {
	dstIP, srcIP := id.DstIP, id.SrcIP
	v := (dstIP & 0xffff) ^
		((dstIP >> 15) & 0xffff) ^
		((srcIP << 1) & 0xffff) ^
		((srcIP >> 16) & 0xffff) ^
		(uint32(id.DstPort) << 1) ^
		uint32(id.SrcPort) ^
		uint32(id.Proto)
	return int(v % uint32(size))
}
