package dummynet

//
// Protocol dissector
//

import (
	"errors"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DissectedPacket is a dissected IP packet. The zero-value is invalid; you
// MUST use the [DissectPacket] factory to create a new instance.
type DissectedPacket struct {
	// Packet is the underlying packet.
	Packet gopacket.Packet

	// IP is the network layer (either IPv4 or IPv6).
	IP gopacket.NetworkLayer

	// TCP is the POSSIBLY NIL tcp layer.
	TCP *layers.TCP

	// UDP is the POSSIBLY NIL UDP layer.
	UDP *layers.UDP
}

// ErrDissectShortPacket indicates the packet is too short.
var ErrDissectShortPacket = errors.New("dummynet: dissect: packet too short")

// ErrDissectNetwork indicates that we do not support the packet's network protocol.
var ErrDissectNetwork = errors.New("dummynet: dissect: unsupported network protocol")

// DissectPacket parses a packet TCP/IP layers. Packets whose transport
// is neither TCP nor UDP are valid and have nil TCP and UDP layers.
func DissectPacket(rawPacket []byte) (*DissectedPacket, error) {
	dp := &DissectedPacket{}

	// we receive raw IPv4 or IPv6 packets and we need to
	// sniff the actual version from the first octet
	if len(rawPacket) < 1 {
		return nil, ErrDissectShortPacket
	}
	version := uint8(rawPacket[0]) >> 4

	// parse the IP layer
	switch {
	case version == 4:
		dp.Packet = gopacket.NewPacket(rawPacket, layers.LayerTypeIPv4, gopacket.Lazy)
		ipLayer := dp.Packet.Layer(layers.LayerTypeIPv4)
		if ipLayer == nil {
			return nil, ErrDissectNetwork
		}
		dp.IP = ipLayer.(*layers.IPv4)

	case version == 6:
		dp.Packet = gopacket.NewPacket(rawPacket, layers.LayerTypeIPv6, gopacket.Lazy)
		ipLayer := dp.Packet.Layer(layers.LayerTypeIPv6)
		if ipLayer == nil {
			return nil, ErrDissectNetwork
		}
		dp.IP = ipLayer.(*layers.IPv6)

	default:
		return nil, ErrDissectNetwork
	}

	// parse the transport layer
	switch dp.TransportProtocol() {
	case layers.IPProtocolTCP:
		if layer := dp.Packet.Layer(layers.LayerTypeTCP); layer != nil {
			dp.TCP = layer.(*layers.TCP)
		}

	case layers.IPProtocolUDP:
		if layer := dp.Packet.Layer(layers.LayerTypeUDP); layer != nil {
			dp.UDP = layer.(*layers.UDP)
		}
	}

	return dp, nil
}

// TransportProtocol returns the packet's transport protocol.
func (dp *DissectedPacket) TransportProtocol() layers.IPProtocol {
	switch v := dp.IP.(type) {
	case *layers.IPv4:
		return v.Protocol
	case *layers.IPv6:
		return v.NextHeader
	default:
		panic(ErrDissectNetwork)
	}
}

// addresses returns the packet's source and destination addresses.
func (dp *DissectedPacket) addresses() (src, dst netip.Addr) {
	switch v := dp.IP.(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(v.SrcIP)
		dst, _ = netip.AddrFromSlice(v.DstIP)
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(v.SrcIP)
		dst, _ = netip.AddrFromSlice(v.DstIP)
	default:
		panic(ErrDissectNetwork)
	}
	return
}

// FlowID returns the packet's flow id. IPv6 addresses are folded into
// 32 bits using [IPv4]. The flags contain the TCP flags, if any.
func (dp *DissectedPacket) FlowID() FlowID {
	src, dst := dp.addresses()
	id := FlowID{
		SrcIP: IPv4(src),
		DstIP: IPv4(dst),
		Proto: uint8(dp.TransportProtocol()),
	}
	switch {
	case dp.TCP != nil:
		id.SrcPort = uint16(dp.TCP.SrcPort)
		id.DstPort = uint16(dp.TCP.DstPort)
		id.Flags = tcpFlags(dp.TCP)
	case dp.UDP != nil:
		id.SrcPort = uint16(dp.UDP.SrcPort)
		id.DstPort = uint16(dp.UDP.DstPort)
	}
	return id
}

// tcpFlags packs the TCP flags like they appear on the wire.
func tcpFlags(tcp *layers.TCP) uint8 {
	var flags uint8
	for idx, set := range []bool{tcp.FIN, tcp.SYN, tcp.RST, tcp.PSH, tcp.ACK, tcp.URG, tcp.ECE, tcp.CWR} {
		if set {
			flags |= 1 << idx
		}
	}
	return flags
}

// FlowIDFromPacket dissects a raw IPv4 or IPv6 packet and returns its flow id.
func FlowIDFromPacket(rawPacket []byte) (FlowID, error) {
	dp, err := DissectPacket(rawPacket)
	if err != nil {
		return FlowID{}, err
	}
	return dp.FlowID(), nil
}
