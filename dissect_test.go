package dummynet

import (
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// serializeTestPacket serializes the given layers into a raw packet.
func serializeTestPacket(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDissectPacket(t *testing.T) {
	t.Run("IPv4 and TCP", func(t *testing.T) {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IPv4(10, 0, 0, 2),
			DstIP:    net.IPv4(10, 0, 0, 1),
		}
		tcp := &layers.TCP{
			SrcPort: 54321,
			DstPort: 443,
			SYN:     true,
			ACK:     true,
			Window:  65535,
		}
		tcp.SetNetworkLayerForChecksum(ip)
		raw := serializeTestPacket(t, ip, tcp)

		dp, err := DissectPacket(raw)
		if err != nil {
			t.Fatal(err)
		}
		if dp.TCP == nil || dp.UDP != nil {
			t.Fatal("unexpected transport layers")
		}
		expect := FlowID{
			SrcIP:   0x0a000002,
			DstIP:   0x0a000001,
			SrcPort: 54321,
			DstPort: 443,
			Proto:   6,
			Flags:   0x12,
		}
		if diff := cmp.Diff(expect, dp.FlowID()); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("IPv6 and UDP", func(t *testing.T) {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.ParseIP("2001:db8::2"),
			DstIP:      net.ParseIP("2001:db8::1"),
		}
		udp := &layers.UDP{
			SrcPort: 5353,
			DstPort: 53,
		}
		udp.SetNetworkLayerForChecksum(ip)
		raw := serializeTestPacket(t, ip, udp, gopacket.Payload([]byte("abc")))

		id, err := FlowIDFromPacket(raw)
		if err != nil {
			t.Fatal(err)
		}
		expect := FlowID{
			SrcIP:   0x20010db8 ^ 2,
			DstIP:   0x20010db8 ^ 1,
			SrcPort: 5353,
			DstPort: 53,
			Proto:   17,
		}
		if diff := cmp.Diff(expect, id); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ICMP has no ports", func(t *testing.T) {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    net.IPv4(10, 0, 0, 2),
			DstIP:    net.IPv4(10, 0, 0, 1),
		}
		icmp := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		}
		raw := serializeTestPacket(t, ip, icmp)

		dp, err := DissectPacket(raw)
		if err != nil {
			t.Fatal(err)
		}
		if dp.TransportProtocol() != layers.IPProtocolICMPv4 {
			t.Fatal("unexpected protocol", dp.TransportProtocol())
		}
		id := dp.FlowID()
		if id.SrcPort != 0 || id.DstPort != 0 || id.Proto != 1 {
			t.Fatal("unexpected flow id", id)
		}
	})

	t.Run("failures", func(t *testing.T) {
		type testcase struct {
			name   string
			raw    []byte
			expect error
		}

		cases := []testcase{{
			name:   "empty packet",
			raw:    nil,
			expect: ErrDissectShortPacket,
		}, {
			name:   "unknown IP version",
			raw:    []byte{0x50, 0, 0, 0},
			expect: ErrDissectNetwork,
		}, {
			name:   "truncated IPv4 header",
			raw:    []byte{0x45, 0, 0},
			expect: ErrDissectNetwork,
		}}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				if _, err := FlowIDFromPacket(tc.raw); !errors.Is(err, tc.expect) {
					t.Fatal("expected", tc.expect, "got", err)
				}
			})
		}
	})
}
