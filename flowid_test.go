package dummynet

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIPv4(t *testing.T) {
	type testcase struct {
		addr   string
		expect uint32
	}

	cases := []testcase{{
		addr:   "10.0.0.1",
		expect: 0x0a000001,
	}, {
		addr:   "::ffff:192.168.1.2",
		expect: 0xc0a80102,
	}, {
		addr:   "2001:db8::1",
		expect: 0x20010db8 ^ 0x00000001,
	}, {
		addr:   "::",
		expect: 0,
	}}

	for _, tc := range cases {
		t.Run(tc.addr, func(t *testing.T) {
			if got := IPv4(netip.MustParseAddr(tc.addr)); got != tc.expect {
				t.Fatalf("expected %#x, got %#x", tc.expect, got)
			}
		})
	}
}

func TestFlowID(t *testing.T) {
	id := FlowID{
		SrcIP:   0x0a000002,
		DstIP:   0x0a000001,
		SrcPort: 5000,
		DstPort: 443,
		Proto:   6,
		Flags:   0x02,
	}

	t.Run("String", func(t *testing.T) {
		if s := id.String(); s != "10.0.0.2:5000 10.0.0.1:443/6" {
			t.Fatal("unexpected string", s)
		}
	})

	t.Run("apply masks the fields and clears the flags", func(t *testing.T) {
		mask := FlowMask{SrcIP: 0xffffff00, DstPort: 0xffff}
		expect := FlowID{SrcIP: 0x0a000000, DstPort: 443}
		if diff := cmp.Diff(expect, mask.apply(id)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("IsZero", func(t *testing.T) {
		if !(FlowMask{}).IsZero() {
			t.Fatal("expected the zero mask to be zero")
		}
		if (FlowMask{Proto: 0xff}).IsZero() {
			t.Fatal("expected a nonzero mask")
		}
	})

	t.Run("hash is within range", func(t *testing.T) {
		for _, size := range []int{1, 4, 64, 65536} {
			for port := 0; port < 1000; port++ {
				other := id
				other.SrcPort = uint16(port)
				if h := other.hash(size); h < 0 || h >= size {
					t.Fatal("hash out of range", h, size)
				}
			}
		}
	})
}
