package dummynet

import (
	"testing"

	"github.com/montanaflynn/stats"
)

func TestRNGStreamSource(t *testing.T) {
	rs := NewRNGStreamSource("test")
	var values stats.Float64Data
	for idx := 0; idx < 10000; idx++ {
		v := rs.Uint16()
		if v > 0xffff {
			t.Fatal("value out of range", v)
		}
		values = append(values, float64(v))
	}
	mean, err := stats.Mean(values)
	if err != nil {
		t.Fatal(err)
	}
	if mean < 0.45*0x10000 || mean > 0.55*0x10000 {
		t.Fatal("unexpected mean", mean)
	}
}
