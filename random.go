package dummynet

//
// Random numbers for PLR and RED
//

import "github.com/iti/rngstream"

// RandomSource provides the random numbers used to implement the packet
// loss rate and RED. Implementations need not be safe for concurrent use
// because the [Scheduler] only uses them while holding its lock.
type RandomSource interface {
	// Uint16 returns a uniformly distributed number in [0, 0xffff].
	Uint16() uint32
}

// RNGStreamSource is a [RandomSource] backed by an rngstream stream. The
// zero value is invalid; construct using [NewRNGStreamSource].
type RNGStreamSource struct {
	stream *rngstream.RngStream
}

// NewRNGStreamSource creates a new [RNGStreamSource] with the given name.
//
// Streams are deterministic: the N-th stream created by a process always
// produces the same sequence, which makes simulations reproducible.
func NewRNGStreamSource(name string) *RNGStreamSource {
	return &RNGStreamSource{stream: rngstream.New(name)}
}

var _ RandomSource = &RNGStreamSource{}

// Uint16 implements RandomSource
func (rs *RNGStreamSource) Uint16() uint32 {
	v := uint32(rs.stream.RandU01() * 0x10000)
	if v > 0xffff {
		v = 0xffff
	}
	return v
}
