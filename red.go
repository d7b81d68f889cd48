package dummynet

//
// RED and Gentle RED
//

import (
	"errors"
	"fmt"
)

// ErrInvalidRED indicates that the RED configuration is not valid.
var ErrInvalidRED = errors.New("dummynet: invalid RED configuration")

// REDConfig contains the RED configuration of a flow set. Thresholds use
// the same unit as the queue size (packets or bytes).
type REDConfig struct {
	// MinTh is the MANDATORY minimum threshold.
	MinTh int `json:"min_th" yaml:"min_th"`

	// MaxTh is the MANDATORY maximum threshold, which must be larger than MinTh.
	MaxTh int `json:"max_th" yaml:"max_th"`

	// MaxP is the MANDATORY drop probability at MaxTh, in (0, 1].
	MaxP float64 `json:"max_p" yaml:"max_p"`

	// WQ is the MANDATORY weight of the moving average, in (0, 1].
	WQ float64 `json:"w_q" yaml:"w_q"`

	// Gentle OPTIONALLY selects Gentle RED, which drops with linearly
	// increasing probability between MaxTh and twice MaxTh rather than
	// dropping all the packets above MaxTh.
	Gentle bool `json:"gentle" yaml:"gentle"`
}

// redTunables contains the scheduler-wide RED knobs.
type redTunables struct {
	lookupDepth int
	avgPktSize  int
	maxPktSize  int
}

// redParams contains the precomputed RED parameters of a flow set.
type redParams struct {
	// wq is the moving average weight.
	wq fixed

	// minTh and maxTh are the scaled thresholds.
	minTh, maxTh fixed

	// maxP is the drop probability at maxTh.
	maxP fixed

	// c1 and c2 define p_b = c1*avg - c2 between minTh and maxTh.
	c1, c2 fixed

	// c3 and c4 define p_b = c3*avg - c4 above maxTh with Gentle RED.
	c3, c4 fixed

	// gentle is true with Gentle RED.
	gentle bool

	// bytes is true when the queue size is measured in bytes.
	bytes bool

	// lookupStep is the number of idle ticks per lookup table slot.
	lookupStep uint64

	// lookupWeight is (1-wq)^lookupStep.
	lookupWeight fixed

	// lookup contains (1-wq) * lookupWeight^i.
	lookup []fixed

	// maxPktSize scales the drop probability in bytes mode.
	maxPktSize int
}

// redState is the per flow queue RED state.
type redState struct {
	// avg is the scaled average queue size.
	avg fixed

	// count is the number of packets since the last drop or -1.
	count int64

	// random is the last random threshold in [0, 0xffff].
	random uint32

	// idleSince is the tick when the queue last became empty.
	idleSince uint64
}

// newREDParams validates the configuration and precomputes the RED
// parameters. The bandwidth, in bit/s, is used to compute how fast the
// average decays while the queue is idle; use zero for WF2Q+ queues.
func newREDParams(cfg *REDConfig, bytes bool, bandwidth int64, tun *redTunables) (*redParams, error) {
	if cfg.MinTh < 0 || cfg.MaxTh <= cfg.MinTh {
		return nil, fmt.Errorf("%w: need 0 <= min_th < max_th (got %d, %d)", ErrInvalidRED, cfg.MinTh, cfg.MaxTh)
	}
	if !(cfg.MaxP > 0 && cfg.MaxP <= 1) {
		return nil, fmt.Errorf("%w: max_p must be in (0, 1] (got %f)", ErrInvalidRED, cfg.MaxP)
	}
	if !(cfg.WQ > 0 && cfg.WQ <= 1) {
		return nil, fmt.Errorf("%w: w_q must be in (0, 1] (got %f)", ErrInvalidRED, cfg.WQ)
	}
	if tun.lookupDepth <= 0 {
		return nil, fmt.Errorf("%w: the lookup depth must be positive", ErrInvalidRED)
	}
	p := &redParams{
		wq:         fixedFromFloat(cfg.WQ),
		minTh:      fixedFromInt(int64(cfg.MinTh)),
		maxTh:      fixedFromInt(int64(cfg.MaxTh)),
		maxP:       fixedFromFloat(cfg.MaxP),
		gentle:     cfg.Gentle,
		bytes:      bytes,
		maxPktSize: tun.maxPktSize,
	}
	if p.wq <= 0 || p.maxP <= 0 {
		return nil, fmt.Errorf("%w: w_q and max_p are too small", ErrInvalidRED)
	}
	p.c1 = p.maxP / fixed(cfg.MaxTh-cfg.MinTh)
	p.c2 = p.c1.mul(p.minTh)
	if p.gentle {
		p.c3 = (fixedOne - p.maxP) / fixed(cfg.MaxTh)
		p.c4 = fixedOne - 2*p.maxP
	}

	// ticks needed to send an average-sized packet, then the idle time
	// after which the average is ~zero, spread over the lookup table
	var s int64
	if bandwidth > 0 {
		s = ticksPerSecond * int64(tun.avgPktSize) * 8 / bandwidth
	}
	idle := s * 3 * int64(fixedOne) / int64(p.wq)
	p.lookupStep = uint64(idle / int64(tun.lookupDepth))
	if p.lookupStep == 0 {
		p.lookupStep = 1
	}
	p.lookupWeight = fixedPow(fixedOne-p.wq, p.lookupStep)
	p.lookup = make([]fixed, tun.lookupDepth)
	p.lookup[0] = fixedOne - p.wq
	for idx := 1; idx < len(p.lookup); idx++ {
		p.lookup[idx] = p.lookup[idx-1].mul(p.lookupWeight)
	}
	return p, nil
}

// fixedPow computes base^exp using square-and-multiply.
func fixedPow(base fixed, exp uint64) fixed {
	result := fixedOne
	for exp > 0 {
		if exp&1 != 0 {
			result = result.mul(base)
		}
		base = base.mul(base)
		exp >>= 1
	}
	return result
}

// redDrops updates the RED state of a flow queue for an arriving packet
// of pktLen bytes when the queue currently contains qsize packets or bytes
// and returns whether RED wants to drop the packet.
func redDrops(p *redParams, st *redState, qsize int, pktLen int, now uint64, rnd RandomSource) bool {
	// update the average queue size
	if qsize != 0 {
		diff := fixedFromInt(int64(qsize)) - st.avg
		st.avg += diff.mul(p.wq)
	} else if st.avg != 0 {
		// the queue is idle: decay the average using the lookup table
		var t uint64
		if keyLess(st.idleSince, now) {
			t = (now - st.idleSince) / p.lookupStep
		}
		if t < uint64(len(p.lookup)) {
			st.avg = st.avg.mul(p.lookup[t])
		} else {
			st.avg = 0
		}
	}

	// below the minimum threshold we always accept
	if st.avg < p.minTh {
		st.count = -1
		return false
	}

	var pb fixed
	switch {
	case st.avg >= p.maxTh:
		if !p.gentle {
			st.count = -1
			return true
		}
		pb = p.c3.mul(st.avg) - p.c4
	case st.avg > p.minTh:
		pb = p.c1.mul(st.avg) - p.c2
	}
	if p.bytes && p.maxPktSize > 0 {
		pb = pb * fixed(pktLen) / fixed(p.maxPktSize)
	}

	// the longer since the last drop, the more likely the next one
	st.count++
	if st.count == 0 {
		st.random = rnd.Uint16()
		return false
	}
	if pb.mul(fixedFromInt(st.count)) > fixed(st.random) {
		st.count = 0
		st.random = rnd.Uint16()
		return true
	}
	return false
}
