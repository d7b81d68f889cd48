package dummynet

//
// Read-only statistics
//

import (
	"time"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// QueueStats contains the statistics of a flow queue.
type QueueStats struct {
	// ID is the masked flow id.
	ID FlowID

	// Packets and Bytes describe the current queue content.
	Packets, Bytes int

	// TotalPackets and TotalBytes count the packets that reached the queue.
	TotalPackets, TotalBytes uint64

	// Drops counts the dropped packets.
	Drops uint64

	// Scheduled is true when the queue is known to WF2Q+.
	Scheduled bool
}

// FlowSetStats contains the statistics of the flow set of a pipe or queue.
type FlowSetStats struct {
	// Number is the pipe or queue number.
	Number uint32

	// Parent is the parent pipe number.
	Parent uint32

	// Bound is true when the queue is attached to its parent pipe.
	Bound bool

	// Weight is the WF2Q+ weight.
	Weight int

	// QueueSize and QueueSizeInBytes describe the queue limit.
	QueueSize        int
	QueueSizeInBytes bool

	// PLR is the packet loss rate.
	PLR float64

	// Mask is the flow mask.
	Mask FlowMask

	// HashSize is the hash table size.
	HashSize int

	// RED is true when RED is enabled.
	RED bool

	// Backlogged is the number of queues scheduled by WF2Q+ with packets.
	Backlogged int

	// Queues contains the flow queues sorted by flow id.
	Queues []QueueStats
}

// PipeStats contains the statistics of a pipe.
type PipeStats struct {
	// Number is the pipe number.
	Number uint32

	// Bandwidth is the bandwidth in bit/s.
	Bandwidth int64

	// Delay is the propagation delay.
	Delay time.Duration

	// DelayLine is the number of packets in the delay line.
	DelayLine int

	// Sum is the sum of the weights of the active WF2Q+ queues.
	Sum int64

	// FlowSet contains the statistics of the flow queues of the pipe.
	FlowSet FlowSetStats
}

// Snapshot contains the scheduler statistics.
type Snapshot struct {
	// Time is the current scheduler time.
	Time time.Time

	// Idle is true when the scheduler has no pending events.
	Idle bool

	// Pipes contains the pipes sorted by number.
	Pipes []PipeStats

	// Queues contains the queues sorted by number.
	Queues []FlowSetStats

	// Searches and SearchSteps describe the classifier efficiency.
	Searches, SearchSteps uint64
}

// Snapshot returns the scheduler statistics.
func (s *Scheduler) Snapshot() *Snapshot {
	defer s.mu.Unlock()
	s.mu.Lock()

	out := &Snapshot{
		Time:        s.tickTime(s.currTime),
		Idle:        !s.armed,
		Pipes:       []PipeStats{},
		Queues:      []FlowSetStats{},
		Searches:    s.cl.searches,
		SearchSteps: s.cl.searchSteps,
	}
	for _, p := range s.pipes {
		out.Pipes = append(out.Pipes, PipeStats{
			Number:    p.number,
			Bandwidth: p.bandwidth,
			Delay:     time.Duration(p.delay) * TickInterval,
			DelayLine: len(p.delayLine),
			Sum:       p.sum,
			FlowSet:   flowSetStats(p.fs),
		})
	}
	for _, fs := range s.flowSets {
		out.Queues = append(out.Queues, flowSetStats(fs))
	}
	slices.SortFunc(out.Pipes, func(a, b PipeStats) int {
		return compare(a.Number, b.Number)
	})
	slices.SortFunc(out.Queues, func(a, b FlowSetStats) int {
		return compare(a.Number, b.Number)
	})
	return out
}

func flowSetStats(fs *flowSet) FlowSetStats {
	out := FlowSetStats{
		Number:           fs.number,
		Parent:           fs.parentNr,
		Bound:            fs.pipe != nil,
		Weight:           fs.weight,
		QueueSize:        fs.qsize,
		QueueSizeInBytes: fs.qsizeBytes,
		PLR:              float64(fs.plr) / 0x10000,
		Mask:             fs.mask,
		HashSize:         fs.rqSize,
		RED:              fs.red != nil,
		Backlogged:       fs.backlogged,
		Queues:           []QueueStats{},
	}
	fs.foreachQueue(func(q *flowQueue) {
		out.Queues = append(out.Queues, QueueStats{
			ID:           q.id,
			Packets:      q.len(),
			Bytes:        q.lenBytes,
			TotalPackets: q.totPkts,
			TotalBytes:   q.totBytes,
			Drops:        q.drops,
			Scheduled:    q.tagsValid(),
		})
	})
	slices.SortFunc(out.Queues, func(a, b QueueStats) int {
		return compareFlowID(a.ID, b.ID)
	})
	return out
}

func compare[T constraints.Ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFlowID(a, b FlowID) int {
	if v := compare(a.SrcIP, b.SrcIP); v != 0 {
		return v
	}
	if v := compare(a.DstIP, b.DstIP); v != 0 {
		return v
	}
	if v := compare(a.SrcPort, b.SrcPort); v != 0 {
		return v
	}
	if v := compare(a.DstPort, b.DstPort); v != 0 {
		return v
	}
	return compare(a.Proto, b.Proto)
}
