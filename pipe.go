package dummynet

//
// Pipes: fixed-rate scheduling and the delay line
//

import "fmt"

// pipe is a rate and delay limited virtual link.
type pipe struct {
	// number is the pipe number.
	number uint32

	// bandwidth is the bandwidth in bit/s or zero when unlimited.
	bandwidth int64

	// delay is the propagation delay in ticks.
	delay uint64

	// numbytes is the WF2Q+ credit in bit*HZ units.
	numbytes int64

	// schedTime is the tick when we last updated numbytes.
	schedTime uint64

	// V is the WF2Q+ virtual time.
	V uint64

	// sum is the sum of the weights of the queues with valid timestamps.
	sum int64

	// schedulerHeap contains eligible backlogged queues keyed by F.
	schedulerHeap *dnHeap

	// notEligibleHeap contains backlogged queues with S > V keyed by S.
	notEligibleHeap *dnHeap

	// idleHeap contains queues with valid timestamps but no packets keyed by F.
	idleHeap *dnHeap

	// delayLine contains the packets waiting for their output time.
	delayLine []*Packet

	// fs is the flow set embedded into this pipe.
	fs *flowSet
}

// newPipe creates a new [pipe] whose heaps have the given maximum size.
func newPipe(number uint32, maxHeapEntries int) *pipe {
	p := &pipe{
		number:          number,
		schedulerHeap:   newHeap(pipeHeapName(number, "scheduler_heap"), maxHeapEntries),
		notEligibleHeap: newHeap(pipeHeapName(number, "not_eligible_heap"), maxHeapEntries),
		idleHeap:        newHeap(pipeHeapName(number, "idle_heap"), maxHeapEntries),
	}
	p.fs = &flowSet{
		number:   number,
		isPipe:   true,
		parentNr: number,
		pipe:     p,
		weight:   1,
	}
	return p
}

func pipeHeapName(number uint32, name string) string {
	return fmt.Sprintf("pipe %d %s", number, name)
}

// lenScaled returns the credit in bit*HZ units required to send n bytes.
func (p *pipe) lenScaled(n int) int64 {
	if p.bandwidth <= 0 {
		return 0
	}
	return int64(n) * 8 * ticksPerSecond
}

// setTicks returns the number of ticks we need to wait before the given
// queue has enough credit to send pkt.
func setTicks(pkt *Packet, q *flowQueue, p *pipe) uint64 {
	ret := (int64(pkt.Length)*8*ticksPerSecond - q.numbytes + p.bandwidth - 1) / p.bandwidth
	if ret < 0 {
		return 0
	}
	return uint64(ret)
}

// movePacketLocked moves the head packet of q into the delay line of p.
func (s *Scheduler) movePacketLocked(q *flowQueue, p *pipe) *Packet {
	pkt := q.pop()
	pkt.outputTick = s.currTime + p.delay
	p.delayLine = append(p.delayLine, pkt)
	if q.len() <= 0 {
		q.red.idleSince = s.currTime
	}
	return pkt
}

// readyEventLocked serves a fixed-rate queue: it accounts for the credit
// accumulated since the last time, moves as many packets as the credit
// allows into the delay line, and reschedules the queue if needed.
func (s *Scheduler) readyEventLocked(q *flowQueue) {
	p := q.fs.pipe
	if p == nil {
		s.invariantViolation("ready_heap", "flow set %d queue %s has no pipe", q.fs.number, q.id)
	}
	pWasEmpty := len(p.delayLine) <= 0

	q.numbytes += int64(s.currTime-q.schedTime) * p.bandwidth
	for q.len() > 0 {
		lenScaled := p.lenScaled(q.head().Length)
		if lenScaled > q.numbytes {
			break
		}
		q.numbytes -= lenScaled
		s.movePacketLocked(q, p)
	}

	if q.len() > 0 {
		// implies bandwidth != 0 because otherwise we would have drained
		t := setTicks(q.head(), q, p)
		q.schedTime = s.currTime
		if err := s.readyHeap.insert(s.currTime+t, q); err != nil {
			s.logger.Warnf("dummynet: pipe %d: cannot reschedule %s: %s", p.number, q.id, err.Error())
			s.dropBacklogLocked(q)
		}
	} else {
		q.numbytes = 0
	}

	if pWasEmpty {
		s.transmitEventLocked(p)
	}
}

// dropBacklogLocked discards all the packets queued in q.
func (s *Scheduler) dropBacklogLocked(q *flowQueue) {
	for q.len() > 0 {
		q.drops++
		s.discardLocked(q.pop())
	}
	q.numbytes = 0
	q.red.idleSince = s.currTime
}

// transmitEventLocked delivers the packets whose output time has come and
// reschedules the pipe in the extract heap if more packets are waiting.
func (s *Scheduler) transmitEventLocked(p *pipe) {
	for len(p.delayLine) > 0 {
		pkt := p.delayLine[0]
		if !keyLEQ(pkt.outputTick, s.currTime) {
			break
		}
		p.delayLine[0] = nil
		p.delayLine = p.delayLine[1:]
		s.deliverLocked(pkt)
	}
	if len(p.delayLine) <= 0 {
		p.delayLine = nil
		return
	}
	if err := s.extractHeap.insert(p.delayLine[0].outputTick, p); err != nil {
		s.logger.Warnf("dummynet: pipe %d: cannot schedule the delay line: %s", p.number, err.Error())
		for _, pkt := range p.delayLine {
			s.discardLocked(pkt)
		}
		p.delayLine = nil
	}
}

// purgePipeLocked removes all the packets and queues of the pipe.
func (s *Scheduler) purgePipeLocked(p *pipe) {
	p.fs.purge(s.discardLocked)
	p.schedulerHeap.reset()
	p.notEligibleHeap.reset()
	p.idleHeap.reset()
	for _, pkt := range p.delayLine {
		s.discardLocked(pkt)
	}
	p.delayLine = nil
	p.numbytes = 0
	p.V = 0
	p.sum = 0
}
