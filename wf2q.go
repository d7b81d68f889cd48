package dummynet

//
// WF2Q+ scheduling of the queues sharing a pipe
//

import "fmt"

// wf2qEnqueueLocked schedules q, which just received its first packet,
// using WF2Q+. On failure the queue and pipe state is unchanged and the
// caller should drop the packet.
func (s *Scheduler) wf2qEnqueueLocked(q *flowQueue, p *pipe) error {
	fs := q.fs
	sch, neh := p.schedulerHeap, p.notEligibleHeap
	length := uint64(q.head().Length)

	// compute the new start tag and virtual time without committing
	valid := q.tagsValid()
	start := p.V
	if valid {
		start = keyMax(q.F, p.V)
	}
	vtime := p.V
	if sch.empty() && neh.empty() {
		vtime = keyMax(start, vtime)
	}
	target := sch
	if keyLess(vtime, start) {
		target = neh
	}
	if target.full() {
		return fmt.Errorf("%w: pipe %d: cannot schedule queue %s", ErrHeapFull, p.number, q.id)
	}

	// commit
	if valid {
		if q.slot.heap == p.idleHeap {
			p.idleHeap.extract(q)
		}
	} else {
		p.sum += int64(fs.weight)
	}
	q.S = start
	q.F = start + (length<<fixedShift)/uint64(fs.weight)
	p.V = vtime
	fs.backlogged++

	// we already checked whether the target heap is full
	if target == neh {
		if err := neh.insert(q.S, q); err != nil {
			panic(err)
		}
		return nil
	}
	if err := sch.insert(q.F, q); err != nil {
		panic(err)
	}
	if p.numbytes >= 0 {
		// the pipe is idle, so wake it up
		p.schedTime = s.currTime
		s.readyEventWFQLocked(p)
	}
	return nil
}

// readyEventWFQLocked serves the queues of a pipe using WF2Q+ while the
// pipe has credit, then reschedules the pipe if it is under credit.
func (s *Scheduler) readyEventWFQLocked(p *pipe) {
	pWasEmpty := len(p.delayLine) <= 0
	sch, neh := p.schedulerHeap, p.notEligibleHeap

	p.numbytes += int64(s.currTime-p.schedTime) * p.bandwidth

	for p.numbytes >= 0 && (!sch.empty() || !neh.empty()) {
		if _, obj, good := sch.extractMin(); good {
			q := obj.(*flowQueue)
			fs := q.fs
			length := uint64(q.head().Length)
			p.numbytes -= p.lenScaled(int(length))
			s.movePacketLocked(q, p)

			if p.sum > 0 {
				p.V += (length << fixedShift) / uint64(p.sum)
			}
			q.S = q.F

			if q.len() <= 0 {
				fs.backlogged--
				if err := p.idleHeap.insert(q.F, q); err != nil {
					// forgetting the tags only costs us some fairness
					s.logger.Debugf("dummynet: %s", err.Error())
					q.invalidateTags()
					p.sum -= int64(fs.weight)
				}
			} else {
				q.F += (uint64(q.head().Length) << fixedShift) / uint64(fs.weight)
				var err error
				if keyLess(p.V, q.S) {
					err = neh.insert(q.S, q)
				} else {
					err = sch.insert(q.F, q)
				}
				if err != nil {
					s.wf2qDropQueueLocked(p, q, err)
				}
			}
		}

		// all the queues in sch have S <= V, hence we only need to look
		// at neh to update V when sch is empty
		if sch.empty() {
			if key, _, good := neh.min(); good {
				p.V = keyMax(p.V, key)
			}
		}

		// promote the queues that became eligible
		for {
			key, obj, good := neh.min()
			if !good || !keyLEQ(key, p.V) {
				break
			}
			neh.extractMin()
			q := obj.(*flowQueue)
			if err := sch.insert(q.F, q); err != nil {
				s.wf2qDropQueueLocked(p, q, err)
			}
		}
	}

	// without backlog and pending events we can forget the idle queues
	if sch.empty() && neh.empty() && p.numbytes >= 0 && !p.idleHeap.empty() {
		p.idleHeap.foreach(func(_ uint64, obj any) {
			q := obj.(*flowQueue)
			q.F = 0
			q.invalidateTags()
		})
		p.idleHeap.reset()
		p.sum = 0
		p.V = 0
	}

	if p.numbytes < 0 && p.bandwidth > 0 {
		t := uint64((p.bandwidth - 1 - p.numbytes) / p.bandwidth)
		if n := len(p.delayLine); n > 0 {
			p.delayLine[n-1].outputTick += t
		}
		p.schedTime = s.currTime
		if err := s.wfqReadyHeap.insert(s.currTime+t, p); err != nil {
			s.logger.Warnf("dummynet: pipe %d: cannot reschedule: %s", p.number, err.Error())
			s.wf2qDropBacklogLocked(p)
		}
	}

	if pWasEmpty {
		s.transmitEventLocked(p)
	}
}

// wf2qDropQueueLocked drops the backlog of a queue we failed to reschedule.
func (s *Scheduler) wf2qDropQueueLocked(p *pipe, q *flowQueue, err error) {
	s.logger.Warnf("dummynet: pipe %d: dropping the backlog of %s: %s", p.number, q.id, err.Error())
	s.dropBacklogLocked(q)
	q.fs.backlogged--
	q.invalidateTags()
	p.sum -= int64(q.fs.weight)
}

// wf2qDropBacklogLocked drops the backlog of all the queues of the pipe.
func (s *Scheduler) wf2qDropBacklogLocked(p *pipe) {
	var backlogged []*flowQueue
	collect := func(_ uint64, obj any) {
		backlogged = append(backlogged, obj.(*flowQueue))
	}
	p.schedulerHeap.foreach(collect)
	p.notEligibleHeap.foreach(collect)
	p.schedulerHeap.reset()
	p.notEligibleHeap.reset()
	for _, q := range backlogged {
		s.dropBacklogLocked(q)
		q.fs.backlogged--
		q.invalidateTags()
		p.sum -= int64(q.fs.weight)
	}
	p.numbytes = 0
}

// expireIdleLocked forgets the tags of the idle queues whose finish
// tag is behind the virtual time.
func (s *Scheduler) expireIdleLocked(p *pipe) {
	for {
		key, obj, good := p.idleHeap.min()
		if !good || !keyLess(key, p.V) {
			return
		}
		p.idleHeap.extractMin()
		q := obj.(*flowQueue)
		q.invalidateTags()
		p.sum -= int64(q.fs.weight)
	}
}
