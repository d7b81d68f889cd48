package dummynet

//
// The scheduler: time, events, and packet admission
//

import (
	"fmt"
	"sync"
	"time"
)

// ticksPerSecond is the number of scheduler ticks per second.
const ticksPerSecond = 1000

// TickInterval is the duration of a scheduler tick.
const TickInterval = time.Second / ticksPerSecond

// SchedulerConfig contains config for creating a [Scheduler]. Make sure
// you initialize all the fields marked as MANDATORY.
type SchedulerConfig struct {
	// Clock is the OPTIONAL function returning the current time, used
	// when a packet has no arrival time. Default: time.Now.
	Clock func() time.Time

	// Collaborator is the MANDATORY [Collaborator] receiving the
	// packets leaving the scheduler.
	Collaborator Collaborator

	// DisableIdleExpiry OPTIONALLY prevents the classifier from disposing
	// of idle flow queues while searching the hash table.
	DisableIdleExpiry bool

	// HashSize is the OPTIONAL default hash table size of flow sets
	// using a flow mask. Default: 64.
	HashSize int

	// Logger is the MANDATORY logger.
	Logger Logger

	// MaxHeapEntries is the OPTIONAL maximum number of entries of each
	// scheduler heap. Zero means unlimited.
	MaxHeapEntries int

	// MaxRatio is the OPTIONAL maximum number of flow queues per hash
	// table slot before we start using the overflow queue. Default: 16.
	MaxRatio int

	// Random is the OPTIONAL source of randomness for PLR and RED.
	// Default: a [RNGStreamSource].
	Random RandomSource

	// REDAvgPktSize is the OPTIONAL average packet size used to compute
	// how fast the RED average decays while idle. Default: 512.
	REDAvgPktSize int

	// REDLookupDepth is the OPTIONAL size of the RED idle decay lookup
	// table. Default: 256.
	REDLookupDepth int

	// REDMaxPktSize is the OPTIONAL maximum packet size used by RED in
	// bytes mode. Default: 1500.
	REDMaxPktSize int
}

// TickResult is the result of [Scheduler.Tick].
type TickResult struct {
	// Idle is true when there are no pending events.
	Idle bool

	// NextDeadline is the time of the earliest pending event or the zero
	// value when Idle is true. It may be in the past when we are late.
	NextDeadline time.Time
}

// outboxItem is a packet leaving the scheduler.
type outboxItem struct {
	pkt     *Packet
	deliver bool
}

// Scheduler is a dummynet traffic shaper. The zero value is invalid;
// construct using [NewScheduler].
//
// A scheduler contains pipes and queues. A pipe emulates a link with
// given bandwidth and propagation delay. A queue attaches to a pipe and
// shares its bandwidth with the other queues using WF2Q+ in proportion
// to its weight. Both classify packets into flow queues using a mask.
//
// The scheduler does not create goroutines. Someone must call
// [Scheduler.Tick] every [TickInterval] while the scheduler is not idle;
// see [Driver] for a ready-to-use implementation. A scheduler is safe
// for concurrent use and invokes the [Collaborator] without holding its
// lock, so the collaborator may call back into the scheduler.
type Scheduler struct {
	// armed is true when there are pending events.
	armed bool

	// cl contains the classifier knobs and statistics.
	cl classifier

	// clock returns the current time.
	clock func() time.Time

	// collab receives the packets leaving the scheduler.
	collab Collaborator

	// currTime is the current time in ticks since epoch.
	currTime uint64

	// deadline is the earliest event time when armed.
	deadline uint64

	// epoch is the time corresponding to tick zero.
	epoch time.Time

	// extractHeap contains the pipes with packets in the delay line
	// keyed by the output time of the first packet.
	extractHeap *dnHeap

	// flowSets contains the queues.
	flowSets map[uint32]*flowSet

	// hashSize is the default hash table size.
	hashSize int

	// heapMax is the maximum number of entries of each heap.
	heapMax int

	// logger is the logger to use.
	logger Logger

	// mu protects the scheduler state.
	mu sync.Mutex

	// outboxMu protects outbox and draining.
	outboxMu sync.Mutex

	// outbox contains the packets to pass to the collaborator.
	outbox []outboxItem

	// draining is true while a goroutine passes packets to the collaborator.
	draining bool

	// pending contains the packets leaving the scheduler during the
	// current critical section.
	pending []outboxItem

	// pipes contains the pipes.
	pipes map[uint32]*pipe

	// readyHeap contains the fixed-rate queues under credit keyed by the
	// time when they will have enough credit.
	readyHeap *dnHeap

	// redTun contains the RED knobs.
	redTun redTunables

	// rnd is the random source.
	rnd RandomSource

	// started is true after we have set the epoch.
	started bool

	// wakeup is posted when the scheduler becomes armed or when its
	// earliest event moves earlier.
	wakeup chan any

	// wfqReadyHeap contains the WF2Q+ pipes under credit keyed by the time
	// when they will have enough credit.
	wfqReadyHeap *dnHeap
}

// NewScheduler creates a new [Scheduler].
func NewScheduler(config *SchedulerConfig) *Scheduler {
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	rnd := config.Random
	if rnd == nil {
		rnd = NewRNGStreamSource("dummynet")
	}
	hashSize := config.HashSize
	if hashSize <= 0 {
		hashSize = 64
	}
	maxRatio := config.MaxRatio
	if maxRatio <= 0 {
		maxRatio = 16
	}
	redTun := redTunables{
		lookupDepth: config.REDLookupDepth,
		avgPktSize:  config.REDAvgPktSize,
		maxPktSize:  config.REDMaxPktSize,
	}
	if redTun.lookupDepth <= 0 {
		redTun.lookupDepth = 256
	}
	if redTun.avgPktSize <= 0 {
		redTun.avgPktSize = 512
	}
	if redTun.maxPktSize <= 0 {
		redTun.maxPktSize = 1500
	}
	return &Scheduler{
		armed: false,
		cl: classifier{
			expire:   !config.DisableIdleExpiry,
			maxRatio: maxRatio,
		},
		clock:        clock,
		collab:       config.Collaborator,
		currTime:     0,
		deadline:     0,
		epoch:        time.Time{},
		extractHeap:  newHeap("extract_heap", config.MaxHeapEntries),
		flowSets:     map[uint32]*flowSet{},
		hashSize:     hashSize,
		heapMax:      config.MaxHeapEntries,
		logger:       config.Logger,
		mu:           sync.Mutex{},
		outboxMu:     sync.Mutex{},
		outbox:       nil,
		draining:     false,
		pending:      nil,
		pipes:        map[uint32]*pipe{},
		readyHeap:    newHeap("ready_heap", config.MaxHeapEntries),
		redTun:       redTun,
		rnd:          rnd,
		started:      false,
		wakeup:       make(chan any, 1),
		wfqReadyHeap: newHeap("wfq_ready_heap", config.MaxHeapEntries),
	}
}

// Enqueue submits a packet to the pipe or queue with the given number and
// returns why the packet was dropped or [DropNone]. The id is the flow id
// of the packet, which the pipe or queue masks to select the flow queue.
// The direction tells the [Collaborator] where to re-inject the packet.
//
// The scheduler owns the packet after this call. A dropped packet is
// passed to [Collaborator.Discard] before Enqueue returns, unless another
// goroutine is concurrently passing packets to the collaborator, in which
// case that goroutine will do it.
func (s *Scheduler) Enqueue(number uint32, direction Direction, pkt *Packet, id FlowID) DropReason {
	s.mu.Lock()
	reason := s.enqueueLocked(number, direction, pkt, id)
	s.updateArmedLocked()
	s.unlockAndFlush()
	return reason
}

func (s *Scheduler) enqueueLocked(number uint32, direction Direction, pkt *Packet, id FlowID) DropReason {
	s.advanceLocked(pkt.ArrivalTime)

	if pkt.Length < 0 {
		s.logger.Debugf("dummynet: invalid packet length %d", pkt.Length)
		s.discardLocked(pkt)
		return DropInvalidPacket
	}

	fs := s.flowSetLocked(number)
	if fs == nil {
		s.logger.Debugf("dummynet: no pipe or queue %d", number)
		s.discardLocked(pkt)
		return DropNoSuchPipeOrQueue
	}
	if fs.pipe == nil {
		p := s.pipes[fs.parentNr]
		if p == nil {
			s.logger.Warnf("dummynet: queue %d: no parent pipe %d", fs.number, fs.parentNr)
			s.discardLocked(pkt)
			return DropNoSuchPipeOrQueue
		}
		fs.pipe = p
	}
	p := fs.pipe

	q := fs.findQueue(&s.cl, id, s.seconds())
	q.totPkts++
	q.totBytes += uint64(pkt.Length)

	if fs.plr > 0 && s.rnd.Uint16() < fs.plr {
		return s.dropLocked(q, pkt, DropRandomLoss)
	}
	if fs.qsizeBytes {
		if q.lenBytes > fs.qsize {
			return s.dropLocked(q, pkt, DropQueueFull)
		}
	} else if q.len() >= fs.qsize {
		return s.dropLocked(q, pkt, DropQueueFull)
	}
	if fs.red != nil {
		qsize := q.len()
		if fs.qsizeBytes {
			qsize = q.lenBytes
		}
		if redDrops(fs.red, &q.red, qsize, pkt.Length, s.currTime, s.rnd) {
			return s.dropLocked(q, pkt, DropRED)
		}
	}

	pkt.Direction = direction
	q.push(pkt)
	if q.len() != 1 {
		// the queue is already scheduled
		return DropNone
	}

	if fs.isPipe {
		if s.readyHeap.full() {
			s.logger.Warnf("dummynet: pipe %d: %s is full", p.number, s.readyHeap.name)
			return s.dropLocked(q, q.popTail(), DropHeapFull)
		}
		q.schedTime = s.currTime
		var t uint64
		if p.bandwidth > 0 {
			t = setTicks(pkt, q, p)
		}
		if t == 0 {
			s.readyEventLocked(q)
			return DropNone
		}
		if err := s.readyHeap.insert(s.currTime+t, q); err != nil {
			panic(err) // we already checked whether the heap is full
		}
		return DropNone
	}

	if err := s.wf2qEnqueueLocked(q, p); err != nil {
		s.logger.Warnf("dummynet: queue %d: %s", fs.number, err.Error())
		return s.dropLocked(q, q.popTail(), DropHeapFull)
	}
	return DropNone
}

// flowSetLocked returns the flow set with the given number or nil.
func (s *Scheduler) flowSetLocked(number uint32) *flowSet {
	if p := s.pipes[number]; p != nil {
		return p.fs
	}
	return s.flowSets[number]
}

// dropLocked accounts for a dropped packet and discards it.
func (s *Scheduler) dropLocked(q *flowQueue, pkt *Packet, reason DropReason) DropReason {
	q.drops++
	s.discardLocked(pkt)
	return reason
}

// Tick advances the current time to now, or to the clock time when now
// is the zero value, and runs the events whose time has come.
func (s *Scheduler) Tick(now time.Time) TickResult {
	s.mu.Lock()
	s.advanceLocked(now)
	s.tickLocked()
	s.updateArmedLocked()
	result := s.tickResultLocked()
	s.unlockAndFlush()
	return result
}

func (s *Scheduler) tickLocked() {
	curr := s.currTime
	drain := func(h *dnHeap, serve func(obj any)) {
		for {
			key, obj, good := h.min()
			if !good || !keyLEQ(key, curr) {
				return
			}
			if keyLess(key, curr) {
				s.logger.Debugf("dummynet: %s: running event %d ticks late", h.name, curr-key)
			}
			h.extractMin()
			serve(obj)
		}
	}
	drain(s.readyHeap, func(obj any) {
		s.readyEventLocked(obj.(*flowQueue))
	})
	drain(s.wfqReadyHeap, func(obj any) {
		s.readyEventWFQLocked(obj.(*pipe))
	})
	drain(s.extractHeap, func(obj any) {
		s.transmitEventLocked(obj.(*pipe))
	})
	for _, p := range s.pipes {
		s.expireIdleLocked(p)
	}
}

func (s *Scheduler) tickResultLocked() TickResult {
	if !s.armed {
		return TickResult{Idle: true, NextDeadline: time.Time{}}
	}
	return TickResult{Idle: false, NextDeadline: s.tickTime(s.deadline)}
}

// nextEventLocked returns the earliest event time, if any.
func (s *Scheduler) nextEventLocked() (uint64, bool) {
	var (
		next  uint64
		found bool
	)
	for _, h := range []*dnHeap{s.readyHeap, s.wfqReadyHeap, s.extractHeap} {
		if key, _, good := h.min(); good && (!found || keyLess(key, next)) {
			next, found = key, true
		}
	}
	return next, found
}

// IsIdle returns whether the scheduler has no pending events.
func (s *Scheduler) IsIdle() bool {
	defer s.mu.Unlock()
	s.mu.Lock()
	return !s.armed
}

// Wakeup returns a channel posted each time the scheduler transitions from
// idle to having pending events, or gets an event earlier than the previous
// earliest one, meaning that someone should call [Scheduler.Tick] sooner.
// The deadline returned by the previous [Scheduler.Tick] is stale then.
func (s *Scheduler) Wakeup() <-chan any {
	return s.wakeup
}

// Now returns the current scheduler time.
func (s *Scheduler) Now() time.Time {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.tickTime(s.currTime)
}

// advanceLocked advances the current time. Time never goes backwards.
func (s *Scheduler) advanceLocked(now time.Time) {
	if now.IsZero() {
		now = s.clock()
	}
	if !s.started {
		s.epoch = now
		s.started = true
	}
	elapsed := now.Sub(s.epoch)
	if elapsed < 0 {
		return
	}
	if t := uint64(elapsed / TickInterval); keyLess(s.currTime, t) {
		s.currTime = t
	}
}

// seconds returns the current time in seconds.
func (s *Scheduler) seconds() int64 {
	return int64(s.currTime / ticksPerSecond)
}

// tickTime converts ticks since epoch to time.
func (s *Scheduler) tickTime(t uint64) time.Time {
	return s.epoch.Add(time.Duration(t) * TickInterval)
}

// updateArmedLocked recomputes whether we have pending events and posts
// on the wakeup channel when we become armed or the earliest event moves
// earlier than the previous one.
func (s *Scheduler) updateArmedLocked() {
	next, armed := s.nextEventLocked()
	if armed && (!s.armed || keyLess(next, s.deadline)) {
		select {
		case s.wakeup <- true:
		default:
			// a notification is already pending
		}
	}
	s.armed = armed
	s.deadline = next
}

// invariantViolation logs and panics.
func (s *Scheduler) invariantViolation(where string, format string, v ...any) {
	message := fmt.Sprintf("dummynet: %s: %s", where, fmt.Sprintf(format, v...))
	s.logger.Warn(message)
	panic(message)
}

// deliverLocked schedules passing a packet to [Collaborator.Deliver].
func (s *Scheduler) deliverLocked(pkt *Packet) {
	pkt.OutputTime = s.tickTime(pkt.outputTick)
	s.pending = append(s.pending, outboxItem{pkt: pkt, deliver: true})
}

// discardLocked schedules passing a packet to [Collaborator.Discard].
func (s *Scheduler) discardLocked(pkt *Packet) {
	s.pending = append(s.pending, outboxItem{pkt: pkt, deliver: false})
}

// unlockAndFlush moves the pending packets into the outbox, releases the
// scheduler lock, and passes the outbox content to the collaborator unless
// another goroutine is already doing that. Only one goroutine at a time
// invokes the collaborator, in the order in which packets left.
func (s *Scheduler) unlockAndFlush() {
	s.outboxMu.Lock()
	s.outbox = append(s.outbox, s.pending...)
	clear(s.pending)
	s.pending = s.pending[:0]
	if s.draining || len(s.outbox) <= 0 {
		s.outboxMu.Unlock()
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.outboxMu.Unlock()
	s.mu.Unlock()

	for {
		s.outboxMu.Lock()
		items := s.outbox
		s.outbox = nil
		if len(items) <= 0 {
			s.draining = false
			s.outboxMu.Unlock()
			return
		}
		s.outboxMu.Unlock()

		for _, item := range items {
			if item.deliver {
				s.collab.Deliver(item.pkt.Direction, item.pkt)
				continue
			}
			s.collab.Discard(item.pkt)
		}
	}
}
