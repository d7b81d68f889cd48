package dummynet

//
// Flow sets and flow classification
//

// maxHashSize is the maximum size of a flow set hash table.
const maxHashSize = 65536

// flowQueue is the per-flow FIFO and scheduling state. A flow queue
// belongs to exactly one flow set.
type flowQueue struct {
	// id is the masked flow id.
	id FlowID

	// fs is the owning flow set.
	fs *flowSet

	// hashSlot is the hash table bucket containing this queue.
	hashSlot int

	// packets contains the queued packets in FIFO order.
	packets []*Packet

	// lenBytes is the number of queued bytes.
	lenBytes int

	// numbytes is the fixed-rate credit in bit*HZ units.
	numbytes int64

	// schedTime is the tick when we last updated numbytes.
	schedTime uint64

	// red is the RED state.
	red redState

	// S and F are the WF2Q+ start and finish tags. S == F+1 means
	// the tags are invalid (the queue is not known to WF2Q+).
	S, F uint64

	// slot is the back-index into the heap containing this queue.
	slot heapSlot

	// totPkts and totBytes count all the packets that reached the queue.
	totPkts, totBytes uint64

	// drops counts the dropped packets.
	drops uint64
}

var _ heapTracked = &flowQueue{}

// newFlowQueue creates a new [flowQueue] with invalid timestamps.
func newFlowQueue(fs *flowSet, id FlowID, slot int) *flowQueue {
	q := &flowQueue{
		id:       id,
		fs:       fs,
		hashSlot: slot,
	}
	q.invalidateTags()
	return q
}

// heapSlot implements heapTracked
func (q *flowQueue) heapSlot() *heapSlot {
	return &q.slot
}

// len returns the number of queued packets.
func (q *flowQueue) len() int {
	return len(q.packets)
}

// head returns the first packet or nil.
func (q *flowQueue) head() *Packet {
	if len(q.packets) <= 0 {
		return nil
	}
	return q.packets[0]
}

// push appends a packet to the queue.
func (q *flowQueue) push(pkt *Packet) {
	q.packets = append(q.packets, pkt)
	q.lenBytes += pkt.Length
}

// pop removes the first packet.
func (q *flowQueue) pop() *Packet {
	pkt := q.packets[0]
	q.packets[0] = nil
	q.packets = q.packets[1:]
	q.lenBytes -= pkt.Length
	if len(q.packets) <= 0 {
		q.packets = nil
	}
	return pkt
}

// popTail removes the last packet.
func (q *flowQueue) popTail() *Packet {
	last := len(q.packets) - 1
	pkt := q.packets[last]
	q.packets[last] = nil
	q.packets = q.packets[:last]
	q.lenBytes -= pkt.Length
	return pkt
}

// tagsValid returns whether the WF2Q+ timestamps are valid.
func (q *flowQueue) tagsValid() bool {
	return !keyLess(q.F, q.S)
}

// invalidateTags marks the WF2Q+ timestamps as invalid.
func (q *flowQueue) invalidateTags() {
	q.S = q.F + 1
}

// idle returns whether the queue is empty and unknown to WF2Q+, meaning
// that we can safely dispose of it.
func (q *flowQueue) idle() bool {
	return len(q.packets) <= 0 && q.S == q.F+1
}

// flowSet classifies packets into flow queues and contains the queueing
// parameters shared by all its flow queues.
type flowSet struct {
	// number is the pipe or queue number.
	number uint32

	// isPipe is true for the flow set embedded into a pipe.
	isPipe bool

	// parentNr is the number of the parent pipe.
	parentNr uint32

	// pipe is the parent pipe or nil when unbound.
	pipe *pipe

	// weight is the WF2Q+ weight in [1, 100].
	weight int

	// qsize is the queue size in packets or bytes.
	qsize int

	// qsizeBytes is true when qsize is in bytes.
	qsizeBytes bool

	// plr is the loss rate scaled to [0, 0x10000].
	plr uint32

	// mask is the flow mask.
	mask FlowMask

	// red contains the RED parameters or nil.
	red *redParams

	// rq is the hash table. The slot at index rqSize is the overflow slot.
	rq [][]*flowQueue

	// rqSize is the hash table size.
	rqSize int

	// rqElements is the number of flow queues.
	rqElements int

	// lastExpired is the second when we last expired idle queues.
	lastExpired int64

	// backlogged is the number of queues with packets inside WF2Q+.
	backlogged int
}

// haveMask returns whether the flow set uses a flow mask.
func (fs *flowSet) haveMask() bool {
	return !fs.mask.IsZero()
}

// allocHash allocates the hash table.
func (fs *flowSet) allocHash(requested, defaultSize int) {
	size := hashSizeFor(fs.mask, requested, defaultSize)
	fs.rqSize = size
	fs.rq = make([][]*flowQueue, size+1)
	fs.rqElements = 0
}

// hashSizeFor returns the hash table size to use with the given mask.
func hashSizeFor(mask FlowMask, requested, defaultSize int) int {
	if mask.IsZero() {
		return 1
	}
	size := requested
	if size <= 0 {
		size = defaultSize
	}
	if size < 4 {
		size = 4
	} else if size > maxHashSize {
		size = maxHashSize
	}
	return size
}

// classifier contains classification knobs and statistics.
type classifier struct {
	// expire enables lazily expiring idle queues during lookups.
	expire bool

	// maxRatio bounds the number of queues to maxRatio * hash size.
	maxRatio int

	// searches counts the hash table lookups.
	searches uint64

	// searchSteps counts the visited hash table entries.
	searchSteps uint64
}

// findQueue returns the flow queue for the given flow id, creating it
// if needed. The now argument is the current time in seconds.
func (fs *flowSet) findQueue(cl *classifier, raw FlowID, now int64) *flowQueue {
	id := fs.mask.apply(raw)
	if !fs.haveMask() {
		if bucket := fs.rq[0]; len(bucket) > 0 {
			return bucket[0]
		}
		return fs.createQueue(cl, id, 0, now)
	}

	slot := id.hash(fs.rqSize)
	cl.searches++
	bucket := fs.rq[slot]
	found := -1
	for idx := 0; idx < len(bucket); {
		cl.searchSteps++
		q := bucket[idx]
		if q.id == id {
			found = idx
			break
		}
		if cl.expire && q.idle() {
			bucket = append(bucket[:idx], bucket[idx+1:]...)
			bucket[:cap(bucket)][len(bucket)] = nil
			fs.rqElements--
			continue
		}
		idx++
	}
	fs.rq[slot] = bucket
	if found < 0 {
		return fs.createQueue(cl, id, slot, now)
	}
	q := bucket[found]
	if found > 0 {
		copy(bucket[1:found+1], bucket[:found])
		bucket[0] = q
	}
	return q
}

// createQueue creates a new queue in the given slot, or returns the queue
// in the overflow slot when there are too many queues.
func (fs *flowSet) createQueue(cl *classifier, id FlowID, slot int, now int64) *flowQueue {
	if fs.rqElements > fs.rqSize*cl.maxRatio && fs.expireQueues(now, false) == 0 {
		slot = fs.rqSize
		if bucket := fs.rq[slot]; len(bucket) > 0 {
			return bucket[0]
		}
	}
	q := newFlowQueue(fs, id, slot)
	fs.rq[slot] = append([]*flowQueue{q}, fs.rq[slot]...)
	fs.rqElements++
	return q
}

// expireQueues disposes of the idle queues, at most once per second unless
// force is true, and returns the number of disposed queues.
func (fs *flowSet) expireQueues(now int64, force bool) int {
	if !force && fs.lastExpired == now {
		return 0
	}
	fs.lastExpired = now
	initial := fs.rqElements
	for slot, bucket := range fs.rq {
		kept := bucket[:0]
		for _, q := range bucket {
			if q.idle() {
				fs.rqElements--
				continue
			}
			kept = append(kept, q)
		}
		for idx := len(kept); idx < len(bucket); idx++ {
			bucket[idx] = nil
		}
		fs.rq[slot] = kept
	}
	return initial - fs.rqElements
}

// foreachQueue calls fn for each flow queue.
func (fs *flowSet) foreachQueue(fn func(q *flowQueue)) {
	for _, bucket := range fs.rq {
		for _, q := range bucket {
			fn(q)
		}
	}
}

// purge removes all the flow queues, removing them from any heap and
// passing every queued packet to discard.
func (fs *flowSet) purge(discard func(pkt *Packet)) {
	fs.foreachQueue(func(q *flowQueue) {
		if h := q.slot.heap; h != nil {
			h.extract(q)
		}
		for q.len() > 0 {
			discard(q.pop())
		}
	})
	for slot := range fs.rq {
		fs.rq[slot] = nil
	}
	fs.rqElements = 0
	fs.backlogged = 0
}
