package dummynet

//
// Configuring pipes and queues
//

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidNumber indicates that a pipe or queue number is zero.
var ErrInvalidNumber = errors.New("dummynet: invalid pipe or queue number")

// ErrNumberInUse indicates that a queue number is already used by a
// pipe or the other way around, or that a queue names a queue as parent.
var ErrNumberInUse = errors.New("dummynet: number already in use")

// ErrNoParent indicates that a new queue does not name its parent pipe.
var ErrNoParent = errors.New("dummynet: queue without parent pipe")

// ErrParentChange indicates an attempt to move a queue to another pipe.
var ErrParentChange = errors.New("dummynet: cannot change the parent pipe of a queue")

// ErrInvalidPLR indicates that the packet loss rate is not in [0, 1].
var ErrInvalidPLR = errors.New("dummynet: invalid packet loss rate")

// ErrInvalidPipe indicates a negative bandwidth or delay.
var ErrInvalidPipe = errors.New("dummynet: invalid pipe bandwidth or delay")

// ErrNotFound indicates that there is no pipe or queue with a given number.
var ErrNotFound = errors.New("dummynet: no such pipe or queue")

// maxQueueSizeBytes is the maximum queue size in bytes.
const maxQueueSizeBytes = 1024 * 1024

// defaultQueueSize is the default queue size in packets.
const defaultQueueSize = 50

// maxQueueSizePackets is the maximum queue size in packets. Larger
// values are replaced by defaultQueueSize.
const maxQueueSizePackets = 100

// maxWeight is the maximum WF2Q+ weight.
const maxWeight = 100

// QueueParams contains the parameters shared by pipes and queues.
type QueueParams struct {
	// HashSize is the OPTIONAL hash table size used with a mask. When
	// zero, we use the scheduler default.
	HashSize int `json:"hash_size" yaml:"hash_size"`

	// Mask is the OPTIONAL flow mask. The zero mask puts all the packets
	// into the same flow queue.
	Mask FlowMask `json:"mask" yaml:"mask"`

	// PLR is the OPTIONAL packet loss rate in [0, 1].
	PLR float64 `json:"plr" yaml:"plr"`

	// QueueSize is the OPTIONAL size of each flow queue in packets or
	// bytes. In packets, zero means 50 and values larger than 100 are
	// replaced with 50. In bytes, the maximum is 1 MiB.
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// QueueSizeInBytes OPTIONALLY measures QueueSize in bytes.
	QueueSizeInBytes bool `json:"queue_size_in_bytes" yaml:"queue_size_in_bytes"`

	// RED OPTIONALLY enables RED or Gentle RED.
	RED *REDConfig `json:"red,omitempty" yaml:"red,omitempty"`
}

// PipeConfig contains the configuration of a pipe.
type PipeConfig struct {
	// Number is the MANDATORY nonzero pipe number.
	Number uint32 `json:"number" yaml:"number"`

	// Bandwidth is the OPTIONAL bandwidth in bit/s. Zero means unlimited.
	Bandwidth int64 `json:"bandwidth" yaml:"bandwidth"`

	// Delay is the OPTIONAL propagation delay, rounded down to ticks.
	Delay time.Duration `json:"delay" yaml:"delay"`

	// QueueParams contains the parameters of the flow queues of the pipe.
	QueueParams `json:",inline" yaml:",inline"`
}

// QueueConfig contains the configuration of a queue.
type QueueConfig struct {
	// Number is the MANDATORY nonzero queue number.
	Number uint32 `json:"number" yaml:"number"`

	// Parent is the number of the parent pipe, MANDATORY when creating
	// a queue. Zero keeps the current parent.
	Parent uint32 `json:"parent" yaml:"parent"`

	// Weight is the OPTIONAL WF2Q+ weight, clamped to [1, 100].
	Weight int `json:"weight" yaml:"weight"`

	// QueueParams contains the parameters of the flow queues.
	QueueParams `json:",inline" yaml:",inline"`
}

// fsParams contains validated flow set parameters.
type fsParams struct {
	qsize      int
	qsizeBytes bool
	plr        uint32
	mask       FlowMask
	hashSize   int
	red        *redParams
}

// newFSParams validates the parameters. The bandwidth is the one of the
// pipe for fixed-rate flow sets and zero for WF2Q+ flow sets.
func (s *Scheduler) newFSParams(qp *QueueParams, bandwidth int64) (*fsParams, error) {
	if !(qp.PLR >= 0 && qp.PLR <= 1) {
		return nil, fmt.Errorf("%w: %f", ErrInvalidPLR, qp.PLR)
	}
	out := &fsParams{
		qsize:      qp.QueueSize,
		qsizeBytes: qp.QueueSizeInBytes,
		plr:        uint32(qp.PLR * 0x10000),
		mask:       qp.Mask,
		hashSize:   qp.HashSize,
		red:        nil,
	}
	if out.qsizeBytes {
		if out.qsize > maxQueueSizeBytes {
			out.qsize = maxQueueSizeBytes
		}
		if out.qsize < 0 {
			out.qsize = 0
		}
	} else if out.qsize <= 0 || out.qsize > maxQueueSizePackets {
		out.qsize = defaultQueueSize
	}
	if qp.RED != nil {
		red, err := newREDParams(qp.RED, out.qsizeBytes, bandwidth, &s.redTun)
		if err != nil {
			return nil, err
		}
		out.red = red
	}
	return out, nil
}

// applyFSParamsLocked applies the parameters. When the mask or the hash
// size changes we purge the flow queues and reallocate the hash table.
func (s *Scheduler) applyFSParamsLocked(fs *flowSet, params *fsParams) {
	rehash := fs.rq == nil || fs.mask != params.mask ||
		hashSizeFor(params.mask, params.hashSize, s.hashSize) != fs.rqSize
	fs.qsize = params.qsize
	fs.qsizeBytes = params.qsizeBytes
	fs.plr = params.plr
	fs.red = params.red
	if !rehash {
		return
	}
	if fs.rq != nil {
		s.logger.Infof("dummynet: flow set %d: new mask or hash size, purging flow queues", fs.number)
		s.purgeFlowSetLocked(fs)
	}
	fs.mask = params.mask
	fs.allocHash(params.hashSize, s.hashSize)
}

// ConfigurePipe creates or reconfigures a pipe. Reconfiguring a pipe keeps
// its queued packets but clears the accumulated credit.
func (s *Scheduler) ConfigurePipe(config *PipeConfig) error {
	if config.Number == 0 {
		return ErrInvalidNumber
	}
	if config.Bandwidth < 0 || config.Delay < 0 {
		return fmt.Errorf("%w: bandwidth %d, delay %s", ErrInvalidPipe, config.Bandwidth, config.Delay)
	}
	params, err := s.newFSParams(&config.QueueParams, config.Bandwidth)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.unlockAndFlush()
	defer s.updateArmedLocked()

	if _, found := s.flowSets[config.Number]; found {
		return fmt.Errorf("%w: %d is a queue", ErrNumberInUse, config.Number)
	}
	delay := uint64(config.Delay / TickInterval)

	p := s.pipes[config.Number]
	if p == nil {
		p = newPipe(config.Number, s.heapMax)
		p.bandwidth = config.Bandwidth
		p.delay = delay
		s.applyFSParamsLocked(p.fs, params)
		s.pipes[config.Number] = p
		s.logger.Infof("dummynet: pipe %d up: %d bit/s %s", p.number, p.bandwidth, config.Delay)
		return nil
	}

	p.bandwidth = config.Bandwidth
	p.delay = delay
	s.applyFSParamsLocked(p.fs, params)

	// flush the accumulated credit
	p.fs.foreachQueue(func(q *flowQueue) {
		q.numbytes = 0
		q.schedTime = s.currTime
	})
	s.wfqReadyHeap.removeIf(func(obj any) bool {
		return obj == p
	})
	p.numbytes = 0
	p.schedTime = s.currTime
	if !p.schedulerHeap.empty() || !p.notEligibleHeap.empty() {
		s.readyEventWFQLocked(p)
	}
	s.logger.Infof("dummynet: pipe %d reconfigured: %d bit/s %s", p.number, p.bandwidth, config.Delay)
	return nil
}

// ConfigureQueue creates or reconfigures a queue.
func (s *Scheduler) ConfigureQueue(config *QueueConfig) error {
	if config.Number == 0 {
		return ErrInvalidNumber
	}
	params, err := s.newFSParams(&config.QueueParams, 0)
	if err != nil {
		return err
	}
	weight := config.Weight
	if weight < 1 {
		weight = 1
	} else if weight > maxWeight {
		weight = maxWeight
	}

	s.mu.Lock()
	defer s.unlockAndFlush()
	defer s.updateArmedLocked()

	if _, found := s.pipes[config.Number]; found {
		return fmt.Errorf("%w: %d is a pipe", ErrNumberInUse, config.Number)
	}
	if _, found := s.flowSets[config.Parent]; found || config.Parent == config.Number {
		return fmt.Errorf("%w: parent %d is a queue", ErrNumberInUse, config.Parent)
	}

	fs := s.flowSets[config.Number]
	if fs == nil {
		if config.Parent == 0 {
			return fmt.Errorf("%w: queue %d", ErrNoParent, config.Number)
		}
		fs = &flowSet{
			number:   config.Number,
			isPipe:   false,
			parentNr: config.Parent,
			pipe:     s.pipes[config.Parent],
			weight:   weight,
		}
		s.applyFSParamsLocked(fs, params)
		s.flowSets[config.Number] = fs
		s.logger.Infof("dummynet: queue %d up: pipe %d weight %d", fs.number, fs.parentNr, fs.weight)
		return nil
	}

	if config.Parent != 0 && config.Parent != fs.parentNr {
		return fmt.Errorf("%w: queue %d: %d -> %d", ErrParentChange, fs.number, fs.parentNr, config.Parent)
	}
	if p := fs.pipe; p != nil && weight != fs.weight {
		var valid int64
		fs.foreachQueue(func(q *flowQueue) {
			if q.tagsValid() {
				valid++
			}
		})
		p.sum += int64(weight-fs.weight) * valid
	}
	fs.weight = weight
	s.applyFSParamsLocked(fs, params)
	s.logger.Infof("dummynet: queue %d reconfigured: pipe %d weight %d", fs.number, fs.parentNr, fs.weight)
	return nil
}

// Delete deletes the pipe or queue with the given number and discards
// the packets it contains. Deleting a pipe also purges the queues
// attached to it, which stay configured and rebind to the pipe as soon
// as it is created again.
func (s *Scheduler) Delete(number uint32) error {
	s.mu.Lock()
	defer s.unlockAndFlush()
	defer s.updateArmedLocked()

	if p := s.pipes[number]; p != nil {
		for _, fs := range s.flowSets {
			if fs.pipe == p {
				fs.purge(s.discardLocked)
				fs.pipe = nil
			}
		}
		s.purgePipeLocked(p)
		s.extractHeap.removeIf(func(obj any) bool {
			return obj == p
		})
		s.wfqReadyHeap.removeIf(func(obj any) bool {
			return obj == p
		})
		delete(s.pipes, number)
		s.logger.Infof("dummynet: pipe %d down", number)
		return nil
	}

	if fs := s.flowSets[number]; fs != nil {
		s.purgeFlowSetLocked(fs)
		delete(s.flowSets, number)
		s.logger.Infof("dummynet: queue %d down", number)
		return nil
	}

	return fmt.Errorf("%w: %d", ErrNotFound, number)
}

// purgeFlowSetLocked discards all the flow queues of a flow set.
func (s *Scheduler) purgeFlowSetLocked(fs *flowSet) {
	if p := fs.pipe; p != nil && !fs.isPipe {
		fs.foreachQueue(func(q *flowQueue) {
			if q.tagsValid() {
				p.sum -= int64(fs.weight)
			}
		})
	}
	fs.purge(s.discardLocked)
}

// Flush deletes all the pipes and queues.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.unlockAndFlush()
	defer s.updateArmedLocked()

	for _, fs := range s.flowSets {
		fs.purge(s.discardLocked)
	}
	for _, p := range s.pipes {
		s.purgePipeLocked(p)
	}
	s.readyHeap.reset()
	s.wfqReadyHeap.reset()
	s.extractHeap.reset()
	s.flowSets = map[uint32]*flowSet{}
	s.pipes = map[uint32]*pipe{}
	s.logger.Info("dummynet: flushed all pipes and queues")
}

// ExpireIdleQueues disposes of all the idle flow queues and returns
// how many queues it disposed of.
func (s *Scheduler) ExpireIdleQueues() int {
	s.mu.Lock()
	defer s.unlockAndFlush()

	var count int
	now := s.seconds()
	for _, p := range s.pipes {
		count += p.fs.expireQueues(now, true)
	}
	for _, fs := range s.flowSets {
		count += fs.expireQueues(now, true)
	}
	return count
}
