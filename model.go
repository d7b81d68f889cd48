package dummynet

//
// Data model
//

import (
	"fmt"
	"time"
)

// Logger is the logger we're using.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// Direction tells the [Collaborator] where to re-inject a packet
// once it leaves the scheduler.
type Direction int

// DirectionToIPOut means the packet continues along the IP output path.
const DirectionToIPOut = Direction(0)

// DirectionToIPIn means the packet continues along the IP input path.
const DirectionToIPIn = Direction(1)

// DirectionToBridge means the packet must be forwarded by the bridge.
const DirectionToBridge = Direction(2)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case DirectionToIPOut:
		return "ip_out"
	case DirectionToIPIn:
		return "ip_in"
	case DirectionToBridge:
		return "bridge"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Packet is a packet handed to the [Scheduler]. The scheduler owns the
// packet from the moment you call [Scheduler.Enqueue] until it hands it
// back exactly once through [Collaborator.Deliver] or [Collaborator.Discard].
type Packet struct {
	// ArrivalTime is the OPTIONAL time when the packet arrived. When
	// zero, the scheduler uses its clock. The scheduler uses this time
	// to advance its notion of the current time.
	ArrivalTime time.Time

	// Direction is set by [Scheduler.Enqueue] and tells the [Collaborator]
	// where to re-inject the packet.
	Direction Direction

	// Length is the MANDATORY packet length in bytes.
	Length int

	// OutputTime is set by the scheduler when it delivers the packet and
	// contains the time when the packet was allowed to leave the pipe.
	OutputTime time.Time

	// Payload is the OPTIONAL packet payload. The scheduler does not
	// inspect it. The [PCAPDumper] assumes it contains an IP packet.
	Payload []byte

	// outputTick is when the packet may leave the pipe delay line.
	outputTick uint64
}

// NewPacket creates a [Packet] whose length is the payload length.
func NewPacket(payload []byte) *Packet {
	return &Packet{
		ArrivalTime: time.Time{},
		Direction:   DirectionToIPOut,
		Length:      len(payload),
		OutputTime:  time.Time{},
		Payload:     payload,
		outputTick:  0,
	}
}

// Collaborator receives packets leaving the [Scheduler]. The scheduler
// never invokes these methods while holding its lock.
type Collaborator interface {
	// Deliver receives a packet whose delay has elapsed. The collaborator
	// owns the packet after this call. Implementations should panic when
	// they do not know how to handle the packet direction.
	Deliver(direction Direction, packet *Packet)

	// Discard receives a dropped packet.
	Discard(packet *Packet)
}

// DropReason explains why [Scheduler.Enqueue] dropped a packet.
type DropReason int

// DropNone means the packet has been admitted.
const DropNone = DropReason(0)

// DropNoSuchPipeOrQueue means the number does not identify a pipe or a
// queue bound to an existing pipe.
const DropNoSuchPipeOrQueue = DropReason(1)

// DropRandomLoss means the packet was dropped by the flow set PLR.
const DropRandomLoss = DropReason(2)

// DropQueueFull means the flow queue was full.
const DropQueueFull = DropReason(3)

// DropRED means RED or Gentle RED decided to drop the packet.
const DropRED = DropReason(4)

// DropHeapFull means the scheduler could not schedule the flow.
const DropHeapFull = DropReason(5)

// DropFlushed means the packet was queued when its pipe or queue
// was deleted or flushed. [Scheduler.Enqueue] never returns it.
const DropFlushed = DropReason(6)

// DropInvalidPacket means the packet has a negative length.
const DropInvalidPacket = DropReason(7)

// String implements fmt.Stringer.
func (r DropReason) String() string {
	switch r {
	case DropNone:
		return "none"
	case DropNoSuchPipeOrQueue:
		return "no_such_pipe_or_queue"
	case DropRandomLoss:
		return "random_loss"
	case DropQueueFull:
		return "queue_full"
	case DropRED:
		return "red"
	case DropHeapFull:
		return "heap_full"
	case DropFlushed:
		return "flushed"
	case DropInvalidPacket:
		return "invalid_packet"
	default:
		return fmt.Sprintf("drop(%d)", int(r))
	}
}
