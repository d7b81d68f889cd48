// Package dummynet is a traffic shaper that emulates constrained
// network links by delaying, rate limiting, and dropping packets.
//
// The central type is the [Scheduler]. You configure it with pipes
// and queues and then hand it packets using [Scheduler.Enqueue].
//
// A pipe, configured with [PipeConfig], is a virtual link with a
// bandwidth (in bit/s) and a propagation delay. Packets sent directly
// to a pipe are classified into per-flow FIFO queues using the pipe's
// flow mask and each flow queue is independently served at the pipe's
// rate (fixed-rate mode).
//
// A queue, configured with [QueueConfig], is a flow set attached to a
// parent pipe with a weight. All the flow queues of all the queues
// attached to the same pipe share its bandwidth using WF2Q+, so each
// backlogged flow obtains service proportional to its weight.
//
// Each flow set may optionally use RED or Gentle RED to drop packets
// before the queue is full, a random packet loss rate, and a queue
// size expressed either in packets or in bytes.
//
// The scheduler does not own a timer. Something must call [Scheduler.Tick]
// about once per millisecond while the scheduler is armed. The [Driver]
// does that using a goroutine, while cmd/dnsim shows how to drive the
// scheduler using a discrete-event simulation clock.
//
// Packets leave the scheduler through a [Collaborator], which receives
// delivered packets (tagged with their [Direction]) and dropped packets.
// The scheduler never calls the [Collaborator] while holding its lock,
// therefore the collaborator may synchronously call [Scheduler.Enqueue]
// again, for example to send a packet through another pipe.
package dummynet
