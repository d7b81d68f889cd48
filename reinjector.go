package dummynet

//
// Re-injecting packets leaving the scheduler
//

import "fmt"

// Reinjector is a [Collaborator] that dispatches the delivered packets
// according to their [Direction]. Make sure you initialize all the
// fields marked as MANDATORY.
type Reinjector struct {
	// BridgeForward is the OPTIONAL function called for packets whose
	// direction is [DirectionToBridge].
	BridgeForward func(packet *Packet)

	// IPInput is the OPTIONAL function called for packets whose
	// direction is [DirectionToIPIn].
	IPInput func(packet *Packet)

	// IPOutput is the OPTIONAL function called for packets whose
	// direction is [DirectionToIPOut].
	IPOutput func(packet *Packet)

	// Logger is the MANDATORY logger.
	Logger Logger

	// OnDiscard is the OPTIONAL function called for dropped packets and
	// for packets whose direction has no handler.
	OnDiscard func(packet *Packet)
}

var _ Collaborator = &Reinjector{}

// Deliver implements Collaborator. It panics when the direction is unknown
// because this means that the packet was corrupted.
func (r *Reinjector) Deliver(direction Direction, packet *Packet) {
	var fx func(packet *Packet)
	switch direction {
	case DirectionToIPOut:
		fx = r.IPOutput
	case DirectionToIPIn:
		fx = r.IPInput
	case DirectionToBridge:
		fx = r.BridgeForward
	default:
		message := fmt.Sprintf("dummynet: reinjector: unknown direction %s", direction)
		r.Logger.Warn(message)
		panic(message)
	}
	if fx == nil {
		r.Logger.Debugf("dummynet: reinjector: no handler for %s", direction)
		r.Discard(packet)
		return
	}
	fx(packet)
}

// Discard implements Collaborator
func (r *Reinjector) Discard(packet *Packet) {
	if r.OnDiscard != nil {
		r.OnDiscard(packet)
	}
}
