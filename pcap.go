package dummynet

//
// PCAP dumper
//

import (
	"context"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPDumper is a [Collaborator] that writes the delivered packets into
// a PCAP file before passing them to the wrapped collaborator. The zero
// value is invalid; use [NewPCAPDumper] to instantiate.
//
// The capture timestamp is the [Packet.OutputTime], hence the PCAP file
// shows the traffic as shaped by the scheduler. We assume that the
// payload contains a raw IPv4 or IPv6 packet.
type PCAPDumper struct {
	// cancel stops the background goroutines.
	cancel context.CancelFunc

	// closeOnce provides "once" semantics for close.
	closeOnce sync.Once

	// logger is the logger to use.
	logger Logger

	// joined is closed when the background goroutine has terminated
	joined chan any

	// pic is the channel where we post packets to capture
	pic chan *pcapDumperPacketInfo

	// next is the wrapped collaborator
	next Collaborator
}

var _ Collaborator = &PCAPDumper{}

// pcapDumperPacketInfo contains info about a packet.
type pcapDumperPacketInfo struct {
	ci       gopacket.CaptureInfo
	snapshot []byte
}

// NewPCAPDumper wraps an existing [Collaborator], intercepts the delivered
// packets, and stores them into the given PCAP file. This function
// creates a background goroutine for writing into the PCAP file. To
// join the goroutine, call [PCAPDumper.Close].
func NewPCAPDumper(filename string, next Collaborator, logger Logger) *PCAPDumper {
	const manyPackets = 4096
	ctx, cancel := context.WithCancel(context.Background())
	pd := &PCAPDumper{
		cancel:    cancel,
		closeOnce: sync.Once{},
		joined:    make(chan any),
		logger:    logger,
		pic:       make(chan *pcapDumperPacketInfo, manyPackets),
		next:      next,
	}
	ready := make(chan any)
	go pd.loop(ctx, filename, ready)
	<-ready
	return pd
}

// Deliver implements Collaborator
func (pd *PCAPDumper) Deliver(direction Direction, packet *Packet) {
	// send packet information to the background writer
	pd.deliverPacketInfo(packet)

	// provide it to the wrapped collaborator
	pd.next.Deliver(direction, packet)
}

// Discard implements Collaborator
func (pd *PCAPDumper) Discard(packet *Packet) {
	pd.next.Discard(packet)
}

// deliverPacketInfo delivers packet info to the background writer.
func (pd *PCAPDumper) deliverPacketInfo(packet *Packet) {
	// make sure the capture length makes sense
	packetLength := len(packet.Payload)
	captureLength := 256
	if packetLength < captureLength {
		captureLength = packetLength
	}
	originalLength := packet.Length
	if originalLength < captureLength {
		originalLength = captureLength
	}

	// actually deliver the packet info
	pinfo := &pcapDumperPacketInfo{
		ci: gopacket.CaptureInfo{
			Timestamp:      packet.OutputTime,
			CaptureLength:  captureLength,
			Length:         originalLength,
			InterfaceIndex: 0,
			AncillaryData:  []interface{}{},
		},
		snapshot: append([]byte{}, packet.Payload[:captureLength]...), // duplicate
	}
	select {
	case pd.pic <- pinfo:
	default:
		// just drop from the capture
	}
}

// loop is the loop that writes pcaps
func (pd *PCAPDumper) loop(ctx context.Context, filename string, ready chan<- any) {
	// synchronize with parent
	defer close(pd.joined)

	// open the file where to create the pcap
	filep, err := os.Create(filename)
	if err != nil {
		close(ready)
		pd.logger.Warnf("dummynet: PCAPDumper: os.Create: %s", err.Error())
		return
	}
	defer func() {
		if err := filep.Close(); err != nil {
			pd.logger.Warnf("dummynet: PCAPDumper: filep.Close: %s", err.Error())
			// fallthrough
		}
	}()

	// write the PCAP header
	w := pcapgo.NewWriter(filep)
	const largeSnapLen = 262144
	err = w.WriteFileHeader(largeSnapLen, layers.LinkTypeRaw)
	close(ready)
	if err != nil {
		pd.logger.Warnf("dummynet: PCAPDumper: WriteFileHeader: %s", err.Error())
		return
	}

	// loop until we're done and write each entry
	for {
		select {
		case <-ctx.Done():
			pd.drain(w)
			return
		case pinfo := <-pd.pic:
			pd.doWritePCAPEntry(pinfo, w)
		}
	}
}

// drain writes the entries still queued when we're closing.
func (pd *PCAPDumper) drain(w *pcapgo.Writer) {
	for {
		select {
		case pinfo := <-pd.pic:
			pd.doWritePCAPEntry(pinfo, w)
		default:
			return
		}
	}
}

// doWritePCAPEntry writes the given packet entry into the PCAP file.
func (pd *PCAPDumper) doWritePCAPEntry(pinfo *pcapDumperPacketInfo, w *pcapgo.Writer) {
	if err := w.WritePacket(pinfo.ci, pinfo.snapshot); err != nil {
		pd.logger.Warnf("dummynet: w.WritePacket: %s", err.Error())
		// fallthrough
	}
}

// Close stops the background writer after it has written the
// packets delivered so far.
func (pd *PCAPDumper) Close() error {
	pd.closeOnce.Do(func() {
		// notify the background goroutine to terminate
		pd.cancel()

		// wait until the channel is drained
		pd.logger.Infof("dummynet: PCAPDumper: awaiting for background writer to finish writing")
		<-pd.joined
	})
	return nil
}
