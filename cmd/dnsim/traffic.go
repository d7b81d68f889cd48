package main

//
// Synthetic flows and per-flow statistics
//

import (
	"fmt"
	"io"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/dummynet"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/iti/rngstream"
	"github.com/montanaflynn/stats"
)

// minPacketSize is the size of the IPv4 and UDP headers.
const minPacketSize = 28

// flow is a synthetic UDP flow.
type flow struct {
	// clock returns the current time.
	clock func() time.Time

	// id is the flow id of the packets.
	id dummynet.FlowID

	// limit is the virtual time after which we stop sending.
	limit float64

	// number is the pipe or queue receiving the packets.
	number uint32

	// payload is the raw IPv4 packet we send.
	payload []byte

	// poisson selects exponential interarrival times.
	poisson bool

	// rate is the number of packets per second.
	rate float64

	// rep collects statistics.
	rep *report

	// rng generates exponential interarrival times.
	rng *rngstream.RngStream

	// sched is the scheduler.
	sched *dummynet.Scheduler
}

// newFlows creates the flows.
func newFlows(cfg *simConfig, rep *report) ([]*flow, error) {
	var flows []*flow
	for idx := 0; idx < cfg.flows; idx++ {
		payload, err := newUDPPacket(uint16(5000+idx), cfg.size)
		if err != nil {
			return nil, err
		}
		id, err := dummynet.FlowIDFromPacket(payload)
		if err != nil {
			return nil, err
		}
		number := cfg.target(idx)
		rep.addFlow(id.SrcPort, number)
		flows = append(flows, &flow{
			id:      id,
			number:  number,
			payload: payload,
			poisson: cfg.poisson,
			rate:    cfg.rate,
			rep:     rep,
			rng:     rngstream.New(fmt.Sprintf("flow%d", idx)),
		})
	}
	return flows, nil
}

// newUDPPacket serializes an IPv4 UDP packet with the given size.
func newUDPPacket(srcPort uint16, size int) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 2),
		DstIP:    net.IPv4(10, 0, 0, 1),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: 9,
	}
	udp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	payload := gopacket.Payload(make([]byte, size-minPacketSize))
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// send sends a packet through the scheduler.
func (f *flow) send() {
	pkt := dummynet.NewPacket(f.payload)
	pkt.ArrivalTime = f.clock()
	f.rep.sent(f.id.SrcPort)
	if reason := f.sched.Enqueue(f.number, dummynet.DirectionToIPOut, pkt, f.id); reason != dummynet.DropNone {
		log.Debugf("dnsim: flow %s: drop: %s", f.id, reason)
	}
}

// interarrival returns the time until the next packet in seconds.
func (f *flow) interarrival() float64 {
	if !f.poisson {
		return 1 / f.rate
	}
	return -math.Log(1-f.rng.RandU01()) / f.rate
}

// flowStats contains the statistics of a flow.
type flowStats struct {
	number    uint32
	sent      int
	delivered int
	dropped   int
	bytes     int
	delays    stats.Float64Data
}

// report collects per-flow statistics.
type report struct {
	duration time.Duration
	flows    map[uint16]*flowStats
	mu       sync.Mutex

	// ticks is the number of scheduler ticks of a virtual time run.
	ticks int
}

func newReport(duration time.Duration) *report {
	return &report{
		duration: duration,
		flows:    map[uint16]*flowStats{},
		mu:       sync.Mutex{},
		ticks:    0,
	}
}

func (r *report) addFlow(port uint16, number uint32) {
	defer r.mu.Unlock()
	r.mu.Lock()
	r.flows[port] = &flowStats{number: number}
}

func (r *report) sent(port uint16) {
	defer r.mu.Unlock()
	r.mu.Lock()
	if fs := r.flows[port]; fs != nil {
		fs.sent++
	}
}

func (r *report) lookup(packet *dummynet.Packet) *flowStats {
	id, err := dummynet.FlowIDFromPacket(packet.Payload)
	if err != nil {
		log.Warnf("dnsim: FlowIDFromPacket: %s", err.Error())
		return nil
	}
	return r.flows[id.SrcPort]
}

func (r *report) deliver(packet *dummynet.Packet) {
	defer r.mu.Unlock()
	r.mu.Lock()
	if fs := r.lookup(packet); fs != nil {
		fs.delivered++
		fs.bytes += packet.Length
		delay := packet.OutputTime.Sub(packet.ArrivalTime)
		fs.delays = append(fs.delays, float64(delay)/float64(time.Millisecond))
	}
}

func (r *report) discard(packet *dummynet.Packet) {
	defer r.mu.Unlock()
	r.mu.Lock()
	if fs := r.lookup(packet); fs != nil {
		fs.dropped++
	}
}

// csvHeader is the header of the CSV report.
const csvHeader = "port,number,sent,delivered,dropped,goodput_bps,median_delay_ms,p95_delay_ms"

// WriteCSV writes the report in CSV format.
func (r *report) WriteCSV(w io.Writer) {
	defer r.mu.Unlock()
	r.mu.Lock()
	var ports []int
	for port := range r.flows {
		ports = append(ports, int(port))
	}
	sort.Ints(ports)
	fmt.Fprintln(w, csvHeader)
	for _, port := range ports {
		fs := r.flows[uint16(port)]
		median, _ := stats.Median(fs.delays)
		p95, _ := stats.Percentile(fs.delays, 95)
		goodput := float64(fs.bytes*8) / r.duration.Seconds()
		fmt.Fprintf(w, "%d,%d,%d,%d,%d,%.0f,%.1f,%.1f\n",
			port, fs.number, fs.sent, fs.delivered, fs.dropped, goodput, median, p95)
	}
}
