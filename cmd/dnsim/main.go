// Command dnsim shapes synthetic UDP flows using a dummynet scheduler and
// prints per-flow statistics in CSV format.
//
// By default dnsim runs in virtual time using a discrete-event simulation,
// which is fast and reproducible. Use -realtime to drive the scheduler
// using the wall clock instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/dummynet"
	"github.com/bassosimone/dummynet/cmd/internal/optional"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/time/rate"
)

var (
	// flagsMu protects the flags when running tests.
	flagsMu = &sync.Mutex{}

	bandwidthFlag = flag.Int64("bandwidth", 1000000, "pipe bandwidth in bit/s")
	configFlag    = flag.String("config", "", "YAML or JSON file with pipes and queues")
	delayFlag     = flag.Duration("delay", 20*time.Millisecond, "pipe propagation delay")
	durationFlag  = flag.Duration("duration", 10*time.Second, "duration of the experiment")
	flowsFlag     = flag.Int("flows", 4, "number of flows")
	numberFlag    = flag.Uint("number", 0, "pipe or queue receiving all flows (with -config)")
	pcapFlag      = flag.String("pcap", "", "write delivered packets into this PCAP file")
	poissonFlag   = flag.Bool("poisson", false, "use exponential interarrival times")
	rateFlag      = flag.Float64("rate", 100, "packets per second sent by each flow")
	realtimeFlag  = flag.Bool("realtime", false, "use the wall clock rather than virtual time")
	sizeFlag      = flag.Int("size", 1000, "packet size in bytes")
	verboseFlag   = flag.Bool("verbose", false, "enable debug logging")
)

func main() {
	flag.Parse()

	flagsMu.Lock()
	cfg := &simConfig{
		bandwidth:  *bandwidthFlag,
		configFile: optional.FromFlag(*configFlag),
		delay:      *delayFlag,
		duration:   *durationFlag,
		flows:      *flowsFlag,
		number:     uint32(*numberFlag),
		pcapFile:   optional.FromFlag(*pcapFlag),
		poisson:    *poissonFlag,
		rate:       *rateFlag,
		realtime:   *realtimeFlag,
		size:       *sizeFlag,
	}
	if *verboseFlag {
		log.SetLevel(log.DebugLevel)
	}
	flagsMu.Unlock()

	report, err := run(cfg)
	if err != nil {
		log.WithError(err).Fatal("dnsim")
	}
	report.WriteCSV(os.Stdout)
}

// simConfig contains the experiment configuration.
type simConfig struct {
	bandwidth  int64
	configFile optional.Value[string]
	delay      time.Duration
	duration   time.Duration
	flows      int
	number     uint32
	pcapFile   optional.Value[string]
	poisson    bool
	rate       float64
	realtime   bool
	size       int
}

// fileConfig returns the pipes and queues to configure. Without a config
// file, we create a pipe and a queue per flow with increasing weights.
func (sc *simConfig) fileConfig() (*dummynet.FileConfig, error) {
	if filename, good := sc.configFile.Get(); good {
		return dummynet.ReadConfigFile(filename)
	}
	fc := &dummynet.FileConfig{
		Pipes: []dummynet.PipeConfig{{
			Number:    1,
			Bandwidth: sc.bandwidth,
			Delay:     sc.delay,
		}},
	}
	for idx := 0; idx < sc.flows; idx++ {
		fc.Queues = append(fc.Queues, dummynet.QueueConfig{
			Number: uint32(100 + idx),
			Parent: 1,
			Weight: idx + 1,
		})
	}
	return fc, nil
}

// target returns the pipe or queue receiving the packets of a flow.
func (sc *simConfig) target(idx int) uint32 {
	if !sc.configFile.Empty() {
		if sc.number == 0 {
			return 1
		}
		return sc.number
	}
	return uint32(100 + idx)
}

func run(cfg *simConfig) (*report, error) {
	if cfg.flows <= 0 || cfg.rate <= 0 || cfg.size < minPacketSize {
		return nil, fmt.Errorf("need positive flows and rate and size >= %d", minPacketSize)
	}
	fc, err := cfg.fileConfig()
	if err != nil {
		return nil, err
	}

	rep := newReport(cfg.duration)
	var collab dummynet.Collaborator = &dummynet.Reinjector{
		IPOutput:  rep.deliver,
		Logger:    log.Log,
		OnDiscard: rep.discard,
	}
	if filename, good := cfg.pcapFile.Get(); good {
		dumper := dummynet.NewPCAPDumper(filename, collab, log.Log)
		defer dumper.Close()
		collab = dumper
	}

	flows, err := newFlows(cfg, rep)
	if err != nil {
		return nil, err
	}

	if cfg.realtime {
		err = runRealtime(cfg, fc, collab, flows)
	} else {
		rep.ticks, err = runVirtual(cfg, fc, collab, flows)
	}
	return rep, err
}

// simEpoch is the time corresponding to the beginning of a virtual time run.
var simEpoch = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)

// runVirtual runs the experiment in virtual time and returns the number
// of scheduler ticks it needed.
func runVirtual(cfg *simConfig, fc *dummynet.FileConfig, collab dummynet.Collaborator, flows []*flow) (int, error) {
	evtMgr := evtm.New()
	clock := func() time.Time {
		return simEpoch.Add(time.Duration(evtMgr.CurrentSeconds() * float64(time.Second)))
	}
	sched := dummynet.NewScheduler(&dummynet.SchedulerConfig{
		Clock:        clock,
		Collaborator: collab,
		Logger:       log.Log,
	})
	if err := fc.Apply(sched); err != nil {
		return 0, err
	}

	tk := &simTicker{clock: clock, sched: sched}
	limit := cfg.duration.Seconds()
	for _, f := range flows {
		f.sched = sched
		f.clock = clock
		f.limit = limit
		evtMgr.Schedule(f, tk, flowArrival, vrtime.SecondsToTime(0))
	}
	tk.armAt(evtMgr, clock())
	evtMgr.Run(limit)

	snap := sched.Snapshot()
	log.Infof("dnsim: %d ticks, %d lookups, %d steps, idle: %v", tk.ticks, snap.Searches, snap.SearchSteps, snap.Idle)
	return tk.ticks, nil
}

// tickSlack delays each virtual tick a little, so that converting the
// virtual clock to a time.Time never rounds to the tick before.
const tickSlack = time.Microsecond

// simTicker runs the scheduler in virtual time. Rather than ticking every
// [dummynet.TickInterval], it schedules a single tick for the earliest
// pending event and stops ticking while the scheduler is idle.
type simTicker struct {
	clock func() time.Time
	sched *dummynet.Scheduler

	// gen identifies the pending tick, so we can ignore superseded ones.
	gen uint64

	// pending is true when a tick is scheduled at pendingAt.
	pending   bool
	pendingAt time.Time

	// ticks counts the ticks we ran.
	ticks int
}

// armAt schedules a tick at deadline unless an earlier tick is pending.
func (tk *simTicker) armAt(evtMgr *evtm.EventManager, deadline time.Time) {
	if tk.pending && !deadline.Before(tk.pendingAt) {
		return
	}
	offset := deadline.Sub(tk.clock())
	if offset < 0 {
		offset = 0
	}
	tk.gen++
	tk.pending, tk.pendingAt = true, deadline
	evtMgr.Schedule(tk, tk.gen, schedulerTick, vrtime.SecondsToTime((offset + tickSlack).Seconds()))
}

// wakeupPending consumes a pending wakeup notification, if any.
func (tk *simTicker) wakeupPending() bool {
	select {
	case <-tk.sched.Wakeup():
		return true
	default:
		return false
	}
}

// schedulerTick runs the due scheduler events and arms the next tick.
func schedulerTick(evtMgr *evtm.EventManager, cxt any, data any) any {
	tk := cxt.(*simTicker)
	if data.(uint64) != tk.gen {
		return nil // superseded by an earlier tick
	}
	tk.pending = false
	tk.ticks++
	result := tk.sched.Tick(time.Time{})
	tk.wakeupPending()
	if !result.Idle {
		tk.armAt(evtMgr, result.NextDeadline)
	}
	return nil
}

// flowArrival sends a packet and schedules the next arrival.
func flowArrival(evtMgr *evtm.EventManager, cxt any, data any) any {
	f, tk := cxt.(*flow), data.(*simTicker)
	if evtMgr.CurrentSeconds() >= f.limit {
		return nil
	}
	f.send()
	if tk.wakeupPending() {
		// the scheduler became armed or has an earlier event
		tk.armAt(evtMgr, tk.clock())
	}
	evtMgr.Schedule(cxt, data, flowArrival, vrtime.SecondsToTime(f.interarrival()))
	return nil
}

func runRealtime(cfg *simConfig, fc *dummynet.FileConfig, collab dummynet.Collaborator, flows []*flow) error {
	sched := dummynet.NewScheduler(&dummynet.SchedulerConfig{
		Collaborator: collab,
		Logger:       log.Log,
	})
	if err := fc.Apply(sched); err != nil {
		return err
	}
	driver := dummynet.NewDriver(sched, log.Log)
	defer driver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, f := range flows {
		f.sched = sched
		f.clock = time.Now
		wg.Add(1)
		go func(f *flow) {
			defer wg.Done()
			limiter := rate.NewLimiter(rate.Limit(cfg.rate), 1)
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				f.send()
			}
		}(f)
	}
	wg.Wait()
	return nil
}
