package perfmon

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"

	"smt-cosched/internal/logging"

	"github.com/elastic/go-perf"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SwitchHandler receives one callback per context switch on a CPU, with
// the process group of the incoming task (<= 0 when it could not be
// resolved). ipcengine.Engine.OnSwitch satisfies it.
type SwitchHandler interface {
	OnSwitch(cpu int, nextPgid int32)
}

// defaultNextPidOffset is the usual offset of next_pid in the sched_switch
// raw payload (8-byte common header, prev_comm[16], prev_pid, prev_prio,
// prev_state, next_comm[16]). The tracefs format file overrides it when
// readable.
const defaultNextPidOffset = 56

var formatPaths = []string{
	"/sys/kernel/tracing/events/sched/sched_switch/format",
	"/sys/kernel/debug/tracing/events/sched/sched_switch/format",
}

var nextPidFieldRe = regexp.MustCompile(`field:\s*pid_t next_pid;\s*offset:(\d+);`)

func nextPidOffset() int {
	for _, path := range formatPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if m := nextPidFieldRe.FindSubmatch(data); m != nil {
			if off, err := strconv.Atoi(string(m[1])); err == nil {
				return off
			}
		}
	}
	return defaultNextPidOffset
}

// SwitchSource samples the sched_switch tracepoint on every CPU and feeds
// the handler. One reader goroutine per CPU keeps the engine's per-CPU
// state single-writer.
type SwitchSource struct {
	events  []*perf.Event
	handler SwitchHandler
	offset  int
	logger  *logrus.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// OpenSwitchSource opens the per-CPU tracepoint samplers. Run starts
// delivery.
func OpenSwitchSource(numCPU int, handler SwitchHandler) (*SwitchSource, error) {
	logger := logging.GetLogger()

	ss := &SwitchSource{
		events:  make([]*perf.Event, numCPU),
		handler: handler,
		offset:  nextPidOffset(),
		logger:  logger,
	}

	tp := perf.Tracepoint("sched", "sched_switch")
	for cpu := 0; cpu < numCPU; cpu++ {
		attr := &perf.Attr{}
		if err := tp.Configure(attr); err != nil {
			ss.Close()
			return nil, fmt.Errorf("configure sched_switch tracepoint: %w", err)
		}
		attr.SetSamplePeriod(1)
		attr.SetWakeupEvents(1)
		attr.SampleFormat = perf.SampleFormat{Raw: true}

		event, err := perf.Open(attr, perf.AllThreads, cpu, nil)
		if err != nil {
			ss.Close()
			logger.WithField("cpu", cpu).WithError(err).Error("Failed to open sched_switch sampler")
			return nil, fmt.Errorf("open sched_switch sampler on cpu %d: %w", cpu, err)
		}
		if err := event.MapRing(); err != nil {
			event.Close()
			ss.Close()
			return nil, fmt.Errorf("map ring for cpu %d: %w", cpu, err)
		}
		ss.events[cpu] = event
	}

	logger.WithFields(logrus.Fields{
		"num_cpus":        numCPU,
		"next_pid_offset": ss.offset,
	}).Debug("sched_switch samplers opened")
	return ss, nil
}

// Run enables the samplers and starts one reader per CPU. It returns
// immediately; Close stops delivery.
func (ss *SwitchSource) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	ss.cancel = cancel

	for cpu, event := range ss.events {
		if err := event.Enable(); err != nil {
			cancel()
			return fmt.Errorf("enable sched_switch sampler on cpu %d: %w", cpu, err)
		}

		ss.wg.Add(1)
		go ss.readLoop(ctx, cpu, event)
	}
	return nil
}

func (ss *SwitchSource) readLoop(ctx context.Context, cpu int, event *perf.Event) {
	defer ss.wg.Done()

	// pid -> pgid cache, reset when it grows past churny-workload size.
	pgidCache := make(map[int32]int32)

	for {
		rec, err := event.ReadRecord(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ss.logger.WithField("cpu", cpu).WithError(err).Debug("sched_switch read failed")
			continue
		}

		sample, ok := rec.(*perf.SampleRecord)
		if !ok {
			continue
		}
		nextPid, ok := ss.parseNextPid(sample.Raw)
		if !ok {
			continue
		}

		ss.handler.OnSwitch(cpu, resolvePgid(pgidCache, nextPid))
		if len(pgidCache) > 8192 {
			pgidCache = make(map[int32]int32)
		}
	}
}

func (ss *SwitchSource) parseNextPid(raw []byte) (int32, bool) {
	if len(raw) < ss.offset+4 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(raw[ss.offset:])), true
}

func resolvePgid(cache map[int32]int32, pid int32) int32 {
	if pid <= 0 {
		return 0
	}
	if pgid, ok := cache[pid]; ok {
		return pgid
	}
	pgid, err := unix.Getpgid(int(pid))
	if err != nil {
		return 0
	}
	cache[pid] = int32(pgid)
	return int32(pgid)
}

// Close stops the readers and releases the perf events.
func (ss *SwitchSource) Close() {
	if ss.cancel != nil {
		ss.cancel()
	}
	ss.wg.Wait()
	for _, event := range ss.events {
		if event != nil {
			event.Close()
		}
	}
	ss.events = nil
}
