package perfmon

import (
	"fmt"

	"smt-cosched/internal/logging"

	"github.com/elastic/go-perf"
)

// PMU holds one cycles and one instructions counter per logical CPU,
// counting all tasks on that CPU. The events are created at engine init
// and stay enabled for the engine's lifetime; the switch path only reads.
type PMU struct {
	cycles       []*perf.Event
	instructions []*perf.Event
}

// OpenPMU opens and enables the per-CPU counters for cpus 0..numCPU-1.
func OpenPMU(numCPU int) (*PMU, error) {
	logger := logging.GetLogger()

	p := &PMU{
		cycles:       make([]*perf.Event, numCPU),
		instructions: make([]*perf.Event, numCPU),
	}

	for cpu := 0; cpu < numCPU; cpu++ {
		cyclesAttr := &perf.Attr{}
		perf.CPUCycles.Configure(cyclesAttr)

		cyclesEvent, err := perf.Open(cyclesAttr, perf.AllThreads, cpu, nil)
		if err != nil {
			p.Close()
			logger.WithField("cpu", cpu).WithError(err).Error("Failed to open cycles counter")
			return nil, fmt.Errorf("open cycles counter on cpu %d: %w", cpu, err)
		}
		p.cycles[cpu] = cyclesEvent

		instAttr := &perf.Attr{}
		perf.Instructions.Configure(instAttr)

		instEvent, err := perf.Open(instAttr, perf.AllThreads, cpu, nil)
		if err != nil {
			p.Close()
			logger.WithField("cpu", cpu).WithError(err).Error("Failed to open instructions counter")
			return nil, fmt.Errorf("open instructions counter on cpu %d: %w", cpu, err)
		}
		p.instructions[cpu] = instEvent
	}

	for cpu := 0; cpu < numCPU; cpu++ {
		if err := p.cycles[cpu].Enable(); err != nil {
			p.Close()
			return nil, fmt.Errorf("enable cycles counter on cpu %d: %w", cpu, err)
		}
		if err := p.instructions[cpu].Enable(); err != nil {
			p.Close()
			return nil, fmt.Errorf("enable instructions counter on cpu %d: %w", cpu, err)
		}
	}

	logger.WithField("num_cpus", numCPU).Debug("Per-CPU PMU counters enabled")
	return p, nil
}

// ReadCPU reads the current cycle and instruction counts on cpu.
func (p *PMU) ReadCPU(cpu int) (uint64, uint64, error) {
	if cpu < 0 || cpu >= len(p.cycles) {
		return 0, 0, fmt.Errorf("cpu %d out of range", cpu)
	}

	cyclesCount, err := p.cycles[cpu].ReadCount()
	if err != nil {
		return 0, 0, fmt.Errorf("read cycles on cpu %d: %w", cpu, err)
	}
	instCount, err := p.instructions[cpu].ReadCount()
	if err != nil {
		return 0, 0, fmt.Errorf("read instructions on cpu %d: %w", cpu, err)
	}

	return uint64(cyclesCount.Value), uint64(instCount.Value), nil
}

func (p *PMU) Close() {
	for _, event := range p.cycles {
		if event != nil {
			event.Close()
		}
	}
	for _, event := range p.instructions {
		if event != nil {
			event.Close()
		}
	}
	p.cycles = nil
	p.instructions = nil
}
