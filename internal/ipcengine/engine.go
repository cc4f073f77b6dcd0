package ipcengine

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"smt-cosched/internal/errkind"
	"smt-cosched/internal/logging"
	"smt-cosched/internal/shm"

	"github.com/sirupsen/logrus"
)

// MaxSlots mirrors the snapshot region capacity.
const MaxSlots = shm.MaxSlots

// CounterSource reads the per-CPU cycle and instruction counters. The
// production implementation lives in internal/perfmon; tests inject
// synthetic readings.
type CounterSource interface {
	ReadCPU(cpu int) (cycles, instructions uint64, err error)
}

type slotRef struct {
	idx int
	gen uint32
}

type pgidTable map[int32]slotRef

// kslot is the engine-internal slot: the true counters plus the metadata
// that never leaves the producer side.
type kslot struct {
	mu sync.Mutex

	pgid      int32
	jobid     int32
	workerNum int32
	resetFlag bool

	gen uint32

	cycles       uint64
	instructions uint64
}

// cpuState is captured at switch-in and consumed at switch-out. Each entry
// is only touched by its CPU's event goroutine.
type cpuState struct {
	slotIdx     int // -1 when the running task is not monitored
	expectedGen uint32
	startCycles uint64
	startInsts  uint64
}

// Stats counts events that the switch path cannot surface as errors.
type Stats struct {
	PMUReadFailures uint64
	StaleDrops      uint64
	Updates         uint64
}

// Engine owns the slot table, the PGID lookup table, the per-CPU
// accounting state and the snapshot region. Add/Remove/ResetAll are the
// control surface; OnSwitch is the context-switch hot path and never
// blocks on anything but the per-slot mutex (held for O(1) work).
type Engine struct {
	region   *shm.Region
	counters CounterSource
	logger   *logrus.Logger

	slots [MaxSlots]kslot

	allocMu   sync.Mutex
	tailIndex int
	freeList  []int

	// Lookups load the published table pointer and never take a lock;
	// mutations build a fresh table under mapMu and swap the pointer.
	mapMu sync.Mutex
	table atomic.Pointer[pgidTable]

	perCPU []cpuState

	pmuReadFailures atomic.Uint64
	staleDrops      atomic.Uint64
	updates         atomic.Uint64
}

// New creates an engine over region with numCPU logical CPUs.
func New(region *shm.Region, counters CounterSource, numCPU int) *Engine {
	e := &Engine{
		region:   region,
		counters: counters,
		logger:   logging.GetLogger(),
		perCPU:   make([]cpuState, numCPU),
	}
	for cpu := range e.perCPU {
		e.perCPU[cpu].slotIdx = -1
	}
	empty := make(pgidTable)
	e.table.Store(&empty)
	return e
}

// Region exposes the snapshot region for consumers in the same process.
func (e *Engine) Region() *shm.Region {
	return e.region
}

func (e *Engine) Stats() Stats {
	return Stats{
		PMUReadFailures: e.pmuReadFailures.Load(),
		StaleDrops:      e.staleDrops.Load(),
		Updates:         e.updates.Load(),
	}
}

func (e *Engine) allocSlot() int {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()

	if n := len(e.freeList); n > 0 {
		idx := e.freeList[n-1]
		e.freeList = e.freeList[:n-1]
		return idx
	}
	if e.tailIndex < MaxSlots {
		idx := e.tailIndex
		e.tailIndex++
		return idx
	}
	return -1
}

func (e *Engine) pushFree(idx int) {
	e.allocMu.Lock()
	e.freeList = append(e.freeList, idx)
	e.allocMu.Unlock()
}

// clearLocked zeroes the slot contents. Generation is bumped separately.
func (s *kslot) clearLocked() {
	s.pgid = 0
	s.jobid = 0
	s.workerNum = 0
	s.resetFlag = false
	s.cycles = 0
	s.instructions = 0
}

// publishLocked copies the slot into the snapshot region. Caller holds the
// slot mutex, so there is a single writer per seqlock.
func (e *Engine) publishLocked(idx int) {
	s := &e.slots[idx]
	e.region.PublishSlot(idx, shm.SlotView{
		Pgid:         s.pgid,
		Jobid:        s.jobid,
		WorkerNum:    s.workerNum,
		Cycles:       s.cycles,
		Instructions: s.instructions,
	})
}

func (e *Engine) lookup(pgid int32) (slotRef, bool) {
	ref, ok := (*e.table.Load())[pgid]
	return ref, ok
}

// Add enrolls a process group. The slot is initialized and its snapshot
// published before the lookup entry becomes visible, so a switch handler
// that finds the entry always sees a valid generation.
func (e *Engine) Add(pgid, jobid, workerNum int32) error {
	slotIdx := e.allocSlot()
	if slotIdx < 0 {
		return fmt.Errorf("slot table full for pgid %d: %w", pgid, errkind.ErrNoCapacity)
	}

	s := &e.slots[slotIdx]
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.pgid = pgid
	s.jobid = jobid
	s.workerNum = workerNum
	s.resetFlag = false
	s.cycles = 0
	s.instructions = 0
	e.publishLocked(slotIdx)
	s.mu.Unlock()

	e.mapMu.Lock()
	old := *e.table.Load()
	if _, exists := old[pgid]; exists {
		e.mapMu.Unlock()

		// Roll back: invalidate the generation so any state captured
		// against it is dropped, then return the index.
		s.mu.Lock()
		s.gen++
		s.clearLocked()
		e.publishLocked(slotIdx)
		s.mu.Unlock()

		e.pushFree(slotIdx)
		return fmt.Errorf("pgid %d already enrolled: %w", pgid, errkind.ErrDuplicate)
	}
	next := make(pgidTable, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[pgid] = slotRef{idx: slotIdx, gen: gen}
	e.table.Store(&next)
	e.mapMu.Unlock()

	e.region.SetActive(slotIdx, true)
	e.region.AddCount(1)

	e.logger.WithFields(logrus.Fields{
		"pgid":   pgid,
		"jobid":  jobid,
		"worker": workerNum,
		"slot":   slotIdx,
		"gen":    gen,
	}).Info("ipcengine: enrolled pgid")
	return nil
}

// Remove unenrolls a process group. The active bit is cleared before the
// slot content so scanners never observe a post-remove slot as active.
func (e *Engine) Remove(pgid int32) error {
	e.mapMu.Lock()
	old := *e.table.Load()
	ref, ok := old[pgid]
	if !ok {
		e.mapMu.Unlock()
		return fmt.Errorf("pgid %d not enrolled: %w", pgid, errkind.ErrNotFound)
	}

	e.region.SetActive(ref.idx, false)

	next := make(pgidTable, len(old))
	for k, v := range old {
		if k != pgid {
			next[k] = v
		}
	}
	e.table.Store(&next)
	e.mapMu.Unlock()

	s := &e.slots[ref.idx]
	s.mu.Lock()
	s.gen++
	s.clearLocked()
	e.publishLocked(ref.idx)
	s.mu.Unlock()

	e.pushFree(ref.idx)
	e.region.AddCount(-1)

	e.logger.WithFields(logrus.Fields{
		"pgid": pgid,
		"slot": ref.idx,
	}).Info("ipcengine: removed pgid")
	return nil
}

// ResetAll marks every active slot for reset. The flag is consumed at the
// next switch-out update: the delta replaces the totals instead of
// accumulating.
func (e *Engine) ResetAll() {
	for i := 0; i < MaxSlots; i++ {
		if !e.region.IsActive(i) {
			continue
		}
		s := &e.slots[i]
		s.mu.Lock()
		if s.pgid != 0 {
			s.resetFlag = true
		}
		s.mu.Unlock()
	}
}

// Teardown unenrolls everything. Called once at shutdown.
func (e *Engine) Teardown() {
	e.mapMu.Lock()
	old := *e.table.Load()
	for _, ref := range old {
		e.region.SetActive(ref.idx, false)
	}
	empty := make(pgidTable)
	e.table.Store(&empty)
	e.mapMu.Unlock()

	for _, ref := range old {
		s := &e.slots[ref.idx]
		s.mu.Lock()
		s.gen++
		s.clearLocked()
		e.publishLocked(ref.idx)
		s.mu.Unlock()
		e.pushFree(ref.idx)
		e.region.AddCount(-1)
	}
}

// deltaWrap computes a wraparound-safe delta of a monotonic u64 counter.
func deltaWrap(cur, prev uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	return (math.MaxUint64 - prev + 1) + cur
}

// OnSwitch attributes the elapsed cycles and instructions on cpu to the
// outgoing task's slot and arms the state for the incoming task. nextPgid
// is the process group of the task being switched in (<= 0 when unknown).
//
// Must be called from cpu's event goroutine only: the per-CPU state is
// unsynchronized by design.
func (e *Engine) OnSwitch(cpu int, nextPgid int32) {
	if cpu < 0 || cpu >= len(e.perCPU) {
		return
	}
	st := &e.perCPU[cpu]

	prevIdx := st.slotIdx
	prevGen := st.expectedGen

	var nextRef slotRef
	nextMonitored := false
	if nextPgid > 0 {
		nextRef, nextMonitored = e.lookup(nextPgid)
	}

	// Neither side monitored: skip the PMU read entirely.
	if prevIdx < 0 && !nextMonitored {
		return
	}

	nowCycles, nowInsts, err := e.counters.ReadCPU(cpu)
	if err != nil {
		e.pmuReadFailures.Add(1)
		// Conservative: drop the pending interval, disarm unless the
		// incoming task would re-arm with a fresh read anyway.
		if !nextMonitored {
			st.slotIdx = -1
			st.expectedGen = 0
		}
		return
	}

	if prevIdx >= 0 {
		deltaCycles := deltaWrap(nowCycles, st.startCycles)
		deltaInsts := deltaWrap(nowInsts, st.startInsts)

		s := &e.slots[prevIdx]
		s.mu.Lock()
		if s.gen == prevGen {
			if s.resetFlag {
				s.cycles = deltaCycles
				s.instructions = deltaInsts
				s.resetFlag = false
			} else {
				s.cycles += deltaCycles
				s.instructions += deltaInsts
			}
			e.publishLocked(prevIdx)
			e.updates.Add(1)
		} else {
			e.staleDrops.Add(1)
		}
		s.mu.Unlock()
	}

	if nextMonitored {
		st.slotIdx = nextRef.idx
		st.expectedGen = nextRef.gen
		st.startCycles = nowCycles
		st.startInsts = nowInsts
	} else {
		st.slotIdx = -1
		st.expectedGen = 0
	}
}
