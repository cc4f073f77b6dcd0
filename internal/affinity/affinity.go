package affinity

import (
	"sort"

	"smt-cosched/internal/logging"
	"smt-cosched/internal/proctree"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// CPUSet is a set of logical CPU ids.
type CPUSet map[int]struct{}

func NewCPUSet(cpus ...int) CPUSet {
	s := make(CPUSet, len(cpus))
	for _, cpu := range cpus {
		s[cpu] = struct{}{}
	}
	return s
}

func (s CPUSet) Add(cpu int) {
	s[cpu] = struct{}{}
}

func (s CPUSet) Contains(cpu int) bool {
	_, ok := s[cpu]
	return ok
}

// Sorted returns the member CPUs in ascending order.
func (s CPUSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for cpu := range s {
		out = append(out, cpu)
	}
	sort.Ints(out)
	return out
}

func (s CPUSet) unixSet() *unix.CPUSet {
	var us unix.CPUSet
	for cpu := range s {
		us.Set(cpu)
	}
	return &us
}

// Applier pins every thread of a process group (descendants included) to a
// CPU set. The placement scheduler holds one; tests substitute a recorder.
type Applier interface {
	Apply(pgid int32, cpus CPUSet) error
}

// ProcApplier walks the process tree and calls sched_setaffinity per
// thread. Threads can exit while the walk is in progress; those failures
// are expected and skipped.
type ProcApplier struct {
	tree proctree.Topology
}

func NewProcApplier(tree proctree.Topology) *ProcApplier {
	return &ProcApplier{tree: tree}
}

func (a *ProcApplier) Apply(pgid int32, cpus CPUSet) error {
	if len(cpus) == 0 {
		return nil
	}
	a.applyRecursive(int(pgid), cpus.unixSet())
	return nil
}

func (a *ProcApplier) applyRecursive(pid int, set *unix.CPUSet) {
	logger := logging.GetPlacementLogger()

	tids, err := a.tree.ThreadsOf(pid)
	if err != nil {
		logger.WithField("pid", pid).WithError(err).Debug("Process gone during affinity walk")
	}
	for _, tid := range tids {
		if err := unix.SchedSetaffinity(tid, set); err != nil {
			logger.WithFields(logrus.Fields{
				"pid": pid,
				"tid": tid,
			}).WithError(err).Debug("Failed to set affinity, thread likely exited")
		}
	}

	children, err := a.tree.ChildrenOf(pid)
	if err != nil {
		return
	}
	for _, child := range children {
		a.applyRecursive(child, set)
	}
}
