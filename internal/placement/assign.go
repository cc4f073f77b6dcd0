package placement

import (
	"container/heap"

	"smt-cosched/internal/affinity"
	"smt-cosched/internal/host"
	"smt-cosched/internal/scoremap"
)

// runqueueEvalLimit bounds interference evaluation to the front of a
// logical CPU's run queue.
const runqueueEvalLimit = 5

// coreLoad orders physical cores by assigned pair count, then by
// accumulated score.
type coreLoad struct {
	coreID     int
	threadNum  int
	totalScore float64
}

type coreHeap []coreLoad

func (h coreHeap) Len() int { return len(h) }
func (h coreHeap) Less(i, j int) bool {
	if h[i].threadNum != h[j].threadNum {
		return h[i].threadNum < h[j].threadNum
	}
	return h[i].totalScore < h[j].totalScore
}
func (h coreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *coreHeap) Push(x any)        { *h = append(*h, x.(coreLoad)) }
func (h *coreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// evaluateRunqueue scores adding jobid next to the targets already queued
// on a logical CPU, looking at the first few entries only.
func evaluateRunqueue(runqueue []Target, jobid int32, oracle *scoremap.Oracle) float64 {
	score := 0.0
	for i, t := range runqueue {
		if i >= runqueueEvalLimit {
			break
		}
		score += oracle.Score(jobid, t.Jobid)
	}
	return score
}

// assignCores places the selected pairs onto physical cores: pairs in the
// order given, each onto the least-loaded core, orienting the
// two members across the sibling CPUs to maximize compatibility with what
// is already queued there. Returns per-pgid affinity masks; the sentinel
// pgid never appears in them.
func assignCores(pairs []Pair, topo host.CPUTopology, oracle *scoremap.Oracle) map[int32]affinity.CPUSet {
	pq := make(coreHeap, 0, topo.PhysicalCores)
	for coreID := 0; coreID < topo.PhysicalCores; coreID++ {
		pq = append(pq, coreLoad{coreID: coreID})
	}
	heap.Init(&pq)

	runqueues := make([][]Target, topo.LogicalCores)

	for _, pair := range pairs {
		core := heap.Pop(&pq).(coreLoad)
		siblings := topo.SiblingMap[core.coreID]
		cpu0, cpu1 := siblings[0], siblings[1]

		// Orientation: first on cpu1/second on cpu0 versus the swap,
		// judged by compatibility with the current run queues.
		score0 := evaluateRunqueue(runqueues[cpu1], pair.First.Jobid, oracle) +
			evaluateRunqueue(runqueues[cpu0], pair.Second.Jobid, oracle)
		score1 := evaluateRunqueue(runqueues[cpu0], pair.First.Jobid, oracle) +
			evaluateRunqueue(runqueues[cpu1], pair.Second.Jobid, oracle)

		if score0 >= score1 {
			runqueues[cpu1] = append(runqueues[cpu1], pair.First)
			runqueues[cpu0] = append(runqueues[cpu0], pair.Second)
		} else {
			runqueues[cpu0] = append(runqueues[cpu0], pair.First)
			runqueues[cpu1] = append(runqueues[cpu1], pair.Second)
		}

		core.threadNum++
		core.totalScore += pair.Score
		heap.Push(&pq, core)
	}

	masks := make(map[int32]affinity.CPUSet)
	for cpu, runqueue := range runqueues {
		for _, t := range runqueue {
			if t.Jobid == -1 {
				continue
			}
			if masks[t.Pgid] == nil {
				masks[t.Pgid] = affinity.NewCPUSet()
			}
			masks[t.Pgid].Add(cpu)
		}
	}
	return masks
}
