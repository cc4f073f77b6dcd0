package placement

import (
	"math"
	"sort"

	"smt-cosched/internal/scoremap"
)

// Target is one schedulable process group read from the snapshot region.
// The sentinel {-1, -1, remain} absorbs surplus logical CPUs so the total
// thread count is a multiple of the logical core count; it is never
// written to an affinity mask.
type Target struct {
	Pgid      int32
	Jobid     int32
	WorkerNum int32
}

// Pair is two targets sharing a physical core, with their compatibility
// score.
type Pair struct {
	First  Target
	Second Target
	Score  float64
}

func pairsEqual(a, b Pair) bool {
	return a.First.Jobid == b.First.Jobid && a.Second.Jobid == b.Second.Jobid
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-8
}

// buildPairs enumerates every candidate pair over the target list: each
// target with itself when it has at least two workers, plus all cross
// pairs, sorted by score descending.
func buildPairs(targets []Target, oracle *scoremap.Oracle) []Pair {
	var pairs []Pair
	for i := range targets {
		first := targets[i]
		if first.WorkerNum >= 2 {
			pairs = append(pairs, Pair{
				First:  first,
				Second: first,
				Score:  oracle.Score(first.Jobid, first.Jobid),
			})
		}
		for j := i + 1; j < len(targets); j++ {
			second := targets[j]
			pairs = append(pairs, Pair{
				First:  first,
				Second: second,
				Score:  oracle.Score(first.Jobid, second.Jobid),
			})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Score > pairs[j].Score
	})
	return pairs
}

// jobCounters sums worker counts per jobid over the target list.
func jobCounters(targets []Target) map[int32]int {
	counter := make(map[int32]int, len(targets))
	for _, t := range targets {
		counter[t.Jobid] += int(t.WorkerNum)
	}
	return counter
}

// bestCombinations picks threadNum/2 pairs greedily in score order,
// bounded by both the per-job worker budget and the per-pgid worker count,
// then improves the selection with a two-sweep local search.
func bestCombinations(pairs []Pair, counter map[int32]int, threadNum int, oracle *scoremap.Oracle) []Pair {
	threshold := threadNum >> 1

	// Copy: the greedy phase consumes the budgets.
	budget := make(map[int32]int, len(counter))
	for k, v := range counter {
		budget[k] = v
	}
	pgidUsed := make(map[int32]int)

	var selected []Pair

greedy:
	for _, pair := range pairs {
		first, second := pair.First, pair.Second

		if first.Jobid == second.Jobid {
			// Same-job pairing: co-locate two workers of the job,
			// limited by how many workers this pgid still has.
			if budget[first.Jobid] < 2 {
				continue
			}
			pgidRemaining := int(first.WorkerNum) - pgidUsed[first.Pgid]
			if pgidRemaining < 2 {
				continue
			}
			available := min(budget[first.Jobid]/2, pgidRemaining/2)
			if available < 1 {
				continue
			}
			budget[first.Jobid] -= available * 2
			pgidUsed[first.Pgid] += available * 2
			for i := 0; i < available; i++ {
				selected = append(selected, pair)
			}
		} else {
			if budget[first.Jobid] < 1 || budget[second.Jobid] < 1 {
				continue
			}
			firstRemaining := int(first.WorkerNum) - pgidUsed[first.Pgid]
			secondRemaining := int(second.WorkerNum) - pgidUsed[second.Pgid]
			if firstRemaining < 1 || secondRemaining < 1 {
				continue
			}
			available := min(
				min(budget[first.Jobid], budget[second.Jobid]),
				min(firstRemaining, secondRemaining),
			)
			if available < 1 {
				continue
			}
			budget[first.Jobid] -= available
			budget[second.Jobid] -= available
			pgidUsed[first.Pgid] += available
			pgidUsed[second.Pgid] += available
			for i := 0; i < available; i++ {
				selected = append(selected, pair)
			}
		}

		if len(selected) >= threshold {
			selected = selected[:threshold]
			break greedy
		}
	}

	localSearch(selected, oracle)

	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Score > selected[j].Score
	})
	return selected
}

// localSearch tries the two possible cross-swaps for every ordered pair of
// selected pairs and keeps whichever sum scores highest. Configurations
// already known not to improve are memoized by their score bits. Two
// sweeps is the hard limit.
func localSearch(selected []Pair, oracle *scoremap.Oracle) {
	noSwaps := make(map[uint64]struct{})

	for sweep := 0; sweep < 2; sweep++ {
		for i := 0; i < len(selected); i++ {
			for j := i + 1; j < len(selected); j++ {
				p1 := &selected[i]
				p2 := &selected[j]
				oldScore := p1.Score + p2.Score
				key := math.Float64bits(oldScore)
				if _, seen := noSwaps[key]; seen {
					continue
				}

				// swap A: (p1.First, p2.First) / (p1.Second, p2.Second)
				scoreA1 := oracle.Score(p1.First.Jobid, p2.First.Jobid)
				scoreA2 := oracle.Score(p1.Second.Jobid, p2.Second.Jobid)
				swapA := scoreA1 + scoreA2

				// swap B: (p1.First, p2.Second) / (p1.Second, p2.First)
				scoreB1 := oracle.Score(p1.First.Jobid, p2.Second.Jobid)
				scoreB2 := oracle.Score(p1.Second.Jobid, p2.First.Jobid)
				swapB := scoreB1 + scoreB2

				switch argmax3(oldScore, swapA, swapB) {
				case 0:
					noSwaps[key] = struct{}{}
				case 1:
					oldSecond := p1.Second
					*p1 = Pair{First: p1.First, Second: p2.First, Score: scoreA1}
					*p2 = Pair{First: oldSecond, Second: p2.Second, Score: scoreA2}
				case 2:
					oldFirst := p1.First
					oldSecond := p1.Second
					*p1 = Pair{First: oldFirst, Second: p2.Second, Score: scoreB1}
					*p2 = Pair{First: oldSecond, Second: p2.First, Score: scoreB2}
				}
			}
		}
	}
}

func argmax3(a, b, c float64) int {
	if a >= b && a >= c {
		return 0
	}
	if b >= a && b >= c {
		return 1
	}
	return 2
}

func sumScores(pairs []Pair) float64 {
	total := 0.0
	for _, p := range pairs {
		total += p.Score
	}
	return total
}

// rotatePairs rotates the sorted pair list so a different pair leads the
// next greedy run: the rotation point is the first pair that differs from
// the current front.
func rotatePairs(pairs []Pair) {
	pivot := -1
	for i := 1; i < len(pairs); i++ {
		if !pairsEqual(pairs[i], pairs[0]) {
			pivot = i
			break
		}
	}
	if pivot < 0 {
		return
	}
	rotated := make([]Pair, 0, len(pairs))
	rotated = append(rotated, pairs[pivot:]...)
	rotated = append(rotated, pairs[:pivot]...)
	copy(pairs, rotated)
}
