package placement

import (
	"testing"

	"smt-cosched/internal/scoremap"
)

func TestBuildPairsSortedDescending(t *testing.T) {
	oracle := scoremap.New()
	oracle.UpdateScore(1, 1, 0.4)
	oracle.UpdateScore(2, 2, 0.4)
	oracle.UpdateScore(1, 2, 1.0)

	targets := []Target{
		{Pgid: 101, Jobid: 1, WorkerNum: 2},
		{Pgid: 102, Jobid: 2, WorkerNum: 2},
	}
	pairs := buildPairs(targets, oracle)

	// self(1), cross(1,2), self(2)
	if len(pairs) != 3 {
		t.Fatalf("pairs = %d, want 3", len(pairs))
	}
	if pairs[0].Score != 1.0 {
		t.Fatalf("front pair score = %f, want 1.0", pairs[0].Score)
	}
	for i := 1; i < len(pairs); i++ {
		if pairs[i].Score > pairs[i-1].Score {
			t.Fatalf("pairs not sorted descending at %d", i)
		}
	}
}

func TestBuildPairsSkipsSelfPairForSingleWorker(t *testing.T) {
	oracle := scoremap.New()
	targets := []Target{{Pgid: 101, Jobid: 1, WorkerNum: 1}}

	if pairs := buildPairs(targets, oracle); len(pairs) != 0 {
		t.Fatalf("single-worker target produced pairs: %v", pairs)
	}
}

// Single job, two workers: greedy selects the self-pair once.
func TestGreedySingleJob(t *testing.T) {
	oracle := scoremap.New()
	oracle.UpdateScore(7, 7, 0.9)

	targets := []Target{
		{Pgid: 100, Jobid: 7, WorkerNum: 2},
		{Pgid: -1, Jobid: -1, WorkerNum: 2},
	}
	pairs := buildPairs(targets, oracle)
	selected := bestCombinations(pairs, jobCounters(targets), 4, oracle)

	if len(selected) != 2 {
		t.Fatalf("selected = %d pairs, want 2", len(selected))
	}
	if selected[0].First.Pgid != 100 || selected[0].Second.Pgid != 100 {
		t.Fatalf("best pair = %+v, want the (100,100) self-pair", selected[0])
	}
	if selected[1].First.Pgid != -1 {
		t.Fatalf("second pair = %+v, want the sentinel pair", selected[1])
	}
}

// Two jobs preferring each other: two cross-pairs, no self-pairs.
func TestGreedyCrossPreference(t *testing.T) {
	oracle := scoremap.New()
	oracle.UpdateScore(1, 1, 0.4)
	oracle.UpdateScore(2, 2, 0.4)
	oracle.UpdateScore(1, 2, 1.0)

	targets := []Target{
		{Pgid: 101, Jobid: 1, WorkerNum: 2},
		{Pgid: 102, Jobid: 2, WorkerNum: 2},
		{Pgid: -1, Jobid: -1, WorkerNum: 0},
	}
	pairs := buildPairs(targets, oracle)
	selected := bestCombinations(pairs, jobCounters(targets), 4, oracle)

	if len(selected) != 2 {
		t.Fatalf("selected = %d pairs, want 2", len(selected))
	}
	for i, p := range selected {
		if p.First.Jobid == p.Second.Jobid {
			t.Fatalf("pair %d is a self-pair: %+v", i, p)
		}
		if p.Score != 1.0 {
			t.Fatalf("pair %d score = %f, want 1.0", i, p.Score)
		}
	}
}

// A pgid never contributes more workers than it has, even when its job has
// budget left across other pgids.
func TestGreedyPerPgidBound(t *testing.T) {
	oracle := scoremap.New()
	oracle.UpdateScore(1, 1, 0.9)

	// Job 1 split over two pgids with one worker each: the self-pair must
	// not consume two workers from a single pgid.
	targets := []Target{
		{Pgid: 101, Jobid: 1, WorkerNum: 1},
		{Pgid: 102, Jobid: 1, WorkerNum: 1},
	}
	pairs := buildPairs(targets, oracle)
	selected := bestCombinations(pairs, jobCounters(targets), 2, oracle)

	if len(selected) != 1 {
		t.Fatalf("selected = %d pairs, want 1", len(selected))
	}
	p := selected[0]
	if p.First.Pgid == p.Second.Pgid {
		t.Fatalf("self-pair over a single one-worker pgid: %+v", p)
	}
}

// Local search repairs a greedy selection when swapping partners raises
// the total score.
func TestLocalSearchImproves(t *testing.T) {
	oracle := scoremap.New()
	oracle.UpdateScore(1, 2, 0.1)
	oracle.UpdateScore(3, 4, 0.1)
	oracle.UpdateScore(1, 3, 0.9)
	oracle.UpdateScore(2, 4, 0.9)

	selected := []Pair{
		{First: Target{Pgid: 1, Jobid: 1, WorkerNum: 1}, Second: Target{Pgid: 2, Jobid: 2, WorkerNum: 1}, Score: 0.1},
		{First: Target{Pgid: 3, Jobid: 3, WorkerNum: 1}, Second: Target{Pgid: 4, Jobid: 4, WorkerNum: 1}, Score: 0.1},
	}
	localSearch(selected, oracle)

	if got := sumScores(selected); got < 1.7 {
		t.Fatalf("score after local search = %f, want 1.8", got)
	}
}

func TestRotatePairs(t *testing.T) {
	pairs := []Pair{
		{First: Target{Jobid: 1}, Second: Target{Jobid: 1}, Score: 0.9},
		{First: Target{Jobid: 1}, Second: Target{Jobid: 1}, Score: 0.9},
		{First: Target{Jobid: 2}, Second: Target{Jobid: 3}, Score: 0.5},
		{First: Target{Jobid: 4}, Second: Target{Jobid: 4}, Score: 0.1},
	}
	rotatePairs(pairs)

	if pairs[0].First.Jobid != 2 {
		t.Fatalf("front after rotation = %+v, want the (2,3) pair", pairs[0])
	}

	// All-equal list: rotation is a no-op.
	same := []Pair{
		{First: Target{Jobid: 1}, Second: Target{Jobid: 1}},
		{First: Target{Jobid: 1}, Second: Target{Jobid: 1}},
	}
	rotatePairs(same)
	if same[0].First.Jobid != 1 {
		t.Fatalf("all-equal rotation changed the list")
	}
}
