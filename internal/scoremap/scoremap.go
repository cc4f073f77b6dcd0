package scoremap

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Oracle holds the pairwise compatibility scores and standalone baseline
// IPCs produced by the offline profiling pipeline. Scores are commutative:
// the key is the unordered jobid pair, self-pairs included.
type Oracle struct {
	mu        sync.RWMutex
	scores    map[uint64]float64
	baselines map[int32]float64
}

func New() *Oracle {
	return &Oracle{
		scores:    make(map[uint64]float64),
		baselines: make(map[int32]float64),
	}
}

// pairKey packs the unordered jobid pair into one 64-bit key.
func pairKey(a, b int32) uint64 {
	i, j := uint32(a), uint32(b)
	if i > j {
		i, j = j, i
	}
	return uint64(i)<<32 | uint64(j)
}

// Score returns the compatibility score for the job pair, 0 if unknown.
func (o *Oracle) Score(a, b int32) float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.scores[pairKey(a, b)]
}

// BaselineIPC returns the standalone IPC of job, with ok reporting whether
// a baseline is known and non-zero.
func (o *Oracle) BaselineIPC(job int32) (float64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ipc, ok := o.baselines[job]
	return ipc, ok && ipc != 0
}

func (o *Oracle) UpdateScore(a, b int32, score float64) {
	o.mu.Lock()
	o.scores[pairKey(a, b)] = score
	o.mu.Unlock()
}

func (o *Oracle) UpdateBaseline(job int32, ipc float64) {
	o.mu.Lock()
	o.baselines[job] = ipc
	o.mu.Unlock()
}

// Len returns the number of known pair scores.
func (o *Oracle) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.scores)
}

// Model file layout, written by the training pipeline.
type modelFile struct {
	Pairs []struct {
		Jobs  [2]int32 `yaml:"jobs"`
		Score float64  `yaml:"score"`
	} `yaml:"pairs"`
	Baselines map[int32]float64 `yaml:"baselines"`
}

// LoadModel merges a trained model file into the oracle.
func (o *Oracle) LoadModel(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read score model: %w", err)
	}

	var model modelFile
	if err := yaml.Unmarshal(data, &model); err != nil {
		return fmt.Errorf("parse score model: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range model.Pairs {
		o.scores[pairKey(p.Jobs[0], p.Jobs[1])] = p.Score
	}
	for job, ipc := range model.Baselines {
		o.baselines[job] = ipc
	}
	return nil
}
