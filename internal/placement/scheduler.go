package placement

import (
	"context"
	"math/rand"
	"time"

	"smt-cosched/internal/affinity"
	"smt-cosched/internal/host"
	"smt-cosched/internal/logging"
	"smt-cosched/internal/scoremap"
	"smt-cosched/internal/shm"

	"github.com/sirupsen/logrus"
)

// SnapshotSource yields consistent views of the active slots. The real
// source reads the shared region; tests feed synthetic slots.
type SnapshotSource interface {
	ActiveSlots() []shm.SlotView
}

// RegionSource reads the snapshot region published by the IPC engine.
type RegionSource struct {
	Region *shm.Region
}

func (s *RegionSource) ActiveSlots() []shm.SlotView {
	idxs := s.Region.ActiveIndices()
	views := make([]shm.SlotView, 0, len(idxs))
	for _, idx := range idxs {
		views = append(views, s.Region.ReadSlot(idx))
	}
	return views
}

// Resetter restarts counter accumulation before a probe window.
type Resetter interface {
	ResetAll()
}

// ResultSink receives probe evaluations, for offline analysis.
type ResultSink interface {
	RecordProbe(pass int, configIndex int, stp float64, committed bool)
}

// Config tunes the scheduler's pass behavior.
type Config struct {
	// ProbeInterval is how long each candidate configuration runs
	// before its STP is sampled.
	ProbeInterval time.Duration
	// PassInterval is the idle time between scheduling passes.
	PassInterval time.Duration
	// MaxCandidates caps the distinct greedy configurations per pass.
	MaxCandidates int
	// MaxTries bounds the rotation attempts used to find them.
	MaxTries int
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval: 20 * time.Second,
		PassInterval:  time.Minute,
		MaxCandidates: 3,
		MaxTries:      100,
	}
}

// Scheduler computes worker-to-CPU assignments that maximize measured
// system throughput. Each pass enumerates the live targets, builds
// candidate configurations, probes each by applying it and sampling IPC
// from the snapshot region, and commits the best.
type Scheduler struct {
	source   SnapshotSource
	oracle   *scoremap.Oracle
	applier  affinity.Applier
	resetter Resetter
	topo     host.CPUTopology
	cfg      Config
	sink     ResultSink
	rng      *rand.Rand
	logger   *logrus.Logger

	passCount int
}

func New(source SnapshotSource, oracle *scoremap.Oracle, applier affinity.Applier, resetter Resetter, topo host.CPUTopology, cfg Config) *Scheduler {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 3
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 100
	}
	return &Scheduler{
		source:   source,
		oracle:   oracle,
		applier:  applier,
		resetter: resetter,
		topo:     topo,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   logging.GetPlacementLogger(),
	}
}

// SetResultSink attaches an optional probe-result sink.
func (s *Scheduler) SetResultSink(sink ResultSink) {
	s.sink = sink
}

// Run executes scheduling passes until ctx is canceled. The probe sleeps
// observe ctx at probe boundaries, so teardown is bounded by one probe
// interval.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.SchedulePass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PassInterval):
		}
	}
}

// collectTargets reads the active slots and pads the worker total to a
// multiple of the logical core count with the sentinel target.
func (s *Scheduler) collectTargets() (targets []Target, threadNum int) {
	n := 0
	for _, v := range s.source.ActiveSlots() {
		if v.WorkerNum <= 0 {
			continue
		}
		n += int(v.WorkerNum)
		targets = append(targets, Target{Pgid: v.Pgid, Jobid: v.Jobid, WorkerNum: v.WorkerNum})
	}
	if n == 0 {
		return nil, 0
	}

	logical := s.topo.LogicalCores
	remain := (logical - n%logical) % logical
	targets = append(targets, Target{Pgid: -1, Jobid: -1, WorkerNum: int32(remain)})
	return targets, n + remain
}

type candidate struct {
	masks     map[int32]affinity.CPUSet
	pairScore float64
	baseline  bool
}

// buildCandidates produces up to MaxCandidates greedy configurations with
// distinct total scores (by rotating the sorted pair list between runs)
// plus one shuffled baseline of the first greedy result.
func (s *Scheduler) buildCandidates(targets []Target, threadNum int) []candidate {
	counter := jobCounters(targets)
	pairs := buildPairs(targets, s.oracle)
	threshold := threadNum >> 1

	var candidates []candidate
	var prevScores []float64

	for try := 0; try < s.cfg.MaxTries; try++ {
		selected := bestCombinations(pairs, counter, threadNum, s.oracle)
		rotatePairs(pairs)

		if len(selected) != threshold {
			continue
		}

		if len(candidates) == 0 {
			shuffled := append([]Pair(nil), selected...)
			s.rng.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			candidates = append(candidates, candidate{
				masks:     assignCores(shuffled, s.topo, s.oracle),
				pairScore: sumScores(shuffled),
				baseline:  true,
			})
		}

		total := sumScores(selected)
		duplicate := false
		for _, prev := range prevScores {
			if nearlyEqual(total, prev) {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		prevScores = append(prevScores, total)

		candidates = append(candidates, candidate{
			masks:     assignCores(selected, s.topo, s.oracle),
			pairScore: total,
		})
		if len(prevScores) >= s.cfg.MaxCandidates {
			break
		}
	}

	return candidates
}

func (s *Scheduler) applyMasks(masks map[int32]affinity.CPUSet) {
	for pgid, cpus := range masks {
		if err := s.applier.Apply(pgid, cpus); err != nil {
			s.logger.WithField("pgid", pgid).WithError(err).Debug("Affinity apply failed")
		}
	}
}

// measureSTP sums live IPC over baseline IPC across the active slots.
// Slots that died mid-probe or have no known baseline are skipped.
func (s *Scheduler) measureSTP() float64 {
	stp := 0.0
	for _, v := range s.source.ActiveSlots() {
		if v.Jobid < 0 || v.Pgid <= 0 || v.Cycles == 0 {
			continue
		}
		baseline, ok := s.oracle.BaselineIPC(v.Jobid)
		if !ok {
			continue
		}
		ipc := float64(v.Instructions) / float64(v.Cycles)
		stp += ipc / baseline
	}
	return stp
}

// SchedulePass runs one full pass: enumerate, build candidates, probe
// each, commit the best. Returns the committed candidate's STP, or 0 when
// there was nothing to schedule.
func (s *Scheduler) SchedulePass(ctx context.Context) float64 {
	s.passCount++
	pass := s.passCount

	targets, threadNum := s.collectTargets()
	if threadNum == 0 {
		s.logger.Debug("No workloads to schedule")
		return 0
	}

	s.logger.WithFields(logrus.Fields{
		"pass":       pass,
		"targets":    len(targets) - 1,
		"thread_num": threadNum,
	}).Info("Scheduling pass started")

	candidates := s.buildCandidates(targets, threadNum)
	if len(candidates) == 0 {
		s.logger.Warn("No candidate configurations produced")
		return 0
	}

	bestIndex := -1
	bestSTP := 0.0

	for i, cand := range candidates {
		if ctx.Err() != nil {
			return 0
		}

		s.applyMasks(cand.masks)
		s.resetter.ResetAll()

		s.logger.WithFields(logrus.Fields{
			"config":     i,
			"pair_score": cand.pairScore,
			"baseline":   cand.baseline,
			"probe_sec":  s.cfg.ProbeInterval.Seconds(),
		}).Info("Probing configuration")

		select {
		case <-ctx.Done():
			return 0
		case <-time.After(s.cfg.ProbeInterval):
		}

		stp := s.measureSTP()
		s.logger.WithFields(logrus.Fields{
			"config": i,
			"stp":    stp,
		}).Info("Configuration probed")

		if s.sink != nil {
			s.sink.RecordProbe(pass, i, stp, false)
		}

		if stp > bestSTP {
			bestSTP = stp
			bestIndex = i
		}
	}

	if bestIndex < 0 {
		s.logger.Warn("No configuration produced a usable STP sample")
		return 0
	}

	s.applyMasks(candidates[bestIndex].masks)
	if s.sink != nil {
		s.sink.RecordProbe(pass, bestIndex, bestSTP, true)
	}

	s.logger.WithFields(logrus.Fields{
		"pass":   pass,
		"config": bestIndex,
		"stp":    bestSTP,
	}).Info("Committed best configuration")
	return bestSTP
}
