package workloads

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"smt-cosched/internal/config"
	"smt-cosched/internal/errkind"
	"smt-cosched/internal/logging"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Tracker is the lifecycle surface the watcher feeds.
type Tracker interface {
	AddTracked(pgid, jobid, workerNum int32) error
	RemoveTracked(pgid int32) error
}

// DockerWatcher auto-tracks labelled containers as jobs: a container
// carrying the jobid label is resolved to its init process group and
// handed to the lifecycle controller; it is untracked when the container
// goes away.
type DockerWatcher struct {
	cfg     config.DockerWorkloadConfig
	tracker Tracker
	client  *client.Client
	logger  *logrus.Logger

	mu      sync.Mutex
	tracked map[string]int32 // containerID -> pgid

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewDockerWatcher(cfg config.DockerWorkloadConfig, tracker Tracker) (*DockerWatcher, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerWatcher{
		cfg:     cfg,
		tracker: tracker,
		client:  dockerClient,
		logger:  logging.GetLogger(),
		tracked: make(map[string]int32),
	}, nil
}

// Run polls the container list until ctx is canceled.
func (w *DockerWatcher) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	interval := time.Duration(w.cfg.PollIntervalMS) * time.Millisecond

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.pollOnce(ctx)
			}
		}
	}()
}

func (w *DockerWatcher) pollOnce(ctx context.Context) {
	containers, err := w.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		w.logger.WithError(err).Debug("workloads: container list failed")
		return
	}

	seen := make(map[string]bool, len(containers))
	for _, c := range containers {
		jobidStr, ok := c.Labels[w.cfg.JobidLabel]
		if !ok {
			continue
		}
		seen[c.ID] = true

		w.mu.Lock()
		_, known := w.tracked[c.ID]
		w.mu.Unlock()
		if known {
			continue
		}

		jobid, err := strconv.Atoi(jobidStr)
		if err != nil {
			w.logger.WithFields(logrus.Fields{
				"container_id": c.ID[:12],
				"label":        jobidStr,
			}).Warn("workloads: bad jobid label")
			continue
		}

		workers := 1
		if workersStr, ok := c.Labels[w.cfg.WorkersLabel]; ok {
			if n, err := strconv.Atoi(workersStr); err == nil && n > 0 {
				workers = n
			}
		}

		w.trackContainer(ctx, c.ID, int32(jobid), int32(workers))
	}

	// Untrack containers that disappeared.
	w.mu.Lock()
	var gone []string
	for id := range w.tracked {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	w.mu.Unlock()

	for _, id := range gone {
		w.untrackContainer(id)
	}
}

func (w *DockerWatcher) trackContainer(ctx context.Context, containerID string, jobid, workers int32) {
	info, err := w.client.ContainerInspect(ctx, containerID)
	if err != nil {
		w.logger.WithField("container_id", containerID[:12]).WithError(err).Debug("workloads: inspect failed")
		return
	}
	pid := info.State.Pid
	if pid <= 0 {
		return
	}

	pgid, err := unix.Getpgid(pid)
	if err != nil {
		w.logger.WithField("pid", pid).WithError(err).Debug("workloads: getpgid failed")
		return
	}

	err = w.tracker.AddTracked(int32(pgid), jobid, workers)
	if err != nil && !errors.Is(err, errkind.ErrDuplicate) {
		w.logger.WithFields(logrus.Fields{
			"container_id": containerID[:12],
			"pgid":         pgid,
		}).WithError(err).Warn("workloads: track failed")
		return
	}

	w.mu.Lock()
	w.tracked[containerID] = int32(pgid)
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"container_id": containerID[:12],
		"pgid":         pgid,
		"jobid":        jobid,
		"workers":      workers,
	}).Info("workloads: tracking container")
}

func (w *DockerWatcher) untrackContainer(containerID string) {
	w.mu.Lock()
	pgid, ok := w.tracked[containerID]
	delete(w.tracked, containerID)
	w.mu.Unlock()
	if !ok {
		return
	}

	// The lifecycle scan usually notices the dead group first; NotFound
	// is the common case here.
	if err := w.tracker.RemoveTracked(pgid); err != nil && !errors.Is(err, errkind.ErrNotFound) {
		w.logger.WithField("pgid", pgid).WithError(err).Warn("workloads: untrack failed")
	}

	w.logger.WithFields(logrus.Fields{
		"container_id": containerID[:12],
		"pgid":         pgid,
	}).Info("workloads: container gone")
}

func (w *DockerWatcher) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.client.Close()
}
