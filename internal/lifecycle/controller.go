package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"smt-cosched/internal/errkind"
	"smt-cosched/internal/logging"
	"smt-cosched/internal/proctree"

	"github.com/sirupsen/logrus"
)

// DefaultThresholdSeconds is the long-running threshold applied until
// SET_THRESHOLD changes it.
const DefaultThresholdSeconds = 3600

// Enroller is the IPC engine surface the controller drives.
type Enroller interface {
	Add(pgid, jobid, workerNum int32) error
	Remove(pgid int32) error
}

// Transport delivers profile requests to the external profiling agent.
type Transport interface {
	SendProfileRequest(pgid int32, elapsedSec uint64, jobid int32) error
	SetEndpoint(id int32) error
}

// entry tracks one process group from AddTracked until death or removal.
type entry struct {
	pgid      int32
	jobid     int32
	workerNum int32
	birth     time.Time

	needSendRequest  bool
	isLongRunning    bool
	profileDone      bool
	ipcmonRegistered bool
}

// EntryStatus is a read-only view of a tracked entry.
type EntryStatus struct {
	Pgid             int32
	Jobid            int32
	WorkerNum        int32
	IsLongRunning    bool
	ProfileDone      bool
	IpcmonRegistered bool
}

// Controller tracks process groups, detects the long-running threshold,
// obtains the profiling ACK, and enrolls into the IPC engine only after
// that ACK. Enrollment is deferred to the scan tick so the ACK path stays
// lock-short and failure-free.
type Controller struct {
	engine    Enroller
	transport Transport
	tree      proctree.Topology
	logger    *logrus.Logger

	threshold atomic.Int32

	scanInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[int32]*entry

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option tweaks controller construction.
type Option func(*Controller)

// WithScanInterval overrides the 1 s scan cadence.
func WithScanInterval(d time.Duration) Option {
	return func(c *Controller) { c.scanInterval = d }
}

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func New(engine Enroller, transport Transport, tree proctree.Topology, opts ...Option) *Controller {
	c := &Controller{
		engine:       engine,
		transport:    transport,
		tree:         tree,
		logger:       logging.GetLogger(),
		scanInterval: time.Second,
		now:          time.Now,
		entries:      make(map[int32]*entry),
	}
	c.threshold.Store(DefaultThresholdSeconds)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddTracked starts tracking pgid. The profile request for it goes out on
// the next scan tick.
func (c *Controller) AddTracked(pgid, jobid, workerNum int32) error {
	if pgid <= 0 {
		return fmt.Errorf("pgid %d: %w", pgid, errkind.ErrInvalidArg)
	}
	if !c.tree.GroupAlive(int(pgid)) {
		return fmt.Errorf("pgid %d has no members: %w", pgid, errkind.ErrNoSuchProcess)
	}

	c.mu.Lock()
	if _, exists := c.entries[pgid]; exists {
		c.mu.Unlock()
		return fmt.Errorf("pgid %d already tracked: %w", pgid, errkind.ErrDuplicate)
	}
	c.entries[pgid] = &entry{
		pgid:            pgid,
		jobid:           jobid,
		workerNum:       workerNum,
		birth:           c.now(),
		needSendRequest: true,
	}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"pgid":   pgid,
		"jobid":  jobid,
		"worker": workerNum,
	}).Info("lifecycle: tracking pgid")
	return nil
}

// RemoveTracked unlinks the entry, then unregisters it from the IPC engine
// outside the table lock.
func (c *Controller) RemoveTracked(pgid int32) error {
	if pgid <= 0 {
		return fmt.Errorf("pgid %d: %w", pgid, errkind.ErrInvalidArg)
	}

	c.mu.Lock()
	e, ok := c.entries[pgid]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("pgid %d not tracked: %w", pgid, errkind.ErrNotFound)
	}
	registered := e.ipcmonRegistered
	delete(c.entries, pgid)
	c.mu.Unlock()

	if registered {
		if err := c.engine.Remove(pgid); err != nil {
			c.logger.WithField("pgid", pgid).WithError(err).Warn("lifecycle: engine remove failed")
		}
	}

	c.logger.WithField("pgid", pgid).Info("lifecycle: untracked pgid")
	return nil
}

// SetThreshold updates the long-running threshold.
func (c *Controller) SetThreshold(seconds int32) error {
	if seconds <= 0 {
		return fmt.Errorf("threshold %d: %w", seconds, errkind.ErrInvalidArg)
	}
	old := c.threshold.Swap(seconds)
	c.logger.WithFields(logrus.Fields{
		"old_sec": old,
		"new_sec": seconds,
	}).Info("lifecycle: threshold updated")
	return nil
}

// SetAgentEndpoint updates the profile-request destination.
func (c *Controller) SetAgentEndpoint(id int32) error {
	if id < 0 {
		return fmt.Errorf("agent endpoint %d: %w", id, errkind.ErrInvalidArg)
	}
	return c.transport.SetEndpoint(id)
}

// RequestProfile forces a profile request for the process group of pid.
func (c *Controller) RequestProfile(pid int32) error {
	if pid <= 0 {
		return fmt.Errorf("pid %d: %w", pid, errkind.ErrInvalidArg)
	}
	pgid, err := c.tree.PgidOf(int(pid))
	if err != nil {
		return fmt.Errorf("pid %d: %w", pid, errkind.ErrNoSuchProcess)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[int32(pgid)]
	if !ok {
		return fmt.Errorf("pgid %d not tracked: %w", pgid, errkind.ErrNotFound)
	}
	e.needSendRequest = true
	return nil
}

// HandleAck records the profiling-completion ACK. Enrollment itself is
// left to the next scan tick.
func (c *Controller) HandleAck(pgid int32) {
	if pgid <= 0 {
		return
	}
	c.mu.Lock()
	if e, ok := c.entries[pgid]; ok {
		e.profileDone = true
		e.isLongRunning = true
		c.logger.WithField("pgid", pgid).Info("lifecycle: profiling ACK received")
	}
	c.mu.Unlock()
}

// Status returns the entry state for pgid.
func (c *Controller) Status(pgid int32) (EntryStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pgid]
	if !ok {
		return EntryStatus{}, false
	}
	return EntryStatus{
		Pgid:             e.pgid,
		Jobid:            e.jobid,
		WorkerNum:        e.workerNum,
		IsLongRunning:    e.isLongRunning,
		ProfileDone:      e.profileDone,
		IpcmonRegistered: e.ipcmonRegistered,
	}, true
}

// Run drives the periodic scan until ctx is canceled.
func (c *Controller) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.ScanOnce()
			}
		}
	}()
}

type pendingNotify struct {
	pgid       int32
	elapsedSec uint64
	jobid      int32
}

type pendingIPC struct {
	pgid      int32
	jobid     int32
	workerNum int32
	doAdd     bool
}

// ScanOnce runs one scan tick: build the action lists under the table
// lock, execute them outside it.
func (c *Controller) ScanOnce() {
	now := c.now()
	threshold := uint64(c.threshold.Load())

	var toNotify []pendingNotify
	var toIPC []pendingIPC
	var removed []int32

	c.mu.Lock()
	for pgid, e := range c.entries {
		if !c.tree.GroupAlive(int(pgid)) {
			if e.ipcmonRegistered {
				toIPC = append(toIPC, pendingIPC{pgid: pgid, doAdd: false})
			}
			delete(c.entries, pgid)
			removed = append(removed, pgid)
			continue
		}

		elapsedSec := uint64(now.Sub(e.birth) / time.Second)

		// Threshold crossed: request profiling only, no enrollment yet.
		if !e.isLongRunning && elapsedSec >= threshold {
			e.isLongRunning = true
			e.needSendRequest = true
		}

		// ACK-gated enrollment, optimistically marked and rolled back
		// in phase 2 on failure.
		if e.isLongRunning && e.profileDone && !e.ipcmonRegistered {
			toIPC = append(toIPC, pendingIPC{
				pgid:      pgid,
				jobid:     e.jobid,
				workerNum: e.workerNum,
				doAdd:     true,
			})
			e.ipcmonRegistered = true
		}

		if e.needSendRequest {
			toNotify = append(toNotify, pendingNotify{
				pgid:       pgid,
				elapsedSec: elapsedSec,
				jobid:      e.jobid,
			})
			e.needSendRequest = false
		}
	}
	c.mu.Unlock()

	for _, pgid := range removed {
		c.logger.WithField("pgid", pgid).Info("lifecycle: auto-removed dead pgid")
	}

	for _, p := range toIPC {
		if p.doAdd {
			err := c.engine.Add(p.pgid, p.jobid, p.workerNum)
			if err != nil && !errors.Is(err, errkind.ErrDuplicate) {
				c.logger.WithField("pgid", p.pgid).WithError(err).Warn("lifecycle: engine add failed")
				c.mu.Lock()
				if e, ok := c.entries[p.pgid]; ok {
					e.ipcmonRegistered = false
				}
				c.mu.Unlock()
			}
		} else {
			if err := c.engine.Remove(p.pgid); err != nil {
				c.logger.WithField("pgid", p.pgid).WithError(err).Warn("lifecycle: engine remove failed")
			}
		}
	}

	for _, n := range toNotify {
		err := c.transport.SendProfileRequest(n.pgid, n.elapsedSec, n.jobid)
		if err != nil {
			c.logger.WithField("pgid", n.pgid).WithError(err).Debug("lifecycle: profile request failed")
			if errkind.IsTransient(err) {
				c.mu.Lock()
				if e, ok := c.entries[n.pgid]; ok {
					e.needSendRequest = true
				}
				c.mu.Unlock()
			}
		}
	}
}

// Close stops the scan loop and unregisters every enrolled pgid.
func (c *Controller) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	var toRemove []int32
	for pgid, e := range c.entries {
		if e.ipcmonRegistered {
			toRemove = append(toRemove, pgid)
		}
	}
	c.entries = make(map[int32]*entry)
	c.mu.Unlock()

	for _, pgid := range toRemove {
		if err := c.engine.Remove(pgid); err != nil {
			c.logger.WithField("pgid", pgid).WithError(err).Debug("lifecycle: engine remove failed during close")
		}
	}
}
