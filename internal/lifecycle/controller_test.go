package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"smt-cosched/internal/errkind"
)

type fakeEnroller struct {
	mu      sync.Mutex
	added   []int32
	removed []int32
	failAdd bool
}

func (f *fakeEnroller) Add(pgid, jobid, workerNum int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return fmt.Errorf("no slot: %w", errkind.ErrNoCapacity)
	}
	f.added = append(f.added, pgid)
	return nil
}

func (f *fakeEnroller) Remove(pgid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, pgid)
	return nil
}

func (f *fakeEnroller) addedPgids() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.added...)
}

func (f *fakeEnroller) removedPgids() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.removed...)
}

type sentRequest struct {
	pgid       int32
	elapsedSec uint64
	jobid      int32
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentRequest
	endpoint  int32
	transient bool
}

func (f *fakeTransport) SendProfileRequest(pgid int32, elapsedSec uint64, jobid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transient {
		return errkind.TransientTransport(fmt.Errorf("queue full"))
	}
	f.sent = append(f.sent, sentRequest{pgid: pgid, elapsedSec: elapsedSec, jobid: jobid})
	return nil
}

func (f *fakeTransport) SetEndpoint(id int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint = id
	return nil
}

func (f *fakeTransport) requests() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.sent...)
}

type fakeTree struct {
	mu    sync.Mutex
	dead  map[int]bool
	pgids map[int]int
}

func newFakeTree() *fakeTree {
	return &fakeTree{dead: make(map[int]bool), pgids: make(map[int]int)}
}

func (f *fakeTree) ThreadsOf(pid int) ([]int, error)  { return []int{pid}, nil }
func (f *fakeTree) ChildrenOf(pid int) ([]int, error) { return nil, nil }

func (f *fakeTree) PgidOf(pid int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pgid, ok := f.pgids[pid]; ok {
		return pgid, nil
	}
	return pid, nil
}

func (f *fakeTree) GroupAlive(pgid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead[pgid]
}

func (f *fakeTree) kill(pgid int) {
	f.mu.Lock()
	f.dead[pgid] = true
	f.mu.Unlock()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestController(t *testing.T) (*Controller, *fakeEnroller, *fakeTransport, *fakeTree, *testClock) {
	t.Helper()
	engine := &fakeEnroller{}
	transport := &fakeTransport{}
	tree := newFakeTree()
	clock := &testClock{now: time.Unix(1000, 0)}
	c := New(engine, transport, tree, WithClock(clock.Now))
	return c, engine, transport, tree, clock
}

func TestAddTrackedValidation(t *testing.T) {
	c, _, _, tree, _ := newTestController(t)

	if err := c.AddTracked(0, 1, 1); !errors.Is(err, errkind.ErrInvalidArg) {
		t.Fatalf("pgid 0: %v, want ErrInvalidArg", err)
	}

	tree.kill(300)
	if err := c.AddTracked(300, 1, 1); !errors.Is(err, errkind.ErrNoSuchProcess) {
		t.Fatalf("dead pgid: %v, want ErrNoSuchProcess", err)
	}

	if err := c.AddTracked(301, 1, 1); err != nil {
		t.Fatalf("AddTracked: %v", err)
	}
	if err := c.AddTracked(301, 1, 1); !errors.Is(err, errkind.ErrDuplicate) {
		t.Fatalf("duplicate: %v, want ErrDuplicate", err)
	}
}

func TestSetThresholdValidation(t *testing.T) {
	c, _, _, _, _ := newTestController(t)

	if err := c.SetThreshold(0); !errors.Is(err, errkind.ErrInvalidArg) {
		t.Fatalf("threshold 0: %v, want ErrInvalidArg", err)
	}
	if err := c.SetThreshold(-5); !errors.Is(err, errkind.ErrInvalidArg) {
		t.Fatalf("threshold -5: %v, want ErrInvalidArg", err)
	}
	if err := c.SetThreshold(10); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
}

// ACK-gated enrollment: threshold crossing emits a profile request only;
// enrollment happens on the scan tick after the ACK arrives, and never
// without it.
func TestAckGatedEnrollment(t *testing.T) {
	c, engine, transport, _, clock := newTestController(t)

	if err := c.SetThreshold(1); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	if err := c.AddTracked(300, 5, 2); err != nil {
		t.Fatalf("AddTracked: %v", err)
	}

	clock.Advance(2 * time.Second)
	c.ScanOnce()

	reqs := transport.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if reqs[0].pgid != 300 || reqs[0].jobid != 5 || reqs[0].elapsedSec < 1 {
		t.Fatalf("request = %+v", reqs[0])
	}

	status, ok := c.Status(300)
	if !ok || !status.IsLongRunning {
		t.Fatalf("status after threshold = %+v", status)
	}

	// Withheld ACK: further ticks never enroll.
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		c.ScanOnce()
	}
	if got := engine.addedPgids(); len(got) != 0 {
		t.Fatalf("enrolled without ACK: %v", got)
	}

	c.HandleAck(300)
	status, _ = c.Status(300)
	if !status.ProfileDone || status.IpcmonRegistered {
		t.Fatalf("status right after ACK = %+v", status)
	}

	clock.Advance(time.Second)
	c.ScanOnce()

	if got := engine.addedPgids(); len(got) != 1 || got[0] != 300 {
		t.Fatalf("enrolled = %v, want [300]", got)
	}
	status, _ = c.Status(300)
	if !status.IpcmonRegistered {
		t.Fatalf("ipcmon_registered not set after enroll tick")
	}
}

func TestEnrollFailureRollsBack(t *testing.T) {
	c, engine, _, _, clock := newTestController(t)
	engine.failAdd = true

	if err := c.SetThreshold(1); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	if err := c.AddTracked(300, 5, 1); err != nil {
		t.Fatalf("AddTracked: %v", err)
	}
	c.HandleAck(300)

	clock.Advance(2 * time.Second)
	c.ScanOnce()

	status, _ := c.Status(300)
	if status.IpcmonRegistered {
		t.Fatalf("ipcmon_registered kept after failed enroll")
	}

	// Recovery on a later tick.
	engine.mu.Lock()
	engine.failAdd = false
	engine.mu.Unlock()

	clock.Advance(time.Second)
	c.ScanOnce()
	status, _ = c.Status(300)
	if !status.IpcmonRegistered {
		t.Fatalf("enroll not retried after rollback")
	}
}

func TestDeadGroupCleanup(t *testing.T) {
	c, engine, _, tree, clock := newTestController(t)

	if err := c.SetThreshold(1); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	if err := c.AddTracked(300, 5, 1); err != nil {
		t.Fatalf("AddTracked: %v", err)
	}
	c.HandleAck(300)
	clock.Advance(2 * time.Second)
	c.ScanOnce()

	if got := engine.addedPgids(); len(got) != 1 {
		t.Fatalf("enrolled = %v", got)
	}

	tree.kill(300)
	c.ScanOnce()

	if _, ok := c.Status(300); ok {
		t.Fatalf("dead pgid still tracked")
	}
	if got := engine.removedPgids(); len(got) != 1 || got[0] != 300 {
		t.Fatalf("engine removals = %v, want [300]", got)
	}
}

func TestTransientSendRequeues(t *testing.T) {
	c, _, transport, _, _ := newTestController(t)

	if err := c.AddTracked(300, 5, 1); err != nil {
		t.Fatalf("AddTracked: %v", err)
	}

	transport.transient = true
	c.ScanOnce()
	if got := transport.requests(); len(got) != 0 {
		t.Fatalf("requests during congestion = %v", got)
	}

	transport.mu.Lock()
	transport.transient = false
	transport.mu.Unlock()

	c.ScanOnce()
	if got := transport.requests(); len(got) != 1 {
		t.Fatalf("request not retried after congestion, got %v", got)
	}
}

func TestRequestProfile(t *testing.T) {
	c, _, transport, tree, _ := newTestController(t)

	if err := c.AddTracked(300, 5, 1); err != nil {
		t.Fatalf("AddTracked: %v", err)
	}
	c.ScanOnce() // consume the initial request
	before := len(transport.requests())

	tree.pgids[12345] = 300
	if err := c.RequestProfile(12345); err != nil {
		t.Fatalf("RequestProfile: %v", err)
	}
	c.ScanOnce()

	if got := len(transport.requests()); got != before+1 {
		t.Fatalf("requests = %d, want %d", got, before+1)
	}

	if err := c.RequestProfile(0); !errors.Is(err, errkind.ErrInvalidArg) {
		t.Fatalf("pid 0: %v, want ErrInvalidArg", err)
	}
	if err := c.RequestProfile(999); !errors.Is(err, errkind.ErrNotFound) {
		t.Fatalf("untracked pid: %v, want ErrNotFound", err)
	}
}

func TestRemoveTracked(t *testing.T) {
	c, engine, _, _, clock := newTestController(t)

	if err := c.RemoveTracked(300); !errors.Is(err, errkind.ErrNotFound) {
		t.Fatalf("remove untracked: %v, want ErrNotFound", err)
	}

	if err := c.SetThreshold(1); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	if err := c.AddTracked(300, 5, 1); err != nil {
		t.Fatalf("AddTracked: %v", err)
	}
	c.HandleAck(300)
	clock.Advance(2 * time.Second)
	c.ScanOnce()

	if err := c.RemoveTracked(300); err != nil {
		t.Fatalf("RemoveTracked: %v", err)
	}
	if got := engine.removedPgids(); len(got) != 1 || got[0] != 300 {
		t.Fatalf("engine removals = %v, want [300]", got)
	}
}

func TestCloseUnregistersEnrolled(t *testing.T) {
	c, engine, _, _, clock := newTestController(t)

	if err := c.SetThreshold(1); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	if err := c.AddTracked(300, 5, 1); err != nil {
		t.Fatalf("AddTracked: %v", err)
	}
	c.HandleAck(300)
	clock.Advance(2 * time.Second)
	c.ScanOnce()

	c.Close()
	if got := engine.removedPgids(); len(got) != 1 || got[0] != 300 {
		t.Fatalf("engine removals after close = %v, want [300]", got)
	}
}
