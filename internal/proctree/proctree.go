package proctree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Topology answers questions about live processes. The placement scheduler
// walks it when applying affinity masks to every descendant thread of a
// process group; the lifecycle controller uses it for liveness and
// pid-to-pgid resolution. It is an interface so non-Linux targets and
// tests can stub it.
type Topology interface {
	// ThreadsOf returns the thread ids of pid.
	ThreadsOf(pid int) ([]int, error)
	// ChildrenOf returns the direct child pids of pid.
	ChildrenOf(pid int) ([]int, error)
	// PgidOf resolves the process group id of pid.
	PgidOf(pid int) (int, error)
	// GroupAlive reports whether the process group still has members.
	GroupAlive(pgid int) bool
}

// ProcFS is the /proc-backed implementation.
type ProcFS struct {
	root string
}

func NewProcFS() *ProcFS {
	return &ProcFS{root: "/proc"}
}

// NewProcFSAt roots the tree at dir instead of /proc.
func NewProcFSAt(dir string) *ProcFS {
	return &ProcFS{root: dir}
}

func (p *ProcFS) ThreadsOf(pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(p.root, strconv.Itoa(pid), "task"))
	if err != nil {
		return nil, fmt.Errorf("read task dir for pid %d: %w", pid, err)
	}

	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

func (p *ProcFS) ChildrenOf(pid int) ([]int, error) {
	path := filepath.Join(p.root, strconv.Itoa(pid), "task", strconv.Itoa(pid), "children")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read children of pid %d: %w", pid, err)
	}

	var children []int
	for _, field := range strings.Fields(string(data)) {
		child, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		children = append(children, child)
	}
	return children, nil
}

func (p *ProcFS) PgidOf(pid int) (int, error) {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return 0, fmt.Errorf("getpgid(%d): %w", pid, err)
	}
	return pgid, nil
}

// GroupAlive probes the group with signal 0. EPERM still means a member
// exists; only ESRCH reports an empty group.
func (p *ProcFS) GroupAlive(pgid int) bool {
	err := unix.Kill(-pgid, 0)
	return !errors.Is(err, unix.ESRCH)
}
