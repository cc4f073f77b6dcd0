package shm

import (
	"fmt"
	"math/bits"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Snapshot region layout (little-endian, fixed offsets):
//
//	0    count        i32
//	4    padding
//	8    active_mask  64 x u64   (4096 bits)
//	528  slots        4096 x 32B (seq u32, pgid i32, jobid i32, worker i32,
//	                              cycles u64, instructions u64)
//
// The producer maps the region read-write, consumers read-only. Slot
// publishes follow a single-writer seqlock: seq odd while a write is in
// progress, even when stable. Readers double-read seq and retry.
const (
	MaxSlots = 4096

	maskWords = MaxSlots / 64

	countOffset = 0
	maskOffset  = 8
	slotsOffset = (maskOffset + maskWords*8 + 15) &^ 15 // 520 rounded up to 16

	slotSize = 32

	slotSeqOff    = 0
	slotPgidOff   = 4
	slotJobidOff  = 8
	slotWorkerOff = 12
	slotCyclesOff = 16
	slotInstsOff  = 24

	// RegionSize is the payload size before page alignment.
	RegionSize = slotsOffset + MaxSlots*slotSize
)

// SlotView is one consistent slot observation.
type SlotView struct {
	Pgid         int32
	Jobid        int32
	WorkerNum    int32
	Cycles       uint64
	Instructions uint64
}

// Region is a snapshot region over 8-byte-aligned memory, either an
// anonymous allocation (engine and scheduler in the same process, tests)
// or a shared file mapping.
type Region struct {
	data []byte

	file   *os.File
	mapped bool
}

// MappedSize returns RegionSize rounded up to the page size.
func MappedSize() int {
	page := os.Getpagesize()
	return (RegionSize + page - 1) / page * page
}

// NewAnonymous allocates an in-process region.
func NewAnonymous() *Region {
	words := make([]uint64, MappedSize()/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), MappedSize())
	return &Region{data: data}
}

// CreateFile creates (or truncates) the shared region file at path and maps
// it read-write. The producer side owns the file.
func CreateFile(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create shm region: %w", err)
	}
	if err := f.Truncate(int64(MappedSize())); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate shm region: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, MappedSize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap shm region: %w", err)
	}
	return &Region{data: data, file: f, mapped: true}, nil
}

// OpenFile maps an existing region file read-only (consumer side).
func OpenFile(path string) (*Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shm region: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, MappedSize(), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap shm region: %w", err)
	}
	return &Region{data: data, file: f, mapped: true}, nil
}

func (r *Region) Close() error {
	var err error
	if r.mapped {
		err = unix.Munmap(r.data)
		r.mapped = false
	}
	r.data = nil
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}

func (r *Region) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[off]))
}

func (r *Region) i32(off int) *int32 {
	return (*int32)(unsafe.Pointer(&r.data[off]))
}

func (r *Region) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[off]))
}

// ---- producer side ----

// PublishSlot publishes a full slot image under the seqlock. The engine
// calls it while holding the slot's lock, so there is exactly one writer
// per slot.
func (r *Region) PublishSlot(idx int, v SlotView) {
	off := slotsOffset + idx*slotSize
	seq := r.u32(off + slotSeqOff)

	s := atomic.LoadUint32(seq)
	atomic.StoreUint32(seq, s+1)

	atomic.StoreInt32(r.i32(off+slotPgidOff), v.Pgid)
	atomic.StoreInt32(r.i32(off+slotJobidOff), v.Jobid)
	atomic.StoreInt32(r.i32(off+slotWorkerOff), v.WorkerNum)
	atomic.StoreUint64(r.u64(off+slotCyclesOff), v.Cycles)
	atomic.StoreUint64(r.u64(off+slotInstsOff), v.Instructions)

	atomic.StoreUint32(seq, s+2)
}

// SetActive flips the slot's bit in the active mask.
func (r *Region) SetActive(idx int, active bool) {
	word := r.u64(maskOffset + (idx/64)*8)
	bit := uint64(1) << (uint(idx) % 64)
	if active {
		atomic.OrUint64(word, bit)
	} else {
		atomic.AndUint64(word, ^bit)
	}
}

// AddCount adjusts the live-slot count in the header.
func (r *Region) AddCount(delta int32) {
	atomic.AddInt32(r.i32(countOffset), delta)
}

// ---- consumer side ----

// Count returns the live-slot count.
func (r *Region) Count() int32 {
	return atomic.LoadInt32(r.i32(countOffset))
}

// IsActive reports whether the slot's active bit is set.
func (r *Region) IsActive(idx int) bool {
	word := atomic.LoadUint64(r.u64(maskOffset + (idx/64)*8))
	return word&(uint64(1)<<(uint(idx)%64)) != 0
}

// ActiveIndices scans the active mask word by word and returns the set
// slot indices in ascending order.
func (r *Region) ActiveIndices() []int {
	var idxs []int
	for word := 0; word < maskWords; word++ {
		w := atomic.LoadUint64(r.u64(maskOffset + word*8))
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			w &= w - 1
			idx := word*64 + bit
			if idx >= MaxSlots {
				continue
			}
			idxs = append(idxs, idx)
		}
	}
	return idxs
}

// ReadSlot returns a consistent view of the slot, retrying while a publish
// is in progress.
func (r *Region) ReadSlot(idx int) SlotView {
	off := slotsOffset + idx*slotSize
	seq := r.u32(off + slotSeqOff)

	for {
		s1 := atomic.LoadUint32(seq)
		if s1&1 != 0 {
			runtime.Gosched()
			continue
		}

		v := SlotView{
			Pgid:         atomic.LoadInt32(r.i32(off + slotPgidOff)),
			Jobid:        atomic.LoadInt32(r.i32(off + slotJobidOff)),
			WorkerNum:    atomic.LoadInt32(r.i32(off + slotWorkerOff)),
			Cycles:       atomic.LoadUint64(r.u64(off + slotCyclesOff)),
			Instructions: atomic.LoadUint64(r.u64(off + slotInstsOff)),
		}

		if s2 := atomic.LoadUint32(seq); s1 == s2 {
			return v
		}
		runtime.Gosched()
	}
}
