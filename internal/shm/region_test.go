package shm

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestRegionLayoutConstants(t *testing.T) {
	if slotsOffset != 528 {
		t.Fatalf("slots offset = %d, want 528", slotsOffset)
	}
	if slotsOffset%16 != 0 {
		t.Fatalf("slots offset %d not 16-byte aligned", slotsOffset)
	}
	if slotSize != 32 {
		t.Fatalf("slot size = %d, want 32", slotSize)
	}
	if (slotsOffset+slotCyclesOff)%8 != 0 {
		t.Fatalf("cycles field not 8-byte aligned")
	}
	if MappedSize() < RegionSize {
		t.Fatalf("mapped size %d smaller than region size %d", MappedSize(), RegionSize)
	}
}

func TestPublishAndRead(t *testing.T) {
	r := NewAnonymous()

	want := SlotView{Pgid: 100, Jobid: 7, WorkerNum: 2, Cycles: 1234, Instructions: 5678}
	r.PublishSlot(3, want)

	got := r.ReadSlot(3)
	if got != want {
		t.Fatalf("ReadSlot = %+v, want %+v", got, want)
	}
}

func TestActiveMask(t *testing.T) {
	r := NewAnonymous()

	for _, idx := range []int{0, 63, 64, 100, MaxSlots - 1} {
		r.SetActive(idx, true)
	}
	r.SetActive(100, false)

	want := []int{0, 63, 64, MaxSlots - 1}
	got := r.ActiveIndices()
	if len(got) != len(want) {
		t.Fatalf("ActiveIndices = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ActiveIndices = %v, want %v", got, want)
		}
	}

	if r.IsActive(100) {
		t.Fatalf("slot 100 still active after clear")
	}
	if !r.IsActive(63) {
		t.Fatalf("slot 63 not active")
	}
}

func TestCount(t *testing.T) {
	r := NewAnonymous()
	r.AddCount(3)
	r.AddCount(-1)
	if got := r.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
}

func TestFileBackedRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")

	producer, err := CreateFile(path)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	defer producer.Close()

	want := SlotView{Pgid: 42, Jobid: 1, WorkerNum: 4, Cycles: 9, Instructions: 18}
	producer.PublishSlot(0, want)
	producer.SetActive(0, true)
	producer.AddCount(1)

	consumer, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer consumer.Close()

	if got := consumer.ReadSlot(0); got != want {
		t.Fatalf("consumer ReadSlot = %+v, want %+v", got, want)
	}
	if !consumer.IsActive(0) {
		t.Fatalf("consumer does not see slot 0 active")
	}
	if got := consumer.Count(); got != 1 {
		t.Fatalf("consumer Count = %d, want 1", got)
	}
}

// A reader racing a publisher must observe whole tuples only: every field
// carries the same sequence number, so a mixed tuple is detectable.
func TestSeqlockTornReadStress(t *testing.T) {
	r := NewAnonymous()
	const iterations = 200000

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for k := uint64(1); ; k++ {
			select {
			case <-stop:
				return
			default:
			}
			val := k & 0x3fffffff
			r.PublishSlot(0, SlotView{
				Pgid:         int32(val),
				Jobid:        int32(val),
				WorkerNum:    int32(val),
				Cycles:       val,
				Instructions: val,
			})
		}
	}()

	for i := 0; i < iterations; i++ {
		v := r.ReadSlot(0)
		val := v.Cycles
		if uint64(v.Pgid) != val ||
			uint64(v.Jobid) != val ||
			uint64(v.WorkerNum) != val ||
			v.Instructions != val {
			t.Fatalf("torn read at iteration %d: %+v", i, v)
		}
	}

	close(stop)
	wg.Wait()
}
