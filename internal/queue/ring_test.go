package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/exchange/simbroker/internal/types"
)

func TestNewRingBufferRejectsNonPow2(t *testing.T) {
	if _, err := NewRingBuffer(100); err != ErrCapacityNotPow2 {
		t.Fatalf("expected ErrCapacityNotPow2, got %v", err)
	}
	if _, err := NewRingBuffer(0); err != ErrCapacityNotPow2 {
		t.Fatalf("expected ErrCapacityNotPow2 for zero, got %v", err)
	}
	if _, err := NewRingBuffer(64); err != nil {
		t.Fatalf("expected 64 to be accepted, got %v", err)
	}
}

func TestRingBufferFIFO(t *testing.T) {
	r, _ := NewRingBuffer(8)

	for i := int64(1); i <= 5; i++ {
		if !r.Push(quoteAt(i)) {
			t.Fatalf("expected push %d to succeed", i)
		}
	}

	for i := int64(1); i <= 5; i++ {
		e, ok := r.TryPop()
		if !ok {
			t.Fatalf("expected pop %d to succeed", i)
		}
		if e.TimestampNs != i {
			t.Fatalf("expected FIFO order ts=%d, got %d", i, e.TimestampNs)
		}
	}

	if _, ok := r.TryPop(); ok {
		t.Fatal("expected empty ring")
	}
}

func TestRingBufferFull(t *testing.T) {
	r, _ := NewRingBuffer(4)

	for i := int64(0); i < 4; i++ {
		if !r.Push(quoteAt(i)) {
			t.Fatalf("expected push %d to succeed", i)
		}
	}
	if r.Push(quoteAt(99)) {
		t.Fatal("expected push to fail when full")
	}

	r.TryPop()
	if !r.Push(quoteAt(100)) {
		t.Fatal("expected push to succeed after pop")
	}
}

func TestRingBufferWaitPopTimeout(t *testing.T) {
	r, _ := NewRingBuffer(4)

	start := time.Now()
	e, ok := r.WaitPop(30 * time.Millisecond)
	if ok || e != nil {
		t.Fatal("expected timeout with no element")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("expected WaitPop to honor the timeout")
	}
}

func TestRingBufferWaitPopWakesOnPush(t *testing.T) {
	r, _ := NewRingBuffer(4)

	got := make(chan *types.Event, 1)
	go func() {
		e, _ := r.WaitPop(time.Second)
		got <- e
	}()

	time.Sleep(10 * time.Millisecond)
	r.Push(quoteAt(42))

	select {
	case e := <-got:
		if e == nil || e.TimestampNs != 42 {
			t.Fatalf("expected ts=42, got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitPop did not wake on push")
	}
}

func TestRingBufferStopWakesWaiter(t *testing.T) {
	r, _ := NewRingBuffer(4)

	done := make(chan bool, 1)
	go func() {
		_, ok := r.WaitPop(5 * time.Second)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	r.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected WaitPop to return false after stop on empty ring")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitPop did not wake after stop")
	}
}

func TestRingBufferConcurrent(t *testing.T) {
	r, _ := NewRingBuffer(1024)

	const producers = 4
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < perProducer; i++ {
				for !r.Push(quoteAt(base + i)) {
					time.Sleep(time.Microsecond)
				}
			}
		}(int64(p) * 10000)
	}

	var popped int
	var popMu sync.Mutex
	var cwg sync.WaitGroup
	for c := 0; c < 2; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				e, ok := r.WaitPop(200 * time.Millisecond)
				if !ok {
					return
				}
				if e == nil {
					t.Error("popped nil event")
					return
				}
				popMu.Lock()
				popped++
				popMu.Unlock()
			}
		}()
	}

	wg.Wait()
	cwg.Wait()

	if popped != producers*perProducer {
		t.Fatalf("expected %d popped, got %d", producers*perProducer, popped)
	}
}

func TestEventMergerSortsAcrossRings(t *testing.T) {
	r1, _ := NewRingBuffer(16)
	r2, _ := NewRingBuffer(16)

	// 各环内部有序，整体交错
	for _, ts := range []int64{10, 30, 50} {
		r1.Push(quoteAt(ts))
	}
	for _, ts := range []int64{20, 40, 60} {
		r2.Push(quoteAt(ts))
	}

	m := NewEventMerger(r1, r2)
	batch := m.DrainSorted(0)

	if len(batch) != 6 {
		t.Fatalf("expected 6 events, got %d", len(batch))
	}
	want := []int64{10, 20, 30, 40, 50, 60}
	for i, ts := range want {
		if batch[i].TimestampNs != ts {
			t.Fatalf("expected ts=%d at index %d, got %d", ts, i, batch[i].TimestampNs)
		}
	}
}

func TestEventMergerBatchLimit(t *testing.T) {
	r1, _ := NewRingBuffer(16)
	for i := int64(0); i < 10; i++ {
		r1.Push(quoteAt(i))
	}

	m := NewEventMerger(r1)
	batch := m.DrainSorted(3)
	if len(batch) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(batch))
	}
	if m.Pending() != 7 {
		t.Fatalf("expected 7 pending, got %d", m.Pending())
	}
}
