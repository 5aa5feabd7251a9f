package timeengine

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitWhenStopped(t *testing.T) {
	e := New(0, 0)
	if e.WaitForNextEvent(100) {
		t.Fatal("expected false when engine not running")
	}
}

func TestWaitAdvancesTime(t *testing.T) {
	e := New(1000, 0)
	e.Start()

	if !e.WaitForNextEvent(5000) {
		t.Fatal("expected wait to succeed")
	}
	if e.CurrentNs() != 5000 {
		t.Fatalf("expected currentNs=5000, got %d", e.CurrentNs())
	}

	// 时间不回退
	if !e.WaitForNextEvent(3000) {
		t.Fatal("expected wait to succeed for past event")
	}
	if e.CurrentNs() != 5000 {
		t.Fatalf("expected currentNs to stay at 5000, got %d", e.CurrentNs())
	}
}

func TestSpeedFactorThrottles(t *testing.T) {
	e := New(0, 1.0)
	e.Start()

	start := time.Now()
	// Δ = 50ms 模拟时间，1x 倍速 ⇒ 约 50ms 真实时间
	if !e.WaitForNextEvent(50 * int64(time.Millisecond)) {
		t.Fatal("expected wait to succeed")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected throttled wait of ~50ms, got %v", elapsed)
	}
}

func TestUnthrottledIsImmediate(t *testing.T) {
	e := New(0, 0)
	e.Start()

	start := time.Now()
	if !e.WaitForNextEvent(int64(time.Hour)) {
		t.Fatal("expected wait to succeed")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected immediate delivery with speed 0, took %v", elapsed)
	}
}

func TestStopWakesThrottledWait(t *testing.T) {
	e := New(0, 1.0)
	e.Start()

	done := make(chan bool, 1)
	go func() {
		done <- e.WaitForNextEvent(int64(time.Hour))
	}()

	time.Sleep(20 * time.Millisecond)
	e.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected wait to return false after stop")
		}
	case <-time.After(time.Second):
		t.Fatal("stop did not wake throttled wait")
	}
}

func TestPauseBlocksAndResumeReleases(t *testing.T) {
	e := New(0, 0)
	e.Start()
	e.Pause()

	done := make(chan bool, 1)
	go func() {
		done <- e.WaitForNextEvent(100)
	}()

	select {
	case <-done:
		t.Fatal("expected wait to block while paused")
	case <-time.After(30 * time.Millisecond):
	}

	e.Resume()

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected wait to succeed after resume")
		}
	case <-time.After(time.Second):
		t.Fatal("resume did not release paused wait")
	}
}

func TestStopWakesPausedWait(t *testing.T) {
	e := New(0, 0)
	e.Start()
	e.Pause()

	done := make(chan bool, 1)
	go func() {
		done <- e.WaitForNextEvent(100)
	}()

	time.Sleep(20 * time.Millisecond)
	e.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected wait to return false when stopped while paused")
		}
	case <-time.After(time.Second):
		t.Fatal("stop did not wake paused wait")
	}
}

func TestIdempotentTransitions(t *testing.T) {
	e := New(0, 0)

	e.Start()
	e.Start()
	if e.State() != StateRunning {
		t.Fatalf("expected RUNNING, got %v", e.State())
	}

	e.Pause()
	e.Pause()
	if e.State() != StatePaused {
		t.Fatalf("expected PAUSED, got %v", e.State())
	}

	e.Resume()
	e.Resume()
	if e.State() != StateRunning {
		t.Fatalf("expected RUNNING, got %v", e.State())
	}

	e.Stop()
	e.Stop()
	if e.State() != StateStopped {
		t.Fatalf("expected STOPPED, got %v", e.State())
	}
}

func TestListenersFireSynchronously(t *testing.T) {
	e := New(0, 0)
	var got atomic.Int64
	e.RegisterListener(func(nowNs int64) {
		got.Store(nowNs)
	})
	e.Start()

	e.WaitForNextEvent(777)
	if got.Load() != 777 {
		t.Fatalf("expected listener to see 777, got %d", got.Load())
	}
}
