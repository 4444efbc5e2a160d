package coord

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// startWorkers launches n workers that loop ShouldContinue, bumping iters
// each time through. Returns the iteration counter and a done WaitGroup.
func startWorkers(c *Coordinator, n int) (*atomic.Int64, *sync.WaitGroup) {
	var iters atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				keep, _ := c.ShouldContinue()
				if !keep {
					return
				}
				iters.Add(1)
				time.Sleep(time.Millisecond)
			}
		}()
	}
	return &iters, &wg
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, msg string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(msg)
	}
}

func TestRunStop(t *testing.T) {
	c := New()
	c.AddWorkers(3)
	c.Init()

	iters, wg := startWorkers(c, 3)
	time.Sleep(20 * time.Millisecond)
	if iters.Load() == 0 {
		t.Fatal("workers made no progress in Run state")
	}

	c.Stop()
	waitOrFail(t, wg, "workers did not exit after Stop")
	c.Destroy()
}

func TestPauseBlocksAllWorkers(t *testing.T) {
	c := New()
	c.AddWorkers(4)
	c.Init()

	iters, wg := startWorkers(c, 4)
	time.Sleep(20 * time.Millisecond)

	// Pause returns only once every worker has entered its pause wait, so
	// the iteration counter must be frozen afterwards.
	c.Pause()
	frozen := iters.Load()
	time.Sleep(50 * time.Millisecond)
	if got := iters.Load(); got != frozen {
		t.Fatalf("workers advanced during pause: %d -> %d", frozen, got)
	}

	c.Resume()
	time.Sleep(50 * time.Millisecond)
	if iters.Load() == frozen {
		t.Fatal("workers did not resume")
	}

	c.Stop()
	waitOrFail(t, wg, "workers did not exit after Stop")
	c.Destroy()
}

func TestRepeatedPauseCycles(t *testing.T) {
	c := New()
	c.AddWorkers(2)
	c.Init()

	_, wg := startWorkers(c, 2)
	for i := 0; i < 5; i++ {
		c.Pause()
		c.Resume()
	}
	c.Stop()
	waitOrFail(t, wg, "workers did not exit after repeated pause cycles")
	c.Destroy()
}

func TestStopDuringPauseReleasesWorkers(t *testing.T) {
	c := New()
	c.AddWorkers(2)
	c.Init()

	_, wg := startWorkers(c, 2)
	c.Pause()
	// Workers are parked at the resume barrier; Stop must release them.
	c.Stop()
	waitOrFail(t, wg, "workers stuck in pause after Stop")
	c.Destroy()
}

func TestShouldContinueReportsPause(t *testing.T) {
	c := New()
	c.AddWorkers(1)
	c.Init()

	sawPause := make(chan bool, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			keep, paused := c.ShouldContinue()
			if paused {
				select {
				case sawPause <- true:
				default:
				}
			}
			if !keep {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	c.Pause()
	c.Resume()

	select {
	case <-sawPause:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never observed the pause")
	}

	c.Stop()
	waitOrFail(t, &wg, "worker did not exit")
	c.Destroy()
}

func TestNoPauseIgnoresPause(t *testing.T) {
	c := New()
	c.AddWorkers(1)
	c.Init()

	// One regular worker participates in the barrier protocol.
	_, wg := startWorkers(c, 1)
	c.Pause()

	// A no-pause caller keeps running during the pause.
	if !c.ShouldContinueNoPause() {
		t.Fatal("ShouldContinueNoPause returned false during pause")
	}

	c.Resume()
	c.Stop()
	if c.ShouldContinueNoPause() {
		t.Fatal("ShouldContinueNoPause returned true after stop")
	}
	waitOrFail(t, wg, "worker did not exit")
	c.Destroy()
}

func TestRemoveSelfShrinksBarrier(t *testing.T) {
	c := New()
	c.AddWorkers(3)
	c.Init()

	var wg sync.WaitGroup
	var iters atomic.Int64

	// Two long-lived workers.
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				keep, _ := c.ShouldContinue()
				if !keep {
					return
				}
				iters.Add(1)
				time.Sleep(time.Millisecond)
			}
		}()
	}

	// One early-exiting worker.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if keep, _ := c.ShouldContinue(); keep {
			c.RemoveSelf()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if got := c.Workers(); got != 2 {
		t.Fatalf("worker count %d after RemoveSelf, want 2", got)
	}

	// The pause barrier must still rendezvous with the reduced population.
	c.Pause()
	c.Resume()
	c.Stop()
	waitOrFail(t, &wg, "workers did not exit after RemoveSelf and pause cycle")
	c.Destroy()
}

func TestRemoveSelfDuringPause(t *testing.T) {
	c := New()
	c.AddWorkers(2)
	c.Init()

	var wg sync.WaitGroup

	// Worker 1 loops normally.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			keep, _ := c.ShouldContinue()
			if !keep {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	// Worker 2 decides to exit, then removes itself; if a pause is in
	// flight it must complete the rendezvous first.
	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		time.Sleep(10 * time.Millisecond)
		c.RemoveSelf()
	}()

	<-started
	c.Pause()
	c.Resume()
	c.Stop()
	waitOrFail(t, &wg, "RemoveSelf during pause deadlocked")
	c.Destroy()
}
