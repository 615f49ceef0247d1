package deferred

import (
	"sync"
	"testing"
	"time"
)

// fakeLock counts Lock/Unlock pairs so tests can confirm the worker takes
// the drive lock around every Run (spec §5).
type fakeLock struct {
	mu     sync.Mutex
	locked int
}

func (f *fakeLock) Lock()   { f.mu.Lock(); f.locked++ }
func (f *fakeLock) Unlock() { f.mu.Unlock() }

type recordTask struct {
	kind     string
	vbn      int
	priority int
	ran      chan int
}

func (t *recordTask) Priority() int                 { return t.priority }
func (t *recordTask) DedupKey() (string, int)       { return t.kind, t.vbn }
func (t *recordTask) Run() error                    { t.ran <- t.vbn; return nil }

func waitOn(t *testing.T, ch chan int, want int) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("ran task vbn %d, want %d", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for task vbn %d to run", want)
	}
}

func TestPostRunsTaskUnderDriveLock(t *testing.T) {
	lock := &fakeLock{}
	q := New(lock, nil)
	defer q.Stop()

	ran := make(chan int, 1)
	q.Post(&recordTask{kind: "x", vbn: 1, ran: ran})
	waitOn(t, ran, 1)
	q.Drain()

	lock.mu.Lock()
	defer lock.mu.Unlock()
	if lock.locked == 0 {
		t.Fatal("expected the worker to take the drive lock at least once")
	}
}

func TestPostDedupsByKindAndVBN(t *testing.T) {
	lock := &fakeLock{}
	q := New(lock, nil)
	defer q.Stop()

	// Block the worker on a slow first task so the next two posts queue up
	// long enough for the dedup check to see them.
	block := make(chan struct{})
	first := &blockingTask{kind: "relocate", vbn: 1, block: block}
	q.Post(first)

	ran := make(chan int, 4)
	q.Post(&recordTask{kind: "relocate", vbn: 2, ran: ran})
	q.Post(&recordTask{kind: "relocate", vbn: 2, ran: ran}) // duplicate, should coalesce
	close(block)

	waitOn(t, ran, 2)
	select {
	case <-ran:
		t.Fatal("duplicate task ran twice; expected dedup to coalesce it")
	case <-time.After(100 * time.Millisecond):
	}
}

type blockingTask struct {
	kind  string
	vbn   int
	block chan struct{}
}

func (t *blockingTask) Priority() int           { return 1 }
func (t *blockingTask) DedupKey() (string, int) { return t.kind, t.vbn }
func (t *blockingTask) Run() error              { <-t.block; return nil }

func TestPostOrdersByPriority(t *testing.T) {
	lock := &fakeLock{}
	q := New(lock, nil)
	defer q.Stop()

	block := make(chan struct{})
	q.Post(&blockingTask{kind: "hold", vbn: 0, block: block})

	ran := make(chan int, 2)
	q.Post(&recordTask{kind: "low", vbn: 1, priority: 5, ran: ran})
	q.Post(&recordTask{kind: "high", vbn: 2, priority: 0, ran: ran})
	close(block)

	waitOn(t, ran, 2) // higher-priority (lower number) task runs first
	waitOn(t, ran, 1)
}

func TestDrainWaitsForQueueAndRunningTask(t *testing.T) {
	lock := &fakeLock{}
	q := New(lock, nil)
	defer q.Stop()

	block := make(chan struct{})
	q.Post(&blockingTask{kind: "hold", vbn: 0, block: block})

	drained := make(chan struct{})
	go func() {
		q.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("Drain returned before the running task finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(block)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain never returned after task completed")
	}
}

func TestPostRelocateTaskUsesInstalledRelocator(t *testing.T) {
	lock := &fakeLock{}
	q := New(lock, nil)
	defer q.Stop()

	rel := &fakeRelocator{relocated: make(chan int, 1)}
	q.SetRelocator(rel)
	q.PostRelocateTask(7)

	select {
	case vbn := <-rel.relocated:
		if vbn != 7 {
			t.Fatalf("relocated vbn %d, want 7", vbn)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relocate task to run")
	}
}

type fakeRelocator struct {
	relocated chan int
}

func (r *fakeRelocator) RelocateVirtualBlock(vbn int) error {
	r.relocated <- vbn
	return nil
}
