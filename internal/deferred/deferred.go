// Package deferred implements the DeferredTaskQueue: a single background
// worker that serialises relocation and flush work the foreground
// read/write path would rather not block on.
package deferred

import (
	"container/list"
	"sync"

	"github.com/sirupsen/logrus"
)

// Task is one unit of background work.
type Task interface {
	// Priority orders execution within the queue; 0 is highest.
	Priority() int
	// Run executes the task. The caller already holds the drive lock: the
	// worker acquires it before every Run and releases it after.
	Run() error
	// DedupKey identifies duplicate work; tasks sharing a key coalesce.
	DedupKey() (kind string, vbn int)
}

// Queue is the worker and its priority-ordered FIFO.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   *list.List // each element a Task, sorted by Priority ascending then insertion order
	running bool
	lock    sync.Locker // the drive's coarse lock, acquired before Run

	done chan struct{}
	wg   sync.WaitGroup

	relocator VBRelocator
	log       *logrus.Entry
}

// New starts the worker goroutine, blocked until the first Post. driveLock
// is the drive's coarse lock; the worker takes it for the duration of each
// task's Run.
func New(driveLock sync.Locker, log *logrus.Entry) *Queue {
	q := &Queue{items: list.New(), lock: driveLock, done: make(chan struct{}), log: log}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(1)
	go q.loop()
	return q
}

// Post enqueues a task, deduplicating against tasks already queued with the
// same (kind, vbn) key.
func (q *Queue) Post(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kind, vbn := t.DedupKey()
	for e := q.items.Front(); e != nil; e = e.Next() {
		k, v := e.Value.(Task).DedupKey()
		if k == kind && v == vbn {
			return // coalesced: an equivalent task is already queued
		}
	}

	inserted := false
	for e := q.items.Front(); e != nil; e = e.Next() {
		if t.Priority() < e.Value.(Task).Priority() {
			q.items.InsertBefore(t, e)
			inserted = true
			break
		}
	}
	if !inserted {
		q.items.PushBack(t)
	}
	q.cond.Signal()
}

// PostRelocateTask implements nssmmgr.TaskPoster.
func (q *Queue) PostRelocateTask(vbn int) {
	q.mu.Lock()
	r := q.relocator
	q.mu.Unlock()
	q.Post(&RelocateVirtualBlockTask{VBN: vbn, Relocator: r})
}

// SetRelocator installs the handler RelocateVirtualBlockTask delegates to.
// Kept separate from the constructor so internal/media can wire the
// NssmManager after both it and the queue exist.
func (q *Queue) SetRelocator(r VBRelocator) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.relocator = r
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for q.items.Len() == 0 {
			select {
			case <-q.done:
				q.mu.Unlock()
				return
			default:
			}
			q.cond.Wait()
		}
		select {
		case <-q.done:
			q.mu.Unlock()
			return
		default:
		}
		e := q.items.Front()
		q.items.Remove(e)
		q.running = true
		q.mu.Unlock()

		t := e.Value.(Task)
		q.lock.Lock()
		if err := t.Run(); err != nil && q.log != nil {
			q.log.WithError(err).Warn("deferred task failed")
		}
		q.lock.Unlock()

		q.mu.Lock()
		q.running = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// Drain blocks until the queue is empty and no task is executing.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() > 0 || q.running {
		q.cond.Wait()
	}
}

// Stop terminates the worker goroutine. Any queued-but-not-started tasks
// are discarded.
func (q *Queue) Stop() {
	close(q.done)
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}
