// Package scheduler runs every long-lived background job (flusher,
// item pager, access scanner, collection purger) behind a small number
// of lanes of worker goroutines, each lane backed by a priority
// runnable heap and a time-sorted snoozed heap.
//
// Generalizes a "one ticker, one job" shape into lanes of
// heap-scheduled tasks that can reschedule themselves, snooze, or park
// indefinitely.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cuemby/kepler/internal/elog"
)

// Lane discriminates a pool of workers by the kind of I/O its tasks do,
// so (for example) a slow disk read never starves a cheap in-memory
// sweep.
type Lane string

const (
	LaneReader Lane = "reader"
	LaneWriter Lane = "writer"
	LaneAuxIO  Lane = "aux_io"
	LaneNonIO  Lane = "non_io"
)

// Priority orders tasks within a lane's runnable heap; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Forever is the Snooze duration meaning "park until explicitly woken".
const Forever = time.Duration(1<<63 - 1)

// Task is one schedulable unit of background work. Run reports whether
// the scheduler should run it again: runAgain=false retires the task;
// runAgain=true with sleep<=0 requeues it immediately; sleep>0 snoozes
// it for that long; sleep==Forever parks it until Wake.
type Task interface {
	ID() string
	Run(ctx context.Context) (runAgain bool, sleep time.Duration)
}

type entry struct {
	id       string
	task     Task
	priority Priority
	seq      uint64 // insertion order, breaks priority ties FIFO
	runAt    time.Time
	canceled bool
	running  bool
	parked   bool
	index    int // heap.Interface bookkeeping for whichever heap holds it
}

// readyHeap orders runnable entries by priority then insertion order.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// waitHeap orders snoozed entries by wake time.
type waitHeap []*entry

func (h waitHeap) Len() int            { return len(h) }
func (h waitHeap) Less(i, j int) bool  { return h[i].runAt.Before(h[j].runAt) }
func (h waitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *waitHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// lanePool is one lane's worker pool plus its two heaps.
type lanePool struct {
	name Lane

	mu    sync.Mutex
	cond  *sync.Cond
	ready readyHeap
	wait  waitHeap
	seq   uint64

	promoteWake chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func newLanePool(name Lane, workers int) *lanePool {
	lp := &lanePool{name: name, promoteWake: make(chan struct{}, 1), stopCh: make(chan struct{})}
	lp.cond = sync.NewCond(&lp.mu)
	lp.wg.Add(workers + 1)
	for i := 0; i < workers; i++ {
		go lp.runWorker()
	}
	go lp.runPromoter()
	return lp
}

func (lp *lanePool) stop() {
	close(lp.stopCh)
	lp.mu.Lock()
	lp.cond.Broadcast()
	lp.mu.Unlock()
	lp.wg.Wait()
}

func (lp *lanePool) runWorker() {
	defer lp.wg.Done()
	logger := elog.WithComponent("scheduler." + string(lp.name))
	for {
		lp.mu.Lock()
		for len(lp.ready) == 0 {
			select {
			case <-lp.stopCh:
				lp.mu.Unlock()
				return
			default:
			}
			lp.cond.Wait()
		}
		select {
		case <-lp.stopCh:
			lp.mu.Unlock()
			return
		default:
		}
		e := heap.Pop(&lp.ready).(*entry)
		e.running = true
		lp.mu.Unlock()

		runAgain, sleep := e.task.Run(context.Background())

		lp.mu.Lock()
		e.running = false
		switch {
		case e.canceled:
			// dropped: cancel observed at run completion, never requeued.
		case !runAgain:
			// task retired itself.
		case sleep == Forever:
			e.parked = true
		case sleep <= 0:
			lp.pushReadyLocked(e)
		default:
			e.runAt = time.Now().Add(sleep)
			heap.Push(&lp.wait, e)
			lp.wakePromoter()
		}
		lp.mu.Unlock()
		if e.canceled {
			logger.Debug().Str("task", e.id).Msg("task canceled at run completion")
		}
	}
}

func (lp *lanePool) runPromoter() {
	defer lp.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		lp.mu.Lock()
		var next time.Duration
		if len(lp.wait) == 0 {
			next = time.Hour
		} else {
			next = time.Until(lp.wait[0].runAt)
			if next < 0 {
				next = 0
			}
		}
		lp.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)

		select {
		case <-lp.stopCh:
			return
		case <-timer.C:
		case <-lp.promoteWake:
		}

		lp.mu.Lock()
		now := time.Now()
		for len(lp.wait) > 0 && !lp.wait[0].runAt.After(now) {
			e := heap.Pop(&lp.wait).(*entry)
			lp.pushReadyLocked(e)
		}
		lp.mu.Unlock()
	}
}

func (lp *lanePool) wakePromoter() {
	select {
	case lp.promoteWake <- struct{}{}:
	default:
	}
}

func (lp *lanePool) pushReadyLocked(e *entry) {
	e.parked = false
	e.runAt = time.Time{}
	heap.Push(&lp.ready, e)
	lp.cond.Signal()
}

// Scheduler owns the fixed set of lanes and a cross-lane id index so
// Cancel/Wake/Snooze can be called knowing only a task's id.
type Scheduler struct {
	lanes map[Lane]*lanePool

	mu      sync.Mutex
	idIndex map[string]*entry
	laneOf  map[string]Lane
}

// New creates a Scheduler with the given worker count per lane.
func New(workersPerLane int) *Scheduler {
	s := &Scheduler{
		lanes:   make(map[Lane]*lanePool),
		idIndex: make(map[string]*entry),
		laneOf:  make(map[string]Lane),
	}
	for _, l := range []Lane{LaneReader, LaneWriter, LaneAuxIO, LaneNonIO} {
		s.lanes[l] = newLanePool(l, workersPerLane)
	}
	return s
}

// Stop drains and shuts down every lane's worker pool.
func (s *Scheduler) Stop() {
	for _, lp := range s.lanes {
		lp.stop()
	}
}

// Schedule registers task on lane at priority, runnable immediately.
// Scheduling an id that already exists replaces its prior registration.
func (s *Scheduler) Schedule(lane Lane, priority Priority, task Task) {
	lp := s.lanes[lane]
	s.mu.Lock()
	if old, ok := s.idIndex[task.ID()]; ok {
		old.canceled = true
	}
	lp.mu.Lock()
	lp.seq++
	e := &entry{id: task.ID(), task: task, priority: priority, seq: lp.seq}
	lp.pushReadyLocked(e)
	lp.mu.Unlock()
	s.idIndex[task.ID()] = e
	s.laneOf[task.ID()] = lane
	s.mu.Unlock()
}

// Cancel marks id so it will not be requeued. If id is currently
// running, the cancellation is observed when that run completes
// (cancel-after-run-observes-termination); otherwise it is removed
// from whichever heap holds it immediately.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	e, ok := s.idIndex[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	lane := s.laneOf[id]
	delete(s.idIndex, id)
	delete(s.laneOf, id)
	s.mu.Unlock()

	lp := s.lanes[lane]
	lp.mu.Lock()
	e.canceled = true
	if !e.running && !e.parked {
		removeFromHeaps(lp, e)
	}
	lp.mu.Unlock()
}

// Wake moves a snoozed or parked task to runnable immediately. It is
// idempotent: waking an already-runnable or currently-running task is
// a no-op.
func (s *Scheduler) Wake(id string) {
	s.mu.Lock()
	e, ok := s.idIndex[id]
	lane := s.laneOf[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	lp := s.lanes[lane]
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if e.running {
		return
	}
	if e.parked {
		e.parked = false
		lp.pushReadyLocked(e)
		return
	}
	if e.index >= 0 && e.index < len(lp.wait) && lp.wait[e.index] == e {
		heap.Remove(&lp.wait, e.index)
		lp.pushReadyLocked(e)
	}
	// already in the ready heap: no-op.
}

// Snooze reschedules id to run after d (Forever parks it until Wake).
func (s *Scheduler) Snooze(id string, d time.Duration) {
	s.mu.Lock()
	e, ok := s.idIndex[id]
	lane := s.laneOf[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	lp := s.lanes[lane]
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if !e.running {
		removeFromHeaps(lp, e)
	}
	if d == Forever {
		e.parked = true
	} else if d <= 0 {
		lp.pushReadyLocked(e)
	} else {
		e.runAt = time.Now().Add(d)
		heap.Push(&lp.wait, e)
		lp.wakePromoter()
	}
}

// removeFromHeaps removes e from whichever of ready/wait currently
// holds it, tolerating it being in neither (e.g. mid-run).
func removeFromHeaps(lp *lanePool, e *entry) {
	if e.index >= 0 && e.index < len(lp.ready) && lp.ready[e.index] == e {
		heap.Remove(&lp.ready, e.index)
		return
	}
	if e.index >= 0 && e.index < len(lp.wait) && lp.wait[e.index] == e {
		heap.Remove(&lp.wait, e.index)
	}
}
