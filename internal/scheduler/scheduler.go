// Package scheduler runs delayed and periodic work. Delayed tasks are
// independently cancellable; a task must re-read current state when it fires
// instead of trusting anything captured at schedule time.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Handle cancels a scheduled task.
type Handle interface {
	// Cancel stops the task from firing. It reports whether the task was
	// still pending.
	Cancel() bool
}

// Scheduler runs a task once after a delay.
type Scheduler interface {
	After(d time.Duration, task func()) Handle
}

// Timers is the production Scheduler backed by time.AfterFunc.
type Timers struct {
	mu      sync.Mutex
	stopped bool
	pending map[uint64]*time.Timer
	nextID  uint64
	wg      sync.WaitGroup
}

// NewTimers creates a timer-backed scheduler.
func NewTimers() *Timers {
	return &Timers{pending: make(map[uint64]*time.Timer)}
}

type timerHandle struct {
	s  *Timers
	id uint64
}

func (h timerHandle) Cancel() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	t, ok := h.s.pending[h.id]
	if !ok {
		return false
	}
	delete(h.s.pending, h.id)
	return t.Stop()
}

type noopHandle struct{}

func (noopHandle) Cancel() bool { return false }

// After implements Scheduler. Tasks scheduled after Stop never run.
func (s *Timers) After(d time.Duration, task func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return noopHandle{}
	}

	s.nextID++
	id := s.nextID
	s.pending[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if _, ok := s.pending[id]; !ok {
			s.mu.Unlock()
			return
		}
		delete(s.pending, id)
		s.wg.Add(1)
		s.mu.Unlock()

		defer s.wg.Done()
		task()
	})
	return timerHandle{s: s, id: id}
}

// Pending returns the number of tasks that have not fired yet.
func (s *Timers) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels pending tasks and waits for running ones until ctx is done.
func (s *Timers) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manual is a Scheduler driven by an explicit clock. Tasks run synchronously
// inside Advance, in due-time order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	tasks  []*manualTask
	nextID uint64
}

type manualTask struct {
	id  uint64
	due time.Time
	fn  func()
}

// NewManual creates a manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

type manualHandle struct {
	m    *Manual
	task *manualTask
}

func (h manualHandle) Cancel() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	for i, t := range h.m.tasks {
		if t == h.task {
			h.m.tasks = append(h.m.tasks[:i], h.m.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// After implements Scheduler.
func (m *Manual) After(d time.Duration, task func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	t := &manualTask{id: m.nextID, due: m.now.Add(d), fn: task}
	m.tasks = append(m.tasks, t)
	return manualHandle{m: m, task: t}
}

// Now returns the manual clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and runs every task that became due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.SliceStable(m.tasks, func(i, j int) bool {
			if m.tasks[i].due.Equal(m.tasks[j].due) {
				return m.tasks[i].id < m.tasks[j].id
			}
			return m.tasks[i].due.Before(m.tasks[j].due)
		})
		if len(m.tasks) == 0 || m.tasks[0].due.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		t := m.tasks[0]
		m.tasks = m.tasks[1:]
		if t.due.After(m.now) {
			m.now = t.due
		}
		m.mu.Unlock()

		t.fn()
	}
}

// Pending returns the number of tasks that have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
