package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

const queueLen = 16

// ErrQueueFull is returned when a user's task queue cannot accept more work.
var ErrQueueFull = errors.New("task queue full")

// Task is one unit of per-user work.
type Task func(ctx context.Context) error

type userTask struct {
	ctx      context.Context
	fn       Task
	resultCh chan error
}

type userState struct {
	taskCh chan userTask
	stopCh chan struct{}
}

// Manager serializes tasks per user. Tasks for the same user run one at a
// time in submission order; tasks for different users run independently.
// History appends go through here so that two concurrent streams from the
// same user can never interleave their writes.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*userState
	idle    time.Duration
}

const defaultWorkerIdle = 2 * time.Minute

// NewManager builds a manager whose per-user workers exit after the idle
// duration with no work.
func NewManager(idle time.Duration) *Manager {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	return &Manager{
		workers: make(map[string]*userState),
		idle:    idle,
	}
}

// Do runs fn on the user's serialized worker and waits for its result. The
// wait respects ctx, but a task already handed to the worker still runs to
// completion with its own context.
func (m *Manager) Do(ctx context.Context, userID string, fn Task) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	if fn == nil {
		return errors.New("task is required")
	}
	task := userTask{ctx: ctx, fn: fn, resultCh: make(chan error, 1)}
	if err := m.enqueue(userID, task); err != nil {
		return err
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue hands the task to the user's worker, starting one if needed. The
// whole hand-off happens under the manager lock: a worker removes itself from
// the map under the same lock before draining its queue, so a task enqueued
// here is either seen by that drain or lands on a freshly started worker.
// Either way it cannot be stranded.
func (m *Manager) enqueue(userID string, task userTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.workers[userID]
	if !ok {
		state = &userState{
			taskCh: make(chan userTask, queueLen),
			stopCh: make(chan struct{}),
		}
		m.workers[userID] = state
		go m.runWorker(userID, state)
	}
	select {
	case state.taskCh <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop shuts down the user's worker if one is running.
func (m *Manager) Stop(userID string) {
	m.mu.Lock()
	if state, ok := m.workers[userID]; ok {
		close(state.stopCh)
		delete(m.workers, userID)
	}
	m.mu.Unlock()
}

func (m *Manager) runWorker(userID string, state *userState) {
	idle := time.NewTimer(m.idle)
	defer idle.Stop()

	for {
		select {
		case <-state.stopCh:
			log.Printf("worker for user %s stopped", userID)
			m.retire(userID, state)
			return
		case task := <-state.taskCh:
			task.resultCh <- task.fn(task.ctx)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.idle)
		case <-idle.C:
			m.retire(userID, state)
			return
		}
	}
}

// retire removes the worker's map entry under the lock, then runs anything
// still queued. Every enqueue to this worker completed before the map entry
// was removed, so the drain observes all of them.
func (m *Manager) retire(userID string, state *userState) {
	m.mu.Lock()
	if m.workers[userID] == state {
		delete(m.workers, userID)
	}
	m.mu.Unlock()

	for {
		select {
		case task := <-state.taskCh:
			task.resultCh <- task.fn(task.ctx)
		default:
			return
		}
	}
}
