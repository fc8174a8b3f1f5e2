package job

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/ierr"
	"github.com/teranos/instrument-server/logger"
)

// sleepSlice is the cancellation-check granularity for sleep jobs.
const sleepSlice = 20 * time.Millisecond

// ScriptRunner runs a measure job's script in enqueue-first mode and
// returns the aggregated results once every parallel block's tokens have
// been released. The daemon implements it (daemonRunner in the CLI's
// daemon command) on top of internal/script; this package does not import
// script.
type ScriptRunner interface {
	RunMeasure(jobID, script string, params map[string]any) (json.RawMessage, error)
}

// Manager is the process-wide Job Manager singleton.
type Manager struct {
	store  *store
	deque  *deque
	runner ScriptRunner

	activeMu      sync.Mutex
	activeMeasure map[string]struct{}
	activeCond    *sync.Cond

	subMu sync.Mutex
	subs  map[chan Job]struct{}

	wg sync.WaitGroup
}

// New creates a Manager and starts its single background worker goroutine.
func New(runner ScriptRunner) *Manager {
	m := &Manager{
		store:         newStore(),
		deque:         newDeque(),
		runner:        runner,
		activeMeasure: make(map[string]struct{}),
		subs:          make(map[chan Job]struct{}),
	}
	m.activeCond = sync.NewCond(&m.activeMu)
	m.wg.Add(1)
	go m.workerLoop()
	return m
}

// Stop signals the worker loop to exit and waits for it to drain.
func (m *Manager) Stop() {
	m.deque.stop()
	m.wg.Wait()
}

// SubmitJob enqueues a non-measure job (currently: sleep) and returns its id.
func (m *Manager) SubmitJob(jobType Type, params map[string]any) string {
	j := &Job{ID: nextID(), Type: jobType, Params: params, Status: StatusQueued, CreatedAt: time.Now()}
	m.store.put(j)
	m.broadcast(*j)
	m.deque.pushTail(j.ID)
	return j.ID
}

// SubmitMeasure enqueues a measure job whose script text is carried in
// params["script"].
func (m *Manager) SubmitMeasure(script string, params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	params["script"] = script
	return m.SubmitJob(TypeMeasure, params)
}

// CancelJob implements the spec's cooperative cancellation contract.
func (m *Manager) CancelJob(id string) bool {
	j, ok := m.store.get(id)
	if !ok {
		return false
	}

	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	switch j.Status {
	case StatusQueued:
		if m.deque.remove(id) {
			j.Status = StatusCanceled
			j.FinishedAt = time.Now()
			return true
		}
		return false
	case StatusRunning:
		j.Status = StatusCanceling
		return true
	default:
		return false
	}
}

// GetJobInfo returns a snapshot of the job's current state.
func (m *Manager) GetJobInfo(id string) (Job, error) {
	j, ok := m.store.get(id)
	if !ok {
		return Job{}, errors.Wrapf(ierr.ErrJobNotFound, "job %s", id)
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return j.snapshot(), nil
}

// GetJobResult returns the job's result, only available once completed.
func (m *Manager) GetJobResult(id string) (json.RawMessage, error) {
	j, err := m.GetJobInfo(id)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusCompleted {
		return nil, errors.Wrapf(ierr.ErrJobNotTerminal, "job %s is %s", id, j.Status)
	}
	return j.Result, nil
}

// ListJobs returns a snapshot of every job the manager has ever seen.
func (m *Manager) ListJobs() []Job {
	return m.store.list()
}

// Subscribe registers a channel that receives every job status
// transition, grounded on the teacher's queue.go Subscribe/
// notifySubscribers pub-sub pattern. The returned cancel func
// unregisters it.
func (m *Manager) Subscribe() (<-chan Job, func()) {
	ch := make(chan Job, 16)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		delete(m.subs, ch)
		m.subMu.Unlock()
		close(ch)
	}
	return ch, cancel
}

func (m *Manager) broadcast(j Job) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- j:
		default: // slow subscriber, drop rather than block the worker
		}
	}
}

func (m *Manager) workerLoop() {
	defer m.wg.Done()
	for {
		m.deque.waitForWork()
		if !m.deque.isRunning() && m.deque.peekHead() == "" {
			return
		}

		head := m.deque.peekHead()
		if head == "" {
			continue
		}
		if j, ok := m.store.get(head); ok && j.Type != TypeMeasure {
			m.waitForActiveMeasureToEmpty()
		}

		id, ok := m.deque.popHead()
		if !ok {
			continue
		}
		j, ok := m.store.get(id)
		if !ok {
			continue
		}

		m.store.mu.Lock()
		j.Status = StatusRunning
		j.StartedAt = time.Now()
		m.store.mu.Unlock()
		m.broadcast(j.snapshot())

		m.execute(j)
	}
}

func (m *Manager) waitForActiveMeasureToEmpty() {
	m.activeMu.Lock()
	for len(m.activeMeasure) > 0 {
		m.activeCond.Wait()
	}
	m.activeMu.Unlock()
}

func (m *Manager) execute(j *Job) {
	switch j.Type {
	case TypeSleep:
		m.executeSleep(j)
	case TypeMeasure:
		m.executeMeasure(j)
	default:
		m.store.mu.Lock()
		j.Status = StatusFailed
		j.Error = ierr.ErrUnknownJobType.Error()
		j.FinishedAt = time.Now()
		m.store.mu.Unlock()
		m.broadcast(j.snapshot())
	}
}

func (m *Manager) executeSleep(j *Job) {
	durationMS, _ := j.Params["duration_ms"].(float64)
	remaining := time.Duration(durationMS) * time.Millisecond

	for remaining > 0 {
		slice := sleepSlice
		if remaining < slice {
			slice = remaining
		}
		time.Sleep(slice)
		remaining -= slice

		m.store.mu.Lock()
		canceling := j.Status == StatusCanceling
		m.store.mu.Unlock()
		if canceling {
			m.store.mu.Lock()
			j.Status = StatusCanceled
			j.Error = "canceled"
			j.FinishedAt = time.Now()
			m.store.mu.Unlock()
			m.broadcast(j.snapshot())
			return
		}
	}

	m.store.mu.Lock()
	j.Status = StatusCompleted
	j.FinishedAt = time.Now()
	m.store.mu.Unlock()
	m.broadcast(j.snapshot())
}

// executeMeasure creates the script runtime in enqueue-first mode and
// detaches a monitor goroutine per spec, so the worker loop can move on
// to the next job while multiple measure jobs run in parallel.
func (m *Manager) executeMeasure(j *Job) {
	script, _ := j.Params["script"].(string)

	m.activeMu.Lock()
	m.activeMeasure[j.ID] = struct{}{}
	m.activeMu.Unlock()

	go func() {
		defer func() {
			m.activeMu.Lock()
			delete(m.activeMeasure, j.ID)
			m.activeCond.Broadcast()
			m.activeMu.Unlock()
		}()

		result, err := m.runner.RunMeasure(j.ID, script, j.Params)

		m.store.mu.Lock()
		if err != nil {
			j.Status = StatusFailed
			j.Error = err.Error()
			logger.JobInfow("measure job failed", "job_id", j.ID, "error", err)
		} else {
			j.Status = StatusCompleted
			j.Result = result
		}
		j.FinishedAt = time.Now()
		m.store.mu.Unlock()
		m.broadcast(j.snapshot())
	}()
}
