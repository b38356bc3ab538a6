package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/wxclaw/pkg/logger"
)

var ErrUnknownJob = errors.New("unknown job")

type JobFunc func(ctx context.Context) error

type JobState struct {
	NextRunAtMS *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMS *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// Job is a named maintenance task on a cron expression.
type Job struct {
	Name  string   `json:"name"`
	Expr  string   `json:"expr"`
	State JobState `json:"state"`

	run     JobFunc
	running bool
}

type stateFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// Scheduler runs in-process jobs. Job state can be persisted so `status`
// can report last runs from another process.
type Scheduler struct {
	statePath string
	jobs      []*Job
	mu        sync.RWMutex
	running   bool
	stopChan  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	nowFunc   func() time.Time
}

func NewScheduler(statePath string) *Scheduler {
	return &Scheduler{
		statePath: statePath,
		nowFunc:   time.Now,
	}
}

// Add registers a job. The expression is validated up front.
func (s *Scheduler) Add(name, expr string, run JobFunc) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("job %s: invalid cron expression %q", name, expr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return fmt.Errorf("job %s already registered", name)
		}
	}
	job := &Job{Name: name, Expr: expr, run: run}
	if s.running {
		job.State.NextRunAtMS = computeNextRun(expr, s.nowFunc())
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.loadStateUnsafe()
	now := s.nowFunc()
	for _, j := range s.jobs {
		j.State.NextRunAtMS = computeNextRun(j.Expr, now)
	}
	if err := s.saveStateUnsafe(); err != nil {
		logger.WarnCF("cron", "Failed to save scheduler state", map[string]interface{}{
			"error": err.Error(),
		})
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopChan = make(chan struct{})
	s.running = true
	go s.runLoop(s.stopChan)

	logger.InfoCF("cron", "Scheduler started", map[string]interface{}{
		"jobs": len(s.jobs),
	})
	return nil
}

// Stop halts the loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) runLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.checkJobs()
		}
	}
}

func (s *Scheduler) checkJobs() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	now := s.nowFunc().UnixMilli()
	var due []*Job
	for _, j := range s.jobs {
		if !j.running && j.State.NextRunAtMS != nil && *j.State.NextRunAtMS <= now {
			// Cleared so the next tick does not start it again.
			j.State.NextRunAtMS = nil
			j.running = true
			due = append(due, j)
		}
	}
	ctx := s.ctx
	s.wg.Add(len(due))
	s.mu.Unlock()

	for _, j := range due {
		go func(j *Job) {
			defer s.wg.Done()
			s.executeJob(ctx, j)
		}(j)
	}
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var job *Job
	for _, j := range s.jobs {
		if j.Name == name {
			job = j
			break
		}
	}
	if job == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if job.running {
		s.mu.Unlock()
		return fmt.Errorf("job %s is already running", name)
	}
	job.running = true
	s.mu.Unlock()

	return s.executeJob(ctx, job)
}

func (s *Scheduler) executeJob(ctx context.Context, job *Job) error {
	start := s.nowFunc().UnixMilli()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		if job.run != nil {
			err = job.run(ctx)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	job.running = false
	job.State.LastRunAtMS = &start
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		logger.WarnCF("cron", "Job failed", map[string]interface{}{
			"job":   job.Name,
			"error": err.Error(),
		})
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
		logger.DebugCF("cron", "Job finished", map[string]interface{}{
			"job": job.Name,
		})
	}
	if s.running {
		job.State.NextRunAtMS = computeNextRun(job.Expr, s.nowFunc())
	}

	if serr := s.saveStateUnsafe(); serr != nil {
		logger.WarnCF("cron", "Failed to save scheduler state", map[string]interface{}{
			"error": serr.Error(),
		})
	}
	return err
}

func computeNextRun(expr string, now time.Time) *int64 {
	next, err := gronx.NextTickAfter(expr, now, false)
	if err != nil {
		logger.WarnCF("cron", "Failed to compute next run", map[string]interface{}{
			"expr":  expr,
			"error": err.Error(),
		})
		return nil
	}
	ms := next.UnixMilli()
	return &ms
}

// Jobs returns a snapshot of every registered job.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Job{Name: j.Name, Expr: j.Expr, State: j.State})
	}
	return out
}

func (s *Scheduler) Status() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nextWake *int64
	for _, j := range s.jobs {
		if n := j.State.NextRunAtMS; n != nil && (nextWake == nil || *n < *nextWake) {
			nextWake = n
		}
	}
	return map[string]interface{}{
		"enabled":      s.running,
		"jobs":         len(s.jobs),
		"nextWakeAtMS": nextWake,
	}
}

// LoadState reads a state file written by a running scheduler.
func LoadState(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return st.Jobs, nil
}

// loadStateUnsafe carries last-run results over from a previous process.
func (s *Scheduler) loadStateUnsafe() {
	if s.statePath == "" {
		return
	}
	jobs, err := LoadState(s.statePath)
	if err != nil {
		return
	}
	prev := make(map[string]JobState, len(jobs))
	for _, j := range jobs {
		prev[j.Name] = j.State
	}
	for _, j := range s.jobs {
		if st, ok := prev[j.Name]; ok {
			j.State.LastRunAtMS = st.LastRunAtMS
			j.State.LastStatus = st.LastStatus
			j.State.LastError = st.LastError
		}
	}
}

func (s *Scheduler) saveStateUnsafe() error {
	if s.statePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0755); err != nil {
		return err
	}

	st := stateFile{Version: 1}
	for _, j := range s.jobs {
		st.Jobs = append(st.Jobs, Job{Name: j.Name, Expr: j.Expr, State: j.State})
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath, data, 0644)
}
