// Package cron implements the persistent scheduled-job service (spec
// §4.6): a JSON-file-backed store of jobs driven by a single re-armed
// one-shot timer rather than a polling loop.
package cron

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nanobot-oss/gateway/pkg/fileutil"
	"github.com/nanobot-oss/gateway/pkg/logger"
)

const component = "cron"

// CronSchedule is one job's fire rule: exactly one of the three kinds.
type CronSchedule struct {
	Kind    string `json:"kind"` // "at", "every", or "cron"
	AtMS    *int64 `json:"atMs,omitempty"`
	EveryMS *int64 `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
}

// CronPayload is what gets handed to the installed job callback.
type CronPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// CronJobState is the mutable, execution-derived half of a job.
type CronJobState struct {
	NextRunAtMS *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMS *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// CronJob is one scheduled job.
type CronJob struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Enabled        bool         `json:"enabled"`
	Schedule       CronSchedule `json:"schedule"`
	Payload        CronPayload  `json:"payload"`
	State          CronJobState `json:"state"`
	CreatedAtMS    int64        `json:"createdAtMs"`
	UpdatedAtMS    int64        `json:"updatedAtMs"`
	DeleteAfterRun bool         `json:"deleteAfterRun"`
}

// CronStore is the on-disk representation: the whole job list in one file.
type CronStore struct {
	Version int       `json:"version"`
	Jobs    []CronJob `json:"jobs"`
}

// JobHandler is the narrow external contract a job execution invokes; the
// returned string is informational only, the service only tracks error/nil.
type JobHandler func(job *CronJob) (string, error)

// Service is the persistent scheduled-job service. It loads its store once
// on Start, keeps it in memory under a single mutex, and rewrites it
// atomically after every structural change.
type Service struct {
	storePath string
	store     *CronStore
	onJob     JobHandler
	gronx     *gronx.Gronx

	mu      sync.Mutex
	running bool

	timer   *time.Timer
	stopped chan struct{}
}

// NewService constructs a Service. The store is not loaded until Start.
func NewService(storePath string, onJob JobHandler) *Service {
	return &Service{
		storePath: storePath,
		onJob:     onJob,
		gronx:     gronx.New(),
		store:     &CronStore{Version: 1},
	}
}

// Start loads the store (a load failure degrades to an empty store,
// logged rather than returned — spec §4.6), recomputes every enabled
// job's next_run_at_ms from the current instant, persists, and arms the
// wake timer.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := s.loadStoreLocked(); err != nil {
		logger.WarnCF(component, "failed to load store, starting empty", map[string]any{"error": err.Error()})
		s.store = &CronStore{Version: 1}
	}

	s.recomputeNextRunsLocked()
	if err := s.saveStoreLocked(); err != nil {
		logger.ErrorCF(component, "failed to save store on start", map[string]any{"error": err.Error()})
	}

	s.running = true
	s.stopped = make(chan struct{})
	s.armLocked()
	return nil
}

// Stop cancels the pending timer and ends the scheduling loop. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.stopped != nil {
		close(s.stopped)
		s.stopped = nil
	}
}

// armLocked computes the earliest next_run_at_ms across enabled jobs and
// arms a single one-shot timer for that instant (or fires immediately if
// already past). Must be called with s.mu held.
func (s *Service) armLocked() {
	if !s.running {
		return
	}

	wake := s.nextWakeMSLocked()
	if wake == nil {
		return // nothing scheduled; a future AddJob/EnableJob re-arms.
	}

	delay := time.Until(time.UnixMilli(*wake))
	if delay < 0 {
		delay = 0
	}

	stopped := s.stopped
	s.timer = time.AfterFunc(delay, func() {
		select {
		case <-stopped:
			return
		default:
		}
		s.fire()
	})
}

// fire runs at the wake instant: it finds every enabled job whose
// next_run_at_ms has arrived, executes each in submission order, then
// recomputes, persists, and rearms.
func (s *Service) fire() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	now := time.Now().UnixMilli()
	var due []string
	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if job.Enabled && job.State.NextRunAtMS != nil && *job.State.NextRunAtMS <= now {
			due = append(due, job.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.executeJob(id, false)
	}

	s.mu.Lock()
	if err := s.saveStoreLocked(); err != nil {
		logger.ErrorCF(component, "failed to save store after fire", map[string]any{"error": err.Error()})
	}
	s.armLocked()
	s.mu.Unlock()
}

// executeJob runs the _execute_job contract from spec §4.6 for one job:
// record the start time, invoke the handler, record status, and decide
// the post-fire fate. force=true bypasses the enabled check (used by
// RunJob).
func (s *Service) executeJob(id string, force bool) bool {
	s.mu.Lock()
	var jobCopy CronJob
	found := false
	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID == id {
			if !force && !s.store.Jobs[i].Enabled {
				s.mu.Unlock()
				return false
			}
			jobCopy = s.store.Jobs[i]
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return false
	}

	start := time.Now().UnixMilli()
	var runErr error
	if s.onJob != nil {
		_, runErr = s.onJob(&jobCopy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		logger.WarnCF(component, "job disappeared before state update", map[string]any{"job_id": id})
		return true
	}

	job := &s.store.Jobs[idx]
	job.State.LastRunAtMS = &start
	job.UpdatedAtMS = time.Now().UnixMilli()

	if runErr != nil {
		job.State.LastStatus = "error"
		job.State.LastError = runErr.Error()
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}

	switch {
	case job.Schedule.Kind == "at" && job.DeleteAfterRun:
		s.removeJobLocked(job.ID)
	case job.Schedule.Kind == "at":
		job.Enabled = false
		job.State.NextRunAtMS = nil
	default:
		job.State.NextRunAtMS = s.computeNextRun(&job.Schedule, time.Now().UnixMilli())
	}

	return true
}

func (s *Service) computeNextRun(schedule *CronSchedule, nowMS int64) *int64 {
	switch schedule.Kind {
	case "at":
		if schedule.AtMS != nil && *schedule.AtMS > nowMS {
			return schedule.AtMS
		}
		return nil
	case "every":
		if schedule.EveryMS == nil || *schedule.EveryMS <= 0 {
			return nil
		}
		next := nowMS + *schedule.EveryMS
		return &next
	case "cron":
		if schedule.Expr == "" {
			return nil
		}
		nextTime, err := gronx.NextTickAfter(schedule.Expr, time.UnixMilli(nowMS), false)
		if err != nil {
			logger.WarnCF(component, "failed to compute next cron tick", map[string]any{
				"expr": schedule.Expr, "error": err.Error(),
			})
			return nil
		}
		nextMS := nextTime.UnixMilli()
		return &nextMS
	default:
		return nil
	}
}

func (s *Service) recomputeNextRunsLocked() {
	now := time.Now().UnixMilli()
	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if job.Enabled {
			job.State.NextRunAtMS = s.computeNextRun(&job.Schedule, now)
		}
	}
}

func (s *Service) nextWakeMSLocked() *int64 {
	var wake *int64
	for _, job := range s.store.Jobs {
		if job.Enabled && job.State.NextRunAtMS != nil {
			if wake == nil || *job.State.NextRunAtMS < *wake {
				wake = job.State.NextRunAtMS
			}
		}
	}
	return wake
}

func (s *Service) loadStoreLocked() error {
	s.store = &CronStore{Version: 1}

	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, s.store)
}

func (s *Service) saveStoreLocked() error {
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(s.storePath, data, 0o600)
}

// AddJob creates and persists a new job, computing its initial
// next_run_at_ms, and re-arms the wake timer.
func (s *Service) AddJob(
	name string,
	schedule CronSchedule,
	message string,
	deliver bool,
	channel, to string,
	deleteAfterRun bool,
) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	job := CronJob{
		ID:       generateID(),
		Name:     name,
		Enabled:  true,
		Schedule: schedule,
		Payload: CronPayload{
			Kind:    "agent_turn",
			Message: message,
			Deliver: deliver,
			Channel: channel,
			To:      to,
		},
		State: CronJobState{
			NextRunAtMS: s.computeNextRun(&schedule, now),
		},
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
		DeleteAfterRun: deleteAfterRun,
	}

	s.store.Jobs = append(s.store.Jobs, job)
	if err := s.saveStoreLocked(); err != nil {
		return nil, err
	}
	s.rearmIfRunningLocked()
	return &job, nil
}

// RemoveJob deletes a job by id, returning false if it did not exist.
func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeJobLocked(id)
	s.rearmIfRunningLocked()
	return removed
}

func (s *Service) removeJobLocked(id string) bool {
	before := len(s.store.Jobs)
	jobs := make([]CronJob, 0, before)
	for _, job := range s.store.Jobs {
		if job.ID != id {
			jobs = append(jobs, job)
		}
	}
	s.store.Jobs = jobs
	removed := len(s.store.Jobs) < before
	if removed {
		if err := s.saveStoreLocked(); err != nil {
			logger.ErrorCF(component, "failed to save store after remove", map[string]any{"error": err.Error()})
		}
	}
	return removed
}

// EnableJob flips a job's enabled flag, reseeding or nulling
// next_run_at_ms accordingly, and returns the updated job (nil if not found).
func (s *Service) EnableJob(id string, enabled bool) *CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if job.ID != id {
			continue
		}
		job.Enabled = enabled
		job.UpdatedAtMS = time.Now().UnixMilli()
		if enabled {
			job.State.NextRunAtMS = s.computeNextRun(&job.Schedule, time.Now().UnixMilli())
		} else {
			job.State.NextRunAtMS = nil
		}
		if err := s.saveStoreLocked(); err != nil {
			logger.ErrorCF(component, "failed to save store after enable", map[string]any{"error": err.Error()})
		}
		s.rearmIfRunningLocked()
		return job
	}
	return nil
}

// RunJob executes a job immediately, out of band from its schedule.
// force=true allows running a currently-disabled job. Returns false if
// the job does not exist (or is disabled and force is false).
func (s *Service) RunJob(id string, force bool) bool {
	ran := s.executeJob(id, force)
	if ran {
		s.mu.Lock()
		if err := s.saveStoreLocked(); err != nil {
			logger.ErrorCF(component, "failed to save store after run_job", map[string]any{"error": err.Error()})
		}
		s.rearmIfRunningLocked()
		s.mu.Unlock()
	}
	return ran
}

// rearmIfRunningLocked re-derives the wake timer after a structural
// change. Must be called with s.mu held.
func (s *Service) rearmIfRunningLocked() {
	if !s.running {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armLocked()
}

// ListJobs returns jobs sorted by next fire time, disabled/unscheduled
// jobs (nil next_run_at_ms) sorted last. includeDisabled controls whether
// disabled jobs are included at all.
func (s *Service) ListJobs(includeDisabled bool) []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]CronJob, 0, len(s.store.Jobs))
	for _, job := range s.store.Jobs {
		if includeDisabled || job.Enabled {
			jobs = append(jobs, job)
		}
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i].State.NextRunAtMS, jobs[j].State.NextRunAtMS
		if a == nil && b == nil {
			return false
		}
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return *a < *b
	})

	return jobs
}

// Status returns a summary snapshot: whether the scheduler is running,
// job count, and the next wake instant (nil if nothing is scheduled).
func (s *Service) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"enabled":      s.running,
		"jobs":         len(s.store.Jobs),
		"nextWakeAtMs": s.nextWakeMSLocked(),
	}
}

func generateID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
