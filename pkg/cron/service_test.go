package cron

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

func TestComputeNextRunAt(t *testing.T) {
	s := NewService("", nil)
	now := time.Now().UnixMilli()

	t.Run("future at fires at that instant", func(t *testing.T) {
		next := s.computeNextRun(&CronSchedule{Kind: "at", AtMS: int64p(now + 1000)}, now)
		require.NotNil(t, next)
		assert.Equal(t, now+1000, *next)
	})

	t.Run("past at is terminal", func(t *testing.T) {
		next := s.computeNextRun(&CronSchedule{Kind: "at", AtMS: int64p(now - 1000)}, now)
		assert.Nil(t, next)
	})

	t.Run("every does not accumulate missed ticks", func(t *testing.T) {
		next := s.computeNextRun(&CronSchedule{Kind: "every", EveryMS: int64p(60_000)}, now)
		require.NotNil(t, next)
		assert.Equal(t, now+60_000, *next)
	})

	t.Run("every with non-positive interval is terminal", func(t *testing.T) {
		next := s.computeNextRun(&CronSchedule{Kind: "every", EveryMS: int64p(0)}, now)
		assert.Nil(t, next)
	})

	t.Run("cron computes the next tick strictly after now", func(t *testing.T) {
		next := s.computeNextRun(&CronSchedule{Kind: "cron", Expr: "* * * * *"}, now)
		require.NotNil(t, next)
		assert.Greater(t, *next, now)
	})

	t.Run("invalid cron expression is terminal", func(t *testing.T) {
		next := s.computeNextRun(&CronSchedule{Kind: "cron", Expr: "not a cron expr"}, now)
		assert.Nil(t, next)
	})
}

func TestAddJobPersistsAndComputesNextRun(t *testing.T) {
	dir := t.TempDir()
	s := NewService(filepath.Join(dir, "cron.json"), nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.AddJob("reminder", CronSchedule{Kind: "every", EveryMS: int64p(60_000)}, "ping", false, "", "", false)
	require.NoError(t, err)
	require.NotNil(t, job.State.NextRunAtMS)
	assert.False(t, job.DeleteAfterRun)

	jobs := s.ListJobs(true)
	require.Len(t, jobs, 1)
	assert.Equal(t, "reminder", jobs[0].Name)
}

func TestAddJobAtKindHonorsDeleteAfterRunFlag(t *testing.T) {
	dir := t.TempDir()
	s := NewService(filepath.Join(dir, "cron.json"), nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	now := time.Now().UnixMilli()
	job, err := s.AddJob("once", CronSchedule{Kind: "at", AtMS: int64p(now + 3_600_000)}, "go", false, "", "", true)
	require.NoError(t, err)
	assert.True(t, job.DeleteAfterRun)
}

func TestRemoveJob(t *testing.T) {
	dir := t.TempDir()
	s := NewService(filepath.Join(dir, "cron.json"), nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.AddJob("x", CronSchedule{Kind: "every", EveryMS: int64p(1000)}, "m", false, "", "", false)
	require.NoError(t, err)

	assert.True(t, s.RemoveJob(job.ID))
	assert.False(t, s.RemoveJob(job.ID))
	assert.Empty(t, s.ListJobs(true))
}

func TestEnableJobTogglesNextRun(t *testing.T) {
	dir := t.TempDir()
	s := NewService(filepath.Join(dir, "cron.json"), nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.AddJob("x", CronSchedule{Kind: "every", EveryMS: int64p(60_000)}, "m", false, "", "", false)
	require.NoError(t, err)

	updated := s.EnableJob(job.ID, false)
	require.NotNil(t, updated)
	assert.False(t, updated.Enabled)
	assert.Nil(t, updated.State.NextRunAtMS)

	updated = s.EnableJob(job.ID, true)
	require.NotNil(t, updated)
	assert.True(t, updated.Enabled)
	assert.NotNil(t, updated.State.NextRunAtMS)
}

func TestRunJobForceRunsDisabledJob(t *testing.T) {
	dir := t.TempDir()
	var calls int32
	s := NewService(filepath.Join(dir, "cron.json"), func(job *CronJob) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.AddJob("x", CronSchedule{Kind: "every", EveryMS: int64p(60_000)}, "m", false, "", "", false)
	require.NoError(t, err)
	s.EnableJob(job.ID, false)

	assert.False(t, s.RunJob(job.ID, false), "disabled job without force should not run")
	assert.True(t, s.RunJob(job.ID, true), "force should run a disabled job")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	jobs := s.ListJobs(true)
	require.Len(t, jobs, 1)
	assert.Equal(t, "ok", jobs[0].State.LastStatus)
	require.NotNil(t, jobs[0].State.LastRunAtMS)
}

func TestExecuteJobRecordsFailureAndDoesNotRetry(t *testing.T) {
	dir := t.TempDir()
	var calls int32
	s := NewService(filepath.Join(dir, "cron.json"), func(job *CronJob) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", fmt.Errorf("boom")
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	job, err := s.AddJob("x", CronSchedule{Kind: "every", EveryMS: int64p(60_000)}, "m", false, "", "", false)
	require.NoError(t, err)

	assert.True(t, s.RunJob(job.ID, true))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a failed run must not be retried")

	jobs := s.ListJobs(true)
	require.Len(t, jobs, 1)
	assert.Equal(t, "error", jobs[0].State.LastStatus)
	assert.Equal(t, "boom", jobs[0].State.LastError)
}

func TestAtJobDeletedAfterRunWhenFlagged(t *testing.T) {
	dir := t.TempDir()
	s := NewService(filepath.Join(dir, "cron.json"), func(job *CronJob) (string, error) { return "", nil })
	require.NoError(t, s.Start())
	defer s.Stop()

	now := time.Now().UnixMilli()
	job, err := s.AddJob("once", CronSchedule{Kind: "at", AtMS: int64p(now + 100)}, "m", false, "", "", true)
	require.NoError(t, err)

	require.True(t, s.RunJob(job.ID, true))
	assert.Empty(t, s.ListJobs(true))
}

func TestAtJobDisabledAfterRunWhenNotFlagged(t *testing.T) {
	dir := t.TempDir()
	s := NewService(filepath.Join(dir, "cron.json"), func(job *CronJob) (string, error) { return "", nil })
	require.NoError(t, s.Start())
	defer s.Stop()

	now := time.Now().UnixMilli()
	job, err := s.AddJob("once", CronSchedule{Kind: "at", AtMS: int64p(now + 100)}, "m", false, "", "", false)
	require.NoError(t, err)

	require.True(t, s.RunJob(job.ID, true))

	jobs := s.ListJobs(true)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Enabled)
	assert.Nil(t, jobs[0].State.NextRunAtMS)
}

func TestListJobsSortsByNextRunNullsLast(t *testing.T) {
	dir := t.TempDir()
	s := NewService(filepath.Join(dir, "cron.json"), nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	_, err := s.AddJob("far", CronSchedule{Kind: "every", EveryMS: int64p(120_000)}, "m", false, "", "", false)
	require.NoError(t, err)
	_, err = s.AddJob("near", CronSchedule{Kind: "every", EveryMS: int64p(1_000)}, "m", false, "", "", false)
	require.NoError(t, err)
	disabledJob, err := s.AddJob("disabled", CronSchedule{Kind: "every", EveryMS: int64p(1_000)}, "m", false, "", "", false)
	require.NoError(t, err)
	s.EnableJob(disabledJob.ID, false)

	jobs := s.ListJobs(true)
	require.Len(t, jobs, 3)
	assert.Equal(t, "near", jobs[0].Name)
	assert.Equal(t, "far", jobs[1].Name)
	assert.Equal(t, "disabled", jobs[2].Name)
}

func TestScheduledJobFiresAndReschedules(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 4)
	s := NewService(filepath.Join(dir, "cron.json"), func(job *CronJob) (string, error) {
		fired <- struct{}{}
		return "ok", nil
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	_, err := s.AddJob("tick", CronSchedule{Kind: "every", EveryMS: int64p(20)}, "m", false, "", "", false)
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job never fired")
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job never rescheduled after firing")
	}
}

func TestLoadStoreDegradesToEmptyOnMissingFile(t *testing.T) {
	dir := t.TempDir()
	s := NewService(filepath.Join(dir, "missing.json"), nil)
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Empty(t, s.ListJobs(true))
}

func TestStatusReportsJobCountAndNextWake(t *testing.T) {
	dir := t.TempDir()
	s := NewService(filepath.Join(dir, "cron.json"), nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	_, err := s.AddJob("x", CronSchedule{Kind: "every", EveryMS: int64p(60_000)}, "m", false, "", "", false)
	require.NoError(t, err)

	status := s.Status()
	assert.Equal(t, 1, status["jobs"])
	assert.NotNil(t, status["nextWakeAtMs"])
}
