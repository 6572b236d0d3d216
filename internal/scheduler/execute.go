package scheduler

import (
	"context"
	"fmt"
	"time"

	"claudeq/internal/history"
	"claudeq/internal/queue"
	"claudeq/internal/storage"
	logx "claudeq/pkg/logx"
)

// ProcessNext selects and executes at most one job.
//
// Returns (false, nil) when the queue has no eligible work. Invoking it
// while the rate-limit flag is set is how a manual retry happens: the
// flag is cleared optimistically before the attempt and re-set if the
// agent is still throttled.
func (m *Manager) ProcessNext(ctx context.Context) (bool, error) {
	now := time.Now()
	j := m.peekNext(now)
	if j == nil {
		return false, nil
	}
	return true, m.execute(ctx, j)
}

// ProcessNextForce ignores not-before holds so a user can retry before
// the estimated reset. The reset estimate is advisory only.
func (m *Manager) ProcessNextForce(ctx context.Context) (bool, error) {
	jobs, err := m.repo.List(storage.BucketQueue)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		j.NotBeforeTime = time.Time{}
	}
	j := queue.SelectNext(jobs, time.Now())
	if j == nil {
		return false, nil
	}
	return true, m.execute(ctx, j)
}

// execute drives one attempt end to end. Every transition is persisted
// before the next step runs, so a crash at any point leaves a record
// the recovery path can handle.
func (m *Manager) execute(ctx context.Context, j *queue.Job) error {
	// Attempting a run is the optimistic clear of the throttle flag.
	m.mu.Lock()
	if m.state.RateLimited {
		m.state.ClearRateLimited()
		m.saveState()
		m.log.Info("rate-limit flag cleared, attempting execution")
	}
	m.mu.Unlock()

	if m.pacer != nil {
		if err := m.pacer.Wait(ctx); err != nil {
			return err
		}
	}

	// Mark in-flight before invoking the agent. The executing status in
	// the queue bucket is the crash marker recovery looks for.
	if !j.Status.CanTransition(queue.StatusExecuting) {
		return fmt.Errorf("job %s is %s, not executable", j.ID, j.Status)
	}
	j.Status = queue.StatusExecuting
	j.NotBeforeTime = time.Time{}
	j.LastExecutedAt = time.Now().Truncate(time.Second)
	j.AddLog("Execution started")
	if err := m.repo.Update(j); err != nil {
		return err
	}

	m.preExecution(ctx, j)

	timeout := m.jobTimeout(j)
	m.log.Info("executing job",
		logx.String("id", j.ID),
		logx.Int("attempt", j.RetryCount+1),
		logx.Duration("timeout", timeout))

	res := m.runner.Execute(ctx, j, timeout)
	// Only failed runs are classified: a successful job whose output
	// merely mentions a throttle phrase must still complete.
	if !res.Succeeded {
		res.RateLimit = m.getAnalyzer().Analyze(time.Now(), res.Output)
	}

	err := m.commitResult(ctx, j, res)

	m.mu.Lock()
	m.state.LastProcessedAt = time.Now()
	m.saveState()
	m.mu.Unlock()
	return err
}

// commitResult applies the transition chosen by the result and
// persists it. Success is checked first: throttle classification only
// applies to runs that did not succeed.
func (m *Manager) commitResult(ctx context.Context, j *queue.Job, res queue.ExecutionResult) error {
	switch {
	case res.Succeeded:
		return m.commitSuccess(ctx, j, res)
	case res.RateLimited():
		return m.commitThrottled(ctx, j, res)
	default:
		return m.commitFailure(ctx, j, res)
	}
}

// commitThrottled returns the job to the queue without consuming a
// retry and raises the queue-level flag.
func (m *Manager) commitThrottled(ctx context.Context, j *queue.Job, res queue.ExecutionResult) error {
	resetAt := res.RateLimit.EstimatedResetAt
	j.Status = queue.StatusQueued
	j.NotBeforeTime = resetAt
	j.AddLog(fmt.Sprintf("Rate limited; estimated reset %s", resetAt.Format("2006-01-02 15:04:05")))
	if err := m.repo.Update(j); err != nil {
		return err
	}

	m.mu.Lock()
	m.state.SetRateLimited(resetAt)
	m.saveState()
	m.mu.Unlock()

	m.log.Warn("rate limited",
		logx.String("id", j.ID),
		logx.Time("reset_at", resetAt))
	m.archive(ctx, j, history.OutcomeRateLimited, res)
	return nil
}

func (m *Manager) commitSuccess(ctx context.Context, j *queue.Job, res queue.ExecutionResult) error {
	j.Status = queue.StatusCompleted
	j.AddLog(fmt.Sprintf("Completed successfully in %s", res.Elapsed.Round(time.Second)))
	if err := m.repo.Move(j, storage.BucketCompleted); err != nil {
		return err
	}

	m.mu.Lock()
	m.state.Completed++
	m.saveState()
	m.mu.Unlock()

	// The bookmark only advances once the completed transition is
	// durable; a crash before this point re-runs the job cleanly.
	m.postExecution(ctx, j)

	m.log.Info("job completed",
		logx.String("id", j.ID),
		logx.Duration("elapsed", res.Elapsed))
	m.archive(ctx, j, history.OutcomeSuccess, res)
	if m.notifier != nil {
		m.notifier.JobFinished(j.ID, string(j.Status), j.ShortContent(60), res.Elapsed)
	}
	return nil
}

// commitFailure consumes a retry. The job requeues while retries
// remain, otherwise it lands in the failed bucket.
func (m *Manager) commitFailure(ctx context.Context, j *queue.Job, res queue.ExecutionResult) error {
	j.RetryCount++
	j.AddLog(fmt.Sprintf("Attempt %d failed: %s", j.RetryCount, res.ErrorMessage))

	if j.CanRetry() {
		j.Status = queue.StatusQueued
		if err := m.repo.Update(j); err != nil {
			return err
		}
		m.log.Warn("job failed, will retry",
			logx.String("id", j.ID),
			logx.Int("attempt", j.RetryCount),
			logx.Int("max", j.MaxRetries),
			logx.String("error", res.ErrorMessage))
		m.archive(ctx, j, history.OutcomeFailure, res)
		return nil
	}

	j.Status = queue.StatusFailed
	j.AddLog("Retries exhausted")
	if err := m.repo.Move(j, storage.BucketFailed); err != nil {
		return err
	}

	m.mu.Lock()
	m.state.Failed++
	m.saveState()
	m.mu.Unlock()

	m.log.Error("job failed permanently",
		logx.String("id", j.ID),
		logx.String("error", res.ErrorMessage))
	m.archive(ctx, j, history.OutcomeFailure, res)
	if m.notifier != nil {
		m.notifier.JobFinished(j.ID, string(j.Status), res.ErrorMessage, res.Elapsed)
	}
	return nil
}

// preExecution starts a jj change for the job when the working
// directory is a jj repository. Best-effort.
func (m *Manager) preExecution(ctx context.Context, j *queue.Job) {
	if m.vcs == nil {
		return
	}
	ok, reason := m.vcs.ShouldIntegrate(j.WorkingDirectory)
	if !ok {
		m.log.Debug("vcs skipped", logx.String("id", j.ID), logx.String("reason", reason))
		return
	}
	if _, err := m.vcs.CreateChange(ctx, j.WorkingDirectory, j.ID, j.ShortContent(72), j.VCSBookmark); err != nil {
		m.log.Warn("vcs change", logx.String("id", j.ID), logx.Err(err))
	}
}

// postExecution moves the job's bookmark onto the produced change when
// the run left working-copy changes behind. Best-effort.
func (m *Manager) postExecution(ctx context.Context, j *queue.Job) {
	if m.vcs == nil || j.VCSBookmark == "" {
		return
	}
	if ok, _ := m.vcs.ShouldIntegrate(j.WorkingDirectory); !ok {
		return
	}
	changed, err := m.vcs.HasWorkingCopyChanges(ctx, j.WorkingDirectory)
	if err != nil {
		m.log.Warn("vcs status", logx.String("id", j.ID), logx.Err(err))
		return
	}
	if !changed {
		return
	}
	if err := m.vcs.SetBookmark(ctx, j.WorkingDirectory, j.VCSBookmark); err != nil {
		m.log.Warn("vcs bookmark", logx.String("id", j.ID), logx.Err(err))
	}
}

func (m *Manager) archive(ctx context.Context, j *queue.Job, outcome string, res queue.ExecutionResult) {
	if m.hist == nil {
		return
	}
	a := history.Attempt{
		At:      time.Now(),
		JobID:   j.ID,
		Attempt: j.RetryCount,
		Outcome: outcome,
		Elapsed: res.Elapsed.Milliseconds(),
		Error:   res.ErrorMessage,
	}
	if err := m.hist.Append(ctx, a); err != nil {
		m.log.Warn("history append", logx.String("id", j.ID), logx.Err(err))
	}
}
