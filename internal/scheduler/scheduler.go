// Package scheduler owns the job lifecycle: it selects work, drives the
// agent CLI through the executor, classifies throttled output, and
// commits every status transition to storage before acting on it.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"claudeq/internal/executor"
	"claudeq/internal/history"
	"claudeq/internal/notify"
	"claudeq/internal/queue"
	"claudeq/internal/ratelimit"
	"claudeq/internal/storage"
	logx "claudeq/pkg/logx"
)

// VCS is the version-control collaborator for the pre- and
// post-execution hooks. *vcs.Jujutsu satisfies it.
type VCS interface {
	ShouldIntegrate(dir string) (bool, string)
	CreateChange(ctx context.Context, dir, jobID, description, bookmark string) (string, error)
	SetBookmark(ctx context.Context, dir, name string) error
	HasWorkingCopyChanges(ctx context.Context, dir string) (bool, error)
}

// Options configures a Manager. Repo and Runner are required; the rest
// default to safe no-ops.
type Options struct {
	Repo     *storage.Repository
	Runner   executor.Runner
	Analyzer *ratelimit.Analyzer
	VCS      VCS
	History  history.Store
	Notifier *notify.Notifier
	Log      logx.Logger

	DefaultTimeout   time.Duration // per-job fallback, default 1h
	ResetBuffer      time.Duration // slack after estimated reset, default 60s
	CheckInterval    time.Duration // idle poll interval, default 30s
	MinInvocationGap time.Duration // 0 disables pacing
}

// Manager is the single-writer scheduler for one storage directory.
// All public operations are safe for concurrent use, but only one
// Manager may own a storage directory at a time.
type Manager struct {
	log      logx.Logger
	repo     *storage.Repository
	runner   executor.Runner
	analyzer *ratelimit.Analyzer
	vcs      VCS
	hist     history.Store
	notifier *notify.Notifier

	defaultTimeout time.Duration
	resetBuffer    time.Duration
	checkInterval  time.Duration
	pacer          *rate.Limiter

	mu    sync.Mutex
	state *queue.QueueState

	// wake is pulsed when the queue bucket changes under the daemon.
	wake chan struct{}
}

func New(opts Options) (*Manager, error) {
	if opts.Repo == nil {
		return nil, fmt.Errorf("scheduler: repository is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("scheduler: runner is required")
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Analyzer == nil {
		opts.Analyzer = ratelimit.NewAnalyzer()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Hour
	}
	if opts.ResetBuffer <= 0 {
		opts.ResetBuffer = 60 * time.Second
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}

	var pacer *rate.Limiter
	if opts.MinInvocationGap > 0 {
		pacer = rate.NewLimiter(rate.Every(opts.MinInvocationGap), 1)
	}

	st, err := opts.Repo.LoadState()
	if err != nil {
		return nil, err
	}

	return &Manager{
		log:            log,
		repo:           opts.Repo,
		runner:         opts.Runner,
		analyzer:       opts.Analyzer,
		vcs:            opts.VCS,
		hist:           opts.History,
		notifier:       opts.Notifier,
		defaultTimeout: opts.DefaultTimeout,
		resetBuffer:    opts.ResetBuffer,
		checkInterval:  opts.CheckInterval,
		pacer:          pacer,
		state:          st,
		wake:           make(chan struct{}, 1),
	}, nil
}

// SetAnalyzer swaps the throttle classifier. Config hot reload uses
// this to apply an updated phrase list without restarting.
func (m *Manager) SetAnalyzer(a *ratelimit.Analyzer) {
	if a == nil {
		return
	}
	m.mu.Lock()
	m.analyzer = a
	m.mu.Unlock()
}

func (m *Manager) getAnalyzer() *ratelimit.Analyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.analyzer
}

// SetIntervals applies hot-reloadable timing knobs. Zero values keep
// the current setting.
func (m *Manager) SetIntervals(check, resetBuffer, defaultTimeout time.Duration) {
	m.mu.Lock()
	if check > 0 {
		m.checkInterval = check
	}
	if resetBuffer > 0 {
		m.resetBuffer = resetBuffer
	}
	if defaultTimeout > 0 {
		m.defaultTimeout = defaultTimeout
	}
	m.mu.Unlock()
}

func (m *Manager) intervals() (check, buffer time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkInterval, m.resetBuffer
}

func (m *Manager) jobTimeout(j *queue.Job) time.Duration {
	m.mu.Lock()
	def := m.defaultTimeout
	m.mu.Unlock()
	return j.Timeout(def)
}

// State returns a copy of the queue-level metadata.
func (m *Manager) State() queue.QueueState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.state
}

func (m *Manager) saveState() {
	if err := m.repo.SaveState(m.state); err != nil {
		m.log.Warn("persist state", logx.Err(err))
	}
}

// ---- Queue operations ----

// AddOptions carries the add verb's parameters.
type AddOptions struct {
	Content          string
	Priority         int
	WorkingDirectory string
	ContextFiles     []string
	Model            string
	PermissionMode   string
	AllowedTools     []string
	TimeoutSeconds   int
	VCSBookmark      string
	MaxRetries       int // <0 means default (3)
	EstimatedTokens  int
}

// Add enqueues a new job.
func (m *Manager) Add(opts AddOptions) (*queue.Job, error) {
	if strings.TrimSpace(opts.Content) == "" {
		return nil, fmt.Errorf("job content is required")
	}
	j := queue.NewJob(opts.Content)
	j.Priority = opts.Priority
	if opts.WorkingDirectory != "" {
		j.WorkingDirectory = opts.WorkingDirectory
	}
	j.ContextFiles = opts.ContextFiles
	j.Model = opts.Model
	j.PermissionMode = opts.PermissionMode
	j.AllowedTools = opts.AllowedTools
	j.TimeoutSeconds = opts.TimeoutSeconds
	j.VCSBookmark = opts.VCSBookmark
	j.EstimatedTokens = opts.EstimatedTokens
	if opts.MaxRetries >= 0 {
		j.MaxRetries = opts.MaxRetries
	}

	if err := m.repo.Create(j); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.state.Added++
	m.saveState()
	m.mu.Unlock()

	m.log.Info("job queued",
		logx.String("id", j.ID),
		logx.Int("priority", j.Priority),
		logx.String("content", j.ShortContent(60)))
	m.Wake()
	return j, nil
}

// Cancel marks a non-terminal job cancelled. Cancelled records are
// archived in the failed bucket; the recorded status stays cancelled.
func (m *Manager) Cancel(id string) (*queue.Job, error) {
	j, _, err := m.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if !j.Status.CanTransition(queue.StatusCancelled) {
		return nil, fmt.Errorf("job %s is %s and cannot be cancelled", id, j.Status)
	}
	j.Status = queue.StatusCancelled
	j.AddLog("Cancelled by user")
	if err := m.repo.Move(j, storage.BucketFailed); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.state.Cancelled++
	m.saveState()
	m.mu.Unlock()

	m.log.Info("job cancelled", logx.String("id", id))
	return j, nil
}

// Remove permanently deletes a record regardless of status.
func (m *Manager) Remove(id string) error {
	if err := m.repo.Delete(id); err != nil {
		return err
	}
	m.log.Info("job deleted", logx.String("id", id))
	return nil
}

// Retry clones a terminal job into a fresh queued one. The original is
// kept unless deleteOriginal is set.
func (m *Manager) Retry(id string, deleteOriginal bool) (*queue.Job, error) {
	orig, _, err := m.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if !orig.Status.Terminal() {
		return nil, fmt.Errorf("job %s is %s; only finished jobs can be retried", id, orig.Status)
	}

	clone, err := m.Add(AddOptions{
		Content:          orig.Content,
		Priority:         orig.Priority,
		WorkingDirectory: orig.WorkingDirectory,
		ContextFiles:     orig.ContextFiles,
		Model:            orig.Model,
		PermissionMode:   orig.PermissionMode,
		AllowedTools:     orig.AllowedTools,
		TimeoutSeconds:   orig.TimeoutSeconds,
		VCSBookmark:      orig.VCSBookmark,
		MaxRetries:       orig.MaxRetries,
		EstimatedTokens:  orig.EstimatedTokens,
	})
	if err != nil {
		return nil, err
	}
	clone.AddLog(fmt.Sprintf("Requeued from %s", orig.ID))
	if err := m.repo.Update(clone); err != nil {
		return nil, err
	}

	if deleteOriginal {
		if err := m.repo.Delete(orig.ID); err != nil {
			m.log.Warn("delete original after retry", logx.String("id", orig.ID), logx.Err(err))
		}
	}
	return clone, nil
}

// Get loads one job by id.
func (m *Manager) Get(id string) (*queue.Job, error) {
	j, _, err := m.repo.Get(id)
	return j, err
}

// List returns jobs across all buckets, optionally filtered by status.
func (m *Manager) List(filter queue.Status) ([]*queue.Job, error) {
	var out []*queue.Job
	for _, b := range []storage.Bucket{storage.BucketQueue, storage.BucketCompleted, storage.BucketFailed} {
		jobs, err := m.repo.List(b)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if filter == "" || j.Status == filter {
				out = append(out, j)
			}
		}
	}
	return out, nil
}

// Snapshot is the status verb's aggregate view.
type Snapshot struct {
	Queued    int `json:"queued"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	State queue.QueueState `json:"state"`

	NextJobID string   `json:"next_job_id,omitempty"`
	Patterns  []string `json:"rate_limit_patterns"`
}

// Status builds a point-in-time snapshot by scanning all buckets.
func (m *Manager) Status() (Snapshot, error) {
	snap := Snapshot{
		State:    m.State(),
		Patterns: m.getAnalyzer().Detector().Patterns(),
	}
	jobs, err := m.List("")
	if err != nil {
		return snap, err
	}
	for _, j := range jobs {
		switch j.Status {
		case queue.StatusQueued:
			snap.Queued++
		case queue.StatusExecuting:
			snap.Executing++
		case queue.StatusCompleted:
			snap.Completed++
		case queue.StatusFailed:
			snap.Failed++
		case queue.StatusCancelled:
			snap.Cancelled++
		}
	}
	if next := m.peekNext(time.Now()); next != nil {
		snap.NextJobID = next.ID
	}
	return snap, nil
}

func (m *Manager) peekNext(now time.Time) *queue.Job {
	jobs, err := m.repo.List(storage.BucketQueue)
	if err != nil {
		m.log.Warn("peek queue", logx.Err(err))
		return nil
	}
	return queue.SelectNext(jobs, now)
}

// Recover resets interrupted records and reloads state. Called once on
// daemon startup and before single-shot processing.
func (m *Manager) Recover() error {
	jobs, err := m.repo.LoadPending()
	if err != nil {
		return err
	}
	m.log.Info("queue loaded", logx.Int("pending", len(jobs)))
	return nil
}
