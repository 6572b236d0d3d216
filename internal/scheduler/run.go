package scheduler

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fsnotify/fsnotify"

	logx "claudeq/pkg/logx"
)

// Wake nudges the daemon loop to re-check the queue immediately.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run is the daemon loop: recover interrupted work, verify the agent
// CLI, then drain the queue, sleeping on the idle interval, on
// queue-directory changes, and on throttle windows.
//
// Run returns when ctx is cancelled. The queue state is already
// persisted at every transition, so shutdown needs no extra flush.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Recover(); err != nil {
		return err
	}
	if err := m.runner.CheckConnection(ctx); err != nil {
		return err
	}

	if m.notifier != nil {
		m.notifier.Start(ctx)
		defer m.notifier.Close()
	}

	stopWatch := m.watchQueueDir(ctx)
	defer stopWatch()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	defer func() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }()
	stopKeepalive := m.watchdogKeepalive(ctx)
	defer stopKeepalive()

	check, _ := m.intervals()
	m.log.Info("scheduler started",
		logx.Duration("check_interval", check),
		logx.String("storage", m.repo.Root()))

	for {
		processed, err := m.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Error("process job", logx.Err(err))
		}
		if processed && ctx.Err() == nil {
			// Drain eagerly; pacing happens inside execute.
			continue
		}

		wait := m.idleWait(time.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.log.Info("scheduler stopping")
			return ctx.Err()
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// idleWait picks the next sleep: the remaining throttle window (plus
// buffer) when rate limited, otherwise the idle poll interval.
func (m *Manager) idleWait(now time.Time) time.Duration {
	m.mu.Lock()
	limited := m.state.RateLimited
	resetAt := m.state.EstimatedResetAt
	check, buffer := m.checkInterval, m.resetBuffer
	m.mu.Unlock()

	if limited && !resetAt.IsZero() {
		if until := resetAt.Add(buffer).Sub(now); until > 0 {
			m.log.Info("rate limited, waiting for reset",
				logx.Time("reset_at", resetAt),
				logx.Duration("wait", until.Round(time.Second)))
			return until
		}
	}
	return check
}

// watchdogKeepalive pings the systemd watchdog at half its interval
// when one is configured. No-op outside systemd.
func (m *Manager) watchdogKeepalive(ctx context.Context) (stop func()) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return func() { close(done) }
}

// watchQueueDir wakes the loop when records appear in the queue bucket,
// so externally added files are picked up without waiting a full poll
// interval. Watch failures degrade to polling.
func (m *Manager) watchQueueDir(ctx context.Context) (stop func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("queue watcher unavailable, polling only", logx.Err(err))
		return func() {}
	}
	if err := w.Add(m.repo.QueueDir()); err != nil {
		m.log.Warn("queue watcher unavailable, polling only", logx.Err(err))
		_ = w.Close()
		return func() {}
	}

	go func() {
		// Debounce bursts of events from a single atomic rename.
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 {
					if pending == nil {
						pending = time.After(250 * time.Millisecond)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.log.Warn("queue watcher", logx.Err(err))
			case <-pending:
				pending = nil
				m.Wake()
			}
		}
	}()

	return func() { _ = w.Close() }
}
