package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"claudeq/internal/config"
	"claudeq/internal/executor"
	"claudeq/internal/history"
	"claudeq/internal/notify"
	"claudeq/internal/ratelimit"
	"claudeq/internal/runtime/supervisor"
	"claudeq/internal/scheduler"
	"claudeq/internal/storage"
	"claudeq/internal/vcs"
	logx "claudeq/pkg/logx"
)

func (a *app) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the queue daemon",
		Long: "Run the daemon: recover interrupted work, then execute queued jobs\n" +
			"one at a time until interrupted. SIGINT/SIGTERM stop gracefully.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDaemon(cmd.Context())
		},
	}
}

func (a *app) runDaemon(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	boot := logx.NewConsole("info")
	cm := config.NewManager(a.configFile(), boot)
	cfg, err := cm.Load()
	if err != nil {
		return err
	}
	a.applyOverrides(cfg)

	log, err := logx.New(loggingConfig(cfg, a.logLevel))
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	repo, err := storage.Open(cfg.StorageRoot(), log)
	if err != nil {
		return err
	}

	hist, err := history.Open(historyConfig(cfg), log)
	if err != nil {
		log.Warn("history archive unavailable", logx.Err(err))
		hist = nil
	}
	if hist != nil {
		defer func() { _ = hist.Close() }()
	}

	notifier, err := notify.New(notify.Config{
		Enabled:    cfg.Notify.Enabled,
		Token:      cfg.Notify.Token,
		ChatID:     cfg.Notify.ChatID,
		RatePerSec: cfg.Notify.RatePerSec,
	}, log)
	if err != nil {
		return err
	}

	m, err := scheduler.New(scheduler.Options{
		Repo:             repo,
		Runner:           executor.NewCLIRunner(cfg.ClaudeCommand, log),
		Analyzer:         ratelimit.NewAnalyzer(cfg.RateLimit.Patterns...),
		VCS:              vcs.New(log),
		History:          hist,
		Notifier:         notifier,
		Log:              log,
		DefaultTimeout:   cfg.DefaultTimeoutD(),
		ResetBuffer:      cfg.ResetBufferD(),
		CheckInterval:    cfg.CheckIntervalD(),
		MinInvocationGap: cfg.MinInvocationGapD(),
	})
	if err != nil {
		return err
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(log),
		supervisor.WithCancelOnError(true))

	sup.Go("scheduler", func(ctx context.Context) error {
		return m.Run(ctx)
	})
	sup.Go0("config-watch", func(ctx context.Context) {
		cm.Watch(ctx, func(next *config.Config) {
			// Throttle patterns and timing knobs are hot-applied;
			// storage, logging and the notifier need a restart.
			m.SetAnalyzer(ratelimit.NewAnalyzer(next.RateLimit.Patterns...))
			m.SetIntervals(next.CheckIntervalD(), next.ResetBufferD(), next.DefaultTimeoutD())
			log.Info("config reloaded")
			m.Wake()
		})
	})

	sup.Wait()

	err = sup.Err()
	if err == nil || errors.Is(err, context.Canceled) {
		log.Info("daemon stopped")
		return nil
	}
	return err
}

func (a *app) applyOverrides(cfg *config.Config) {
	if a.storageDir != "" {
		cfg.StorageDir = a.storageDir
	}
	if a.claudeCommand != "" {
		cfg.ClaudeCommand = a.claudeCommand
	}
	if a.checkInterval != "" {
		cfg.CheckInterval = a.checkInterval
	}
	if a.timeout != "" {
		cfg.DefaultTimeout = a.timeout
	}
}

func loggingConfig(cfg *config.Config, levelOverride string) logx.Config {
	level := cfg.Logging.Level
	if levelOverride != "" {
		level = levelOverride
	}
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    config.ExpandHome(cfg.Logging.File.Path),
		},
	}
}
