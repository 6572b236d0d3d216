// claudeq is a durable, priority-ordered queue for claude CLI jobs.
// Records live as markdown files under the storage directory, so every
// verb works without a running daemon.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"claudeq/internal/config"
	"claudeq/internal/executor"
	"claudeq/internal/history"
	"claudeq/internal/ratelimit"
	"claudeq/internal/scheduler"
	"claudeq/internal/storage"
	"claudeq/internal/vcs"
	logx "claudeq/pkg/logx"
)

var version = "dev"

type app struct {
	configPath    string
	storageDir    string
	claudeCommand string
	checkInterval string
	timeout       string
	logLevel      string
}

func main() {
	a := &app{}
	root := a.rootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "claudeq",
		Short:         "Durable job queue for the claude CLI",
		Long: "claudeq queues prompts for the claude CLI, executes them one at a\n" +
			"time in priority order, and reschedules work around usage limits.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ~/.claudeq/config.yaml)")
	pf.StringVar(&a.storageDir, "storage-dir", "", "queue storage directory (overrides config)")
	pf.StringVar(&a.claudeCommand, "claude-command", "", "agent CLI binary (overrides config)")
	pf.StringVar(&a.checkInterval, "check-interval", "", "idle poll interval, e.g. 30s (overrides config)")
	pf.StringVar(&a.timeout, "timeout", "", "default per-job timeout, e.g. 1h (overrides config)")
	pf.StringVar(&a.logLevel, "log-level", "", "trace|debug|info|warn|error (overrides config)")

	root.AddCommand(
		a.addCmd(),
		a.startCmd(),
		a.nextCmd(),
		a.statusCmd(),
		a.listCmd(),
		a.cancelCmd(),
		a.deleteCmd(),
		a.retryCmd(),
		a.pathCmd(),
		a.testCmd(),
	)
	return root
}

func (a *app) configFile() string {
	if a.configPath != "" {
		return a.configPath
	}
	return config.ExpandHome("~/.claudeq/config.yaml")
}

// loadConfig reads the config file and applies flag overrides.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configFile())
	if err != nil {
		return nil, err
	}
	if a.checkInterval != "" {
		if _, err := time.ParseDuration(a.checkInterval); err != nil {
			return nil, fmt.Errorf("--check-interval: %w", err)
		}
	}
	if a.timeout != "" {
		if _, err := time.ParseDuration(a.timeout); err != nil {
			return nil, fmt.Errorf("--timeout: %w", err)
		}
	}
	a.applyOverrides(cfg)
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	return cfg, nil
}

// cliLogger is the quiet logger for one-shot verbs. The daemon builds
// its own from the logging config.
func (a *app) cliLogger(cfg *config.Config) logx.Logger {
	level := cfg.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	if level == "" {
		level = "warn"
	}
	return logx.NewConsole(level)
}

// newManager wires the scheduler for one-shot verbs. The history
// archive is attached so `next` attempts are recorded like daemon ones.
func (a *app) newManager(cfg *config.Config, log logx.Logger) (*scheduler.Manager, func(), error) {
	repo, err := storage.Open(cfg.StorageRoot(), log)
	if err != nil {
		return nil, nil, err
	}

	hist, err := history.Open(historyConfig(cfg), log)
	if err != nil {
		log.Warn("history archive unavailable", logx.Err(err))
		hist = nil
	}

	m, err := scheduler.New(scheduler.Options{
		Repo:             repo,
		Runner:           executor.NewCLIRunner(cfg.ClaudeCommand, log),
		Analyzer:         ratelimit.NewAnalyzer(cfg.RateLimit.Patterns...),
		VCS:              vcs.New(log),
		History:          hist,
		Log:              log,
		DefaultTimeout:   cfg.DefaultTimeoutD(),
		ResetBuffer:      cfg.ResetBufferD(),
		CheckInterval:    cfg.CheckIntervalD(),
		MinInvocationGap: cfg.MinInvocationGapD(),
	})
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		if hist != nil {
			_ = hist.Close()
		}
	}
	return m, cleanup, nil
}

func historyConfig(cfg *config.Config) history.Config {
	busy, _ := config.ParseDurationField("history.busy_timeout", cfg.History.BusyTimeout)
	return history.Config{
		Driver:      cfg.History.Driver,
		Path:        config.ExpandHome(cfg.History.Path),
		BusyTimeout: busy,
	}
}

func (a *app) pathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path [id]",
		Short: "Print the storage directory, or a job's record file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), filepath.Clean(cfg.StorageRoot()))
				return nil
			}
			repo, err := storage.Open(cfg.StorageRoot(), a.cliLogger(cfg))
			if err != nil {
				return err
			}
			p, _, err := repo.Find(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}
}
