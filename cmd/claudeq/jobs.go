package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"claudeq/internal/executor"
	"claudeq/internal/queue"
	"claudeq/internal/scheduler"
)

func (a *app) nextCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Execute the next eligible job and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			log := a.cliLogger(cfg)
			m, cleanup, err := a.newManager(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := m.Recover(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var processed bool
			if force {
				processed, err = m.ProcessNextForce(ctx)
			} else {
				processed, err = m.ProcessNext(ctx)
			}
			if err != nil {
				return err
			}
			if !processed {
				st := m.State()
				if st.RateLimited && !st.EstimatedResetAt.IsZero() {
					fmt.Fprintf(cmd.OutOrStdout(),
						"rate limited until ~%s; use --force to retry now\n",
						st.EstimatedResetAt.Format("2006-01-02 15:04"))
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "no eligible jobs")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore the estimated reset hold")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counters and throttle state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			log := a.cliLogger(cfg)
			m, cleanup, err := a.newManager(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			snap, err := m.Status()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

func printSnapshot(w io.Writer, snap scheduler.Snapshot) {
	fmt.Fprintf(w, "queued:    %d\n", snap.Queued)
	fmt.Fprintf(w, "executing: %d\n", snap.Executing)
	fmt.Fprintf(w, "completed: %d\n", snap.Completed)
	fmt.Fprintf(w, "failed:    %d\n", snap.Failed)
	fmt.Fprintf(w, "cancelled: %d\n", snap.Cancelled)
	if snap.NextJobID != "" {
		fmt.Fprintf(w, "next:      %s\n", snap.NextJobID)
	}
	if snap.State.RateLimited {
		fmt.Fprintf(w, "rate limited until ~%s\n",
			snap.State.EstimatedResetAt.Format("2006-01-02 15:04"))
	}
	if !snap.State.LastProcessedAt.IsZero() {
		fmt.Fprintf(w, "last processed: %s\n",
			snap.State.LastProcessedAt.Format("2006-01-02 15:04:05"))
	}
}

func (a *app) listCmd() *cobra.Command {
	var (
		statusFilter string
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs across all buckets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter queue.Status
			if statusFilter != "" {
				filter = queue.Status(statusFilter)
				if !filter.Valid() {
					return fmt.Errorf("unknown status %q", statusFilter)
				}
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			log := a.cliLogger(cfg)
			m, cleanup, err := a.newManager(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			jobs, err := m.List(filter)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), jobsForJSON(jobs))
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPRI\tRETRIES\tCREATED\tCONTENT")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
					j.ID, j.Status, j.Priority, j.RetryCount, j.MaxRetries,
					j.CreatedAt.Format("2006-01-02 15:04"), j.ShortContent(48))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&statusFilter, "status", "s", "", "filter by status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

// jobView is the list --json record shape.
type jobView struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	CreatedAt  time.Time `json:"created_at"`
	Content    string    `json:"content"`
	NotBefore  time.Time `json:"not_before,omitempty"`
}

func jobsForJSON(jobs []*queue.Job) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView{
			ID:         j.ID,
			Status:     string(j.Status),
			Priority:   j.Priority,
			RetryCount: j.RetryCount,
			MaxRetries: j.MaxRetries,
			CreatedAt:  j.CreatedAt,
			Content:    j.Content,
			NotBefore:  j.NotBeforeTime,
		})
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			log := a.cliLogger(cfg)
			m, cleanup, err := a.newManager(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			j, err := m.Cancel(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", j.ID)
			return nil
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Permanently remove job records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			log := a.cliLogger(cfg)
			m, cleanup, err := a.newManager(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			var firstErr error
			for _, id := range args {
				if err := m.Remove(id); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "delete %s: %v\n", id, err)
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return firstErr
		},
	}
}

func (a *app) retryCmd() *cobra.Command {
	var deleteOriginal bool

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a finished job as a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			log := a.cliLogger(cfg)
			m, cleanup, err := a.newManager(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			j, err := m.Retry(args[0], deleteOriginal)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued as %s\n", j.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteOriginal, "delete-original", false, "remove the source record")
	return cmd
}

func (a *app) testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Verify the agent CLI is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			log := a.cliLogger(cfg)
			runner := executor.NewCLIRunner(cfg.ClaudeCommand, log)

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if err := runner.CheckConnection(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is available\n", cfg.ClaudeCommand)
			return nil
		},
	}
}
