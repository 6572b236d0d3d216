package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"claudeq/internal/scheduler"
)

func (a *app) addCmd() *cobra.Command {
	var (
		priority       int
		dir            string
		contextFiles   []string
		model          string
		permissionMode string
		allowedTools   []string
		timeout        string
		bookmark       string
		maxRetries     int
		tokens         int
	)

	cmd := &cobra.Command{
		Use:   "add [content]",
		Short: "Queue a new job",
		Long: "Queue a new job for the agent CLI. Content comes from the argument,\n" +
			"or from stdin when the argument is omitted or \"-\".",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			var timeoutSecs int
			if timeout != "" {
				d, err := time.ParseDuration(timeout)
				if err != nil {
					return fmt.Errorf("--timeout: %w", err)
				}
				timeoutSecs = int(d / time.Second)
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

			j, err := m.Add(scheduler.AddOptions{
				Content:          content,
				Priority:         priority,
				WorkingDirectory: dir,
				ContextFiles:     contextFiles,
				Model:            model,
				PermissionMode:   permissionMode,
				AllowedTools:     allowedTools,
				TimeoutSeconds:   timeoutSecs,
				VCSBookmark:      bookmark,
				MaxRetries:       maxRetries,
				EstimatedTokens:  tokens,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s (priority %d): %s\n",
				j.ID, j.Priority, j.ShortContent(60))
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&priority, "priority", "p", 0, "priority, lower runs first")
	f.StringVarP(&dir, "dir", "d", "", "working directory for the invocation (default current)")
	f.StringSliceVarP(&contextFiles, "context", "c", nil, "context file, repeatable")
	f.StringVarP(&model, "model", "m", "", "model override")
	f.StringVar(&permissionMode, "permission-mode", "", "permission mode (acceptEdits, plan, ...)")
	f.StringSliceVar(&allowedTools, "allowed-tools", nil, "allowed tool, repeatable")
	f.StringVarP(&timeout, "timeout", "t", "", "per-job timeout, e.g. 30m")
	f.StringVarP(&bookmark, "bookmark", "b", "", "jj bookmark to advance on success")
	f.IntVar(&maxRetries, "max-retries", -1, "failure retries before giving up (default 3)")
	f.IntVar(&tokens, "estimated-tokens", 0, "rough token estimate, informational")
	return cmd
}

func readContent(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		content := strings.TrimSpace(args[0])
		if content == "" {
			return "", fmt.Errorf("job content is empty")
		}
		return content, nil
	}

	if f, ok := stdin.(*os.File); ok {
		if info, err := f.Stat(); err == nil && (info.Mode()&os.ModeCharDevice) != 0 && len(args) == 0 {
			return "", fmt.Errorf("no content: pass an argument or pipe stdin")
		}
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", fmt.Errorf("job content is empty")
	}
	return content, nil
}
