package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildlock/internal/util"
)

var acquireCmd = &cobra.Command{
	Use:   "acquire <project-path>",
	Short: "Acquire the exclusive lock for a project",
	Long: `Acquire the exclusive lock for a project path. If another process
holds the lock, this command queues behind it in FIFO order and blocks until
the lock is granted (or --timeout expires).

The reason is recorded in the lock state and shown to anyone who gets queued
behind this acquisition, so make it say what work is being done.`,
	Args: cobra.ExactArgs(1),
	RunE: runAcquire,
}

func init() {
	acquireCmd.Flags().StringP("reason", "r", "", "single-line description of the work being done (required)")
	acquireCmd.Flags().String("command", "manual", "name of the operation requesting the lock")
	acquireCmd.Flags().Duration("timeout", 0, "maximum time to wait for the lock (0 waits forever)")
	_ = acquireCmd.MarkFlagRequired("reason")

	rootCmd.AddCommand(acquireCmd)
}

func runAcquire(cmd *cobra.Command, args []string) error {
	target := args[0]
	reason, _ := cmd.Flags().GetString("reason")
	command, _ := cmd.Flags().GetString("command")

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if !cmd.Flags().Changed("timeout") {
		timeout = viper.GetDuration("lock.acquire_timeout")
	}

	mgr, cleanup, err := newManager()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	acq, err := mgr.Acquire(ctx, target, reason, command)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("timed out after %s waiting for lock on %s", timeout, target)
		}
		return err
	}

	if acq.BlockedBy != nil {
		blocked := fmt.Sprintf("Waited %s behind %q",
			util.FormatDuration(acq.BlockedBy.Waited),
			util.TruncateString(acq.BlockedBy.Reason, 60),
		)
		if acq.BlockedBy.LockedAt != nil {
			blocked += dimStyle.Render(fmt.Sprintf(" (held since %s)",
				acq.BlockedBy.LockedAt.Format(time.RFC3339)))
		}
		fmt.Println(warnStyle.Render(blocked))
	}

	fmt.Println(acq.StatusText)
	return nil
}
