package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"buildlock/internal/util"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List all currently held locks",
	Long: `List the current holder of every active lock in the lock directory:
project path, reason, requesting command, hold time, and queue depth.`,
	RunE: runLocks,
}

var releaseAllCmd = &cobra.Command{
	Use:   "release-all",
	Short: "Force-release every lock (emergency recovery)",
	Long: `Delete every lock state file and mutex sentinel in the lock
directory, regardless of queue contents. Queued waiters are abandoned. Use
this only to recover after a stuck or crashed process.`,
	RunE: runReleaseAll,
}

func init() {
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(releaseAllCmd)
}

func runLocks(cmd *cobra.Command, args []string) error {
	mgr, cleanup, err := newManager()
	if err != nil {
		return err
	}
	defer cleanup()

	holders, err := mgr.List()
	if err != nil {
		return err
	}

	if len(holders) == 0 {
		fmt.Println(dimStyle.Render("No locks held."))
		return nil
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("%d active lock(s) in %s", len(holders), mgr.Dir())))
	for _, h := range holders {
		fmt.Printf("%s\n", pathStyle.Render(h.Path))
		fmt.Printf("  Reason:   %s\n", util.TruncateString(h.Entry.Reason, 70))
		fmt.Printf("  Command:  %s\n", h.Entry.Command)
		if h.Entry.LockedAt != nil {
			fmt.Printf("  Held for: %s\n", util.FormatDuration(time.Since(*h.Entry.LockedAt)))
		}
		if h.QueueDepth > 1 {
			fmt.Println(warnStyle.Render(fmt.Sprintf("  Waiting:  %d", h.QueueDepth-1)))
		}
		fmt.Printf("  %s\n", dimStyle.Render("Lock ID: "+h.Entry.ID))
	}
	return nil
}

func runReleaseAll(cmd *cobra.Command, args []string) error {
	mgr, cleanup, err := newManager()
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := mgr.ForceReleaseAll()
	if err != nil {
		return err
	}

	if res.Count == 0 {
		fmt.Println(dimStyle.Render("No locks to release."))
		return nil
	}

	fmt.Println(warnStyle.Render(fmt.Sprintf("Force-released %d lock(s):", res.Count)))
	for _, h := range res.Details {
		fmt.Printf("  %s %s\n", pathStyle.Render(h.Path),
			dimStyle.Render("("+util.TruncateString(h.Entry.Reason, 50)+")"))
	}
	return nil
}
