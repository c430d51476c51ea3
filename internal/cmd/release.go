package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"buildlock/internal/util"
)

var releaseCmd = &cobra.Command{
	Use:   "release <project-path>",
	Short: "Release the lock held on a project",
	Long: `Release the lock currently held on a project path and promote the
next queued waiter, if any. Releasing a project that holds no lock is not an
error.`,
	Args: cobra.ExactArgs(1),
	RunE: runRelease,
}

func init() {
	rootCmd.AddCommand(releaseCmd)
}

func runRelease(cmd *cobra.Command, args []string) error {
	target := args[0]

	mgr, cleanup, err := newManager()
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := mgr.Release(target)
	if err != nil {
		return err
	}

	if !res.Released {
		fmt.Printf("No lock held on %s\n", pathStyle.Render(target))
		return nil
	}

	fmt.Printf("%s %s\n", okStyle.Render("Released lock on"), pathStyle.Render(target))
	fmt.Printf("  Was held for: %s\n", util.TruncateString(res.Info.Reason, 60))
	switch res.Remaining {
	case 0:
		fmt.Println(dimStyle.Render("  No waiters queued; the project is now unlocked."))
	case 1:
		fmt.Println("  1 waiter can proceed now.")
	default:
		fmt.Printf("  Next of %d waiters can proceed now.\n", res.Remaining)
	}
	return nil
}
