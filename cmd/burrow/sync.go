package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/burrowkit/burrow/pkg/reconciler"
	"github.com/burrowkit/burrow/pkg/types"
)

// reconcilerReport adapts a verify report for CLI output
type reconcilerReport struct {
	*reconciler.Report
}

func (r *reconcilerReport) print() {
	if r.Clean() {
		fmt.Println("git and index are consistent")
		return
	}
	for _, ns := range types.Namespaces {
		diff := r.ByNamespace[ns]
		if diff == nil || (diff.InGitNotIndex == 0 && diff.InIndexNotGit == 0 && diff.HashMismatch == 0) {
			continue
		}
		fmt.Printf("%-14s git-only=%d index-only=%d mismatch=%d\n",
			ns, diff.InGitNotIndex, diff.InIndexNotGit, diff.HashMismatch)
	}
}

var syncCmd = &cobra.Command{
	Use:   "sync [incremental|full|verify]",
	Short: "Reconcile the index against git notes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		mode := "incremental"
		if len(args) == 1 {
			mode = args[0]
		}

		switch mode {
		case "incremental":
			if err := e.sync.Incremental(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("incremental sync complete")

		case "full":
			if _, err := e.sync.FullReindex(cmd.Context()); err != nil {
				return err
			}
			// The reindex swapped the live index file; the old handle in
			// engines is already closed.
			e.idx = e.sync.Index()
			fmt.Println("full reindex complete")

		case "verify":
			repair, _ := cmd.Flags().GetBool("repair")
			var report *reconcilerReport
			if repair {
				r, err := e.sync.VerifyAndRepair(cmd.Context())
				if err != nil {
					return err
				}
				report = &reconcilerReport{r}
			} else {
				r, err := e.sync.VerifyConsistency(cmd.Context())
				if err != nil {
					return err
				}
				report = &reconcilerReport{r}
			}
			report.print()

		default:
			return &types.ValidationError{Field: "mode", Reason: "must be incremental, full or verify"}
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		stats, err := e.idx.Stats()
		if err != nil {
			return err
		}

		fmt.Printf("memories: %d  index: %s (%d bytes)\n", stats.Total, e.cfg.IndexPath(), stats.SizeBytes)
		if !stats.LastCapture.IsZero() {
			fmt.Printf("last capture: %s\n", stats.LastCapture.Format("2006-01-02 15:04:05"))
		}
		for _, ns := range types.Namespaces {
			if n := stats.ByNamespace[string(ns)]; n > 0 {
				fmt.Printf("  %-14s %d\n", ns, n)
			}
		}
		if len(stats.BySpec) > 0 {
			fmt.Println("by spec:")
			for spec, n := range stats.BySpec {
				fmt.Printf("  %-14s %d\n", spec, n)
			}
		}

		pending, err := e.hints.ListHints()
		if err == nil && len(pending) > 0 {
			fmt.Printf("pending repair hints: %d (run burrow sync)\n", len(pending))
		}
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove tombstones past the GC horizon",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		removed, err := e.lifecycle.GC(cmd.Context(), dryRun)
		if err != nil {
			return err
		}
		if dryRun {
			fmt.Printf("would remove %d tombstoned memories\n", removed)
		} else {
			fmt.Printf("removed %d tombstoned memories\n", removed)
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Apply lifecycle decay transitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		result, err := e.lifecycle.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(result)
		return nil
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Mine recurring patterns from recent memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		window, _ := cmd.Flags().GetInt("window")
		emit, _ := cmd.Flags().GetBool("emit")

		patterns, err := e.pattern.Mine(cmd.Context(), window)
		if err != nil {
			return err
		}
		for _, p := range patterns {
			fmt.Printf("%.2f  [%s/%s]  %s  (%d memories)\n",
				p.Confidence, p.PatternType, p.PatternStat, p.Summary, len(p.Evidence))
		}
		if emit {
			ids, err := e.pattern.Emit(cmd.Context(), patterns)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Printf("captured %s\n", id)
			}
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("repair", false, "Repair drift found by verify")
	gcCmd.Flags().Bool("dry-run", false, "Report what would be removed without removing")
	patternsCmd.Flags().Int("window", 30, "Mining window in days")
	patternsCmd.Flags().Bool("emit", false, "Capture mined patterns into the patterns namespace")
}
