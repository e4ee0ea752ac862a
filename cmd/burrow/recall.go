package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/burrowkit/burrow/pkg/index"
	"github.com/burrowkit/burrow/pkg/types"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over captured memories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		limit, _ := cmd.Flags().GetInt("limit")
		filters := filtersFromFlags(cmd, e.git.RepoPath())

		results, err := e.recall.Search(cmd.Context(), strings.Join(args, " "), filters, limit, nil)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%.4f  %s  %s\n", r.Distance, r.ID, r.Summary)
		}
		if len(results) == 0 {
			fmt.Println("no memories found")
		}
		return nil
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <memory-id>",
	Short: "Hydrate one memory to the requested level",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		mem, err := e.idx.Get(args[0])
		if err != nil {
			return err
		}

		levelName, _ := cmd.Flags().GetString("level")
		var level types.HydrationLevel
		switch levelName {
		case "summary":
			level = types.HydrateSummary
		case "full":
			level = types.HydrateFull
		case "files":
			level = types.HydrateFiles
		default:
			return &types.ValidationError{Field: "level", Reason: "must be summary, full or files"}
		}

		hydrated, err := e.recall.Hydrate(cmd.Context(), mem, level)
		if err != nil {
			return err
		}

		fmt.Printf("%s  [%s/%s]  %s\n", hydrated.ID, hydrated.Namespace, hydrated.Status, hydrated.Summary)
		fmt.Printf("commit %s  %s\n", hydrated.CommitSHA, hydrated.Timestamp.Format("2006-01-02 15:04"))
		if hydrated.Body != "" {
			fmt.Printf("\n%s\n", hydrated.Body)
		}
		for path, data := range hydrated.Files {
			fmt.Printf("\n--- %s (%d bytes) ---\n%s\n", path, len(data), data)
		}
		for _, warning := range hydrated.Warnings {
			fmt.Printf("warning: %s\n", warning)
		}
		return nil
	},
}

var recallRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recent memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		limit, _ := cmd.Flags().GetInt("limit")
		ns, _ := cmd.Flags().GetString("namespace")

		mems, err := e.recall.Recent(limit, types.Namespace(ns))
		if err != nil {
			return err
		}
		for _, m := range mems {
			fmt.Printf("%s  %s  %s\n", m.Timestamp.Format("2006-01-02"), m.ID, m.Summary)
		}
		return nil
	},
}

var recallSimilarCmd = &cobra.Command{
	Use:   "similar <memory-id>",
	Short: "Find memories similar to an existing one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		k, _ := cmd.Flags().GetInt("limit")
		results, err := e.recall.Similar(cmd.Context(), args[0], k)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%.4f  %s  %s\n", r.Distance, r.ID, r.Summary)
		}
		return nil
	},
}

var recallContextCmd = &cobra.Command{
	Use:   "context <spec>",
	Short: "Show every memory for a spec grouped by namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		grouped, err := e.recall.Context(args[0])
		if err != nil {
			return err
		}
		for _, ns := range types.Namespaces {
			mems := grouped[ns]
			if len(mems) == 0 {
				continue
			}
			fmt.Printf("%s:\n", ns)
			for _, m := range mems {
				fmt.Printf("  %s  %s\n", m.ID, m.Summary)
			}
		}
		return nil
	},
}

var recallCommitCmd = &cobra.Command{
	Use:   "commit <sha>",
	Short: "List memories attached to a commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		mems, err := e.recall.ByCommit(args[0])
		if err != nil {
			return err
		}
		for _, m := range mems {
			fmt.Printf("%s  %s\n", m.ID, m.Summary)
		}
		return nil
	},
}

func filtersFromFlags(cmd *cobra.Command, repoPath string) *index.Filters {
	ns, _ := cmd.Flags().GetString("namespace")
	spec, _ := cmd.Flags().GetString("spec")
	status, _ := cmd.Flags().GetString("status")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	allRepos, _ := cmd.Flags().GetBool("all-repos")

	filters := &index.Filters{
		Namespace: types.Namespace(ns),
		Spec:      spec,
		Status:    types.Status(status),
		TagsAny:   tags,
	}
	if !allRepos {
		filters.RepoPath = repoPath
	}
	return filters
}

func init() {
	searchCmd.Flags().Int("limit", 10, "Maximum results")
	searchCmd.Flags().String("namespace", "", "Restrict to a namespace")
	searchCmd.Flags().String("spec", "", "Restrict to a spec slug")
	searchCmd.Flags().String("status", "", "Restrict to a lifecycle status")
	searchCmd.Flags().StringSlice("tag", nil, "Match any of these tags")
	searchCmd.Flags().Bool("all-repos", false, "Search across all indexed repositories")

	recallCmd.Flags().String("level", "full", "Hydration level: summary, full, files")

	recallRecentCmd.Flags().Int("limit", 10, "Maximum results")
	recallRecentCmd.Flags().String("namespace", "", "Restrict to a namespace")

	recallSimilarCmd.Flags().Int("limit", 5, "Maximum results")

	recallCmd.AddCommand(recallRecentCmd)
	recallCmd.AddCommand(recallSimilarCmd)
	recallCmd.AddCommand(recallContextCmd)
	recallCmd.AddCommand(recallCommitCmd)
}
