package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrowkit/burrow/pkg/capture"
	"github.com/burrowkit/burrow/pkg/types"
)

var captureCmd = &cobra.Command{
	Use:   "capture <namespace> <summary>",
	Short: "Capture a memory on a commit",
	Long: `Capture attaches a structured memory to a commit (HEAD by default)
under refs/notes/<prefix>/<namespace> and indexes it for recall.

The body is read from --body, or from stdin when --body is "-".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		body, _ := cmd.Flags().GetString("body")
		if body == "-" {
			data, rerr := io.ReadAll(os.Stdin)
			if rerr != nil {
				return rerr
			}
			body = string(data)
		}

		spec, _ := cmd.Flags().GetString("spec")
		phase, _ := cmd.Flags().GetString("phase")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		commitRef, _ := cmd.Flags().GetString("commit")
		relates, _ := cmd.Flags().GetStringSlice("relates-to")

		res, err := e.capture.Capture(cmd.Context(), capture.Request{
			Namespace: types.Namespace(args[0]),
			Summary:   args[1],
			Body:      body,
			Spec:      spec,
			Phase:     phase,
			Tags:      tags,
			CommitRef: commitRef,
			RelatesTo: relates,
		})
		if err != nil {
			return err
		}
		printCaptureResult(res)
		return nil
	},
}

func printCaptureResult(res *capture.Result) {
	fmt.Printf("captured %s\n", res.ID)
	if !res.Indexed {
		fmt.Println("note durable in git; index will catch up on next sync")
	}
	if res.Warning != "" {
		fmt.Printf("warning: %s\n", res.Warning)
	}
}

var captureDecisionCmd = &cobra.Command{
	Use:   "decision <summary>",
	Short: "Capture a decision with context, rationale and impact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		context_, _ := cmd.Flags().GetString("context")
		rationale, _ := cmd.Flags().GetString("rationale")
		impact, _ := cmd.Flags().GetString("impact")
		spec, _ := cmd.Flags().GetString("spec")
		tags, _ := cmd.Flags().GetStringSlice("tag")

		res, err := e.capture.CaptureDecision(cmd.Context(), args[0], context_, rationale, impact, spec, tags)
		if err != nil {
			return err
		}
		printCaptureResult(res)
		return nil
	},
}

var captureBlockerCmd = &cobra.Command{
	Use:   "blocker <summary>",
	Short: "Capture an active blocker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		detail, _ := cmd.Flags().GetString("detail")
		spec, _ := cmd.Flags().GetString("spec")
		tags, _ := cmd.Flags().GetStringSlice("tag")

		res, err := e.capture.CaptureBlocker(cmd.Context(), args[0], detail, spec, tags)
		if err != nil {
			return err
		}
		printCaptureResult(res)
		return nil
	},
}

var resolveBlockerCmd = &cobra.Command{
	Use:   "resolve <blocker-id> <resolution>",
	Short: "Resolve a blocker and record how",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		res, err := e.capture.ResolveBlocker(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		printCaptureResult(res)
		return nil
	},
}

var captureLearningCmd = &cobra.Command{
	Use:   "learning <summary>",
	Short: "Capture a learning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		detail, _ := cmd.Flags().GetString("detail")
		spec, _ := cmd.Flags().GetString("spec")
		tags, _ := cmd.Flags().GetStringSlice("tag")

		res, err := e.capture.CaptureLearning(cmd.Context(), args[0], detail, spec, tags)
		if err != nil {
			return err
		}
		printCaptureResult(res)
		return nil
	},
}

var captureProgressCmd = &cobra.Command{
	Use:   "progress <summary>",
	Short: "Capture a progress update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		detail, _ := cmd.Flags().GetString("detail")
		spec, _ := cmd.Flags().GetString("spec")
		phase, _ := cmd.Flags().GetString("phase")

		res, err := e.capture.CaptureProgress(cmd.Context(), args[0], detail, spec, phase)
		if err != nil {
			return err
		}
		printCaptureResult(res)
		return nil
	},
}

var captureRetroCmd = &cobra.Command{
	Use:   "retro <summary>",
	Short: "Capture a retrospective",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		wentWell, _ := cmd.Flags().GetString("went-well")
		wentPoorly, _ := cmd.Flags().GetString("went-poorly")
		actions, _ := cmd.Flags().GetString("actions")
		spec, _ := cmd.Flags().GetString("spec")

		res, err := e.capture.CaptureRetrospective(cmd.Context(), args[0], wentWell, wentPoorly, actions, spec)
		if err != nil {
			return err
		}
		printCaptureResult(res)
		return nil
	},
}

var captureReviewCmd = &cobra.Command{
	Use:   "review <summary>",
	Short: "Capture a review note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		findings, _ := cmd.Flags().GetString("findings")
		spec, _ := cmd.Flags().GetString("spec")
		tags, _ := cmd.Flags().GetStringSlice("tag")

		res, err := e.capture.CaptureReview(cmd.Context(), args[0], findings, spec, tags)
		if err != nil {
			return err
		}
		printCaptureResult(res)
		return nil
	},
}

func init() {
	captureCmd.Flags().String("body", "", "Markdown body (\"-\" reads stdin)")
	captureCmd.Flags().String("spec", "", "Project/topic slug")
	captureCmd.Flags().String("phase", "", "Phase tag")
	captureCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	captureCmd.Flags().String("commit", "", "Target commit (default HEAD)")
	captureCmd.Flags().StringSlice("relates-to", nil, "Related memory id (repeatable)")

	captureDecisionCmd.Flags().String("context", "", "Decision context")
	captureDecisionCmd.Flags().String("rationale", "", "Decision rationale")
	captureDecisionCmd.Flags().String("impact", "", "Decision impact")
	captureDecisionCmd.Flags().String("spec", "", "Project/topic slug")
	captureDecisionCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")

	captureBlockerCmd.Flags().String("detail", "", "Blocker detail")
	captureBlockerCmd.Flags().String("spec", "", "Project/topic slug")
	captureBlockerCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")

	captureLearningCmd.Flags().String("detail", "", "Learning detail")
	captureLearningCmd.Flags().String("spec", "", "Project/topic slug")
	captureLearningCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")

	captureProgressCmd.Flags().String("detail", "", "Progress detail")
	captureProgressCmd.Flags().String("spec", "", "Project/topic slug")
	captureProgressCmd.Flags().String("phase", "", "Phase tag")

	captureRetroCmd.Flags().String("went-well", "", "What went well")
	captureRetroCmd.Flags().String("went-poorly", "", "What went poorly")
	captureRetroCmd.Flags().String("actions", "", "Follow-up actions")
	captureRetroCmd.Flags().String("spec", "", "Project/topic slug")

	captureReviewCmd.Flags().String("findings", "", "Review findings")
	captureReviewCmd.Flags().String("spec", "", "Project/topic slug")
	captureReviewCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")

	captureCmd.AddCommand(captureDecisionCmd)
	captureCmd.AddCommand(captureBlockerCmd)
	captureCmd.AddCommand(resolveBlockerCmd)
	captureCmd.AddCommand(captureLearningCmd)
	captureCmd.AddCommand(captureProgressCmd)
	captureCmd.AddCommand(captureRetroCmd)
	captureCmd.AddCommand(captureReviewCmd)
}
