package capture

import (
	"context"
	"fmt"
	"strings"

	"github.com/burrowkit/burrow/pkg/index"
	"github.com/burrowkit/burrow/pkg/types"
)

// section builds one markdown section of a composed body
func section(heading, content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	return fmt.Sprintf("## %s\n\n%s\n", heading, strings.TrimSpace(content))
}

func composeBody(sections ...string) string {
	var parts []string
	for _, s := range sections {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// CaptureDecision records a decision with context, rationale and impact
func (e *Engine) CaptureDecision(ctx context.Context, summary, context_, rationale, impact, spec string, tags []string) (*Result, error) {
	return e.Capture(ctx, Request{
		Namespace: types.NamespaceDecisions,
		Summary:   summary,
		Body: composeBody(
			section("Context", context_),
			section("Rationale", rationale),
			section("Impact", impact),
		),
		Spec: spec,
		Tags: tags,
	})
}

// CaptureBlocker records an active blocker
func (e *Engine) CaptureBlocker(ctx context.Context, summary, detail, spec string, tags []string) (*Result, error) {
	return e.Capture(ctx, Request{
		Namespace: types.NamespaceBlockers,
		Summary:   summary,
		Body:      composeBody(section("Blocker", detail)),
		Spec:      spec,
		Tags:      tags,
		Status:    types.StatusActive,
	})
}

// ResolveBlocker transitions a blocker to resolved and appends a resolution
// block to the same note referencing it.
func (e *Engine) ResolveBlocker(ctx context.Context, blockerID, resolution string) (*Result, error) {
	ns, commitSHA, _, err := types.ParseID(blockerID)
	if err != nil {
		return &Result{Err: &types.ValidationError{Field: "id", Reason: err.Error()}},
			&types.ValidationError{Field: "id", Reason: err.Error()}
	}
	if ns != types.NamespaceBlockers {
		verr := &types.ValidationError{Field: "id", Reason: "not a blocker id"}
		return &Result{Err: verr}, verr
	}

	blocker, err := e.idx.Get(blockerID)
	if err != nil {
		return &Result{Err: err}, err
	}

	resolved := types.StatusResolved
	if err := e.idx.Update(blockerID, index.Patch{Status: &resolved}); err != nil {
		return &Result{Err: err}, err
	}

	return e.Capture(ctx, Request{
		Namespace: types.NamespaceBlockers,
		Summary:   "Resolved: " + blocker.Summary,
		Body:      composeBody(section("Resolution", resolution)),
		Spec:      blocker.Spec,
		CommitRef: commitSHA,
		RelatesTo: []string{blockerID},
		Status:    types.StatusResolved,
	})
}

// CaptureLearning records a learning
func (e *Engine) CaptureLearning(ctx context.Context, summary, detail, spec string, tags []string) (*Result, error) {
	return e.Capture(ctx, Request{
		Namespace: types.NamespaceLearnings,
		Summary:   summary,
		Body:      composeBody(section("Learning", detail)),
		Spec:      spec,
		Tags:      tags,
	})
}

// CaptureProgress records a progress update with an optional phase tag
func (e *Engine) CaptureProgress(ctx context.Context, summary, detail, spec, phase string) (*Result, error) {
	return e.Capture(ctx, Request{
		Namespace: types.NamespaceProgress,
		Summary:   summary,
		Body:      composeBody(section("Progress", detail)),
		Spec:      spec,
		Phase:     phase,
	})
}

// CaptureRetrospective records a retrospective with what went well and what
// did not.
func (e *Engine) CaptureRetrospective(ctx context.Context, summary, wentWell, wentPoorly, actions, spec string) (*Result, error) {
	return e.Capture(ctx, Request{
		Namespace: types.NamespaceRetrospective,
		Summary:   summary,
		Body: composeBody(
			section("Went Well", wentWell),
			section("Went Poorly", wentPoorly),
			section("Actions", actions),
		),
		Spec: spec,
	})
}

// CapturePattern records a derived pattern memory with its evidence
func (e *Engine) CapturePattern(ctx context.Context, summary, detail string, patternType types.PatternType, confidence float64, status types.PatternStatus, evidence []string) (*Result, error) {
	return e.Capture(ctx, Request{
		Namespace: types.NamespacePatterns,
		Summary:   summary,
		Body: composeBody(
			section("Pattern", detail),
			section("Confidence", fmt.Sprintf("%.2f", confidence)),
			section("Evidence", strings.Join(evidence, "\n")),
		),
		Tags:      []string{"pattern:" + string(patternType), "pattern-status:" + string(status)},
		RelatesTo: evidence,
	})
}

// CaptureReview records a review note
func (e *Engine) CaptureReview(ctx context.Context, summary, findings, spec string, tags []string) (*Result, error) {
	return e.Capture(ctx, Request{
		Namespace: types.NamespaceReviews,
		Summary:   summary,
		Body:      composeBody(section("Findings", findings)),
		Spec:      spec,
		Tags:      tags,
	})
}
