package recall

import (
	"context"
	"fmt"

	"github.com/burrowkit/burrow/pkg/notecodec"
	"github.com/burrowkit/burrow/pkg/types"
)

// Hydrate loads a memory to the requested level. SUMMARY returns metadata
// only; FULL adds the note body from git; FILES adds file snapshots from
// the attached commit under the configured caps. Hydration misses degrade
// to Warnings rather than aborting.
func (e *Engine) Hydrate(ctx context.Context, mem *types.Memory, level types.HydrationLevel) (*types.HydratedMemory, error) {
	hydrated := &types.HydratedMemory{Memory: *mem}
	if level < types.HydrateFull {
		return hydrated, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.SubprocessTimeout)
	defer cancel()

	_, commitSHA, ordinal, err := types.ParseID(mem.ID)
	if err != nil {
		return nil, &types.ValidationError{Field: "id", Reason: err.Error()}
	}

	note, err := e.git.Read(ctx, commitSHA, mem.Namespace)
	switch {
	case types.IsNotFound(err):
		hydrated.Warnings = append(hydrated.Warnings, "note missing from git")
	case err != nil:
		hydrated.Warnings = append(hydrated.Warnings, fmt.Sprintf("note read failed: %v", err))
	default:
		codec := notecodec.NewCodec(e.cfg.MaxSummaryChars, e.cfg.MaxContentBytes)
		blocks, derr := codec.Decode(note)
		if derr != nil {
			hydrated.Warnings = append(hydrated.Warnings, fmt.Sprintf("note unparseable: %v", derr))
		} else if ordinal >= len(blocks) {
			hydrated.Warnings = append(hydrated.Warnings, fmt.Sprintf("block %d missing from note", ordinal))
		} else {
			hydrated.Body = blocks[ordinal].Body
		}
	}

	if level < types.HydrateFiles {
		return hydrated, nil
	}

	info, err := e.git.CommitInfo(ctx, commitSHA)
	if err != nil {
		hydrated.Warnings = append(hydrated.Warnings, fmt.Sprintf("commit info unavailable: %v", err))
		return hydrated, nil
	}

	paths := info.ChangedPaths
	if len(paths) > e.cfg.MaxHydrationFiles {
		hydrated.Warnings = append(hydrated.Warnings,
			fmt.Sprintf("commit touches %d files, hydrating first %d", len(paths), e.cfg.MaxHydrationFiles))
		paths = paths[:e.cfg.MaxHydrationFiles]
	}

	files, err := e.git.BatchFileAt(ctx, commitSHA, paths, e.cfg.MaxFileBytes, e.cfg.MaxHydrationFiles)
	if err != nil {
		hydrated.Warnings = append(hydrated.Warnings, fmt.Sprintf("file snapshots unavailable: %v", err))
		return hydrated, nil
	}
	for _, p := range paths {
		if _, ok := files[p]; !ok {
			hydrated.Warnings = append(hydrated.Warnings, fmt.Sprintf("file %s skipped (missing or over cap)", p))
		}
	}
	hydrated.Files = files
	return hydrated, nil
}
