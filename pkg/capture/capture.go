package capture

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/burrowkit/burrow/pkg/config"
	"github.com/burrowkit/burrow/pkg/embedder"
	"github.com/burrowkit/burrow/pkg/gitstore"
	"github.com/burrowkit/burrow/pkg/hints"
	"github.com/burrowkit/burrow/pkg/index"
	"github.com/burrowkit/burrow/pkg/log"
	"github.com/burrowkit/burrow/pkg/metrics"
	"github.com/burrowkit/burrow/pkg/notecodec"
	"github.com/burrowkit/burrow/pkg/types"
)

const lockRetryDelay = 50 * time.Millisecond

// Warning values surfaced on a successful capture
const (
	WarnEmbeddingFailed = "embedding_failed"
	WarnIndexFailed     = "index_failed"
	WarnIndexedLater    = "indexed_later"
)

// Request is the input to a capture
type Request struct {
	Namespace types.Namespace
	Summary   string
	Body      string
	Spec      string
	Phase     string
	Tags      []string
	CommitRef string // default HEAD
	RelatesTo []string
	Status    types.Status // default active
}

// Result reports the outcome of a capture. Success with Indexed=false
// means the note is durable in git and the index will catch up via sync.
type Result struct {
	Success bool
	ID      string
	Indexed bool
	Warning string
	Err     error
}

// Engine orchestrates the capture protocol: validate, lock, append to git,
// embed best-effort, upsert the index, release. At most one capture runs
// per repo at a time; a successfully appended note is never lost, and a
// note that was not appended is never indexed.
type Engine struct {
	cfg    *config.Config
	codec  *notecodec.Codec
	git    *gitstore.Store
	embed  embedder.Provider
	idx    *index.Store
	hints  *hints.Store
	logger zerolog.Logger

	now func() time.Time
}

// NewEngine wires a capture engine for one repository
func NewEngine(cfg *config.Config, git *gitstore.Store, embed embedder.Provider, idx *index.Store, hintStore *hints.Store) *Engine {
	return &Engine{
		cfg:    cfg,
		codec:  notecodec.NewCodec(cfg.MaxSummaryChars, cfg.MaxContentBytes),
		git:    git,
		embed:  embed,
		idx:    idx,
		hints:  hintStore,
		logger: log.WithComponent("capture"),
		now:    time.Now,
	}
}

// repoKey derives the per-repo data subdirectory name
func repoKey(repoPath string) string {
	sum := sha1.Sum([]byte(repoPath))
	return hex.EncodeToString(sum[:])
}

// lockPath returns the advisory lock file location for this repo
func (e *Engine) lockPath() string {
	return filepath.Join(e.cfg.RepoDir(repoKey(e.git.RepoPath())), ".capture.lock")
}

// acquireLock takes the exclusive per-repo file lock, polling until the
// configured deadline. The lock file is refused when it is a symlink and
// is held at owner-only permissions.
func (e *Engine) acquireLock(ctx context.Context) (*flock.Flock, error) {
	path := e.lockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &types.CaptureError{Kind: types.CaptureLockTimeout, Err: fmt.Errorf("failed to create lock dir: %w", err)}
	}

	// Refuse symlinked lock files to prevent redirection.
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return nil, &types.CaptureError{
			Kind: types.CaptureInconsistent,
			Err:  fmt.Errorf("lock file %s is a symlink", path),
		}
	}

	timer := metrics.NewTimer()
	lockCtx, cancel := context.WithTimeout(ctx, e.cfg.CaptureLockTimeout)
	defer cancel()

	fl := flock.New(path)
	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	timer.ObserveDuration(metrics.LockWaitDuration)
	if err != nil || !locked {
		if err == nil {
			err = fmt.Errorf("lock not acquired before deadline")
		}
		return nil, &types.CaptureError{Kind: types.CaptureLockTimeout, Err: err}
	}

	os.Chmod(path, 0o600)
	return fl, nil
}

// Capture runs the full protocol and returns a Result. The returned error
// mirrors Result.Err for ergonomic call sites.
func (e *Engine) Capture(ctx context.Context, req Request) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CaptureDuration)

	res := e.capture(ctx, req)
	outcome := "ok"
	switch {
	case !res.Success:
		outcome = "error"
	case res.Warning != "":
		outcome = res.Warning
	}
	metrics.CapturesTotal.WithLabelValues(string(req.Namespace), outcome).Inc()
	return res, res.Err
}

func (e *Engine) capture(ctx context.Context, req Request) *Result {
	status := req.Status
	if status == "" {
		status = types.StatusActive
	}

	meta := notecodec.Meta{
		Namespace: req.Namespace,
		Timestamp: e.now().UTC(),
		Summary:   req.Summary,
		Spec:      req.Spec,
		Phase:     req.Phase,
		Tags:      req.Tags,
		Status:    status,
		RelatesTo: req.RelatesTo,
	}

	// Step 1: validate before any side effect.
	if err := e.codec.Validate(meta, req.Body); err != nil {
		return &Result{Err: err}
	}

	// Step 2: exclusive per-repo lock, released on every exit path.
	lock, err := e.acquireLock(ctx)
	if err != nil {
		return &Result{Err: err}
	}
	defer lock.Unlock()

	// Step 3: resolve and sanitize the target commit.
	commitSHA, err := e.git.ResolveCommit(ctx, req.CommitRef)
	if err != nil {
		return &Result{Err: err}
	}

	// Step 4: next ordinal = count of parseable blocks in the current note.
	ordinal, err := e.nextOrdinal(ctx, commitSHA, req.Namespace)
	if err != nil {
		return &Result{Err: err}
	}

	// Step 5: encode and append; a failure here leaves no trace anywhere.
	block, err := e.codec.Encode(meta, req.Body)
	if err != nil {
		return &Result{Err: err}
	}
	if err := e.git.Append(ctx, commitSHA, block, req.Namespace); err != nil {
		return &Result{Err: err}
	}

	// Step 6: the memory now exists; git is the source of truth from here.
	id := types.FormatID(req.Namespace, commitSHA, ordinal)
	mem := &types.Memory{
		ID:        id,
		CommitSHA: commitSHA,
		RepoPath:  e.git.RepoPath(),
		Namespace: req.Namespace,
		Summary:   req.Summary,
		Content:   req.Body,
		Timestamp: meta.Timestamp,
		Spec:      req.Spec,
		Phase:     req.Phase,
		Tags:      req.Tags,
		Status:    status,
		RelatesTo: req.RelatesTo,
	}

	// Step 7: embedding is best-effort.
	var warning string
	var embedding []float32
	vec, err := e.embed.Embed(ctx, req.Summary+"\n\n"+req.Body)
	if err != nil {
		metrics.EmbeddingFailuresTotal.Inc()
		e.logger.Warn().Err(err).Str("memory_id", id).Msg("embedding failed, memory will be scalar-only until sync")
		warning = WarnEmbeddingFailed
	} else {
		embedding = vec
	}

	// Step 8: index upsert; failure degrades to a repair hint.
	if err := e.idx.Upsert(mem, embedding); err != nil {
		e.logger.Error().Err(err).Str("memory_id", id).Msg("index upsert failed, leaving repair hint")
		hint := &hints.RepairHint{
			RepoPath:  mem.RepoPath,
			CommitSHA: commitSHA,
			Namespace: req.Namespace,
			MemoryID:  id,
		}
		if herr := e.hints.PutHint(hint); herr != nil {
			e.logger.Error().Err(herr).Msg("failed to persist repair hint")
		}
		return &Result{Success: true, ID: id, Indexed: false, Warning: WarnIndexFailed}
	}

	e.recordNoteRef(ctx, commitSHA, req.Namespace)

	e.logger.Info().Str("memory_id", id).Str("namespace", string(req.Namespace)).Msg("memory captured")
	return &Result{Success: true, ID: id, Indexed: true, Warning: warning}
}

// nextOrdinal counts the parseable blocks in the current note
func (e *Engine) nextOrdinal(ctx context.Context, commitSHA string, ns types.Namespace) (int, error) {
	current, err := e.git.Read(ctx, commitSHA, ns)
	if types.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	blocks, err := e.codec.Decode(current)
	if err != nil {
		return 0, err
	}
	return len(blocks), nil
}

// recordNoteRef remembers the note blob sha so incremental sync skips
// already-indexed notes. Best-effort; sync re-derives on mismatch.
func (e *Engine) recordNoteRef(ctx context.Context, commitSHA string, ns types.Namespace) {
	refs, err := e.git.List(ctx, ns)
	if err != nil {
		return
	}
	for _, ref := range refs {
		if ref.CommitSHA == commitSHA {
			e.idx.NoteRefPut(e.git.RepoPath(), commitSHA, ns, ref.NoteBlobSHA)
			return
		}
	}
}
