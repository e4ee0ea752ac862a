package gitstore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowkit/burrow/pkg/log"
	"github.com/burrowkit/burrow/pkg/types"
)

// DefaultPrefix is the root under refs/notes/ when none is configured
const DefaultPrefix = "mem"

var (
	shaPattern       = regexp.MustCompile(`^[0-9a-f]{4,64}$`)
	namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	refPattern       = regexp.MustCompile(`^[A-Za-z0-9_./~^-]+$`)
)

// Store is a sanitizing facade over git note operations for one repository.
// All invocations use argument vectors (no shell) and carry a wall-clock
// timeout surfaced as StorageError{Kind: Timeout}.
type Store struct {
	repoPath string
	prefix   string
	timeout  time.Duration
	logger   zerolog.Logger
}

// Option tunes a Store
type Option func(*Store)

// WithPrefix overrides the refs/notes/<prefix> root
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTimeout overrides the per-invocation wall-clock timeout
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// DiscoverRepo resolves the canonical top-level path of the repository
// containing dir.
func DiscoverRepo(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &types.StorageError{
			Kind:   types.StorageNotAGitRepo,
			Op:     "discover-repo",
			Err:    err,
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// NewStore creates a note store rooted at repoPath
func NewStore(repoPath string, opts ...Option) *Store {
	s := &Store{
		repoPath: repoPath,
		prefix:   DefaultPrefix,
		timeout:  30 * time.Second,
		logger:   log.WithComponent("gitstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RepoPath returns the repository this store operates on
func (s *Store) RepoPath() string { return s.repoPath }

// noteRef builds refs/notes/<prefix>/<namespace> after validating the namespace
func (s *Store) noteRef(ns types.Namespace) (string, error) {
	if err := ValidateNamespace(ns); err != nil {
		return "", err
	}
	return fmt.Sprintf("refs/notes/%s/%s", s.prefix, ns), nil
}

// ValidateSHA enforces 4-64 lower-case hex
func ValidateSHA(sha string) error {
	if !shaPattern.MatchString(sha) {
		return &types.StorageError{
			Kind: types.StorageRefInvalid,
			Op:   "validate-sha",
			Err:  fmt.Errorf("commit sha %q is not 4-64 lower-case hex", sha),
		}
	}
	return nil
}

// ValidateNamespace enforces the charset and the closed set
func ValidateNamespace(ns types.Namespace) error {
	if !namespacePattern.MatchString(string(ns)) || !ns.Valid() {
		return &types.StorageError{
			Kind: types.StorageRefInvalid,
			Op:   "validate-namespace",
			Err:  fmt.Errorf("invalid namespace %q", ns),
		}
	}
	return nil
}

// ValidateRef sanitizes a user-provided revision spec. Plain shas and
// branch-like names pass; anything carrying '@', ':', traversal or option
// injection is rejected.
func ValidateRef(ref string) error {
	bad := ref == "" ||
		strings.HasPrefix(ref, "-") ||
		strings.Contains(ref, "@") ||
		strings.Contains(ref, ":") ||
		strings.Contains(ref, "..") ||
		strings.ContainsRune(ref, '\x00') ||
		!refPattern.MatchString(ref)
	if bad {
		return &types.StorageError{
			Kind: types.StorageRefInvalid,
			Op:   "validate-ref",
			Err:  fmt.Errorf("unsafe ref %q", ref),
		}
	}
	return nil
}

// ValidatePath sanitizes a repository-relative file path
func ValidatePath(path string) error {
	bad := path == "" ||
		strings.HasPrefix(path, "/") ||
		strings.ContainsRune(path, '\x00') ||
		strings.Contains(path, "@") ||
		strings.Contains(path, ":")
	if !bad {
		for _, part := range strings.Split(path, "/") {
			if part == ".." {
				bad = true
				break
			}
		}
	}
	if bad {
		return &types.StorageError{
			Kind: types.StorageRefInvalid,
			Op:   "validate-path",
			Err:  fmt.Errorf("unsafe path %q", path),
		}
	}
	return nil
}

// run executes git with the given argument vector inside the repository,
// feeding stdin when non-nil.
func (s *Store) run(ctx context.Context, stdin io.Reader, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.repoPath
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", "", &types.StorageError{
				Kind: types.StorageTimeout,
				Op:   "git " + args[0],
				Err:  ctx.Err(),
			}
		}
		if strings.Contains(strings.ToLower(stderr.String()), "not a git repository") {
			return "", "", &types.StorageError{
				Kind:   types.StorageNotAGitRepo,
				Op:     "git " + args[0],
				Err:    err,
				Stderr: strings.TrimSpace(stderr.String()),
			}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), &types.StorageError{
				Kind:   types.StorageExec,
				Op:     fmt.Sprintf("git %s (exit %d)", args[0], exitErr.ExitCode()),
				Err:    err,
				Stderr: strings.TrimSpace(stderr.String()),
			}
		}
		return "", "", &types.StorageError{
			Kind:   types.StorageExec,
			Op:     "git " + args[0],
			Err:    err,
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}
	return strings.TrimRight(stdout.String(), "\n"), strings.TrimSpace(stderr.String()), nil
}

// ResolveCommit resolves a ref to a full commit sha. HEAD is the default
// target when ref is empty.
func (s *Store) ResolveCommit(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	if err := ValidateRef(ref); err != nil {
		return "", err
	}
	out, _, err := s.run(ctx, nil, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		var se *types.StorageError
		if errors.As(err, &se) && se.Kind == types.StorageExec {
			return "", &types.NotFoundError{What: "commit", Key: ref}
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Read returns the raw note text for (commit, namespace), or NotFoundError
// when no note exists.
func (s *Store) Read(ctx context.Context, commitSHA string, ns types.Namespace) (string, error) {
	if err := ValidateSHA(commitSHA); err != nil {
		return "", err
	}
	ref, err := s.noteRef(ns)
	if err != nil {
		return "", err
	}

	out, _, err := s.run(ctx, nil, "notes", "--ref", ref, "show", commitSHA)
	if err != nil {
		var se *types.StorageError
		if errors.As(err, &se) && se.Kind == types.StorageExec &&
			(strings.Contains(strings.ToLower(se.Stderr), "no note found") ||
				strings.Contains(strings.ToLower(se.Stderr), "no notes found")) {
			return "", &types.NotFoundError{What: "note", Key: commitSHA}
		}
		return "", err
	}
	return out, nil
}

// Append concatenates a block onto the note for (commit, namespace),
// separated by a single blank line. The write goes through stdin so block
// size never hits argv limits. Git history is never rewritten.
func (s *Store) Append(ctx context.Context, commitSHA, blockText string, ns types.Namespace) error {
	if err := ValidateSHA(commitSHA); err != nil {
		return err
	}
	ref, err := s.noteRef(ns)
	if err != nil {
		return err
	}

	current, err := s.Read(ctx, commitSHA, ns)
	if err != nil && !types.IsNotFound(err) {
		return err
	}

	var note string
	if current == "" {
		note = blockText
	} else {
		note = strings.TrimRight(current, "\n") + "\n\n" + blockText
	}

	_, _, err = s.run(ctx, strings.NewReader(note), "notes", "--ref", ref, "add", "-f", "-F", "-", commitSHA)
	if err != nil {
		return err
	}
	s.logger.Debug().Str("commit", commitSHA).Str("namespace", string(ns)).Msg("note appended")
	return nil
}

// Write replaces the whole note for (commit, namespace). Used by lifecycle
// transitions that edit block headers in place; the notes ref advances with
// a new commit, history is never rewritten.
func (s *Store) Write(ctx context.Context, commitSHA, noteText string, ns types.Namespace) error {
	if err := ValidateSHA(commitSHA); err != nil {
		return err
	}
	ref, err := s.noteRef(ns)
	if err != nil {
		return err
	}
	_, _, err = s.run(ctx, strings.NewReader(noteText), "notes", "--ref", ref, "add", "-f", "-F", "-", commitSHA)
	return err
}

// NoteRef is one (commit, note blob) pair from a namespace listing
type NoteRef struct {
	CommitSHA   string
	NoteBlobSHA string
}

// List enumerates every note in a namespace. A missing notes ref yields an
// empty listing, not an error.
func (s *Store) List(ctx context.Context, ns types.Namespace) ([]NoteRef, error) {
	ref, err := s.noteRef(ns)
	if err != nil {
		return nil, err
	}

	out, _, err := s.run(ctx, nil, "notes", "--ref", ref, "list")
	if err != nil {
		var se *types.StorageError
		if errors.As(err, &se) && se.Kind == types.StorageExec {
			return nil, nil // ref does not exist yet
		}
		return nil, err
	}

	var refs []NoteRef
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 {
			refs = append(refs, NoteRef{NoteBlobSHA: fields[0], CommitSHA: fields[1]})
		}
	}
	return refs, scanner.Err()
}

// Remove deletes the note for (commit, namespace)
func (s *Store) Remove(ctx context.Context, commitSHA string, ns types.Namespace) error {
	if err := ValidateSHA(commitSHA); err != nil {
		return err
	}
	ref, err := s.noteRef(ns)
	if err != nil {
		return err
	}
	_, _, err = s.run(ctx, nil, "notes", "--ref", ref, "remove", commitSHA)
	if err != nil {
		var se *types.StorageError
		if errors.As(err, &se) && se.Kind == types.StorageExec {
			return &types.NotFoundError{What: "note", Key: commitSHA}
		}
		return err
	}
	return nil
}

// CommitInfo loads author, timestamp, subject and changed paths for a commit
func (s *Store) CommitInfo(ctx context.Context, sha string) (*types.CommitInfo, error) {
	if err := ValidateSHA(sha); err != nil {
		return nil, err
	}

	out, _, err := s.run(ctx, nil, "show", "-s", "--format=%H%x00%an%x00%aI%x00%s", sha)
	if err != nil {
		var se *types.StorageError
		if errors.As(err, &se) && se.Kind == types.StorageExec {
			return nil, &types.NotFoundError{What: "commit", Key: sha}
		}
		return nil, err
	}

	fields := strings.SplitN(strings.TrimSpace(out), "\x00", 4)
	if len(fields) != 4 {
		return nil, &types.StorageError{
			Kind: types.StorageExec,
			Op:   "commit-info",
			Err:  fmt.Errorf("unexpected git show output: %q", out),
		}
	}

	authorTime, err := time.Parse(time.RFC3339, fields[2])
	if err != nil {
		return nil, &types.StorageError{
			Kind: types.StorageExec,
			Op:   "commit-info",
			Err:  fmt.Errorf("bad author time %q: %w", fields[2], err),
		}
	}

	changed, _, err := s.run(ctx, nil, "diff-tree", "--no-commit-id", "--name-only", "-r", "--root", sha)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(changed, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}

	return &types.CommitInfo{
		SHA:          fields[0],
		Author:       fields[1],
		AuthorTime:   authorTime,
		Subject:      fields[3],
		ChangedPaths: paths,
	}, nil
}

// EnsureSyncConfig adds fetch and push refspecs so notes travel with code
func (s *Store) EnsureSyncConfig(ctx context.Context) error {
	refspec := fmt.Sprintf("+refs/notes/%s/*:refs/notes/%s/*", s.prefix, s.prefix)

	for _, key := range []string{"remote.origin.fetch", "remote.origin.push"} {
		existing, _, err := s.run(ctx, nil, "config", "--get-all", key)
		if err != nil {
			var se *types.StorageError
			if !errors.As(err, &se) || se.Kind != types.StorageExec {
				return err
			}
			existing = "" // key unset
		}
		if containsLine(existing, refspec) {
			continue
		}
		if _, _, err := s.run(ctx, nil, "config", "--add", key, refspec); err != nil {
			return err
		}
	}
	return nil
}

func containsLine(text, want string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}

func parseIntField(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
