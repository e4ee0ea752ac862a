package gitstore

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowkit/burrow/pkg/types"
)

// gitCmd runs a git command in dir for test setup
func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// initTestRepo creates a repository with one commit and returns its store
// and HEAD sha.
func initTestRepo(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	gitCmd(t, dir, "init")
	gitCmd(t, dir, "config", "user.name", "Test User")
	gitCmd(t, dir, "config", "user.email", "test@example.com")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))
	gitCmd(t, dir, "add", "README.md")
	gitCmd(t, dir, "commit", "-m", "initial commit")

	store := NewStore(dir)
	sha, err := store.ResolveCommit(context.Background(), "")
	require.NoError(t, err)
	return store, sha
}

func TestAppendAndRead(t *testing.T) {
	store, sha := initTestRepo(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, sha, "first block\n", types.NamespaceDecisions))

	note, err := store.Read(ctx, sha, types.NamespaceDecisions)
	require.NoError(t, err)
	assert.Equal(t, "first block", note)
}

func TestAppendConcatenatesWithBlankLine(t *testing.T) {
	store, sha := initTestRepo(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, sha, "first block\n", types.NamespaceDecisions))
	require.NoError(t, store.Append(ctx, sha, "second block\n", types.NamespaceDecisions))

	note, err := store.Read(ctx, sha, types.NamespaceDecisions)
	require.NoError(t, err)
	assert.Equal(t, "first block\n\nsecond block", note)
}

func TestReadMissingNote(t *testing.T) {
	store, sha := initTestRepo(t)

	_, err := store.Read(context.Background(), sha, types.NamespaceDecisions)
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestNamespacesAreIsolated(t *testing.T) {
	store, sha := initTestRepo(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, sha, "a decision\n", types.NamespaceDecisions))
	require.NoError(t, store.Append(ctx, sha, "a blocker\n", types.NamespaceBlockers))

	decisions, err := store.Read(ctx, sha, types.NamespaceDecisions)
	require.NoError(t, err)
	blockers, err := store.Read(ctx, sha, types.NamespaceBlockers)
	require.NoError(t, err)
	assert.Equal(t, "a decision", decisions)
	assert.Equal(t, "a blocker", blockers)
}

func TestListAndRemove(t *testing.T) {
	store, sha := initTestRepo(t)
	ctx := context.Background()

	refs, err := store.List(ctx, types.NamespaceDecisions)
	require.NoError(t, err)
	assert.Empty(t, refs)

	require.NoError(t, store.Append(ctx, sha, "block\n", types.NamespaceDecisions))

	refs, err = store.List(ctx, types.NamespaceDecisions)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, sha, refs[0].CommitSHA)
	assert.NotEmpty(t, refs[0].NoteBlobSHA)

	require.NoError(t, store.Remove(ctx, sha, types.NamespaceDecisions))
	_, err = store.Read(ctx, sha, types.NamespaceDecisions)
	assert.True(t, types.IsNotFound(err))
}

func TestListBlobChangesOnAppend(t *testing.T) {
	store, sha := initTestRepo(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, sha, "one\n", types.NamespaceProgress))
	refs, err := store.List(ctx, types.NamespaceProgress)
	require.NoError(t, err)
	first := refs[0].NoteBlobSHA

	require.NoError(t, store.Append(ctx, sha, "two\n", types.NamespaceProgress))
	refs, err = store.List(ctx, types.NamespaceProgress)
	require.NoError(t, err)
	assert.NotEqual(t, first, refs[0].NoteBlobSHA)
}

func TestWriteReplacesNote(t *testing.T) {
	store, sha := initTestRepo(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, sha, "original\n", types.NamespaceLearnings))
	require.NoError(t, store.Write(ctx, sha, "rewritten\n", types.NamespaceLearnings))

	note, err := store.Read(ctx, sha, types.NamespaceLearnings)
	require.NoError(t, err)
	assert.Equal(t, "rewritten", note)
}

func TestCommitInfo(t *testing.T) {
	store, sha := initTestRepo(t)

	info, err := store.CommitInfo(context.Background(), sha)
	require.NoError(t, err)
	assert.Equal(t, sha, info.SHA)
	assert.Equal(t, "Test User", info.Author)
	assert.Equal(t, "initial commit", info.Subject)
	assert.False(t, info.AuthorTime.IsZero())
	assert.Equal(t, []string{"README.md"}, info.ChangedPaths)
}

func TestFileAt(t *testing.T) {
	store, sha := initTestRepo(t)
	ctx := context.Background()

	data, err := store.FileAt(ctx, sha, "README.md", 0)
	require.NoError(t, err)
	assert.Equal(t, "# test\n", string(data))

	_, err = store.FileAt(ctx, sha, "missing.txt", 0)
	assert.True(t, types.IsNotFound(err))
}

func TestBatchFileAt(t *testing.T) {
	store, _ := initTestRepo(t)
	dir := store.RepoPath()
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.txt"), []byte("small"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), []byte(strings.Repeat("x", 4096)), 0o644))
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "more files")
	sha, err := store.ResolveCommit(ctx, "")
	require.NoError(t, err)

	files, err := store.BatchFileAt(ctx, sha, []string{"small.txt", "big.txt", "absent.txt"}, 1024, 10)
	require.NoError(t, err)

	assert.Equal(t, "small", string(files["small.txt"]))
	_, hasBig := files["big.txt"]
	assert.False(t, hasBig, "over-cap file must be skipped")
	_, hasAbsent := files["absent.txt"]
	assert.False(t, hasAbsent)
}

func TestBatchFileAtHonorsFileCount(t *testing.T) {
	store, sha := initTestRepo(t)

	files, err := store.BatchFileAt(context.Background(), sha, []string{"README.md"}, 1024, 1)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestEnsureSyncConfig(t *testing.T) {
	store, _ := initTestRepo(t)
	dir := store.RepoPath()
	gitCmd(t, dir, "remote", "add", "origin", t.TempDir())

	ctx := context.Background()
	require.NoError(t, store.EnsureSyncConfig(ctx))
	// Second call must not duplicate the refspec.
	require.NoError(t, store.EnsureSyncConfig(ctx))

	fetch := gitCmd(t, dir, "config", "--get-all", "remote.origin.fetch")
	count := strings.Count(fetch, "+refs/notes/mem/*:refs/notes/mem/*")
	assert.Equal(t, 1, count)

	push := gitCmd(t, dir, "config", "--get-all", "remote.origin.push")
	assert.Contains(t, push, "+refs/notes/mem/*:refs/notes/mem/*")
}

func TestValidateSHA(t *testing.T) {
	valid := []string{"abcd", "abc123def456", strings.Repeat("a", 40), strings.Repeat("0", 64)}
	for _, sha := range valid {
		assert.NoError(t, ValidateSHA(sha), sha)
	}

	invalid := []string{"", "abc", "ABCDEF12", "xyz12345", "abcd-123", strings.Repeat("a", 65), "HEAD"}
	for _, sha := range invalid {
		assert.Error(t, ValidateSHA(sha), sha)
	}
}

func TestValidateRef(t *testing.T) {
	valid := []string{"HEAD", "main", "feature/thing", "HEAD~2", "v1.0.0", "abc123"}
	for _, ref := range valid {
		assert.NoError(t, ValidateRef(ref), ref)
	}

	invalid := []string{"", "-rf", "HEAD@{1}", "origin:main", "a..b", "ref with space", "a\x00b"}
	for _, ref := range invalid {
		assert.Error(t, ValidateRef(ref), ref)
	}
}

func TestValidatePath(t *testing.T) {
	valid := []string{"README.md", "src/main.go", "deep/nested/file.txt", "dotted..name"}
	for _, p := range valid {
		assert.NoError(t, ValidatePath(p), p)
	}

	invalid := []string{"", "/etc/passwd", "../secret", "a/../b", "file@host", "drive:path", "nul\x00byte"}
	for _, p := range invalid {
		assert.Error(t, ValidatePath(p), p)
	}
}

func TestValidateNamespaceClosedSet(t *testing.T) {
	assert.NoError(t, ValidateNamespace(types.NamespaceDecisions))
	assert.Error(t, ValidateNamespace(types.Namespace("journal")))
	assert.Error(t, ValidateNamespace(types.Namespace("de cisions")))
	assert.Error(t, ValidateNamespace(types.Namespace("")))
}

func TestAppendRejectsBadInputs(t *testing.T) {
	store, _ := initTestRepo(t)
	ctx := context.Background()

	err := store.Append(ctx, "not-hex!", "block\n", types.NamespaceDecisions)
	require.Error(t, err)
	var se *types.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, types.StorageRefInvalid, se.Kind)

	err = store.Append(ctx, strings.Repeat("a", 40), "block\n", types.Namespace("journal"))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, types.StorageRefInvalid, se.Kind)
}

func TestResolveCommitRejectsUnsafeRefs(t *testing.T) {
	store, _ := initTestRepo(t)
	ctx := context.Background()

	for _, ref := range []string{"-rf", "HEAD@{1}", "origin:main"} {
		_, err := store.ResolveCommit(ctx, ref)
		require.Error(t, err, ref)
		var se *types.StorageError
		require.ErrorAs(t, err, &se, ref)
		assert.Equal(t, types.StorageRefInvalid, se.Kind, ref)
	}
}

func TestDiscoverRepo(t *testing.T) {
	store, _ := initTestRepo(t)

	top, err := DiscoverRepo(context.Background(), store.RepoPath())
	require.NoError(t, err)
	// Paths may differ by symlink resolution (e.g. /tmp vs /private/tmp).
	assert.Equal(t, filepath.Base(store.RepoPath()), filepath.Base(top))

	_, err = DiscoverRepo(context.Background(), t.TempDir())
	require.Error(t, err)
	var se *types.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, types.StorageNotAGitRepo, se.Kind)
}
