package gitstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/burrowkit/burrow/pkg/types"
)

const (
	// DefaultMaxFileBytes caps one file snapshot read
	DefaultMaxFileBytes = 102400
	// DefaultMaxBatchFiles caps the file count per batch call
	DefaultMaxBatchFiles = 20
)

// FileAt reads one file snapshot from a commit, capped at maxBytes.
// A missing path yields NotFoundError; an oversized blob is skipped with
// NotFoundError rather than partially read.
func (s *Store) FileAt(ctx context.Context, sha, path string, maxBytes int) ([]byte, error) {
	if err := ValidateSHA(sha); err != nil {
		return nil, err
	}
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}

	files, err := s.BatchFileAt(ctx, sha, []string{path}, maxBytes, 1)
	if err != nil {
		return nil, err
	}
	data, ok := files[path]
	if !ok {
		return nil, &types.NotFoundError{What: "file", Key: fmt.Sprintf("%s:%s", sha, path)}
	}
	return data, nil
}

// BatchFileAt reads multiple file snapshots from a commit using the
// streaming cat-file --batch protocol, amortizing per-object process
// overhead. Total bytes and file count are bounded; paths that are missing
// or over the per-file cap are absent from the result.
func (s *Store) BatchFileAt(ctx context.Context, sha string, paths []string, maxFileBytes, maxFiles int) (map[string][]byte, error) {
	if err := ValidateSHA(sha); err != nil {
		return nil, err
	}
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	if maxFiles <= 0 {
		maxFiles = DefaultMaxBatchFiles
	}
	if len(paths) > maxFiles {
		paths = paths[:maxFiles]
	}

	valid := make([]string, 0, len(paths))
	for _, p := range paths {
		if err := ValidatePath(p); err != nil {
			return nil, err
		}
		valid = append(valid, p)
	}
	if len(valid) == 0 {
		return map[string][]byte{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "cat-file", "--batch")
	cmd.Dir = s.repoPath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &types.StorageError{Kind: types.StorageExec, Op: "cat-file --batch", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &types.StorageError{Kind: types.StorageExec, Op: "cat-file --batch", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &types.StorageError{Kind: types.StorageExec, Op: "cat-file --batch", Err: err}
	}

	go func() {
		defer stdin.Close()
		for _, p := range valid {
			fmt.Fprintf(stdin, "%s:%s\n", sha, p)
		}
	}()

	files := make(map[string][]byte)
	totalBudget := int64(maxFileBytes) * int64(maxFiles)
	var totalRead int64

	reader := bufio.NewReader(stdout)
	for _, p := range valid {
		headerLine, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		fields := strings.Fields(strings.TrimSpace(headerLine))

		// "<sha> missing" or "<object> <type> <size>"
		if len(fields) == 2 && fields[1] == "missing" {
			continue
		}
		if len(fields) != 3 {
			continue
		}
		size, err := parseIntField(fields[2])
		if err != nil {
			continue
		}

		// Object payload is followed by a single LF regardless of whether
		// we keep it, so oversize blobs must still be drained.
		keep := fields[1] == "blob" &&
			size <= int64(maxFileBytes) &&
			totalRead+size <= totalBudget

		if keep {
			data := make([]byte, size)
			if _, err := io.ReadFull(reader, data); err != nil {
				break
			}
			files[p] = data
			totalRead += size
		} else {
			if _, err := io.CopyN(io.Discard, reader, size); err != nil {
				break
			}
		}
		if _, err := reader.Discard(1); err != nil {
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &types.StorageError{Kind: types.StorageTimeout, Op: "cat-file --batch", Err: ctx.Err()}
		}
		// Exit after all requested objects were answered is not a failure.
		if len(files) == 0 {
			return nil, &types.StorageError{Kind: types.StorageExec, Op: "cat-file --batch", Err: err}
		}
	}

	return files, nil
}
