package types

import (
	"errors"
	"fmt"
)

// StorageKind narrows a StorageError
type StorageKind string

const (
	StorageTimeout     StorageKind = "timeout"
	StorageNotAGitRepo StorageKind = "not_a_git_repo"
	StorageRefInvalid  StorageKind = "ref_invalid"
	StorageExec        StorageKind = "exec"
)

// IndexKind narrows an IndexError
type IndexKind string

const (
	IndexSchema     IndexKind = "schema"
	IndexMigration  IndexKind = "migration"
	IndexCorrupt    IndexKind = "corrupt"
	IndexConstraint IndexKind = "constraint"
	IndexTxn        IndexKind = "txn"
)

// EmbeddingKind narrows an EmbeddingError
type EmbeddingKind string

const (
	EmbeddingLoad      EmbeddingKind = "load"
	EmbeddingOOM       EmbeddingKind = "oom"
	EmbeddingInference EmbeddingKind = "inference"
)

// CaptureKind narrows a CaptureError
type CaptureKind string

const (
	CaptureLockTimeout  CaptureKind = "lock_timeout"
	CaptureInconsistent CaptureKind = "inconsistent"
)

// ValidationError is returned for caller-correctable input problems.
// It names the offending field and produces no side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// RecoveryAction describes how the caller can correct the failure
func (e *ValidationError) RecoveryAction() string {
	return fmt.Sprintf("fix the %s field and retry", e.Field)
}

// StorageError is returned for git, subprocess and filesystem failures
type StorageError struct {
	Kind    StorageKind
	Op      string
	Err     error
	Stderr  string
	Recover string
}

func (e *StorageError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("storage %s failed (%s): %v: %s", e.Op, e.Kind, e.Err, e.Stderr)
	}
	return fmt.Sprintf("storage %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) RecoveryAction() string {
	if e.Recover != "" {
		return e.Recover
	}
	switch e.Kind {
	case StorageTimeout:
		return "retry; raise subprocess_timeout (BURROW_SUBPROCESS_TIMEOUT) if the repository is large"
	case StorageNotAGitRepo:
		return "run inside a git repository"
	case StorageRefInvalid:
		return "use a plain commit sha or a sanitized ref"
	}
	return "check git is installed and the repository is readable"
}

// IndexError is returned for failures in the derived index store
type IndexError struct {
	Kind IndexKind
	Op   string
	Err  error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

func (e *IndexError) RecoveryAction() string {
	if e.Kind == IndexCorrupt {
		return "rebuild the index: burrow sync full"
	}
	return "run burrow sync verify --repair"
}

// EmbeddingError is returned when vectorization fails; callers degrade
// gracefully where the capture and recall contracts allow it.
type EmbeddingError struct {
	Kind EmbeddingKind
	Err  error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed (%s): %v", e.Kind, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

func (e *EmbeddingError) RecoveryAction() string {
	return "check the embedding server is running; sync will backfill vectors"
}

// ParseError is returned for malformed note blocks
type ParseError struct {
	Reason string
	Block  int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("note block %d unparseable: %s", e.Block, e.Reason)
}

func (e *ParseError) RecoveryAction() string {
	return "inspect the raw note with git notes show; repair or remove the block"
}

// CaptureError is returned for capture protocol failures
type CaptureError struct {
	Kind CaptureKind
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed (%s): %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

func (e *CaptureError) RecoveryAction() string {
	if e.Kind == CaptureLockTimeout {
		return "another capture holds the repo lock; retry shortly"
	}
	return "run burrow sync verify --repair"
}

// NotFoundError is non-fatal; APIs surface it as an absent value
type NotFoundError struct {
	What string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Key)
}

func (e *NotFoundError) RecoveryAction() string {
	return "check the identifier; the entry may not exist or may not be indexed yet"
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsLockTimeout reports whether err is a capture lock timeout
func IsLockTimeout(err error) bool {
	var ce *CaptureError
	return errors.As(err, &ce) && ce.Kind == CaptureLockTimeout
}

// IsTimeout reports whether err is a subprocess timeout
func IsTimeout(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == StorageTimeout
}

// IsIndexCorrupt reports whether err signals index corruption
func IsIndexCorrupt(err error) bool {
	var ie *IndexError
	return errors.As(err, &ie) && ie.Kind == IndexCorrupt
}

// IsEmbedding reports whether err is an EmbeddingError
func IsEmbedding(err error) bool {
	var ee *EmbeddingError
	return errors.As(err, &ee)
}
