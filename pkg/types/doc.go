/*
Package types defines the core data model and error taxonomy shared by all
Burrow components.

A Memory is a structured note attached to a commit via git notes, identified
by {namespace}:{commit_sha}:{ordinal}. MemoryResult, HydratedMemory and
Pattern layer search distance, staged hydration and cross-memory aggregation
on top of it.

Errors follow a closed taxonomy (ValidationError, StorageError, IndexError,
EmbeddingError, ParseError, CaptureError, NotFoundError). Every kind carries
a message and a recovery action; errors.As-based helpers (IsNotFound,
IsLockTimeout, ...) classify wrapped chains.
*/
package types
