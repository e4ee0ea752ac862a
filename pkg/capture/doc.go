/*
Package capture orchestrates writing memories: validate, take the per-repo
advisory lock, append the note block to git, embed best-effort, upsert the
index, release.

The contract is "at most one concurrent capture per repo, never lose a
successfully-appended note, never index a note that was not appended".
After a successful git append, embedding and index failures are soft: the
capture still succeeds, a repair hint is persisted, and the reconciler
brings the index back in line.

Namespaced wrappers (CaptureDecision, CaptureBlocker, ResolveBlocker, ...)
compose sectioned markdown bodies and set namespace and status.
*/
package capture
