/*
Package reconciler keeps the derived index consistent with git notes.

Git is authoritative. Incremental passes diff note blob shas against the
index's bookkeeping and re-derive only changed notes, in chunks with
checkpointing; pending repair hints from interrupted captures are consumed
first. Full reindex rebuilds into a staging file and atomically swaps it
over the live index, so the previous index stays readable until the rebuild
commits. Verification reports the symmetric difference per namespace and
repair applies the minimal set of index writes; the engine never deletes a
git note as remediation.
*/
package reconciler
