/*
Package recall answers queries over captured memories.

Search embeds the query and runs filtered nearest-neighbour search over the
index, degrading to FTS when the embedding layer is unavailable. An
optional re-ranking pass applies additive distance deltas (recency,
namespace priority, tag boosts); a small TTL'd LRU caches repeated queries.

Hydration is staged: SUMMARY is metadata only, FULL loads the note body
from git, FILES additionally reads commit-time file snapshots through the
batched object protocol under per-file and per-call caps. Misses surface
as warnings on the result, never as hard failures.
*/
package recall
