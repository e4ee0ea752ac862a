/*
Package index implements the derived search index: a single-file embedded
relational store augmented with a sqlite-vec ANN table and an FTS5 table.

The index is a cache over git notes and must be fully reconstructible from
them. Writes run through a process-local mutex on one connection with WAL
journaling; every upsert touches the memories, vec_memories and
fts_memories tables in a single transaction. Forward-only migrations record
their version row atomically, so an interrupted migration leaves the
version unchanged.

KNN over-fetches and applies scalar filters post hoc because the vector
layer cannot combine scalar predicates in a single pass.
*/
package index
