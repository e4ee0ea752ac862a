/*
Package gitstore provides durable per-namespace note storage on commits.

Notes live under refs/notes/<prefix>/<namespace> (default prefix "mem").
Every ref, sha and path parameter is validated before it reaches git, and
every invocation uses an argument vector with a wall-clock timeout; there is
no shell interpretation anywhere. Appends read the current note and rewrite
it with the new block concatenated; history is never rewritten.

Batched file snapshot reads use the cat-file --batch streaming protocol so
hydrating a commit's files costs one subprocess, not one per file.
*/
package gitstore
