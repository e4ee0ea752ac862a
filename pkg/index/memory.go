package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/burrowkit/burrow/pkg/types"
)

// Upsert writes a memory into all three tables in one transaction. The
// vector row is written only when embedding is non-nil; a nil embedding
// leaves the memory discoverable by scalar and FTS lookup. A dimension
// mismatch is a hard error.
func (s *Store) Upsert(mem *types.Memory, embedding []float32) error {
	if mem.RepoPath == "" {
		return &types.IndexError{Kind: types.IndexConstraint, Op: "upsert", Err: fmt.Errorf("repo_path must not be empty")}
	}
	if embedding != nil && len(embedding) != s.dimension {
		return &types.IndexError{
			Kind: types.IndexConstraint,
			Op:   "upsert",
			Err:  fmt.Errorf("embedding dimension %d does not match index dimension %d", len(embedding), s.dimension),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return &types.IndexError{Kind: types.IndexTxn, Op: "upsert", Err: err}
	}
	defer tx.Rollback()

	if err := upsertInTx(tx, mem, embedding); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &types.IndexError{Kind: types.IndexTxn, Op: "upsert", Err: err}
	}
	return nil
}

// UpsertBatch writes memories in chunks with intermediate commits to bound
// memory. embeddings may be nil, or per-entry nil for scalar-only rows.
func (s *Store) UpsertBatch(mems []*types.Memory, embeddings [][]float32) error {
	if embeddings != nil && len(embeddings) != len(mems) {
		return &types.IndexError{
			Kind: types.IndexConstraint,
			Op:   "upsert-batch",
			Err:  fmt.Errorf("memories and embeddings must have same length"),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for start := 0; start < len(mems); start += BatchChunkSize {
		end := start + BatchChunkSize
		if end > len(mems) {
			end = len(mems)
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return &types.IndexError{Kind: types.IndexTxn, Op: "upsert-batch", Err: err}
		}
		for i := start; i < end; i++ {
			if mems[i].RepoPath == "" {
				tx.Rollback()
				return &types.IndexError{Kind: types.IndexConstraint, Op: "upsert-batch", Err: fmt.Errorf("memory %s has empty repo_path", mems[i].ID)}
			}
			var emb []float32
			if embeddings != nil {
				emb = embeddings[i]
			}
			if emb != nil && len(emb) != s.dimension {
				tx.Rollback()
				return &types.IndexError{
					Kind: types.IndexConstraint,
					Op:   "upsert-batch",
					Err:  fmt.Errorf("embedding dimension %d does not match index dimension %d", len(emb), s.dimension),
				}
			}
			if err := upsertInTx(tx, mems[i], emb); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return &types.IndexError{Kind: types.IndexTxn, Op: "upsert-batch", Err: err}
		}
	}
	return nil
}

func upsertInTx(tx *sql.Tx, mem *types.Memory, embedding []float32) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tags := marshalJSON(mem.Tags)
	relates := marshalJSON(mem.RelatesTo)

	_, err := tx.Exec(
		`INSERT INTO memories (id, commit_sha, namespace, summary, body, tags_json, timestamp,
			spec, phase, status, relates_to_json, repo_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			summary = excluded.summary,
			body = excluded.body,
			tags_json = excluded.tags_json,
			timestamp = excluded.timestamp,
			spec = excluded.spec,
			phase = excluded.phase,
			status = excluded.status,
			relates_to_json = excluded.relates_to_json,
			repo_path = excluded.repo_path,
			updated_at = excluded.updated_at`,
		mem.ID, mem.CommitSHA, string(mem.Namespace), mem.Summary, mem.Content, tags,
		mem.Timestamp.UTC().Format(time.RFC3339), mem.Spec, mem.Phase, string(mem.Status),
		relates, mem.RepoPath, now, now,
	)
	if err != nil {
		return &types.IndexError{Kind: types.IndexConstraint, Op: "upsert-memory", Err: err}
	}

	if _, err := tx.Exec("DELETE FROM fts_memories WHERE id = ?", mem.ID); err != nil {
		return &types.IndexError{Kind: types.IndexConstraint, Op: "upsert-fts", Err: err}
	}
	if _, err := tx.Exec(
		"INSERT INTO fts_memories (id, summary, body) VALUES (?, ?, ?)",
		mem.ID, mem.Summary, mem.Content,
	); err != nil {
		return &types.IndexError{Kind: types.IndexConstraint, Op: "upsert-fts", Err: err}
	}

	if embedding != nil {
		vecData, err := sqlite_vec.SerializeFloat32(embedding)
		if err != nil {
			return &types.IndexError{Kind: types.IndexConstraint, Op: "serialize-vector", Err: err}
		}
		if _, err := tx.Exec("DELETE FROM vec_memories WHERE id = ?", mem.ID); err != nil {
			return &types.IndexError{Kind: types.IndexConstraint, Op: "upsert-vector", Err: err}
		}
		if _, err := tx.Exec(
			"INSERT INTO vec_memories (id, embedding) VALUES (?, ?)",
			mem.ID, vecData,
		); err != nil {
			return &types.IndexError{Kind: types.IndexConstraint, Op: "upsert-vector", Err: err}
		}
	}
	return nil
}

const memoryColumns = `id, commit_sha, namespace, summary, body, tags_json, timestamp,
	spec, phase, status, relates_to_json, repo_path`

// Get loads one memory by id; NotFoundError when absent
func (s *Store) Get(id string) (*types.Memory, error) {
	row := s.conn.QueryRow("SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, &types.NotFoundError{What: "memory", Key: id}
	}
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "get", Err: err}
	}
	return mem, nil
}

// GetBatch loads memories preserving input order; missing ids are skipped
func (s *Store) GetBatch(ids []string) ([]*types.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.conn.Query(
		"SELECT "+memoryColumns+" FROM memories WHERE id IN ("+strings.Join(placeholders, ",")+")",
		args...,
	)
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "get-batch", Err: err}
	}
	defer rows.Close()

	byID := make(map[string]*types.Memory, len(ids))
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, &types.IndexError{Kind: types.IndexSchema, Op: "get-batch", Err: err}
		}
		byID[mem.ID] = mem
	}
	if err := rows.Err(); err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "get-batch", Err: err}
	}

	out := make([]*types.Memory, 0, len(byID))
	for _, id := range ids {
		if mem, ok := byID[id]; ok {
			out = append(out, mem)
		}
	}
	return out, nil
}

// Patch names the mutable fields of an indexed memory; nil means unchanged
type Patch struct {
	Summary   *string
	Body      *string
	Status    *types.Status
	Spec      *string
	Phase     *string
	Tags      *[]string
	RelatesTo *[]string
}

// Update applies a patch to one memory; the FTS row follows summary/body
// changes inside the same transaction.
func (s *Store) Update(id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return &types.IndexError{Kind: types.IndexTxn, Op: "update", Err: err}
	}
	defer tx.Rollback()

	var sets []string
	var args []interface{}
	add := func(col string, val interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if patch.Summary != nil {
		add("summary", *patch.Summary)
	}
	if patch.Body != nil {
		add("body", *patch.Body)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Spec != nil {
		add("spec", *patch.Spec)
	}
	if patch.Phase != nil {
		add("phase", *patch.Phase)
	}
	if patch.Tags != nil {
		add("tags_json", marshalJSON(*patch.Tags))
	}
	if patch.RelatesTo != nil {
		add("relates_to_json", marshalJSON(*patch.RelatesTo))
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", time.Now().UTC().Format(time.RFC3339))
	args = append(args, id)

	res, err := tx.Exec("UPDATE memories SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return &types.IndexError{Kind: types.IndexConstraint, Op: "update", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.NotFoundError{What: "memory", Key: id}
	}

	if patch.Summary != nil || patch.Body != nil {
		var summary, body string
		if err := tx.QueryRow("SELECT summary, body FROM memories WHERE id = ?", id).Scan(&summary, &body); err != nil {
			return &types.IndexError{Kind: types.IndexConstraint, Op: "update-fts", Err: err}
		}
		if _, err := tx.Exec("DELETE FROM fts_memories WHERE id = ?", id); err != nil {
			return &types.IndexError{Kind: types.IndexConstraint, Op: "update-fts", Err: err}
		}
		if _, err := tx.Exec("INSERT INTO fts_memories (id, summary, body) VALUES (?, ?, ?)", id, summary, body); err != nil {
			return &types.IndexError{Kind: types.IndexConstraint, Op: "update-fts", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &types.IndexError{Kind: types.IndexTxn, Op: "update", Err: err}
	}
	return nil
}

// Delete removes a memory and its vector and FTS rows atomically
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return &types.IndexError{Kind: types.IndexTxn, Op: "delete", Err: err}
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM vec_memories WHERE id = ?",
		"DELETE FROM fts_memories WHERE id = ?",
		"DELETE FROM memories WHERE id = ?",
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return &types.IndexError{Kind: types.IndexConstraint, Op: "delete", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &types.IndexError{Kind: types.IndexTxn, Op: "delete", Err: err}
	}
	return nil
}

// ListRecent returns memories by timestamp descending, optionally
// restricted to one namespace. limit <= 0 means unbounded.
func (s *Store) ListRecent(ns types.Namespace, limit int) ([]*types.Memory, error) {
	query := "SELECT " + memoryColumns + " FROM memories"
	var args []interface{}
	if ns != "" {
		query += " WHERE namespace = ?"
		args = append(args, string(ns))
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "list-recent", Err: err}
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListByCommit returns all memories attached to one commit
func (s *Store) ListByCommit(commitSHA string) ([]*types.Memory, error) {
	rows, err := s.conn.Query(
		"SELECT "+memoryColumns+" FROM memories WHERE commit_sha = ? ORDER BY id",
		commitSHA,
	)
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "list-by-commit", Err: err}
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListBySpec returns all memories for one spec slug, newest first
func (s *Store) ListBySpec(spec string) ([]*types.Memory, error) {
	rows, err := s.conn.Query(
		"SELECT "+memoryColumns+" FROM memories WHERE spec = ? ORDER BY timestamp DESC",
		spec,
	)
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "list-by-spec", Err: err}
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListByStatus returns memories in a lifecycle state ordered oldest first
func (s *Store) ListByStatus(status types.Status, limit int) ([]*types.Memory, error) {
	query := "SELECT " + memoryColumns + " FROM memories WHERE status = ? ORDER BY timestamp ASC"
	args := []interface{}{string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "list-by-status", Err: err}
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListMissingVectors returns non-tombstone memories of a repo that have no
// vector row; sync backfills these once the embedder recovers.
func (s *Store) ListMissingVectors(repoPath string) ([]*types.Memory, error) {
	rows, err := s.conn.Query(
		"SELECT "+memoryColumns+` FROM memories
		 WHERE repo_path = ? AND status != 'tombstone'
		   AND id NOT IN (SELECT id FROM vec_memories)`,
		repoPath,
	)
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "list-missing-vectors", Err: err}
	}
	defer rows.Close()
	return scanMemories(rows)
}

// HasVector reports whether a vector row exists for the memory id
func (s *Store) HasVector(id string) (bool, error) {
	var exists int
	err := s.conn.QueryRow("SELECT EXISTS(SELECT 1 FROM vec_memories WHERE id = ?)", id).Scan(&exists)
	if err != nil {
		return false, &types.IndexError{Kind: types.IndexSchema, Op: "has-vector", Err: err}
	}
	return exists == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var mem types.Memory
	var ns, status, ts, tagsJSON, relatesJSON string
	if err := row.Scan(
		&mem.ID, &mem.CommitSHA, &ns, &mem.Summary, &mem.Content, &tagsJSON, &ts,
		&mem.Spec, &mem.Phase, &status, &relatesJSON, &mem.RepoPath,
	); err != nil {
		return nil, err
	}

	mem.Namespace = types.Namespace(ns)
	mem.Status = types.Status(status)
	mem.Content = decompressBody(mem.Content)
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		mem.Timestamp = t
	}
	json.Unmarshal([]byte(tagsJSON), &mem.Tags)
	json.Unmarshal([]byte(relatesJSON), &mem.RelatesTo)
	return &mem, nil
}

func scanMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var mems []*types.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, &types.IndexError{Kind: types.IndexSchema, Op: "scan", Err: err}
		}
		mems = append(mems, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "scan", Err: err}
	}
	return mems, nil
}

func marshalJSON(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}
