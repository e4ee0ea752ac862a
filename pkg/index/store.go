package index

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/burrowkit/burrow/pkg/log"
	"github.com/burrowkit/burrow/pkg/types"
)

// BatchChunkSize bounds rows per transaction in batched writes
const BatchChunkSize = 1000

// Store is the derived index: an embedded relational store augmented with a
// vec0 ANN table and an FTS5 table. Writes are serialized by a process-local
// mutex on a single open connection; reads outside a transaction are safe
// under WAL.
type Store struct {
	path      string
	dimension int
	conn      *sql.DB
	mu        sync.Mutex
	logger    zerolog.Logger
}

// migration is one forward-only schema step. Each runs inside a single
// transaction that also records the version row, so an interrupted
// migration leaves the version unchanged.
type migration struct {
	version int
	name    string
	apply   func(tx *sql.Tx, dimension int) error
}

var migrations = []migration{
	{1, "base_schema", migrateBaseSchema},
	{2, "scalar_indexes", migrateScalarIndexes},
	{3, "note_refs", migrateNoteRefs},
}

// Open opens (or creates) the index at path with the given vector
// dimension. Corruption detected on open surfaces as IndexError{Corrupt}
// with a rebuild recovery action.
func Open(path string, dimension int) (*Store, error) {
	sqlite_vec.Auto()

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "open", Err: err}
	}
	// A single connection keeps the write mutex meaningful.
	conn.SetMaxOpenConns(1)

	s := &Store{
		path:      path,
		dimension: dimension,
		conn:      conn,
		logger:    log.WithComponent("index"),
	}

	if err := s.checkIntegrity(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// Dimension returns the fixed vector dimension of this index
func (s *Store) Dimension() int { return s.dimension }

// Path returns the index file location
func (s *Store) Path() string { return s.path }

func (s *Store) checkIntegrity() error {
	var result string
	if err := s.conn.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return &types.IndexError{Kind: types.IndexCorrupt, Op: "integrity-check", Err: err}
	}
	if result != "ok" {
		return &types.IndexError{
			Kind: types.IndexCorrupt,
			Op:   "integrity-check",
			Err:  fmt.Errorf("quick_check reported: %s", result),
		}
	}
	return nil
}

func (s *Store) migrate() error {
	if _, err := s.conn.Exec(
		"CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)",
	); err != nil {
		return &types.IndexError{Kind: types.IndexMigration, Op: "migrate", Err: err}
	}

	var current sql.NullInt64
	if err := s.conn.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&current); err != nil {
		return &types.IndexError{Kind: types.IndexMigration, Op: "migrate", Err: err}
	}

	for _, m := range migrations {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return &types.IndexError{Kind: types.IndexTxn, Op: "migrate", Err: err}
		}
		if err := m.apply(tx, s.dimension); err != nil {
			tx.Rollback()
			return &types.IndexError{Kind: types.IndexMigration, Op: m.name, Err: err}
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			m.version, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return &types.IndexError{Kind: types.IndexMigration, Op: m.name, Err: err}
		}
		if err := tx.Commit(); err != nil {
			return &types.IndexError{Kind: types.IndexTxn, Op: m.name, Err: err}
		}
		s.logger.Debug().Int("version", m.version).Str("migration", m.name).Msg("migration applied")
	}
	return nil
}

func migrateBaseSchema(tx *sql.Tx, dimension int) error {
	stmts := []string{
		`CREATE TABLE memories (
			id TEXT PRIMARY KEY,
			commit_sha TEXT NOT NULL,
			namespace TEXT NOT NULL,
			summary TEXT NOT NULL,
			body TEXT NOT NULL,
			tags_json TEXT NOT NULL DEFAULT '[]',
			timestamp TEXT NOT NULL,
			spec TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			relates_to_json TEXT NOT NULL DEFAULT '[]',
			repo_path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE vec_memories USING vec0(
			id TEXT PRIMARY KEY,
			embedding FLOAT[%d]
		)`, dimension),
		`CREATE VIRTUAL TABLE fts_memories USING fts5(id UNINDEXED, summary, body)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateScalarIndexes(tx *sql.Tx, _ int) error {
	stmts := []string{
		`CREATE INDEX idx_memories_ns_spec_ts ON memories (namespace, spec, timestamp DESC)`,
		`CREATE INDEX idx_memories_status_ts ON memories (status, timestamp)`,
		`CREATE INDEX idx_memories_repo_ns ON memories (repo_path, namespace)`,
		`CREATE INDEX idx_memories_commit ON memories (commit_sha)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateNoteRefs(tx *sql.Tx, _ int) error {
	_, err := tx.Exec(`CREATE TABLE note_refs (
		repo_path TEXT NOT NULL,
		commit_sha TEXT NOT NULL,
		namespace TEXT NOT NULL,
		note_blob_sha TEXT NOT NULL,
		PRIMARY KEY (repo_path, commit_sha, namespace)
	)`)
	return err
}

// Stats summarizes index contents
type Stats struct {
	ByNamespace map[string]int
	BySpec      map[string]int
	Total       int
	SizeBytes   int64
	LastCapture time.Time
}

// Stats reports per-namespace and per-spec counts, total rows, on-disk size
// and the most recent capture time.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{
		ByNamespace: make(map[string]int),
		BySpec:      make(map[string]int),
	}

	rows, err := s.conn.Query("SELECT namespace, COUNT(*) FROM memories GROUP BY namespace")
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "stats", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var ns string
		var n int
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, &types.IndexError{Kind: types.IndexSchema, Op: "stats", Err: err}
		}
		stats.ByNamespace[ns] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "stats", Err: err}
	}

	specRows, err := s.conn.Query("SELECT spec, COUNT(*) FROM memories WHERE spec != '' GROUP BY spec")
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "stats", Err: err}
	}
	defer specRows.Close()
	for specRows.Next() {
		var spec string
		var n int
		if err := specRows.Scan(&spec, &n); err != nil {
			return nil, &types.IndexError{Kind: types.IndexSchema, Op: "stats", Err: err}
		}
		stats.BySpec[spec] = n
	}
	if err := specRows.Err(); err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "stats", Err: err}
	}

	var last sql.NullString
	if err := s.conn.QueryRow("SELECT MAX(created_at) FROM memories").Scan(&last); err == nil && last.Valid {
		if t, perr := time.Parse(time.RFC3339, last.String); perr == nil {
			stats.LastCapture = t
		}
	}

	if fi, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = fi.Size()
	}
	return stats, nil
}

// VerificationReport lists referential drift inside the index
type VerificationReport struct {
	OrphanVectors []string // vec rows with no memories row
	OrphanFTS     []string // fts rows with no memories row
	MissingFTS    []string // memories rows with no fts row
}

// Clean reports whether no drift was found
func (r *VerificationReport) Clean() bool {
	return len(r.OrphanVectors) == 0 && len(r.OrphanFTS) == 0 && len(r.MissingFTS) == 0
}

// Verify scans for referential drift between the three tables
func (s *Store) Verify() (*VerificationReport, error) {
	report := &VerificationReport{}

	collect := func(query string, into *[]string) error {
		rows, err := s.conn.Query(query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			*into = append(*into, id)
		}
		return rows.Err()
	}

	queries := []struct {
		q    string
		into *[]string
	}{
		{"SELECT id FROM vec_memories WHERE id NOT IN (SELECT id FROM memories)", &report.OrphanVectors},
		{"SELECT id FROM fts_memories WHERE id NOT IN (SELECT id FROM memories)", &report.OrphanFTS},
		{"SELECT id FROM memories WHERE id NOT IN (SELECT id FROM fts_memories)", &report.MissingFTS},
	}
	for _, q := range queries {
		if err := collect(q.q, q.into); err != nil {
			return nil, &types.IndexError{Kind: types.IndexSchema, Op: "verify", Err: err}
		}
	}
	return report, nil
}

// NoteRefGet returns the last-seen note blob sha for (repo, commit, ns),
// or "" when the note has not been indexed yet.
func (s *Store) NoteRefGet(repoPath, commitSHA string, ns types.Namespace) (string, error) {
	var blob string
	err := s.conn.QueryRow(
		"SELECT note_blob_sha FROM note_refs WHERE repo_path = ? AND commit_sha = ? AND namespace = ?",
		repoPath, commitSHA, string(ns),
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &types.IndexError{Kind: types.IndexSchema, Op: "note-ref-get", Err: err}
	}
	return blob, nil
}

// NoteRefPut records the note blob sha last reconciled for (repo, commit, ns)
func (s *Store) NoteRefPut(repoPath, commitSHA string, ns types.Namespace, blobSHA string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(
		`INSERT INTO note_refs (repo_path, commit_sha, namespace, note_blob_sha) VALUES (?, ?, ?, ?)
		 ON CONFLICT(repo_path, commit_sha, namespace) DO UPDATE SET note_blob_sha = excluded.note_blob_sha`,
		repoPath, commitSHA, string(ns), blobSHA,
	)
	if err != nil {
		return &types.IndexError{Kind: types.IndexConstraint, Op: "note-ref-put", Err: err}
	}
	return nil
}

// NoteRefsFor lists all recorded (commit, blob) pairs for a repo namespace
func (s *Store) NoteRefsFor(repoPath string, ns types.Namespace) (map[string]string, error) {
	rows, err := s.conn.Query(
		"SELECT commit_sha, note_blob_sha FROM note_refs WHERE repo_path = ? AND namespace = ?",
		repoPath, string(ns),
	)
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "note-refs-for", Err: err}
	}
	defer rows.Close()

	refs := make(map[string]string)
	for rows.Next() {
		var commit, blob string
		if err := rows.Scan(&commit, &blob); err != nil {
			return nil, &types.IndexError{Kind: types.IndexSchema, Op: "note-refs-for", Err: err}
		}
		refs[commit] = blob
	}
	return refs, rows.Err()
}

// NoteRefDelete forgets the bookkeeping row for (repo, commit, ns)
func (s *Store) NoteRefDelete(repoPath, commitSHA string, ns types.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(
		"DELETE FROM note_refs WHERE repo_path = ? AND commit_sha = ? AND namespace = ?",
		repoPath, commitSHA, string(ns),
	)
	if err != nil {
		return &types.IndexError{Kind: types.IndexConstraint, Op: "note-ref-delete", Err: err}
	}
	return nil
}
