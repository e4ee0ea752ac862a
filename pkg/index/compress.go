package index

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/burrowkit/burrow/pkg/types"
)

// compressedPrefix marks an archived body stored compressed in the index.
// Reads decompress transparently; the git note keeps the original text.
const compressedPrefix = "snappy:"

// CompressBody returns the archival form of a body
func CompressBody(body string) string {
	encoded := snappy.Encode(nil, []byte(body))
	return compressedPrefix + base64.StdEncoding.EncodeToString(encoded)
}

// decompressBody reverses CompressBody; non-archived bodies pass through.
// Undecodable payloads also pass through rather than erroring a read path.
func decompressBody(body string) string {
	if !strings.HasPrefix(body, compressedPrefix) {
		return body
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(body, compressedPrefix))
	if err != nil {
		return body
	}
	decoded, err := snappy.Decode(nil, raw)
	if err != nil {
		return body
	}
	return string(decoded)
}

// IsCompressed reports whether a body is stored in archival form
func IsCompressed(body string) bool {
	return strings.HasPrefix(body, compressedPrefix)
}

// ArchiveBody compresses a memory's stored body in place. The FTS row is
// left untouched so archived memories stay text-searchable.
func (s *Store) ArchiveBody(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body string
	err := s.conn.QueryRow("SELECT body FROM memories WHERE id = ?", id).Scan(&body)
	if err != nil {
		return &types.NotFoundError{What: "memory", Key: id}
	}
	if IsCompressed(body) {
		return nil
	}
	_, err = s.conn.Exec(
		"UPDATE memories SET body = ?, updated_at = ? WHERE id = ?",
		CompressBody(body), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return &types.IndexError{Kind: types.IndexConstraint, Op: "archive-body", Err: err}
	}
	return nil
}
