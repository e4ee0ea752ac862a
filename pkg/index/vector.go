package index

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/burrowkit/burrow/pkg/types"
)

// GetVector returns the stored embedding for a memory id, or NotFoundError
// when the memory has no vector row.
func (s *Store) GetVector(id string) ([]float32, error) {
	var data []byte
	err := s.conn.QueryRow("SELECT embedding FROM vec_memories WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &types.NotFoundError{What: "vector", Key: id}
	}
	if err != nil {
		return nil, &types.IndexError{Kind: types.IndexSchema, Op: "get-vector", Err: err}
	}
	return deserializeFloat32(data)
}

// deserializeFloat32 converts raw little-endian bytes back to []float32
func deserializeFloat32(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, &types.IndexError{
			Kind: types.IndexCorrupt,
			Op:   "deserialize-vector",
			Err:  fmt.Errorf("invalid vector data length: %d", len(data)),
		}
	}
	n := len(data) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : (i+1)*4])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}
