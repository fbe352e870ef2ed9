package store

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/domain"
)

// SystemRepository reads the bots table (spec.md's "system" is stored under
// the teacher's legacy "bot" column/table names).
type SystemRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSystemRepository builds a system repository.
func NewSystemRepository(db *sql.DB, log zerolog.Logger) *SystemRepository {
	return &SystemRepository{db: db, log: log.With().Str("repo", "systems").Logger()}
}

// Get loads one system's payload tree, transparently decompressing a
// gzip-compressed payload blob per spec.md §6.4.
func (r *SystemRepository) Get(systemID string) (domain.System, error) {
	var raw []byte
	err := r.db.QueryRow(`SELECT payload FROM bots WHERE id = ?`, systemID).Scan(&raw)
	if err != nil {
		return domain.System{}, fmt.Errorf("systems: query %s: %w", systemID, err)
	}

	payload, err := decompressIfGzip(raw)
	if err != nil {
		return domain.System{}, fmt.Errorf("systems: decompress payload for %s: %w", systemID, err)
	}

	var node domain.PayloadNode
	if err := json.Unmarshal(payload, &node); err != nil {
		return domain.System{}, fmt.Errorf("systems: decode payload for %s: %w", systemID, err)
	}

	return domain.System{ID: systemID, Payload: node}, nil
}

// RawPayload returns the decompressed raw JSON payload for passing straight
// through to the evaluator client, which treats it opaquely.
func (r *SystemRepository) RawPayload(systemID string) (json.RawMessage, error) {
	var raw []byte
	err := r.db.QueryRow(`SELECT payload FROM bots WHERE id = ?`, systemID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("systems: query %s: %w", systemID, err)
	}
	return decompressIfGzip(raw)
}

func decompressIfGzip(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
