package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// ArchivePayload stores a compressed copy of an imported outcome file or
// feed response. Returns the payload ID and whether it was new; a payload
// with the same content hash is not stored twice.
func (s *Store) ArchivePayload(runID int64, source, location string, payload []byte) (int64, bool, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, false, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, false, fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(payload)
	hashHex := hex.EncodeToString(hash[:])

	var jobRunID sql.NullInt64
	if runID > 0 {
		jobRunID = sql.NullInt64{Int64: runID, Valid: true}
	}

	result, err := s.db.Exec(`
		INSERT INTO import_payloads (job_run_id, fetched_at, source, location, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, jobRunID, time.Now().UTC(), source, location, buf.Bytes(), hashHex)
	if err != nil {
		return 0, false, fmt.Errorf("insert payload: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		var id int64
		if err := s.db.QueryRow(`SELECT id FROM import_payloads WHERE payload_hash = ?`, hashHex).Scan(&id); err != nil {
			return 0, false, err
		}
		return id, false, nil
	}

	id, err := result.LastInsertId()
	return id, true, err
}

// PayloadArchived reports whether a payload with the same content is already stored.
func (s *Store) PayloadArchived(payload []byte) (bool, error) {
	hash := sha256.Sum256(payload)
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM import_payloads WHERE payload_hash = ?`, hex.EncodeToString(hash[:])).Scan(&n)
	return n > 0, err
}

// GetPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetPayload(id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRow(`SELECT payload_compressed FROM import_payloads WHERE id = ?`, id).Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// CleanupOldPayloads deletes archived payloads older than retentionDays.
func (s *Store) CleanupOldPayloads(retentionDays int) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM import_payloads
		WHERE fetched_at < DATE('now', '-' || ? || ' days')
	`, retentionDays)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
