// Package store provides SQLite-backed persistence for documents: the
// current replicated-text state per document, and an append-only journal of
// every agent delta merged into it.
package store

import (
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrDocNotFound is returned when a document has never been saved.
var ErrDocNotFound = errors.New("document not found")

// DB wraps a SQLite connection for document storage.
type DB struct {
	conn *sql.DB
	mu   sync.Mutex
	path string
}

// Open opens or creates the database under the given data directory.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "stitch.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.conn.Close()
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// SaveDocument upserts a document's exported state.
func (db *DB) SaveDocument(id string, state []byte, textLen int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`
		INSERT INTO documents (id, state, digest, text_len, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			digest = excluded.digest,
			text_len = excluded.text_len,
			updated_at = excluded.updated_at`,
		id, state, digest(state), textLen, nowMs())
	if err != nil {
		return fmt.Errorf("saving document %s: %w", id, err)
	}
	return nil
}

// LoadDocument returns a document's exported state, verifying its digest.
func (db *DB) LoadDocument(id string) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var state []byte
	var want string
	err := db.conn.QueryRow(
		`SELECT state, digest FROM documents WHERE id = ?`, id,
	).Scan(&state, &want)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading document %s: %w", id, err)
	}
	if got := digest(state); got != want {
		return nil, fmt.Errorf("document %s: state digest mismatch (%s != %s)", id, got, want)
	}
	return state, nil
}

// ListDocuments returns the IDs of all saved documents, most recent first.
func (db *DB) ListDocuments() ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows, err := db.conn.Query(`SELECT id FROM documents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MergeRecord is one journaled agent merge.
type MergeRecord struct {
	DocID         string
	Seq           int64
	Delta         []byte
	Digest        string
	BlocksApplied int
	BlocksSkipped int
	CreatedAt     int64
}

// AppendMerge journals a merged agent delta and returns its sequence number
// within the document's journal.
func (db *DB) AppendMerge(docID string, delta []byte, applied, skipped int) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM merges WHERE doc_id = ?`, docID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("allocating merge seq: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO merges (doc_id, seq, delta, digest, blocks_applied, blocks_skipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		docID, seq, delta, digest(delta), applied, skipped, nowMs()); err != nil {
		return 0, fmt.Errorf("journaling merge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing merge: %w", err)
	}
	return seq, nil
}

// Merges returns a document's journal in order.
func (db *DB) Merges(docID string) ([]MergeRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows, err := db.conn.Query(`
		SELECT doc_id, seq, delta, digest, blocks_applied, blocks_skipped, created_at
		FROM merges WHERE doc_id = ? ORDER BY seq`, docID)
	if err != nil {
		return nil, fmt.Errorf("reading merge journal: %w", err)
	}
	defer rows.Close()
	var out []MergeRecord
	for rows.Next() {
		var r MergeRecord
		if err := rows.Scan(&r.DocID, &r.Seq, &r.Delta, &r.Digest,
			&r.BlocksApplied, &r.BlocksSkipped, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
