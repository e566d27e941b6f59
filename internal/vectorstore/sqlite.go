package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/vsf-health/vsf-agent/internal/embeddings"
)

// SQLiteStore keeps vectors in an embedded SQLite database. It exists so the
// service can run without a Qdrant instance; similarity is computed in
// process over all points of a collection, which is fine at the scale of a
// personal memory store.
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY,
	dims INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS points (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	vector BLOB NOT NULL,
	payload TEXT NOT NULL,
	date TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_points_date ON points (collection, date);
`

// NewSQLiteStore opens (or creates) the vector database at path.
func NewSQLiteStore(path string, log *logrus.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	log.WithField("path", path).Debug("Opened SQLite vector store")
	return &SQLiteStore{db: db, log: log}, nil
}

// EnsureCollection registers the collection when it does not exist yet.
func (s *SQLiteStore) EnsureCollection(ctx context.Context, name string, dims int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (name, dims) VALUES (?, ?)", name, dims)
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

// RecreateCollection drops all points of the collection and registers it
// fresh.
func (s *SQLiteStore) RecreateCollection(ctx context.Context, name string, dims int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM points WHERE collection = ?", name); err != nil {
		return fmt.Errorf("failed to clear collection %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO collections (name, dims) VALUES (?, ?)", name, dims); err != nil {
		return fmt.Errorf("failed to register collection %s: %w", name, err)
	}
	return tx.Commit()
}

// Upsert writes points, replacing any with the same ID.
func (s *SQLiteStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO points (collection, id, vector, payload, date) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			collection, fmt.Sprint(p.ID), encodeVector(p.Vector), string(payload), payloadDate(p.Payload)); err != nil {
			return fmt.Errorf("failed to upsert point %v: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// Search scans the collection and ranks points by cosine similarity.
func (s *SQLiteStore) Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, vector, payload FROM points WHERE collection = ?", collection)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var hits []ScoredPoint
	for rows.Next() {
		var id string
		var blob []byte
		var payloadJSON string
		if err := rows.Scan(&id, &blob, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		payload := make(map[string]string)
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		hits = append(hits, ScoredPoint{
			ID:      id,
			Score:   embeddings.CosineSimilarity(vector, decodeVector(blob)),
			Payload: payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count returns the number of points in the collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM points WHERE collection = ?", collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return count, nil
}

// Dates returns the distinct memory dates in the collection, newest first.
func (s *SQLiteStore) Dates(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT date FROM points WHERE collection = ? AND date != '' ORDER BY date DESC", collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// DeleteByDate removes every point recorded on the given date.
func (s *SQLiteStore) DeleteByDate(ctx context.Context, collection string, date string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM points WHERE collection = ? AND date = ?", collection, date)
	if err != nil {
		return 0, fmt.Errorf("failed to delete points: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
