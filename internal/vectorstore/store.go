// Package vectorstore abstracts the vector database holding long-term
// memories and doctor profiles.
//
// Two backends implement Store: a Qdrant REST client (production) and an
// embedded SQLite store (development and tests). Collections use a single
// named vector "default" with cosine distance.
package vectorstore

import (
	"context"
	"regexp"
)

// Point is a vector with its payload. ID must be either an integer or a
// UUID string, matching what Qdrant accepts as point IDs.
type Point struct {
	ID      any
	Vector  []float32
	Payload map[string]string
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	ID      any
	Score   float64
	Payload map[string]string
}

// Store is the vector database interface the memory and doctor subsystems
// are written against.
type Store interface {
	// EnsureCollection creates the collection when it does not exist.
	EnsureCollection(ctx context.Context, name string, dims int) error

	// RecreateCollection drops the collection if present and creates it
	// fresh.
	RecreateCollection(ctx context.Context, name string, dims int) error

	// Upsert writes points, replacing any with the same ID.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the limit nearest points by cosine similarity,
	// best first.
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error)

	// Count returns the number of points in the collection.
	Count(ctx context.Context, collection string) (int, error)

	// Dates returns the distinct memory dates present in the collection,
	// newest first.
	Dates(ctx context.Context, collection string) ([]string, error)

	// DeleteByDate removes every point recorded on the given date and
	// returns how many were deleted.
	DeleteByDate(ctx context.Context, collection string, date string) (int, error)

	Close() error
}

var datePrefixRe = regexp.MustCompile(`^([\d\-]+)`)

// payloadDate extracts the yyyy-mm-dd date of a point. Points written by
// the save tool carry only a timestamp; the date falls back to its prefix.
func payloadDate(payload map[string]string) string {
	if d := payload["date"]; d != "" {
		return d
	}
	if m := datePrefixRe.FindStringSubmatch(payload["timestamp"]); m != nil {
		return m[1]
	}
	return ""
}
