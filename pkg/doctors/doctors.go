// Package doctors implements the doctor directory: profile ingestion into
// the vector store and similarity search over it.
package doctors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vsf-health/vsf-agent/internal/embeddings"
	"github.com/vsf-health/vsf-agent/internal/telemetry"
	"github.com/vsf-health/vsf-agent/internal/vectorstore"
)

const (
	// DefaultTopK is how many doctors a search returns.
	DefaultTopK = 3
	// bioSnippetLimit caps the bio length in rendered search results.
	bioSnippetLimit = 300

	noInfo         = "no information"
	noSpecialtyKey = "NO_SPECIALTY"
)

// Profile is one doctor record from the crawled directory.
type Profile struct {
	Name        string   `json:"name"`
	Specialties []string `json:"specialties"`
	Workplace   string   `json:"workplace"`
	Bio         string   `json:"bio"`
	URL         string   `json:"url"`
}

// LoadProfiles reads a JSON array of profiles from disk.
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}
	var profiles []Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	return profiles, nil
}

// FormatProfile renders the text that gets embedded for a profile.
func FormatProfile(p Profile) string {
	specialties := noInfo
	if len(p.Specialties) > 0 {
		specialties = strings.Join(p.Specialties, ", ")
	}
	workplace := p.Workplace
	if workplace == "" {
		workplace = noInfo
	}
	bio := p.Bio
	if bio == "" {
		bio = noInfo
	}
	return fmt.Sprintf("Specialties: %s\n\nWorkplace: %s\n\nBio: %s", specialties, workplace, bio)
}

// SpecialtyKey normalizes a profile's specialty set into a dedupe key.
// Order does not matter; profiles without specialties share one key.
func SpecialtyKey(p Profile) string {
	if len(p.Specialties) == 0 {
		return noSpecialtyKey
	}
	sorted := append([]string(nil), p.Specialties...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

// DedupeBySpecialty keeps the first profile for each unique specialty
// combination, preserving input order.
func DedupeBySpecialty(profiles []Profile) []Profile {
	seen := make(map[string]bool)
	out := make([]Profile, 0, len(profiles))
	for _, p := range profiles {
		key := SpecialtyKey(p)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// Searcher finds doctors by similarity against the doctor collection.
type Searcher struct {
	store      vectorstore.Store
	embedder   embeddings.Client
	collection string
	log        *logrus.Logger
}

// NewSearcher wires a doctor searcher. Store and embedder may be nil when
// the directory is not configured.
func NewSearcher(store vectorstore.Store, embedder embeddings.Client, collection string, log *logrus.Logger) *Searcher {
	return &Searcher{store: store, embedder: embedder, collection: collection, log: log}
}

// Available reports whether the searcher has a store and embedder to work
// with.
func (s *Searcher) Available() bool {
	return s.store != nil && s.embedder != nil
}

// Collection returns the doctor collection name.
func (s *Searcher) Collection() string { return s.collection }

// Embedder returns the embeddings client, which may be nil.
func (s *Searcher) Embedder() embeddings.Client { return s.embedder }

// Search embeds the query and returns the closest doctor profiles.
func (s *Searcher) Search(ctx context.Context, query string, topK int) ([]vectorstore.ScoredPoint, error) {
	if !s.Available() {
		return nil, fmt.Errorf("doctor directory not configured")
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.SearchVector(ctx, vector, topK)
}

// SearchVector returns the closest doctor profiles to an already computed
// query vector.
func (s *Searcher) SearchVector(ctx context.Context, vector []float32, topK int) ([]vectorstore.ScoredPoint, error) {
	if s.store == nil {
		return nil, fmt.Errorf("doctor directory not configured")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	ctx, span := telemetry.Tracer().Start(ctx, "qdrant_search")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.operation", "search"),
		attribute.String("db.collection", s.collection),
		attribute.Int("db.limit", topK),
	)

	hits, err := s.store.Search(ctx, s.collection, vector, topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("db.results.count", len(hits)))
	return hits, nil
}

// FormatHits renders search hits as a numbered listing for the agent.
func FormatHits(hits []vectorstore.ScoredPoint) string {
	var b strings.Builder
	for i, hit := range hits {
		name := payloadOr(hit.Payload, "name", "N/A")
		specialties := payloadOr(hit.Payload, "specialties", noInfo)
		workplace := payloadOr(hit.Payload, "workplace", "N/A")
		bio := payloadOr(hit.Payload, "bio", "N/A")
		if r := []rune(bio); len(r) > bioSnippetLimit {
			bio = string(r[:bioSnippetLimit]) + "..."
		}
		fmt.Fprintf(&b, "\n%d. Doctor: %s\n   Specialties: %s\n   Workplace: %s\n   Bio: %s\n", i+1, name, specialties, workplace, bio)
	}
	return b.String()
}

func payloadOr(payload map[string]string, key, fallback string) string {
	if v := payload[key]; v != "" {
		return v
	}
	return fallback
}
