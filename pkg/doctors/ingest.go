package doctors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vsf-health/vsf-agent/internal/embeddings"
	"github.com/vsf-health/vsf-agent/internal/vectorstore"
)

const (
	// DefaultEmbedBatchSize keeps embedding requests small enough to stay
	// under the provider's per-request token limit.
	DefaultEmbedBatchSize = 5
	// DefaultUpsertBatchSize is how many points go to the store per write.
	DefaultUpsertBatchSize = 100
)

// IngestOptions controls one ingest run.
type IngestOptions struct {
	// InputPath is the JSON array of crawled profiles.
	InputPath string
	// EmbeddingsPath receives the sidecar file with profiles and their
	// vectors. Empty disables the sidecar.
	EmbeddingsPath string
	// Collection is the target vector collection.
	Collection string
	// Dedupe keeps one profile per specialty combination.
	Dedupe bool
	// Offline stops after writing the sidecar, leaving the store alone.
	Offline bool

	EmbedBatchSize  int
	UpsertBatchSize int
}

// Stats summarizes an ingest run.
type Stats struct {
	Total    int `json:"total"`
	Unique   int `json:"unique"`
	Embedded int `json:"embedded"`
	Uploaded int `json:"uploaded"`
}

// embeddedProfile is one sidecar record: the profile, the text that was
// embedded, and its vector.
type embeddedProfile struct {
	DoctorID    int       `json:"doctor_id"`
	Name        string    `json:"name"`
	Specialties []string  `json:"specialties"`
	Workplace   string    `json:"workplace"`
	Bio         string    `json:"bio"`
	URL         string    `json:"url"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"embedding"`
}

// Ingestor builds the doctor collection from crawled profiles.
type Ingestor struct {
	store    vectorstore.Store
	embedder embeddings.Client
	log      *logrus.Logger
}

// NewIngestor wires an ingestor. The store may be nil for offline runs.
func NewIngestor(store vectorstore.Store, embedder embeddings.Client, log *logrus.Logger) *Ingestor {
	return &Ingestor{store: store, embedder: embedder, log: log}
}

// Run executes the full pipeline: load, dedupe, embed in batches, write the
// sidecar, recreate the collection and upload. A failing embedding batch is
// skipped so one bad batch does not abort the run.
func (ing *Ingestor) Run(ctx context.Context, opts IngestOptions) (Stats, error) {
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if opts.UpsertBatchSize <= 0 {
		opts.UpsertBatchSize = DefaultUpsertBatchSize
	}

	profiles, err := LoadProfiles(opts.InputPath)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: len(profiles)}
	ing.log.WithField("count", stats.Total).Info("Loaded doctor profiles")

	if opts.Dedupe {
		profiles = DedupeBySpecialty(profiles)
		ing.log.WithFields(logrus.Fields{
			"unique":  len(profiles),
			"dropped": stats.Total - len(profiles),
		}).Info("Deduplicated profiles by specialty")
	}
	stats.Unique = len(profiles)

	embedded, err := ing.embedProfiles(ctx, profiles, opts.EmbedBatchSize)
	if err != nil {
		return stats, err
	}
	stats.Embedded = len(embedded)

	if opts.EmbeddingsPath != "" {
		if err := writeSidecar(opts.EmbeddingsPath, embedded); err != nil {
			return stats, err
		}
		ing.log.WithField("path", opts.EmbeddingsPath).Info("Wrote embeddings sidecar")
	}

	if opts.Offline {
		return stats, nil
	}
	if ing.store == nil {
		return stats, fmt.Errorf("no vector store configured")
	}

	if err := ing.store.RecreateCollection(ctx, opts.Collection, ing.embedder.Dims()); err != nil {
		return stats, err
	}
	uploaded, err := ing.upload(ctx, opts.Collection, embedded, opts.UpsertBatchSize)
	stats.Uploaded = uploaded
	if err != nil {
		return stats, err
	}
	ing.log.WithFields(logrus.Fields{
		"collection": opts.Collection,
		"uploaded":   uploaded,
	}).Info("Doctor ingest complete")
	return stats, nil
}

// embedProfiles turns profiles into sidecar records batch by batch.
func (ing *Ingestor) embedProfiles(ctx context.Context, profiles []Profile, batchSize int) ([]embeddedProfile, error) {
	var out []embeddedProfile
	for start := 0; start < len(profiles); start += batchSize {
		end := start + batchSize
		if end > len(profiles) {
			end = len(profiles)
		}
		batch := profiles[start:end]
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = FormatProfile(p)
		}

		vectors, err := ing.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			ing.log.WithError(err).WithFields(logrus.Fields{
				"batch_start": start + 1,
				"batch_end":   end,
			}).Error("Failed to embed batch, skipping")
			continue
		}
		for i, p := range batch {
			out = append(out, embeddedProfile{
				DoctorID:    start + i,
				Name:        p.Name,
				Specialties: p.Specialties,
				Workplace:   p.Workplace,
				Bio:         p.Bio,
				URL:         p.URL,
				Text:        texts[i],
				Embedding:   vectors[i],
			})
		}
		ing.log.WithFields(logrus.Fields{
			"done":  end,
			"total": len(profiles),
		}).Info("Embedded profile batch")
	}
	return out, nil
}

// upload writes sidecar records into the collection in batches, with a
// random UUID per point.
func (ing *Ingestor) upload(ctx context.Context, collection string, records []embeddedProfile, batchSize int) (int, error) {
	uploaded := 0
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		points := make([]vectorstore.Point, 0, end-start)
		for _, rec := range records[start:end] {
			points = append(points, vectorstore.Point{
				ID:     uuid.NewString(),
				Vector: rec.Embedding,
				Payload: map[string]string{
					"text":        rec.Text,
					"name":        rec.Name,
					"specialties": strings.Join(rec.Specialties, ", "),
					"workplace":   rec.Workplace,
					"bio":         rec.Bio,
					"url":         rec.URL,
					"doctor_id":   strconv.Itoa(rec.DoctorID),
				},
			})
		}
		if err := ing.store.Upsert(ctx, collection, points); err != nil {
			return uploaded, fmt.Errorf("failed to upload batch starting at %d: %w", start+1, err)
		}
		uploaded += len(points)
	}
	return uploaded, nil
}

func writeSidecar(path string, records []embeddedProfile) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode embeddings: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write embeddings file: %w", err)
	}
	return nil
}
