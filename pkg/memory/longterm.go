package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vsf-health/vsf-agent/internal/embeddings"
	"github.com/vsf-health/vsf-agent/internal/telemetry"
	"github.com/vsf-health/vsf-agent/internal/vectorstore"
)

// ErrStoreUnavailable is returned by vector operations when no store or
// embedder is configured.
var ErrStoreUnavailable = errors.New("vector store not configured")

// LongTerm bundles the two long-term journals with their vector index. The
// permanent journal holds daily summaries, the temp journal holds facts
// saved since the last maintenance run. Store and embedder may be nil, in
// which case saves land on disk only.
type LongTerm struct {
	journal    *Journal
	temp       *Journal
	store      vectorstore.Store
	embedder   embeddings.Client
	collection string
	log        *logrus.Logger
	now        func() time.Time
}

// NewLongTerm wires the long-term memory facade.
func NewLongTerm(journal, temp *Journal, store vectorstore.Store, embedder embeddings.Client, collection string, log *logrus.Logger) *LongTerm {
	return &LongTerm{
		journal:    journal,
		temp:       temp,
		store:      store,
		embedder:   embedder,
		collection: collection,
		log:        log,
		now:        time.Now,
	}
}

// Journal returns the permanent journal.
func (m *LongTerm) Journal() *Journal { return m.journal }

// Temp returns the temp journal of facts pending summarization.
func (m *LongTerm) Temp() *Journal { return m.temp }

// Collection returns the vector collection name.
func (m *LongTerm) Collection() string { return m.collection }

// Store returns the vector store, which may be nil.
func (m *LongTerm) Store() vectorstore.Store { return m.store }

// Embedder returns the embeddings client, which may be nil.
func (m *LongTerm) Embedder() embeddings.Client { return m.embedder }

// Save appends a fact to the temp journal and mirrors it into the vector
// store. The file write is authoritative; a store failure is logged and
// swallowed so a Qdrant outage never loses the fact.
func (m *LongTerm) Save(ctx context.Context, info string) error {
	ts := m.now().Format(TimeLayout)

	ctx, fileSpan := telemetry.Tracer().Start(ctx, "save_to_file")
	fileSpan.SetAttributes(attribute.String("tool.file", m.temp.Path()))
	err := m.temp.Append(ts, info)
	if err != nil {
		fileSpan.RecordError(err)
		fileSpan.SetStatus(codes.Error, err.Error())
		fileSpan.End()
		return err
	}
	fileSpan.End()

	if m.store == nil || m.embedder == nil {
		return nil
	}
	if err := m.saveToStore(ctx, ts, info); err != nil {
		m.log.WithError(err).Warn("Failed to mirror memory into vector store")
	}
	return nil
}

func (m *LongTerm) saveToStore(ctx context.Context, ts, info string) error {
	vector, err := m.embedder.Embed(ctx, info)
	if err != nil {
		return err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "save_to_qdrant")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", m.collection))

	count, err := m.store.Count(ctx, m.collection)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	point := vectorstore.Point{
		ID:     count + 1,
		Vector: vector,
		Payload: map[string]string{
			"text":                   fmt.Sprintf("[%s] %s", ts, info),
			"text_without_timestamp": info,
			"timestamp":              ts,
			"created_at":             m.now().Format(time.RFC3339),
		},
	}
	if err := m.store.Upsert(ctx, m.collection, []vectorstore.Point{point}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("point.id", count+1))
	return nil
}

// Content returns the combined long-term content: the permanent journal
// followed by any pending temp facts. The bool reports whether the
// permanent journal file exists.
func (m *LongTerm) Content() (string, bool, error) {
	exists := m.journal.Exists()
	content, err := m.journal.Read()
	if err != nil {
		return "", exists, err
	}
	tempContent, err := m.temp.Read()
	if err != nil {
		return "", exists, err
	}
	return content + tempContent, exists, nil
}

// SearchStore embeds the query and returns the closest stored memories.
func (m *LongTerm) SearchStore(ctx context.Context, query string, limit int) ([]vectorstore.ScoredPoint, error) {
	if m.store == nil || m.embedder == nil {
		return nil, ErrStoreUnavailable
	}
	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return m.SearchVector(ctx, vector, limit)
}

// SearchVector returns the closest stored memories to an already computed
// query vector.
func (m *LongTerm) SearchVector(ctx context.Context, vector []float32, limit int) ([]vectorstore.ScoredPoint, error) {
	if m.store == nil {
		return nil, ErrStoreUnavailable
	}

	ctx, span := telemetry.Tracer().Start(ctx, "qdrant_search")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.operation", "search"),
		attribute.String("db.collection", m.collection),
		attribute.Int("db.limit", limit),
	)

	hits, err := m.store.Search(ctx, m.collection, vector, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("db.results.count", len(hits)))
	return hits, nil
}

// ClearAll deletes both journal files.
func (m *LongTerm) ClearAll() error {
	if err := m.journal.Remove(); err != nil {
		return err
	}
	return m.temp.Remove()
}
