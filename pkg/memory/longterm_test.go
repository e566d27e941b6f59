package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsf-health/vsf-agent/internal/embeddings"
	"github.com/vsf-health/vsf-agent/internal/vectorstore"
	"github.com/vsf-health/vsf-agent/pkg/logger"
)

// fakeEmbedder returns canned vectors without calling any API.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dims() int { return 2 }

var _ embeddings.Client = (*fakeEmbedder)(nil)

var testClock = func() time.Time {
	return time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
}

func newTestVectorStore(t *testing.T) *vectorstore.SQLiteStore {
	t.Helper()
	store, err := vectorstore.NewSQLiteStore(filepath.Join(t.TempDir(), "vectors.db"), logger.CreateTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestLongTerm(t *testing.T, store vectorstore.Store, embedder embeddings.Client) *LongTerm {
	t.Helper()
	dir := t.TempDir()
	journal := NewJournal(filepath.Join(dir, "longterm.txt"))
	temp := NewJournal(filepath.Join(dir, "longterm_temp.txt"))
	lt := NewLongTerm(journal, temp, store, embedder, "memories", logger.CreateTestLogger())
	lt.now = testClock
	return lt
}

func TestSaveWritesTempAndMirrorsToStore(t *testing.T) {
	ctx := context.Background()
	store := newTestVectorStore(t)
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"likes green tea": {0, 1},
		"ran 5k today":    {0.9, 0.1},
	}}
	lt := newTestLongTerm(t, store, embedder)

	require.NoError(t, lt.Save(ctx, "likes green tea"))

	content, err := lt.Temp().Read()
	require.NoError(t, err)
	assert.Equal(t, "[2026-08-25 10:30:00] likes green tea\n", content)

	count, err := store.Count(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	hits, err := store.Search(ctx, "memories", []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "1", hits[0].ID)
	assert.Equal(t, "[2026-08-25 10:30:00] likes green tea", hits[0].Payload["text"])
	assert.Equal(t, "likes green tea", hits[0].Payload["text_without_timestamp"])
	assert.Equal(t, "2026-08-25 10:30:00", hits[0].Payload["timestamp"])
	assert.Equal(t, "2026-08-25T10:30:00Z", hits[0].Payload["created_at"])
	_, hasDate := hits[0].Payload["date"]
	assert.False(t, hasDate)

	// IDs keep counting up across saves.
	require.NoError(t, lt.Save(ctx, "ran 5k today"))
	hits, err = store.Search(ctx, "memories", []float32{0.9, 0.1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "2", hits[0].ID)
}

func TestSaveWithoutStore(t *testing.T) {
	lt := newTestLongTerm(t, nil, nil)

	require.NoError(t, lt.Save(context.Background(), "file only"))

	content, err := lt.Temp().Read()
	require.NoError(t, err)
	assert.Contains(t, content, "file only")
}

func TestSaveSwallowsStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestVectorStore(t)
	lt := newTestLongTerm(t, store, &fakeEmbedder{err: errors.New("embeddings down")})

	require.NoError(t, lt.Save(ctx, "still saved to disk"))

	content, err := lt.Temp().Read()
	require.NoError(t, err)
	assert.Contains(t, content, "still saved to disk")

	count, err := store.Count(ctx, "memories")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSaveFailsWhenTempUnwritable(t *testing.T) {
	dir := t.TempDir()
	journal := NewJournal(filepath.Join(dir, "longterm.txt"))
	// A directory in place of the temp file makes the append fail.
	temp := NewJournal(dir)
	lt := NewLongTerm(journal, temp, nil, nil, "memories", logger.CreateTestLogger())

	assert.Error(t, lt.Save(context.Background(), "nope"))
}

func TestContent(t *testing.T) {
	lt := newTestLongTerm(t, nil, nil)

	content, exists, err := lt.Content()
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, content)

	require.NoError(t, lt.Journal().Append("2026-08-24 09:00:00", "daily summary"))
	require.NoError(t, lt.Temp().Append("2026-08-25 10:30:00", "pending fact"))

	content, exists, err = lt.Content()
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t,
		"[2026-08-24 09:00:00] daily summary\n[2026-08-25 10:30:00] pending fact\n",
		content)
}

func TestSearchStore(t *testing.T) {
	ctx := context.Background()
	store := newTestVectorStore(t)
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"likes green tea":    {0, 1},
		"ran 5k today":       {1, 0},
		"what do they drink": {0.1, 0.9},
	}}
	lt := newTestLongTerm(t, store, embedder)
	require.NoError(t, lt.Save(ctx, "likes green tea"))
	require.NoError(t, lt.Save(ctx, "ran 5k today"))

	hits, err := lt.SearchStore(ctx, "what do they drink", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "likes green tea", hits[0].Payload["text_without_timestamp"])
}

func TestSearchStoreUnavailable(t *testing.T) {
	lt := newTestLongTerm(t, nil, nil)
	_, err := lt.SearchStore(context.Background(), "anything", 3)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestClearAll(t *testing.T) {
	lt := newTestLongTerm(t, nil, nil)
	require.NoError(t, lt.Journal().Append("2026-08-24 09:00:00", "summary"))
	require.NoError(t, lt.Temp().Append("2026-08-25 10:30:00", "fact"))

	require.NoError(t, lt.ClearAll())

	assert.False(t, lt.Journal().Exists())
	assert.False(t, lt.Temp().Exists())
	// Clearing again with nothing on disk is fine.
	require.NoError(t, lt.ClearAll())
}
