package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/vsf-health/vsf-agent/internal/vectorstore"
	"github.com/vsf-health/vsf-agent/pkg/doctors"
	"github.com/vsf-health/vsf-agent/pkg/logger"
	"github.com/vsf-health/vsf-agent/pkg/memory"
)

type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dims() int { return 2 }

func newTestStore(t *testing.T) *vectorstore.SQLiteStore {
	t.Helper()
	store, err := vectorstore.NewSQLiteStore(filepath.Join(t.TempDir(), "vectors.db"), logger.CreateTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestToolDefinitions(t *testing.T) {
	defs := toolDefinitions()
	require.Len(t, defs, 4)

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		assert.Equal(t, "function", d.Type)
		require.NotNil(t, d.Function)
		assert.NotEmpty(t, d.Function.Description)
		assert.NotNil(t, d.Function.Parameters)
		names = append(names, d.Function.Name)
	}
	assert.Equal(t, []string{ToolRetrieveLongTerm, ToolSaveMemory, ToolSearchLongTerm, ToolFindDoctor}, names)
}

func TestRetrieveLongTermNoFile(t *testing.T) {
	ag := newTestAgent(t, Config{})

	use := ag.executeTool(context.Background(), ToolRetrieveLongTerm, `{"query":"anything"}`)

	assert.Equal(t, "No long-term memory has been stored yet.", use.ToolOutput)
	assert.Equal(t, 1, ag.History().Total())
}

func TestRetrieveLongTermEmptyFile(t *testing.T) {
	ag := newTestAgent(t, Config{})
	require.NoError(t, ag.LongTerm().Journal().Clear())

	use := ag.executeTool(context.Background(), ToolRetrieveLongTerm, `{"query":"anything"}`)

	assert.Equal(t, "Long-term memory is empty, nothing has been saved yet.", use.ToolOutput)
}

func TestRetrieveLongTermWithoutModel(t *testing.T) {
	ag := newTestAgent(t, Config{})
	require.NoError(t, ag.LongTerm().Journal().Append("2026-08-24 09:00:00", "User prefers green tea"))

	use := ag.executeTool(context.Background(), ToolRetrieveLongTerm, `{"query":"what do I drink"}`)

	assert.Contains(t, use.ToolOutput, "Information from long-term memory:")
	assert.Contains(t, use.ToolOutput, "User prefers green tea")
}

func TestRetrieveLongTermSynthesizesWithModel(t *testing.T) {
	model := &fakeModel{queue: []*llms.ContentResponse{textChoice("You drink green tea.")}}
	ag := newTestAgent(t, Config{Model: model})
	require.NoError(t, ag.LongTerm().Journal().Append("2026-08-24 09:00:00", "User prefers green tea"))

	use := ag.executeTool(context.Background(), ToolRetrieveLongTerm, `{"query":"what do I drink"}`)

	assert.Equal(t, "You drink green tea.", use.ToolOutput)
	require.Equal(t, 1, model.calls())
	prompt := lastText(t, model.requests[0])
	assert.Contains(t, prompt, "what do I drink")
	assert.Contains(t, prompt, "User prefers green tea")
}

func TestRetrieveLongTermModelFailureFallsBack(t *testing.T) {
	model := &fakeModel{err: assert.AnError}
	ag := newTestAgent(t, Config{Model: model})
	require.NoError(t, ag.LongTerm().Journal().Append("2026-08-24 09:00:00", "User prefers green tea"))

	use := ag.executeTool(context.Background(), ToolRetrieveLongTerm, `{"query":"what do I drink"}`)

	assert.Contains(t, use.ToolOutput, "Information from long-term memory:")
	assert.Contains(t, use.ToolOutput, "User prefers green tea")
}

func TestSaveMemory(t *testing.T) {
	ag := newTestAgent(t, Config{})

	use := ag.executeTool(context.Background(), ToolSaveMemory, `{"information":"User has type 2 diabetes"}`)

	assert.Equal(t, "Saved: User has type 2 diabetes", use.ToolOutput)
	temp, err := ag.LongTerm().Temp().Read()
	require.NoError(t, err)
	assert.Contains(t, temp, "User has type 2 diabetes")
}

func TestSaveMemoryEmptyInformation(t *testing.T) {
	ag := newTestAgent(t, Config{})

	use := ag.executeTool(context.Background(), ToolSaveMemory, `{"information":"   "}`)

	assert.Equal(t, "There is no information to save.", use.ToolOutput)
	assert.False(t, ag.LongTerm().Temp().Exists())
}

func TestSearchLongTermNoConnection(t *testing.T) {
	ag := newTestAgent(t, Config{})

	use := ag.executeTool(context.Background(), ToolSearchLongTerm, `{"query":"tea"}`)

	assert.Equal(t, "Error: cannot connect to the long-term memory database.", use.ToolOutput)
}

func TestSearchLongTerm(t *testing.T) {
	store := newTestStore(t)
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"User prefers green tea": {0, 1},
		"what do I drink":        {0.1, 0.9},
	}}
	dir := t.TempDir()
	lt := memory.NewLongTerm(
		memory.NewJournal(filepath.Join(dir, "longterm.txt")),
		memory.NewJournal(filepath.Join(dir, "longterm_temp.txt")),
		store, embedder, "memories", logger.CreateTestLogger())
	require.NoError(t, lt.Save(context.Background(), "User prefers green tea"))

	ag := newTestAgent(t, Config{LongTerm: lt})
	use := ag.executeTool(context.Background(), ToolSearchLongTerm, `{"query":"what do I drink","top_k":1}`)

	assert.Contains(t, use.ToolOutput, "Information from the long-term memory database:")
	assert.Contains(t, use.ToolOutput, "User prefers green tea")
	assert.Contains(t, use.ToolOutput, "relevance:")
}

func TestSearchLongTermNoResults(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	lt := memory.NewLongTerm(
		memory.NewJournal(filepath.Join(dir, "longterm.txt")),
		memory.NewJournal(filepath.Join(dir, "longterm_temp.txt")),
		store, &stubEmbedder{}, "memories", logger.CreateTestLogger())

	ag := newTestAgent(t, Config{LongTerm: lt})
	use := ag.executeTool(context.Background(), ToolSearchLongTerm, `{"query":"anything"}`)

	assert.Equal(t, "No related information found in long-term memory.", use.ToolOutput)
}

func TestFindDoctorNoConnection(t *testing.T) {
	ag := newTestAgent(t, Config{})

	use := ag.executeTool(context.Background(), ToolFindDoctor, `{"query":"heart trouble"}`)

	assert.Equal(t, "Error: cannot connect to the doctor database.", use.ToolOutput)
}

func TestFindDoctor(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Upsert(context.Background(), "doctors", []vectorstore.Point{
		{ID: "a", Vector: []float32{0, 1}, Payload: map[string]string{
			"name":        "Dr. Rao",
			"specialties": "Cardiology",
			"workplace":   "City Clinic",
			"bio":         "Heart specialist.",
		}},
	}))
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"heart trouble": {0.1, 0.9},
	}}
	searcher := doctors.NewSearcher(store, embedder, "doctors", logger.CreateTestLogger())

	ag := newTestAgent(t, Config{Doctors: searcher})
	use := ag.executeTool(context.Background(), ToolFindDoctor, `{"query":"heart trouble","top_k":1}`)

	assert.Contains(t, use.ToolOutput, "1. Doctor: Dr. Rao")
	assert.Contains(t, use.ToolOutput, "Specialties: Cardiology")
}

func TestExecuteToolInvalidArguments(t *testing.T) {
	ag := newTestAgent(t, Config{})

	use := ag.executeTool(context.Background(), ToolSaveMemory, `{broken`)

	assert.Contains(t, use.ToolOutput, "Invalid arguments for save_memory")
	// Even a malformed call lands in the history.
	require.Equal(t, 1, ag.History().Total())
	assert.Equal(t, `{broken`, ag.History().All()[0].ToolInput)
}

func TestExecuteToolUnknown(t *testing.T) {
	ag := newTestAgent(t, Config{})

	use := ag.executeTool(context.Background(), "bogus_tool", `{}`)

	assert.Equal(t, "Unknown tool: bogus_tool", use.ToolOutput)
	assert.Equal(t, 1, ag.History().Total())
}

func TestToolHistory(t *testing.T) {
	h := NewToolHistory()
	assert.Zero(t, h.Total())

	h.Record(ToolUse{ToolName: "a", ToolInput: "{}", ToolOutput: "one"})
	h.Record(ToolUse{ToolName: "b", ToolInput: "{}", ToolOutput: "two"})

	assert.Equal(t, 2, h.Total())
	all := h.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ToolName)
	assert.Equal(t, "b", all[1].ToolName)

	// The returned slice is a copy.
	all[0].ToolName = "mutated"
	assert.Equal(t, "a", h.All()[0].ToolName)

	h.Clear()
	assert.Zero(t, h.Total())
	assert.Empty(t, h.All())
}
