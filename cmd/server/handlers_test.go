package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/vsf-health/vsf-agent/internal/config"
	"github.com/vsf-health/vsf-agent/pkg/agent"
	"github.com/vsf-health/vsf-agent/pkg/database"
	"github.com/vsf-health/vsf-agent/pkg/doctors"
	"github.com/vsf-health/vsf-agent/pkg/logger"
	"github.com/vsf-health/vsf-agent/pkg/memory"
)

// fakeModel pops queued responses in order.
type fakeModel struct {
	mu    sync.Mutex
	queue []*llms.ContentResponse
	err   error
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if len(m.queue) == 0 {
		return textChoice("out of scripted responses"), nil
	}
	resp := m.queue[0]
	m.queue = m.queue[1:]
	return resp, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func textChoice(content string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}
}

func toolChoice(id, name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:           id,
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
		}},
	}}}
}

type testAPI struct {
	*API
	model *fakeModel
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dir := t.TempDir()
	log := logger.CreateTestLogger()

	lt := memory.NewLongTerm(
		memory.NewJournal(filepath.Join(dir, "longterm.txt")),
		memory.NewJournal(filepath.Join(dir, "longterm_temp.txt")),
		nil, nil, "memories", log)
	searcher := doctors.NewSearcher(nil, nil, "doctors", log)

	model := &fakeModel{}
	ag, err := agent.New(agent.Config{
		Model:      model,
		LongTerm:   lt,
		Doctors:    searcher,
		BufferSize: 3,
		Log:        log,
	})
	require.NoError(t, err)

	chatDB, err := database.NewSQLiteDB(filepath.Join(dir, "chat_history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { chatDB.Close() })

	cfg := &config.Config{}
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Telemetry.ServiceVersion = "1.0.0"

	return &testAPI{API: NewAPI(cfg, ag, chatDB, log), model: model}
}

func (api *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleRoot(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "vsf-agent API", body["service"])
	assert.Equal(t, "1.0.0", body["version"])
}

func TestHandleChat(t *testing.T) {
	api := newTestAPI(t)
	api.model.queue = []*llms.ContentResponse{
		textChoice("Nothing stored yet."),
		toolChoice("call_1", "save_memory", `{"information":"User's name is Minh"}`),
		textChoice("Nice to meet you, Minh!"),
	}

	rec := api.do(t, http.MethodPost, "/chat", `{"message":"My name is Minh"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Nice to meet you, Minh!", body["response"])
	assert.Equal(t, "default", body["session_id"])

	tools, ok := body["tools_used"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	call := tools[0].(map[string]any)
	assert.Equal(t, "save_memory", call["tool_name"])
	assert.Equal(t, "Saved: User's name is Minh", call["tool_output"])
	// Valid JSON arguments come back as an object, not a string.
	input, ok := call["tool_input"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "User's name is Minh", input["information"])

	// The exchange lands in the chat history database.
	messages, err := api.chatDB.GetMessages(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "My name is Minh", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Contains(t, string(messages[1].ToolsUsed), "save_memory")
}

func TestHandleChatNoTools(t *testing.T) {
	api := newTestAPI(t)
	api.model.queue = []*llms.ContentResponse{
		textChoice("primed"),
		textChoice("Hello!"),
	}

	rec := api.do(t, http.MethodPost, "/chat", `{"message":"hi","session_id":"abc"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "abc", body["session_id"])
	// An empty tool list serializes as [], not null.
	assert.Contains(t, rec.Body.String(), `"tools_used":[]`)

	_, err := api.chatDB.GetSession(context.Background(), "abc")
	require.NoError(t, err)
}

func TestHandleChatValidation(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/chat", `{broken`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "invalid request body")

	rec = api.do(t, http.MethodPost, "/chat", `{"message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "message is required", decodeBody(t, rec)["error"])
}

func TestHandleChatModelFailure(t *testing.T) {
	api := newTestAPI(t)
	api.model.err = assert.AnError

	rec := api.do(t, http.MethodPost, "/chat", `{"message":"hi"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "chat failed")
}

func TestLongtermEndpoints(t *testing.T) {
	api := newTestAPI(t)
	require.NoError(t, api.agent.LongTerm().Journal().Append("2026-08-24 09:00:00", "User prefers green tea"))

	rec := api.do(t, http.MethodGet, "/memory/longterm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["content"], "User prefers green tea")

	rec = api.do(t, http.MethodDelete, "/memory/longterm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Long-term memory cleared", body["message"])

	rec = api.do(t, http.MethodGet, "/memory/longterm", "")
	assert.Empty(t, decodeBody(t, rec)["content"])
}

func TestBufferEndpoints(t *testing.T) {
	api := newTestAPI(t)
	api.model.queue = []*llms.ContentResponse{
		textChoice("primed"),
		textChoice("Hello!"),
	}
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/chat", `{"message":"hi"}`).Code)

	rec := api.do(t, http.MethodGet, "/memory/buffer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	messages, ok := decodeBody(t, rec)["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 4)
	first := messages[0].(map[string]any)
	assert.Equal(t, "user", first["role"])

	rec = api.do(t, http.MethodDelete, "/memory/buffer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Buffer memory cleared", decodeBody(t, rec)["message"])

	rec = api.do(t, http.MethodGet, "/memory/buffer", "")
	assert.Contains(t, rec.Body.String(), `"messages":[]`)
}

func TestToolHistoryEndpoints(t *testing.T) {
	api := newTestAPI(t)
	api.model.queue = []*llms.ContentResponse{
		textChoice("primed"),
		toolChoice("call_1", "save_memory", `{"information":"fact"}`),
		textChoice("Done."),
	}
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/chat", `{"message":"remember this"}`).Code)

	rec := api.do(t, http.MethodGet, "/tools/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["total_calls"])
	history := body["history"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "save_memory", history[0].(map[string]any)["tool_name"])

	rec = api.do(t, http.MethodDelete, "/tools/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Tool call history cleared", decodeBody(t, rec)["message"])

	rec = api.do(t, http.MethodGet, "/tools/history", "")
	body = decodeBody(t, rec)
	assert.EqualValues(t, 0, body["total_calls"])
	assert.Contains(t, rec.Body.String(), `"history":[]`)
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["agent_initialized"])
	assert.Equal(t, false, body["longterm_exists"])
	assert.Equal(t, false, body["is_primed"])
	assert.EqualValues(t, 0, body["total_tool_calls"])
	assert.EqualValues(t, 3, body["buffer_size"])
	assert.NotEmpty(t, body["longterm_file"])
}

func TestHandlePrimingStatus(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/priming/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["is_primed"])
	assert.EqualValues(t, 0, body["message_count_since_prime"])
	assert.EqualValues(t, 3, body["buffer_size"])
	assert.Equal(t, false, body["should_reprime"])
	assert.EqualValues(t, 3, body["messages_until_reprime"])

	api.model.queue = []*llms.ContentResponse{
		textChoice("primed"),
		textChoice("Hello!"),
	}
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/chat", `{"message":"hi"}`).Code)

	body = decodeBody(t, api.do(t, http.MethodGet, "/priming/status", ""))
	assert.Equal(t, true, body["is_primed"])
	assert.EqualValues(t, 1, body["message_count_since_prime"])
	assert.EqualValues(t, 2, body["messages_until_reprime"])
}

func TestSessionEndpoints(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, api.chatDB.AppendExchange(ctx, "one", "hello", "hi", nil))
	require.NoError(t, api.chatDB.AppendExchange(ctx, "two", "hey", "hello", nil))

	rec := api.do(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 2, body["total"])
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 2)
	assert.Equal(t, "two", sessions[0].(map[string]any)["session_id"])

	rec = api.do(t, http.MethodGet, "/sessions/one/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "one", body["session_id"])
	assert.Len(t, body["messages"].([]any), 2)

	rec = api.do(t, http.MethodGet, "/sessions/missing/messages", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodDelete, "/sessions/one", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Session deleted", decodeBody(t, rec)["message"])

	rec = api.do(t, http.MethodDelete, "/sessions/one", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSMiddleware(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestCORSRejectsUnlistedOrigin(t *testing.T) {
	api := newTestAPI(t)
	api.cfg.Server.CORSOrigins = []string{"http://allowed.example"}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://other.example")
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
