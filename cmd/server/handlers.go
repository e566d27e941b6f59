package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vsf-health/vsf-agent/pkg/database"
	"github.com/vsf-health/vsf-agent/pkg/memory"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type toolCallJSON struct {
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input"`
	ToolOutput string          `json:"tool_output"`
}

type chatResponse struct {
	Response  string         `json:"response"`
	SessionID string         `json:"session_id"`
	ToolsUsed []toolCallJSON `json:"tools_used"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// toolInputJSON keeps well-formed tool arguments as a JSON object and wraps
// anything else as a plain string.
func toolInputJSON(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

func (api *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "running",
		"service": "vsf-agent API",
		"version": api.cfg.Telemetry.ServiceVersion,
	})
}

func (api *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}

	result, err := api.agent.Chat(r.Context(), req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "chat failed: "+err.Error())
		return
	}

	toolsUsed := make([]toolCallJSON, 0, len(result.ToolsUsed))
	for _, use := range result.ToolsUsed {
		toolsUsed = append(toolsUsed, toolCallJSON{
			ToolName:   use.ToolName,
			ToolInput:  toolInputJSON(use.ToolInput),
			ToolOutput: use.ToolOutput,
		})
	}

	if api.chatDB != nil {
		raw, err := json.Marshal(toolsUsed)
		if err != nil {
			raw = json.RawMessage("[]")
		}
		if err := api.chatDB.AppendExchange(r.Context(), req.SessionID, req.Message, result.Response, raw); err != nil {
			api.log.WithError(err).WithField("session_id", req.SessionID).Warn("Failed to persist chat exchange")
		}
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Response:  result.Response,
		SessionID: req.SessionID,
		ToolsUsed: toolsUsed,
	})
}

func (api *API) handleGetLongterm(w http.ResponseWriter, r *http.Request) {
	content, _, err := api.agent.LongTerm().Content()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read long-term memory: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (api *API) handleClearLongterm(w http.ResponseWriter, r *http.Request) {
	if err := api.agent.LongTerm().ClearAll(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear long-term memory: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Long-term memory cleared"})
}

func (api *API) handleGetBuffer(w http.ResponseWriter, r *http.Request) {
	messages := api.agent.BufferMessages()
	if messages == nil {
		messages = []memory.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (api *API) handleClearBuffer(w http.ResponseWriter, r *http.Request) {
	api.agent.ClearBuffer()
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Buffer memory cleared"})
}

func (api *API) handleGetToolHistory(w http.ResponseWriter, r *http.Request) {
	calls := api.agent.History().All()
	history := make([]toolCallJSON, 0, len(calls))
	for _, use := range calls {
		history = append(history, toolCallJSON{
			ToolName:   use.ToolName,
			ToolInput:  toolInputJSON(use.ToolInput),
			ToolOutput: use.ToolOutput,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_calls": len(history),
		"history":     history,
	})
}

func (api *API) handleClearToolHistory(w http.ResponseWriter, r *http.Request) {
	api.agent.History().Clear()
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Tool call history cleared"})
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if api.agent == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "unhealthy",
			"error":  "agent not initialized",
		})
		return
	}
	journal := api.agent.LongTerm().Journal()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":               "healthy",
		"agent_initialized":    true,
		"longterm_file":        journal.Path(),
		"longterm_exists":      journal.Exists(),
		"total_tool_calls":     api.agent.History().Total(),
		"is_primed":            api.agent.Primed(),
		"messages_since_prime": api.agent.MessagesSincePrime(),
		"buffer_size":          api.agent.BufferSize(),
	})
}

func (api *API) handlePrimingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"is_primed":                 api.agent.Primed(),
		"message_count_since_prime": api.agent.MessagesSincePrime(),
		"buffer_size":               api.agent.BufferSize(),
		"should_reprime":            api.agent.ShouldReprime(),
		"messages_until_reprime":    api.agent.MessagesUntilReprime(),
	})
}

func (api *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := api.chatDB.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions: "+err.Error())
		return
	}
	if sessions == nil {
		sessions = []database.ChatSession{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (api *API) handleGetSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	messages, err := api.chatDB.GetMessages(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get session messages: "+err.Error())
		return
	}
	if messages == nil {
		messages = []database.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
	})
}

func (api *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	if err := api.chatDB.DeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete session: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Session deleted"})
}
