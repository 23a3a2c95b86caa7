package server

import (
	"net/http"
	"strings"
)

// chatRequest is the non-streaming counterpart to the WebSocket inbound
// frame: same fields, one request/response instead of a stream.
type chatRequest struct {
	Messages       []inboundMessage `json:"messages"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Model          string           `json:"model,omitempty"`
}

type chatResponse struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id"`
}

// handleChatREST drains a full turn and returns the concatenated
// assistant text in one response, for callers that don't want to speak
// the WebSocket protocol.
func (s *Server) handleChatREST(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Loop == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no agent loop configured"})
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages must not be empty"})
		return
	}
	last := req.Messages[len(req.Messages)-1]

	session, err := s.sessionFor(r.Context(), req.ConversationID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	chunks, err := s.deps.Loop.Run(r.Context(), session, last.Content, nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	var content strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": chunk.Error.Error()})
			return
		}
		content.WriteString(chunk.Text)
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Content:        content.String(),
		ConversationID: session.ID,
	})
}

// handleConversationsList lists existing conversations for this server's
// agent identity.
func (s *Server) handleConversationsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no session store configured"})
		return
	}

	list, err := s.deps.Sessions.List(r.Context(), s.deps.AgentID, sessionListOptions(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleConversationByID serves GET/DELETE on /conversations/{id}.
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/conversations/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if s.deps.Sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no session store configured"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		history, err := s.deps.Sessions.GetHistory(r.Context(), id, 0)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, history)
	case http.MethodDelete:
		if err := s.deps.Sessions.Delete(r.Context(), id); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
