package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aruiz/ragrelay/internal/db"
	"github.com/aruiz/ragrelay/internal/stream"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.db.ListConversations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, conversations)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req db.CreateConversationInput
	// An empty body is fine; the title is optional and can be derived from
	// the first prompt later.
	_ = decodeJSON(r, &req)

	conv, err := s.db.CreateConversation(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conv, err := s.db.GetConversation(id)
	if err != nil {
		writeDBError(w, err, "conversation")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

type updateConversationRequest struct {
	Title *string `json:"title,omitempty"`
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == nil {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := s.db.UpdateConversationTitle(id, *req.Title); err != nil {
		writeDBError(w, err, "conversation")
		return
	}

	conv, err := s.db.GetConversation(id)
	if err != nil {
		writeDBError(w, err, "conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.chat.RemoveConversation(id)
	if err := s.db.DeleteConversation(id); err != nil {
		writeDBError(w, err, "conversation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListConversationMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	messages, _, cancel, err := s.chat.Attach(id)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	cancel()

	writeJSON(w, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Content        string          `json:"content"`
	Filters        *stream.Filters `json:"filters,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	ScoreThreshold float64         `json:"scoreThreshold,omitempty"`
}

func (s *Server) handleSendConversationMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	_, err := s.chat.StartTurn(StartChatTurnInput{
		ConversationID: id,
		Prompt:         req.Content,
		Filters:        req.Filters,
		Limit:          req.Limit,
		ScoreThreshold: req.ScoreThreshold,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrConversationNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, ErrChatTurnBusy):
			writeError(w, http.StatusConflict, "a response is already streaming")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "streaming"})
}

func (s *Server) handleInterruptConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	interrupted := s.chat.Interrupt(id)
	writeJSON(w, http.StatusOK, map[string]any{"interrupted": interrupted})
}
