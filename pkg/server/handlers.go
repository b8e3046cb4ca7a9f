package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ricordo/pkg/chat"
	"github.com/go-go-golems/ricordo/pkg/store"
)

const (
	defaultSearchLimit = 20
	defaultRecentDays  = 7
	defaultListLimit   = 50
	defaultTopK        = 5
)

// chatEntry is one model's slot in the start_chat / continue_chat body. The
// wire shape is a map keyed by model name, matching the per-model fan-out.
type chatEntry struct {
	UserInput      string         `json:"user_input"`
	ConversationID string         `json:"conversation_id,omitempty"`
	History        []chat.Message `json:"history,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body map[string]chatEntry
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.Wrap(errBadRequest, "malformed JSON body"))
		return
	}
	if len(body) == 0 {
		writeError(w, errors.Wrap(errBadRequest, "no models in request"))
		return
	}

	// stable request order so validation errors are deterministic
	names := make([]string, 0, len(body))
	for name := range body {
		names = append(names, name)
	}
	sort.Strings(names)

	requests := make([]chat.Request, 0, len(body))
	for _, name := range names {
		entry := body[name]
		if entry.UserInput == "" {
			writeError(w, errors.Wrapf(errBadRequest, "model %s: user_input is required", name))
			return
		}
		requests = append(requests, chat.Request{
			ModelName:      name,
			UserInput:      entry.UserInput,
			ConversationID: entry.ConversationID,
			History:        entry.History,
		})
	}

	results, err := s.orchestrator.Chat(r.Context(), requests)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleHistorySearch(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	if keyword == "" {
		writeError(w, errors.Wrap(errBadRequest, "keyword is required"))
		return
	}
	limit := queryInt(r, "limit", defaultSearchLimit)

	matches, err := s.store.SearchKeyword(r.Context(), keyword, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keyword": keyword,
		"matches": matches,
	})
}

func (s *Server) handleHistoryRecent(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", defaultRecentDays)
	limit := queryInt(r, "limit", defaultListLimit)

	conversations, err := s.store.ListRecent(r.Context(), days, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":          days,
		"conversations": conversations,
	})
}

func (s *Server) handleHistoryConversation(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("conversation_id")
	if id == "" {
		writeError(w, errors.Wrap(errBadRequest, "conversation_id is required"))
		return
	}

	conversation, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := s.store.GetMessages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conversation,
		"messages":     messages,
	})
}

func (s *Server) handleHistoryTitle(w http.ResponseWriter, r *http.Request) {
	title := r.URL.Query().Get("title")
	if title == "" {
		writeError(w, errors.Wrap(errBadRequest, "title is required"))
		return
	}

	byModel, err := s.store.FindByTitle(r.Context(), title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"title":  title,
		"models": byModel,
	})
}

func (s *Server) handleHistoryByModel(w http.ResponseWriter, r *http.Request) {
	modelName := r.URL.Query().Get("model_name")
	if modelName == "" {
		writeError(w, errors.Wrap(errBadRequest, "model_name is required"))
		return
	}
	limit := queryInt(r, "limit", defaultListLimit)
	offset := queryInt(r, "offset", 0)

	conversations, err := s.store.ListByModel(r.Context(), modelName, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_name":    modelName,
		"conversations": conversations,
	})
}

type feedbackRequest struct {
	MessageID string `json:"message_id"`
	Feedback  string `json:"feedback"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errBadRequest, "malformed JSON body"))
		return
	}
	if req.MessageID == "" {
		writeError(w, errors.Wrap(errBadRequest, "message_id is required"))
		return
	}
	feedback := store.Feedback(req.Feedback)
	switch feedback {
	case store.FeedbackLike, store.FeedbackDislike, store.FeedbackNone:
	default:
		writeError(w, errors.Wrapf(errBadRequest, "invalid feedback %q", req.Feedback))
		return
	}

	if err := s.store.SetFeedback(r.Context(), req.MessageID, feedback); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": req.MessageID, "feedback": req.Feedback})
}

func (s *Server) handleAvailableModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": s.registry.Models(),
	})
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errBadRequest, "malformed JSON body"))
		return
	}
	if req.Query == "" {
		writeError(w, errors.Wrap(errBadRequest, "query is required"))
		return
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}

	result, err := s.search.Search(r.Context(), req.Query, req.TopK)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type indexRequest struct {
	DaysLimit int `json:"days_limit,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.Wrap(errBadRequest, "malformed JSON body"))
			return
		}
	}

	result := s.indexer.Start(req.DaysLimit)
	status := http.StatusAccepted
	if !result.Started {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.indexer.Status())
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
