package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/ricordo/pkg/chat"
	"github.com/go-go-golems/ricordo/pkg/chunker"
	"github.com/go-go-golems/ricordo/pkg/embeddings"
	"github.com/go-go-golems/ricordo/pkg/indexer"
	"github.com/go-go-golems/ricordo/pkg/rag"
	"github.com/go-go-golems/ricordo/pkg/store"
	"github.com/go-go-golems/ricordo/pkg/vectorindex"
)

type fakeEngine struct {
	reply string
	fail  bool
}

func (f *fakeEngine) Generate(_ context.Context, _ []chat.Message) (string, error) {
	if f.fail {
		return "", errors.New("provider timeout")
	}
	return f.reply, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	var sum float32
	for _, r := range text {
		sum += float32(r)
	}
	return []float32{float32(len(text)), sum, 1, 0}, nil
}

func (f fakeEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return embeddings.DefaultGenerateBatchEmbeddings(ctx, f, texts)
}

func (fakeEmbedder) GetModel() embeddings.EmbeddingModel {
	return embeddings.EmbeddingModel{Name: "fake-embedding", Dimensions: 4}
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(_ context.Context, _ string, excerpts []string) (string, error) {
	if len(excerpts) == 0 {
		return rag.NoMatchSummary, nil
	}
	return "summary of matched history", nil
}

type testEnv struct {
	server   *Server
	store    *store.Store
	registry *chat.Registry
	indexer  *indexer.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "ricordo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ix, err := vectorindex.New(st.DB())
	require.NoError(t, err)

	registry := chat.NewRegistry()
	orchestrator := chat.NewOrchestrator(st, registry, nil, "user-1")

	embedder := fakeEmbedder{}
	search := rag.NewSearchService(embedder, ix, fakeSummarizer{})
	indexSvc := indexer.New(st, chunker.New(512, 50), embedder, ix, nil)

	srv := New(":0", st, orchestrator, registry, search, indexSvc)
	return &testEnv{server: srv, store: st, registry: registry, indexer: indexSvc}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestStartChatCreatesConversations(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("qwen", &fakeEngine{reply: "Hi from qwen"}, "You are a helpful AI assistant.")
	env.registry.Register("kimi", &fakeEngine{reply: "Hi from kimi"}, "")

	rec := env.do(t, http.MethodPost, "/start_chat", map[string]chatEntry{
		"qwen": {UserInput: "Hello"},
		"kimi": {UserInput: "Hello"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var results map[string]chat.ModelResult
	decodeInto(t, rec, &results)
	require.Len(t, results, 2)

	for model, result := range results {
		assert.Empty(t, result.Error, model)
		require.Len(t, result.Messages, 2, model)
		assert.Equal(t, chat.RoleUser, result.Messages[0].Role)
		assert.Equal(t, chat.RoleAssistant, result.Messages[1].Role)
	}
	assert.Equal(t, "Hi from qwen", results["qwen"].Messages[1].Content)
	assert.Equal(t, "Hi from kimi", results["kimi"].Messages[1].Content)
}

func TestContinueChatAppendsToExistingConversation(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("qwen", &fakeEngine{reply: "reply"}, "")

	rec := env.do(t, http.MethodPost, "/start_chat", map[string]chatEntry{
		"qwen": {UserInput: "first turn"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var started map[string]chat.ModelResult
	decodeInto(t, rec, &started)
	convID := started["qwen"].ConversationID
	require.NotEmpty(t, convID)

	rec = env.do(t, http.MethodPost, "/continue_chat", map[string]chatEntry{
		"qwen": {UserInput: "second turn", ConversationID: convID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var continued map[string]chat.ModelResult
	decodeInto(t, rec, &continued)
	assert.Equal(t, convID, continued["qwen"].ConversationID)
	require.Len(t, continued["qwen"].Messages, 4)

	msgs, err := env.store.GetMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.Equal(t, i+1, m.SequenceID)
	}
}

func TestChatValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("qwen", &fakeEngine{reply: "reply"}, "")

	t.Run("unknown model", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/start_chat", map[string]chatEntry{
			"gpt-17": {UserInput: "Hello"},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing conversation", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/continue_chat", map[string]chatEntry{
			"qwen": {UserInput: "Hello", ConversationID: "no-such-id"},
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("empty user_input", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/start_chat", map[string]chatEntry{
			"qwen": {},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/start_chat", bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/start_chat", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestProviderFailureIsPerModel(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("qwen", &fakeEngine{reply: "fine"}, "")
	env.registry.Register("deepseek", &fakeEngine{fail: true}, "")

	rec := env.do(t, http.MethodPost, "/start_chat", map[string]chatEntry{
		"qwen":     {UserInput: "Hello"},
		"deepseek": {UserInput: "Hello"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var results map[string]chat.ModelResult
	decodeInto(t, rec, &results)
	assert.Empty(t, results["qwen"].Error)
	assert.NotEmpty(t, results["deepseek"].Error)
	assert.Empty(t, results["deepseek"].Messages)
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("qwen", &fakeEngine{reply: "Go is a statically typed language."}, "")

	rec := env.do(t, http.MethodPost, "/start_chat", map[string]chatEntry{
		"qwen": {UserInput: "Tell me about golang"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var started map[string]chat.ModelResult
	decodeInto(t, rec, &started)
	convID := started["qwen"].ConversationID

	t.Run("search", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/history/search?keyword=golang", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Keyword string               `json:"keyword"`
			Matches []store.KeywordMatch `json:"matches"`
		}
		decodeInto(t, rec, &body)
		require.NotEmpty(t, body.Matches)
		assert.Equal(t, convID, body.Matches[0].Conversation.ID)
	})

	t.Run("search requires keyword", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/history/search", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("recent", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/history/recent?days=7", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Conversations []store.Conversation `json:"conversations"`
		}
		decodeInto(t, rec, &body)
		require.Len(t, body.Conversations, 1)
	})

	t.Run("conversation", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/history/conversation?conversation_id="+convID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Messages []store.Message `json:"messages"`
		}
		decodeInto(t, rec, &body)
		require.Len(t, body.Messages, 2)
	})

	t.Run("conversation not found", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/history/conversation?conversation_id=nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("by title", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/history/title?title=golang", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Models map[string][]store.Message `json:"models"`
		}
		decodeInto(t, rec, &body)
		require.Contains(t, body.Models, "qwen")
	})

	t.Run("by model", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/history/by_model?model_name=qwen", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Conversations []store.Conversation `json:"conversations"`
		}
		decodeInto(t, rec, &body)
		require.Len(t, body.Conversations, 1)
	})
}

func TestFeedbackEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("qwen", &fakeEngine{reply: "answer"}, "")

	rec := env.do(t, http.MethodPost, "/start_chat", map[string]chatEntry{
		"qwen": {UserInput: "question"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var started map[string]chat.ModelResult
	decodeInto(t, rec, &started)
	convID := started["qwen"].ConversationID

	msgs, err := env.store.GetMessages(context.Background(), convID)
	require.NoError(t, err)
	assistantID := msgs[1].ID

	rec = env.do(t, http.MethodPatch, "/history/feedback", feedbackRequest{
		MessageID: assistantID, Feedback: "like",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	msgs, err = env.store.GetMessages(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, store.FeedbackLike, msgs[1].Feedback)

	t.Run("invalid feedback value", func(t *testing.T) {
		rec := env.do(t, http.MethodPatch, "/history/feedback", feedbackRequest{
			MessageID: assistantID, Feedback: "love",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown message", func(t *testing.T) {
		rec := env.do(t, http.MethodPatch, "/history/feedback", feedbackRequest{
			MessageID: "missing", Feedback: "like",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAvailableModels(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("qwen", &fakeEngine{}, "")
	env.registry.Register("deepseek", &fakeEngine{}, "")

	rec := env.do(t, http.MethodGet, "/available_models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Models []string `json:"models"`
	}
	decodeInto(t, rec, &body)
	assert.Equal(t, []string{"deepseek", "qwen"}, body.Models)
}

func TestIndexAndSearchFlow(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("qwen", &fakeEngine{reply: "Channels synchronize goroutines."}, "")

	rec := env.do(t, http.MethodPost, "/start_chat", map[string]chatEntry{
		"qwen": {UserInput: "How do goroutines communicate?"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// synchronous run so the watermark is committed before we assert
	indexed, err := env.indexer.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	require.Greater(t, indexed, 0)

	rec = env.do(t, http.MethodPost, "/index", indexRequest{})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var startResult indexer.StartResult
	decodeInto(t, rec, &startResult)
	assert.True(t, startResult.Started)

	// wait for the background run (everything already indexed, so it is quick)
	require.Eventually(t, func() bool {
		return env.indexer.Status().State != indexer.StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	status := env.indexer.Status()
	assert.Equal(t, 0, status.LastRunChunks, "second run must index nothing new")

	rec = env.do(t, http.MethodGet, "/index/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st indexer.Status
	decodeInto(t, rec, &st)
	assert.Greater(t, st.IndexedChunks, 0)

	rec = env.do(t, http.MethodPost, "/search", searchRequest{Query: "goroutines", TopK: 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result rag.Result
	decodeInto(t, rec, &result)
	assert.Equal(t, "goroutines", result.Query)
	require.NotEmpty(t, result.Sources)
	assert.Equal(t, "summary of matched history", result.Summary)
}

func TestSearchOnEmptyIndex(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/search", searchRequest{Query: "anything"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result rag.Result
	decodeInto(t, rec, &result)
	assert.Empty(t, result.Sources)
	assert.Equal(t, rag.NoMatchSummary, result.Summary)
}

func TestSearchRequiresQuery(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/search", searchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
