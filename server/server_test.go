package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognimesh/memtier/memory"
	"github.com/cognimesh/memtier/memory/embedder/mock"
	chromemstore "github.com/cognimesh/memtier/memory/store/chromem"
	redisstore "github.com/cognimesh/memtier/memory/store/redis"
	"github.com/cognimesh/memtier/policy"
)

const testSecret = "test-signing-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })

	ephemeral := redisstore.New(client, nil)
	durable, err := chromemstore.New(chromemstore.Config{Dimensions: 64}, nil)
	require.NoError(t, err)

	embedder := mock.New(64)
	promoter := memory.NewPromoter(ephemeral, durable, embedder, policy.AlwaysValid(),
		memory.PromoterConfig{}, nil)
	repo := memory.NewRepository(ephemeral, durable, embedder, promoter,
		memory.RepositoryConfig{}, nil)

	srv := httptest.NewServer(New(repo, ephemeral, testSecret, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRejectsBadTokens(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"unsigned", "ada"},
		{"forged signature", "ada.deadbeef"},
		{"signed with wrong secret", IssueToken("ada", "wrong-secret")},
		{"signature for another owner", "ada." + IssueToken("grace", testSecret)[len("grace."):]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, srv, http.MethodGet, "/v1/stats", tc.token, nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestStoreAndRetrieve(t *testing.T) {
	srv := newTestServer(t)
	token := IssueToken("ada", testSecret)

	resp := doJSON(t, srv, http.MethodPost, "/v1/memories", token, map[string]any{
		"content":    "the user prefers YAML over JSON",
		"session_id": "s1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[storeResponse](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "stm", created.Tier)

	resp = doJSON(t, srv, http.MethodGet, "/v1/memories/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	item := decode[memory.Item](t, resp)
	assert.Equal(t, "the user prefers YAML over JSON", item.Content)
	assert.Equal(t, "ada", item.Owner)
	assert.Equal(t, 1, item.AccessCount)
}

func TestStoreValidation(t *testing.T) {
	srv := newTestServer(t)
	token := IssueToken("ada", testSecret)

	resp := doJSON(t, srv, http.MethodPost, "/v1/memories", token, map[string]any{
		"content": "",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPost, "/v1/memories", token, map[string]any{
		"content": "x",
		"tier":    "glacial",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetrieveUnknownIDIs404(t *testing.T) {
	srv := newTestServer(t)
	token := IssueToken("ada", testSecret)

	resp := doJSON(t, srv, http.MethodGet, "/v1/memories/no-such-id", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOwnersCannotCrossRead(t *testing.T) {
	srv := newTestServer(t)
	ada := IssueToken("ada", testSecret)
	grace := IssueToken("grace", testSecret)

	resp := doJSON(t, srv, http.MethodPost, "/v1/memories", ada, map[string]any{
		"content": "ada's secret plan",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[storeResponse](t, resp)

	resp = doJSON(t, srv, http.MethodGet, "/v1/memories/"+created.ID, grace, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodDelete, "/v1/memories/"+created.ID, grace, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteMemory(t *testing.T) {
	srv := newTestServer(t)
	token := IssueToken("ada", testSecret)

	resp := doJSON(t, srv, http.MethodPost, "/v1/memories", token, map[string]any{
		"content": "temporary note",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[storeResponse](t, resp)

	resp = doJSON(t, srv, http.MethodDelete, "/v1/memories/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodGet, "/v1/memories/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListMemories(t *testing.T) {
	srv := newTestServer(t)
	ada := IssueToken("ada", testSecret)
	grace := IssueToken("grace", testSecret)

	for _, content := range []string{"first note", "second note"} {
		resp := doJSON(t, srv, http.MethodPost, "/v1/memories", ada, map[string]any{
			"content":    content,
			"session_id": "s1",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := doJSON(t, srv, http.MethodPost, "/v1/memories", ada, map[string]any{
		"content": "durable note",
		"tier":    "ltm",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The tier defaults to STM.
	resp = doJSON(t, srv, http.MethodGet, "/v1/memories", ada, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[struct {
		Memories []memory.Item `json:"memories"`
	}](t, resp)
	require.Len(t, out.Memories, 2)
	for _, item := range out.Memories {
		assert.Equal(t, memory.TierSTM, item.Tier)
	}

	resp = doJSON(t, srv, http.MethodGet, "/v1/memories?tier=ltm", ada, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode[struct {
		Memories []memory.Item `json:"memories"`
	}](t, resp)
	require.Len(t, out.Memories, 1)
	assert.Equal(t, "durable note", out.Memories[0].Content)

	resp = doJSON(t, srv, http.MethodGet, "/v1/memories?limit=1", ada, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode[struct {
		Memories []memory.Item `json:"memories"`
	}](t, resp)
	assert.Len(t, out.Memories, 1)

	resp = doJSON(t, srv, http.MethodGet, "/v1/memories?tier=glacial", ada, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = doJSON(t, srv, http.MethodGet, "/v1/memories?limit=-3", ada, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Another owner sees nothing.
	resp = doJSON(t, srv, http.MethodGet, "/v1/memories", grace, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode[struct {
		Memories []memory.Item `json:"memories"`
	}](t, resp)
	assert.Empty(t, out.Memories)
}

func TestSearchScopedToOwner(t *testing.T) {
	srv := newTestServer(t)
	ada := IssueToken("ada", testSecret)
	grace := IssueToken("grace", testSecret)

	resp := doJSON(t, srv, http.MethodPost, "/v1/memories", ada, map[string]any{
		"content":    "favor boring technology",
		"tier":       "ltm",
		"confidence": 0.9,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPost, "/v1/search", ada, map[string]any{
		"query": "boring technology",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	adaOut := decode[struct {
		Results []memory.SearchResult `json:"results"`
	}](t, resp)
	require.Len(t, adaOut.Results, 1)
	assert.Equal(t, "favor boring technology", adaOut.Results[0].Content)

	resp = doJSON(t, srv, http.MethodPost, "/v1/search", grace, map[string]any{
		"query": "boring technology",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	graceOut := decode[struct {
		Results []memory.SearchResult `json:"results"`
	}](t, resp)
	assert.Empty(t, graceOut.Results)
}

func TestSearchRequiresQuery(t *testing.T) {
	srv := newTestServer(t)
	token := IssueToken("ada", testSecret)

	resp := doJSON(t, srv, http.MethodPost, "/v1/search", token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestContextEndpoint(t *testing.T) {
	srv := newTestServer(t)
	token := IssueToken("ada", testSecret)

	resp := doJSON(t, srv, http.MethodGet, "/v1/context", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPost, "/v1/memories", token, map[string]any{
		"content":    "we are renaming the billing service",
		"session_id": "sess-7",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodGet, "/v1/context?session_id=sess-7", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pc := decode[memory.PromptContext](t, resp)
	assert.Equal(t, "ada", pc.Owner)
	assert.Equal(t, "sess-7", pc.SessionID)
	require.Len(t, pc.STM, 1)
	assert.Equal(t, "we are renaming the billing service", pc.STM[0].Content)
}

func TestReflectionIngestion(t *testing.T) {
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })

	ephemeral := redisstore.New(client, nil)
	durable, err := chromemstore.New(chromemstore.Config{Dimensions: 64}, nil)
	require.NoError(t, err)
	embedder := mock.New(64)
	promoter := memory.NewPromoter(ephemeral, durable, embedder, policy.AlwaysValid(),
		memory.PromoterConfig{}, nil)
	repo := memory.NewRepository(ephemeral, durable, embedder, promoter,
		memory.RepositoryConfig{}, nil)

	srv := httptest.NewServer(New(repo, ephemeral, testSecret, nil).Handler())
	t.Cleanup(srv.Close)

	token := IssueToken("ada", testSecret)

	resp := doJSON(t, srv, http.MethodPost, "/v1/reflections", token, map[string]any{
		"id":               "r1",
		"topics":           []string{"reflection", "trading"},
		"alignment_score":  0.8,
		"assessment":       "Q3: what should change?\nA3: size positions first",
		"emotional_weight": 0.5,
		"confidence":       0.9,
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Missing required fields are rejected.
	resp = doJSON(t, srv, http.MethodPost, "/v1/reflections", token, map[string]any{
		"topics": []string{"trading"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The record lands in the log under the token's owner.
	records, err := ephemeral.Recent(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "ada", records[0].Owner)
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	token := IssueToken("ada", testSecret)

	for i := 0; i < 2; i++ {
		resp := doJSON(t, srv, http.MethodPost, "/v1/memories", token, map[string]any{
			"content":    fmt.Sprintf("note %d", i),
			"session_id": "s",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := doJSON(t, srv, http.MethodGet, "/v1/stats", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[memory.Stats](t, resp)
	assert.EqualValues(t, 2, stats.STMCount)
	assert.EqualValues(t, 0, stats.ITMCount)
	assert.EqualValues(t, 0, stats.LTMCount)
}
