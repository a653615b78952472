package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instdocs/internal/auth"
	"instdocs/internal/models"
	"instdocs/internal/protocol"
	"instdocs/internal/repository"
)

type fakeSessions struct {
	disconnected []string
}

func (f *fakeSessions) Watchers() []models.SessionSummary {
	return []models.SessionSummary{{BranchKey: "public/inst/main", Watchers: 2}}
}

func (f *fakeSessions) SessionCount() int { return 3 }

func (f *fakeSessions) DisconnectBranch(key string) {
	f.disconnected = append(f.disconnected, key)
}

type fakeQueue int

func (q fakeQueue) GetQueueLength() int { return int(q) }

type apiFixture struct {
	repo     *repository.MemoryRepository
	sessions *fakeSessions
	tokens   *auth.TokenIssuer
	server   *httptest.Server
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		repo:     repository.NewMemoryRepository(),
		sessions: &fakeSessions{},
		tokens:   auth.NewTokenIssuer([]byte("secret"), "instdocs", time.Hour),
	}
	h := NewHandler(f.repo, f.sessions, fakeQueue(4), f.tokens, nil, nil)
	f.server = httptest.NewServer(SetupRoutes(h))
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func (f *apiFixture) seed(t *testing.T, ref protocol.BranchRef, updates ...string) {
	t.Helper()
	_, _, err := f.repo.AppendUpdates(context.Background(), ref, updates, "seed", 0)
	require.NoError(t, err)
}

func TestGetBranchUpdates(t *testing.T) {
	f := newFixture(t)
	f.seed(t, protocol.BranchRef{Inst: "inst", Branch: "main"}, "AQ==", "Ag==")

	res := f.do(t, http.MethodGet, "/api/branches/updates?inst=inst&branch=main", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode[protocol.BranchUpdates](t, res)
	assert.Equal(t, []string{"AQ==", "Ag=="}, body.Updates)
	assert.Len(t, body.Timestamps, 2)
	assert.NotEmpty(t, res.Header.Get("X-Request-ID"))
}

func TestGetBranchUpdatesValidatesAddress(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodGet, "/api/branches/updates?inst=inst", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	body := decode[protocol.ErrorInfo](t, res)
	assert.Equal(t, protocol.CodeUnacceptableRequest, body.Code)
}

func TestPrivateBranchesRequireAccess(t *testing.T) {
	f := newFixture(t)
	f.seed(t, protocol.BranchRef{RecordName: "rec", Inst: "inst", Branch: "main"}, "AQ==")
	path := "/api/branches/updates?recordName=rec&inst=inst&branch=main"

	res := f.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, protocol.CodeNotLoggedIn, decode[protocol.ErrorInfo](t, res).Code)

	res = f.do(t, http.MethodGet, path, "garbage")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, protocol.CodeInvalidToken, decode[protocol.ErrorInfo](t, res).Code)

	other, err := f.tokens.Issue("user-2", "other")
	require.NoError(t, err)
	res = f.do(t, http.MethodGet, path, other)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	owner, err := f.tokens.Issue("user-1", "rec")
	require.NoError(t, err)
	res = f.do(t, http.MethodGet, path, owner)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []string{"AQ=="}, decode[protocol.BranchUpdates](t, res).Updates)
}

func TestListBranches(t *testing.T) {
	f := newFixture(t)
	f.seed(t, protocol.BranchRef{Inst: "a", Branch: "main"}, "AQ==")
	f.seed(t, protocol.BranchRef{Inst: "a", Branch: "side"}, "AQ==")
	f.seed(t, protocol.BranchRef{Inst: "b", Branch: "main"}, "AQ==")

	res := f.do(t, http.MethodGet, "/api/branches?inst=a&limit=1&offset=1", "")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Branches []struct {
			Key         string `json:"key"`
			Inst        string `json:"inst"`
			Branch      string `json:"branch"`
			UpdateCount int64  `json:"update_count"`
		} `json:"branches"`
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, 1, body.Limit)
	assert.Equal(t, 1, body.Offset)
	require.Len(t, body.Branches, 1)
	assert.Equal(t, "public/a/side", body.Branches[0].Key)
	assert.Equal(t, "side", body.Branches[0].Branch)
	assert.Equal(t, int64(1), body.Branches[0].UpdateCount)
}

func TestDeleteBranch(t *testing.T) {
	f := newFixture(t)
	f.seed(t, protocol.BranchRef{Inst: "inst", Branch: "main"}, "AQ==")

	res := f.do(t, http.MethodDelete, "/api/branches?inst=inst&branch=main", "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, []string{"public/inst/main"}, f.sessions.disconnected)

	branch, err := f.repo.GetBranch(context.Background(), "public/inst/main")
	require.NoError(t, err)
	assert.Nil(t, branch)

	res = f.do(t, http.MethodDelete, "/api/branches?inst=inst&branch=main", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHealthAndSessions(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	health := decode[map[string]interface{}](t, res)
	want := map[string]interface{}{"status": "ok", "sessions": 3.0, "compaction_queue": 4.0}
	if diff := cmp.Diff(want, health); diff != "" {
		t.Errorf("health mismatch (-want +got):\n%s", diff)
	}

	res = f.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var sessions struct {
		Sessions int                     `json:"sessions"`
		Branches []models.SessionSummary `json:"branches"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&sessions))
	assert.Equal(t, 3, sessions.Sessions)
	assert.Equal(t, []models.SessionSummary{{BranchKey: "public/inst/main", Watchers: 2}}, sessions.Branches)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestWebSocketDisabledWithoutHandler(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
