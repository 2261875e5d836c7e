package bitrix24

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"crm-import/internal/models"
)

// recordingTimer fires immediately and remembers every requested wait.
type recordingTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time { return t.c }

// batchServer answers every batch command with {"id": <n>} unless fail
// decides otherwise for the given request number (1-based).
type batchServer struct {
	requests   atomic.Int32
	chunkSizes []int
	auths      []string
	mu         sync.Mutex
	fail       func(n int, w http.ResponseWriter) bool
	cmdErrors  map[string]any
}

func (s *batchServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(s.requests.Add(1))
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.auths = append(s.auths, gjson.GetBytes(body, "auth").String())
	s.mu.Unlock()

	if s.fail != nil && s.fail(n, w) {
		return
	}

	results := map[string]any{}
	times := map[string]any{}
	var keys []string
	gjson.GetBytes(body, "cmd").ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	s.mu.Lock()
	s.chunkSizes = append(s.chunkSizes, len(keys))
	s.mu.Unlock()

	var resultErrors any = []any{}
	if len(s.cmdErrors) > 0 {
		resultErrors = s.cmdErrors
	}
	for i, key := range keys {
		if _, failed := s.cmdErrors[key]; failed {
			continue
		}
		results[key] = map[string]any{"item": map[string]any{"id": i + 1}}
		times[key] = map[string]any{"start": 1700000000.5, "duration": 0.02}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"result": map[string]any{
			"result":       results,
			"result_error": resultErrors,
			"result_total": []any{},
			"result_time":  times,
		},
		"time": map[string]any{"duration": 0.1},
	})
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) (*Client, *recordingTimer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	timer := &recordingTimer{}
	opts = append([]Option{WithBaseURL(srv.URL), WithTimer(timer)}, opts...)
	return NewClient("portal.example.com", "token-1", opts...), timer
}

func addCommands(t *testing.T, b *BatchRequest, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, b.AddCommand(keyFor(i), "crm.item.add", map[string]any{
			"entityTypeId": 2,
			"fields":       map[string]any{"TITLE": "row"},
		}))
	}
}

func keyFor(i int) string {
	return fmt.Sprintf("row_%03d", i)
}

func TestNewClient_NormalizesDomain(t *testing.T) {
	c := NewClient(" https://portal.example.com/ ", "t")
	assert.Equal(t, "portal.example.com", c.Domain())
	assert.Equal(t, "https://portal.example.com", c.baseURL)
}

func TestCall_ParsesEnvelope(t *testing.T) {
	var gotPath, gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotPath = r.URL.Path
		gotAuth = gjson.GetBytes(body, "auth").String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"items":[{"id":7}]},"total":1,"next":50,"time":{"duration":0.2}}`))
	}))

	res, err := client.Call(context.Background(), "crm.item.list", map[string]any{"entityTypeId": 2})
	require.NoError(t, err)
	assert.Equal(t, "/rest/crm.item.list.json", gotPath)
	assert.Equal(t, "token-1", gotAuth)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 50, res.Next)
	assert.Equal(t, int64(7), gjson.GetBytes(res.Result, "items.0.id").Int())
}

func TestCall_RemoteError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"ERROR_METHOD_NOT_FOUND","error_description":"Method not found!"}`))
	}))

	_, err := client.Call(context.Background(), "crm.nope", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ERROR_METHOD_NOT_FOUND", apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, IsTransient(err))
}

func TestCallBatch_SplitsAndMerges(t *testing.T) {
	srv := &batchServer{}
	client, _ := newTestClient(t, srv)

	b := NewBatchRequest()
	addCommands(t, b, 127)

	res, err := client.CallBatch(context.Background(), b, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{50, 50, 27}, srv.chunkSizes)
	assert.Equal(t, 127, res.Total)
	assert.Equal(t, 3, res.ChunksTotal)
	assert.Equal(t, 3, res.ChunksExecuted)
	assert.Equal(t, 0, res.ErrorsCount)
	assert.Equal(t, b.Keys(), res.Keys)
	assert.True(t, res.Results[keyFor(126)].OK())
}

func TestCallBatch_EmptyBatch(t *testing.T) {
	client, _ := newTestClient(t, &batchServer{})
	_, err := client.CallBatch(context.Background(), NewBatchRequest(), 1)
	assert.Error(t, err)
}

func TestCallBatch_RetriesTransientFailures(t *testing.T) {
	srv := &batchServer{fail: func(n int, w http.ResponseWriter) bool {
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"QUERY_LIMIT_EXCEEDED","error_description":"Too many requests"}`))
			return true
		}
		return false
	}}
	client, timer := newTestClient(t, srv)

	b := NewBatchRequest()
	addCommands(t, b, 3)

	res, err := client.CallBatch(context.Background(), b, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, srv.requests.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.waits)
	assert.Equal(t, 3, res.Total)
}

func TestCallBatch_RetriesExhausted(t *testing.T) {
	srv := &batchServer{fail: func(n int, w http.ResponseWriter) bool {
		w.WriteHeader(http.StatusInternalServerError)
		return true
	}}
	client, _ := newTestClient(t, srv)

	b := NewBatchRequest().SetHalt(true)
	addCommands(t, b, 2)

	_, err := client.CallBatch(context.Background(), b, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "halted at chunk 1 of 1")
	assert.EqualValues(t, 3, srv.requests.Load())
}

func TestCallBatch_PermanentFailureNotRetried(t *testing.T) {
	srv := &batchServer{fail: func(n int, w http.ResponseWriter) bool {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"INVALID_REQUEST"}`))
		return true
	}}
	client, timer := newTestClient(t, srv)

	b := NewBatchRequest()
	addCommands(t, b, 1)

	res, err := client.CallBatch(context.Background(), b, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.requests.Load())
	assert.Empty(t, timer.waits)

	chunkErr, ok := res.ErrorFor("chunk_1")
	require.True(t, ok)
	assert.Equal(t, "INVALID_REQUEST", chunkErr.Code)
	assert.Equal(t, 0, res.ChunksExecuted)
}

func TestCallBatch_ContinuesPastFailedChunkWithoutHalt(t *testing.T) {
	srv := &batchServer{fail: func(n int, w http.ResponseWriter) bool {
		if n == 2 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"INVALID_REQUEST"}`))
			return true
		}
		return false
	}}
	client, _ := newTestClient(t, srv)

	b := NewBatchRequest()
	addCommands(t, b, 120)

	res, err := client.CallBatch(context.Background(), b, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ChunksTotal)
	assert.Equal(t, 2, res.ChunksExecuted)
	assert.Equal(t, 70, res.Total)

	_, ok := res.ErrorFor("chunk_2")
	assert.True(t, ok)
}

func TestCallBatch_HaltsAtFailedChunk(t *testing.T) {
	srv := &batchServer{fail: func(n int, w http.ResponseWriter) bool {
		if n == 2 {
			w.WriteHeader(http.StatusBadRequest)
			return true
		}
		return false
	}}
	client, _ := newTestClient(t, srv)

	b := NewBatchRequest().SetHalt(true)
	addCommands(t, b, 120)

	_, err := client.CallBatch(context.Background(), b, 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "halted at chunk 2 of 3")
	assert.Equal(t, 1, apiErr.Context["chunks_executed"])
	assert.Equal(t, 1, apiErr.Context["chunks_remaining"])
	assert.EqualValues(t, 2, srv.requests.Load())
}

func TestCallBatch_CommandErrors(t *testing.T) {
	srv := &batchServer{cmdErrors: map[string]any{
		"cmd2": map[string]any{"error": "ERROR_CORE", "error_description": "Required fields: TITLE"},
	}}
	client, _ := newTestClient(t, srv)

	b := NewBatchRequest()
	require.NoError(t, b.AddCommand("cmd1", "crm.item.add", nil))
	require.NoError(t, b.AddCommand("cmd2", "crm.item.add", nil))

	res, err := client.CallBatch(context.Background(), b, 0)
	require.NoError(t, err)
	assert.True(t, res.Results["cmd1"].OK())
	assert.False(t, res.Results["cmd2"].OK())
	assert.Equal(t, 1, res.ErrorsCount)
	assert.JSONEq(t, `{"start":1700000000.5,"duration":0.02}`, string(res.Results["cmd1"].Time))
	assert.Nil(t, res.Results["cmd2"].Time)

	cmdErr, ok := res.ErrorFor("cmd2")
	require.True(t, ok)
	assert.Equal(t, "cmd2", cmdErr.CommandKey)
	assert.Equal(t, "ERROR_CORE", cmdErr.Code)
	assert.Contains(t, cmdErr.Message, "Required fields")
}

type memoryTokenStore struct {
	calls     int
	portalID  int64
	access    string
	refresh   string
	expiresAt time.Time
}

func (s *memoryTokenStore) UpdateTokens(_ context.Context, portalID int64, access, refresh string, expiresAt time.Time) error {
	s.calls++
	s.portalID = portalID
	s.access = access
	s.refresh = refresh
	s.expiresAt = expiresAt
	return nil
}

func TestClient_RefreshesExpiringTokenOnce(t *testing.T) {
	var refreshes atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "app-id", r.PostForm.Get("client_id"))
		assert.Equal(t, "app-secret", r.PostForm.Get("client_secret"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	portal := &models.Portal{
		ID:           42,
		Domain:       "portal.example.com",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(30 * time.Second),
	}
	store := &memoryTokenStore{}
	srv := &batchServer{}
	apiSrv := httptest.NewServer(srv)
	defer apiSrv.Close()

	client := NewPortalClient(portal, store,
		WithBaseURL(apiSrv.URL),
		WithOAuth("app-id", "app-secret", tokenSrv.URL),
		WithTimer(&recordingTimer{}),
	)

	for i := 0; i < 2; i++ {
		b := NewBatchRequest()
		addCommands(t, b, 2)
		_, err := client.CallBatch(context.Background(), b, 0)
		require.NoError(t, err)
	}

	assert.EqualValues(t, 1, refreshes.Load())
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, int64(42), store.portalID)
	assert.Equal(t, "new-access", store.access)
	assert.Equal(t, "new-refresh", store.refresh)
	assert.Equal(t, "new-access", portal.AccessToken)
	assert.True(t, portal.ExpiresAt.After(time.Now().Add(30*time.Minute)))
	assert.Equal(t, []string{"new-access", "new-access"}, srv.auths)
}

func TestClient_RefreshFailureIsNotRetried(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Refresh token is expired"}`))
	}))
	defer tokenSrv.Close()

	portal := &models.Portal{ID: 1, Domain: "portal.example.com", RefreshToken: "stale"}
	srv := &batchServer{}
	apiSrv := httptest.NewServer(srv)
	defer apiSrv.Close()

	client := NewPortalClient(portal, &memoryTokenStore{},
		WithBaseURL(apiSrv.URL),
		WithOAuth("app-id", "app-secret", tokenSrv.URL),
		WithTimer(&recordingTimer{}),
	)

	b := NewBatchRequest()
	addCommands(t, b, 1)
	_, err := client.CallBatch(context.Background(), b, 3)
	require.Error(t, err)
	assert.True(t, IsTokenRefreshError(err))
	assert.False(t, IsTransient(err))
	assert.EqualValues(t, 0, srv.requests.Load())

	var refreshErr *TokenRefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, http.StatusUnauthorized, refreshErr.Context["status"])
}

func TestClient_RefreshRequiresCredentials(t *testing.T) {
	portal := &models.Portal{ID: 1, Domain: "portal.example.com", RefreshToken: "r"}
	client := NewPortalClient(portal, nil)

	_, err := client.Call(context.Background(), "user.current", nil)
	assert.True(t, IsTokenRefreshError(err))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&APIError{StatusCode: 502}))
	assert.True(t, IsTransient(&APIError{StatusCode: 429}))
	assert.True(t, IsTransient(&APIError{StatusCode: 200, Code: CodeQueryLimitExceeded}))
	assert.True(t, IsTransient(&APIError{Code: CodeInternalError}))
	assert.True(t, IsTransient(&APIError{Transport: true}))
	assert.False(t, IsTransient(&APIError{StatusCode: 400, Code: "ERROR_CORE"}))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(newTokenRefreshError("x", nil, &APIError{StatusCode: 500})))
	assert.False(t, IsTransient(nil))
}
