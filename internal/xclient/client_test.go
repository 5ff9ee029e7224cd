package xclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to create client pointed at a test server
func newTestClient(ts *httptest.Server) *HTTPClient {
	c := NewHTTPClient(Options{BaseURL: ts.URL + "/2", BearerToken: "app", RequestsPerSecond: 1000, HTTPClient: ts.Client()})
	c.maxAttempts = 3
	c.baseBackoff = 10 * time.Millisecond
	return c
}

func TestDoWithRetryHandles429(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/test", nil)
	resp, err := c.doWithRetry(context.Background(), req)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts)
	}
}

func TestDoWithRetryGivesUpWithStatus(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/test", nil)
	_, err := c.doWithRetry(context.Background(), req)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Status)
	assert.Equal(t, 3, attempts)
}

func TestFetchRecentPostsSinceCursorOldestFirst(t *testing.T) {
	var gotQuery, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/users/42/tweets", r.URL.Path)
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"id":"1000","text":"newest","author_id":"42","created_at":"2025-01-02T00:00:00Z","lang":"en"},
			{"id":"999","text":"older","created_at":"2025-01-01T00:00:00Z","lang":"en"}
		]}`))
	}))
	defer ts.Close()

	posts, err := newTestClient(ts).FetchRecentPosts(context.Background(), "42", "998", 10)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "999", posts[0].ID)
	assert.Equal(t, "42", posts[0].AuthorID)
	assert.Equal(t, "1000", posts[1].ID)
	assert.Contains(t, gotQuery, "since_id=998")
	assert.Contains(t, gotQuery, "max_results=10")
	assert.Equal(t, "Bearer app", gotAuth)
}

func TestFetchRecentPostsPagesBackToCursor(t *testing.T) {
	var tokens []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000", r.URL.Query().Get("since_id"))
		tokens = append(tokens, r.URL.Query().Get("pagination_token"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pagination_token") == "" {
			_, _ = w.Write([]byte(`{"data":[{"id":"1005","text":"e"},{"id":"1004","text":"d"},{"id":"1003","text":"c"}],"meta":{"next_token":"p2"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"1002","text":"b"},{"id":"1001","text":"a"}],"meta":{}}`))
	}))
	defer ts.Close()

	posts, err := newTestClient(ts).FetchRecentPosts(context.Background(), "42", "1000", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "p2"}, tokens)
	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}
	// The oldest unseen posts come first so the cursor never skips any.
	assert.Equal(t, []string{"1001", "1002", "1003"}, ids)
}

func TestFetchRecentPostsWithoutCursorReadsOnePage(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"7","text":"x"}],"meta":{"next_token":"more"}}`))
	}))
	defer ts.Close()

	posts, err := newTestClient(ts).FetchRecentPosts(context.Background(), "42", "", 10)
	require.NoError(t, err)
	assert.Len(t, posts, 1)
	assert.Equal(t, 1, calls)
}

func TestFetchRecentPostsStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()
	_, err := newTestClient(ts).FetchRecentPosts(context.Background(), "42", "", 10)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
}

func TestUploadMediaMultipart(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/media/upload", r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "tweet_image", r.FormValue("media_category"))
		f, hdr, err := r.FormFile("media")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, []byte("PNGDATA"), b)
		assert.Equal(t, "image/png", hdr.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"data":{"id":"777"}}`))
	}))
	defer ts.Close()

	id, err := newTestClient(ts).UploadMedia(context.Background(), "user-token", []byte("PNGDATA"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "777", id)
}

func TestPostContentReplyWithMedia(t *testing.T) {
	var body map[string]any
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/tweets", r.URL.Path)
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"5555","text":"hi"}}`))
	}))
	defer ts.Close()

	id, err := newTestClient(ts).PostContent(context.Background(), "user-token", Content{Text: "hi", InReplyTo: "1000", MediaIDs: []string{"777"}})
	require.NoError(t, err)
	assert.Equal(t, "5555", id)
	assert.Equal(t, "Bearer user-token", auth)
	assert.Equal(t, "hi", body["text"])
	reply, _ := body["reply"].(map[string]any)
	assert.Equal(t, "1000", reply["in_reply_to_tweet_id"])
	media, _ := body["media"].(map[string]any)
	assert.Equal(t, []any{"777"}, media["media_ids"])
}

func TestCompareIDs(t *testing.T) {
	assert.Equal(t, -1, CompareIDs("999", "1000"))
	assert.Equal(t, 1, CompareIDs("1001", "1000"))
	assert.Equal(t, 0, CompareIDs("1000", "1000"))
}
