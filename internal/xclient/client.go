package xclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"replybot/internal/logging"
	"replybot/internal/metrics"
	"replybot/internal/model"
)

// Platform is what the reply pipeline needs from X.
type Platform interface {
	FetchRecentPosts(ctx context.Context, xUserID, sinceID string, limit int) ([]model.Post, error)
	UploadMedia(ctx context.Context, accessToken string, image []byte, mimeType string) (string, error)
	PostContent(ctx context.Context, accessToken string, p Content) (string, error)
}

// StatusError is a non-success response from the API.
type StatusError struct {
	Endpoint string
	Status   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("x api %s status %d", e.Endpoint, e.Status)
}

// Options configures an HTTPClient. Zero values fall back to defaults.
type Options struct {
	BaseURL           string
	UploadURL         string
	BearerToken       string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// HTTPClient talks to X API v2. Reads use the app bearer token; writes use
// the caller's user access token.
type HTTPClient struct {
	baseURL     string
	uploadURL   string
	bearerToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
}

func NewHTTPClient(opts Options) *HTTPClient {
	c := &HTTPClient{
		baseURL:     opts.BaseURL,
		uploadURL:   opts.UploadURL,
		bearerToken: opts.BearerToken,
		httpClient:  opts.HTTPClient,
		limiter:     newDefaultLimiter(opts.RequestsPerSecond),
		maxAttempts: getEnvInt("X_API_MAX_ATTEMPTS", 4),
		baseBackoff: time.Duration(getEnvInt("X_API_BASE_BACKOFF_MS", 500)) * time.Millisecond,
	}
	if c.baseURL == "" {
		c.baseURL = "https://api.x.com/2"
	}
	if c.uploadURL == "" {
		c.uploadURL = c.baseURL + "/media/upload"
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

func (c *HTTPClient) auth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
}

// maxFetchPages bounds how far back one fetch pages toward the cursor.
const maxFetchPages = 10

// FetchRecentPosts returns an account's original posts newer than sinceID,
// oldest first. The timeline serves newest first, so with a cursor it pages
// back until it meets the cursor and keeps the oldest limit posts; the rest
// stay past the cursor for the next call. Without a cursor only the newest
// page is read.
func (c *HTTPClient) FetchRecentPosts(ctx context.Context, xUserID, sinceID string, limit int) ([]model.Post, error) {
	if xUserID == "" {
		return nil, errors.New("empty user id")
	}
	var out []model.Post
	token := ""
	for page := 0; ; page++ {
		posts, next, err := c.fetchPage(ctx, xUserID, sinceID, token, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, posts...)
		if sinceID == "" || next == "" {
			break
		}
		if page+1 == maxFetchPages {
			logging.Warn("fetch_backlog_truncated", map[string]any{"x_user_id": xUserID, "since_id": sinceID, "pages": maxFetchPages})
			break
		}
		token = next
	}
	sort.SliceStable(out, func(i, j int) bool { return CompareIDs(out[i].ID, out[j].ID) < 0 })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *HTTPClient) fetchPage(ctx context.Context, xUserID, sinceID, token string, limit int) ([]model.Post, string, error) {
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(clamp(limit, 5, 100)))
	q.Set("tweet.fields", "created_at,lang,author_id")
	q.Set("exclude", "retweets,replies")
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	if token != "" {
		q.Set("pagination_token", token)
	}
	u := fmt.Sprintf("%s/users/%s/tweets?%s", c.baseURL, url.PathEscape(xUserID), q.Encode())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	c.auth(req, c.bearerToken)
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", &StatusError{Endpoint: "users/tweets", Status: resp.StatusCode}
	}
	var raw struct {
		Data []struct {
			ID        string    `json:"id"`
			Text      string    `json:"text"`
			AuthorID  string    `json:"author_id"`
			CreatedAt time.Time `json:"created_at"`
			Lang      string    `json:"lang"`
		} `json:"data"`
		Meta struct {
			NextToken string `json:"next_token"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, "", err
	}
	out := make([]model.Post, 0, len(raw.Data))
	for _, d := range raw.Data {
		author := d.AuthorID
		if author == "" {
			author = xUserID
		}
		out = append(out, model.Post{ID: d.ID, AuthorID: author, Text: d.Text, CreatedAt: d.CreatedAt, Language: d.Lang})
	}
	return out, raw.Meta.NextToken, nil
}

// CompareIDs orders numeric post ids without parsing them: a shorter id is
// older, equal lengths compare lexically.
func CompareIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (c *HTTPClient) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.IncAPIRetry(req.URL.Path)
		}
		r := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r.Body = body
		}
		resp, err := c.httpClient.Do(r)
		if err == nil {
			if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
				ra := resp.Header.Get("Retry-After")
				_ = resp.Body.Close()
				lastErr = &StatusError{Endpoint: req.URL.Path, Status: resp.StatusCode}
				if attempt == c.maxAttempts {
					break
				}
				wait := backoff
				if ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil {
						wait = time.Duration(secs) * time.Second
					} else if t, err := http.ParseTime(ra); err == nil {
						if d := time.Until(t); d > 0 {
							wait = d
						}
					}
				}
				// jitter +/-20%
				jitter := time.Duration(float64(wait) * 0.2)
				if jitter > 0 {
					wait = wait - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter))
				}
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				backoff *= 2
				continue
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil && i > 0 {
		return i
	}
	return def
}
