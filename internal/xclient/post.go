package xclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/michimani/gotwi"
	"github.com/michimani/gotwi/tweet/managetweet"
	"github.com/michimani/gotwi/tweet/managetweet/types"
)

// Content is a post to publish. InReplyTo and MediaIDs are optional.
type Content struct {
	Text      string
	InReplyTo string
	MediaIDs  []string
}

// PostContent publishes p with the user's OAuth2 access token and returns
// the new post id.
func (c *HTTPClient) PostContent(ctx context.Context, accessToken string, p Content) (string, error) {
	if p.Text == "" && len(p.MediaIDs) == 0 {
		return "", errors.New("empty post")
	}
	gc, err := gotwi.NewClientWithAccessToken(&gotwi.NewClientWithAccessTokenInput{
		AccessToken: accessToken,
		HTTPClient:  c.gotwiHTTPClient(),
	})
	if err != nil {
		return "", fmt.Errorf("create x client: %w", err)
	}
	in := &types.CreateInput{Text: gotwi.String(p.Text)}
	if p.InReplyTo != "" {
		in.Reply = &types.CreateInputReply{InReplyToTweetID: p.InReplyTo}
	}
	if len(p.MediaIDs) > 0 {
		in.Media = &types.CreateInputMedia{MediaIDs: p.MediaIDs}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	res, err := managetweet.Create(ctx, gc, in)
	if err != nil {
		return "", fmt.Errorf("create post: %w", err)
	}
	id := gotwi.StringValue(res.Data.ID)
	if id == "" {
		return "", errors.New("create post returned no id")
	}
	return id, nil
}

// gotwiHTTPClient points gotwi's fixed API host at the configured base URL.
func (c *HTTPClient) gotwiHTTPClient() *http.Client {
	target, err := url.Parse(c.baseURL)
	if err != nil || target.Host == "" {
		return c.httpClient
	}
	next := c.httpClient.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	hc := *c.httpClient
	hc.Transport = &hostRewrite{scheme: target.Scheme, host: target.Host, next: next}
	return &hc
}

type hostRewrite struct {
	scheme, host string
	next         http.RoundTripper
}

func (h *hostRewrite) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Host == h.host {
		return h.next.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.URL.Scheme = h.scheme
	r.URL.Host = h.host
	r.Host = h.host
	return h.next.RoundTrip(r)
}
