package xauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenSet is what a successful refresh yields.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a refresh token for a new token pair. Errors wrap
// ErrTokenExpired or ErrTransient.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// defaultLifetime applies when the token endpoint omits expires_in.
const defaultLifetime = 2 * time.Hour

type refreshStep struct {
	name string
	cfg  oauth2.Config
}

// OAuthRefresher refreshes against an OAuth2 token endpoint. It first tries
// the public-client flow (client id in the body, no secret). If that is
// rejected as unauthorized and a secret is configured, it retries once as a
// confidential client with HTTP basic auth.
type OAuthRefresher struct {
	steps []refreshStep
	hc    *http.Client
	now   func() time.Time
}

func NewOAuthRefresher(tokenURL, clientID, clientSecret string, hc *http.Client) *OAuthRefresher {
	r := &OAuthRefresher{hc: hc, now: time.Now}
	r.steps = append(r.steps, refreshStep{name: "public", cfg: oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}})
	if clientSecret != "" {
		r.steps = append(r.steps, refreshStep{name: "confidential", cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInHeader},
		}})
	}
	return r
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if r.hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.hc)
	}
	var err error
	for i, step := range r.steps {
		if i > 0 && !unauthorized(err) {
			break
		}
		var tok *oauth2.Token
		tok, err = step.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err == nil {
			return r.tokenSet(tok, refreshToken), nil
		}
	}
	return TokenSet{}, classify(err)
}

func (r *OAuthRefresher) tokenSet(tok *oauth2.Token, previous string) TokenSet {
	ts := TokenSet{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresAt: tok.Expiry}
	if ts.RefreshToken == "" {
		ts.RefreshToken = previous
	}
	if ts.ExpiresAt.IsZero() {
		ts.ExpiresAt = r.now().Add(defaultLifetime)
	}
	return ts
}

// unauthorized reports whether the endpoint rejected the client itself,
// which is what a public-flow attempt against a confidential app looks like.
func unauthorized(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.Response != nil && (re.Response.StatusCode == http.StatusUnauthorized || re.Response.StatusCode == http.StatusForbidden) {
		return true
	}
	return clientMisconfigured(re)
}

func clientMisconfigured(re *oauth2.RetrieveError) bool {
	return re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client"
}

// classify maps a refresh failure onto the two outcomes callers act on. Only
// an explicit rejection of the refresh token counts as expired.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if re.Response != nil && re.Response.StatusCode >= 500 {
		return fmt.Errorf("%w: token endpoint status %d", ErrTransient, re.Response.StatusCode)
	}
	if clientMisconfigured(re) {
		return fmt.Errorf("%w: client rejected: %s", ErrTransient, re.ErrorCode)
	}
	text := strings.ToLower(string(re.Body) + " " + re.ErrorCode + " " + re.ErrorDescription)
	for _, marker := range []string{"invalid", "revoked", "expired"} {
		if strings.Contains(text, marker) {
			return fmt.Errorf("%w: %s", ErrTokenExpired, strings.TrimSpace(re.ErrorCode+" "+re.ErrorDescription))
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
