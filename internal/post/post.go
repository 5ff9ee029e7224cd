// Package post publishes manually composed posts under the weekly publish
// allowance.
package post

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"replybot/internal/logging"
	"replybot/internal/model"
	"replybot/internal/quota"
	"replybot/internal/xauth"
	"replybot/internal/xclient"
)

// ErrQuota is returned when the publish allowance for the window is used up.
var ErrQuota = errors.New("publish allowance exhausted")

type Tokens interface {
	EnsureFreshToken(ctx context.Context, userID string) (xauth.Credential, error)
}

type Subscriptions interface {
	GetSubscription(ctx context.Context, userID, defaultTier string) (model.Subscription, error)
}

type Poster interface {
	PostContent(ctx context.Context, accessToken string, p xclient.Content) (string, error)
}

type Publisher struct {
	Subs        Subscriptions
	Quota       *quota.Enforcer
	Tokens      Tokens
	Platform    Poster
	DefaultTier string
	// CharLimit returns the length ceiling for a standard or premium account.
	CharLimit func(premium bool) int
	Timeout   time.Duration
}

// Publish posts text on the user's connected account and returns the new
// post id. The allowance unit is given back if posting fails.
func (p *Publisher) Publish(ctx context.Context, userID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty post")
	}
	sub, err := p.Subs.GetSubscription(ctx, userID, p.DefaultTier)
	if err != nil {
		return "", err
	}
	d, err := p.Quota.CheckAndReserve(ctx, sub, quota.Publish)
	if err != nil {
		return "", err
	}
	if !d.Allowed {
		return "", fmt.Errorf("%w: %d of %d used", ErrQuota, d.Used, d.Limit)
	}
	id, err := p.publish(ctx, userID, text)
	if err != nil {
		if rerr := p.Quota.Release(context.WithoutCancel(ctx), d); rerr != nil {
			logging.Warn("publish_release_failed", map[string]any{"user_id": userID, "error": rerr.Error()})
		}
		return "", err
	}
	logging.Info("publish_ok", map[string]any{"user_id": userID, "post_id": id, "used": d.Used, "limit": d.Limit})
	return id, nil
}

func (p *Publisher) publish(ctx context.Context, userID, text string) (string, error) {
	cred, err := p.Tokens.EnsureFreshToken(ctx, userID)
	if err != nil {
		return "", err
	}
	if p.CharLimit != nil {
		if limit := p.CharLimit(cred.Premium); utf8.RuneCountInString(text) > limit {
			return "", fmt.Errorf("post is longer than %d characters", limit)
		}
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return p.Platform.PostContent(ctx, cred.AccessToken, xclient.Content{Text: text})
}
