package post

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybot/internal/config"
	"replybot/internal/model"
	"replybot/internal/quota"
	"replybot/internal/store"
	"replybot/internal/xauth"
	"replybot/internal/xclient"
)

type fakeTokens struct{ err error }

func (f fakeTokens) EnsureFreshToken(context.Context, string) (xauth.Credential, error) {
	return xauth.Credential{AccessToken: "tok"}, f.err
}

type fakePoster struct {
	calls int
	err   error
	last  xclient.Content
}

func (f *fakePoster) PostContent(_ context.Context, token string, c xclient.Content) (string, error) {
	f.calls++
	f.last = c
	if f.err != nil {
		return "", f.err
	}
	return "p1", nil
}

func newPublisher(t *testing.T, tokErr error, poster *fakePoster) (*Publisher, *quota.Enforcer) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cfg := config.Default()
	q := quota.New(quota.NewSQLCounter(db), cfg.Quota)
	return &Publisher{
		Subs: db, Quota: q, Tokens: fakeTokens{err: tokErr}, Platform: poster,
		DefaultTier: "free", CharLimit: cfg.Platform.CharLimit,
	}, q
}

func publishUsed(t *testing.T, q *quota.Enforcer) int64 {
	d, err := q.Peek(context.Background(), model.Subscription{UserID: "u1", Tier: "free"}, quota.Publish)
	require.NoError(t, err)
	return d.Used
}

func TestPublishStopsAtWeeklyAllowance(t *testing.T) {
	poster := &fakePoster{}
	p, q := newPublisher(t, nil, poster)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id, err := p.Publish(ctx, "u1", " hello ")
		require.NoError(t, err)
		assert.Equal(t, "p1", id)
	}
	assert.Equal(t, "hello", poster.last.Text)

	_, err := p.Publish(ctx, "u1", "one too many")
	assert.ErrorIs(t, err, ErrQuota)
	assert.Equal(t, 3, poster.calls)
	assert.Equal(t, int64(3), publishUsed(t, q))
}

func TestPublishReleasesOnFailure(t *testing.T) {
	poster := &fakePoster{err: errors.New("boom")}
	p, q := newPublisher(t, nil, poster)
	_, err := p.Publish(context.Background(), "u1", "hi")
	assert.Error(t, err)
	assert.Equal(t, int64(0), publishUsed(t, q))
}

func TestPublishExpiredTokenPostsNothing(t *testing.T) {
	poster := &fakePoster{}
	p, q := newPublisher(t, xauth.ErrTokenExpired, poster)
	_, err := p.Publish(context.Background(), "u1", "hi")
	assert.ErrorIs(t, err, xauth.ErrTokenExpired)
	assert.Zero(t, poster.calls)
	assert.Equal(t, int64(0), publishUsed(t, q))
}

func TestPublishRejectsTooLong(t *testing.T) {
	poster := &fakePoster{}
	p, _ := newPublisher(t, nil, poster)
	long := make([]rune, 281)
	for i := range long {
		long[i] = 'é'
	}
	_, err := p.Publish(context.Background(), "u1", string(long))
	assert.Error(t, err)
	assert.Zero(t, poster.calls)

	_, err = p.Publish(context.Background(), "u1", "   ")
	assert.Error(t, err)
}
