package engage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybot/internal/config"
	"replybot/internal/model"
	"replybot/internal/quota"
	"replybot/internal/runlock"
	"replybot/internal/store"
	"replybot/internal/suggest"
	"replybot/internal/xauth"
	"replybot/internal/xclient"
)

type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }

type fakePlatform struct {
	posts     []model.Post
	fetchErr  error
	postErr   error
	fetches   int
	uploads   int
	posted    []xclient.Content
	afterPost func()
	lastSince string
}

func (f *fakePlatform) FetchRecentPosts(_ context.Context, _, sinceID string, _ int) ([]model.Post, error) {
	f.fetches++
	f.lastSince = sinceID
	return f.posts, f.fetchErr
}

func (f *fakePlatform) UploadMedia(context.Context, string, []byte, string) (string, error) {
	f.uploads++
	return fmt.Sprintf("m%d", f.uploads), nil
}

func (f *fakePlatform) PostContent(_ context.Context, _ string, c xclient.Content) (string, error) {
	if f.postErr != nil {
		return "", f.postErr
	}
	f.posted = append(f.posted, c)
	if f.afterPost != nil {
		f.afterPost()
	}
	return fmt.Sprintf("r%d", len(f.posted)), nil
}

type fakeGen struct {
	textErr    error
	textCalls  int
	imageCalls int
}

func (g *fakeGen) Model() string { return "gpt-4o-mini" }

func (g *fakeGen) GenerateText(_ context.Context, req suggest.TextRequest) (suggest.TextResult, error) {
	g.textCalls++
	if g.textErr != nil {
		return suggest.TextResult{}, g.textErr
	}
	return suggest.TextResult{Text: "Nice one! " + req.ToneName, InputTokens: 120, OutputTokens: 30}, nil
}

func (g *fakeGen) GenerateImage(context.Context, string) (suggest.Image, error) {
	g.imageCalls++
	return suggest.Image{Data: []byte("png"), MIMEType: "image/png"}, nil
}

type fakeTokens struct {
	err   error
	calls int
}

func (f *fakeTokens) EnsureFreshToken(context.Context, string) (xauth.Credential, error) {
	f.calls++
	if f.err != nil {
		return xauth.Credential{}, f.err
	}
	return xauth.Credential{AccessToken: "tok", XUserID: "me"}, nil
}

type fixture struct {
	db       *store.DB
	q        *quota.Enforcer
	platform *fakePlatform
	gen      *fakeGen
	tokens   *fakeTokens
	acc      model.MonitoredAccount
	orch     *Orchestrator
	now      time.Time
}

func tierConfig(replies, images int64) config.QuotaConfig {
	q := config.Default().Quota
	q.Tiers = map[string]config.TierLimits{"free": {Replies: replies, Images: images, WeeklyPosts: 1, Accounts: 5}}
	return q
}

func newFixture(t *testing.T, qc config.QuotaConfig, mutate func(*model.MonitoredAccount, *config.EngagementConfig)) *fixture {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	f := &fixture{
		db:       db,
		platform: &fakePlatform{},
		gen:      &fakeGen{},
		tokens:   &fakeTokens{},
		now:      time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	eng := config.Default().Engagement
	f.acc = model.MonitoredAccount{UserID: "u1", XUserID: "900", Username: "author", Tone: "Cheers", Enabled: true, AutoPost: true, PollInterval: 15, Temperature: 0.7}
	if mutate != nil {
		mutate(&f.acc, &eng)
	}
	require.NoError(t, db.CreateAccount(ctx, &f.acc))
	require.NoError(t, db.ConnectXAccount(ctx, model.XAccount{UserID: "u1", XUserID: "me", AccessToken: "sealed", RefreshToken: "sealed", TokenExpiresAt: f.now.Add(time.Hour)}))

	f.q = quota.New(quota.NewSQLCounter(db), qc).WithClock(func() time.Time { return f.now })
	f.orch = New(db, f.q, f.tokens, f.platform, f.gen, Options{
		Engagement:  eng,
		DefaultTier: "free",
		Rand:        fixedRand(0.5),
		Now:         func() time.Time { return f.now },
	})
	return f
}

func posts(ids ...string) []model.Post {
	out := make([]model.Post, len(ids))
	for i, id := range ids {
		out[i] = model.Post{ID: id, AuthorID: "900", Text: "Post number " + id}
	}
	return out
}

func (f *fixture) run(t *testing.T) RunResult {
	t.Helper()
	res, err := f.orch.Run(context.Background(), f.acc.ID)
	require.NoError(t, err)
	return res
}

func (f *fixture) reply(t *testing.T, postID string) model.EngagementReply {
	t.Helper()
	r, err := f.db.GetReply(context.Background(), f.acc.ID, postID)
	require.NoError(t, err)
	return r
}

func (f *fixture) noReply(t *testing.T, postID string) {
	t.Helper()
	_, err := f.db.GetReply(context.Background(), f.acc.ID, postID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func (f *fixture) replyQuotaUsed(t *testing.T) int64 {
	t.Helper()
	d, err := f.q.Peek(context.Background(), model.Subscription{UserID: "u1", Tier: "free"}, quota.Reply)
	require.NoError(t, err)
	return d.Used
}

func (f *fixture) cursor(t *testing.T) string {
	t.Helper()
	c, err := f.db.LoadCursor(context.Background(), cursorKey(f.acc.ID))
	require.NoError(t, err)
	return c
}

func TestRunPostsAndNeverRepliesTwice(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), nil)
	f.platform.posts = posts("101", "102", "103")

	res := f.run(t)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 3, res.Posted)
	require.Len(t, f.platform.posted, 3)
	assert.Equal(t, "101", f.platform.posted[0].InReplyTo)
	assert.Equal(t, "103", f.cursor(t))

	r := f.reply(t, "102")
	assert.Equal(t, model.StatusPosted, r.Status)
	assert.Equal(t, "r2", r.PostedID)
	assert.Equal(t, "Cheers", r.ToneName)
	assert.NotEqual(t, "0", r.TotalCost)
	assert.Equal(t, "0", r.ImageCost)

	// The platform replays the same posts.
	res = f.run(t)
	assert.Equal(t, "103", f.platform.lastSince)
	assert.Equal(t, 3, res.Duplicates)
	assert.Zero(t, res.Posted)
	assert.Len(t, f.platform.posted, 3)
	assert.Equal(t, int64(3), f.replyQuotaUsed(t))
	replies, err := f.db.ListReplies(context.Background(), f.acc.ID, 10)
	require.NoError(t, err)
	assert.Len(t, replies, 3)
}

func TestRunPausedHasNoSideEffects(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), nil)
	f.platform.posts = posts("101")
	ctx := context.Background()
	cfg, err := f.db.EnsureEngagementConfig(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, f.db.CreateSchedule(ctx, &model.PauseSchedule{ConfigID: cfg.ID, StartTime: "09:00", EndTime: "09:00", Enabled: true}))

	res := f.run(t)
	assert.Equal(t, OutcomePaused, res.Outcome)
	assert.Zero(t, f.platform.fetches)
	assert.Zero(t, f.tokens.calls)
	f.noReply(t, "101")

	due, err := f.db.ListDueAccounts(ctx, f.now)
	require.NoError(t, err)
	assert.Len(t, due, 1, "a paused run does not count as a poll")
}

func TestRunDisabledAccountIsSkipped(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), func(a *model.MonitoredAccount, _ *config.EngagementConfig) { a.Enabled = false })
	f.platform.posts = posts("101")
	res := f.run(t)
	assert.Equal(t, OutcomeDisabled, res.Outcome)
	assert.Zero(t, f.platform.fetches)
}

func TestRunQuotaDeniedRecordsSkipAndStops(t *testing.T) {
	f := newFixture(t, tierConfig(1, 0), nil)
	f.platform.posts = posts("101", "102", "103")

	res := f.run(t)
	assert.Equal(t, OutcomeQuota, res.Outcome)
	assert.Equal(t, 1, res.Posted)
	assert.Equal(t, 1, f.gen.textCalls, "no paid generation after denial")

	skipped := f.reply(t, "102")
	assert.Equal(t, model.StatusSkippedQuota, skipped.Status)
	assert.Equal(t, "0", skipped.TotalCost)
	f.noReply(t, "103")
	assert.Equal(t, "102", f.cursor(t))
}

func TestRunExpiredTokenAbortsRun(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), nil)
	f.platform.posts = posts("101", "102")
	f.tokens.err = xauth.ErrTokenExpired

	res := f.run(t)
	assert.Equal(t, OutcomeTokenExpired, res.Outcome)
	assert.Equal(t, 1, f.tokens.calls)
	assert.Zero(t, f.gen.textCalls)
	f.noReply(t, "101")
	assert.Equal(t, int64(0), f.replyQuotaUsed(t), "reservation given back")
	assert.Equal(t, "", f.cursor(t))
}

func TestRunLatchedAccountSkipsFetch(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), nil)
	f.platform.posts = posts("101")
	changed, err := f.db.LatchTokenError(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, changed)

	res := f.run(t)
	assert.Equal(t, OutcomeTokenExpired, res.Outcome)
	assert.Zero(t, f.platform.fetches)
}

func TestRunTransientTokenFailureSkipsCandidateOnly(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), nil)
	f.platform.posts = posts("101", "102")
	f.tokens.err = fmt.Errorf("%w: timeout", xauth.ErrTransient)

	res := f.run(t)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, f.tokens.calls)
	f.noReply(t, "101")
	assert.Equal(t, "", f.cursor(t), "unhandled posts are fetched again")
	assert.Equal(t, int64(0), f.replyQuotaUsed(t))
}

func TestRunDraftsWhenAutoPostOff(t *testing.T) {
	f := newFixture(t, tierConfig(10, 10), func(a *model.MonitoredAccount, _ *config.EngagementConfig) {
		a.AutoPost = false
		a.ImageFrequency = 100
	})
	f.platform.posts = posts("101")

	res := f.run(t)
	assert.Equal(t, 1, res.Drafted)
	assert.Empty(t, f.platform.posted)
	assert.Zero(t, f.platform.uploads)

	r := f.reply(t, "101")
	assert.Equal(t, model.StatusDrafted, r.Status)
	assert.Equal(t, "0", r.APICost)
	assert.Equal(t, "0.04", r.ImageCost)
	assert.True(t, r.Terminal(3))
}

func TestRunAttachesImageWithinQuota(t *testing.T) {
	f := newFixture(t, tierConfig(10, 1), func(a *model.MonitoredAccount, _ *config.EngagementConfig) { a.ImageFrequency = 100 })
	f.platform.posts = posts("101", "102")

	res := f.run(t)
	assert.Equal(t, 2, res.Posted)
	assert.Equal(t, 1, f.gen.imageCalls)
	require.Len(t, f.platform.posted, 2)
	assert.Equal(t, []string{"m1"}, f.platform.posted[0].MediaIDs)
	assert.Empty(t, f.platform.posted[1].MediaIDs, "image quota spent, text only")
	assert.Equal(t, "media:m1", f.reply(t, "101").ImageURL)
	assert.Equal(t, "0", f.reply(t, "102").ImageCost)
}

func TestRunZeroImageFrequencyNeverDraws(t *testing.T) {
	f := newFixture(t, tierConfig(10, 10), nil)
	f.platform.posts = posts("101")
	f.run(t)
	assert.Zero(t, f.gen.imageCalls)
}

func TestRunFailedReplyIsRetriedNextRun(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), nil)
	f.platform.posts = posts("101")
	f.gen.textErr = errors.New("provider 503")

	res := f.run(t)
	assert.Equal(t, 1, res.Failed)
	r := f.reply(t, "101")
	assert.Equal(t, model.StatusFailed, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.Contains(t, r.LastError, "provider 503")
	assert.Equal(t, int64(0), f.replyQuotaUsed(t))
	assert.Equal(t, "101", f.cursor(t))

	f.gen.textErr = nil
	res = f.run(t)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Posted)
	assert.Equal(t, 1, res.Duplicates)
	r = f.reply(t, "101")
	assert.Equal(t, model.StatusPosted, r.Status)
	assert.Empty(t, r.LastError)
	assert.Len(t, f.platform.posted, 1)
}

func TestRunStopsRetryingAtMaxAttempts(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), func(_ *model.MonitoredAccount, e *config.EngagementConfig) { e.MaxAttempts = 2 })
	f.platform.posts = posts("101")
	f.platform.postErr = errors.New("x api status 500")

	f.run(t)
	f.run(t)
	res := f.run(t)
	assert.Zero(t, res.Retried)
	r := f.reply(t, "101")
	assert.Equal(t, 2, r.Attempts)
	assert.True(t, r.Terminal(2))
	assert.Equal(t, 2, f.gen.textCalls)
}

func TestRunHonorsCapacity(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), func(_ *model.MonitoredAccount, e *config.EngagementConfig) { e.MaxRepliesPerRun = 2 })
	f.platform.posts = posts("101", "102", "103")

	res := f.run(t)
	assert.Equal(t, 2, res.Posted)
	f.noReply(t, "103")
	assert.Equal(t, "102", f.cursor(t))
}

func TestRunGatesSpamButAdvancesCursor(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), nil)
	f.platform.posts = []model.Post{{ID: "101", Text: "Massive GIVEAWAY today"}, {ID: "102", Text: "a real thought"}}

	res := f.run(t)
	assert.Equal(t, 1, res.Gated)
	assert.Equal(t, 1, res.Posted)
	f.noReply(t, "101")
	assert.Equal(t, "102", f.cursor(t))
}

func TestRunDisabledMidRunFinishesInFlightOnly(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), nil)
	f.platform.posts = posts("101", "102")
	f.platform.afterPost = func() {
		require.NoError(t, f.db.SetAccountEnabled(context.Background(), f.acc.ID, false))
	}

	res := f.run(t)
	assert.Equal(t, OutcomeDisabled, res.Outcome)
	assert.Equal(t, 1, res.Posted)
	assert.Equal(t, model.StatusPosted, f.reply(t, "101").Status)
	f.noReply(t, "102")
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), nil)
	f.platform.posts = posts("101")
	lease, err := runlock.NewSQL(f.db).Acquire(context.Background(), lockKey(f.acc.ID), time.Minute)
	require.NoError(t, err)

	res := f.run(t)
	assert.Equal(t, OutcomeLocked, res.Outcome)
	assert.Zero(t, f.platform.fetches)

	require.NoError(t, lease.Release(context.Background()))
	res = f.run(t)
	assert.Equal(t, 1, res.Posted)
}

func TestRunFetchFailureIsTransient(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), nil)
	f.platform.fetchErr = &xclient.StatusError{Endpoint: "users/tweets", Status: 503}

	res, err := f.orch.Run(context.Background(), f.acc.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFetchFailed, res.Outcome)
}

// withClockedLocker rebuilds the orchestrator on a lease store that follows
// the fixture clock.
func (f *fixture) withClockedLocker(ttl time.Duration) *runlock.SQLLocker {
	l := runlock.NewSQL(f.db).WithClock(func() time.Time { return f.now })
	eng := config.Default().Engagement
	eng.RunLockTTL = ttl
	f.orch = New(f.db, f.q, f.tokens, f.platform, f.gen, Options{
		Engagement:  eng,
		DefaultTier: "free",
		Locker:      l,
		Rand:        fixedRand(0.5),
		Now:         func() time.Time { return f.now },
	})
	return l
}

func TestRunRenewsLeaseBetweenReplies(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), nil)
	f.platform.posts = posts("101", "102", "103", "104")
	l := f.withClockedLocker(time.Minute)

	var contended int
	f.platform.afterPost = func() {
		// Each reply takes most of a TTL; four of them outlast one.
		f.now = f.now.Add(50 * time.Second)
		if _, err := l.Acquire(context.Background(), lockKey(f.acc.ID), time.Minute); err == nil {
			contended++
		}
	}

	res := f.run(t)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 4, res.Posted)
	assert.Zero(t, contended, "another run took the account mid-run")
}

func TestRunStopsWhenLeaseTakenOver(t *testing.T) {
	f := newFixture(t, tierConfig(10, 0), nil)
	f.platform.posts = posts("101", "102")
	l := f.withClockedLocker(time.Minute)

	f.platform.afterPost = func() {
		f.now = f.now.Add(2 * time.Minute)
		_, err := l.Acquire(context.Background(), lockKey(f.acc.ID), time.Minute)
		require.NoError(t, err)
	}

	res := f.run(t)
	assert.Equal(t, OutcomeLocked, res.Outcome)
	assert.Equal(t, 1, res.Posted)
	f.noReply(t, "102")
	assert.Len(t, f.platform.posted, 1)
}
