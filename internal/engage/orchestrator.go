// Package engage runs the automated reply pipeline for one monitored
// account at a time.
package engage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"replybot/internal/config"
	"replybot/internal/cost"
	"replybot/internal/logging"
	"replybot/internal/metrics"
	"replybot/internal/model"
	"replybot/internal/quota"
	"replybot/internal/runlock"
	"replybot/internal/schedule"
	"replybot/internal/store"
	"replybot/internal/suggest"
	"replybot/internal/tone"
	"replybot/internal/util"
	"replybot/internal/xauth"
	"replybot/internal/xclient"
)

// Run outcomes.
const (
	OutcomeCompleted    = "completed"
	OutcomeDisabled     = "disabled"
	OutcomePaused       = "skipped_paused"
	OutcomeLocked       = "locked"
	OutcomeNotConnected = "not_connected"
	OutcomeTokenExpired = "token_expired"
	OutcomeQuota        = "skipped_quota"
	OutcomeFetchFailed  = "fetch_failed"
	OutcomeError        = "error"
)

const fetchLimit = 50

type Tokens interface {
	EnsureFreshToken(ctx context.Context, userID string) (xauth.Credential, error)
}

// RunResult summarizes one account run.
type RunResult struct {
	AccountID  int64
	Outcome    string
	Posted     int
	Drafted    int
	Failed     int
	Retried    int
	Duplicates int
	Gated      int
}

type Options struct {
	Engagement  config.EngagementConfig
	DefaultTier string
	// CharLimit returns the reply ceiling for a standard or premium account.
	CharLimit func(premium bool) int
	Locker    runlock.Locker
	// Rand drives tone draws and image rolls. Defaults to the shared
	// math/rand/v2 source, which is safe across workers.
	Rand tone.Rand
	Now  func() time.Time
}

type Orchestrator struct {
	db       *store.DB
	quota    *quota.Enforcer
	tokens   Tokens
	platform xclient.Platform
	gen      suggest.Generator
	opts     Options
}

func New(db *store.DB, q *quota.Enforcer, tokens Tokens, platform xclient.Platform, gen suggest.Generator, opts Options) *Orchestrator {
	if opts.Rand == nil {
		opts.Rand = tone.SharedRand{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Locker == nil {
		opts.Locker = runlock.NewSQL(db)
	}
	if opts.CharLimit == nil {
		opts.CharLimit = func(premium bool) int {
			if premium {
				return 25000
			}
			return 280
		}
	}
	if opts.Engagement.MaxAttempts <= 0 {
		opts.Engagement.MaxAttempts = 3
	}
	if opts.Engagement.RunLockTTL <= 0 {
		opts.Engagement.RunLockTTL = 10 * time.Minute
	}
	return &Orchestrator{db: db, quota: q, tokens: tokens, platform: platform, gen: gen, opts: opts}
}

func lockKey(accountID int64) string   { return "account:" + strconv.FormatInt(accountID, 10) }
func cursorKey(accountID int64) string { return "since:account:" + strconv.FormatInt(accountID, 10) }

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Run processes one monitored account: pause check, run lock, queued
// retries, then new posts up to the per-run capacity.
func (o *Orchestrator) Run(ctx context.Context, accountID int64) (res RunResult, err error) {
	start := o.opts.Now()
	res.AccountID = accountID
	defer func() {
		outcome := res.Outcome
		if err != nil {
			outcome = OutcomeError
		}
		metrics.ObserveRun(outcome, start)
		fields := map[string]any{
			"account_id": accountID, "outcome": outcome, "posted": res.Posted, "drafted": res.Drafted,
			"failed": res.Failed, "retried": res.Retried, "duplicates": res.Duplicates, "gated": res.Gated,
			"elapsed_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
			logging.Error("engage_run", fields)
			return
		}
		logging.Info("engage_run", fields)
	}()

	acc, err := o.db.GetAccount(ctx, accountID)
	if err != nil {
		return res, err
	}
	if !acc.Enabled {
		res.Outcome = OutcomeDisabled
		return res, nil
	}
	schedules, tz, err := o.db.ListSchedules(ctx, acc.UserID)
	if err != nil {
		return res, err
	}
	if schedule.IsPaused(schedule.Local(start, tz), schedules) {
		res.Outcome = OutcomePaused
		return res, nil
	}

	lease, err := o.opts.Locker.Acquire(ctx, lockKey(acc.ID), o.opts.Engagement.RunLockTTL)
	if errors.Is(err, runlock.ErrHeld) {
		res.Outcome = OutcomeLocked
		return res, nil
	}
	if err != nil {
		return res, err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			logging.Warn("engage_unlock_failed", map[string]any{"account_id": acc.ID, "error": rerr.Error()})
		}
	}()

	res.Outcome = OutcomeCompleted
	if err := o.run(ctx, acc, lease, &res); err != nil {
		return res, err
	}
	return res, o.db.MarkPolled(context.WithoutCancel(ctx), acc.ID, o.opts.Now())
}

// run holds the state of one locked account run.
type run struct {
	o        *Orchestrator
	acc      model.MonitoredAccount
	lease    *runlock.Lease
	sub      model.Subscription
	catalog  []model.Tone
	res      *RunResult
	capacity int
}

func (o *Orchestrator) run(ctx context.Context, acc model.MonitoredAccount, lease *runlock.Lease, res *RunResult) error {
	x, err := o.db.GetXAccount(ctx, acc.UserID)
	if errors.Is(err, store.ErrNotFound) {
		res.Outcome = OutcomeNotConnected
		return nil
	}
	if err != nil {
		return err
	}
	if x.TokenError {
		res.Outcome = OutcomeTokenExpired
		return nil
	}
	sub, err := o.db.GetSubscription(ctx, acc.UserID, o.opts.DefaultTier)
	if err != nil {
		return err
	}
	catalog, err := o.db.ListTones(ctx, acc.UserID)
	if err != nil {
		return err
	}
	capacity := o.opts.Engagement.MaxRepliesPerRun
	if capacity <= 0 {
		capacity = 5
	}
	r := &run{o: o, acc: acc, lease: lease, sub: sub, catalog: catalog, res: res, capacity: capacity}

	retries, err := o.db.ListRetryableReplies(ctx, acc.ID, o.opts.Engagement.MaxAttempts, capacity)
	if err != nil {
		return err
	}
	for i := range retries {
		if r.capacity == 0 {
			return nil
		}
		res.Retried++
		_, halt, err := r.attempt(ctx, &retries[i], false)
		if err != nil || halt {
			return err
		}
	}
	if r.capacity == 0 {
		return nil
	}
	return r.newPosts(ctx)
}

// newPosts fetches posts past the cursor and replies to them in order. The
// cursor only moves over the unbroken prefix of posts this run dealt with.
func (r *run) newPosts(ctx context.Context) error {
	o := r.o
	since, err := o.db.LoadCursor(ctx, cursorKey(r.acc.ID))
	if err != nil {
		return err
	}
	fctx, cancel := withTimeout(ctx, o.opts.Engagement.FetchTimeout)
	posts, err := o.platform.FetchRecentPosts(fctx, r.acc.XUserID, since, fetchLimit)
	cancel()
	if err != nil {
		r.res.Outcome = OutcomeFetchFailed
		logging.Warn("engage_fetch_failed", map[string]any{"account_id": r.acc.ID, "error": err.Error()})
		return nil
	}
	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}
	known, err := o.db.KnownPostIDs(ctx, r.acc.ID, ids)
	if err != nil {
		return err
	}

	cursor := since
	blocked := false
	advance := func(id string) {
		if !blocked && xclient.CompareIDs(id, cursor) > 0 {
			cursor = id
		}
	}
	defer func() {
		if cursor == since {
			return
		}
		if err := o.db.SaveCursor(context.WithoutCancel(ctx), cursorKey(r.acc.ID), cursor); err != nil {
			logging.Warn("engage_cursor_save_failed", map[string]any{"account_id": r.acc.ID, "error": err.Error()})
		}
	}()

	for _, p := range posts {
		if known[p.ID] {
			r.res.Duplicates++
			advance(p.ID)
			continue
		}
		if !ShouldEngage(p) {
			r.res.Gated++
			advance(p.ID)
			continue
		}
		if r.capacity == 0 {
			break
		}
		rep := &model.EngagementReply{AccountID: r.acc.ID, UserID: r.acc.UserID, SourcePostID: p.ID, SourceText: p.Text}
		handled, halt, err := r.attempt(ctx, rep, true)
		if err != nil {
			return err
		}
		if handled {
			advance(p.ID)
		} else {
			blocked = true
		}
		if halt {
			break
		}
	}
	return nil
}

// attempt takes one candidate through quota, credentials, generation and
// posting. handled reports whether the candidate now has a reply row that
// settles it for this run; halt stops the whole run.
func (r *run) attempt(ctx context.Context, rep *model.EngagementReply, isNew bool) (handled, halt bool, err error) {
	o := r.o
	// Each attempt starts with a full TTL so a long run never outlives its lease.
	if err := r.lease.Renew(ctx); err != nil {
		if !errors.Is(err, runlock.ErrLost) {
			return false, false, err
		}
		r.res.Outcome = OutcomeLocked
		logging.Warn("engage_lease_lost", map[string]any{"account_id": r.acc.ID, "post_id": rep.SourcePostID})
		return false, true, nil
	}
	cur, err := o.db.GetAccount(ctx, r.acc.ID)
	if err != nil {
		return false, false, err
	}
	if !cur.Enabled {
		r.res.Outcome = OutcomeDisabled
		return false, true, nil
	}

	d, err := o.quota.CheckAndReserve(ctx, r.sub, quota.Reply)
	if err != nil {
		return false, false, err
	}
	if !d.Allowed {
		metrics.IncQuotaDenied(string(quota.Reply))
		r.res.Outcome = OutcomeQuota
		if !isNew {
			// Stays failed and retryable once the window rolls over.
			return false, true, nil
		}
		rep.Status = model.StatusSkippedQuota
		if _, err := o.db.InsertReply(ctx, rep); err != nil {
			return false, true, err
		}
		metrics.IncReply(model.StatusSkippedQuota)
		return true, true, nil
	}
	reserved := []quota.Decision{d}

	cred, err := o.tokens.EnsureFreshToken(ctx, r.acc.UserID)
	if err != nil {
		r.release(ctx, reserved)
		if errors.Is(err, xauth.ErrTokenExpired) || errors.Is(err, xauth.ErrNotConnected) {
			r.res.Outcome = OutcomeTokenExpired
			return false, true, nil
		}
		logging.Warn("engage_token_unavailable", map[string]any{"account_id": r.acc.ID, "post_id": rep.SourcePostID, "error": err.Error()})
		return false, false, nil
	}

	rep.Status = model.StatusGenerating
	if isNew {
		created, err := o.db.InsertReply(ctx, rep)
		if err != nil {
			r.release(ctx, reserved)
			return false, false, err
		}
		if !created {
			r.release(ctx, reserved)
			r.res.Duplicates++
			return true, false, nil
		}
	} else if err := o.db.UpdateReply(ctx, rep); err != nil {
		r.release(ctx, reserved)
		return false, false, err
	}
	r.capacity--

	if gerr := r.compose(ctx, rep, cred, &reserved); gerr != nil {
		r.release(ctx, reserved)
		rep.Attempts++
		rep.LastError = util.Truncate(gerr.Error(), 500)
		rep.Status = model.StatusFailed
		rep.TextCost, rep.ImageCost, rep.APICost, rep.TotalCost = "", "", "", ""
		metrics.IncReply(model.StatusFailed)
		r.res.Failed++
		logging.Warn("engage_reply_failed", map[string]any{
			"account_id": r.acc.ID, "post_id": rep.SourcePostID, "attempts": rep.Attempts, "error": rep.LastError,
		})
		return true, false, o.db.UpdateReply(context.WithoutCancel(ctx), rep)
	}

	metrics.IncReply(rep.Status)
	if rep.Status == model.StatusPosted {
		r.res.Posted++
	} else {
		r.res.Drafted++
	}
	logging.Info("engage_reply", map[string]any{
		"account_id": r.acc.ID, "post_id": rep.SourcePostID, "status": rep.Status, "tone": rep.ToneName,
		"posted_id": rep.PostedID, "total_cost": rep.TotalCost,
	})
	return true, false, o.db.UpdateReply(context.WithoutCancel(ctx), rep)
}

func (r *run) release(ctx context.Context, reserved []quota.Decision) {
	for _, d := range reserved {
		if err := r.o.quota.Release(context.WithoutCancel(ctx), d); err != nil {
			logging.Warn("quota_release_failed", map[string]any{"user_id": r.acc.UserID, "kind": string(d.Kind), "error": err.Error()})
		}
	}
}

// compose generates the reply, optionally an image, and posts or drafts it.
// On success rep carries the final status and cost.
func (r *run) compose(ctx context.Context, rep *model.EngagementReply, cred xauth.Credential, reserved *[]quota.Decision) error {
	o := r.o
	choice := tone.Pick(r.acc, r.catalog, o.opts.Rand)
	rep.ToneID, rep.ToneName = choice.ToneID, choice.ToneName
	limit := o.opts.CharLimit(cred.Premium)

	gctx, cancel := withTimeout(ctx, o.opts.Engagement.GenerateTimeout)
	txt, err := o.gen.GenerateText(gctx, suggest.TextRequest{
		TonePrompt:  choice.Prompt,
		ToneName:    choice.ToneName,
		Author:      r.acc.Username,
		SourceText:  rep.SourceText,
		Temperature: r.acc.Temperature,
		MaxChars:    limit,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("generate text: %w", err)
	}
	rep.ReplyText = suggest.FitLimit(txt.Text, limit)
	if rep.ReplyText == "" {
		return errors.New("generated reply is empty")
	}

	img, withImage, err := r.image(ctx, rep, reserved)
	if err != nil {
		return err
	}
	b := cost.Compute(txt.InputTokens, txt.OutputTokens, withImage, o.gen.Model())

	if !r.acc.AutoPost {
		b = b.Unposted()
		rep.Status = model.StatusDrafted
	} else {
		pctx, cancel := withTimeout(ctx, o.opts.Engagement.PostTimeout)
		defer cancel()
		content := xclient.Content{Text: rep.ReplyText, InReplyTo: rep.SourcePostID}
		if withImage {
			mediaID, err := o.platform.UploadMedia(pctx, cred.AccessToken, img.Data, img.MIMEType)
			if err != nil {
				return fmt.Errorf("upload media: %w", err)
			}
			content.MediaIDs = []string{mediaID}
			rep.ImageURL = "media:" + mediaID
		}
		rep.PostedID, err = o.platform.PostContent(pctx, cred.AccessToken, content)
		if err != nil {
			return fmt.Errorf("post reply: %w", err)
		}
		rep.Status = model.StatusPosted
	}

	rep.TextCost, rep.ImageCost, rep.APICost, rep.TotalCost = b.Strings()
	rep.LastError = ""
	metrics.AddCost("text", b.Text.InexactFloat64())
	metrics.AddCost("image", b.Image.InexactFloat64())
	metrics.AddCost("api", b.API.InexactFloat64())
	return nil
}

// image rolls imageFrequency and, on a hit, reserves image quota and draws
// one. A denied reservation or a backend without images yields text only.
func (r *run) image(ctx context.Context, rep *model.EngagementReply, reserved *[]quota.Decision) (suggest.Image, bool, error) {
	o := r.o
	if r.acc.ImageFrequency <= 0 || o.opts.Rand.Float64()*100 >= float64(r.acc.ImageFrequency) {
		return suggest.Image{}, false, nil
	}
	d, err := o.quota.CheckAndReserve(ctx, r.sub, quota.Image)
	if err != nil {
		return suggest.Image{}, false, err
	}
	if !d.Allowed {
		metrics.IncQuotaDenied(string(quota.Image))
		logging.Info("engage_image_quota_denied", map[string]any{"account_id": r.acc.ID, "used": d.Used, "limit": d.Limit})
		return suggest.Image{}, false, nil
	}
	*reserved = append(*reserved, d)

	ictx, cancel := withTimeout(ctx, o.opts.Engagement.GenerateTimeout)
	img, err := o.gen.GenerateImage(ictx, suggest.ImagePrompt(rep.SourceText, rep.ReplyText))
	cancel()
	if errors.Is(err, suggest.ErrImagesUnsupported) {
		r.release(ctx, []quota.Decision{d})
		*reserved = (*reserved)[:len(*reserved)-1]
		return suggest.Image{}, false, nil
	}
	if err != nil {
		return suggest.Image{}, false, fmt.Errorf("generate image: %w", err)
	}
	return img, true, nil
}
