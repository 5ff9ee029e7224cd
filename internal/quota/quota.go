// Package quota enforces per-tier usage ceilings with atomic reservations.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"replybot/internal/config"
	"replybot/internal/model"
)

// Kind names a counted resource.
type Kind string

const (
	Reply   Kind = "reply"
	Image   Kind = "image"
	Publish Kind = "publish"
)

// ErrUnknownTier means a subscription names a tier missing from the table.
var ErrUnknownTier = errors.New("unknown tier")

// Decision is the outcome of a reservation. Limit is -1 when unlimited.
type Decision struct {
	Allowed bool
	Used    int64
	Limit   int64
	Kind    Kind

	key Key
}

// Enforcer maps subscriptions onto tier limits and window buckets and
// reserves usage through a Counter.
type Enforcer struct {
	counter Counter
	cfg     config.QuotaConfig
	now     func() time.Time
}

func New(counter Counter, cfg config.QuotaConfig) *Enforcer {
	return &Enforcer{counter: counter, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// Limits returns the ceiling set for tier. An empty tier is the default one.
func (e *Enforcer) Limits(tier string) (config.TierLimits, error) {
	if tier == "" {
		tier = e.cfg.DefaultTier
	}
	l, ok := e.cfg.Tiers[tier]
	if !ok {
		return l, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return l, nil
}

// AccountCeiling is the number of monitored accounts tier allows, -1 for no limit.
func (e *Enforcer) AccountCeiling(tier string) (int, error) {
	l, err := e.Limits(tier)
	if err != nil {
		return 0, err
	}
	return l.Accounts, nil
}

// CheckAndReserve takes one unit of kind for the subscriber if the tier
// allows it. A denied decision is not an error.
func (e *Enforcer) CheckAndReserve(ctx context.Context, sub model.Subscription, kind Kind) (Decision, error) {
	d, err := e.decision(sub, kind)
	if err != nil {
		return d, err
	}
	limit := d.Limit
	if limit == config.Unlimited {
		limit = math.MaxInt64
	}
	d.Used, d.Allowed, err = e.counter.Reserve(ctx, d.key, limit)
	if err != nil {
		return Decision{}, fmt.Errorf("reserving %s quota: %w", kind, err)
	}
	return d, nil
}

// Release returns a reservation made by CheckAndReserve. Denied decisions
// are ignored.
func (e *Enforcer) Release(ctx context.Context, d Decision) error {
	if !d.Allowed {
		return nil
	}
	return e.counter.Release(ctx, d.key)
}

// Peek reports current usage without reserving.
func (e *Enforcer) Peek(ctx context.Context, sub model.Subscription, kind Kind) (Decision, error) {
	d, err := e.decision(sub, kind)
	if err != nil {
		return d, err
	}
	d.Used, err = e.counter.Used(ctx, d.key)
	d.Allowed = d.Limit == config.Unlimited || d.Used < d.Limit
	return d, err
}

func (e *Enforcer) decision(sub model.Subscription, kind Kind) (Decision, error) {
	l, err := e.Limits(sub.Tier)
	if err != nil {
		return Decision{}, err
	}
	var limit int64
	switch kind {
	case Reply:
		limit = l.Replies
	case Image:
		limit = l.Images
	case Publish:
		limit = l.WeeklyPosts
	default:
		return Decision{}, fmt.Errorf("unknown quota kind %q", kind)
	}
	bucket, expires := e.Window(sub, kind)
	return Decision{
		Limit: limit,
		Kind:  kind,
		key:   Key{UserID: sub.UserID, Kind: kind, Anchor: e.anchor(sub, kind).Unix(), Bucket: bucket, ExpiresAt: expires},
	}, nil
}

// Window returns the bucket index holding now for kind and the time the
// bucket closes. Reply and image windows may be anchored to the billing
// period start; publish windows always count from the Unix epoch.
func (e *Enforcer) Window(sub model.Subscription, kind Kind) (int64, time.Time) {
	length := e.cfg.Window
	if kind == Publish {
		length = e.cfg.PublishWindow
	}
	anchor := e.anchor(sub, kind)
	if length <= 0 {
		length = 30 * 24 * time.Hour
	}
	elapsed := e.now().Sub(anchor)
	bucket := int64(elapsed / length)
	if elapsed < 0 && elapsed%length != 0 {
		bucket--
	}
	return bucket, anchor.Add(time.Duration(bucket+1) * length)
}

// anchor is the origin window buckets count from for kind.
func (e *Enforcer) anchor(sub model.Subscription, kind Kind) time.Time {
	if kind != Publish && e.cfg.AnchorToBillingPeriod && !sub.PeriodStart.IsZero() {
		return sub.PeriodStart
	}
	return time.Unix(0, 0)
}
