// Package settings validates user configuration at write time so that the
// reply pipeline only ever sees well-formed accounts and schedules.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"replybot/internal/config"
	"replybot/internal/model"
	"replybot/internal/quota"
	"replybot/internal/schedule"
	"replybot/internal/store"
	"replybot/internal/tone"
)

var (
	ErrValidation = errors.New("invalid setting")
	ErrLimit      = errors.New("limit reached")
)

const (
	MaxSchedules  = 10
	MaxExceptions = 50
)

// PollIntervals are the allowed poll intervals in minutes.
var PollIntervals = []int{5, 10, 15, 30, 60, 120, 240, 480, 1440}

type Service struct {
	db          *store.DB
	quota       *quota.Enforcer
	defaultTier string
}

func New(db *store.DB, q *quota.Enforcer, defaultTier string) *Service {
	return &Service{db: db, quota: q, defaultTier: defaultTier}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// AccountInput is a new monitored account as submitted by a user.
type AccountInput struct {
	UserID         string
	XUserID        string
	Username       string
	Tone           string
	ToneWeights    map[string]float64
	ImageFrequency int
	AutoPost       bool
	PollInterval   int
	Temperature    float64
}

// ValidateAccount checks ranges and normalizes an account. Non-positive
// tone weights are dropped.
func ValidateAccount(in AccountInput) (model.MonitoredAccount, error) {
	a := model.MonitoredAccount{
		UserID: in.UserID, XUserID: strings.TrimSpace(in.XUserID), Username: strings.TrimPrefix(strings.TrimSpace(in.Username), "@"),
		ImageFrequency: in.ImageFrequency, Enabled: true, AutoPost: in.AutoPost, PollInterval: in.PollInterval, Temperature: in.Temperature,
	}
	if a.UserID == "" || a.XUserID == "" {
		return a, invalid("user and platform account ids are required")
	}
	if !allowedInterval(in.PollInterval) {
		return a, invalid("poll interval %d not in %v", in.PollInterval, PollIntervals)
	}
	if in.Temperature < 0.1 || in.Temperature > 1.0 {
		return a, invalid("temperature %.2f outside 0.1-1.0", in.Temperature)
	}
	if in.ImageFrequency < 0 || in.ImageFrequency > 100 {
		return a, invalid("image frequency %d outside 0-100", in.ImageFrequency)
	}
	a.Tone, _ = tone.FallbackPrompt(in.Tone)
	for id, w := range in.ToneWeights {
		if w > 0 {
			if a.ToneWeights == nil {
				a.ToneWeights = map[string]float64{}
			}
			a.ToneWeights[id] = w
		}
	}
	return a, nil
}

func allowedInterval(v int) bool {
	for _, p := range PollIntervals {
		if p == v {
			return true
		}
	}
	return false
}

// AddAccount validates and stores a monitored account within the tier's
// account ceiling.
func (s *Service) AddAccount(ctx context.Context, in AccountInput) (model.MonitoredAccount, error) {
	a, err := ValidateAccount(in)
	if err != nil {
		return a, err
	}
	sub, err := s.db.GetSubscription(ctx, a.UserID, s.defaultTier)
	if err != nil {
		return a, err
	}
	ceiling, err := s.quota.AccountCeiling(sub.Tier)
	if err != nil {
		return a, err
	}
	if ceiling != config.Unlimited {
		n, err := s.db.CountAccounts(ctx, a.UserID)
		if err != nil {
			return a, err
		}
		if n >= ceiling {
			return a, fmt.Errorf("%w: tier %s allows %d monitored accounts", ErrLimit, sub.Tier, ceiling)
		}
	}
	if err := s.db.CreateAccount(ctx, &a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return a, invalid("account %s already monitored", a.XUserID)
		}
		return a, err
	}
	return a, nil
}

// AddSchedule creates a pause window, creating the user's engagement
// config on first use.
func (s *Service) AddSchedule(ctx context.Context, userID, start, end, label string) (model.PauseSchedule, error) {
	var ps model.PauseSchedule
	if _, err := schedule.ParseClock(start); err != nil {
		return ps, invalid("start: %v", err)
	}
	if _, err := schedule.ParseClock(end); err != nil {
		return ps, invalid("end: %v", err)
	}
	n, err := s.db.CountSchedules(ctx, userID)
	if err != nil {
		return ps, err
	}
	if n >= MaxSchedules {
		return ps, fmt.Errorf("%w: at most %d pause schedules", ErrLimit, MaxSchedules)
	}
	cfg, err := s.db.EnsureEngagementConfig(ctx, userID)
	if err != nil {
		return ps, err
	}
	ps = model.PauseSchedule{ConfigID: cfg.ID, StartTime: start, EndTime: end, Enabled: true, Label: strings.TrimSpace(label)}
	if err := s.db.CreateSchedule(ctx, &ps); err != nil {
		return ps, err
	}
	return ps, nil
}

// AddException skips a schedule on one calendar date.
func (s *Service) AddException(ctx context.Context, userID string, scheduleID int64, date string) error {
	if _, err := schedule.ParseDate(date); err != nil {
		return invalid("%v", err)
	}
	owner, err := s.db.ScheduleOwner(ctx, scheduleID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && owner != userID) {
		return invalid("schedule %d not found", scheduleID)
	}
	if err != nil {
		return err
	}
	n, err := s.db.CountExceptions(ctx, scheduleID)
	if err != nil {
		return err
	}
	if n >= MaxExceptions {
		return fmt.Errorf("%w: at most %d exception dates per schedule", ErrLimit, MaxExceptions)
	}
	if err := s.db.AddException(ctx, scheduleID, date); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return invalid("date %s already excepted", date)
		}
		return err
	}
	return nil
}

// SetTimezone stores the zone pause windows are evaluated in.
func (s *Service) SetTimezone(ctx context.Context, userID, tz string) error {
	if _, err := time.LoadLocation(tz); err != nil || tz == "" {
		return invalid("unknown time zone %q", tz)
	}
	return s.db.SetTimezone(ctx, userID, tz)
}

// AddTone stores a custom tone for a user.
func (s *Service) AddTone(ctx context.Context, userID, name, prompt, color string) (model.Tone, error) {
	t := model.Tone{UserID: userID, Name: strings.TrimSpace(name), Prompt: strings.TrimSpace(prompt), Color: color}
	if t.Name == "" || t.Prompt == "" {
		return t, invalid("tone name and prompt are required")
	}
	if err := s.db.CreateTone(ctx, &t); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return t, invalid("tone %q already exists", t.Name)
		}
		return t, err
	}
	return t, nil
}
