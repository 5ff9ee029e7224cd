package model

import "time"

// MonitoredAccount is an external X account a user watches and replies to.
type MonitoredAccount struct {
	ID             int64
	UserID         string
	XUserID        string // watched account's platform id
	Username       string
	Tone           string             // single default tone category
	ToneWeights    map[string]float64 // tone id -> weight, optional
	ImageFrequency int                // 0-100 percent chance of an image
	Enabled        bool
	AutoPost       bool
	PollInterval   int // minutes
	Temperature    float64
	CreatedAt      time.Time
}

// EngagementConfig anchors a user's pause schedules.
type EngagementConfig struct {
	ID       int64
	UserID   string
	Timezone string // IANA name, empty means UTC
}

// PauseSchedule suppresses automated activity during a local clock window.
type PauseSchedule struct {
	ID         int64
	ConfigID   int64
	StartTime  string // HH:mm
	EndTime    string // HH:mm
	Enabled    bool
	Label      string
	Exceptions []string // YYYY-MM-DD dates on which the window does not apply
}

// Tone is a user-defined reply voice.
type Tone struct {
	ID     string
	UserID string
	Name   string
	Prompt string
	Color  string
}

// Post is a source post fetched from the platform.
type Post struct {
	ID        string
	AuthorID  string
	Text      string
	CreatedAt time.Time
	Language  string
}

// Reply status values.
const (
	StatusPending          = "pending"
	StatusGenerating       = "generating"
	StatusPosted           = "posted"
	StatusDrafted          = "drafted"
	StatusFailed           = "failed"
	StatusSkippedPaused    = "skipped_paused"
	StatusSkippedQuota     = "skipped_quota"
	StatusSkippedDuplicate = "skipped_duplicate"
)

// EngagementReply is one generated or attempted reply to a source post.
// Cost fields hold decimal strings in USD.
type EngagementReply struct {
	ID           string
	AccountID    int64
	UserID       string
	SourcePostID string
	SourceText   string
	ToneID       string
	ToneName     string
	ReplyText    string
	ImageURL     string
	PostedID     string
	Status       string
	Attempts     int
	LastError    string
	TextCost     string
	ImageCost    string
	APICost      string
	TotalCost    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the reply must never be processed again.
// A failed reply stays eligible until it reaches maxAttempts.
func (r EngagementReply) Terminal(maxAttempts int) bool {
	switch r.Status {
	case StatusFailed:
		return r.Attempts >= maxAttempts
	case StatusPending, StatusGenerating:
		return false
	}
	return true
}

// XAccount holds a user's platform OAuth credentials, sealed at rest.
type XAccount struct {
	UserID         string
	XUserID        string
	Username       string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	TokenError     bool
	Premium        bool
	ConnectedAt    time.Time
}

// Subscription is a user's billing tier and current period.
type Subscription struct {
	UserID      string
	Tier        string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Notification is a user-visible message queued for delivery.
type Notification struct {
	ID        int64
	UserID    string
	Title     string
	Message   string
	Link      string
	DedupeKey string
	CreatedAt time.Time
}
