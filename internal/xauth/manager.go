// Package xauth keeps users' platform OAuth credentials usable: it seals
// tokens at rest, refreshes them shortly before expiry, and latches the
// account as needing reconnection when the platform rejects the refresh token.
package xauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"replybot/internal/logging"
	"replybot/internal/metrics"
	"replybot/internal/model"
	"replybot/internal/runlock"
	"replybot/internal/store"
)

var (
	// ErrTokenExpired means the refresh token was revoked or expired. The
	// account stays unusable until the user reconnects.
	ErrTokenExpired = errors.New("platform token expired, reconnect required")
	ErrNotConnected = errors.New("platform account not connected")
	// ErrTransient covers outages, timeouts and misconfiguration. Retry later.
	ErrTransient = errors.New("transient token failure")
)

// RefreshSkew is how close to expiry a token gets refreshed.
const RefreshSkew = 60 * time.Second

// Store is the persistence the manager needs.
type Store interface {
	GetXAccount(ctx context.Context, userID string) (model.XAccount, error)
	ConnectXAccount(ctx context.Context, x model.XAccount) error
	UpdateTokens(ctx context.Context, userID, access, refresh string, expiresAt time.Time) error
	LatchTokenError(ctx context.Context, userID string) (bool, error)
	DeleteXAccount(ctx context.Context, userID string) error
	EnqueueNotification(ctx context.Context, n model.Notification) (bool, error)
}

// Credential is a usable access token plus the account facts callers need.
type Credential struct {
	AccessToken string
	XUserID     string
	Username    string
	Premium     bool
}

type Options struct {
	// Locker serializes refreshes for a user across processes. Optional.
	Locker  runlock.Locker
	LockTTL time.Duration
	// Timeout bounds one refresh exchange.
	Timeout time.Duration
	Now     func() time.Time
}

type Manager struct {
	store     Store
	sealer    *Sealer
	refresher Refresher
	locker    runlock.Locker
	lockTTL   time.Duration
	timeout   time.Duration
	now       func() time.Time
	group     singleflight.Group
}

func NewManager(st Store, sealer *Sealer, r Refresher, opts Options) *Manager {
	m := &Manager{store: st, sealer: sealer, refresher: r, locker: opts.Locker, lockTTL: opts.LockTTL, timeout: opts.Timeout, now: opts.Now}
	if m.now == nil {
		m.now = time.Now
	}
	if m.timeout <= 0 {
		m.timeout = 15 * time.Second
	}
	if m.lockTTL <= 0 {
		m.lockTTL = time.Minute
	}
	return m
}

// Connect stores freshly authorized credentials, sealing both tokens, and
// clears any reconnect latch.
func (m *Manager) Connect(ctx context.Context, x model.XAccount) error {
	var err error
	if x.AccessToken, err = m.sealer.Seal(x.AccessToken); err != nil {
		return err
	}
	if x.RefreshToken, err = m.sealer.Seal(x.RefreshToken); err != nil {
		return err
	}
	x.TokenError = false
	if x.ConnectedAt.IsZero() {
		x.ConnectedAt = m.now().UTC()
	}
	return m.store.ConnectXAccount(ctx, x)
}

func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	return m.store.DeleteXAccount(ctx, userID)
}

// EnsureFreshToken returns a plaintext access token for userID, refreshing
// it first when it expires within RefreshSkew.
func (m *Manager) EnsureFreshToken(ctx context.Context, userID string) (Credential, error) {
	x, err := m.load(ctx, userID)
	if err != nil {
		return Credential{}, err
	}
	if m.fresh(x) {
		return m.credential(ctx, x)
	}
	v, err, _ := m.group.Do(userID, func() (any, error) {
		return m.refresh(ctx, userID)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (m *Manager) load(ctx context.Context, userID string) (model.XAccount, error) {
	x, err := m.store.GetXAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return x, ErrNotConnected
	}
	if err != nil {
		return x, fmt.Errorf("%w: loading credentials: %v", ErrTransient, err)
	}
	if x.TokenError {
		return x, ErrTokenExpired
	}
	return x, nil
}

func (m *Manager) fresh(x model.XAccount) bool {
	return m.now().Add(RefreshSkew).Before(x.TokenExpiresAt)
}

func (m *Manager) refresh(ctx context.Context, userID string) (Credential, error) {
	if m.locker != nil {
		lease, err := m.locker.Acquire(ctx, "refresh:"+userID, m.lockTTL)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: refresh lock: %v", ErrTransient, err)
		}
		defer func() { _ = lease.Release(context.Background()) }()
	}
	// Another caller may have refreshed while we waited.
	x, err := m.load(ctx, userID)
	if err != nil {
		return Credential{}, err
	}
	if m.fresh(x) {
		return m.credential(ctx, x)
	}
	refreshToken, _, err := m.sealer.Open(x.RefreshToken)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	rctx, cancel := context.WithTimeout(ctx, m.timeout)
	ts, err := m.refresher.Refresh(rctx, refreshToken)
	cancel()
	if errors.Is(err, ErrTokenExpired) {
		metrics.IncTokenRefresh("expired")
		m.expire(ctx, x)
		return Credential{}, err
	}
	if err != nil {
		metrics.IncTokenRefresh("transient")
		logging.Warn("token_refresh_failed", map[string]any{"user_id": userID, "error": err.Error()})
		if !errors.Is(err, ErrTransient) {
			err = fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return Credential{}, err
	}

	access, err := m.sealer.Seal(ts.AccessToken)
	if err != nil {
		return Credential{}, err
	}
	next, err := m.sealer.Seal(ts.RefreshToken)
	if err != nil {
		return Credential{}, err
	}
	if err := m.store.UpdateTokens(ctx, userID, access, next, ts.ExpiresAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Latched or disconnected in the meantime.
			_, lerr := m.load(ctx, userID)
			if lerr == nil {
				lerr = ErrTokenExpired
			}
			return Credential{}, lerr
		}
		return Credential{}, fmt.Errorf("%w: saving tokens: %v", ErrTransient, err)
	}
	metrics.IncTokenRefresh("ok")
	logging.Info("token_refreshed", map[string]any{"user_id": userID, "expires_at": ts.ExpiresAt.UTC().Format(time.RFC3339)})
	return Credential{AccessToken: ts.AccessToken, XUserID: x.XUserID, Username: x.Username, Premium: x.Premium}, nil
}

// credential opens the stored access token, re-sealing legacy plaintext
// values in place.
func (m *Manager) credential(ctx context.Context, x model.XAccount) (Credential, error) {
	access, legacyA, err := m.sealer.Open(x.AccessToken)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	refresh, legacyR, err := m.sealer.Open(x.RefreshToken)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if legacyA || legacyR {
		m.reseal(ctx, x, access, refresh)
	}
	return Credential{AccessToken: access, XUserID: x.XUserID, Username: x.Username, Premium: x.Premium}, nil
}

func (m *Manager) reseal(ctx context.Context, x model.XAccount, access, refresh string) {
	a, err := m.sealer.Seal(access)
	if err != nil {
		return
	}
	r, err := m.sealer.Seal(refresh)
	if err != nil {
		return
	}
	if err := m.store.UpdateTokens(ctx, x.UserID, a, r, x.TokenExpiresAt); err != nil {
		logging.Warn("token_reseal_failed", map[string]any{"user_id": x.UserID, "error": err.Error()})
		return
	}
	logging.Info("token_resealed", map[string]any{"user_id": x.UserID})
}

// expire sets the reconnect latch. Only the caller that flips it queues
// the notification.
func (m *Manager) expire(ctx context.Context, x model.XAccount) {
	changed, err := m.store.LatchTokenError(ctx, x.UserID)
	if err != nil {
		logging.Error("token_latch_failed", map[string]any{"user_id": x.UserID, "error": err.Error()})
		return
	}
	if !changed {
		return
	}
	logging.Warn("token_expired", map[string]any{"user_id": x.UserID})
	_, err = m.store.EnqueueNotification(ctx, model.Notification{
		UserID:    x.UserID,
		Title:     "Reconnect your X account",
		Message:   "Your X authorization expired or was revoked. Automated replies are paused until you reconnect.",
		Link:      "/settings/connections",
		DedupeKey: fmt.Sprintf("token-expired:%s:%d", x.UserID, x.ConnectedAt.Unix()),
	})
	if err != nil {
		logging.Error("notify_failed", map[string]any{"user_id": x.UserID, "error": err.Error()})
	}
}
