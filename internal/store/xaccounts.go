package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"replybot/internal/model"
)

// ConnectXAccount stores freshly authorized credentials for a user and
// clears any token error latch. Tokens must already be sealed.
func (d *DB) ConnectXAccount(ctx context.Context, x model.XAccount) error {
	if x.ConnectedAt.IsZero() {
		x.ConnectedAt = time.Now().UTC()
	}
	_, err := d.sql.ExecContext(ctx, `INSERT INTO x_accounts(user_id, x_user_id, username, access_token, refresh_token, token_expires_at, token_error, premium, connected_at)
		VALUES(?,?,?,?,?,?,0,?,?)
		ON CONFLICT(user_id) DO UPDATE SET x_user_id=excluded.x_user_id, username=excluded.username, access_token=excluded.access_token,
		  refresh_token=excluded.refresh_token, token_expires_at=excluded.token_expires_at, token_error=0, premium=excluded.premium,
		  connected_at=excluded.connected_at`,
		x.UserID, x.XUserID, x.Username, x.AccessToken, x.RefreshToken, x.TokenExpiresAt.Unix(), boolInt(x.Premium), x.ConnectedAt.Unix())
	return err
}

// GetXAccount loads a user's credential record.
func (d *DB) GetXAccount(ctx context.Context, userID string) (model.XAccount, error) {
	var x model.XAccount
	var expires, connected int64
	var tokenErr, premium int
	err := d.sql.QueryRowContext(ctx, `SELECT user_id, x_user_id, username, access_token, refresh_token, token_expires_at, token_error, premium, connected_at
		FROM x_accounts WHERE user_id=?`, userID).Scan(&x.UserID, &x.XUserID, &x.Username, &x.AccessToken, &x.RefreshToken, &expires, &tokenErr, &premium, &connected)
	if errors.Is(err, sql.ErrNoRows) {
		return x, ErrNotFound
	}
	if err != nil {
		return x, err
	}
	x.TokenExpiresAt = time.Unix(expires, 0).UTC()
	x.ConnectedAt = fromUnix(connected)
	x.TokenError = tokenErr == 1
	x.Premium = premium == 1
	return x, nil
}

// UpdateTokens replaces both sealed tokens and the expiry after a refresh.
// It does nothing once the latch is set, so a late refresh cannot revive a
// record that was marked expired.
func (d *DB) UpdateTokens(ctx context.Context, userID, access, refresh string, expiresAt time.Time) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE x_accounts SET access_token=?, refresh_token=?, token_expires_at=? WHERE user_id=? AND token_error=0`,
		access, refresh, expiresAt.Unix(), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatchTokenError sets the token error flag. changed is true only for the
// call that flipped it.
func (d *DB) LatchTokenError(ctx context.Context, userID string) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `UPDATE x_accounts SET token_error=1 WHERE user_id=? AND token_error=0`, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DeleteXAccount removes a user's credentials (disconnect).
func (d *DB) DeleteXAccount(ctx context.Context, userID string) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM x_accounts WHERE user_id=?`, userID)
	return err
}

// GetSubscription returns the user's subscription; users without one are on
// defaultTier.
func (d *DB) GetSubscription(ctx context.Context, userID, defaultTier string) (model.Subscription, error) {
	s := model.Subscription{UserID: userID, Tier: defaultTier}
	var start, end int64
	err := d.sql.QueryRowContext(ctx, `SELECT tier, period_start, period_end FROM api_subscriptions WHERE user_id=?`, userID).Scan(&s.Tier, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	s.PeriodStart = fromUnix(start)
	s.PeriodEnd = fromUnix(end)
	return s, err
}

// PutSubscription upserts a user's tier and billing period.
func (d *DB) PutSubscription(ctx context.Context, s model.Subscription) error {
	_, err := d.sql.ExecContext(ctx, `INSERT INTO api_subscriptions(user_id, tier, period_start, period_end) VALUES(?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET tier=excluded.tier, period_start=excluded.period_start, period_end=excluded.period_end`,
		s.UserID, s.Tier, unixOrZero(s.PeriodStart), unixOrZero(s.PeriodEnd))
	return err
}
