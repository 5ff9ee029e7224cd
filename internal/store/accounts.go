package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"replybot/internal/model"
)

const accountColumns = `id, user_id, x_user_id, username, tone, tone_weights, image_frequency, enabled, auto_post, poll_interval, temperature, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (model.MonitoredAccount, error) {
	var a model.MonitoredAccount
	var weights sql.NullString
	var enabled, autoPost int
	var created int64
	if err := r.Scan(&a.ID, &a.UserID, &a.XUserID, &a.Username, &a.Tone, &weights, &a.ImageFrequency, &enabled, &autoPost, &a.PollInterval, &a.Temperature, &created); err != nil {
		return a, err
	}
	if weights.Valid && weights.String != "" {
		if err := json.Unmarshal([]byte(weights.String), &a.ToneWeights); err != nil {
			return a, err
		}
	}
	a.Enabled = enabled == 1
	a.AutoPost = autoPost == 1
	a.CreatedAt = fromUnix(created)
	return a, nil
}

// CreateAccount inserts a monitored account and sets its ID.
func (d *DB) CreateAccount(ctx context.Context, a *model.MonitoredAccount) error {
	var weights *string
	if len(a.ToneWeights) > 0 {
		b, err := json.Marshal(a.ToneWeights)
		if err != nil {
			return err
		}
		s := string(b)
		weights = &s
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := d.sql.ExecContext(ctx, `INSERT INTO monitored_accounts(user_id, x_user_id, username, tone, tone_weights, image_frequency, enabled, auto_post, poll_interval, temperature, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(user_id, x_user_id) DO NOTHING`,
		a.UserID, a.XUserID, a.Username, a.Tone, weights, a.ImageFrequency, boolInt(a.Enabled), boolInt(a.AutoPost), a.PollInterval, a.Temperature, a.CreatedAt.Unix())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	a.ID, err = res.LastInsertId()
	return err
}

// GetAccount loads a monitored account by id.
func (d *DB) GetAccount(ctx context.Context, id int64) (model.MonitoredAccount, error) {
	a, err := scanAccount(d.sql.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM monitored_accounts WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// CountAccounts returns how many accounts a user monitors.
func (d *DB) CountAccounts(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM monitored_accounts WHERE user_id=?`, userID).Scan(&n)
	return n, err
}

// SetAccountEnabled toggles automated activity for an account.
func (d *DB) SetAccountEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE monitored_accounts SET enabled=? WHERE id=?`, boolInt(enabled), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDueAccounts returns enabled accounts whose poll interval has elapsed at now.
func (d *DB) ListDueAccounts(ctx context.Context, now time.Time) ([]model.MonitoredAccount, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+prefixed("a.", accountColumns)+` FROM monitored_accounts a
		LEFT JOIN account_poll_state p ON p.account_id = a.id
		WHERE a.enabled = 1 AND (p.last_polled_at IS NULL OR p.last_polled_at + a.poll_interval*60 <= ?)
		ORDER BY COALESCE(p.last_polled_at, 0), a.id`, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.MonitoredAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkPolled records that an account run finished at t.
func (d *DB) MarkPolled(ctx context.Context, accountID int64, t time.Time) error {
	_, err := d.sql.ExecContext(ctx, `INSERT INTO account_poll_state(account_id, last_polled_at) VALUES(?,?)
		ON CONFLICT(account_id) DO UPDATE SET last_polled_at=excluded.last_polled_at`, accountID, t.Unix())
	return err
}

func prefixed(p, cols string) string {
	parts := strings.Split(cols, ", ")
	for i := range parts {
		parts[i] = p + parts[i]
	}
	return strings.Join(parts, ", ")
}
