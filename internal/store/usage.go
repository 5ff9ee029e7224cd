package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"replybot/internal/model"
)

// UsageKey identifies one usage counter row. Anchor is the Unix second the
// window sequence counts from, so buckets of different billing periods
// never share a row.
type UsageKey struct {
	UserID string
	Kind   string
	Anchor int64
	Bucket int64
}

// ReserveUsage increments a usage counter only while it is below limit, in a
// single statement. ok reports whether the increment happened; used is the
// counter value afterwards.
func (d *DB) ReserveUsage(ctx context.Context, k UsageKey, limit int64, expiresAt time.Time) (used int64, ok bool, err error) {
	if limit <= 0 {
		used, err = d.Usage(ctx, k)
		return used, false, err
	}
	err = d.sql.QueryRowContext(ctx, `INSERT INTO usage_counters(user_id, kind, anchor, bucket, used, expires_at) VALUES(?,?,?,?,1,?)
		ON CONFLICT(user_id, kind, anchor, bucket) DO UPDATE SET used = usage_counters.used + 1,
		  expires_at = MAX(usage_counters.expires_at, excluded.expires_at)
		WHERE usage_counters.used < ?
		RETURNING used`, k.UserID, k.Kind, k.Anchor, k.Bucket, expiresAt.Unix(), limit).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		used, err = d.Usage(ctx, k)
		return used, false, err
	}
	if err != nil {
		return 0, false, err
	}
	return used, true, nil
}

// ReleaseUsage gives back one unit reserved with ReserveUsage.
func (d *DB) ReleaseUsage(ctx context.Context, k UsageKey) error {
	_, err := d.sql.ExecContext(ctx, `UPDATE usage_counters SET used = used - 1 WHERE user_id=? AND kind=? AND anchor=? AND bucket=? AND used > 0`,
		k.UserID, k.Kind, k.Anchor, k.Bucket)
	return err
}

// Usage returns the current counter value, 0 when unset.
func (d *DB) Usage(ctx context.Context, k UsageKey) (int64, error) {
	var used int64
	err := d.sql.QueryRowContext(ctx, `SELECT used FROM usage_counters WHERE user_id=? AND kind=? AND anchor=? AND bucket=?`,
		k.UserID, k.Kind, k.Anchor, k.Bucket).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return used, err
}

// PruneUsage drops counters whose window ended before now.
func (d *DB) PruneUsage(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM usage_counters WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AcquireLease takes key for owner until now+ttl. A lease held by another
// owner that has not expired blocks acquisition.
func (d *DB) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `INSERT INTO run_leases(name, owner, expires_at) VALUES(?,?,?)
		ON CONFLICT(name) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
		WHERE run_leases.expires_at <= ? OR run_leases.owner = excluded.owner`,
		key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseLease drops key if owner still holds it.
func (d *DB) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM run_leases WHERE name=? AND owner=?`, key, owner)
	return err
}

// EnqueueNotification stores a user-visible message. A message whose
// DedupeKey was already used is dropped and queued reports false.
func (d *DB) EnqueueNotification(ctx context.Context, n model.Notification) (bool, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	var key any
	if n.DedupeKey != "" {
		key = n.DedupeKey
	}
	res, err := d.sql.ExecContext(ctx, `INSERT INTO notifications(user_id, title, message, link, dedupe_key, created_at) VALUES(?,?,?,?,?,?)
		ON CONFLICT(dedupe_key) DO NOTHING`, n.UserID, n.Title, n.Message, n.Link, key, n.CreatedAt.Unix())
	if err != nil {
		return false, err
	}
	c, err := res.RowsAffected()
	return c == 1, err
}

// ListNotifications returns a user's notifications, newest first.
func (d *DB) ListNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT id, user_id, title, message, link, COALESCE(dedupe_key, ''), created_at FROM notifications WHERE user_id=? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var created int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Link, &n.DedupeKey, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = fromUnix(created)
		out = append(out, n)
	}
	return out, rows.Err()
}
