package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"replybot/internal/model"
)

const replyColumns = `id, account_id, user_id, source_post_id, source_text, tone_id, tone_name, reply_text, image_url, posted_id, status, attempts, last_error, text_cost, image_cost, api_cost, total_cost, created_at, updated_at`

func scanReply(r rowScanner) (model.EngagementReply, error) {
	var x model.EngagementReply
	var created, updated int64
	err := r.Scan(&x.ID, &x.AccountID, &x.UserID, &x.SourcePostID, &x.SourceText, &x.ToneID, &x.ToneName, &x.ReplyText, &x.ImageURL, &x.PostedID,
		&x.Status, &x.Attempts, &x.LastError, &x.TextCost, &x.ImageCost, &x.APICost, &x.TotalCost, &created, &updated)
	x.CreatedAt = fromUnix(created)
	x.UpdatedAt = fromUnix(updated)
	return x, err
}

// InsertReply creates a reply row. created is false when a row for the same
// (account, source post) already exists; the existing row is left untouched.
func (d *DB) InsertReply(ctx context.Context, r *model.EngagementReply) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = model.StatusPending
	}
	res, err := d.sql.ExecContext(ctx, `INSERT INTO engagement_replies(`+replyColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(account_id, source_post_id) DO NOTHING`,
		r.ID, r.AccountID, r.UserID, r.SourcePostID, r.SourceText, r.ToneID, r.ToneName, r.ReplyText, r.ImageURL, r.PostedID,
		r.Status, r.Attempts, r.LastError, zeroCost(r.TextCost), zeroCost(r.ImageCost), zeroCost(r.APICost), zeroCost(r.TotalCost),
		r.CreatedAt.Unix(), r.UpdatedAt.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateReply persists every mutable field of r.
func (d *DB) UpdateReply(ctx context.Context, r *model.EngagementReply) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := d.sql.ExecContext(ctx, `UPDATE engagement_replies SET tone_id=?, tone_name=?, reply_text=?, image_url=?, posted_id=?, status=?, attempts=?, last_error=?,
		text_cost=?, image_cost=?, api_cost=?, total_cost=?, updated_at=? WHERE id=?`,
		r.ToneID, r.ToneName, r.ReplyText, r.ImageURL, r.PostedID, r.Status, r.Attempts, r.LastError,
		zeroCost(r.TextCost), zeroCost(r.ImageCost), zeroCost(r.APICost), zeroCost(r.TotalCost), r.UpdatedAt.Unix(), r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetReply loads the reply for a source post on an account.
func (d *DB) GetReply(ctx context.Context, accountID int64, sourcePostID string) (model.EngagementReply, error) {
	r, err := scanReply(d.sql.QueryRowContext(ctx, `SELECT `+replyColumns+` FROM engagement_replies WHERE account_id=? AND source_post_id=?`, accountID, sourcePostID))
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

// KnownPostIDs returns which of ids already have a reply row for the account.
func (d *DB) KnownPostIDs(ctx context.Context, accountID int64, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, accountID)
	for _, id := range ids {
		args = append(args, id)
	}
	q := `SELECT source_post_id FROM engagement_replies WHERE account_id=? AND source_post_id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ListRetryableReplies returns failed replies below maxAttempts, oldest first.
func (d *DB) ListRetryableReplies(ctx context.Context, accountID int64, maxAttempts, limit int) ([]model.EngagementReply, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+replyColumns+` FROM engagement_replies
		WHERE account_id=? AND status=? AND attempts < ? ORDER BY created_at, id LIMIT ?`, accountID, model.StatusFailed, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	return collectReplies(rows)
}

// ListReplies returns the most recent replies for an account.
func (d *DB) ListReplies(ctx context.Context, accountID int64, limit int) ([]model.EngagementReply, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+replyColumns+` FROM engagement_replies WHERE account_id=? ORDER BY created_at DESC, id LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return collectReplies(rows)
}

func collectReplies(rows *sql.Rows) ([]model.EngagementReply, error) {
	defer rows.Close()
	var out []model.EngagementReply
	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneReplies deletes replies last updated before cutoff that can no longer
// change. Returns the number of rows removed.
func (d *DB) PruneReplies(ctx context.Context, cutoff time.Time, maxAttempts int) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM engagement_replies WHERE updated_at < ?
		AND (status IN (?,?,?,?,?) OR (status=? AND attempts >= ?))`,
		cutoff.Unix(), model.StatusPosted, model.StatusDrafted, model.StatusSkippedPaused, model.StatusSkippedQuota, model.StatusSkippedDuplicate,
		model.StatusFailed, maxAttempts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func zeroCost(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
