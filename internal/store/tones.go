package store

import (
	"context"

	"github.com/google/uuid"

	"replybot/internal/model"
	"replybot/internal/tone"
)

// ListTones returns a user's tones in display order. The first read of an
// empty list seeds the built-in defaults.
func (d *DB) ListTones(ctx context.Context, userID string) ([]model.Tone, error) {
	out, err := d.queryTones(ctx, userID)
	if err != nil || len(out) > 0 {
		return out, err
	}
	if err := d.seedTones(ctx, userID); err != nil {
		return nil, err
	}
	return d.queryTones(ctx, userID)
}

func (d *DB) queryTones(ctx context.Context, userID string) ([]model.Tone, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT id, user_id, name, prompt, color FROM user_tones WHERE user_id=? ORDER BY position, name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Tone
	for rows.Next() {
		var t model.Tone
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Prompt, &t.Color); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DB) seedTones(ctx context.Context, userID string) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i, def := range tone.Defaults() {
		// A concurrent seeder may have won; the unique name keeps one copy.
		if _, err := tx.ExecContext(ctx, `INSERT INTO user_tones(id, user_id, name, prompt, color, position) VALUES(?,?,?,?,?,?)
			ON CONFLICT(user_id, name) DO NOTHING`, uuid.NewString(), userID, def.Name, def.Prompt, def.Color, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateTone adds a custom tone. ErrDuplicate if the name is taken.
func (d *DB) CreateTone(ctx context.Context, t *model.Tone) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	res, err := d.sql.ExecContext(ctx, `INSERT INTO user_tones(id, user_id, name, prompt, color, position)
		VALUES(?,?,?,?,?, (SELECT COALESCE(MAX(position), -1) + 1 FROM user_tones WHERE user_id=?))
		ON CONFLICT(user_id, name) DO NOTHING`, t.ID, t.UserID, t.Name, t.Prompt, t.Color, t.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}
