package store

import (
	"context"
	"database/sql"
	"errors"

	"replybot/internal/model"
)

// EnsureEngagementConfig returns the user's config, creating it on first use.
func (d *DB) EnsureEngagementConfig(ctx context.Context, userID string) (model.EngagementConfig, error) {
	if _, err := d.sql.ExecContext(ctx, `INSERT INTO engagement_configs(user_id) VALUES(?) ON CONFLICT(user_id) DO NOTHING`, userID); err != nil {
		return model.EngagementConfig{}, err
	}
	return d.GetEngagementConfig(ctx, userID)
}

// GetEngagementConfig loads the user's config or ErrNotFound.
func (d *DB) GetEngagementConfig(ctx context.Context, userID string) (model.EngagementConfig, error) {
	var c model.EngagementConfig
	err := d.sql.QueryRowContext(ctx, `SELECT id, user_id, timezone FROM engagement_configs WHERE user_id=?`, userID).Scan(&c.ID, &c.UserID, &c.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// SetTimezone stores the IANA zone pause schedules are evaluated in.
func (d *DB) SetTimezone(ctx context.Context, userID, tz string) error {
	_, err := d.sql.ExecContext(ctx, `INSERT INTO engagement_configs(user_id, timezone) VALUES(?,?)
		ON CONFLICT(user_id) DO UPDATE SET timezone=excluded.timezone`, userID, tz)
	return err
}

// CountSchedules returns the number of pause schedules a user owns.
func (d *DB) CountSchedules(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM pause_schedules s JOIN engagement_configs c ON c.id = s.config_id WHERE c.user_id=?`, userID).Scan(&n)
	return n, err
}

// CreateSchedule inserts a schedule under configID and sets its ID.
func (d *DB) CreateSchedule(ctx context.Context, s *model.PauseSchedule) error {
	res, err := d.sql.ExecContext(ctx, `INSERT INTO pause_schedules(config_id, start_time, end_time, enabled, label) VALUES(?,?,?,?,?)`,
		s.ConfigID, s.StartTime, s.EndTime, boolInt(s.Enabled), s.Label)
	if err != nil {
		return err
	}
	s.ID, err = res.LastInsertId()
	return err
}

// ScheduleOwner returns the user id owning a schedule.
func (d *DB) ScheduleOwner(ctx context.Context, scheduleID int64) (string, error) {
	var user string
	err := d.sql.QueryRowContext(ctx, `SELECT c.user_id FROM pause_schedules s JOIN engagement_configs c ON c.id = s.config_id WHERE s.id=?`, scheduleID).Scan(&user)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return user, err
}

// CountExceptions returns the number of exception dates on a schedule.
func (d *DB) CountExceptions(ctx context.Context, scheduleID int64) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM pause_exceptions WHERE schedule_id=?`, scheduleID).Scan(&n)
	return n, err
}

// AddException attaches a date to a schedule. ErrDuplicate if already present.
func (d *DB) AddException(ctx context.Context, scheduleID int64, date string) error {
	res, err := d.sql.ExecContext(ctx, `INSERT INTO pause_exceptions(schedule_id, date) VALUES(?,?) ON CONFLICT(schedule_id, date) DO NOTHING`, scheduleID, date)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

// ListSchedules returns every schedule of a user with its exception dates,
// plus the user's timezone ("" when no config exists).
func (d *DB) ListSchedules(ctx context.Context, userID string) ([]model.PauseSchedule, string, error) {
	cfg, err := d.GetEngagementConfig(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	rows, err := d.sql.QueryContext(ctx, `SELECT id, config_id, start_time, end_time, enabled, label FROM pause_schedules WHERE config_id=? ORDER BY id`, cfg.ID)
	if err != nil {
		return nil, "", err
	}
	var out []model.PauseSchedule
	index := map[int64]int{}
	for rows.Next() {
		var s model.PauseSchedule
		var enabled int
		if err := rows.Scan(&s.ID, &s.ConfigID, &s.StartTime, &s.EndTime, &enabled, &s.Label); err != nil {
			rows.Close()
			return nil, "", err
		}
		s.Enabled = enabled == 1
		index[s.ID] = len(out)
		out = append(out, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(out) == 0 {
		return nil, cfg.Timezone, nil
	}

	ex, err := d.sql.QueryContext(ctx, `SELECT e.schedule_id, e.date FROM pause_exceptions e JOIN pause_schedules s ON s.id = e.schedule_id
		WHERE s.config_id=? ORDER BY e.date`, cfg.ID)
	if err != nil {
		return nil, "", err
	}
	defer ex.Close()
	for ex.Next() {
		var id int64
		var date string
		if err := ex.Scan(&id, &date); err != nil {
			return nil, "", err
		}
		if i, ok := index[id]; ok {
			out[i].Exceptions = append(out[i].Exceptions, date)
		}
	}
	return out, cfg.Timezone, ex.Err()
}
