// Package jobs drives the reply pipeline on a timer.
package jobs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"replybot/internal/config"
	"replybot/internal/engage"
	"replybot/internal/logging"
	"replybot/internal/store"
)

const pruneCursorKey = "prune:last_ts"

// Runner processes one monitored account.
type Runner interface {
	Run(ctx context.Context, accountID int64) (engage.RunResult, error)
}

// Summary counts account runs of one tick by outcome.
type Summary struct {
	Accounts int
	Errors   int
	Outcomes map[string]int
}

// RunDueOnce runs every account whose poll interval has elapsed on a pool of
// workers. A failing account is logged and never stops its siblings.
func RunDueOnce(ctx context.Context, db *store.DB, runner Runner, workers int, now time.Time) (Summary, error) {
	sum := Summary{Outcomes: map[string]int{}}
	due, err := db.ListDueAccounts(ctx, now)
	if err != nil {
		return sum, err
	}
	if workers <= 0 {
		workers = 1
	}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(workers)
	for _, acc := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := runner.Run(ctx, acc.ID)
			mu.Lock()
			defer mu.Unlock()
			sum.Accounts++
			if err != nil {
				sum.Errors++
				logging.Error("account_run_error", map[string]any{"account_id": acc.ID, "user_id": acc.UserID, "error": err.Error()})
				return nil
			}
			sum.Outcomes[res.Outcome]++
			return nil
		})
	}
	_ = g.Wait()
	if len(due) > 0 {
		logging.Info("run_due_once", map[string]any{"due": len(due), "ran": sum.Accounts, "errors": sum.Errors, "outcomes": sum.Outcomes})
	}
	return sum, ctx.Err()
}

// PruneResult reports rows removed by retention.
type PruneResult struct {
	Replies int64
	Usage   int64
}

// Prune drops settled replies older than the retention period and expired
// usage counters. Retention of zero keeps replies forever.
func Prune(ctx context.Context, db *store.DB, cfg config.EngagementConfig, now time.Time) (PruneResult, error) {
	var out PruneResult
	var err error
	if cfg.RetentionDays > 0 {
		cutoff := now.Add(-time.Duration(cfg.RetentionDays) * 24 * time.Hour)
		if out.Replies, err = db.PruneReplies(ctx, cutoff, cfg.MaxAttempts); err != nil {
			return out, err
		}
	}
	if out.Usage, err = db.PruneUsage(ctx, now); err != nil {
		return out, err
	}
	_ = db.SaveCursor(ctx, pruneCursorKey, now.UTC().Format(time.RFC3339Nano))
	logging.Info("prune", map[string]any{"replies": out.Replies, "usage_counters": out.Usage})
	return out, nil
}

// pruneDue reports whether a day has passed since the last prune.
func pruneDue(ctx context.Context, db *store.DB, now time.Time) bool {
	v, err := db.LoadCursor(ctx, pruneCursorKey)
	if err != nil || v == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return true
	}
	return now.Sub(last) >= 24*time.Hour
}

// RunLoop runs due accounts on a ticker until ctx is cancelled, pruning
// once a day.
func RunLoop(ctx context.Context, db *store.DB, runner Runner, cfg config.EngagementConfig) error {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	tick := func() {
		now := time.Now()
		if _, err := RunDueOnce(ctx, db, runner, cfg.Workers, now); err != nil && ctx.Err() == nil {
			logging.Error("run_due_once_error", map[string]any{"error": err.Error()})
		}
		if ctx.Err() == nil && pruneDue(ctx, db, now) {
			if _, err := Prune(ctx, db, cfg, now); err != nil {
				logging.Error("prune_error", map[string]any{"error": err.Error()})
			}
		}
	}
	// run immediately
	tick()
	for {
		select {
		case <-ctx.Done():
			logging.Info("scheduler_loop_stop", nil)
			return ctx.Err()
		case <-t.C:
			tick()
		}
	}
}
