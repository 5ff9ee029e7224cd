package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"replybot/internal/config"
	"replybot/internal/engage"
	"replybot/internal/post"
	"replybot/internal/quota"
	"replybot/internal/runlock"
	"replybot/internal/settings"
	"replybot/internal/store"
	"replybot/internal/suggest"
	"replybot/internal/xauth"
	"replybot/internal/xclient"
)

const redisPrefix = "replybot:"

// app holds the wired pipeline for one command invocation.
type app struct {
	cfg      config.Config
	db       *store.DB
	rdb      *redis.Client
	quota    *quota.Enforcer
	locker   runlock.Locker
	tokens   *xauth.Manager
	platform *xclient.HTTPClient
	gen      suggest.Generator
	settings *settings.Service
}

// newApp opens storage and builds every collaborator. Counters and locks
// move to Redis when storage.redisAddr is set.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db}

	var counter quota.Counter = quota.NewSQLCounter(db)
	a.locker = runlock.NewSQL(db)
	if cfg.Storage.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr, Password: cfg.Storage.RedisPassword, DB: cfg.Storage.RedisDB})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.rdb.Ping(pctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("connecting to redis %s: %w", cfg.Storage.RedisAddr, err)
		}
		counter = quota.NewRedisCounter(a.rdb, redisPrefix)
		a.locker = runlock.NewRedis(a.rdb, redisPrefix)
	}
	a.quota = quota.New(counter, cfg.Quota)

	sealer, err := xauth.NewSealer(cfg.Security.TokenKey)
	if err != nil {
		a.close()
		return nil, err
	}
	refresher := xauth.NewOAuthRefresher(cfg.Platform.TokenURL, cfg.Platform.ClientID, cfg.Platform.ClientSecret, &http.Client{Timeout: 30 * time.Second})
	a.tokens = xauth.NewManager(db, sealer, refresher, xauth.Options{
		Locker:  a.locker,
		LockTTL: time.Minute,
		Timeout: cfg.Engagement.RefreshTimeout,
	})
	a.platform = xclient.NewHTTPClient(xclient.Options{
		BaseURL:           cfg.Platform.BaseURL,
		UploadURL:         cfg.Platform.UploadURL,
		BearerToken:       cfg.Platform.BearerToken,
		RequestsPerSecond: cfg.Platform.RequestsPerSecond,
	})
	a.gen = suggest.New(cfg.LLM)
	a.settings = settings.New(db, a.quota, cfg.Quota.DefaultTier)
	return a, nil
}

func (a *app) orchestrator() *engage.Orchestrator {
	return engage.New(a.db, a.quota, a.tokens, a.platform, a.gen, engage.Options{
		Engagement:  a.cfg.Engagement,
		DefaultTier: a.cfg.Quota.DefaultTier,
		CharLimit:   a.cfg.Platform.CharLimit,
		Locker:      a.locker,
	})
}

func (a *app) publisher() *post.Publisher {
	return &post.Publisher{
		Subs:        a.db,
		Quota:       a.quota,
		Tokens:      a.tokens,
		Platform:    a.platform,
		DefaultTier: a.cfg.Quota.DefaultTier,
		CharLimit:   a.cfg.Platform.CharLimit,
		Timeout:     a.cfg.Engagement.PostTimeout,
	}
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	_ = a.db.Close()
}

// withApp builds the app for the duration of f.
func withApp(ctx context.Context, f func(*app) error) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return f(a)
}
