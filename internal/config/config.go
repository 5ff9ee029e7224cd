package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Unlimited marks a tier limit that is never enforced.
const Unlimited = -1

// Config is the application's configuration model.
// It captures platform credentials, generation settings, storage, and the
// tier table that bounds automated activity.
type Config struct {
	Platform   PlatformConfig   `yaml:"platform"`
	LLM        LLMConfig        `yaml:"llm"`
	Security   SecurityConfig   `yaml:"security"`
	Storage    StorageConfig    `yaml:"storage"`
	Engagement EngagementConfig `yaml:"engagement"`
	Quota      QuotaConfig      `yaml:"quota"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type PlatformConfig struct {
	BaseURL   string `yaml:"baseURL"`
	UploadURL string `yaml:"uploadURL"`
	TokenURL  string `yaml:"tokenURL"`
	// App-only token for timeline reads. If empty, read from env X_BEARER_TOKEN
	BearerToken string `yaml:"bearerToken"`
	// OAuth2 app credentials. The secret is optional (public clients).
	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret"`
	// Character ceilings for standard and premium accounts
	StandardCharLimit int `yaml:"standardCharLimit"`
	PremiumCharLimit  int `yaml:"premiumCharLimit"`
	// Client-side request rate, requests per second
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
}

type LLMConfig struct {
	Provider   string `yaml:"provider"` // "openai" or "none"
	Model      string `yaml:"model"`
	ImageModel string `yaml:"imageModel"`
	BaseURL    string `yaml:"baseURL"`
	// If empty, read from env OPENAI_API_KEY
	APIKey string `yaml:"apiKey"`
}

type SecurityConfig struct {
	// Base64 32-byte key sealing OAuth tokens at rest. Env TOKEN_ENCRYPTION_KEY
	TokenKey string `yaml:"tokenKey"`
}

type StorageConfig struct {
	DBPath string `yaml:"dbPath"`
	// When set, quota counters and run locks live in Redis instead of SQLite
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
}

type EngagementConfig struct {
	Workers          int           `yaml:"workers"`
	TickInterval     time.Duration `yaml:"tickInterval"`
	MaxRepliesPerRun int           `yaml:"maxRepliesPerRun"`
	MaxAttempts      int           `yaml:"maxAttempts"`
	RunLockTTL       time.Duration `yaml:"runLockTTL"`
	RetentionDays    int           `yaml:"retentionDays"`
	// Per-call ceilings for network operations
	FetchTimeout    time.Duration `yaml:"fetchTimeout"`
	GenerateTimeout time.Duration `yaml:"generateTimeout"`
	PostTimeout     time.Duration `yaml:"postTimeout"`
	RefreshTimeout  time.Duration `yaml:"refreshTimeout"`
}

type QuotaConfig struct {
	// Rolling window for reply and image counts
	Window time.Duration `yaml:"window"`
	// Window for manually composed posts
	PublishWindow time.Duration `yaml:"publishWindow"`
	// Align reply/image windows to the subscription's billing period start
	AnchorToBillingPeriod bool                  `yaml:"anchorToBillingPeriod"`
	DefaultTier           string                `yaml:"defaultTier"`
	Tiers                 map[string]TierLimits `yaml:"tiers"`
}

// TierLimits bounds usage for one subscription tier. -1 is unlimited.
type TierLimits struct {
	Replies     int64 `yaml:"replies"`
	Images      int64 `yaml:"images"`
	WeeklyPosts int64 `yaml:"weeklyPosts"`
	Accounts    int   `yaml:"accounts"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Platform: PlatformConfig{
			BaseURL:           "https://api.x.com/2",
			UploadURL:         "https://api.x.com/2/media/upload",
			TokenURL:          "https://api.x.com/2/oauth2/token",
			StandardCharLimit: 280,
			PremiumCharLimit:  25000,
			RequestsPerSecond: 1,
		},
		LLM:      LLMConfig{Provider: "none", Model: "gpt-4o-mini", ImageModel: "gpt-image-1", BaseURL: "https://api.openai.com/v1"},
		Security: SecurityConfig{},
		Storage:  StorageConfig{DBPath: "./replybot.db"},
		Engagement: EngagementConfig{
			Workers:          4,
			TickInterval:     time.Minute,
			MaxRepliesPerRun: 5,
			MaxAttempts:      3,
			RunLockTTL:       10 * time.Minute,
			RetentionDays:    90,
			FetchTimeout:     15 * time.Second,
			GenerateTimeout:  60 * time.Second,
			PostTimeout:      20 * time.Second,
			RefreshTimeout:   15 * time.Second,
		},
		Quota: QuotaConfig{
			Window:        30 * 24 * time.Hour,
			PublishWindow: 7 * 24 * time.Hour,
			DefaultTier:   "free",
			Tiers: map[string]TierLimits{
				"free":     {Replies: 50, Images: 5, WeeklyPosts: 3, Accounts: 1},
				"pro":      {Replies: 1000, Images: 100, WeeklyPosts: 25, Accounts: 10},
				"business": {Replies: Unlimited, Images: 1000, WeeklyPosts: Unlimited, Accounts: 50},
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fill(&c.Platform.BearerToken, "X_BEARER_TOKEN")
	fill(&c.Platform.ClientID, "X_CLIENT_ID")
	fill(&c.Platform.ClientSecret, "X_CLIENT_SECRET")
	fill(&c.Security.TokenKey, "TOKEN_ENCRYPTION_KEY")
	fill(&c.Storage.RedisAddr, "REDIS_ADDR")
	fill(&c.Storage.RedisPassword, "REDIS_PASSWORD")
	fill(&c.Metrics.Addr, "METRICS_ADDR")
	if c.LLM.Provider == "openai" {
		fill(&c.LLM.APIKey, "OPENAI_API_KEY")
	}
}

// Validate reports the first setting that would make the pipeline unsafe to run.
func (c Config) Validate() error {
	key, err := base64.StdEncoding.DecodeString(c.Security.TokenKey)
	if c.Security.TokenKey == "" || err != nil || len(key) != 32 {
		return errors.New("security.tokenKey must be a base64 encoded 32-byte key")
	}
	if c.Engagement.Workers <= 0 {
		return errors.New("engagement.workers must be positive")
	}
	if c.Engagement.MaxAttempts <= 0 {
		return errors.New("engagement.maxAttempts must be positive")
	}
	if c.Engagement.RunLockTTL <= c.Engagement.CandidateBudget() || c.Engagement.RunLockTTL <= c.Engagement.FetchTimeout {
		return fmt.Errorf("engagement.runLockTTL must exceed the longest single step (%s)", c.Engagement.CandidateBudget())
	}
	if c.Quota.Window <= 0 || c.Quota.PublishWindow <= 0 {
		return errors.New("quota windows must be positive durations")
	}
	if _, ok := c.Quota.Tiers[c.Quota.DefaultTier]; !ok {
		return fmt.Errorf("quota.defaultTier %q is not in quota.tiers", c.Quota.DefaultTier)
	}
	for name, t := range c.Quota.Tiers {
		for _, v := range []int64{t.Replies, t.Images, t.WeeklyPosts, int64(t.Accounts)} {
			if v < Unlimited {
				return fmt.Errorf("quota.tiers.%s: limits must be >= 0 or -1", name)
			}
		}
	}
	switch c.LLM.Provider {
	case "none":
	case "openai":
		if c.LLM.APIKey == "" {
			return errors.New("llm.apiKey (or OPENAI_API_KEY) is required for provider openai")
		}
	default:
		return fmt.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}
	return nil
}

// CandidateBudget is the longest one reply attempt can take with every
// network call running to its timeout. The run lease is renewed between
// attempts, so its TTL only has to cover one of them.
func (e EngagementConfig) CandidateBudget() time.Duration {
	return e.RefreshTimeout + 2*e.GenerateTimeout + e.PostTimeout
}

// CharLimit returns the reply length ceiling for an account tier.
func (p PlatformConfig) CharLimit(premium bool) int {
	if premium {
		return p.PremiumCharLimit
	}
	return p.StandardCharLimit
}

// Load reads YAML config from path. A .env file next to the working
// directory is applied to the environment first, if present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
